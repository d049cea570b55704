package push

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/courier/backend/internal/devices"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Predicate selects delivered notifications over the audit table. UserID is required.
type Predicate struct {
	UserID      string
	ThreadID    string
	MessageIDs  []string
	CollapseKey string
}

// RescindReport summarizes one Rescind call.
type RescindReport struct {
	Rescinded  int
	Deliveries int
	Failures   int
}

// Pending returns the delivered, non-rescinded message notifications matching the predicate.
func (engine *Engine) Pending(ctx context.Context, predicate Predicate) ([]Notification, error) {
	if strings.TrimSpace(predicate.UserID) == "" {
		return nil, newServiceError(opRescind, reasonInvalidPredicate, ErrInvalidPredicate)
	}
	query := engine.db.WithContext(ctx).
		Where("user_id = ? AND rescinded = ? AND source = ?", predicate.UserID, false, SourceMessage)
	if predicate.ThreadID != "" {
		query = query.Where("thread_id = ?", predicate.ThreadID)
	}
	if predicate.CollapseKey != "" {
		query = query.Where("collapse_key = ?", predicate.CollapseKey)
	}
	var rows []Notification
	if err := query.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, newServiceError(opRescind, reasonQueryFailed, err)
	}
	if len(predicate.MessageIDs) == 0 {
		return rows, nil
	}
	// collapsed rows record later messages only on their deliveries
	return carryingAny(rows, predicate.MessageIDs), nil
}

func carryingAny(rows []Notification, messageIDs []string) []Notification {
	wanted := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = struct{}{}
	}
	matched := rows[:0]
	for _, row := range rows {
		for _, id := range row.MessageIDs() {
			if _, ok := wanted[id]; ok {
				matched = append(matched, row)
				break
			}
		}
	}
	return matched
}

// Rescind clears every pending notification matching the predicate. The clear payload
// travels the same encryption and size path as the original, carries the recipient's
// current unread count, and its delivery outcomes are recorded on a fresh audit row.
func (engine *Engine) Rescind(ctx context.Context, predicate Predicate) (RescindReport, error) {
	rows, err := engine.Pending(ctx, predicate)
	if err != nil {
		engine.logError(opRescind, reasonQueryFailed, err, zap.String(fieldUserID, predicate.UserID))
		return RescindReport{}, err
	}
	if len(rows) == 0 {
		return RescindReport{}, nil
	}

	badge, err := engine.chat.UnreadThreadCount(ctx, predicate.UserID)
	if err != nil {
		engine.logError(opRescind, reasonLookupFailed, err, zap.String(fieldUserID, predicate.UserID))
		return RescindReport{}, newServiceError(opRescind, reasonLookupFailed, err)
	}
	deviceMap, err := engine.devices.ListForUsers(ctx, []string{predicate.UserID})
	if err != nil {
		engine.logError(opRescind, reasonLookupFailed, err, zap.String(fieldUserID, predicate.UserID))
		return RescindReport{}, newServiceError(opRescind, reasonLookupFailed, err)
	}
	current := make(map[string]devices.Device)
	for _, device := range deviceMap[predicate.UserID] {
		current[device.DeviceID] = device
	}

	now := engine.clock().UTC()
	jobs := make([]*deliveryJob, 0, len(rows))
	audits := make([]Notification, 0, len(rows))
	for _, row := range rows {
		auditID, err := engine.idProvider.NewID()
		if err != nil {
			engine.logError(opRescind, reasonIDFailed, err)
			return RescindReport{}, newServiceError(opRescind, reasonIDFailed, err)
		}
		jobs = append(jobs, &deliveryJob{
			notificationID: auditID,
			userID:         row.UserID,
			collapseKey:    row.CollapseKey,
			badge:          badge,
			payload: rescindPayload{
				notificationID: auditID,
				rescindedID:    row.NotificationID,
				threadID:       row.ThreadID,
				collapseKey:    row.CollapseKey,
				badge:          badge,
			},
			devices: deliveredDevices(row, current),
		})
		audits = append(audits, Notification{
			NotificationID: auditID,
			UserID:         row.UserID,
			ThreadID:       row.ThreadID,
			MessageID:      row.MessageID,
			CollapseKey:    row.CollapseKey,
			Source:         SourceRescind,
			Deliveries:     Deliveries{},
			CreatedAt:      now,
		})
	}

	attempts := engine.run(ctx, jobs)

	report := RescindReport{Rescinded: len(rows)}
	byAudit := make(map[string]Deliveries, len(audits))
	for _, item := range attempts {
		byAudit[item.job.notificationID] = append(byAudit[item.job.notificationID], engine.deliveryFor(item))
		report.Deliveries++
		if item.err != nil {
			report.Failures++
		}
	}
	for index := range audits {
		if deliveries, ok := byAudit[audits[index].NotificationID]; ok {
			audits[index].Deliveries = deliveries
		}
	}

	rescindedIDs := make([]string, len(rows))
	for index, row := range rows {
		rescindedIDs[index] = row.NotificationID
	}
	err = engine.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Notification{}).
			Where("notification_id IN ? AND rescinded = ?", rescindedIDs, false).
			Update("rescinded", true).Error; err != nil {
			return err
		}
		return tx.Create(&audits).Error
	})
	if err != nil {
		engine.logError(opRescind, reasonPersistFailed, err, zap.String(fieldUserID, predicate.UserID))
		return report, newServiceError(opRescind, reasonPersistFailed, err)
	}
	engine.reconcileInvalidTokens(ctx, attempts)
	for _, row := range rows {
		engine.releaseBlobs(ctx, reachedDeliveries(row))
	}
	engine.releaseFailedBlobs(ctx, attempts)
	return report, nil
}

// reachedDeliveries returns the deliveries that got through to their device.
func reachedDeliveries(row Notification) []Delivery {
	reached := make([]Delivery, 0, len(row.Deliveries))
	for _, delivery := range row.Deliveries {
		if delivery.Error == "" {
			reached = append(reached, delivery)
		}
	}
	return reached
}

// deliveredDevices returns the devices a row reached that still hold a push token.
func deliveredDevices(row Notification, current map[string]devices.Device) []devices.Device {
	seen := make(map[string]struct{})
	targets := make([]devices.Device, 0, len(row.Deliveries))
	for _, delivery := range reachedDeliveries(row) {
		if _, ok := seen[delivery.DeviceID]; ok {
			continue
		}
		seen[delivery.DeviceID] = struct{}{}
		device, ok := current[delivery.DeviceID]
		if !ok {
			continue
		}
		targets = append(targets, device)
	}
	return targets
}
