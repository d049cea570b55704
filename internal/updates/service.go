package updates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/courier/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/pubsub"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DeliveryMode selects how submitted updates reach clients.
type DeliveryMode int

const (
	// DeliveryBroadcast publishes every survivor on the bus.
	DeliveryBroadcast DeliveryMode = iota
	// DeliveryReturn hydrates survivors addressed to the viewer and returns them instead of pushing.
	DeliveryReturn
	// DeliveryIgnore persists only; the caller owns delivery.
	DeliveryIgnore
)

const (
	maxPredicatesPerStatement = 500

	opServiceNew       = "updates.service.new"
	opSubmit           = "updates.submit"
	opDeleteSuperseded = "updates.delete_superseded"
	opFetchSince       = "updates.fetch_since"
	opPublish          = "updates.publish"

	fieldUserID    = "user_id"
	fieldSessionID = "session_id"

	reasonMissingDatabase    = "missing_database"
	reasonMissingHydrator    = "missing_hydrator"
	reasonMissingIDProvider  = "missing_id_provider"
	reasonInvalidFact        = "invalid_fact"
	reasonMissingViewer      = "missing_viewer"
	reasonIDGenerationFailed = "id_generation_failed"
	reasonEncodeFailed       = "encode_failed"
	reasonInsertFailed       = "insert_failed"
	reasonDeleteFailed       = "delete_failed"
	reasonQueryFailed        = "query_failed"
	reasonHydrateFailed      = "hydrate_failed"
	reasonPublishFailed      = "publish_failed"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingHydrator   = errors.New("hydrator is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingViewer     = errors.New("return delivery requires a viewer")
	// ErrInvalidFact indicates a fact without a user or payload.
	ErrInvalidFact = errors.New("updates: invalid fact")
	noOpLogger     = zap.NewNop()
)

// ServiceError carries a stable code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Viewer identifies the client session on whose behalf updates are submitted or fetched.
type Viewer struct {
	UserID    string
	SessionID string
}

// ServiceConfig wires the update log dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Hydrator   *Hydrator
	Publisher  pubsub.Publisher
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service is the update log: it merges, persists and fans out update facts.
type Service struct {
	db         *gorm.DB
	hydrator   *Hydrator
	publisher  pubsub.Publisher
	idProvider ids.Provider
	clock      func() time.Time
	logger     *zap.Logger
	background sync.WaitGroup
}

// SubmitResult carries the updates hydrated for the viewer in return mode.
type SubmitResult struct {
	ViewerUpdates []UpdateInfo
}

// NewService validates configuration and applies defaults.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Hydrator == nil {
		return nil, newServiceError(opServiceNew, reasonMissingHydrator, errMissingHydrator)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		hydrator:   cfg.Hydrator,
		publisher:  cfg.Publisher,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Submit merges the facts, persists the survivors, deletes the history they supersede
// and delivers them according to mode. Insert, delete and publish run against the same
// computed batch without a shared transaction; a failure in one does not stop the others.
func (service *Service) Submit(ctx context.Context, facts []Fact, mode DeliveryMode, viewer *Viewer) (SubmitResult, error) {
	for _, fact := range facts {
		if strings.TrimSpace(fact.UserID) == "" || fact.Payload == nil {
			service.logError(opSubmit, reasonInvalidFact, ErrInvalidFact)
			return SubmitResult{}, newServiceError(opSubmit, reasonInvalidFact, ErrInvalidFact)
		}
	}
	if mode == DeliveryReturn && (viewer == nil || viewer.UserID == "") {
		service.logError(opSubmit, reasonMissingViewer, errMissingViewer)
		return SubmitResult{}, newServiceError(opSubmit, reasonMissingViewer, errMissingViewer)
	}
	if len(facts) == 0 {
		return SubmitResult{}, nil
	}

	sorted := sortFactsByTime(facts)
	candidates := make([]mergeCandidate, len(sorted))
	for index, fact := range sorted {
		candidates[index] = candidateForFact(fact)
	}
	keep := mergeKeyed(candidates)

	records := make([]Record, 0, len(sorted))
	conditions := make([]DeleteCondition, 0, len(sorted))
	for index, fact := range sorted {
		if !keep[index] {
			continue
		}
		record, err := service.buildRecord(fact, candidates[index].key, viewer)
		if err != nil {
			return SubmitResult{}, err
		}
		records = append(records, record)
		if candidates[index].key != "" {
			conditions = append(conditions, candidates[index].condition)
		}
	}

	var firstErr error
	if err := service.db.WithContext(ctx).Create(&records).Error; err != nil {
		service.logError(opSubmit, reasonInsertFailed, err, zap.Int("records", len(records)))
		firstErr = newServiceError(opSubmit, reasonInsertFailed, err)
	}

	batchIDs := make([]string, len(records))
	for index, record := range records {
		batchIDs[index] = record.UpdateID
	}
	if _, err := service.deleteByConditions(ctx, conditions, batchIDs); err != nil {
		service.logError(opSubmit, reasonDeleteFailed, err, zap.Int("conditions", len(conditions)))
		if firstErr == nil {
			firstErr = newServiceError(opSubmit, reasonDeleteFailed, err)
		}
	}

	result := SubmitResult{}
	switch mode {
	case DeliveryBroadcast:
		service.publishDetached(ctx, records, nil)
	case DeliveryReturn:
		viewerRecords := make([]Record, 0, len(records))
		for _, record := range records {
			if addressedToSession(record, *viewer) {
				viewerRecords = append(viewerRecords, record)
			}
		}
		service.publishDetached(ctx, records, viewer)
		hydrated, err := service.hydrator.Hydrate(ctx, viewerRecords, *viewer)
		if err != nil {
			service.logError(opSubmit, reasonHydrateFailed, err, zap.String(fieldUserID, viewer.UserID))
			if firstErr == nil {
				firstErr = newServiceError(opSubmit, reasonHydrateFailed, err)
			}
		}
		result.ViewerUpdates = hydrated.UpdateInfos
	case DeliveryIgnore:
	}

	return result, firstErr
}

// DeleteSuperseded removes historical records matching any of the conditions.
func (service *Service) DeleteSuperseded(ctx context.Context, conditions []DeleteCondition) (int64, error) {
	deleted, err := service.deleteByConditions(ctx, conditions, nil)
	if err != nil {
		service.logError(opDeleteSuperseded, reasonDeleteFailed, err, zap.Int("conditions", len(conditions)))
		return deleted, newServiceError(opDeleteSuperseded, reasonDeleteFailed, err)
	}
	return deleted, nil
}

// FetchSince returns the viewer session's hydrated updates newer than sinceMillis.
func (service *Service) FetchSince(ctx context.Context, viewer Viewer, sinceMillis int64) ([]UpdateInfo, error) {
	var records []Record
	err := service.db.WithContext(ctx).
		Where("user_id = ? AND time_ms > ?", viewer.UserID, sinceMillis).
		Where("(excluded_session = '' OR excluded_session <> ?)", viewer.SessionID).
		Where("(target_session = '' OR target_session = ?)", viewer.SessionID).
		Order("time_ms ASC, update_id ASC").
		Find(&records).Error
	if err != nil {
		service.logError(opFetchSince, reasonQueryFailed, err,
			zap.String(fieldUserID, viewer.UserID),
			zap.String(fieldSessionID, viewer.SessionID))
		return nil, newServiceError(opFetchSince, reasonQueryFailed, err)
	}
	hydrated, err := service.hydrator.Hydrate(ctx, records, viewer)
	if err != nil {
		service.logError(opFetchSince, reasonHydrateFailed, err, zap.String(fieldUserID, viewer.UserID))
		return nil, newServiceError(opFetchSince, reasonHydrateFailed, err)
	}
	return hydrated.UpdateInfos, nil
}

// Wait blocks until detached publishes have finished.
func (service *Service) Wait() {
	service.background.Wait()
}

func (service *Service) buildRecord(fact Fact, key string, viewer *Viewer) (Record, error) {
	updateID, err := service.idProvider.NewID()
	if err != nil {
		service.logError(opSubmit, reasonIDGenerationFailed, err, zap.String(fieldUserID, fact.UserID))
		return Record{}, newServiceError(opSubmit, reasonIDGenerationFailed, err)
	}
	content, err := encodePayload(fact.Payload)
	if err != nil {
		service.logError(opSubmit, reasonEncodeFailed, err, zap.String(fieldUserID, fact.UserID))
		return Record{}, newServiceError(opSubmit, reasonEncodeFailed, err)
	}
	timestamp := fact.Time
	if timestamp.IsZero() {
		timestamp = service.clock()
	}
	record := Record{
		UpdateID:      updateID,
		UserID:        fact.UserID,
		Type:          fact.Payload.Type(),
		DedupKey:      key,
		Content:       content,
		TimeMillis:    timestamp.UTC().UnixMilli(),
		TargetSession: fact.TargetSession,
		TargetDevice:  fact.TargetDevice,
	}
	if viewer != nil && viewer.SessionID != "" && fact.UserID == viewer.UserID && fact.TargetSession == "" {
		record.ExcludedSession = viewer.SessionID
	}
	return record, nil
}

func addressedToSession(record Record, viewer Viewer) bool {
	if record.UserID != viewer.UserID {
		return false
	}
	return record.TargetSession == "" || record.TargetSession == viewer.SessionID
}

func (service *Service) deleteByConditions(ctx context.Context, conditions []DeleteCondition, excludeIDs []string) (int64, error) {
	unique := make([]DeleteCondition, 0, len(conditions))
	seen := make(map[string]struct{}, len(conditions))
	for _, condition := range conditions {
		signature := condition.signature()
		if _, ok := seen[signature]; ok {
			continue
		}
		seen[signature] = struct{}{}
		unique = append(unique, condition)
	}

	var deleted int64
	for start := 0; start < len(unique); start += maxPredicatesPerStatement {
		end := start + maxPredicatesPerStatement
		if end > len(unique) {
			end = len(unique)
		}
		predicates := make([]string, 0, end-start)
		args := make([]any, 0, (end-start)*4)
		for _, condition := range unique[start:end] {
			predicate, predicateArgs := conditionPredicate(condition)
			predicates = append(predicates, predicate)
			args = append(args, predicateArgs...)
		}
		statement := service.db.WithContext(ctx).Where("("+strings.Join(predicates, " OR ")+")", args...)
		if len(excludeIDs) > 0 {
			statement = statement.Where("update_id NOT IN ?", excludeIDs)
		}
		result := statement.Delete(&Record{})
		if result.Error != nil {
			return deleted, result.Error
		}
		deleted += result.RowsAffected
	}
	return deleted, nil
}

func conditionPredicate(condition DeleteCondition) (string, []any) {
	var builder strings.Builder
	builder.WriteString("(user_id = ? AND dedup_key = ?")
	args := []any{condition.UserID, condition.Key}
	if !condition.AllTypes {
		types := make([]int, len(condition.Types))
		for index, updateType := range condition.Types {
			types[index] = int(updateType)
		}
		builder.WriteString(" AND type IN ?")
		args = append(args, types)
	}
	if condition.Target != "" {
		builder.WriteString(" AND target_session = ?")
		args = append(args, condition.Target)
	}
	builder.WriteString(")")
	return builder.String(), args
}

type publishGroup struct {
	target        pubsub.Target
	ignoreSession string
	updateIDs     []string
}

// publishDetached signals every bus target touched by records. Records the viewer
// receives directly are not published to the viewer's own session.
func (service *Service) publishDetached(ctx context.Context, records []Record, viewer *Viewer) {
	if service.publisher == nil || len(records) == 0 {
		return
	}
	groups := make(map[string]*publishGroup)
	order := make([]string, 0)
	for _, record := range records {
		if viewer != nil && record.TargetSession != "" && record.UserID == viewer.UserID && record.TargetSession == viewer.SessionID {
			continue
		}
		ignoreSession := record.ExcludedSession
		if viewer != nil && record.UserID == viewer.UserID && record.TargetSession == "" {
			ignoreSession = viewer.SessionID
		}
		groupKey := record.UserID + "\x00" + record.TargetSession + "\x00" + ignoreSession
		group, ok := groups[groupKey]
		if !ok {
			group = &publishGroup{
				target:        pubsub.Target{UserID: record.UserID, SessionID: record.TargetSession},
				ignoreSession: ignoreSession,
			}
			groups[groupKey] = group
			order = append(order, groupKey)
		}
		group.updateIDs = append(group.updateIDs, record.UpdateID)
	}
	if len(order) == 0 {
		return
	}

	detached := context.WithoutCancel(ctx)
	now := service.clock().UTC()
	service.background.Add(1)
	go func() {
		defer service.background.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				service.logError(opPublish, reasonPublishFailed, fmt.Errorf("panic: %v", recovered))
			}
		}()
		for _, groupKey := range order {
			group := groups[groupKey]
			message := pubsub.Message{
				Kind:          pubsub.KindNewUpdates,
				IgnoreSession: group.ignoreSession,
				UpdateIDs:     group.updateIDs,
				PublishedAt:   now,
			}
			if err := service.publisher.Publish(detached, group.target, message); err != nil {
				service.loggerOrDefault().Warn("update publish failed",
					zap.String("operation", opPublish),
					zap.String(fieldUserID, group.target.UserID),
					zap.String(fieldSessionID, group.target.SessionID),
					zap.Error(err))
			}
		}
	}()
}

func (service *Service) loggerOrDefault() *zap.Logger {
	if service == nil || service.logger == nil {
		return noOpLogger
	}
	return service.logger
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	service.loggerOrDefault().Error("updates service error", attrs...)
}
