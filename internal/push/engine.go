package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/courier/backend/internal/blob"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/devices"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/sessions"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/updates"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	defaultMinEncryptedCodeVersion = 1
	defaultDeviceConcurrency       = 16

	opEngineNew         = "push.engine.new"
	opSendNotifications = "push.send_notifications"
	opRescind           = "push.rescind"
	opPrepare           = "push.prepare"
	opDeliver           = "push.deliver"
	opInvalidTokens     = "push.invalid_tokens"
	opRelease           = "push.release_blobs"

	reasonMissingDatabase   = "missing_database"
	reasonMissingChat       = "missing_chat"
	reasonMissingDevices    = "missing_devices"
	reasonMissingSessions   = "missing_sessions"
	reasonMissingIDProvider = "missing_id_provider"
	reasonInvalidEvent      = "invalid_event"
	reasonInvalidPredicate  = "invalid_predicate"
	reasonQueryFailed       = "query_failed"
	reasonLookupFailed      = "lookup_failed"
	reasonPersistFailed     = "persist_failed"
	reasonIDFailed          = "id_generation_failed"
	reasonEncryptFailed     = "encrypt_failed"
	reasonEncodeFailed      = "encode_failed"
	reasonBlobFailed        = "blob_upload_failed"
	reasonGatewayFailed     = "gateway_failed"
	reasonClearFailed       = "clear_tokens_failed"
	reasonSubmitFailed      = "submit_failed"

	fieldUserID         = "user_id"
	fieldDeviceID       = "device_id"
	fieldNotificationID = "notification_id"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingChat       = errors.New("chat reader is required")
	errMissingDevices    = errors.New("device directory is required")
	errMissingSessions   = errors.New("session encrypter is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingBlobStore  = errors.New("blob store is not configured")
	errInvalidToken      = errors.New("gateway reported the device token as invalid")

	// ErrInvalidEvent indicates an event without recipient, thread or message.
	ErrInvalidEvent = errors.New("push: invalid event")
	// ErrInvalidPredicate indicates a rescind predicate without a user.
	ErrInvalidPredicate = errors.New("push: rescind predicate requires a user")
	// ErrPayloadTooLarge indicates that even the reduced body exceeds the platform limit.
	ErrPayloadTooLarge = errors.New("push: payload exceeds platform limit")
	// ErrNoGateway indicates a device on a platform without a configured gateway.
	ErrNoGateway = errors.New("push: no gateway for platform")

	noOpLogger = zap.NewNop()
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

// ChatReader supplies the thread, message and unread state notifications render from.
type ChatReader interface {
	ThreadsByID(ctx context.Context, viewerID string, threadIDs []string) (map[string]chat.ThreadInfo, error)
	UsersByID(ctx context.Context, userIDs []string) (map[string]chat.UserInfo, error)
	MessagesByID(ctx context.Context, messageIDs []string) (map[string]chat.MessageInfo, error)
	UnreadThreadCount(ctx context.Context, userID string) (int, error)
	UnreadThreadCounts(ctx context.Context, userIDs []string) (map[string]int, error)
}

// DeviceDirectory lists push endpoints and drops lapsed tokens.
type DeviceDirectory interface {
	ListForUsers(ctx context.Context, userIDs []string) (map[string][]devices.Device, error)
	ClearTokens(ctx context.Context, tokens []string) ([]devices.Device, error)
}

// SessionEncrypter advances a device's notification session.
type SessionEncrypter interface {
	Encrypt(ctx context.Context, key sessions.Key, plaintext []byte, validate func([]byte) bool) (sessions.EncryptResult, error)
}

// FactSubmitter feeds reconciliation facts back into the update log.
type FactSubmitter interface {
	Submit(ctx context.Context, facts []updates.Fact, mode updates.DeliveryMode, viewer *updates.Viewer) (updates.SubmitResult, error)
}

// EngineConfig wires the push engine.
type EngineConfig struct {
	Database                *gorm.DB
	Chat                    ChatReader
	Devices                 DeviceDirectory
	Sessions                SessionEncrypter
	Blobs                   blob.Store
	Gateways                map[devices.Platform]Gateway
	Updates                 FactSubmitter
	IDProvider              ids.Provider
	MinEncryptedCodeVersion int
	DeviceConcurrency       int
	Clock                   func() time.Time
	Logger                  *zap.Logger
}

// Engine renders, encrypts and delivers notifications, and rescinds them later.
type Engine struct {
	db                      *gorm.DB
	chat                    ChatReader
	devices                 DeviceDirectory
	sessions                SessionEncrypter
	blobs                   blob.Store
	gateways                map[devices.Platform]Gateway
	updates                 FactSubmitter
	idProvider              ids.Provider
	minEncryptedCodeVersion int
	deviceConcurrency       int
	clock                   func() time.Time
	logger                  *zap.Logger
}

// Report summarizes one SendNotifications call.
type Report struct {
	Notifications int
	Deliveries    int
	Failures      int
	InvalidTokens int
}

// NewEngine validates configuration and applies defaults.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opEngineNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Chat == nil {
		return nil, newServiceError(opEngineNew, reasonMissingChat, errMissingChat)
	}
	if cfg.Devices == nil {
		return nil, newServiceError(opEngineNew, reasonMissingDevices, errMissingDevices)
	}
	if cfg.Sessions == nil {
		return nil, newServiceError(opEngineNew, reasonMissingSessions, errMissingSessions)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opEngineNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	minEncrypted := cfg.MinEncryptedCodeVersion
	if minEncrypted <= 0 {
		minEncrypted = defaultMinEncryptedCodeVersion
	}
	concurrency := cfg.DeviceConcurrency
	if concurrency <= 0 {
		concurrency = defaultDeviceConcurrency
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	gateways := make(map[devices.Platform]Gateway, len(cfg.Gateways))
	for platform, gateway := range cfg.Gateways {
		if gateway != nil {
			gateways[platform] = gateway
		}
	}
	return &Engine{
		db:                      cfg.Database,
		chat:                    cfg.Chat,
		devices:                 cfg.Devices,
		sessions:                cfg.Sessions,
		blobs:                   cfg.Blobs,
		gateways:                gateways,
		updates:                 cfg.Updates,
		idProvider:              cfg.IDProvider,
		minEncryptedCodeVersion: minEncrypted,
		deviceConcurrency:       concurrency,
		clock:                   clock,
		logger:                  logger,
	}, nil
}

// deliveryJob is one notification to render for every device of one recipient.
type deliveryJob struct {
	notificationID string
	userID         string
	collapseKey    string
	badge          int
	messageIDs     []string
	payload        payloadBuilder
	devices        []devices.Device
}

// attempt is the prepared and then delivered state of one job on one device.
type attempt struct {
	job          *deliveryJob
	device       devices.Device
	notification *TargetedNotification
	gatewayID    string
	invalidToken bool
	err          error
}

// SendNotifications collapses events, renders one notification per candidate and
// delivers it to every device of the recipient. Failures on one device are recorded
// on the audit row and never abort the others.
func (engine *Engine) SendNotifications(ctx context.Context, events []Event) (Report, error) {
	if len(events) == 0 {
		return Report{}, nil
	}
	userIDs := make([]string, 0, len(events))
	seenUsers := make(map[string]struct{}, len(events))
	for _, event := range events {
		if strings.TrimSpace(event.UserID) == "" || event.ThreadID == "" || event.MessageID == "" {
			engine.logError(opSendNotifications, reasonInvalidEvent, ErrInvalidEvent)
			return Report{}, newServiceError(opSendNotifications, reasonInvalidEvent, ErrInvalidEvent)
		}
		if _, ok := seenUsers[event.UserID]; !ok {
			seenUsers[event.UserID] = struct{}{}
			userIDs = append(userIDs, event.UserID)
		}
	}

	delivered, err := engine.loadCollapsible(ctx, events)
	if err != nil {
		engine.logError(opSendNotifications, reasonQueryFailed, err)
		return Report{}, newServiceError(opSendNotifications, reasonQueryFailed, err)
	}
	candidates := Collapse(events, delivered)

	badges, err := engine.chat.UnreadThreadCounts(ctx, userIDs)
	if err != nil {
		engine.logError(opSendNotifications, reasonLookupFailed, err)
		return Report{}, newServiceError(opSendNotifications, reasonLookupFailed, err)
	}
	deviceMap, err := engine.devices.ListForUsers(ctx, userIDs)
	if err != nil {
		engine.logError(opSendNotifications, reasonLookupFailed, err)
		return Report{}, newServiceError(opSendNotifications, reasonLookupFailed, err)
	}
	rendered, err := engine.loadRenderData(ctx, candidates)
	if err != nil {
		engine.logError(opSendNotifications, reasonLookupFailed, err)
		return Report{}, newServiceError(opSendNotifications, reasonLookupFailed, err)
	}

	now := engine.clock().UTC()
	jobs := make([]*deliveryJob, 0, len(candidates))
	for _, candidate := range candidates {
		notificationID, err := engine.notificationRowFor(ctx, candidate, now)
		if err != nil {
			return Report{}, err
		}
		messageIDs := candidate.MessageIDs()
		jobs = append(jobs, &deliveryJob{
			notificationID: notificationID,
			userID:         candidate.UserID,
			collapseKey:    candidate.CollapseKey,
			badge:          badges[candidate.UserID],
			messageIDs:     messageIDs,
			payload: messagePayload{
				notificationID: notificationID,
				threadID:       candidate.ThreadID,
				collapseKey:    candidate.CollapseKey,
				badge:          badges[candidate.UserID],
				title:          rendered.title(candidate.ThreadID),
				messages:       rendered.contents(messageIDs),
			},
			devices: deviceMap[candidate.UserID],
		})
	}

	attempts := engine.run(ctx, jobs)

	report := Report{Notifications: len(jobs)}
	byNotification := make(map[string][]Delivery, len(jobs))
	for _, item := range attempts {
		byNotification[item.job.notificationID] = append(byNotification[item.job.notificationID], engine.deliveryFor(item))
		report.Deliveries++
		if item.err != nil {
			report.Failures++
		}
	}
	for _, job := range jobs {
		deliveries := byNotification[job.notificationID]
		if len(deliveries) == 0 {
			continue
		}
		if err := engine.appendDeliveries(ctx, job.notificationID, deliveries); err != nil {
			engine.logError(opSendNotifications, reasonPersistFailed, err, zap.String(fieldNotificationID, job.notificationID))
		}
	}
	report.InvalidTokens = engine.reconcileInvalidTokens(ctx, attempts)
	engine.releaseFailedBlobs(ctx, attempts)
	return report, nil
}

// releaseFailedBlobs drops the holds of devices that never received their blob reference.
func (engine *Engine) releaseFailedBlobs(ctx context.Context, attempts []*attempt) {
	var held []Delivery
	for _, item := range attempts {
		if item.err == nil || item.notification == nil || item.notification.BlobHolder == "" {
			continue
		}
		held = append(held, Delivery{
			DeviceID:   item.device.DeviceID,
			BlobHash:   item.notification.BlobHash,
			BlobHolder: item.notification.BlobHolder,
		})
	}
	engine.releaseBlobs(ctx, held)
}

func (engine *Engine) releaseBlobs(ctx context.Context, deliveries []Delivery) {
	if engine.blobs == nil {
		return
	}
	for _, delivery := range deliveries {
		if delivery.BlobHash == "" || delivery.BlobHolder == "" {
			continue
		}
		if err := engine.blobs.Release(ctx, delivery.BlobHash, delivery.BlobHolder); err != nil {
			engine.logger.Warn("failed to release blob holder",
				zap.String("operation", opRelease),
				zap.String(fieldDeviceID, delivery.DeviceID),
				zap.String("blob_hash", delivery.BlobHash),
				zap.Error(err))
		}
	}
}

// run prepares every job for its devices and delivers the results.
func (engine *Engine) run(ctx context.Context, jobs []*deliveryJob) []*attempt {
	var attempts []*attempt
	for _, job := range jobs {
		attempts = append(attempts, engine.prepare(ctx, job)...)
	}
	engine.deliver(ctx, attempts)
	return attempts
}

type groupKey struct {
	platform     devices.Platform
	encrypted    bool
	stateVersion int
}

// prepare renders a job once per device group and produces one attempt per device.
func (engine *Engine) prepare(ctx context.Context, job *deliveryJob) []*attempt {
	groups := make(map[groupKey][]devices.Device)
	order := make([]groupKey, 0)
	for _, device := range job.devices {
		key := groupKey{
			platform:     device.Platform,
			encrypted:    device.CodeVersion >= engine.minEncryptedCodeVersion,
			stateVersion: device.StateVersion,
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], device)
	}

	attempts := make([]*attempt, 0, len(job.devices))
	for _, key := range order {
		attempts = append(attempts, engine.prepareGroup(ctx, job, key, groups[key])...)
	}
	return attempts
}

func (engine *Engine) prepareGroup(ctx context.Context, job *deliveryJob, key groupKey, group []devices.Device) []*attempt {
	full, reduced := job.payload.build(key.stateVersion)
	limit := PlatformLimit(key.platform)
	fullBytes, err := json.Marshal(full)
	if err == nil {
		var reducedBytes []byte
		reducedBytes, err = json.Marshal(reduced)
		if err == nil {
			if !key.encrypted {
				return engine.preparePlaintext(job, group, fullBytes, reducedBytes, limit)
			}
			return engine.prepareEncrypted(ctx, job, group, full, fullBytes, reducedBytes, limit)
		}
	}
	engine.logError(opPrepare, reasonEncodeFailed, err, zap.String(fieldNotificationID, job.notificationID))
	attempts := make([]*attempt, len(group))
	for index, device := range group {
		attempts[index] = &attempt{job: job, device: device, err: err}
	}
	return attempts
}

func (engine *Engine) preparePlaintext(job *deliveryJob, group []devices.Device, fullBytes []byte, reducedBytes []byte, limit int) []*attempt {
	attempts := make([]*attempt, 0, len(group))
	for _, device := range group {
		attempts = append(attempts, engine.plaintextAttempt(job, device, fullBytes, reducedBytes, limit))
	}
	return attempts
}

func (engine *Engine) plaintextAttempt(job *deliveryJob, device devices.Device, fullBytes []byte, reducedBytes []byte, limit int) *attempt {
	size := 0
	for _, body := range [][]byte{fullBytes, reducedBytes} {
		notification := engine.targeted(job, device, body)
		var err error
		size, err = engine.wireSize(notification)
		if err != nil {
			return &attempt{job: job, device: device, err: err}
		}
		if size <= limit {
			return &attempt{job: job, device: device, notification: notification}
		}
	}
	return &attempt{job: job, device: device, err: fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, size, limit)}
}

// wireSize measures what the device's gateway would actually send for a notification.
func (engine *Engine) wireSize(notification *TargetedNotification) (int, error) {
	gateway, ok := engine.gateways[notification.Device.Platform]
	if !ok {
		return len(notification.Body), nil
	}
	encoded, err := gateway.Encode(*notification)
	if err != nil {
		return 0, err
	}
	return len(encoded), nil
}

func (engine *Engine) prepareEncrypted(ctx context.Context, job *deliveryJob, group []devices.Device, full Body, fullBytes []byte, reducedBytes []byte, limit int) []*attempt {
	attempts := make([]*attempt, 0, len(group))
	overflow := make([]devices.Device, 0)
	for _, device := range group {
		result, err := engine.encryptFor(ctx, job, device, fullBytes, limit)
		switch {
		case errors.Is(err, sessions.ErrSessionNotFound):
			engine.logger.Warn("device has no notification session, sending plaintext",
				zap.String(fieldDeviceID, device.DeviceID),
				zap.String(fieldUserID, device.UserID))
			attempts = append(attempts, engine.plaintextAttempt(job, device, fullBytes, reducedBytes, limit))
		case err != nil:
			engine.logError(opPrepare, reasonEncryptFailed, err, zap.String(fieldDeviceID, device.DeviceID))
			attempts = append(attempts, &attempt{job: job, device: device, err: err})
		case !result.Accepted:
			overflow = append(overflow, device)
		default:
			attempts = append(attempts, engine.encryptedAttempt(job, device, result, "", ""))
		}
	}
	if len(overflow) == 0 {
		return attempts
	}

	upload, encodedKey, err := engine.uploadOverflow(ctx, fullBytes, overflow)
	if err != nil {
		engine.logger.Warn("blob upload failed, delivering reduced payload",
			zap.String("operation", opPrepare),
			zap.String("reason", reasonBlobFailed),
			zap.String(fieldNotificationID, job.notificationID),
			zap.Int("devices", len(overflow)),
			zap.Error(err))
		for _, device := range overflow {
			attempts = append(attempts, engine.encryptOrFail(ctx, job, device, reducedBytes, limit, "", ""))
		}
		return attempts
	}
	for _, device := range overflow {
		holder := upload.Holders[device.DeviceID]
		reference, err := json.Marshal(blobReference(full, upload.Hash, encodedKey, holder))
		if err != nil {
			attempts = append(attempts, &attempt{job: job, device: device, err: err})
			continue
		}
		attempts = append(attempts, engine.encryptOrFail(ctx, job, device, reference, limit, upload.Hash, holder))
	}
	return attempts
}

func (engine *Engine) encryptOrFail(ctx context.Context, job *deliveryJob, device devices.Device, plaintext []byte, limit int, blobHash string, holder string) *attempt {
	result, err := engine.encryptFor(ctx, job, device, plaintext, limit)
	if err != nil {
		engine.logError(opPrepare, reasonEncryptFailed, err, zap.String(fieldDeviceID, device.DeviceID))
		return &attempt{job: job, device: device, err: err}
	}
	if !result.Accepted {
		return &attempt{job: job, device: device, err: fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, result.Size, limit)}
	}
	return engine.encryptedAttempt(job, device, result, blobHash, holder)
}

func (engine *Engine) encryptFor(ctx context.Context, job *deliveryJob, device devices.Device, plaintext []byte, limit int) (sessions.EncryptResult, error) {
	key, err := sessions.NewKey(device.SessionID, sessions.KindNotification)
	if err != nil {
		return sessions.EncryptResult{}, err
	}
	return engine.sessions.Encrypt(ctx, key, plaintext, func(ciphertext []byte) bool {
		envelope, err := encodeEnvelope(ciphertext)
		if err != nil {
			return false
		}
		notification := engine.targeted(job, device, envelope)
		notification.Encrypted = true
		size, err := engine.wireSize(notification)
		return err == nil && size <= limit
	})
}

func (engine *Engine) encryptedAttempt(job *deliveryJob, device devices.Device, result sessions.EncryptResult, blobHash string, holder string) *attempt {
	envelope, err := encodeEnvelope(result.Ciphertext)
	if err != nil {
		return &attempt{job: job, device: device, err: err}
	}
	order := result.Order
	notification := engine.targeted(job, device, envelope)
	notification.Encrypted = true
	notification.EncryptionOrder = &order
	notification.BlobHash = blobHash
	notification.BlobHolder = holder
	return &attempt{job: job, device: device, notification: notification}
}

func (engine *Engine) targeted(job *deliveryJob, device devices.Device, body []byte) *TargetedNotification {
	return &TargetedNotification{
		NotificationID: job.notificationID,
		Kind:           job.payload.kind(),
		Device:         device,
		CollapseKey:    job.collapseKey,
		Badge:          job.badge,
		Body:           body,
		MessageIDs:     job.messageIDs,
	}
}

// uploadOverflow seals the full body under a fresh key and stores it once for all devices.
func (engine *Engine) uploadOverflow(ctx context.Context, fullBytes []byte, overflow []devices.Device) (blob.Upload, string, error) {
	if engine.blobs == nil {
		return blob.Upload{}, "", errMissingBlobStore
	}
	key, err := blob.NewKey()
	if err != nil {
		return blob.Upload{}, "", err
	}
	sealed, err := blob.Seal(key, fullBytes)
	if err != nil {
		return blob.Upload{}, "", err
	}
	holders := make([]string, len(overflow))
	for index, device := range overflow {
		holders[index] = device.DeviceID
	}
	upload, err := engine.blobs.Upload(ctx, sealed, holders)
	if err != nil {
		return blob.Upload{}, "", err
	}
	return upload, blob.EncodeKey(key), nil
}

// deliver sends each device's notifications sequentially in encryption order while
// devices proceed concurrently.
func (engine *Engine) deliver(ctx context.Context, attempts []*attempt) {
	perDevice := make(map[string][]*attempt)
	order := make([]string, 0)
	for _, item := range attempts {
		if item.notification == nil {
			continue
		}
		if _, ok := perDevice[item.device.DeviceID]; !ok {
			order = append(order, item.device.DeviceID)
		}
		perDevice[item.device.DeviceID] = append(perDevice[item.device.DeviceID], item)
	}

	var group errgroup.Group
	group.SetLimit(engine.deviceConcurrency)
	for _, deviceID := range order {
		queue := perDevice[deviceID]
		sort.SliceStable(queue, func(i, j int) bool {
			return orderOf(queue[i].notification) < orderOf(queue[j].notification)
		})
		group.Go(func() error {
			for _, item := range queue {
				engine.sendOne(ctx, item)
			}
			return nil
		})
	}
	_ = group.Wait()
}

func orderOf(notification *TargetedNotification) int64 {
	if notification == nil || notification.EncryptionOrder == nil {
		return -1
	}
	return *notification.EncryptionOrder
}

func (engine *Engine) sendOne(ctx context.Context, item *attempt) {
	defer func() {
		if recovered := recover(); recovered != nil {
			item.err = fmt.Errorf("push: gateway panic: %v", recovered)
			engine.logError(opDeliver, reasonGatewayFailed, item.err, zap.String(fieldDeviceID, item.device.DeviceID))
		}
	}()
	gateway, ok := engine.gateways[item.device.Platform]
	if !ok {
		item.err = fmt.Errorf("%w: %s", ErrNoGateway, item.device.Platform)
		return
	}
	result, err := gateway.Send(ctx, []TargetedNotification{*item.notification})
	if err != nil {
		item.err = err
		engine.logError(opDeliver, reasonGatewayFailed, err,
			zap.String(fieldDeviceID, item.device.DeviceID),
			zap.String("platform", string(item.device.Platform)))
		return
	}
	for _, token := range result.InvalidTokens {
		if token == item.device.DeviceToken {
			item.err = errInvalidToken
			item.invalidToken = true
		}
	}
	if len(result.Errors) > 0 && result.Errors[0] != nil && item.err == nil {
		item.err = result.Errors[0]
	}
	if len(result.IDs) > 0 {
		item.gatewayID = result.IDs[0]
	}
}

func (engine *Engine) deliveryFor(item *attempt) Delivery {
	delivery := Delivery{
		DeviceID:     item.device.DeviceID,
		Platform:     string(item.device.Platform),
		DeviceToken:  item.device.DeviceToken,
		CodeVersion:  item.device.CodeVersion,
		StateVersion: item.device.StateVersion,
		MessageIDs:   item.job.messageIDs,
		DeliveredAt:  engine.clock().UTC(),
	}
	if item.notification != nil {
		delivery.EncryptionOrder = item.notification.EncryptionOrder
		delivery.BlobHash = item.notification.BlobHash
		delivery.BlobHolder = item.notification.BlobHolder
	}
	if item.gatewayID != "" {
		delivery.GatewayIDs = []string{item.gatewayID}
	}
	if item.err != nil {
		delivery.Error = item.err.Error()
	}
	return delivery
}

// reconcileInvalidTokens clears lapsed tokens and tells the owning sessions.
func (engine *Engine) reconcileInvalidTokens(ctx context.Context, attempts []*attempt) int {
	tokens := make([]string, 0)
	seen := make(map[string]struct{})
	for _, item := range attempts {
		if !item.invalidToken {
			continue
		}
		if _, ok := seen[item.device.DeviceToken]; ok {
			continue
		}
		seen[item.device.DeviceToken] = struct{}{}
		tokens = append(tokens, item.device.DeviceToken)
	}
	if len(tokens) == 0 {
		return 0
	}
	cleared, err := engine.devices.ClearTokens(ctx, tokens)
	if err != nil {
		engine.logError(opInvalidTokens, reasonClearFailed, err, zap.Int("tokens", len(tokens)))
		return len(tokens)
	}
	if engine.updates == nil || len(cleared) == 0 {
		return len(tokens)
	}
	now := engine.clock().UTC()
	facts := make([]updates.Fact, 0, len(cleared))
	for _, device := range cleared {
		facts = append(facts, updates.Fact{
			UserID:        device.UserID,
			Time:          now,
			TargetSession: device.SessionID,
			TargetDevice:  device.DeviceID,
			Payload:       updates.BadDeviceToken{DeviceToken: device.DeviceToken},
		})
	}
	if _, err := engine.updates.Submit(ctx, facts, updates.DeliveryBroadcast, nil); err != nil {
		engine.logError(opInvalidTokens, reasonSubmitFailed, err, zap.Int("facts", len(facts)))
	}
	return len(tokens)
}

func (engine *Engine) loadCollapsible(ctx context.Context, events []Event) ([]Notification, error) {
	userIDs := make([]string, 0)
	keys := make([]string, 0)
	seenUsers := make(map[string]struct{})
	seenKeys := make(map[string]struct{})
	for _, event := range events {
		if event.CollapseKey == "" {
			continue
		}
		if _, ok := seenUsers[event.UserID]; !ok {
			seenUsers[event.UserID] = struct{}{}
			userIDs = append(userIDs, event.UserID)
		}
		if _, ok := seenKeys[event.CollapseKey]; !ok {
			seenKeys[event.CollapseKey] = struct{}{}
			keys = append(keys, event.CollapseKey)
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	var rows []Notification
	err := engine.db.WithContext(ctx).
		Where("user_id IN ? AND collapse_key IN ? AND rescinded = ? AND source = ?", userIDs, keys, false, SourceMessage).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

func (engine *Engine) notificationRowFor(ctx context.Context, candidate Candidate, now time.Time) (string, error) {
	if candidate.Row != nil {
		return candidate.Row.NotificationID, nil
	}
	notificationID, err := engine.idProvider.NewID()
	if err != nil {
		engine.logError(opSendNotifications, reasonIDFailed, err)
		return "", newServiceError(opSendNotifications, reasonIDFailed, err)
	}
	row := Notification{
		NotificationID: notificationID,
		UserID:         candidate.UserID,
		ThreadID:       candidate.ThreadID,
		MessageID:      candidate.New[len(candidate.New)-1].MessageID,
		CollapseKey:    candidate.CollapseKey,
		Source:         SourceMessage,
		Deliveries:     Deliveries{},
		CreatedAt:      now,
	}
	if err := engine.db.WithContext(ctx).Create(&row).Error; err != nil {
		engine.logError(opSendNotifications, reasonPersistFailed, err, zap.String(fieldUserID, candidate.UserID))
		return "", newServiceError(opSendNotifications, reasonPersistFailed, err)
	}
	return notificationID, nil
}

// appendDeliveries extends the row's delivery list; existing entries are never rewritten.
func (engine *Engine) appendDeliveries(ctx context.Context, notificationID string, deliveries []Delivery) error {
	return engine.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Notification
		if err := tx.Where("notification_id = ?", notificationID).Take(&row).Error; err != nil {
			return err
		}
		merged := append(Deliveries{}, row.Deliveries...)
		merged = append(merged, deliveries...)
		return tx.Model(&Notification{}).
			Where("notification_id = ?", notificationID).
			Update("deliveries", merged).Error
	})
}

type renderData struct {
	threads  map[string]chat.ThreadInfo
	users    map[string]chat.UserInfo
	messages map[string]chat.MessageInfo
}

func (engine *Engine) loadRenderData(ctx context.Context, candidates []Candidate) (renderData, error) {
	threadIDs := make([]string, 0, len(candidates))
	messageIDs := make([]string, 0, len(candidates))
	seen := make(map[string]struct{})
	for _, candidate := range candidates {
		if _, ok := seen["t:"+candidate.ThreadID]; !ok {
			seen["t:"+candidate.ThreadID] = struct{}{}
			threadIDs = append(threadIDs, candidate.ThreadID)
		}
		for _, id := range candidate.MessageIDs() {
			if _, ok := seen["m:"+id]; !ok {
				seen["m:"+id] = struct{}{}
				messageIDs = append(messageIDs, id)
			}
		}
	}
	threads, err := engine.chat.ThreadsByID(ctx, "", threadIDs)
	if err != nil {
		return renderData{}, err
	}
	messages, err := engine.chat.MessagesByID(ctx, messageIDs)
	if err != nil {
		return renderData{}, err
	}
	creatorIDs := make([]string, 0, len(messages))
	for _, message := range messages {
		if _, ok := seen["u:"+message.CreatorID]; !ok {
			seen["u:"+message.CreatorID] = struct{}{}
			creatorIDs = append(creatorIDs, message.CreatorID)
		}
	}
	users, err := engine.chat.UsersByID(ctx, creatorIDs)
	if err != nil {
		return renderData{}, err
	}
	return renderData{threads: threads, users: users, messages: messages}, nil
}

func (data renderData) title(threadID string) string {
	if thread, ok := data.threads[threadID]; ok {
		return thread.Name
	}
	return ""
}

func (data renderData) contents(messageIDs []string) []MessageContent {
	contents := make([]MessageContent, 0, len(messageIDs))
	for _, id := range messageIDs {
		message, ok := data.messages[id]
		if !ok {
			continue
		}
		contents = append(contents, MessageContent{
			ID:          message.ID,
			CreatorID:   message.CreatorID,
			CreatorName: data.users[message.CreatorID].Username,
			Text:        message.Text,
			Time:        message.Time,
		})
	}
	return contents
}

func (engine *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	engine.logger.Error("push engine error", attrs...)
}
