package updates

import (
	"context"
	"errors"
	"sort"

	"github.com/MarcoPoloResearchLab/courier/backend/internal/chat"
	"go.uber.org/zap"
)

const (
	opHydratorNew = "updates.hydrator.new"
	opHydrate     = "updates.hydrate"

	reasonMissingReader = "missing_reader"
	reasonDecodeFailed  = "decode_failed"
	reasonLookupFailed  = "lookup_failed"
)

var errMissingReader = errors.New("chat reader is required")

// ChatReader resolves the subjects referenced by update records.
type ChatReader interface {
	ThreadsByID(ctx context.Context, viewerID string, threadIDs []string) (map[string]chat.ThreadInfo, error)
	EntriesByID(ctx context.Context, entryIDs []string) (map[string]chat.EntryInfo, error)
	UsersByID(ctx context.Context, userIDs []string) (map[string]chat.UserInfo, error)
}

// UpdateInfo is an update record joined with the data a client needs to apply it.
type UpdateInfo struct {
	ID      string           `json:"id"`
	Type    Type             `json:"type"`
	Time    int64            `json:"time"`
	Payload Payload          `json:"payload"`
	Thread  *chat.ThreadInfo `json:"thread,omitempty"`
	Entry   *chat.EntryInfo  `json:"entry,omitempty"`
	User    *chat.UserInfo   `json:"user,omitempty"`
}

// HydrateResult holds hydrated updates plus the profiles they reference.
type HydrateResult struct {
	UpdateInfos []UpdateInfo
	UserInfos   map[string]chat.UserInfo
}

// HydratorConfig wires the hydrator.
type HydratorConfig struct {
	Reader ChatReader
	Logger *zap.Logger
}

// Hydrator turns persisted records into client-ready updates.
type Hydrator struct {
	reader ChatReader
	logger *zap.Logger
}

// NewHydrator validates configuration.
func NewHydrator(cfg HydratorConfig) (*Hydrator, error) {
	if cfg.Reader == nil {
		return nil, newServiceError(opHydratorNew, reasonMissingReader, errMissingReader)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Hydrator{reader: cfg.Reader, logger: logger}, nil
}

type decodedRecord struct {
	record  Record
	payload Payload
}

// Hydrate resolves records for viewer. Lookups are batched per kind. Records that
// collide on (user, key) are merged again, and records whose subject no longer
// exists are dropped.
func (hydrator *Hydrator) Hydrate(ctx context.Context, records []Record, viewer Viewer) (HydrateResult, error) {
	result := HydrateResult{UserInfos: map[string]chat.UserInfo{}}
	if len(records) == 0 {
		return result, nil
	}

	ordered := make([]Record, len(records))
	copy(ordered, records)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].TimeMillis < ordered[j].TimeMillis
	})

	decoded := make([]decodedRecord, 0, len(ordered))
	for _, record := range ordered {
		payload, err := decodePayload(record.Type, record.Content)
		if err != nil {
			hydrator.logger.Warn("skipping undecodable update",
				zap.String("operation", opHydrate),
				zap.String("reason", reasonDecodeFailed),
				zap.String("update_id", record.UpdateID),
				zap.Error(err))
			continue
		}
		decoded = append(decoded, decodedRecord{record: record, payload: payload})
	}

	candidates := make([]mergeCandidate, len(decoded))
	for index, item := range decoded {
		candidates[index] = candidateForRecord(item.record)
	}
	keep := mergeKeyed(candidates)
	survivors := make([]decodedRecord, 0, len(decoded))
	for index, item := range decoded {
		if keep[index] {
			survivors = append(survivors, item)
		}
	}

	threadIDs := newIDSet()
	entryIDs := newIDSet()
	for _, item := range survivors {
		switch payload := item.payload.(type) {
		case ThreadUpdate:
			threadIDs.add(payload.ThreadID)
		case ThreadReadStatusUpdate:
			threadIDs.add(payload.ThreadID)
		case ThreadJoin:
			threadIDs.add(payload.ThreadID)
		case EntryUpdate:
			entryIDs.add(payload.EntryID)
		}
	}

	threads, err := hydrator.reader.ThreadsByID(ctx, viewer.UserID, threadIDs.values())
	if err != nil {
		hydrator.logLookupError(err, "threads")
		return HydrateResult{}, newServiceError(opHydrate, reasonLookupFailed, err)
	}
	entries, err := hydrator.reader.EntriesByID(ctx, entryIDs.values())
	if err != nil {
		hydrator.logLookupError(err, "entries")
		return HydrateResult{}, newServiceError(opHydrate, reasonLookupFailed, err)
	}

	userIDs := newIDSet()
	for _, item := range survivors {
		switch payload := item.payload.(type) {
		case UserUpdate:
			userIDs.add(payload.UpdatedUserID)
		case CurrentUserUpdate:
			userIDs.add(item.record.UserID)
		}
	}
	for _, thread := range threads {
		userIDs.add(thread.CreatorID)
	}
	for _, entry := range entries {
		userIDs.add(entry.CreatorID)
	}
	users, err := hydrator.reader.UsersByID(ctx, userIDs.values())
	if err != nil {
		hydrator.logLookupError(err, "users")
		return HydrateResult{}, newServiceError(opHydrate, reasonLookupFailed, err)
	}
	result.UserInfos = users

	result.UpdateInfos = make([]UpdateInfo, 0, len(survivors))
	for _, item := range survivors {
		info := UpdateInfo{
			ID:      item.record.UpdateID,
			Type:    item.record.Type,
			Time:    item.record.TimeMillis,
			Payload: item.payload,
		}
		resolved := true
		switch payload := item.payload.(type) {
		case ThreadUpdate:
			info.Thread, resolved = lookup(threads, payload.ThreadID)
		case ThreadReadStatusUpdate:
			info.Thread, resolved = lookup(threads, payload.ThreadID)
		case ThreadJoin:
			info.Thread, resolved = lookup(threads, payload.ThreadID)
		case EntryUpdate:
			info.Entry, resolved = lookup(entries, payload.EntryID)
		case UserUpdate:
			info.User, resolved = lookup(users, payload.UpdatedUserID)
		case CurrentUserUpdate:
			info.User, resolved = lookup(users, item.record.UserID)
		}
		if !resolved {
			continue
		}
		result.UpdateInfos = append(result.UpdateInfos, info)
	}
	return result, nil
}

func (hydrator *Hydrator) logLookupError(err error, kind string) {
	hydrator.logger.Error("updates hydrator error",
		zap.String("operation", opHydrate),
		zap.String("reason", reasonLookupFailed),
		zap.String("lookup", kind),
		zap.Error(err))
}

func lookup[T any](values map[string]T, id string) (*T, bool) {
	value, ok := values[id]
	if !ok {
		return nil, false
	}
	return &value, true
}

func candidateForRecord(record Record) mergeCandidate {
	candidate := mergeCandidate{
		userID:     record.UserID,
		key:        record.DedupKey,
		updateType: record.Type,
		target:     record.TargetSession,
	}
	if record.DedupKey != "" {
		candidate.condition = deleteConditionFor(record.UserID, record.DedupKey, record.TargetSession, record.Type)
	}
	return candidate
}

type idSet struct {
	seen  map[string]struct{}
	order []string
}

func newIDSet() *idSet {
	return &idSet{seen: map[string]struct{}{}}
}

func (set *idSet) add(id string) {
	if id == "" {
		return
	}
	if _, ok := set.seen[id]; ok {
		return
	}
	set.seen[id] = struct{}{}
	set.order = append(set.order, id)
}

func (set *idSet) values() []string {
	return set.order
}
