package updates

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/courier/backend/internal/pubsub"
)

func TestSubmitReturnModeDeliversViewerSubsetOnce(t *testing.T) {
	service, database, publisher := mustService(t)
	seedThreads(t, database, "user-a", "thread-1", "thread-2")
	seedThreads(t, database, "user-b", "thread-3")
	viewer := &Viewer{UserID: "user-a", SessionID: "session-1"}

	facts := []Fact{
		{UserID: "user-a", Time: at(1), Payload: ThreadUpdate{ThreadID: "thread-1"}},
		{UserID: "user-a", Time: at(2), Payload: ThreadReadStatusUpdate{ThreadID: "thread-2", Unread: true}},
		{UserID: "user-a", Time: at(3), Payload: ThreadReadStatusUpdate{ThreadID: "thread-1", Unread: false}},
		{UserID: "user-a", Time: at(4), TargetSession: "session-2", Payload: ThreadJoin{ThreadID: "thread-2"}},
		{UserID: "user-b", Time: at(5), Payload: ThreadUpdate{ThreadID: "thread-3"}},
	}

	result, err := service.Submit(context.Background(), facts, DeliveryReturn, viewer)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if len(result.ViewerUpdates) != 2 {
		t.Fatalf("expected 2 viewer updates, got %d: %+v", len(result.ViewerUpdates), updateTypes(result.ViewerUpdates))
	}
	first, second := result.ViewerUpdates[0], result.ViewerUpdates[1]
	if first.Type != TypeUpdateThread || first.Thread == nil || first.Thread.ID != "thread-1" {
		t.Fatalf("unexpected first update: %+v", first)
	}
	if second.Type != TypeUpdateThreadReadStatus || second.Thread == nil || second.Thread.ID != "thread-2" {
		t.Fatalf("unexpected second update: %+v", second)
	}

	stored := storedRecords(t, database, "user-a")
	if len(stored) != 3 {
		t.Fatalf("expected 3 stored records for user-a, got %d", len(stored))
	}
	for _, record := range stored {
		if record.TargetSession == "" && record.ExcludedSession != "session-1" {
			t.Fatalf("expected untargeted record %s to exclude the origin session", record.UpdateID)
		}
		if record.TargetSession != "" && record.ExcludedSession != "" {
			t.Fatalf("did not expect targeted record %s to be excluded", record.UpdateID)
		}
	}

	service.Wait()
	messages := publisher.messages()
	if len(messages) != 3 {
		t.Fatalf("expected 3 published messages, got %d: %+v", len(messages), messages)
	}
	byTarget := make(map[pubsub.Target]pubsub.Message, len(messages))
	for _, published := range messages {
		byTarget[published.target] = published.message
	}
	own, ok := byTarget[pubsub.Target{UserID: "user-a"}]
	if !ok || own.IgnoreSession != "session-1" || len(own.UpdateIDs) != 2 {
		t.Fatalf("unexpected user-level message for the viewer: %+v", own)
	}
	if _, ok := byTarget[pubsub.Target{UserID: "user-a", SessionID: "session-2"}]; !ok {
		t.Fatalf("expected targeted message for session-2")
	}
	other, ok := byTarget[pubsub.Target{UserID: "user-b"}]
	if !ok || other.IgnoreSession != "" || other.Kind != pubsub.KindNewUpdates {
		t.Fatalf("unexpected message for user-b: %+v", other)
	}
}

func TestSubmitBroadcastExcludesOriginSession(t *testing.T) {
	service, database, publisher := mustService(t)
	seedThreads(t, database, "user-a", "thread-1")
	viewer := &Viewer{UserID: "user-a", SessionID: "session-1"}

	result, err := service.Submit(context.Background(), []Fact{
		{UserID: "user-a", Time: at(1), Payload: ThreadUpdate{ThreadID: "thread-1"}},
	}, DeliveryBroadcast, viewer)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if len(result.ViewerUpdates) != 0 {
		t.Fatalf("broadcast must not return viewer updates, got %d", len(result.ViewerUpdates))
	}

	service.Wait()
	messages := publisher.messages()
	if len(messages) != 1 {
		t.Fatalf("expected one published message, got %d", len(messages))
	}
	published := messages[0]
	if published.target != (pubsub.Target{UserID: "user-a"}) {
		t.Fatalf("unexpected target %+v", published.target)
	}
	if published.message.IgnoreSession != "session-1" {
		t.Fatalf("expected origin session to be ignored, got %q", published.message.IgnoreSession)
	}
	if len(published.message.UpdateIDs) != 1 || published.message.UpdateIDs[0] != "update-001" {
		t.Fatalf("unexpected update ids %v", published.message.UpdateIDs)
	}
}

func TestSubmitIgnoreModeSkipsDelivery(t *testing.T) {
	service, database, publisher := mustService(t)
	seedThreads(t, database, "user-a", "thread-1")

	if _, err := service.Submit(context.Background(), []Fact{
		{UserID: "user-a", Time: at(1), Payload: ThreadUpdate{ThreadID: "thread-1"}},
	}, DeliveryIgnore, nil); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	service.Wait()
	if messages := publisher.messages(); len(messages) != 0 {
		t.Fatalf("expected no published messages, got %d", len(messages))
	}
	if stored := storedRecords(t, database, "user-a"); len(stored) != 1 {
		t.Fatalf("expected the record to persist, got %d", len(stored))
	}
}

func TestSubmitDeletesSupersededHistory(t *testing.T) {
	service, database, _ := mustService(t)
	ctx := context.Background()
	submit := func(fact Fact) {
		t.Helper()
		if _, err := service.Submit(ctx, []Fact{fact}, DeliveryIgnore, nil); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}

	submit(Fact{UserID: "user-a", Time: at(1), Payload: ThreadReadStatusUpdate{ThreadID: "thread-1", Unread: true}})
	submit(Fact{UserID: "user-a", Time: at(2), Payload: ThreadUpdate{ThreadID: "thread-1"}})
	stored := storedRecords(t, database, "user-a")
	if len(stored) != 1 || stored[0].Type != TypeUpdateThread {
		t.Fatalf("expected thread update to replace read status, got %+v", stored)
	}

	submit(Fact{UserID: "user-a", Time: at(3), Payload: ThreadReadStatusUpdate{ThreadID: "thread-1"}})
	if stored := storedRecords(t, database, "user-a"); len(stored) != 2 {
		t.Fatalf("read status must not delete a thread update, got %d records", len(stored))
	}

	submit(Fact{UserID: "user-a", Time: at(4), Payload: ThreadDeletion{ThreadID: "thread-1"}})
	stored = storedRecords(t, database, "user-a")
	if len(stored) != 1 || stored[0].Type != TypeDeleteThread {
		t.Fatalf("expected deletion to supersede all history, got %+v", stored)
	}
}

func TestDeleteSupersededWithoutMatchesIsNoop(t *testing.T) {
	service, _, _ := mustService(t)
	ctx := context.Background()
	conditions := []DeleteCondition{
		deleteConditionFor("user-a", threadKey("missing"), "", TypeUpdateThread),
	}

	for attempt := 0; attempt < 2; attempt++ {
		deleted, err := service.DeleteSuperseded(ctx, conditions)
		if err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if deleted != 0 {
			t.Fatalf("expected no rows deleted, got %d", deleted)
		}
	}
	if deleted, err := service.DeleteSuperseded(ctx, nil); err != nil || deleted != 0 {
		t.Fatalf("expected empty delete to be a no-op, got %d, %v", deleted, err)
	}
}

func TestDeleteSupersededRemovesMatchingRecords(t *testing.T) {
	service, database, _ := mustService(t)
	ctx := context.Background()
	if _, err := service.Submit(ctx, []Fact{
		{UserID: "user-a", Time: at(1), Payload: EntryUpdate{EntryID: "entry-1"}},
		{UserID: "user-a", Time: at(2), Payload: EntryUpdate{EntryID: "entry-2"}},
	}, DeliveryIgnore, nil); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	deleted, err := service.DeleteSuperseded(ctx, []DeleteCondition{
		deleteConditionFor("user-a", "entry:entry-1", "", TypeUpdateEntry),
	})
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected one row deleted, got %d", deleted)
	}
	if stored := storedRecords(t, database, "user-a"); len(stored) != 1 || stored[0].DedupKey != "entry:entry-2" {
		t.Fatalf("unexpected remaining records %+v", stored)
	}
}

func TestFetchSinceHonoursExcludedAndTargetedSessions(t *testing.T) {
	service, database, _ := mustService(t)
	seedThreads(t, database, "user-a", "thread-1", "thread-2", "thread-3")
	ctx := context.Background()

	if _, err := service.Submit(ctx, []Fact{
		{UserID: "user-a", Time: at(1), Payload: ThreadUpdate{ThreadID: "thread-1"}},
	}, DeliveryBroadcast, &Viewer{UserID: "user-a", SessionID: "session-1"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := service.Submit(ctx, []Fact{
		{UserID: "user-a", Time: at(2), TargetSession: "session-2", Payload: ThreadReadStatusUpdate{ThreadID: "thread-2", Unread: true}},
		{UserID: "user-a", Time: at(3), Payload: ThreadJoin{ThreadID: "thread-3"}},
	}, DeliveryIgnore, nil); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	origin, err := service.FetchSince(ctx, Viewer{UserID: "user-a", SessionID: "session-1"}, 0)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if types := updateTypes(origin); len(types) != 1 || types[0] != TypeJoinThread {
		t.Fatalf("expected origin session to see only the join, got %v", types)
	}

	other, err := service.FetchSince(ctx, Viewer{UserID: "user-a", SessionID: "session-2"}, 0)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(other) != 3 {
		t.Fatalf("expected session-2 to see 3 updates, got %v", updateTypes(other))
	}

	later, err := service.FetchSince(ctx, Viewer{UserID: "user-a", SessionID: "session-2"}, at(1).UnixMilli())
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(later) != 2 {
		t.Fatalf("expected cursor to skip the first update, got %v", updateTypes(later))
	}
}

func TestHydrateDropsVanishedSubjectsAndRemerges(t *testing.T) {
	service, database, _ := mustService(t)
	seedThreads(t, database, "user-a", "thread-1")

	records := []Record{
		mustRecord(t, "r1", "user-a", at(1), ThreadUpdate{ThreadID: "thread-1"}),
		mustRecord(t, "r2", "user-a", at(2), ThreadUpdate{ThreadID: "thread-1"}),
		mustRecord(t, "r3", "user-a", at(3), ThreadUpdate{ThreadID: "thread-gone"}),
		mustRecord(t, "r4", "user-a", at(4), UserUpdate{UpdatedUserID: "user-gone"}),
		mustRecord(t, "r5", "user-a", at(5), AccountDeletion{DeletedUserID: "user-gone"}),
		mustRecord(t, "r6", "user-a", at(6), CurrentUserUpdate{}),
	}

	result, err := service.hydrator.Hydrate(context.Background(), records, Viewer{UserID: "user-a", SessionID: "session-1"})
	if err != nil {
		t.Fatalf("hydrate failed: %v", err)
	}
	ids := make([]string, len(result.UpdateInfos))
	for index, info := range result.UpdateInfos {
		ids[index] = info.ID
	}
	expected := []string{"r2", "r5", "r6"}
	if len(ids) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, ids)
	}
	for index := range expected {
		if ids[index] != expected[index] {
			t.Fatalf("expected %v, got %v", expected, ids)
		}
	}
	if result.UpdateInfos[2].User == nil || result.UpdateInfos[2].User.ID != "user-a" {
		t.Fatalf("expected current user profile to be attached, got %+v", result.UpdateInfos[2].User)
	}
	if _, ok := result.UserInfos["user-a"]; !ok {
		t.Fatalf("expected thread creator profile in user infos")
	}
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	service, _, _ := mustService(t)
	ctx := context.Background()

	_, err := service.Submit(ctx, []Fact{{Time: at(1), Payload: ThreadUpdate{ThreadID: "thread-1"}}}, DeliveryIgnore, nil)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "updates.submit.invalid_fact" {
		t.Fatalf("expected invalid fact error, got %v", err)
	}

	_, err = service.Submit(ctx, []Fact{{UserID: "user-a", Time: at(1), Payload: ThreadUpdate{ThreadID: "thread-1"}}}, DeliveryReturn, nil)
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "updates.submit.missing_viewer" {
		t.Fatalf("expected missing viewer error, got %v", err)
	}
}

func mustRecord(t *testing.T, id string, userID string, when time.Time, payload Payload) Record {
	t.Helper()
	content, err := encodePayload(payload)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	return Record{
		UpdateID:   id,
		UserID:     userID,
		Type:       payload.Type(),
		DedupKey:   payload.dedupKey(userID),
		Content:    content,
		TimeMillis: when.UnixMilli(),
	}
}

func TestSubmitDeletesHistoryAcrossPredicateChunks(t *testing.T) {
	service, database, _ := mustService(t)
	ctx := context.Background()
	count := maxPredicatesPerStatement*2 + 37
	factsAt := func(offset int) []Fact {
		facts := make([]Fact, count)
		for index := range facts {
			facts[index] = Fact{UserID: "user-a", Time: at(offset), Payload: EntryUpdate{EntryID: fmt.Sprintf("entry-%04d", index)}}
		}
		return facts
	}

	if _, err := service.Submit(ctx, factsAt(1), DeliveryIgnore, nil); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	if _, err := service.Submit(ctx, []Fact{{UserID: "user-a", Time: at(1), Payload: EntryUpdate{EntryID: "entry-other"}}}, DeliveryIgnore, nil); err != nil {
		t.Fatalf("unrelated submit failed: %v", err)
	}
	if _, err := service.Submit(ctx, factsAt(2), DeliveryIgnore, nil); err != nil {
		t.Fatalf("second submit failed: %v", err)
	}

	stored := storedRecords(t, database, "user-a")
	if len(stored) != count+1 {
		t.Fatalf("expected %d records after supersession, got %d", count+1, len(stored))
	}
	current := 0
	for _, record := range stored {
		switch {
		case record.DedupKey == "entry:entry-other":
		case record.TimeMillis == at(2).UnixMilli():
			current++
		default:
			t.Fatalf("superseded record survived: %+v", record)
		}
	}
	if current != count {
		t.Fatalf("expected every record of the current batch to survive, got %d of %d", current, count)
	}

	conditions := make([]DeleteCondition, count)
	for index := range conditions {
		conditions[index] = deleteConditionFor("user-a", fmt.Sprintf("entry:entry-%04d", index), "", TypeUpdateEntry)
	}
	deleted, err := service.DeleteSuperseded(ctx, conditions)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if deleted != int64(count) {
		t.Fatalf("expected %d rows deleted across statements, got %d", count, deleted)
	}
	if remaining := storedRecords(t, database, "user-a"); len(remaining) != 1 || remaining[0].DedupKey != "entry:entry-other" {
		t.Fatalf("unexpected remaining records %+v", remaining)
	}
}
