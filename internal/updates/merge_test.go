package updates

import "testing"

func survivingTypes(facts []Fact) []Type {
	sorted := sortFactsByTime(facts)
	candidates := make([]mergeCandidate, len(sorted))
	for index, fact := range sorted {
		candidates[index] = candidateForFact(fact)
	}
	keep := mergeKeyed(candidates)
	var types []Type
	for index, fact := range sorted {
		if keep[index] {
			types = append(types, fact.Payload.Type())
		}
	}
	return types
}

func TestThreadUpdateSubsumesReadStatusInEitherOrder(t *testing.T) {
	testCases := []struct {
		name  string
		facts []Fact
	}{
		{
			name: "read status first",
			facts: []Fact{
				{UserID: "user-a", Time: at(1), Payload: ThreadReadStatusUpdate{ThreadID: "thread-1", Unread: true}},
				{UserID: "user-a", Time: at(2), Payload: ThreadUpdate{ThreadID: "thread-1"}},
			},
		},
		{
			name: "thread update first",
			facts: []Fact{
				{UserID: "user-a", Time: at(1), Payload: ThreadUpdate{ThreadID: "thread-1"}},
				{UserID: "user-a", Time: at(2), Payload: ThreadReadStatusUpdate{ThreadID: "thread-1", Unread: false}},
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			types := survivingTypes(testCase.facts)
			if len(types) != 1 || types[0] != TypeUpdateThread {
				t.Fatalf("expected only UPDATE_THREAD to survive, got %v", types)
			}
		})
	}
}

func TestMutuallyCoveringFactsKeepLatest(t *testing.T) {
	facts := []Fact{
		{UserID: "user-a", Time: at(3), Payload: ThreadReadStatusUpdate{ThreadID: "thread-1", Unread: false}},
		{UserID: "user-a", Time: at(1), Payload: ThreadReadStatusUpdate{ThreadID: "thread-1", Unread: true}},
	}
	sorted := sortFactsByTime(facts)
	candidates := make([]mergeCandidate, len(sorted))
	for index, fact := range sorted {
		candidates[index] = candidateForFact(fact)
	}
	keep := mergeKeyed(candidates)
	if keep[0] || !keep[1] {
		t.Fatalf("expected only the latest fact to survive, got %v", keep)
	}
	if sorted[1].Payload.(ThreadReadStatusUpdate).Unread {
		t.Fatalf("expected the surviving read status to be the later one")
	}
}

func TestMergeIsolatesUsersKeysAndTargets(t *testing.T) {
	facts := []Fact{
		{UserID: "user-a", Time: at(1), Payload: ThreadUpdate{ThreadID: "thread-1"}},
		{UserID: "user-b", Time: at(2), Payload: ThreadUpdate{ThreadID: "thread-1"}},
		{UserID: "user-a", Time: at(3), Payload: ThreadUpdate{ThreadID: "thread-2"}},
		{UserID: "user-a", Time: at(4), Payload: AccountDeletion{DeletedUserID: "user-z"}},
		{UserID: "user-a", Time: at(5), Payload: AccountDeletion{DeletedUserID: "user-z"}},
	}
	if types := survivingTypes(facts); len(types) != len(facts) {
		t.Fatalf("expected every fact to survive, got %v", types)
	}

	targeted := []Fact{
		{UserID: "user-a", Time: at(1), TargetSession: "session-1", Payload: BadDeviceToken{DeviceToken: "token-1"}},
		{UserID: "user-a", Time: at(2), TargetSession: "session-2", Payload: BadDeviceToken{DeviceToken: "token-1"}},
	}
	if types := survivingTypes(targeted); len(types) != 2 {
		t.Fatalf("expected facts for distinct target sessions to both survive, got %v", types)
	}
}

func TestDeleteConditionCoverage(t *testing.T) {
	condition := deleteConditionFor("user-a", threadKey("thread-1"), "", TypeUpdateThreadReadStatus)
	if !condition.Covers(TypeUpdateThreadReadStatus, "") {
		t.Fatalf("expected read status to cover read status")
	}
	if condition.Covers(TypeUpdateThread, "") {
		t.Fatalf("did not expect read status to cover thread updates")
	}

	full := deleteConditionFor("user-a", threadKey("thread-1"), "session-1", TypeDeleteThread)
	if !full.Covers(TypeUpdateThread, "session-1") {
		t.Fatalf("expected thread deletion to cover every type for its target")
	}
	if full.Covers(TypeUpdateThread, "session-2") {
		t.Fatalf("did not expect a targeted condition to cover another session")
	}
}

func TestDeleteConditionPanicsForUnkeyedType(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for a type without a delete condition")
		}
	}()
	deleteConditionFor("user-a", "key", "", TypeDeleteAccount)
}

func TestPayloadRoundTripThroughContentColumn(t *testing.T) {
	original := ThreadReadStatusUpdate{ThreadID: "thread-9", Unread: true}
	content, err := encodePayload(original)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := decodePayload(TypeUpdateThreadReadStatus, content)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded != Payload(original) {
		t.Fatalf("expected %+v, got %+v", original, decoded)
	}
	if _, err := decodePayload(Type(99), content); err == nil {
		t.Fatalf("expected unknown type error")
	}
}
