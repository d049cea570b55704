package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, stream <-chan Message) Message {
	t.Helper()
	select {
	case message := <-stream:
		return message
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected bus message within deadline")
	}
	return Message{}
}

func expectSilence(t *testing.T, stream <-chan Message) {
	t.Helper()
	select {
	case message := <-stream:
		t.Fatalf("did not expect message, got %+v", message)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLocalBusDeliversUserMessagesToAllSessions(t *testing.T) {
	bus := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, cleanupFirst, err := bus.Subscribe(ctx, "user-1", "session-a")
	require.NoError(t, err)
	defer cleanupFirst()
	second, cleanupSecond, err := bus.Subscribe(ctx, "user-1", "session-b")
	require.NoError(t, err)
	defer cleanupSecond()

	require.NoError(t, bus.Publish(ctx, Target{UserID: "user-1"}, Message{Kind: KindNewUpdates, UpdateIDs: []string{"u1"}}))

	received := receive(t, first)
	require.Equal(t, KindNewUpdates, received.Kind)
	require.Equal(t, "user-1", received.UserID)
	require.Equal(t, []string{"u1"}, received.UpdateIDs)
	require.False(t, received.PublishedAt.IsZero())
	receive(t, second)
}

func TestLocalBusHonoursIgnoreSession(t *testing.T) {
	bus := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	origin, cleanupOrigin, err := bus.Subscribe(ctx, "user-1", "origin")
	require.NoError(t, err)
	defer cleanupOrigin()
	other, cleanupOther, err := bus.Subscribe(ctx, "user-1", "other")
	require.NoError(t, err)
	defer cleanupOther()

	require.NoError(t, bus.Publish(ctx, Target{UserID: "user-1"}, Message{Kind: KindNewUpdates, IgnoreSession: "origin"}))

	receive(t, other)
	expectSilence(t, origin)
}

func TestLocalBusSessionTargetReachesOnlyThatSession(t *testing.T) {
	bus := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target, cleanupTarget, err := bus.Subscribe(ctx, "user-1", "target")
	require.NoError(t, err)
	defer cleanupTarget()
	bystander, cleanupBystander, err := bus.Subscribe(ctx, "user-1", "bystander")
	require.NoError(t, err)
	defer cleanupBystander()
	stranger, cleanupStranger, err := bus.Subscribe(ctx, "user-2", "target")
	require.NoError(t, err)
	defer cleanupStranger()

	require.NoError(t, bus.Publish(ctx, Target{UserID: "user-1", SessionID: "target"}, Message{Kind: KindNewUpdates}))

	received := receive(t, target)
	require.Equal(t, "target", received.SessionID)
	expectSilence(t, bystander)
	expectSilence(t, stranger)
}

func TestLocalBusUnsubscribesOnContextCancel(t *testing.T) {
	bus := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())

	_, _, err := bus.Subscribe(ctx, "user-1", "session-a")
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.subscribers) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestAddressing(t *testing.T) {
	require.Equal(t, "courier:updates:user:u1", ChannelName(Target{UserID: "u1"}))
	require.Equal(t, "courier:updates:session:u1:s1", ChannelName(Target{UserID: "u1", SessionID: "s1"}))
	require.Equal(t, "user.u1", RoutingKey(Target{UserID: "u1"}))
	require.Equal(t, "session.u_1.s_1", RoutingKey(Target{UserID: "u.1", SessionID: "s#1"}))
}
