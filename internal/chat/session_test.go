package chat

import (
	"context"
	"testing"
	"time"

	"github.com/lalith-99/yapstream/internal/models"
	"github.com/lalith-99/yapstream/internal/observ"
	"github.com/lalith-99/yapstream/internal/presence"
	"github.com/lalith-99/yapstream/internal/realtime"
	"github.com/lalith-99/yapstream/internal/repository/memory"
	"github.com/lalith-99/yapstream/internal/stream"
	"github.com/lalith-99/yapstream/internal/typing"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = models.Participant{ID: "alice", DisplayName: "Alice"}
	bob   = models.Participant{ID: "bob", DisplayName: "Bob"}
)

func open(t *testing.T, hub *realtime.MemoryHub, store stream.Store, p models.Participant, opts ...Option) *Session {
	t.Helper()
	s, err := Open(context.Background(), hub, store, "general", p, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)
	return s
}

func TestSession_MessagesPresenceAndTyping(t *testing.T) {
	hub := realtime.NewMemoryHub(nil)
	store := memory.NewMessageStore(hub, nil)
	metrics := observ.NopMetrics()
	ctx := context.Background()

	a := open(t, hub, store, alice, WithMetrics(metrics))
	b := open(t, hub, store, bob, WithTyping(200*time.Millisecond, time.Second))

	require.Eventually(t, func() bool {
		return len(a.Online()) == 2 && len(b.Online()) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.InputChanged(ctx, "hi b"))
	require.Eventually(t, func() bool { return len(b.Typing()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Alice", b.Typing()[0].DisplayName)

	msg, err := a.Send(ctx, "hi bob")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs := b.Messages()
		return len(msgs) == 1 && msgs[0].ID == msg.ID
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MessagesSent.WithLabelValues("ok")))

	// Typing expires on the receiver without any stop signal.
	require.Eventually(t, func() bool { return len(b.Typing()) == 0 }, time.Second, 5*time.Millisecond)

	_, err = a.Send(ctx, "  ")
	assert.ErrorIs(t, err, stream.ErrEmptyMessage)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.MessagesSent.WithLabelValues("error")))
}

func TestSession_UpdatesCoalesceByPart(t *testing.T) {
	hub := realtime.NewMemoryHub(nil)
	store := memory.NewMessageStore(hub, nil)
	ctx := context.Background()

	a := open(t, hub, store, alice)
	a.Pending()

	b := open(t, hub, store, bob)
	_, err := b.Send(ctx, "hello")
	require.NoError(t, err)

	var seen Part
	require.Eventually(t, func() bool {
		select {
		case <-a.Updates():
			seen |= a.Pending()
		default:
		}
		return seen.Has(PartPresence) && seen.Has(PartMessages)
	}, time.Second, 5*time.Millisecond)
	assert.False(t, a.Pending().Has(PartTyping))
}

func TestSession_SendFailureIsCounted(t *testing.T) {
	hub := realtime.NewMemoryHub(nil)
	store := memory.NewMessageStore(hub, nil)
	store.FailCreates(assert.AnError)
	metrics := observ.NopMetrics()

	a := open(t, hub, store, alice, WithMetrics(metrics))
	_, err := a.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, a.Messages())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MessagesSent.WithLabelValues("error")))
}

func TestSession_CloseLeavesAllTopics(t *testing.T) {
	hub := realtime.NewMemoryHub(nil)
	store := memory.NewMessageStore(hub, nil)
	ctx := context.Background()

	a := open(t, hub, store, alice)
	b := open(t, hub, store, bob)
	require.Eventually(t, func() bool { return len(b.Online()) == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Close(ctx))
	assert.NoError(t, a.Close(ctx))

	assert.Equal(t, 1, hub.Members(stream.Topic("general")))
	assert.Equal(t, 1, hub.Members(presence.Topic("general")))
	assert.Equal(t, 1, hub.Members(typing.Topic("general")))

	require.Eventually(t, func() bool { return len(b.Online()) == 1 }, time.Second, 5*time.Millisecond)

	_, err := a.Send(ctx, "too late")
	assert.ErrorIs(t, err, stream.ErrClosed)
	assert.Zero(t, a.Pending())
}
