package matching

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/lalith-99/yapstream/internal/models"
	"github.com/lalith-99/yapstream/internal/observ"
	"github.com/lalith-99/yapstream/internal/realtime"
	"github.com/lalith-99/yapstream/internal/repository/memory"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = models.Participant{ID: "alice", DisplayName: "Alice"}
	bob   = models.Participant{ID: "bob", DisplayName: "Bob"}
	carol = models.Participant{ID: "carol", DisplayName: "Carol"}
	dave  = models.Participant{ID: "dave", DisplayName: "Dave"}
)

func join(t *testing.T, q *Queue, p models.Participant) *Membership {
	t.Helper()
	m, err := q.Join(context.Background(), p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Leave(context.Background()) })
	return m
}

func waitResult(t *testing.T, m *Membership) Result {
	t.Helper()
	select {
	case res, ok := <-m.Matched():
		require.True(t, ok, "membership closed without a match")
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("%s was never matched", m.self.ID)
	}
	return Result{}
}

func assertUnmatched(t *testing.T, m *Membership, wait time.Duration) {
	t.Helper()
	select {
	case res := <-m.Matched():
		t.Fatalf("unexpected match %+v", res)
	case <-time.After(wait):
	}
}

func TestQueue_PairsTwoParticipants(t *testing.T) {
	hub := realtime.NewMemoryHub(nil)
	metrics := observ.NopMetrics()
	q := NewQueue(hub, NewStore(nil, nil, nil, metrics), nil, WithMetrics(metrics))

	a := join(t, q, alice)
	b := join(t, q, bob)

	ra := waitResult(t, a)
	rb := waitResult(t, b)

	assert.Equal(t, "match-alice-bob", ra.Match.ID)
	assert.Equal(t, ra.Match.ID, rb.Match.ID)
	assert.Equal(t, models.MatchActive, ra.Match.Status)
	assert.Equal(t, "bob", ra.PeerID)
	assert.Equal(t, "alice", rb.PeerID)

	// Both left the queue on their own.
	require.Eventually(t, func() bool { return hub.Members(Topic) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.QueueSize))

	_, open := <-a.Matched()
	assert.False(t, open)
}

func TestQueue_DurableStoreKeepsOneActiveMatch(t *testing.T) {
	hub := realtime.NewMemoryHub(nil)
	durable := memory.NewMatchStore()
	q := NewQueue(hub, NewStore(durable, nil, nil, nil), nil)

	a := join(t, q, alice)
	b := join(t, q, bob)

	ra := waitResult(t, a)
	rb := waitResult(t, b)
	assert.Equal(t, ra.Match.ID, rb.Match.ID)
	assert.Equal(t, "match-alice-bob", ra.Match.ChannelID)
	assert.Equal(t, 1, durable.Active("alice", "bob"))
}

func TestQueue_ThreeJoinersPairOnlyTwo(t *testing.T) {
	hub := realtime.NewMemoryHub(nil)
	durable := &slowMatches{MatchStore: memory.NewMatchStore(), delay: 10 * time.Millisecond}
	store := NewStore(durable, nil, nil, nil)
	q := NewQueue(hub, store, nil, WithCooldown(time.Millisecond))
	ctx := context.Background()

	members := []*Membership{join(t, q, alice), join(t, q, bob), join(t, q, carol)}

	results := make(map[string]Result)
	for _, m := range members {
		select {
		case res, ok := <-m.Matched():
			if ok {
				results[m.self.ID] = res
			}
		case <-time.After(time.Second):
		}
	}
	require.Len(t, results, 2)

	for id, res := range results {
		peer, ok := results[res.PeerID]
		require.True(t, ok, "%s was paired with %s, who got no match", id, res.PeerID)
		assert.Equal(t, id, peer.PeerID)
		assert.Equal(t, res.Match.ID, peer.Match.ID)

		// The room each side was handed is the one the store reports.
		active, err := store.GetActiveMatch(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, res.Match.ID, active.ID)
	}

	total := durable.Active("alice", "bob") + durable.Active("alice", "carol") + durable.Active("bob", "carol")
	assert.Equal(t, 1, total)
}

func TestQueue_LeaveBeforeMatch(t *testing.T) {
	hub := realtime.NewMemoryHub(nil)
	store := NewStore(nil, nil, nil, nil)
	q := NewQueue(hub, store, nil)

	a := join(t, q, alice)
	require.NoError(t, a.Leave(context.Background()))
	_, open := <-a.Matched()
	assert.False(t, open)
	assert.Equal(t, 0, hub.Members(Topic))

	b := join(t, q, bob)
	assertUnmatched(t, b, 100*time.Millisecond)

	m, err := store.GetActiveMatch(context.Background(), "bob")
	require.NoError(t, err)
	assert.Nil(t, m)

	// Leaving twice is fine.
	assert.NoError(t, a.Leave(context.Background()))
}

func TestQueue_ReentryDeliversExistingMatch(t *testing.T) {
	hub := realtime.NewMemoryHub(nil)
	store := NewStore(nil, nil, nil, nil)
	existing, err := store.CreateMatch(context.Background(), "alice", "bob")
	require.NoError(t, err)

	q := NewQueue(hub, store, nil)
	a := join(t, q, alice)

	res := waitResult(t, a)
	assert.Equal(t, existing.ID, res.Match.ID)
	assert.Equal(t, "bob", res.PeerID)
}

func TestQueue_SkipsPeerAlreadyMatched(t *testing.T) {
	hub := realtime.NewMemoryHub(nil)
	store := NewStore(nil, nil, nil, nil)
	ctx := context.Background()
	_, err := store.CreateMatch(ctx, "bob", "carol")
	require.NoError(t, err)

	// bob is still listed as searching, but already has a match.
	stale := hub.Channel(Topic, realtime.ChannelOptions{PresenceKey: "bob"})
	require.NoError(t, stale.Subscribe(ctx, func(realtime.Status, error) {}))
	require.NoError(t, stale.Track(ctx, searchEntry{UserID: "bob", Username: "Bob"}))
	t.Cleanup(func() { _ = stale.Close(ctx) })

	q := NewQueue(hub, store, nil)
	a := join(t, q, alice)
	assertUnmatched(t, a, 100*time.Millisecond)

	d := join(t, q, dave)
	ra := waitResult(t, a)
	rd := waitResult(t, d)
	assert.Equal(t, "match-alice-dave", ra.Match.ID)
	assert.Equal(t, ra.Match.ID, rd.Match.ID)
}

func TestQueue_StoreErrorKeepsParticipantSearching(t *testing.T) {
	hub := realtime.NewMemoryHub(nil)
	durable := memory.NewMatchStore()
	durable.SetErr(assert.AnError)
	q := NewQueue(hub, NewStore(durable, nil, nil, nil), nil)
	ctx := context.Background()

	a := join(t, q, alice)
	b := join(t, q, bob)
	require.Eventually(t, func() bool {
		return len(a.ch.PresenceState()) == 2
	}, time.Second, 5*time.Millisecond)

	assertUnmatched(t, a, 50*time.Millisecond)
	assert.ErrorIs(t, a.Refresh(ctx), assert.AnError)
	assert.Equal(t, 2, hub.Members(Topic))

	durable.SetErr(nil)
	require.NoError(t, a.Refresh(ctx))

	ra := waitResult(t, a)
	rb := waitResult(t, b)
	assert.Equal(t, ra.Match.ID, rb.Match.ID)
	assert.Equal(t, 1, durable.Active("alice", "bob"))
}

func TestMembership_CooldownGuardsAutomaticAttempts(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q := NewQueue(realtime.NewMemoryHub(nil), NewStore(nil, nil, nil, nil), nil, WithCooldown(2*time.Second))
	q.now = func() time.Time { return now }
	m := &Membership{q: q}

	assert.True(t, m.begin(false))
	assert.False(t, m.begin(true), "attempts never overlap")
	m.finish()

	m.lastAttempt = now
	now = now.Add(time.Second)
	assert.False(t, m.begin(false))
	assert.True(t, m.begin(true), "refresh ignores the cooldown")
	m.finish()

	now = now.Add(time.Second)
	assert.True(t, m.begin(false))
}

func TestCandidates_SortedWithoutSelf(t *testing.T) {
	state := map[string]json.RawMessage{"dave": nil, "alice": nil, "bob": nil}
	assert.Equal(t, []string{"bob", "dave"}, candidates(state, "alice"))
	assert.Empty(t, candidates(map[string]json.RawMessage{"alice": nil}, "alice"))
}
