package matching

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lalith-99/yapstream/internal/models"
	"github.com/lalith-99/yapstream/internal/observ"
	"github.com/lalith-99/yapstream/internal/repository"
	"github.com/lalith-99/yapstream/internal/repository/memory"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_CreateMatchIsIdempotentAcrossOrder(t *testing.T) {
	durable := memory.NewMatchStore()
	metrics := observ.NopMetrics()
	s := NewStore(durable, nil, nil, metrics)
	ctx := context.Background()

	first, err := s.CreateMatch(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, "match-alice-bob", first.ChannelID)
	assert.Equal(t, "alice", first.UserAID)
	assert.Equal(t, models.MatchActive, first.Status)

	second, err := s.CreateMatch(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, durable.Active("alice", "bob"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MatchesCreated.WithLabelValues(backendDurable)))
	assert.False(t, s.Degraded())
}

func TestStore_ConcurrentCreatesYieldOneMatch(t *testing.T) {
	durable := memory.NewMatchStore()
	s := NewStore(durable, nil, nil, nil)
	ctx := context.Background()

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			m, err := s.CreateMatch(ctx, a, b)
			if assert.NoError(t, err) {
				ids[i] = m.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, durable.Active("alice", "bob"))
}

func TestStore_SchemaMissingDegradesForGood(t *testing.T) {
	durable := memory.NewMatchStore()
	durable.SetErr(fmt.Errorf("find active match: %w", repository.ErrSchemaMissing))
	metrics := observ.NopMetrics()
	s := NewStore(durable, nil, nil, metrics)
	ctx := context.Background()

	m, err := s.CreateMatch(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, "match-alice-bob", m.ID)
	assert.Equal(t, "match-alice-bob", m.ChannelID)
	assert.True(t, s.Degraded())

	calls := durable.CallCount()

	active, err := s.GetActiveMatch(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, m.ID, active.ID)

	again, err := s.CreateMatch(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, m.ID, again.ID)

	none, err := s.GetActiveMatch(ctx, "carol")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.EndMatch(ctx, m.ID))
	gone, err := s.GetActiveMatch(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, gone)

	assert.Equal(t, calls, durable.CallCount(), "degraded store must not touch the durable backing")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MatchesCreated.WithLabelValues(backendEphemeral)))
}

func TestStore_TransientErrorFallsBackOnce(t *testing.T) {
	durable := memory.NewMatchStore()
	durable.SetErr(assert.AnError)
	s := NewStore(durable, nil, nil, nil)
	ctx := context.Background()

	m, err := s.CreateMatch(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, "match-alice-bob", m.ID)
	assert.False(t, s.Degraded())

	durable.SetErr(nil)

	// The in-memory match is still found first.
	active, err := s.GetActiveMatch(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, m.ID, active.ID)

	require.NoError(t, s.EndMatch(ctx, m.ID))

	next, err := s.CreateMatch(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.NotEqual(t, m.ID, next.ID)
	assert.Equal(t, 1, durable.Active("alice", "bob"))
}

func TestStore_GetActiveMatchPropagatesTransientErrors(t *testing.T) {
	durable := memory.NewMatchStore()
	s := NewStore(durable, nil, nil, nil)
	durable.SetErr(assert.AnError)

	_, err := s.GetActiveMatch(context.Background(), "alice")
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, s.Degraded())
}

func TestStore_NilDurableStartsDegraded(t *testing.T) {
	avail := &Availability{}
	s := NewStore(nil, avail, nil, nil)
	assert.True(t, avail.Degraded())

	m, err := s.CreateMatch(context.Background(), "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, "match-alice-bob", m.ID)
}

func TestStore_EndMatchIsIdempotent(t *testing.T) {
	durable := memory.NewMatchStore()
	s := NewStore(durable, nil, nil, nil)
	ctx := context.Background()

	assert.NoError(t, s.EndMatch(ctx, "missing"))

	m, err := s.CreateMatch(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, s.EndMatch(ctx, m.ID))
	require.NoError(t, s.EndMatch(ctx, m.ID))
	assert.Equal(t, 0, durable.Active("alice", "bob"))

	durable.SetErr(repository.ErrNotFound)
	assert.NoError(t, s.EndMatch(ctx, m.ID))
}

func TestStore_RejectsSelfMatch(t *testing.T) {
	s := NewStore(nil, nil, nil, nil)
	_, err := s.CreateMatch(context.Background(), "alice", "alice")
	assert.ErrorIs(t, err, ErrSelfMatch)
}

// racingRepo lets another writer insert the pair between our read and our write.
type racingRepo struct {
	*memory.MatchStore
	raced bool
}

func (r *racingRepo) Create(ctx context.Context, a, b, channelID string) (*models.Match, error) {
	if !r.raced {
		r.raced = true
		if _, err := r.MatchStore.Create(ctx, a, b, channelID); err != nil {
			return nil, err
		}
	}
	return r.MatchStore.Create(ctx, a, b, channelID)
}

func TestStore_ConflictReturnsWinner(t *testing.T) {
	repo := &racingRepo{MatchStore: memory.NewMatchStore()}
	s := NewStore(repo, nil, nil, nil)

	m, err := s.CreateMatch(context.Background(), "alice", "bob")
	require.NoError(t, err)

	winner, err := repo.FindActiveByPair(context.Background(), "alice", "bob")
	require.NoError(t, err)
	require.NotNil(t, winner)
	assert.Equal(t, winner.ID, m.ID)
	assert.Equal(t, 1, repo.Active("alice", "bob"))
}

// slowMatches adds latency to every repository call so overlapping creates
// actually interleave.
type slowMatches struct {
	*memory.MatchStore
	delay time.Duration
}

func (s *slowMatches) FindActiveByPair(ctx context.Context, a, b string) (*models.Match, error) {
	time.Sleep(s.delay)
	return s.MatchStore.FindActiveByPair(ctx, a, b)
}

func (s *slowMatches) FindActiveByUser(ctx context.Context, userID string) (*models.Match, error) {
	time.Sleep(s.delay)
	return s.MatchStore.FindActiveByUser(ctx, userID)
}

func (s *slowMatches) Create(ctx context.Context, a, b, channelID string) (*models.Match, error) {
	time.Sleep(s.delay)
	return s.MatchStore.Create(ctx, a, b, channelID)
}

func TestStore_ParticipantHoldsOneActiveMatch(t *testing.T) {
	ctx := context.Background()

	for _, tt := range []struct {
		name    string
		durable repository.MatchRepository
	}{
		{"durable", memory.NewMatchStore()},
		{"ephemeral", nil},
	} {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(tt.durable, nil, nil, nil)

			m, err := s.CreateMatch(ctx, "alice", "bob")
			require.NoError(t, err)

			_, err = s.CreateMatch(ctx, "carol", "alice")
			assert.ErrorIs(t, err, ErrParticipantBusy)
			_, err = s.CreateMatch(ctx, "bob", "carol")
			assert.ErrorIs(t, err, ErrParticipantBusy)

			active, err := s.GetActiveMatch(ctx, "alice")
			require.NoError(t, err)
			require.NotNil(t, active)
			assert.Equal(t, m.ID, active.ID)

			require.NoError(t, s.EndMatch(ctx, m.ID))
			next, err := s.CreateMatch(ctx, "carol", "alice")
			require.NoError(t, err)
			assert.Equal(t, "match-alice-carol", next.ChannelID)
		})
	}
}

func TestStore_OverlappingPairsShareNoParticipant(t *testing.T) {
	durable := &slowMatches{MatchStore: memory.NewMatchStore(), delay: 5 * time.Millisecond}
	s := NewStore(durable, nil, nil, nil)
	ctx := context.Background()

	pairs := [][2]string{{"alice", "bob"}, {"carol", "alice"}, {"bob", "carol"}}
	errs := make([]error, len(pairs))
	var wg sync.WaitGroup
	for i, p := range pairs {
		wg.Add(1)
		go func(i int, a, b string) {
			defer wg.Done()
			_, errs[i] = s.CreateMatch(ctx, a, b)
		}(i, p[0], p[1])
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, ErrParticipantBusy)
	}
	assert.Equal(t, 1, created)

	total := durable.Active("alice", "bob") + durable.Active("alice", "carol") + durable.Active("bob", "carol")
	assert.Equal(t, 1, total)
}
