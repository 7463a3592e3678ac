package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lalith-99/yapstream/internal/models"
	"github.com/lalith-99/yapstream/internal/observ"
	"github.com/lalith-99/yapstream/internal/repository"
	"go.uber.org/zap"
)

var (
	// ErrSelfMatch is returned when both sides of a pair are the same participant.
	ErrSelfMatch = errors.New("cannot match a participant with themselves")

	// ErrParticipantBusy is returned by CreateMatch when either side already
	// has an active match with someone else.
	ErrParticipantBusy = errors.New("participant already has an active match")
)

const (
	backendDurable   = "durable"
	backendEphemeral = "ephemeral"
)

// Availability records whether the durable match table can be used.
// Once degraded it stays degraded for the life of the process.
type Availability struct {
	degraded atomic.Bool
}

func (a *Availability) Degraded() bool { return a.degraded.Load() }

// MarkDegraded flips the flag and reports whether this call did it.
func (a *Availability) MarkDegraded() bool {
	return a.degraded.CompareAndSwap(false, true)
}

// Store is the match lifecycle store. Matches live in the durable
// repository when it is usable and in a process-local map keyed by the
// sorted pair otherwise. The map is always consulted first.
type Store struct {
	durable repository.MatchRepository
	avail   *Availability
	logger  *zap.Logger
	metrics *observ.Metrics
	now     func() time.Time

	locks userLocks

	mu       sync.Mutex
	fallback map[string]models.Match
}

// NewStore builds a store over durable. A nil durable repository starts
// the store in degraded mode.
func NewStore(durable repository.MatchRepository, avail *Availability, logger *zap.Logger, metrics *observ.Metrics) *Store {
	if avail == nil {
		avail = &Availability{}
	}
	if metrics == nil {
		metrics = observ.NopMetrics()
	}
	s := &Store{
		durable:  durable,
		avail:    avail,
		logger:   observ.OrNop(logger).Named("matches"),
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
		fallback: make(map[string]models.Match),
	}
	if durable == nil {
		avail.MarkDegraded()
	}
	return s
}

func (s *Store) Degraded() bool { return s.avail.Degraded() }

// CreateMatch returns the active match for the pair, creating one if none
// exists. A participant is in at most one active match: creates are
// serialized per participant, and a pair where either side is already
// matched elsewhere gets ErrParticipantBusy.
func (s *Store) CreateMatch(ctx context.Context, a, b string) (*models.Match, error) {
	if a == b {
		return nil, ErrSelfMatch
	}
	lo, hi := models.SortedPair(a, b)
	key := models.PairKey(lo, hi)

	// Sorted lock order keeps two overlapping pairs from deadlocking.
	defer s.locks.lock(lo)()
	defer s.locks.lock(hi)()

	if m, ok := s.fallbackGet(key); ok {
		return &m, nil
	}
	if s.fallbackInvolves(lo) || s.fallbackInvolves(hi) {
		return nil, ErrParticipantBusy
	}
	if s.Degraded() {
		return s.createEphemeral(lo, hi), nil
	}

	for _, userID := range []string{lo, hi} {
		existing, err := s.durable.FindActiveByUser(ctx, userID)
		if err != nil {
			return s.durableFailed("find active match", err, lo, hi), nil
		}
		if existing == nil {
			continue
		}
		if models.PairKey(existing.UserAID, existing.UserBID) == key {
			return existing, nil
		}
		return nil, ErrParticipantBusy
	}

	created, err := s.durable.Create(ctx, lo, hi, models.PairChannelID(lo, hi))
	switch {
	case err == nil:
		s.metrics.MatchesCreated.WithLabelValues(backendDurable).Inc()
		s.logger.Info("match created",
			zap.String("match_id", created.ID),
			zap.String("channel_id", created.ChannelID),
		)
		return created, nil
	case errors.Is(err, repository.ErrConflict):
		// Another process won the insert. Either it matched this same pair,
		// or it matched one of the two with someone else.
		existing, ferr := s.durable.FindActiveByPair(ctx, lo, hi)
		if ferr != nil {
			return nil, fmt.Errorf("reload conflicting match: %w", ferr)
		}
		if existing == nil {
			return nil, ErrParticipantBusy
		}
		return existing, nil
	default:
		return s.durableFailed("create match", err, lo, hi), nil
	}
}

// durableFailed falls back to an ephemeral match. A missing schema makes
// the fallback permanent; any other error only affects this call.
func (s *Store) durableFailed(op string, err error, lo, hi string) *models.Match {
	if errors.Is(err, repository.ErrSchemaMissing) {
		s.degrade(err)
	} else {
		s.logger.Warn("durable match store failed, using ephemeral match",
			zap.String("op", op),
			zap.String("pair", models.PairKey(lo, hi)),
			zap.Error(err),
		)
	}
	return s.createEphemeral(lo, hi)
}

func (s *Store) degrade(err error) {
	if s.avail.MarkDegraded() {
		s.logger.Warn("matches table unavailable, keeping matches in memory for this process", zap.Error(err))
	}
}

// createEphemeral must be called with both participants' locks held.
func (s *Store) createEphemeral(lo, hi string) *models.Match {
	channelID := models.PairChannelID(lo, hi)
	m := models.Match{
		ID:        channelID,
		UserAID:   lo,
		UserBID:   hi,
		ChannelID: channelID,
		Status:    models.MatchActive,
		CreatedAt: s.now(),
	}
	s.mu.Lock()
	s.fallback[models.PairKey(lo, hi)] = m
	s.mu.Unlock()

	s.metrics.MatchesCreated.WithLabelValues(backendEphemeral).Inc()
	s.logger.Info("ephemeral match created", zap.String("match_id", m.ID))
	return &m
}

func (s *Store) fallbackGet(key string) (models.Match, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.fallback[key]
	return m, ok
}

func (s *Store) fallbackInvolves(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.fallback {
		if m.Involves(userID) {
			return true
		}
	}
	return false
}

// GetActiveMatch returns userID's active match, or nil, nil.
func (s *Store) GetActiveMatch(ctx context.Context, userID string) (*models.Match, error) {
	s.mu.Lock()
	var found *models.Match
	for _, m := range s.fallback {
		if m.Involves(userID) && (found == nil || m.CreatedAt.After(found.CreatedAt)) {
			cp := m
			found = &cp
		}
	}
	s.mu.Unlock()
	if found != nil {
		return found, nil
	}
	if s.Degraded() {
		return nil, nil
	}

	m, err := s.durable.FindActiveByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrSchemaMissing) {
			s.degrade(err)
			return nil, nil
		}
		return nil, fmt.Errorf("get active match: %w", err)
	}
	return m, nil
}

// EndMatch ends a match. Ending a missing or already-ended match succeeds.
func (s *Store) EndMatch(ctx context.Context, matchID string) error {
	s.mu.Lock()
	for key, m := range s.fallback {
		if m.ID == matchID {
			delete(s.fallback, key)
		}
	}
	s.mu.Unlock()

	if s.Degraded() {
		return nil
	}
	err := s.durable.MarkEnded(ctx, matchID)
	switch {
	case err == nil, errors.Is(err, repository.ErrNotFound):
		return nil
	case errors.Is(err, repository.ErrSchemaMissing):
		s.degrade(err)
		return nil
	default:
		return fmt.Errorf("end match: %w", err)
	}
}

// userLocks hands out one mutex per participant and forgets it once unused.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func (p *userLocks) lock(key string) func() {
	p.mu.Lock()
	if p.locks == nil {
		p.locks = make(map[string]*userLock)
	}
	l := p.locks[key]
	if l == nil {
		l = &userLock{}
		p.locks[key] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, key)
		}
		p.mu.Unlock()
	}
}
