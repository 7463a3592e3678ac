package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/yapstream/internal/models"
	"github.com/lalith-99/yapstream/internal/repository"
)

// MatchStore keeps matches in a slice, newest last. Like the Postgres
// schema it allows one active match per pair and one per participant.
type MatchStore struct {
	mu      sync.Mutex
	matches []*models.Match
	now     func() time.Time

	err   error
	calls int
}

func NewMatchStore() *MatchStore {
	return &MatchStore{now: func() time.Time { return time.Now().UTC() }}
}

func (s *MatchStore) FindActiveByPair(ctx context.Context, a, b string) (*models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	key := models.PairKey(a, b)
	for _, m := range s.matches {
		if m.Status == models.MatchActive && models.PairKey(m.UserAID, m.UserBID) == key {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MatchStore) FindActiveByUser(ctx context.Context, userID string) (*models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	for i := len(s.matches) - 1; i >= 0; i-- {
		m := s.matches[i]
		if m.Status == models.MatchActive && m.Involves(userID) {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MatchStore) Create(ctx context.Context, a, b, channelID string) (*models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	for _, m := range s.matches {
		if m.Status == models.MatchActive && (m.Involves(a) || m.Involves(b)) {
			return nil, repository.ErrConflict
		}
	}
	m := &models.Match{
		ID:        uuid.NewString(),
		UserAID:   a,
		UserBID:   b,
		ChannelID: channelID,
		Status:    models.MatchActive,
		CreatedAt: s.now(),
	}
	s.matches = append(s.matches, m)
	cp := *m
	return &cp, nil
}

func (s *MatchStore) MarkEnded(ctx context.Context, matchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	for _, m := range s.matches {
		if m.ID == matchID {
			m.Status = models.MatchEnded
		}
	}
	return nil
}

// Active counts active matches for the unordered pair.
func (s *MatchStore) Active(a, b string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.PairKey(a, b)
	n := 0
	for _, m := range s.matches {
		if m.Status == models.MatchActive && models.PairKey(m.UserAID, m.UserBID) == key {
			n++
		}
	}
	return n
}

// CallCount returns how many repository methods have been invoked.
func (s *MatchStore) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// SetErr makes every method return err. Tests use it to simulate an
// unreachable or unprovisioned store.
func (s *MatchStore) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
