// Package matching pairs waiting participants one-to-one.
//
// Every searching participant tracks itself on one shared presence topic.
// Whenever that participant sees the queue change it picks the first other
// free participant in key order and asks the Store for their match. The
// Store hands both sides the same match, so it does not matter who gets
// there first, and it refuses a pair where either side was just matched
// elsewhere. A Membership yields at most one Result and then leaves the
// queue.
package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lalith-99/yapstream/internal/models"
	"github.com/lalith-99/yapstream/internal/observ"
	"github.com/lalith-99/yapstream/internal/realtime"
	"github.com/lalith-99/yapstream/internal/repository"
	"go.uber.org/zap"
)

const (
	// Topic is the shared presence topic every searching participant joins.
	Topic = "match-queue"

	DefaultCooldown = 2 * time.Second

	leaveTimeout = 5 * time.Second
)

// Result is delivered once a membership has been paired.
type Result struct {
	Match    models.Match `json:"match"`
	PeerID   string       `json:"peer_id"`
	PeerName string       `json:"peer_name"`
}

type searchEntry struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	SearchingAt time.Time `json:"searching_at"`
}

type QueueOption func(*Queue)

// WithCooldown sets how long a participant waits after its own create
// attempt before trying again on the next queue change.
func WithCooldown(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.cooldown = d
		}
	}
}

// WithProfiles lets peer names fall back to stored profiles.
func WithProfiles(profiles repository.ProfileRepository) QueueOption {
	return func(q *Queue) { q.profiles = profiles }
}

func WithMetrics(m *observ.Metrics) QueueOption {
	return func(q *Queue) { q.metrics = m }
}

type Queue struct {
	transport realtime.Transport
	store     *Store
	profiles  repository.ProfileRepository
	logger    *zap.Logger
	metrics   *observ.Metrics
	cooldown  time.Duration
	now       func() time.Time
}

func NewQueue(transport realtime.Transport, store *Store, logger *zap.Logger, opts ...QueueOption) *Queue {
	q := &Queue{
		transport: transport,
		store:     store,
		logger:    observ.OrNop(logger).Named("queue"),
		cooldown:  DefaultCooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.metrics == nil {
		q.metrics = observ.NopMetrics()
	}
	return q
}

// Membership is one participant's place in the queue.
type Membership struct {
	q       *Queue
	self    models.Participant
	ch      realtime.Channel
	logger  *zap.Logger
	results chan Result
	since   time.Time

	// ctx scopes store calls made from presence callbacks.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	busy        bool
	done        bool
	lastAttempt time.Time
}

// Join puts self in the queue. The participant is announced once the
// subscription is confirmed and again after any reconnect.
func (q *Queue) Join(ctx context.Context, self models.Participant) (*Membership, error) {
	m := &Membership{
		q:       q,
		self:    self,
		logger:  q.logger.With(zap.String("user_id", self.ID)),
		results: make(chan Result, 1),
		since:   q.now().UTC(),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.ch = q.transport.Channel(Topic, realtime.ChannelOptions{PresenceKey: self.ID})
	m.ch.OnPresence(m.handlePresence)
	if err := m.ch.Subscribe(ctx, m.handleStatus); err != nil {
		m.cancel()
		_ = m.ch.Close(ctx)
		return nil, fmt.Errorf("join match queue: %w", err)
	}
	q.metrics.QueueSize.Inc()
	m.logger.Info("joined match queue")
	return m, nil
}

// Matched yields the pairing result, then closes. It closes without a
// value if the membership is left first.
func (m *Membership) Matched() <-chan Result { return m.results }

func (m *Membership) handleStatus(status realtime.Status, err error) {
	if status != realtime.StatusSubscribed {
		m.logger.Warn("match queue subscription interrupted", zap.String("status", string(status)), zap.Error(err))
		return
	}
	entry := searchEntry{UserID: m.self.ID, Username: m.self.DisplayName, SearchingAt: m.since}
	if err := m.ch.Track(m.ctx, entry); err != nil && m.ctx.Err() == nil {
		m.logger.Warn("failed to announce in match queue", zap.Error(err))
	}
}

func (m *Membership) handlePresence(ev realtime.PresenceEvent) {
	if ev.Type == realtime.PresenceLeave {
		return
	}
	if _, tracked := ev.State[m.self.ID]; !tracked {
		return
	}
	if err := m.evaluate(m.ctx, ev.State, false); err != nil && m.ctx.Err() == nil {
		// The participant stays in the queue; a later change retries.
		m.logger.Warn("match attempt failed", zap.Error(err))
	}
}

// Refresh re-runs matching against the current queue, ignoring the
// cooldown. It returns the store error the automatic path would only log.
func (m *Membership) Refresh(ctx context.Context) error {
	return m.evaluate(ctx, m.ch.PresenceState(), true)
}

func (m *Membership) evaluate(ctx context.Context, state map[string]json.RawMessage, force bool) error {
	if !m.begin(force) {
		return nil
	}
	defer m.finish()

	own, err := m.q.store.GetActiveMatch(ctx, m.self.ID)
	if err != nil {
		return err
	}
	if own != nil {
		// The peer got there first.
		m.deliver(*own, own.PeerOf(m.self.ID))
		return nil
	}

	for _, peerID := range candidates(state, m.self.ID) {
		busy, err := m.q.store.GetActiveMatch(ctx, peerID)
		if err != nil {
			return err
		}
		if busy != nil && !busy.Involves(m.self.ID) {
			continue
		}

		m.mu.Lock()
		m.lastAttempt = m.q.now()
		m.mu.Unlock()

		match, err := m.q.store.CreateMatch(ctx, m.self.ID, peerID)
		switch {
		case errors.Is(err, ErrParticipantBusy):
			// Someone paired us or the peer in the meantime.
			own, err := m.q.store.GetActiveMatch(ctx, m.self.ID)
			if err != nil {
				return err
			}
			if own != nil {
				m.deliver(*own, own.PeerOf(m.self.ID))
				return nil
			}
			continue
		case err != nil:
			return fmt.Errorf("create match with %s: %w", peerID, err)
		}
		m.deliver(*match, peerID)
		return nil
	}
	return nil
}

func (m *Membership) begin(force bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done || m.busy {
		return false
	}
	if !force && !m.lastAttempt.IsZero() && m.q.now().Sub(m.lastAttempt) < m.q.cooldown {
		return false
	}
	m.busy = true
	return true
}

func (m *Membership) finish() {
	m.mu.Lock()
	m.busy = false
	m.mu.Unlock()
}

// candidates lists the other queued keys in a stable order.
func candidates(state map[string]json.RawMessage, self string) []string {
	out := make([]string, 0, len(state))
	for key := range state {
		if key != self {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Membership) deliver(match models.Match, peerID string) {
	if !m.markDone() {
		return
	}
	state := m.ch.PresenceState()
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := m.teardown(ctx); err != nil {
		m.logger.Warn("failed to close match queue channel", zap.Error(err))
	}

	res := Result{
		Match:    match,
		PeerID:   peerID,
		PeerName: PeerName(ctx, state, m.q.profiles, peerID, m.logger),
	}
	m.logger.Info("matched",
		zap.String("match_id", match.ID),
		zap.String("channel_id", match.ChannelID),
		zap.String("peer_id", peerID),
	)
	m.results <- res
	close(m.results)
}

// Leave untracks the participant and then closes the subscription, so
// peers see the leave before the channel disappears.
func (m *Membership) Leave(ctx context.Context) error {
	if !m.markDone() {
		return nil
	}
	err := m.teardown(ctx)
	close(m.results)
	m.logger.Info("left match queue")
	return err
}

func (m *Membership) markDone() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return false
	}
	m.done = true
	return true
}

func (m *Membership) teardown(ctx context.Context) error {
	if err := m.ch.Untrack(ctx); err != nil {
		m.logger.Warn("failed to leave match queue presence", zap.Error(err))
	}
	err := m.ch.Close(ctx)
	m.cancel()
	m.q.metrics.QueueSize.Dec()
	return err
}
