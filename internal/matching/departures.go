package matching

import (
	"context"
	"sync"
	"time"

	"github.com/lalith-99/yapstream/internal/observ"
	"github.com/lalith-99/yapstream/internal/presence"
	"github.com/lalith-99/yapstream/internal/realtime"
	"go.uber.org/zap"
)

const (
	DefaultLeaveGrace = 15 * time.Second

	departureTimeout = 5 * time.Second
)

// Departures ends a match once one of its participants has left the match
// room for longer than the grace period. A reconnect within the grace, from
// this process or any other sharing the transport, keeps the match.
type Departures struct {
	store  *Store
	reader realtime.PresenceReader
	grace  time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	pending map[departure]*pendingLeave
}

type departure struct {
	roomID string
	userID string
}

type pendingLeave struct {
	sessions int
	timer    *time.Timer
	gen      uint64
}

// NewDepartures builds a Departures. A nil reader treats every participant
// whose last local session closed as gone.
func NewDepartures(store *Store, reader realtime.PresenceReader, grace time.Duration, logger *zap.Logger) *Departures {
	if grace <= 0 {
		grace = DefaultLeaveGrace
	}
	return &Departures{
		store:   store,
		reader:  reader,
		grace:   grace,
		logger:  observ.OrNop(logger).Named("departures"),
		pending: make(map[departure]*pendingLeave),
	}
}

// Arrived records a session opening in roomID and cancels any pending end.
func (d *Departures) Arrived(roomID, userID string) {
	key := departure{roomID: roomID, userID: userID}
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.pending[key]
	if p == nil {
		p = &pendingLeave{}
		d.pending[key] = p
	}
	p.sessions++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
		p.gen++
	}
}

// Left records a session closing. When it was the participant's last
// session here, the match is ended after the grace period unless the
// participant is back by then.
func (d *Departures) Left(roomID, userID string) {
	key := departure{roomID: roomID, userID: userID}
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.pending[key]
	if p == nil {
		return
	}
	if p.sessions > 0 {
		p.sessions--
	}
	if p.sessions > 0 {
		return
	}
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(d.grace, func() { d.expire(key, gen) })
}

func (d *Departures) expire(key departure, gen uint64) {
	d.mu.Lock()
	p := d.pending[key]
	if p == nil || p.gen != gen || p.sessions > 0 {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), departureTimeout)
	defer cancel()
	logger := d.logger.With(zap.String("room_id", key.roomID), zap.String("user_id", key.userID))

	if d.reader != nil {
		back, err := d.reader.Tracked(ctx, presence.Topic(key.roomID), key.userID)
		if err != nil {
			logger.Warn("failed to check room presence", zap.Error(err))
			return
		}
		if back {
			return
		}
	}

	m, err := d.store.GetActiveMatch(ctx, key.userID)
	if err != nil {
		logger.Warn("failed to load active match", zap.Error(err))
		return
	}
	if m == nil || m.ChannelID != key.roomID {
		return
	}
	if err := d.store.EndMatch(ctx, m.ID); err != nil {
		logger.Warn("failed to end abandoned match", zap.String("match_id", m.ID), zap.Error(err))
		return
	}
	logger.Info("ended match after participant left", zap.String("match_id", m.ID))
}

// Pending reports how many room/participant pairs have an open session or
// a pending end.
func (d *Departures) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
