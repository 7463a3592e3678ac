// Package typing relays ephemeral "user X is typing" signals for a room.
//
// Nothing is persisted. A receiver keeps a sender in its typing set until
// the sender has been quiet for the TTL; every new signal from the same
// sender restarts that sender's timer. Expiry on the receiving side is the
// only cleanup, so a lost "stopped" never leaves a stale indicator.
package typing

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lalith-99/yapstream/internal/models"
	"github.com/lalith-99/yapstream/internal/realtime"
	"go.uber.org/zap"
)

const (
	DefaultTTL  = 3 * time.Second
	DefaultIdle = 2 * time.Second

	eventTyping = "typing"
)

// Topic is the typing topic name for a room.
func Topic(roomID string) string { return "typing:" + roomID }

type Option func(*Relay)

// WithTTL sets how long a sender stays in the typing set after its last signal.
func WithTTL(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithIdle sets how long local input may sit untouched before sending stops.
func WithIdle(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.idle = d
		}
	}
}

// WithOnChange registers a callback fired whenever the typing set changes.
// It may run on a timer goroutine and must not block.
func WithOnChange(fn func()) Option {
	return func(r *Relay) { r.onChange = fn }
}

type typer struct {
	user  models.TypingUser
	timer *time.Timer
	gen   uint64
}

type Relay struct {
	roomID   string
	self     models.Participant
	ch       realtime.Channel
	logger   *zap.Logger
	ttl      time.Duration
	idle     time.Duration
	onChange func()

	mu        sync.Mutex
	typers    map[string]*typer
	idleTimer *time.Timer
	sending   bool
	connected bool
	closed    bool
}

// Join subscribes to the room's typing topic. Own broadcasts are not echoed.
func Join(ctx context.Context, transport realtime.Transport, roomID string, self models.Participant, logger *zap.Logger, opts ...Option) (*Relay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{
		roomID:   roomID,
		self:     self,
		logger:   logger.Named("typing").With(zap.String("room_id", roomID), zap.String("user_id", self.ID)),
		ttl:      DefaultTTL,
		idle:     DefaultIdle,
		onChange: func() {},
		typers:   make(map[string]*typer),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.ch = transport.Channel(Topic(roomID), realtime.ChannelOptions{PresenceKey: self.ID, BroadcastSelf: false})
	r.ch.OnBroadcast(eventTyping, r.receive)
	if err := r.ch.Subscribe(ctx, r.handleStatus); err != nil {
		_ = r.ch.Close(ctx)
		return nil, err
	}
	return r, nil
}

func (r *Relay) handleStatus(status realtime.Status, err error) {
	r.mu.Lock()
	r.connected = status == realtime.StatusSubscribed
	r.mu.Unlock()
	if status != realtime.StatusSubscribed {
		r.logger.Info("typing subscription status", zap.String("status", string(status)), zap.Error(err))
	}
}

func (r *Relay) receive(raw json.RawMessage) {
	var u models.TypingUser
	if err := json.Unmarshal(raw, &u); err != nil || u.UserID == "" {
		r.logger.Warn("ignoring malformed typing signal", zap.Error(err))
		return
	}
	if u.UserID == r.self.ID {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	t, ok := r.typers[u.UserID]
	if ok {
		// Cancel and reschedule; only the latest signal counts.
		t.timer.Stop()
		t.user = u
	} else {
		t = &typer{user: u}
		r.typers[u.UserID] = t
	}
	t.gen++
	t.timer = r.expireAfter(u.UserID, t, t.gen)
	r.mu.Unlock()

	if !ok {
		r.onChange()
	}
}

func (r *Relay) expireAfter(userID string, t *typer, gen uint64) *time.Timer {
	return time.AfterFunc(r.ttl, func() {
		r.mu.Lock()
		// A reschedule may have raced this timer; only the latest generation expires.
		if cur, ok := r.typers[userID]; !ok || cur != t || cur.gen != gen || r.closed {
			r.mu.Unlock()
			return
		}
		delete(r.typers, userID)
		r.mu.Unlock()
		r.onChange()
	})
}

// Typing returns the participants currently typing, ordered by display name.
func (r *Relay) Typing() []models.TypingUser {
	r.mu.Lock()
	out := make([]models.TypingUser, 0, len(r.typers))
	for _, t := range r.typers {
		out = append(out, t.user)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// NotifyTyping broadcasts the local participant as typing.
func (r *Relay) NotifyTyping(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return realtime.ErrChannelClosed
	}
	r.sending = true
	r.mu.Unlock()

	return r.ch.Send(ctx, eventTyping, models.TypingUser{UserID: r.self.ID, DisplayName: r.self.DisplayName})
}

// InputChanged is called on every local edit. Non-empty input signals
// typing while connected; either way the idle timer restarts, and when it
// fires the relay stops sending until the next edit.
func (r *Relay) InputChanged(ctx context.Context, text string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return realtime.ErrChannelClosed
	}
	if r.idleTimer != nil {
		r.idleTimer.Stop()
	}
	r.idleTimer = time.AfterFunc(r.idle, r.Stop)
	connected := r.connected
	r.mu.Unlock()

	if strings.TrimSpace(text) == "" || !connected {
		return nil
	}
	return r.NotifyTyping(ctx)
}

// Stop halts sending immediately, as on message send or input blur.
// Receivers drop the indicator on their own once it expires.
func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}
	r.sending = false
}

// Sending reports whether the local participant is currently signalling.
func (r *Relay) Sending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sending
}

// Connected reports whether the typing subscription is live.
func (r *Relay) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Close cancels every pending timer and leaves the topic.
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for id, t := range r.typers {
		t.timer.Stop()
		delete(r.typers, id)
	}
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}
	r.sending = false
	r.mu.Unlock()

	return r.ch.Close(ctx)
}
