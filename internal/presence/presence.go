// Package presence tracks who is live in a room.
//
// Each participant tracks itself on the room's presence topic once the
// subscription is confirmed. The tracker's view is rebuilt from the full
// state the transport hands over with every sync, join and leave, so a
// leave removes the participant immediately and a resync after a reconnect
// replaces anything stale.
package presence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/lalith-99/yapstream/internal/models"
	"github.com/lalith-99/yapstream/internal/realtime"
	"go.uber.org/zap"
)

// Topic is the presence topic name for a room.
func Topic(roomID string) string { return "presence:" + roomID }

type Option func(*Tracker)

// WithOnChange registers a callback fired after every change to the
// online list or connection state. It runs on the transport's dispatch
// goroutine and must not block.
func WithOnChange(fn func()) Option {
	return func(t *Tracker) { t.onChange = fn }
}

// WithClock overrides the clock used for the joined-at timestamp.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

type Tracker struct {
	roomID string
	self   models.Participant
	ch     realtime.Channel
	logger *zap.Logger

	onChange func()
	now      func() time.Time

	// ctx scopes the Track calls made from the status callback.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	entries   []models.PresenceEntry
	connected bool
}

// Join subscribes to the room's presence topic. The participant is tracked
// as soon as the transport confirms the subscription, and again after every
// reconnect.
func Join(ctx context.Context, transport realtime.Transport, roomID string, self models.Participant, logger *zap.Logger, opts ...Option) (*Tracker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		roomID:   roomID,
		self:     self,
		logger:   logger.Named("presence").With(zap.String("room_id", roomID), zap.String("user_id", self.ID)),
		onChange: func() {},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.ch = transport.Channel(Topic(roomID), realtime.ChannelOptions{PresenceKey: self.ID})
	t.ch.OnPresence(t.handlePresence)

	if err := t.ch.Subscribe(ctx, t.handleStatus); err != nil {
		t.cancel()
		_ = t.ch.Close(ctx)
		return nil, err
	}
	return t, nil
}

func (t *Tracker) handleStatus(status realtime.Status, err error) {
	switch status {
	case realtime.StatusSubscribed:
		t.setConnected(true)
		entry := models.PresenceEntry{
			UserID:      t.self.ID,
			DisplayName: t.self.DisplayName,
			JoinedAt:    t.now().UTC(),
		}
		if err := t.ch.Track(t.ctx, entry); err != nil && t.ctx.Err() == nil {
			// Presence errors never reach the caller; the next resubscribe retries.
			t.logger.Warn("failed to track presence", zap.Error(err))
		}
	default:
		t.logger.Warn("presence subscription interrupted", zap.String("status", string(status)), zap.Error(err))
		t.setConnected(false)
	}
}

func (t *Tracker) handlePresence(ev realtime.PresenceEvent) {
	entries := make([]models.PresenceEntry, 0, len(ev.State))
	for key, raw := range ev.State {
		var e models.PresenceEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			t.logger.Warn("ignoring malformed presence payload", zap.String("key", key), zap.Error(err))
			continue
		}
		if e.UserID == "" {
			e.UserID = key
		}
		if e.DisplayName == "" {
			e.DisplayName = key
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].JoinedAt.Before(entries[j].JoinedAt)
		}
		return entries[i].UserID < entries[j].UserID
	})

	t.mu.Lock()
	t.entries = entries
	t.mu.Unlock()
	t.onChange()
}

func (t *Tracker) setConnected(v bool) {
	t.mu.Lock()
	changed := t.connected != v
	t.connected = v
	t.mu.Unlock()
	if changed {
		t.onChange()
	}
}

// Online returns every tracked participant, including the local one,
// ordered by join time.
func (t *Tracker) Online() []models.PresenceEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]models.PresenceEntry(nil), t.entries...)
}

// Others returns the tracked participants other than the local one.
func (t *Tracker) Others() []models.PresenceEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.PresenceEntry, 0, len(t.entries))
	for _, e := range t.entries {
		if e.UserID != t.self.ID {
			out = append(out, e)
		}
	}
	return out
}

// Lookup returns the presence entry for a participant, if online.
func (t *Tracker) Lookup(userID string) (models.PresenceEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.UserID == userID {
			return e, true
		}
	}
	return models.PresenceEntry{}, false
}

// Connected reports whether the presence subscription is currently live.
func (t *Tracker) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Leave untracks the local participant, then tears down the subscription,
// so peers see the leave before the channel goes away.
func (t *Tracker) Leave(ctx context.Context) error {
	t.cancel()
	untrackErr := t.ch.Untrack(ctx)
	if untrackErr != nil {
		t.logger.Warn("failed to untrack presence", zap.Error(untrackErr))
	}
	return t.ch.Close(ctx)
}
