// Package stream keeps one room's message list consistent by merging the
// stored history with the live change feed.
//
// The view is de-duplicated by message id and ordered by created_at, with
// ties kept in arrival order. Every time the live subscription is
// (re)established the history is fetched again and replaces the view, which
// heals anything missed while disconnected.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/yapstream/internal/models"
	"github.com/lalith-99/yapstream/internal/realtime"
	"go.uber.org/zap"
)

const (
	// TempPrefix marks optimistic entries that the store has not confirmed.
	TempPrefix = "temp-"

	messagesTable = "messages"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrClosed       = errors.New("stream closed")
)

// Topic is the change topic name for a room.
func Topic(roomID string) string { return "messages:" + roomID }

// Store is the slice of the message repository the reconciler needs.
type Store interface {
	ListByRoom(ctx context.Context, roomID string) ([]models.Message, error)
	Create(ctx context.Context, msg models.NewMessage) (*models.Message, error)
}

type Option func(*Reconciler)

// WithOnChange registers a callback fired after every change to the view
// or connection state. It must not block.
func WithOnChange(fn func()) Option {
	return func(r *Reconciler) { r.onChange = fn }
}

// WithAvatarURL sets the avatar stamped on messages this participant sends.
func WithAvatarURL(url string) Option {
	return func(r *Reconciler) { r.avatarURL = url }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

type Reconciler struct {
	roomID    string
	self      models.Participant
	avatarURL string
	store     Store
	ch        realtime.Channel
	logger    *zap.Logger
	onChange  func()
	now       func() time.Time

	// ctx scopes fetches made from the status callback; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	messages  []models.Message
	pending   map[string]bool
	connected bool
	closed    bool
}

// Open fetches the room's history and subscribes to its live changes.
// A failed history fetch is logged and leaves the view empty; the resync
// on subscribe gets another chance.
func Open(ctx context.Context, transport realtime.Transport, store Store, roomID string, self models.Participant, logger *zap.Logger, opts ...Option) (*Reconciler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reconciler{
		roomID:   roomID,
		self:     self,
		store:    store,
		logger:   logger.Named("stream").With(zap.String("room_id", roomID)),
		onChange: func() {},
		now:      time.Now,
		pending:  make(map[string]bool),
		messages: []models.Message{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	if history, err := store.ListByRoom(ctx, roomID); err != nil {
		r.logger.Error("failed to fetch messages", zap.Error(err))
	} else {
		r.messages = history
	}

	r.ch = transport.Channel(Topic(roomID), realtime.ChannelOptions{PresenceKey: self.ID})
	r.ch.OnChange(realtime.ChangeFilter{Table: messagesTable, Column: "channel_id", Value: roomID}, r.handleChange)
	if err := r.ch.Subscribe(ctx, r.handleStatus); err != nil {
		r.cancel()
		_ = r.ch.Close(ctx)
		return nil, fmt.Errorf("subscribe messages: %w", err)
	}
	return r, nil
}

func (r *Reconciler) handleStatus(status realtime.Status, err error) {
	if status != realtime.StatusSubscribed {
		r.logger.Warn("message subscription interrupted", zap.String("status", string(status)), zap.Error(err))
		r.setConnected(false)
		return
	}
	r.setConnected(true)

	// Runs on the channel's dispatch goroutine, so live events queued
	// behind it apply on top of the fresh list.
	history, ferr := r.store.ListByRoom(r.ctx, r.roomID)
	if ferr != nil {
		if r.ctx.Err() == nil {
			r.logger.Error("failed to resync messages, keeping current view", zap.Error(ferr))
		}
		return
	}
	r.replace(history)
}

func (r *Reconciler) handleChange(c realtime.Change) {
	switch c.Type {
	case realtime.ChangeInsert:
		var m models.Message
		if err := json.Unmarshal(c.Record, &m); err != nil {
			r.logger.Warn("ignoring malformed insert", zap.Error(err))
			return
		}
		r.mu.Lock()
		added := r.insertLocked(m)
		r.mu.Unlock()
		if added {
			r.onChange()
		}

	case realtime.ChangeUpdate:
		var m models.Message
		if err := json.Unmarshal(c.Record, &m); err != nil {
			r.logger.Warn("ignoring malformed update", zap.Error(err))
			return
		}
		r.mu.Lock()
		i := r.indexLocked(m.ID)
		if i >= 0 {
			r.messages[i] = m
		}
		r.mu.Unlock()
		if i >= 0 {
			r.onChange()
		}

	case realtime.ChangeDelete:
		id, ok := c.Column("id")
		if !ok {
			return
		}
		r.mu.Lock()
		removed := r.removeLocked(id)
		r.mu.Unlock()
		if removed {
			r.onChange()
		}
	}
}

// insertLocked adds m after every entry created at or before it.
// It reports false if an entry with the same id is already present.
func (r *Reconciler) insertLocked(m models.Message) bool {
	if r.indexLocked(m.ID) >= 0 {
		return false
	}
	i := len(r.messages)
	for i > 0 && r.messages[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	r.messages = append(r.messages, models.Message{})
	copy(r.messages[i+1:], r.messages[i:])
	r.messages[i] = m
	return true
}

func (r *Reconciler) indexLocked(id string) int {
	for i := range r.messages {
		if r.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Reconciler) removeLocked(id string) bool {
	i := r.indexLocked(id)
	if i < 0 {
		return false
	}
	r.messages = append(r.messages[:i], r.messages[i+1:]...)
	return true
}

// replace swaps in a freshly fetched history, carrying over optimistic
// entries whose sends are still in flight.
func (r *Reconciler) replace(history []models.Message) {
	r.mu.Lock()
	next := make([]models.Message, 0, len(history)+len(r.pending))
	seen := make(map[string]bool, len(history))
	for _, m := range history {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		next = append(next, m)
	}
	for _, m := range r.messages {
		if r.pending[m.ID] {
			next = append(next, m)
		}
	}
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].CreatedAt.Before(next[j].CreatedAt)
	})
	r.messages = next
	r.mu.Unlock()
	r.onChange()
}

func (r *Reconciler) setConnected(v bool) {
	r.mu.Lock()
	changed := r.connected != v
	r.connected = v
	r.mu.Unlock()
	if changed {
		r.onChange()
	}
}

// Send appends an optimistic entry, writes the message, then swaps the
// entry for the stored copy. On a failed write the entry is removed and
// the error is returned so the caller can restore its draft.
func (r *Reconciler) Send(ctx context.Context, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}

	temp := models.Message{
		ID:                TempPrefix + uuid.NewString(),
		Content:           content,
		AuthorID:          r.self.ID,
		AuthorDisplayName: r.self.DisplayName,
		AvatarURL:         r.avatarURL,
		RoomID:            r.roomID,
		CreatedAt:         r.now().UTC(),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.insertLocked(temp)
	r.pending[temp.ID] = true
	r.mu.Unlock()
	r.onChange()

	saved, err := r.store.Create(ctx, models.NewMessage{
		Content:           content,
		AuthorID:          r.self.ID,
		AuthorDisplayName: r.self.DisplayName,
		AvatarURL:         r.avatarURL,
		RoomID:            r.roomID,
	})

	r.mu.Lock()
	delete(r.pending, temp.ID)
	r.removeLocked(temp.ID)
	if err == nil {
		// The live echo may already have delivered the stored copy.
		r.insertLocked(*saved)
	}
	r.mu.Unlock()
	r.onChange()

	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return saved, nil
}

// Refresh refetches the history and replaces the view. Unlike the
// automatic resync, a failure is returned to the caller.
func (r *Reconciler) Refresh(ctx context.Context) ([]models.Message, error) {
	history, err := r.store.ListByRoom(ctx, r.roomID)
	if err != nil {
		return nil, fmt.Errorf("refresh messages: %w", err)
	}
	r.replace(history)
	return r.Messages(), nil
}

// Messages returns a copy of the current view.
func (r *Reconciler) Messages() []models.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.Message{}, r.messages...)
}

func (r *Reconciler) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

func (r *Reconciler) RoomID() string { return r.roomID }

// Close unsubscribes from the live feed. A send already in flight still
// completes against the store.
func (r *Reconciler) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	return r.ch.Close(ctx)
}
