// Package chat ties together everything a participant needs while a room
// is open: the message stream, the presence list and typing signals.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lalith-99/yapstream/internal/models"
	"github.com/lalith-99/yapstream/internal/observ"
	"github.com/lalith-99/yapstream/internal/presence"
	"github.com/lalith-99/yapstream/internal/realtime"
	"github.com/lalith-99/yapstream/internal/stream"
	"github.com/lalith-99/yapstream/internal/typing"
	"go.uber.org/zap"
)

// Part is a bit set naming the pieces of a session that changed.
type Part uint8

const (
	PartMessages Part = 1 << iota
	PartPresence
	PartTyping
)

func (p Part) Has(q Part) bool { return p&q != 0 }

type Option func(*config)

type config struct {
	typingTTL  time.Duration
	typingIdle time.Duration
	avatarURL  string
	metrics    *observ.Metrics
}

// WithTyping overrides the typing expiry and local idle timeout.
func WithTyping(ttl, idle time.Duration) Option {
	return func(c *config) {
		c.typingTTL = ttl
		c.typingIdle = idle
	}
}

func WithAvatarURL(url string) Option {
	return func(c *config) { c.avatarURL = url }
}

func WithMetrics(m *observ.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// Session is one participant's open room.
type Session struct {
	roomID   string
	self     models.Participant
	logger   *zap.Logger
	metrics  *observ.Metrics
	messages *stream.Reconciler
	presence *presence.Tracker
	typing   *typing.Relay

	updates chan struct{}

	mu     sync.Mutex
	dirty  Part
	closed bool
}

// Open subscribes to the room's messages, presence and typing topics.
// If any of them fails the ones already opened are closed again.
func Open(ctx context.Context, transport realtime.Transport, store stream.Store, roomID string, self models.Participant, logger *zap.Logger, opts ...Option) (*Session, error) {
	cfg := config{typingTTL: typing.DefaultTTL, typingIdle: typing.DefaultIdle}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = observ.NopMetrics()
	}
	logger = observ.OrNop(logger)

	s := &Session{
		roomID:  roomID,
		self:    self,
		logger:  logger.Named("chat").With(zap.String("room_id", roomID), zap.String("user_id", self.ID)),
		metrics: cfg.metrics,
		updates: make(chan struct{}, 1),
	}

	var err error
	s.messages, err = stream.Open(ctx, transport, store, roomID, self, logger,
		stream.WithOnChange(s.notify(PartMessages)),
		stream.WithAvatarURL(cfg.avatarURL),
	)
	if err != nil {
		return nil, fmt.Errorf("open room %s: %w", roomID, err)
	}

	s.presence, err = presence.Join(ctx, transport, roomID, self, logger,
		presence.WithOnChange(s.notify(PartPresence)),
	)
	if err != nil {
		_ = s.messages.Close(ctx)
		return nil, fmt.Errorf("open room %s: %w", roomID, err)
	}

	s.typing, err = typing.Join(ctx, transport, roomID, self, logger,
		typing.WithTTL(cfg.typingTTL),
		typing.WithIdle(cfg.typingIdle),
		typing.WithOnChange(s.notify(PartTyping)),
	)
	if err != nil {
		_ = s.presence.Leave(ctx)
		_ = s.messages.Close(ctx)
		return nil, fmt.Errorf("open room %s: %w", roomID, err)
	}

	s.logger.Debug("room session opened")
	return s, nil
}

func (s *Session) notify(part Part) func() {
	return func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.dirty |= part
		s.mu.Unlock()

		select {
		case s.updates <- struct{}{}:
		default:
		}
	}
}

// Updates signals that Pending has something to report. Signals coalesce.
func (s *Session) Updates() <-chan struct{} { return s.updates }

// Pending returns the parts changed since the last call and clears them.
func (s *Session) Pending() Part {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.dirty
	s.dirty = 0
	return p
}

func (s *Session) RoomID() string { return s.roomID }

func (s *Session) Messages() []models.Message { return s.messages.Messages() }

// Online lists the participants currently in the room, including self.
func (s *Session) Online() []models.PresenceEntry { return s.presence.Online() }

func (s *Session) Typing() []models.TypingUser { return s.typing.Typing() }

// Connected reports whether all three feeds are live.
func (s *Session) Connected() bool {
	return s.messages.Connected() && s.presence.Connected() && s.typing.Connected()
}

// Send stops the local typing signal and posts content.
func (s *Session) Send(ctx context.Context, content string) (*models.Message, error) {
	s.typing.Stop()
	msg, err := s.messages.Send(ctx, content)
	if err != nil {
		if !errors.Is(err, stream.ErrEmptyMessage) {
			s.metrics.MessagesSent.WithLabelValues("error").Inc()
			s.logger.Warn("failed to send message", zap.Error(err))
		}
		return nil, err
	}
	s.metrics.MessagesSent.WithLabelValues("ok").Inc()
	return msg, nil
}

// InputChanged reports a local edit of the draft.
func (s *Session) InputChanged(ctx context.Context, text string) error {
	return s.typing.InputChanged(ctx, text)
}

// StopTyping is called when the input loses focus.
func (s *Session) StopTyping() { s.typing.Stop() }

// Refresh refetches the room's history.
func (s *Session) Refresh(ctx context.Context) ([]models.Message, error) {
	return s.messages.Refresh(ctx)
}

// Close leaves all three topics and cancels every pending timer.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.dirty = 0
	s.mu.Unlock()

	err := errors.Join(
		s.typing.Close(ctx),
		s.presence.Leave(ctx),
		s.messages.Close(ctx),
	)
	s.logger.Debug("room session closed")
	return err
}
