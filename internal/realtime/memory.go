package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryHub is an in-process Transport. Every channel created from the
// same hub shares one namespace, which is all a single process needs.
type MemoryHub struct {
	logger *zap.Logger
	events func(kind string)

	mu     sync.Mutex
	topics map[string]*memTopic
}

type memTopic struct {
	members  map[*memChannel]struct{}
	presence map[string]*presenceSlot
}

// presenceSlot is one presence key. It stays until every channel that
// tracked it has untracked, so a second tab closing does not hide the first.
type presenceSlot struct {
	payload json.RawMessage
	owners  map[*memChannel]struct{}
}

// MemoryOption configures a MemoryHub.
type MemoryOption func(*MemoryHub)

// WithMemoryEvents installs a callback invoked for each delivered event kind.
func WithMemoryEvents(fn func(kind string)) MemoryOption {
	return func(h *MemoryHub) { h.events = fn }
}

func NewMemoryHub(logger *zap.Logger, opts ...MemoryOption) *MemoryHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &MemoryHub{
		logger: logger.Named("realtime"),
		topics: make(map[string]*memTopic),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *MemoryHub) Channel(name string, opts ChannelOptions) Channel {
	if opts.PresenceKey == "" {
		opts.PresenceKey = uuid.NewString()
	}
	return &memChannel{
		hub:        h,
		dispatcher: newDispatcher(name, opts, h.logger, h.events),
	}
}

func (h *MemoryHub) PublishChange(ctx context.Context, change Change) error {
	h.mu.Lock()
	var targets []*memChannel
	for _, topic := range h.topics {
		for ch := range topic.members {
			if ch.wantsChanges() {
				targets = append(targets, ch)
			}
		}
	}
	h.mu.Unlock()

	for _, ch := range targets {
		ch.deliverChange(change)
	}
	return nil
}

// Interrupt simulates a dropped and re-established connection for every
// member of a topic: each gets CHANNEL_ERROR, then SUBSCRIBED and a fresh sync.
func (h *MemoryHub) Interrupt(name string) {
	h.mu.Lock()
	topic := h.topics[name]
	var members []*memChannel
	var state map[string]json.RawMessage
	if topic != nil {
		for ch := range topic.members {
			members = append(members, ch)
		}
		state = topic.snapshot()
	}
	h.mu.Unlock()

	for _, ch := range members {
		ch.deliverStatus(StatusChannelError, fmt.Errorf("connection to %q interrupted", name))
		ch.deliverStatus(StatusSubscribed, nil)
		ch.deliverPresence(PresenceEvent{Type: PresenceSync, State: state})
	}
}

// Members returns how many channels are subscribed to a topic.
func (h *MemoryHub) Members(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if topic := h.topics[name]; topic != nil {
		return len(topic.members)
	}
	return 0
}

func (t *memTopic) snapshot() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(t.presence))
	for k, slot := range t.presence {
		out[k] = slot.payload
	}
	return out
}

// Tracked reports whether any channel on topic name tracks key.
func (h *MemoryHub) Tracked(_ context.Context, name, key string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	topic := h.topics[name]
	if topic == nil {
		return false, nil
	}
	_, ok := topic.presence[key]
	return ok, nil
}

func (h *MemoryHub) members(name string) []*memChannel {
	topic := h.topics[name]
	if topic == nil {
		return nil
	}
	out := make([]*memChannel, 0, len(topic.members))
	for ch := range topic.members {
		out = append(out, ch)
	}
	return out
}

type memChannel struct {
	*dispatcher
	hub *MemoryHub

	mu         sync.Mutex
	subscribed bool
	closed     bool
	tracked    bool
}

func (c *memChannel) Subscribe(ctx context.Context, onStatus func(Status, error)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.subscribed = true
	c.mu.Unlock()

	c.setStatusHandler(onStatus)

	h := c.hub
	h.mu.Lock()
	topic := h.topics[c.name]
	if topic == nil {
		topic = &memTopic{
			members:  make(map[*memChannel]struct{}),
			presence: make(map[string]*presenceSlot),
		}
		h.topics[c.name] = topic
	}
	topic.members[c] = struct{}{}
	state := topic.snapshot()
	h.mu.Unlock()

	c.deliverStatus(StatusSubscribed, nil)
	c.deliverPresence(PresenceEvent{Type: PresenceSync, State: state})
	return nil
}

func (c *memChannel) Send(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	if !c.isSubscribed() {
		return ErrChannelClosed
	}

	c.hub.mu.Lock()
	members := c.hub.members(c.name)
	c.hub.mu.Unlock()

	for _, ch := range members {
		if ch == c && !c.opts.BroadcastSelf {
			continue
		}
		ch.deliverBroadcast(event, raw)
	}
	return nil
}

func (c *memChannel) Track(ctx context.Context, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if !c.isSubscribed() {
		return ErrChannelClosed
	}

	key := c.opts.PresenceKey
	h := c.hub
	h.mu.Lock()
	topic := h.topics[c.name]
	if topic == nil {
		h.mu.Unlock()
		return ErrChannelClosed
	}
	slot := topic.presence[key]
	if slot == nil {
		slot = &presenceSlot{owners: make(map[*memChannel]struct{})}
		topic.presence[key] = slot
	}
	slot.payload = raw
	slot.owners[c] = struct{}{}
	members := h.members(c.name)
	h.mu.Unlock()

	c.mu.Lock()
	c.tracked = true
	c.mu.Unlock()

	for _, ch := range members {
		ch.deliverPresence(PresenceEvent{Type: PresenceJoin, Key: key, Payload: raw})
	}
	return nil
}

func (c *memChannel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	wasTracked := c.tracked
	c.tracked = false
	c.mu.Unlock()
	if !wasTracked {
		return nil
	}

	key := c.opts.PresenceKey
	h := c.hub
	h.mu.Lock()
	topic := h.topics[c.name]
	if topic == nil {
		h.mu.Unlock()
		return nil
	}
	slot := topic.presence[key]
	if slot == nil {
		h.mu.Unlock()
		return nil
	}
	delete(slot.owners, c)
	if len(slot.owners) > 0 {
		h.mu.Unlock()
		return nil
	}
	delete(topic.presence, key)
	members := h.members(c.name)
	h.mu.Unlock()

	for _, ch := range members {
		ch.deliverPresence(PresenceEvent{Type: PresenceLeave, Key: key})
	}
	return nil
}

func (c *memChannel) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.Untrack(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.closed = true
	c.subscribed = false
	c.mu.Unlock()

	h := c.hub
	h.mu.Lock()
	if topic := h.topics[c.name]; topic != nil {
		delete(topic.members, c)
		if len(topic.members) == 0 && len(topic.presence) == 0 {
			delete(h.topics, c.name)
		}
	}
	h.mu.Unlock()

	c.shutdown()
	return nil
}

func (c *memChannel) isSubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed && !c.closed
}
