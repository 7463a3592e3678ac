package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// mailbox runs posted functions one at a time on its own goroutine.
// The queue is unbounded so a handler can post back into its own channel
// (or publish to a topic it is subscribed to) without deadlocking.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	signal chan struct{}
	closed bool
	logger *zap.Logger
}

func newMailbox(logger *zap.Logger) *mailbox {
	m := &mailbox{
		signal: make(chan struct{}, 1),
		logger: logger,
	}
	go m.run()
	return m
}

func (m *mailbox) post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// close drops undelivered events. It does not wait for a running handler,
// since handlers are allowed to close their own channel.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.queue = nil
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		if len(m.queue) == 0 {
			m.mu.Unlock()
			<-m.signal
			continue
		}
		fn := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.invoke(fn)
	}
}

func (m *mailbox) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("realtime handler panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

type changeHandler struct {
	filter ChangeFilter
	fn     func(Change)
}

// dispatcher is the handler registry and local presence view shared by
// the memory and redis channel implementations.
type dispatcher struct {
	name   string
	opts   ChannelOptions
	box    *mailbox
	events func(kind string)

	mu        sync.Mutex
	broadcast map[string][]func(json.RawMessage)
	presence  []func(PresenceEvent)
	changes   []changeHandler
	onStatus  func(Status, error)
	state     map[string]json.RawMessage
}

func newDispatcher(name string, opts ChannelOptions, logger *zap.Logger, events func(kind string)) *dispatcher {
	if events == nil {
		events = func(string) {}
	}
	return &dispatcher{
		name:      name,
		opts:      opts,
		box:       newMailbox(logger.With(zap.String("channel", name))),
		events:    events,
		broadcast: make(map[string][]func(json.RawMessage)),
		state:     make(map[string]json.RawMessage),
	}
}

func (d *dispatcher) Name() string { return d.name }

func (d *dispatcher) OnBroadcast(event string, fn func(payload json.RawMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broadcast[event] = append(d.broadcast[event], fn)
}

func (d *dispatcher) OnPresence(fn func(PresenceEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.presence = append(d.presence, fn)
}

func (d *dispatcher) OnChange(filter ChangeFilter, fn func(Change)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.changes = append(d.changes, changeHandler{filter: filter, fn: fn})
}

func (d *dispatcher) PresenceState() map[string]json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyState(d.state)
}

func (d *dispatcher) setStatusHandler(fn func(Status, error)) {
	d.mu.Lock()
	d.onStatus = fn
	d.mu.Unlock()
}

// changeTables lists the distinct tables this channel listens to.
func (d *dispatcher) changeTables() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[string]bool)
	var tables []string
	for _, h := range d.changes {
		if !seen[h.filter.Table] {
			seen[h.filter.Table] = true
			tables = append(tables, h.filter.Table)
		}
	}
	return tables
}

func (d *dispatcher) wantsChanges() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.changes) > 0
}

func (d *dispatcher) deliverStatus(status Status, err error) {
	d.box.post(func() {
		d.mu.Lock()
		fn := d.onStatus
		d.mu.Unlock()
		if fn != nil {
			fn(status, err)
		}
	})
}

func (d *dispatcher) deliverBroadcast(event string, payload json.RawMessage) {
	d.box.post(func() {
		d.mu.Lock()
		fns := append([]func(json.RawMessage){}, d.broadcast[event]...)
		d.mu.Unlock()
		if len(fns) > 0 {
			d.events("broadcast")
		}
		for _, fn := range fns {
			fn(payload)
		}
	})
}

// deliverPresence applies ev to the local view and notifies handlers.
// A join or leave is followed by a sync carrying the resulting state.
func (d *dispatcher) deliverPresence(ev PresenceEvent) {
	d.box.post(func() {
		d.mu.Lock()
		switch ev.Type {
		case PresenceSync:
			d.state = copyState(ev.State)
		case PresenceJoin:
			d.state[ev.Key] = ev.Payload
		case PresenceLeave:
			delete(d.state, ev.Key)
		}
		state := copyState(d.state)
		fns := append([]func(PresenceEvent){}, d.presence...)
		d.mu.Unlock()

		d.events("presence")
		ev.State = state
		for _, fn := range fns {
			fn(ev)
		}
		if ev.Type == PresenceSync {
			return
		}
		follow := PresenceEvent{Type: PresenceSync, State: copyState(state)}
		for _, fn := range fns {
			fn(follow)
		}
	})
}

func (d *dispatcher) deliverChange(c Change) {
	d.mu.Lock()
	var fns []func(Change)
	for _, h := range d.changes {
		if h.filter.Match(c) {
			fns = append(fns, h.fn)
		}
	}
	d.mu.Unlock()
	if len(fns) == 0 {
		return
	}
	d.box.post(func() {
		d.events("change")
		for _, fn := range fns {
			fn(c)
		}
	})
}

func (d *dispatcher) shutdown() {
	d.box.close()
}
