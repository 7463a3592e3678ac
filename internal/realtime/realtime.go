// Package realtime is the publish/subscribe substrate the chat core runs on.
//
// A Channel is a named topic carrying three kinds of events:
//   - broadcast: ephemeral payloads sent by members (typing signals)
//   - presence: who is tracked on the topic right now (sync/join/leave)
//   - change: row-level insert/update/delete events from the durable store,
//     filtered by a column predicate
//
// Handlers registered on one Channel run one at a time, in the order the
// transport delivered the events. Different channels never block each other.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Status is the lifecycle state reported to the Subscribe callback.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

// ChangeType is the kind of row change carried by a Change.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Change is one row-level event from the durable store.
//
// Record is the row after the change (empty for deletes), OldRecord the
// row before it (set for deletes, optional otherwise).
type Change struct {
	Table     string          `json:"table"`
	Type      ChangeType      `json:"type"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}

// Column returns the string form of a column, looking at Record first and
// falling back to OldRecord (deletes only carry the old row).
func (c Change) Column(name string) (string, bool) {
	for _, raw := range []json.RawMessage{c.Record, c.OldRecord} {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		v, ok := row[name]
		if !ok || v == nil {
			continue
		}
		return fmt.Sprint(v), true
	}
	return "", false
}

// ChangeFilter selects the changes a handler receives. An empty Column
// matches every row of Table; empty Types matches every change type.
type ChangeFilter struct {
	Table  string
	Column string
	Value  string
	Types  []ChangeType
}

func (f ChangeFilter) Match(c Change) bool {
	if f.Table != "" && f.Table != c.Table {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == c.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Column == "" {
		return true
	}
	v, ok := c.Column(f.Column)
	return ok && v == f.Value
}

// PresenceEventType is sync, join or leave.
type PresenceEventType string

const (
	PresenceSync  PresenceEventType = "sync"
	PresenceJoin  PresenceEventType = "join"
	PresenceLeave PresenceEventType = "leave"
)

// PresenceEvent is delivered to OnPresence handlers. State is always the
// full presence state after the event was applied, keyed by presence key.
type PresenceEvent struct {
	Type    PresenceEventType
	Key     string
	Payload json.RawMessage
	State   map[string]json.RawMessage
}

// ChannelOptions configures a Channel.
type ChannelOptions struct {
	// PresenceKey identifies this member in presence state. Usually the user id.
	PresenceKey string

	// BroadcastSelf delivers this member's own broadcasts back to it.
	BroadcastSelf bool
}

// Transport creates channels and fans out store changes.
type Transport interface {
	Channel(name string, opts ChannelOptions) Channel
	PublishChange(ctx context.Context, change Change) error
}

// PresenceReader is implemented by transports that can answer whether a
// presence key is currently tracked on a topic, across every process that
// shares the transport.
type PresenceReader interface {
	Tracked(ctx context.Context, name, key string) (bool, error)
}

// Channel is one member's handle on a named topic.
//
// Register handlers before Subscribe. Close unsubscribes, untracks this
// member's presence and drops any events not yet delivered.
type Channel interface {
	Name() string
	OnBroadcast(event string, fn func(payload json.RawMessage))
	OnPresence(fn func(PresenceEvent))
	OnChange(filter ChangeFilter, fn func(Change))

	// Subscribe joins the topic. onStatus is called on the channel's
	// dispatch goroutine every time the subscription state changes,
	// including a fresh StatusSubscribed after a reconnect.
	Subscribe(ctx context.Context, onStatus func(Status, error)) error

	Send(ctx context.Context, event string, payload any) error
	Track(ctx context.Context, payload any) error
	Untrack(ctx context.Context) error
	PresenceState() map[string]json.RawMessage
	Close(ctx context.Context) error
}

// ErrChannelClosed is returned by operations on a closed channel.
var ErrChannelClosed = errors.New("realtime channel closed")

func copyState(state map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}
