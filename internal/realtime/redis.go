package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisHub is a Transport backed by Redis pub/sub. All processes pointed
// at the same Redis (and prefix) share one namespace.
//
// Keys per topic <name>:
//
//	<prefix>:<name>:broadcast        pub/sub channel for broadcasts
//	<prefix>:<name>:presence         pub/sub channel for join/leave
//	<prefix>:<name>:presence:state   hash presence key -> payload
//	<prefix>:<name>:presence:live    zset <key>/<channel ref> -> expiry (unix ms)
//	<prefix>:<name>:presence:conns   hash presence key -> live channel count
//	<prefix>:changes:<table>         pub/sub channel for store changes
//
// Several channels may track the same presence key (one user, two tabs).
// The key leaves only when its last channel untracks or expires. A tracked
// channel refreshes its expiry every PresenceTTL/3; channels whose expiry
// has passed (crashed processes) are swept.
type RedisHub struct {
	client      *redis.Client
	prefix      string
	presenceTTL time.Duration
	logger      *zap.Logger
	events      func(kind string)
	now         func() time.Time
}

type RedisOption func(*RedisHub)

func WithRedisPrefix(prefix string) RedisOption {
	return func(h *RedisHub) { h.prefix = prefix }
}

func WithPresenceTTL(ttl time.Duration) RedisOption {
	return func(h *RedisHub) {
		if ttl > 0 {
			h.presenceTTL = ttl
		}
	}
}

func WithRedisEvents(fn func(kind string)) RedisOption {
	return func(h *RedisHub) { h.events = fn }
}

func NewRedisHub(client *redis.Client, logger *zap.Logger, opts ...RedisOption) *RedisHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &RedisHub{
		client:      client,
		prefix:      "rt",
		presenceTTL: 30 * time.Second,
		logger:      logger.Named("realtime"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *RedisHub) broadcastKey(name string) string { return h.prefix + ":" + name + ":broadcast" }
func (h *RedisHub) presenceKey(name string) string  { return h.prefix + ":" + name + ":presence" }
func (h *RedisHub) stateKey(name string) string     { return h.prefix + ":" + name + ":presence:state" }
func (h *RedisHub) liveKey(name string) string      { return h.prefix + ":" + name + ":presence:live" }
func (h *RedisHub) connsKey(name string) string     { return h.prefix + ":" + name + ":presence:conns" }
func (h *RedisHub) changesKey(table string) string  { return h.prefix + ":changes:" + table }

func (h *RedisHub) Channel(name string, opts ChannelOptions) Channel {
	if opts.PresenceKey == "" {
		opts.PresenceKey = uuid.NewString()
	}
	return &redisChannel{
		dispatcher: newDispatcher(name, opts, h.logger, h.events),
		hub:        h,
		ref:        uuid.NewString(),
	}
}

func (h *RedisHub) PublishChange(ctx context.Context, change Change) error {
	raw, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := h.client.Publish(ctx, h.changesKey(change.Table), raw).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

type redisEnvelope struct {
	Kind    string          `json:"kind"`
	Event   string          `json:"event,omitempty"`
	From    string          `json:"from"`
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	envelopeBroadcast = "broadcast"
	envelopeJoin      = "join"
	envelopeLeave     = "leave"
)

type redisChannel struct {
	*dispatcher
	hub *RedisHub
	ref string

	mu         sync.Mutex
	subscribed bool
	closed     bool
	tracked    json.RawMessage
	pubsub     *redis.PubSub
	cancel     context.CancelFunc
}

func (c *redisChannel) Subscribe(ctx context.Context, onStatus func(Status, error)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.setStatusHandler(onStatus)

	h := c.hub
	chans := []string{h.broadcastKey(c.name), h.presenceKey(c.name)}
	for _, table := range c.changeTables() {
		chans = append(chans, h.changesKey(table))
	}

	ps := h.client.Subscribe(ctx, chans...)
	// Wait for the first confirmation so a dead Redis fails here, not silently later.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		c.deliverStatus(StatusChannelError, err)
		return fmt.Errorf("subscribe %s: %w", c.name, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.subscribed = true
	c.pubsub = ps
	c.cancel = cancel
	c.mu.Unlock()

	go c.listen(runCtx, ps.ChannelWithSubscriptions(), chans[0])
	go c.heartbeat(runCtx)

	c.deliverStatus(StatusSubscribed, nil)
	return c.syncPresence(ctx)
}

// listen routes pub/sub traffic into the dispatcher. go-redis resubscribes
// on its own after a dropped connection; the confirmation for the first
// channel marks that moment, and we report SUBSCRIBED again so dependents resync.
func (c *redisChannel) listen(ctx context.Context, msgs <-chan interface{}, first string) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				if !c.isClosed() {
					c.deliverStatus(StatusClosed, errors.New("redis subscription ended"))
				}
				return
			}
			switch m := msg.(type) {
			case *redis.Subscription:
				if m.Kind == "subscribe" && m.Channel == first {
					c.resubscribed(ctx)
				}
			case *redis.Message:
				c.route(m)
			}
		}
	}
}

func (c *redisChannel) resubscribed(ctx context.Context) {
	c.hub.logger.Info("realtime channel resubscribed", zap.String("channel", c.name))
	c.mu.Lock()
	payload := c.tracked
	c.mu.Unlock()
	if payload != nil {
		if err := c.writePresence(ctx, payload, true); err != nil {
			c.hub.logger.Warn("failed to re-track presence", zap.String("channel", c.name), zap.Error(err))
		}
	}
	c.deliverStatus(StatusSubscribed, nil)
	if err := c.syncPresence(ctx); err != nil {
		c.hub.logger.Warn("failed to resync presence", zap.String("channel", c.name), zap.Error(err))
	}
}

func (c *redisChannel) route(m *redis.Message) {
	h := c.hub
	switch {
	case m.Channel == h.broadcastKey(c.name):
		var env redisEnvelope
		if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
			h.logger.Warn("dropping malformed broadcast", zap.String("channel", c.name), zap.Error(err))
			return
		}
		if env.From == c.ref && !c.opts.BroadcastSelf {
			return
		}
		c.deliverBroadcast(env.Event, env.Payload)

	case m.Channel == h.presenceKey(c.name):
		var env redisEnvelope
		if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
			h.logger.Warn("dropping malformed presence event", zap.String("channel", c.name), zap.Error(err))
			return
		}
		switch env.Kind {
		case envelopeJoin:
			c.deliverPresence(PresenceEvent{Type: PresenceJoin, Key: env.Key, Payload: env.Payload})
		case envelopeLeave:
			c.deliverPresence(PresenceEvent{Type: PresenceLeave, Key: env.Key})
		}

	case strings.HasPrefix(m.Channel, h.prefix+":changes:"):
		var change Change
		if err := json.Unmarshal([]byte(m.Payload), &change); err != nil {
			h.logger.Warn("dropping malformed change", zap.String("channel", c.name), zap.Error(err))
			return
		}
		c.deliverChange(change)
	}
}

func (c *redisChannel) Send(ctx context.Context, event string, payload any) error {
	if !c.isSubscribed() {
		return ErrChannelClosed
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	env, err := json.Marshal(redisEnvelope{Kind: envelopeBroadcast, Event: event, From: c.ref, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := c.hub.client.Publish(ctx, c.hub.broadcastKey(c.name), env).Err(); err != nil {
		return fmt.Errorf("publish broadcast: %w", err)
	}
	return nil
}

func (c *redisChannel) Track(ctx context.Context, payload any) error {
	if !c.isSubscribed() {
		return ErrChannelClosed
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := c.writePresence(ctx, raw, true); err != nil {
		return err
	}
	c.mu.Lock()
	c.tracked = raw
	c.mu.Unlock()
	return nil
}

// KEYS: state, live, conns, presence channel
// ARGV: key, member, expiry, payload, join envelope, announce
//
// Registers one channel under a presence key. A join is published when
// announce is "1", or when the member or state had been swept meanwhile.
var luaTrack = redis.NewScript(`
  local added = redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
  if added == 1 then
    redis.call('HINCRBY', KEYS[3], ARGV[1], 1)
  end
  local restored = redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[4])
  if ARGV[6] == '1' then
    redis.call('HSET', KEYS[1], ARGV[1], ARGV[4])
  end
  if ARGV[6] == '1' or added == 1 or restored == 1 then
    redis.call('PUBLISH', KEYS[4], ARGV[5])
  end
  return added
`)

// KEYS: state, live, conns, presence channel
// ARGV: key, member, leave envelope
//
// Removes one channel. Returns 1 when it was the key's last channel and
// the leave was published, 0 when other channels remain, -1 when the
// member was already gone.
var luaDrop = redis.NewScript(`
  if redis.call('ZREM', KEYS[2], ARGV[2]) == 0 then
    return -1
  end
  if redis.call('HINCRBY', KEYS[3], ARGV[1], -1) > 0 then
    return 0
  end
  redis.call('HDEL', KEYS[3], ARGV[1])
  redis.call('HDEL', KEYS[1], ARGV[1])
  redis.call('PUBLISH', KEYS[4], ARGV[3])
  return 1
`)

func (c *redisChannel) member() string { return c.opts.PresenceKey + "/" + c.ref }

// memberKey strips the channel ref from a liveness member.
func memberKey(member string) string {
	if i := strings.LastIndexByte(member, '/'); i >= 0 {
		return member[:i]
	}
	return member
}

func (h *RedisHub) presenceKeys(name string) []string {
	return []string{h.stateKey(name), h.liveKey(name), h.connsKey(name), h.presenceKey(name)}
}

func (c *redisChannel) writePresence(ctx context.Context, raw json.RawMessage, announce bool) error {
	h := c.hub
	key := c.opts.PresenceKey
	env, err := json.Marshal(redisEnvelope{Kind: envelopeJoin, From: c.ref, Key: key, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	flag := "0"
	if announce {
		flag = "1"
	}
	err = luaTrack.Run(ctx, h.client, h.presenceKeys(c.name),
		key, c.member(), h.expiry(), string(raw), string(env), flag).Err()
	if err != nil {
		return fmt.Errorf("track presence: %w", err)
	}
	return nil
}

func (c *redisChannel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	wasTracked := c.tracked != nil
	c.tracked = nil
	c.mu.Unlock()
	if !wasTracked {
		return nil
	}
	if _, err := c.hub.drop(ctx, c.name, c.member(), c.ref); err != nil {
		return fmt.Errorf("untrack presence: %w", err)
	}
	return nil
}

// drop removes one liveness member and reports whether its key left.
func (h *RedisHub) drop(ctx context.Context, name, member, from string) (bool, error) {
	key := memberKey(member)
	env, err := json.Marshal(redisEnvelope{Kind: envelopeLeave, From: from, Key: key})
	if err != nil {
		return false, fmt.Errorf("marshal envelope: %w", err)
	}
	rc, err := luaDrop.Run(ctx, h.client, h.presenceKeys(name), key, member, string(env)).Int()
	if err != nil {
		return false, err
	}
	return rc == 1, nil
}

// syncPresence sweeps expired members and delivers the full state as a sync.
func (c *redisChannel) syncPresence(ctx context.Context) error {
	h := c.hub
	if err := h.sweep(ctx, c.name, c.ref); err != nil {
		return err
	}
	values, err := h.client.HGetAll(ctx, h.stateKey(c.name)).Result()
	if err != nil {
		return fmt.Errorf("load presence: %w", err)
	}
	state := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		state[k] = json.RawMessage(v)
	}
	c.deliverPresence(PresenceEvent{Type: PresenceSync, State: state})
	return nil
}

// sweep removes members whose liveness expired. ZREM inside the drop
// script succeeds for exactly one sweeper per member, so each departed key
// is announced once.
func (h *RedisHub) sweep(ctx context.Context, name, from string) error {
	now := strconv.FormatInt(h.now().UnixMilli(), 10)
	stale, err := h.client.ZRangeByScore(ctx, h.liveKey(name), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return fmt.Errorf("sweep presence: %w", err)
	}
	for _, member := range stale {
		if _, err := h.drop(ctx, name, member, from); err != nil {
			return fmt.Errorf("sweep presence: %w", err)
		}
	}
	return nil
}

// Tracked reports whether any live channel, in any process, tracks key on
// topic name.
func (h *RedisHub) Tracked(ctx context.Context, name, key string) (bool, error) {
	if err := h.sweep(ctx, name, "sweeper"); err != nil {
		return false, err
	}
	ok, err := h.client.HExists(ctx, h.stateKey(name), key).Result()
	if err != nil {
		return false, fmt.Errorf("check presence: %w", err)
	}
	return ok, nil
}

func (c *redisChannel) heartbeat(ctx context.Context) {
	h := c.hub
	ticker := time.NewTicker(h.presenceTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			tracked := c.tracked
			c.mu.Unlock()
			if tracked != nil {
				if err := c.writePresence(ctx, tracked, false); err != nil && ctx.Err() == nil {
					h.logger.Warn("presence heartbeat failed", zap.String("channel", c.name), zap.Error(err))
				}
			}
			if err := h.sweep(ctx, c.name, c.ref); err != nil && ctx.Err() == nil {
				h.logger.Warn("presence sweep failed", zap.String("channel", c.name), zap.Error(err))
			}
		}
	}
}

func (h *RedisHub) expiry() float64 {
	return float64(h.now().Add(h.presenceTTL).UnixMilli())
}

func (c *redisChannel) Close(ctx context.Context) error {
	if c.isClosed() {
		return nil
	}
	untrackErr := c.Untrack(ctx)

	c.mu.Lock()
	c.closed = true
	c.subscribed = false
	ps := c.pubsub
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var closeErr error
	if ps != nil {
		closeErr = ps.Close()
	}
	c.shutdown()
	return errors.Join(untrackErr, closeErr)
}

func (c *redisChannel) isSubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed && !c.closed
}

func (c *redisChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
