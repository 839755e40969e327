package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/1ureka/globalconnect/internal/util"
)

var redisLog = util.Scope("pubsub/redis")

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// PresenceTTL is how long a presence entry outlives its last heartbeat.
	// Entries of crashed participants disappear after at most this long.
	PresenceTTL time.Duration
}

const defaultPresenceTTL = 15 * time.Second

// RedisTransport broadcasts with PUBLISH on gc:topic:<name> and keeps
// presence in the hash gc:presence:<name>, one field per presence key.
// Each field carries its own expiry, refreshed by a heartbeat while tracked.
type RedisTransport struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*RedisTransport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: connect to redis: %v", ErrUnavailable, err)
	}

	ttl := opts.PresenceTTL
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	return &RedisTransport{client: client, ttl: ttl}, nil
}

// Close closes the Redis client.
func (r *RedisTransport) Close() error {
	return r.client.Close()
}

func channelKey(name string) string  { return "gc:topic:" + name }
func presenceKey(name string) string { return "gc:presence:" + name }

// envelope is what travels over the Redis channel.
type envelope struct {
	Kind    string          `json:"kind"` // "broadcast" or "sync"
	From    string          `json:"from"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// presenceEntry is one hash field value.
type presenceEntry struct {
	ExpiresAt int64           `json:"expires_at"` // unix ms
	Payload   json.RawMessage `json:"payload"`
}

// OpenTopic subscribes to the topic channel and waits for Redis to confirm.
func (r *RedisTransport) OpenTopic(ctx context.Context, name, key string) (Topic, error) {
	sub := r.client.Subscribe(ctx, channelKey(name))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrUnavailable, name, err)
	}

	t := &redisTopic{r: r, name: name, key: key, sub: sub}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	go t.listen()
	go t.heartbeat()

	t.resync(ctx, false)
	return t, nil
}

// ---------------------------------------------------------------------------
// redisTopic
// ---------------------------------------------------------------------------

type redisTopic struct {
	handlers

	r    *RedisTransport
	name string
	key  string
	sub  *redis.PubSub

	mu        sync.Mutex
	tracked   json.RawMessage // own presence payload, nil when untracked
	delivered Presence        // last state handed to the sync handler
	resyncMu  sync.Mutex      // one presence read+deliver at a time

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (t *redisTopic) Name() string { return t.name }

func (t *redisTopic) Publish(ctx context.Context, event string, payload any) error {
	if t.ctx.Err() != nil {
		return ErrClosed
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	return t.publish(ctx, envelope{Kind: "broadcast", From: t.key, Event: event, Payload: data})
}

func (t *redisTopic) publish(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := t.r.client.Publish(ctx, channelKey(t.name), data).Err(); err != nil {
		return fmt.Errorf("%w: publish: %v", ErrUnavailable, err)
	}
	util.Stats.AddSent(len(data))
	return nil
}

func (t *redisTopic) Track(ctx context.Context, payload any) error {
	if t.ctx.Err() != nil {
		return ErrClosed
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	if err := t.writeEntry(ctx, data); err != nil {
		return err
	}

	t.mu.Lock()
	t.tracked = data
	t.mu.Unlock()

	return t.publish(ctx, envelope{Kind: "sync", From: t.key})
}

func (t *redisTopic) writeEntry(ctx context.Context, payload json.RawMessage) error {
	entry, err := json.Marshal(presenceEntry{
		ExpiresAt: time.Now().Add(t.r.ttl).UnixMilli(),
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}

	_, err = t.r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, presenceKey(t.name), t.key, entry)
		pipe.Expire(ctx, presenceKey(t.name), 4*t.r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: write presence: %v", ErrUnavailable, err)
	}
	return nil
}

func (t *redisTopic) Untrack(ctx context.Context) error {
	if t.ctx.Err() != nil {
		return ErrClosed
	}
	return t.untrack(ctx)
}

func (t *redisTopic) untrack(ctx context.Context) error {
	t.mu.Lock()
	wasTracked := t.tracked != nil
	t.tracked = nil
	t.mu.Unlock()
	if !wasTracked {
		return nil
	}

	if err := t.r.client.HDel(ctx, presenceKey(t.name), t.key).Err(); err != nil {
		return fmt.Errorf("%w: remove presence: %v", ErrUnavailable, err)
	}
	return t.publish(ctx, envelope{Kind: "sync", From: t.key})
}

// Close removes own presence (best effort) and unsubscribes. Idempotent.
func (t *redisTopic) Close() error {
	var err error
	t.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if uerr := t.untrack(ctx); uerr != nil {
			redisLog.Warn("untrack %s on close: %v", t.name, uerr)
		}
		t.cancel()
		err = t.sub.Close()
	})
	return err
}

// listen dispatches channel messages until the topic is closed.
func (t *redisTopic) listen() {
	ch := t.sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			util.Stats.AddRecv(len(msg.Payload))

			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				redisLog.Warn("dropping malformed envelope on %s: %v", t.name, err)
				continue
			}
			switch env.Kind {
			case "broadcast":
				if env.From == t.key {
					continue
				}
				t.deliverEvent(Message{Event: env.Event, Payload: env.Payload})
			case "sync":
				t.resync(t.ctx, false)
			}

		case <-t.ctx.Done():
			return
		}
	}
}

// heartbeat refreshes own presence and notices expired entries of others.
func (t *redisTopic) heartbeat() {
	ticker := time.NewTicker(t.r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			payload := t.tracked
			t.mu.Unlock()
			if payload != nil {
				if err := t.writeEntry(t.ctx, payload); err != nil {
					redisLog.Warn("presence heartbeat on %s: %v", t.name, err)
					t.deliverError(err)
				}
			}
			t.resync(t.ctx, true)

		case <-t.ctx.Done():
			return
		}
	}
}

// resync reads the presence hash and delivers it. With onlyChanged the
// state is delivered only when it differs from the last delivery.
func (t *redisTopic) resync(ctx context.Context, onlyChanged bool) {
	t.resyncMu.Lock()
	defer t.resyncMu.Unlock()

	raw, err := t.r.client.HGetAll(ctx, presenceKey(t.name)).Result()
	if err != nil {
		if ctx.Err() == nil {
			redisLog.Warn("read presence of %s: %v", t.name, err)
		}
		return
	}

	state, expired := decodePresence(raw, time.Now())
	if len(expired) > 0 {
		_ = t.r.client.HDel(ctx, presenceKey(t.name), expired...).Err()
	}

	t.mu.Lock()
	if onlyChanged && t.delivered != nil && t.delivered.Equal(state) {
		t.mu.Unlock()
		return
	}
	t.delivered = state
	t.mu.Unlock()

	t.deliverSync(state)
}

// decodePresence turns hash fields into a Presence, skipping expired or
// malformed entries. The keys of expired entries are returned for cleanup.
func decodePresence(raw map[string]string, now time.Time) (Presence, []string) {
	state := make(Presence, len(raw))
	var expired []string
	for key, value := range raw {
		var entry presenceEntry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			expired = append(expired, key)
			continue
		}
		if entry.ExpiresAt <= now.UnixMilli() {
			expired = append(expired, key)
			continue
		}
		state[key] = entry.Payload
	}
	return state, expired
}
