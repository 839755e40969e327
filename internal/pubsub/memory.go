package pubsub

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Hub is an in-process Transport. Every subscriber receives deliveries in
// the order they were issued, on its own goroutine, after an optional random
// delay that simulates network latency.
type Hub struct {
	mu       sync.Mutex
	rooms    map[string]*memRoom
	maxDelay time.Duration
	closed   bool
}

type memRoom struct {
	subs     map[*memTopic]struct{}
	presence Presence
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithMaxDelay delays every delivery by a random duration in [0, d).
func WithMaxDelay(d time.Duration) HubOption {
	return func(h *Hub) { h.maxDelay = d }
}

// NewHub creates an empty in-process hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{rooms: make(map[string]*memRoom)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OpenTopic subscribes a new member to name. The member immediately receives
// the current presence state.
func (h *Hub) OpenTopic(ctx context.Context, name, key string) (Topic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := &memTopic{hub: h, name: name, key: key, box: newMailbox()}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrUnavailable
	}

	room := h.rooms[name]
	if room == nil {
		room = &memRoom{subs: make(map[*memTopic]struct{}), presence: make(Presence)}
		h.rooms[name] = room
	}
	room.subs[t] = struct{}{}

	go t.deliverLoop(h.maxDelay)
	snapshot := room.presence.Clone()
	t.box.push(func() { t.deliverSync(snapshot) })
	return t, nil
}

// Presence returns the current presence state of name.
func (h *Hub) Presence(name string) Presence {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room := h.rooms[name]; room != nil {
		return room.presence.Clone()
	}
	return Presence{}
}

// Subscribers returns how many members are subscribed to name.
func (h *Hub) Subscribers(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room := h.rooms[name]; room != nil {
		return len(room.subs)
	}
	return 0
}

// Close reports ErrUnavailable to every open topic and closes them.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var topics []*memTopic
	for _, room := range h.rooms {
		for t := range room.subs {
			topics = append(topics, t)
		}
	}
	h.rooms = make(map[string]*memRoom)
	h.mu.Unlock()

	for _, t := range topics {
		t.deliverError(ErrUnavailable)
		t.shutdown()
	}
	return nil
}

// syncLocked queues the room's presence state to every member. h.mu held.
func (h *Hub) syncLocked(room *memRoom) {
	for sub := range room.subs {
		sub := sub
		snapshot := room.presence.Clone()
		sub.box.push(func() { sub.deliverSync(snapshot) })
	}
}

// ---------------------------------------------------------------------------
// memTopic
// ---------------------------------------------------------------------------

type memTopic struct {
	handlers

	hub  *Hub
	name string
	key  string
	box  *mailbox

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (t *memTopic) Name() string { return t.name }

func (t *memTopic) Publish(ctx context.Context, event string, payload any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	room, err := t.roomLocked()
	if err != nil {
		return err
	}
	for sub := range room.subs {
		if sub == t {
			continue
		}
		sub := sub
		msg := Message{Event: event, Payload: data}
		sub.box.push(func() { sub.deliverEvent(msg) })
	}
	return nil
}

func (t *memTopic) Track(ctx context.Context, payload any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	room, err := t.roomLocked()
	if err != nil {
		return err
	}
	room.presence[t.key] = data
	t.hub.syncLocked(room)
	return nil
}

func (t *memTopic) Untrack(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	room, err := t.roomLocked()
	if err != nil {
		return err
	}
	if _, ok := room.presence[t.key]; ok {
		delete(room.presence, t.key)
		t.hub.syncLocked(room)
	}
	return nil
}

// Close withdraws this member's presence and unsubscribes. Idempotent.
func (t *memTopic) Close() error {
	t.closeOnce.Do(func() {
		t.hub.mu.Lock()
		if room, err := t.roomLocked(); err == nil {
			delete(room.subs, t)
			if _, ok := room.presence[t.key]; ok {
				delete(room.presence, t.key)
				t.hub.syncLocked(room)
			}
			if len(room.subs) == 0 {
				delete(t.hub.rooms, t.name)
			}
		}
		t.hub.mu.Unlock()
		t.cancel()
	})
	return nil
}

func (t *memTopic) shutdown() {
	t.closeOnce.Do(t.cancel)
}

// roomLocked returns the topic's room if the topic is still subscribed. hub.mu held.
func (t *memTopic) roomLocked() (*memRoom, error) {
	if t.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if t.hub.closed {
		return nil, ErrUnavailable
	}
	room := t.hub.rooms[t.name]
	if room == nil {
		return nil, ErrClosed
	}
	if _, ok := room.subs[t]; !ok {
		return nil, ErrClosed
	}
	return room, nil
}

// deliverLoop is the single goroutine invoking this member's handlers.
func (t *memTopic) deliverLoop(maxDelay time.Duration) {
	for {
		fn, ok := t.box.pop(t.ctx)
		if !ok {
			return
		}
		if maxDelay > 0 {
			select {
			case <-time.After(time.Duration(rand.Int63n(int64(maxDelay)))):
			case <-t.ctx.Done():
				return
			}
		}
		fn()
	}
}

// ---------------------------------------------------------------------------
// mailbox: unbounded FIFO so publishers never block on slow subscribers
// ---------------------------------------------------------------------------

type mailbox struct {
	mu     sync.Mutex
	items  []func()
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) push(fn func()) {
	m.mu.Lock()
	m.items = append(m.items, fn)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) pop(ctx context.Context) (func(), bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			fn := m.items[0]
			m.items[0] = nil
			m.items = m.items[1:]
			m.mu.Unlock()
			return fn, true
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}
