// Package pubsub is the Presence/Broadcast transport shared by the lobby and
// the signaling channel.
//
// A Transport opens named topics. On a topic every participant may publish
// one presence record under its key (Track) and fire-and-forget broadcast
// events (Publish). Delivery is at-least-once and unordered across
// publishers; a publisher never receives its own broadcast. Three backends
// exist: an in-process Hub, a relay client over WebSocket and Redis.
package pubsub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed is returned by operations on a closed topic or transport.
	ErrClosed = errors.New("pubsub: closed")
	// ErrUnavailable reports that the underlying transport could not be
	// reached or was lost.
	ErrUnavailable = errors.New("pubsub: transport unavailable")
)

// Message is one broadcast event received on a topic.
type Message struct {
	Event   string
	Payload json.RawMessage
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Event, err)
	}
	return nil
}

// Presence is the full presence state of a topic, keyed by presence key.
type Presence map[string]json.RawMessage

// Clone returns a copy safe to hand to another goroutine.
func (p Presence) Clone() Presence {
	out := make(Presence, len(p))
	for k, v := range p {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Equal reports whether p and o hold the same keys and payloads.
func (p Presence) Equal(o Presence) bool {
	if len(p) != len(o) {
		return false
	}
	for k, v := range p {
		w, ok := o[k]
		if !ok || !bytes.Equal(v, w) {
			return false
		}
	}
	return true
}

// Transport opens topics on one backend.
type Transport interface {
	// OpenTopic subscribes to name and returns once the backend has
	// acknowledged the subscription. key is this participant's presence key.
	OpenTopic(ctx context.Context, name, key string) (Topic, error)
	Close() error
}

// Topic is one subscribed channel. Register handlers before calling Track so
// no event addressed to this participant is missed.
type Topic interface {
	Name() string
	Publish(ctx context.Context, event string, payload any) error
	OnEvent(fn func(Message))
	// OnPresenceSync registers fn for full presence state updates. The most
	// recent state, if any, is replayed to fn immediately.
	OnPresenceSync(fn func(Presence))
	// OnError registers fn for asynchronous transport loss.
	OnError(fn func(error))
	Track(ctx context.Context, payload any) error
	Untrack(ctx context.Context) error
	Close() error
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case nil:
		return json.RawMessage("null"), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// ---------------------------------------------------------------------------
// handler registry shared by all backends
// ---------------------------------------------------------------------------

type handlers struct {
	mu      sync.Mutex
	onEvent func(Message)
	onSync  func(Presence)
	onError func(error)
	last    Presence

	// syncMu orders presence callbacks so a replay never overtakes a newer
	// state delivered concurrently.
	syncMu sync.Mutex
}

func (h *handlers) OnEvent(fn func(Message)) {
	h.mu.Lock()
	h.onEvent = fn
	h.mu.Unlock()
}

func (h *handlers) OnPresenceSync(fn func(Presence)) {
	h.syncMu.Lock()
	defer h.syncMu.Unlock()

	h.mu.Lock()
	h.onSync = fn
	last := h.last
	h.mu.Unlock()

	if fn != nil && last != nil {
		fn(last.Clone())
	}
}

func (h *handlers) OnError(fn func(error)) {
	h.mu.Lock()
	h.onError = fn
	h.mu.Unlock()
}

func (h *handlers) deliverEvent(m Message) {
	h.mu.Lock()
	fn := h.onEvent
	h.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

func (h *handlers) deliverSync(p Presence) {
	h.syncMu.Lock()
	defer h.syncMu.Unlock()

	h.mu.Lock()
	h.last = p.Clone()
	fn := h.onSync
	h.mu.Unlock()
	if fn != nil {
		fn(p.Clone())
	}
}

func (h *handlers) deliverError(err error) {
	h.mu.Lock()
	fn := h.onError
	h.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
