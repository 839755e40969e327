package relay

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/1ureka/globalconnect/internal/protocol"
)

var (
	errNotJoined     = errors.New("not joined to topic")
	errAlreadyJoined = errors.New("already joined to topic")
)

// Hub routes frames between connected clients: topic → client → member.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[*Client]*member
}

// member is a client's subscription to one topic.
type member struct {
	key      string
	presence json.RawMessage // nil until tracked
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[*Client]*member)}
}

// join subscribes c to topic under presence key and sends c the current state.
func (h *Hub) join(c *Client, topic, key string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.topics[topic]
	if members == nil {
		members = make(map[*Client]*member)
		h.topics[topic] = members
	}
	if _, ok := members[c]; ok {
		return errAlreadyJoined
	}
	members[c] = &member{key: key}
	c.enqueue(&protocol.Frame{Op: protocol.OpSync, Topic: topic, Presence: presenceOf(members)})
	return nil
}

// leave unsubscribes c from topic, dropping its presence.
func (h *Hub) leave(c *Client, topic string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.topics[topic]
	m, ok := members[c]
	if !ok {
		return errNotJoined
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.topics, topic)
	} else if m.presence != nil {
		h.syncLocked(topic, members)
	}
	return nil
}

// track stores c's presence payload on topic and syncs every member.
func (h *Hub) track(c *Client, topic string, payload json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.topics[topic]
	m, ok := members[c]
	if !ok {
		return errNotJoined
	}
	m.presence = append(json.RawMessage(nil), payload...)
	h.syncLocked(topic, members)
	return nil
}

// untrack withdraws c's presence on topic.
func (h *Hub) untrack(c *Client, topic string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.topics[topic]
	m, ok := members[c]
	if !ok {
		return errNotJoined
	}
	if m.presence != nil {
		m.presence = nil
		h.syncLocked(topic, members)
	}
	return nil
}

// broadcast fans an event out to every member of topic except the sender.
func (h *Hub) broadcast(c *Client, topic, event string, payload json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.topics[topic]
	if _, ok := members[c]; !ok {
		return errNotJoined
	}
	f := &protocol.Frame{Op: protocol.OpBroadcast, Topic: topic, Event: event, Payload: payload}
	for other := range members {
		if other != c {
			other.enqueue(f)
		}
	}
	return nil
}

// disconnect removes c from every topic so no presence record outlives
// its connection.
func (h *Hub) disconnect(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for topic, members := range h.topics {
		m, ok := members[c]
		if !ok {
			continue
		}
		delete(members, c)
		if len(members) == 0 {
			delete(h.topics, topic)
			continue
		}
		if m.presence != nil {
			h.syncLocked(topic, members)
		}
	}
}

// Stats returns the number of topics and subscriptions.
func (h *Hub) Stats() (topics, members int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.topics {
		members += len(m)
	}
	return len(h.topics), members
}

// syncLocked sends the full presence state of topic to every member. h.mu held.
func (h *Hub) syncLocked(topic string, members map[*Client]*member) {
	f := &protocol.Frame{Op: protocol.OpSync, Topic: topic, Presence: presenceOf(members)}
	for c := range members {
		c.enqueue(f)
	}
}

func presenceOf(members map[*Client]*member) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(members))
	for _, m := range members {
		if m.presence != nil {
			out[m.key] = m.presence
		}
	}
	return out
}
