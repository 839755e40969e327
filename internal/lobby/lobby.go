// Package lobby maintains the shared presence lobby: one record per
// participant on the global matchmaking topic, each published by its owner.
package lobby

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/1ureka/globalconnect/internal/pubsub"
	"github.com/1ureka/globalconnect/internal/util"
)

// Topic is the well-known lobby topic name.
const Topic = "global_matchmaking"

var log = util.Scope("lobby")

// Status is a participant's lobby status.
type Status string

const (
	StatusSearching Status = "searching"
	StatusBusy      Status = "busy"
	StatusIdle      Status = "idle"
)

// Record is one participant's presence entry.
type Record struct {
	ID          string `json:"id"`
	Status      Status `json:"status"`
	DisplayName string `json:"displayName,omitempty"`
}

// Snapshot is the full set of lobby records, sorted by ID.
type Snapshot []Record

// Get returns the record for id.
func (s Snapshot) Get(id string) (Record, bool) {
	i := sort.Search(len(s), func(i int) bool { return s[i].ID >= id })
	if i < len(s) && s[i].ID == id {
		return s[i], true
	}
	return Record{}, false
}

// Lobby is a joined lobby session.
type Lobby struct {
	topic pubsub.Topic

	mu        sync.Mutex
	self      Record
	latest    Snapshot
	observers []chan Snapshot
	left      bool

	leaveOnce sync.Once
}

// Join opens the lobby topic and publishes the caller's record.
func Join(ctx context.Context, tr pubsub.Transport, id, displayName string, status Status) (*Lobby, error) {
	topic, err := tr.OpenTopic(ctx, Topic, id)
	if err != nil {
		return nil, fmt.Errorf("open lobby: %w", err)
	}

	l := &Lobby{
		topic: topic,
		self:  Record{ID: id, Status: status, DisplayName: displayName},
	}
	topic.OnPresenceSync(l.handleSync)

	if err := l.Rejoin(ctx); err != nil {
		_ = topic.Close()
		return nil, err
	}
	log.Debug("%s joined as %s", id, status)
	return l, nil
}

// Self returns the caller's current record.
func (l *Lobby) Self() Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.self
}

// Rejoin republishes the caller's record under the same key. Calling it
// repeatedly leaves exactly one record.
func (l *Lobby) Rejoin(ctx context.Context) error {
	l.mu.Lock()
	rec := l.self
	l.mu.Unlock()

	if err := l.topic.Track(ctx, rec); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}

// UpdateStatus republishes the caller's record with status, without leaving.
func (l *Lobby) UpdateStatus(ctx context.Context, status Status) error {
	l.mu.Lock()
	l.self.Status = status
	l.mu.Unlock()

	log.Debug("%s → %s", l.self.ID, status)
	return l.Rejoin(ctx)
}

// Observe returns a new stream of snapshots, one per presence change. Each
// call gets its own stream. A slow reader skips intermediate snapshots but
// always receives the latest one. The stream is closed by Leave.
func (l *Lobby) Observe() <-chan Snapshot {
	ch := make(chan Snapshot, 1)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.left {
		close(ch)
		return ch
	}
	if l.latest != nil {
		ch <- l.latest
	}
	l.observers = append(l.observers, ch)
	return ch
}

// Latest returns the most recent snapshot, or nil before the first one.
func (l *Lobby) Latest() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest
}

// OnEvent registers fn for broadcast events on the lobby topic; nil removes it.
func (l *Lobby) OnEvent(fn func(pubsub.Message)) {
	l.topic.OnEvent(fn)
}

// OnError registers fn for transport loss.
func (l *Lobby) OnError(fn func(error)) {
	l.topic.OnError(fn)
}

// Broadcast sends a fire-and-forget event to every other lobby member.
func (l *Lobby) Broadcast(ctx context.Context, event string, payload any) error {
	if err := l.topic.Publish(ctx, event, payload); err != nil {
		return fmt.Errorf("broadcast %s: %w", event, err)
	}
	return nil
}

// Leave withdraws the record and unsubscribes. Idempotent; safe to call
// from any teardown path.
func (l *Lobby) Leave() error {
	var err error
	l.leaveOnce.Do(func() {
		l.mu.Lock()
		l.left = true
		for _, ch := range l.observers {
			close(ch)
		}
		l.observers = nil
		l.mu.Unlock()

		l.topic.OnEvent(nil)
		l.topic.OnPresenceSync(nil)
		l.topic.OnError(nil)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if uerr := l.topic.Untrack(ctx); uerr != nil {
			log.Debug("untrack on leave: %v", uerr)
		}
		err = l.topic.Close()
		log.Debug("%s left", l.self.ID)
	})
	return err
}

// handleSync converts a presence state into a snapshot and hands it to
// every observer, replacing any snapshot the observer has not read yet.
func (l *Lobby) handleSync(p pubsub.Presence) {
	snap := decodeSnapshot(p)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.left {
		return
	}
	l.latest = snap
	for _, ch := range l.observers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// decodeSnapshot parses presence payloads into sorted records. Malformed
// entries are skipped; a record's ID is its presence key.
func decodeSnapshot(p pubsub.Presence) Snapshot {
	snap := make(Snapshot, 0, len(p))
	for key, raw := range p {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			log.Warn("skipping malformed record %s: %v", key, err)
			continue
		}
		rec.ID = key
		snap = append(snap, rec)
	}
	sort.Slice(snap, func(i, j int) bool { return snap[i].ID < snap[j].ID })
	return snap
}
