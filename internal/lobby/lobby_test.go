package lobby

import (
	"context"
	"testing"
	"time"

	"github.com/1ureka/globalconnect/internal/pubsub"
)

const waitTimeout = 2 * time.Second

func join(t *testing.T, hub *pubsub.Hub, id string, status Status) *Lobby {
	t.Helper()
	l, err := Join(context.Background(), hub, id, "name-"+id, status)
	if err != nil {
		t.Fatalf("Join(%s): %v", id, err)
	}
	t.Cleanup(func() { l.Leave() })
	return l
}

// waitSnapshot reads from ch until cond holds.
func waitSnapshot(t *testing.T, ch <-chan Snapshot, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				t.Fatal("snapshot stream closed")
			}
			if cond(snap) {
				return snap
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
			return nil
		}
	}
}

func withStatus(id string, status Status) func(Snapshot) bool {
	return func(s Snapshot) bool {
		rec, ok := s.Get(id)
		return ok && rec.Status == status
	}
}

func TestJoinPublishesRecord(t *testing.T) {
	hub := pubsub.NewHub()
	join(t, hub, "a1", StatusSearching)
	b := join(t, hub, "b2", StatusIdle)

	snap := waitSnapshot(t, b.Observe(), func(s Snapshot) bool { return len(s) == 2 })

	if snap[0].ID != "a1" || snap[1].ID != "b2" {
		t.Fatalf("snapshot not sorted: %+v", snap)
	}
	if snap[0].Status != StatusSearching || snap[0].DisplayName != "name-a1" {
		t.Fatalf("record = %+v", snap[0])
	}
}

func TestRejoinKeepsOneRecord(t *testing.T) {
	hub := pubsub.NewHub()
	a := join(t, hub, "a1", StatusSearching)

	for i := 0; i < 3; i++ {
		if err := a.Rejoin(context.Background()); err != nil {
			t.Fatalf("Rejoin: %v", err)
		}
	}

	if p := hub.Presence(Topic); len(p) != 1 {
		t.Fatalf("presence has %d records, want 1", len(p))
	}
}

func TestUpdateStatusIsVisibleToOthers(t *testing.T) {
	hub := pubsub.NewHub()
	a := join(t, hub, "a1", StatusSearching)
	b := join(t, hub, "b2", StatusSearching)
	stream := b.Observe()

	waitSnapshot(t, stream, withStatus("a1", StatusSearching))
	if err := a.UpdateStatus(context.Background(), StatusBusy); err != nil {
		t.Fatal(err)
	}
	waitSnapshot(t, stream, withStatus("a1", StatusBusy))

	if got := a.Self().Status; got != StatusBusy {
		t.Fatalf("self status = %s", got)
	}
}

func TestObserveReturnsIndependentStreams(t *testing.T) {
	hub := pubsub.NewHub()
	a := join(t, hub, "a1", StatusSearching)
	waitSnapshot(t, a.Observe(), withStatus("a1", StatusSearching))

	// late observers start from the latest snapshot
	s1, s2 := a.Observe(), a.Observe()
	for _, s := range []<-chan Snapshot{s1, s2} {
		select {
		case snap := <-s:
			if _, ok := snap.Get("a1"); !ok {
				t.Fatalf("snapshot = %+v", snap)
			}
		case <-time.After(waitTimeout):
			t.Fatal("observer did not receive the latest snapshot")
		}
	}
}

func TestSlowObserverGetsLatest(t *testing.T) {
	hub := pubsub.NewHub()
	a := join(t, hub, "a1", StatusSearching)
	slow := a.Observe()
	fast := a.Observe()

	for _, st := range []Status{StatusBusy, StatusSearching, StatusBusy, StatusIdle} {
		if err := a.UpdateStatus(context.Background(), st); err != nil {
			t.Fatal(err)
		}
	}
	waitSnapshot(t, fast, withStatus("a1", StatusIdle))

	// slow never read; it holds exactly one snapshot, the newest
	snap := <-slow
	if rec, _ := snap.Get("a1"); rec.Status != StatusIdle {
		t.Fatalf("slow observer got %+v", rec)
	}
}

func TestLeave(t *testing.T) {
	hub := pubsub.NewHub()
	a := join(t, hub, "a1", StatusSearching)
	b := join(t, hub, "b2", StatusSearching)
	stream := b.Observe()
	own := a.Observe()
	waitSnapshot(t, stream, func(s Snapshot) bool { return len(s) == 2 })

	if err := a.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := a.Leave(); err != nil {
		t.Fatalf("second Leave: %v", err)
	}

	waitSnapshot(t, stream, func(s Snapshot) bool {
		_, ok := s.Get("a1")
		return !ok
	})

	// own streams end, new ones start closed
	for {
		if _, ok := <-own; !ok {
			break
		}
	}
	if _, ok := <-a.Observe(); ok {
		t.Fatal("Observe after Leave returned an open stream")
	}
}

func TestBroadcastReachesOthers(t *testing.T) {
	hub := pubsub.NewHub()
	a := join(t, hub, "a1", StatusSearching)
	b := join(t, hub, "b2", StatusSearching)

	got := make(chan pubsub.Message, 1)
	b.OnEvent(func(m pubsub.Message) { got <- m })

	if err := a.Broadcast(context.Background(), "invite", map[string]string{"to": "b2"}); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-got:
		if m.Event != "invite" {
			t.Fatalf("event = %s", m.Event)
		}
	case <-time.After(waitTimeout):
		t.Fatal("broadcast not received")
	}
}

func TestDecodeSnapshotSkipsMalformed(t *testing.T) {
	snap := decodeSnapshot(pubsub.Presence{
		"z9":  []byte(`{"status":"idle"}`),
		"a1":  []byte(`{"id":"spoofed","status":"searching"}`),
		"bad": []byte(`[`),
	})
	if len(snap) != 2 || snap[0].ID != "a1" || snap[1].ID != "z9" {
		t.Fatalf("snapshot = %+v", snap)
	}
}
