package relay

import (
	"encoding/json"
	"testing"

	"github.com/1ureka/globalconnect/internal/auth"
	"github.com/1ureka/globalconnect/internal/protocol"
)

// newDetachedClient returns a client without a socket whose queued frames
// can be inspected.
func newDetachedClient(id string, hub *Hub) *Client {
	return newClient(id, auth.Session{ID: id}, hub, nil)
}

func drain(t *testing.T, c *Client) []*protocol.Frame {
	t.Helper()
	var out []*protocol.Frame
	for {
		select {
		case data := <-c.send:
			f, err := protocol.Decode(data)
			if err != nil {
				t.Fatalf("queued frame does not decode: %v", err)
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestHubJoinSendsCurrentState(t *testing.T) {
	hub := NewHub()
	a := newDetachedClient("a", hub)
	b := newDetachedClient("b", hub)

	if err := hub.join(a, "lobby", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := hub.track(a, "lobby", json.RawMessage(`{"id":"alice"}`)); err != nil {
		t.Fatal(err)
	}
	if err := hub.join(b, "lobby", "bob"); err != nil {
		t.Fatal(err)
	}

	frames := drain(t, b)
	if len(frames) != 1 || frames[0].Op != protocol.OpSync {
		t.Fatalf("frames = %+v", frames)
	}
	if string(frames[0].Presence["alice"]) != `{"id":"alice"}` {
		t.Fatalf("presence = %v", frames[0].Presence)
	}

	if err := hub.join(b, "lobby", "bob"); err != errAlreadyJoined {
		t.Fatalf("second join: err = %v", err)
	}
}

func TestHubDisconnectRemovesPresence(t *testing.T) {
	hub := NewHub()
	a := newDetachedClient("a", hub)
	b := newDetachedClient("b", hub)

	for _, c := range []*Client{a, b} {
		if err := hub.join(c, "lobby", c.ID); err != nil {
			t.Fatal(err)
		}
		if err := hub.track(c, "lobby", json.RawMessage(`"`+c.ID+`"`)); err != nil {
			t.Fatal(err)
		}
	}
	drain(t, b)

	hub.disconnect(a)

	frames := drain(t, b)
	if len(frames) != 1 || frames[0].Op != protocol.OpSync {
		t.Fatalf("frames = %+v", frames)
	}
	if _, ghost := frames[0].Presence["a"]; ghost {
		t.Fatal("disconnected client still present")
	}
	if _, ok := frames[0].Presence["b"]; !ok {
		t.Fatal("remaining client missing from presence")
	}

	if err := hub.broadcast(a, "lobby", "x", nil); err != errNotJoined {
		t.Fatalf("broadcast after disconnect: err = %v", err)
	}
}

func TestHubUntrackKeepsSubscription(t *testing.T) {
	hub := NewHub()
	a := newDetachedClient("a", hub)
	b := newDetachedClient("b", hub)
	_ = hub.join(a, "room", "a")
	_ = hub.join(b, "room", "b")
	_ = hub.track(a, "room", json.RawMessage(`1`))
	drain(t, a)
	drain(t, b)

	if err := hub.untrack(a, "room"); err != nil {
		t.Fatal(err)
	}
	if frames := drain(t, b); len(frames) != 1 || len(frames[0].Presence) != 0 {
		t.Fatalf("frames = %+v", frames)
	}

	if err := hub.broadcast(b, "room", "ping", json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
	frames := drain(t, a)
	if len(frames) != 1 || frames[0].Event != "ping" {
		t.Fatalf("frames = %+v", frames)
	}
	if frames := drain(t, b); len(frames) != 0 {
		t.Fatalf("sender got %d frames back", len(frames))
	}
}
