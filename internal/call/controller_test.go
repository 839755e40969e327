package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/globalconnect/internal/lobby"
	"github.com/1ureka/globalconnect/internal/match"
	"github.com/1ureka/globalconnect/internal/media"
	"github.com/1ureka/globalconnect/internal/negotiation"
	"github.com/1ureka/globalconnect/internal/negotiation/fakepc"
	"github.com/1ureka/globalconnect/internal/pubsub"
)

const waitTimeout = 3 * time.Second

// ---------------------------------------------------------------------------
// rig
// ---------------------------------------------------------------------------

type reported struct {
	kind ErrorKind
	msg  string
}

type party struct {
	c      *Controller
	states chan Session
	errs   chan reported
	stops  atomic.Int32 // local capture releases

	mu  sync.Mutex
	pcs []*fakepc.PC
}

func (p *party) lastPC(t *testing.T) *fakepc.PC {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pcs) == 0 {
		t.Fatal("no media connection was created")
	}
	return p.pcs[len(p.pcs)-1]
}

// capture selects what the party's microphone yields.
type capture int

const (
	withAudio capture = iota
	noTracks
	denied
)

func newParty(t *testing.T, hub *pubsub.Hub, id, name string, mic capture, opts Options) *party {
	t.Helper()
	p := &party{
		states: make(chan Session, 256),
		errs:   make(chan reported, 16),
	}

	capturer := media.CapturerFunc(func(context.Context) (*media.LocalStream, error) {
		switch mic {
		case denied:
			return nil, media.ErrPermissionDenied
		case noTracks:
			return media.NewLocalStream(nil, func() { p.stops.Add(1) }), nil
		}
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "mic-"+id)
		if err != nil {
			return nil, err
		}
		return media.NewLocalStream([]webrtc.TrackLocal{track}, func() { p.stops.Add(1) }), nil
	})

	backend := &negotiation.RawBackend{
		Transport: hub,
		NewPeerConnection: func() (negotiation.PeerConnection, error) {
			pc := fakepc.New(id)
			p.mu.Lock()
			p.pcs = append(p.pcs, pc)
			p.mu.Unlock()
			return pc, nil
		},
	}

	p.c = New(Deps{
		Transport: hub,
		Capturer:  capturer,
		Backend:   backend,
		Self:      match.Participant{SelfID: id, DisplayName: name},
	}, opts)
	p.c.OnStateChange(func(s Session) { p.states <- s })
	p.c.OnError(func(k ErrorKind, msg string) { p.errs <- reported{k, msg} })
	t.Cleanup(p.c.Close)
	return p
}

func (p *party) wait(t *testing.T, status Status) Session {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case s := <-p.states:
			if s.Status == status {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s (now %s)", status, p.c.Session().Status)
			return Session{}
		}
	}
}

func (p *party) noErrors(t *testing.T) {
	t.Helper()
	select {
	case r := <-p.errs:
		t.Fatalf("unexpected error report %s: %s", r.kind, r.msg)
	default:
	}
}

func start(t *testing.T, ps ...*party) {
	t.Helper()
	for _, p := range ps {
		if err := p.c.StartSearch(context.Background()); err != nil {
			t.Fatalf("StartSearch: %v", err)
		}
	}
}

func inLobby(hub *pubsub.Hub, id string) bool {
	_, ok := hub.Presence(lobby.Topic)[id]
	return ok
}

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestCallConnectsAndHangsUp(t *testing.T) {
	hub := pubsub.NewHub(pubsub.WithMaxDelay(2 * time.Millisecond))
	a := newParty(t, hub, "a1", "Alice", withAudio, Options{})
	b := newParty(t, hub, "b2", "Bob", withAudio, Options{})
	start(t, a, b)

	a.wait(t, StatusSearching)
	if s := a.wait(t, StatusConnecting); s.PartnerDisplayName != "Bob" {
		t.Fatalf("a partner = %q", s.PartnerDisplayName)
	}
	sa := a.wait(t, StatusConnected)
	sb := b.wait(t, StatusConnected)
	if sa.StartedAt.IsZero() || sa.ElapsedSeconds != 0 {
		t.Fatalf("a connected session = %+v", sa)
	}
	if sb.PartnerDisplayName != "Alice" {
		t.Fatalf("b partner = %q", sb.PartnerDisplayName)
	}

	a.c.EndCall()
	if s := a.c.Session(); s.Status != StatusIdle || !s.StartedAt.IsZero() || s.ElapsedSeconds != 0 {
		t.Fatalf("a after hang-up = %+v", s)
	}
	b.wait(t, StatusIdle)

	a.noErrors(t)
	b.noErrors(t)
	if !a.lastPC(t).Closed() || !b.lastPC(t).Closed() {
		t.Fatal("media connections left open")
	}
	if inLobby(hub, "a1") || inLobby(hub, "b2") {
		t.Fatal("lobby records left behind")
	}
}

func TestElapsedTicksWhileConnected(t *testing.T) {
	hub := pubsub.NewHub()
	a := newParty(t, hub, "a1", "Alice", withAudio, Options{TickInterval: 50 * time.Millisecond})
	b := newParty(t, hub, "b2", "Bob", withAudio, Options{})
	start(t, a, b)
	a.wait(t, StatusConnected)

	deadline := time.After(waitTimeout)
	for {
		select {
		case s := <-a.states:
			if s.Status == StatusConnected && s.ElapsedSeconds >= 1 {
				return
			}
		case <-deadline:
			t.Fatalf("elapsed never advanced: %+v", a.c.Session())
		}
	}
}

func TestEndCallTwiceReleasesOnce(t *testing.T) {
	hub := pubsub.NewHub()
	a := newParty(t, hub, "a1", "Alice", withAudio, Options{})
	b := newParty(t, hub, "b2", "Bob", withAudio, Options{})
	start(t, a, b)
	a.wait(t, StatusConnected)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.c.EndCall()
		}()
	}
	wg.Wait()

	if s := a.c.Session().Status; s != StatusIdle {
		t.Fatalf("status = %s", s)
	}
	if n := a.stops.Load(); n != 1 {
		t.Fatalf("capture released %d times", n)
	}
	if inLobby(hub, "a1") {
		t.Fatal("a1 still in the lobby")
	}
	if n := hub.Subscribers(match.TopicName("a1", "b2")); n > 1 {
		t.Fatalf("a1 still subscribed to the private topic (%d subscribers)", n)
	}

	a.c.EndCall()
	if n := a.stops.Load(); n != 1 {
		t.Fatalf("capture released %d times after a third call", n)
	}
	b.wait(t, StatusIdle)
}

func TestPermissionDeniedLeavesLobbyUntouched(t *testing.T) {
	hub := pubsub.NewHub()
	a := newParty(t, hub, "a1", "Alice", denied, Options{})

	err := a.c.StartSearch(context.Background())
	if !errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("err = %v", err)
	}
	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != ErrPermissionDenied {
		t.Fatalf("err = %#v", err)
	}

	if s := a.wait(t, StatusError); s.PartnerDisplayName != "" {
		t.Fatalf("session = %+v", s)
	}
	select {
	case r := <-a.errs:
		if r.kind != ErrPermissionDenied {
			t.Fatalf("reported %s", r.kind)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no error report")
	}
	if hub.Subscribers(lobby.Topic) != 0 {
		t.Fatal("lobby was touched")
	}

	if err := a.c.StartSearch(context.Background()); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("StartSearch in error state: %v", err)
	}
	a.c.Cancel()
	if s := a.c.Session().Status; s != StatusIdle {
		t.Fatalf("after cancel: %s", s)
	}
}

func TestRetryClearsError(t *testing.T) {
	hub := pubsub.NewHub()
	var allow atomic.Bool
	c := New(Deps{
		Transport: hub,
		Capturer: media.CapturerFunc(func(context.Context) (*media.LocalStream, error) {
			if !allow.Load() {
				return nil, media.ErrPermissionDenied
			}
			return media.NewLocalStream(nil, nil), nil
		}),
		Self: match.Participant{SelfID: "a1", DisplayName: "Alice"},
	}, Options{})
	defer c.Close()

	if err := c.Retry(context.Background()); !errors.Is(err, ErrNoError) {
		t.Fatalf("Retry while idle: %v", err)
	}
	if err := c.StartSearch(context.Background()); err == nil {
		t.Fatal("expected permission error")
	}

	allow.Store(true)
	if err := c.Retry(context.Background()); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if s := c.Session().Status; s != StatusSearching {
		t.Fatalf("status = %s", s)
	}
	if !inLobby(hub, "a1") {
		t.Fatal("not in the lobby after retry")
	}
}

func TestStartSearchTwice(t *testing.T) {
	hub := pubsub.NewHub()
	a := newParty(t, hub, "a1", "Alice", withAudio, Options{})
	start(t, a)
	if err := a.c.StartSearch(context.Background()); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("second StartSearch: %v", err)
	}
	a.c.Cancel()
	if inLobby(hub, "a1") {
		t.Fatal("cancel left the lobby record")
	}
}

// TestPartnerLeavingLobbyEndsCall pairs a controller with a bare matchmaker
// that never negotiates, then removes the partner's presence record.
func TestPartnerLeavingLobbyEndsCall(t *testing.T) {
	hub := pubsub.NewHub()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	lb, err := lobby.Join(ctx, hub, "b2", "Bob", lobby.StatusSearching)
	if err != nil {
		t.Fatal(err)
	}
	defer lb.Leave()

	a := newParty(t, hub, "a1", "Alice", withAudio, Options{})
	start(t, a)

	pairing, err := match.Run(ctx, lb, match.New(match.Participant{SelfID: "b2", DisplayName: "Bob"}, nil))
	if err != nil {
		t.Fatal(err)
	}
	if pairing.PeerID != "a1" {
		t.Fatalf("b2 paired with %s", pairing.PeerID)
	}
	a.wait(t, StatusConnecting)

	if err := lb.Leave(); err != nil {
		t.Fatal(err)
	}
	a.wait(t, StatusIdle)
	a.noErrors(t)
	if n := a.stops.Load(); n != 1 {
		t.Fatalf("capture released %d times", n)
	}
}

func TestConnectTimeoutReturnsToIdle(t *testing.T) {
	hub := pubsub.NewHub()
	opts := Options{ConnectTimeout: 150 * time.Millisecond}
	a := newParty(t, hub, "a1", "Alice", noTracks, opts)
	b := newParty(t, hub, "b2", "Bob", noTracks, opts)
	start(t, a, b)

	a.wait(t, StatusConnecting)
	a.wait(t, StatusIdle)
	b.wait(t, StatusIdle)
	a.noErrors(t)
	b.noErrors(t)
}

func TestRequeueAfterFailedMatch(t *testing.T) {
	hub := pubsub.NewHub()
	opts := Options{ConnectTimeout: 150 * time.Millisecond, Requeue: true}
	a := newParty(t, hub, "a1", "Alice", noTracks, opts)
	b := newParty(t, hub, "b2", "Bob", noTracks, opts)
	start(t, a, b)

	a.wait(t, StatusConnecting)
	a.wait(t, StatusIdle)
	a.wait(t, StatusSearching)
	a.noErrors(t)
}

func TestTransportLossIsReported(t *testing.T) {
	hub := pubsub.NewHub()
	a := newParty(t, hub, "a1", "Alice", withAudio, Options{})
	start(t, a)
	a.wait(t, StatusSearching)

	hub.Close()
	a.wait(t, StatusError)
	select {
	case r := <-a.errs:
		if r.kind != ErrTransportUnavailable {
			t.Fatalf("reported %s", r.kind)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no error report")
	}
	if n := a.stops.Load(); n != 1 {
		t.Fatalf("capture released %d times", n)
	}
}

func TestJoinFailureIsReported(t *testing.T) {
	hub := pubsub.NewHub()
	hub.Close()
	a := newParty(t, hub, "a1", "Alice", withAudio, Options{})

	err := a.c.StartSearch(context.Background())
	if !errors.Is(err, pubsub.ErrUnavailable) {
		t.Fatalf("err = %v", err)
	}
	a.wait(t, StatusError)
	if n := a.stops.Load(); n != 1 {
		t.Fatalf("capture released %d times", n)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{media.ErrPermissionDenied, ErrPermissionDenied},
		{negotiation.ErrNegotiationFailure, ErrNegotiationFailure},
		{errPeerLost, ErrPeerLost},
		{pubsub.ErrUnavailable, ErrTransportUnavailable},
		{&Error{Kind: ErrPeerLost, Err: errors.New("x")}, ErrPeerLost},
	}
	for _, tc := range cases {
		if got := classify(tc.err); got != tc.want {
			t.Errorf("classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
