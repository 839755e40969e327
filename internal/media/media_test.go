package media

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestICEServersDefault(t *testing.T) {
	got := ICEServers(nil)
	if len(got) != 1 || len(got[0].URLs) != len(DefaultSTUN) {
		t.Fatalf("ICEServers(nil) = %+v", got)
	}

	custom := []webrtc.ICEServer{{URLs: []string{"turn:example.org:3478"}, Username: "u", Credential: "p"}}
	if got := ICEServers(custom); len(got) != 1 || got[0].URLs[0] != "turn:example.org:3478" {
		t.Fatalf("ICEServers(custom) = %+v", got)
	}
}

func TestLocalStreamStopOnce(t *testing.T) {
	calls := 0
	s := NewLocalStream(nil, func() { calls++ })
	s.Stop()
	s.Stop()
	if calls != 1 {
		t.Fatalf("stop ran %d times", calls)
	}

	NewLocalStream(nil, nil).Stop()
}

func TestDeniedCapturer(t *testing.T) {
	_, err := DeniedCapturer{}.Acquire(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v", err)
	}
}

func TestCapturerFunc(t *testing.T) {
	want := NewLocalStream(nil, nil)
	var c Capturer = CapturerFunc(func(context.Context) (*LocalStream, error) { return want, nil })
	got, err := c.Acquire(context.Background())
	if err != nil || got != want {
		t.Fatalf("Acquire = %v, %v", got, err)
	}
}

func TestSilenceCapturer(t *testing.T) {
	s, err := SilenceCapturer{}.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	tracks := s.Tracks()
	if len(tracks) != 1 {
		t.Fatalf("%d tracks", len(tracks))
	}
	if tracks[0].Kind() != webrtc.RTPCodecTypeAudio {
		t.Fatalf("kind = %s", tracks[0].Kind())
	}
	s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (SilenceCapturer{}).Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled acquire: %v", err)
	}
}

func TestPeerBuffersEarlyCandidates(t *testing.T) {
	p, err := NewPeer(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host"}
	if err := p.AddICECandidate(cand); err != nil {
		t.Fatalf("early candidate: %v", err)
	}
	if p.Buffered() != 1 {
		t.Fatalf("buffered = %d", p.Buffered())
	}
}

func TestPeerOfferAnswer(t *testing.T) {
	a, err := NewPeer(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := NewPeer(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	stream, err := SilenceCapturer{}.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Stop()
	if err := a.AddTrack(stream.Tracks()[0]); err != nil {
		t.Fatal(err)
	}

	offer, err := a.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	if a.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		t.Fatalf("a state = %s", a.SignalingState())
	}

	if err := b.AddICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host"}); err != nil {
		t.Fatal(err)
	}
	if err := b.SetRemoteDescription(offer); err != nil {
		t.Fatal(err)
	}
	if b.Buffered() != 0 {
		t.Fatal("buffered candidates not flushed")
	}

	answer, err := b.CreateAnswer()
	if err != nil {
		t.Fatal(err)
	}
	if err := b.SetLocalDescription(answer); err != nil {
		t.Fatal(err)
	}
	if err := a.SetRemoteDescription(answer); err != nil {
		t.Fatal(err)
	}

	if a.SignalingState() != webrtc.SignalingStateStable || b.SignalingState() != webrtc.SignalingStateStable {
		t.Fatalf("states %s / %s", a.SignalingState(), b.SignalingState())
	}
}

func TestPeerRollbackWithoutPendingOffer(t *testing.T) {
	p, err := NewPeer(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	err = p.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
	if !errors.Is(err, errNoPendingOffer) {
		t.Fatalf("rollback in stable: %v", err)
	}
}

func loopbackAPI() *webrtc.API {
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// offeringPeer returns a peer with a silent track and a local offer applied.
func offeringPeer(t *testing.T) (*Peer, webrtc.SessionDescription) {
	t.Helper()
	p, err := NewPeer(nil, WithAPI(loopbackAPI()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })

	stream, err := SilenceCapturer{}.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(stream.Stop)
	if err := p.AddTrack(stream.Tracks()[0]); err != nil {
		t.Fatal(err)
	}

	offer, err := p.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}
	if err := p.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	return p, offer
}

func TestPeerRollbackAnswersCollidingOffer(t *testing.T) {
	impolite, offer := offeringPeer(t)
	polite, _ := offeringPeer(t)

	states := make(chan webrtc.PeerConnectionState, 16)
	polite.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		select {
		case states <- s:
		default:
		}
	})
	candidates := make(chan struct{}, 64)
	polite.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c != nil {
			select {
			case candidates <- struct{}{}:
			default:
			}
		}
	})

	if err := polite.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if s := polite.SignalingState(); s != webrtc.SignalingStateStable {
		t.Fatalf("state after rollback = %s", s)
	}
	for len(candidates) > 0 {
		<-candidates
	}

	if err := polite.SetRemoteDescription(offer); err != nil {
		t.Fatal(err)
	}
	answer, err := polite.CreateAnswer()
	if err != nil {
		t.Fatal(err)
	}
	if err := polite.SetLocalDescription(answer); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(answer.SDP, "a=sendrecv") {
		t.Fatalf("answer does not carry the local track:\n%s", answer.SDP)
	}
	if err := impolite.SetRemoteDescription(answer); err != nil {
		t.Fatal(err)
	}
	if impolite.SignalingState() != webrtc.SignalingStateStable || polite.SignalingState() != webrtc.SignalingStateStable {
		t.Fatalf("states %s / %s", impolite.SignalingState(), polite.SignalingState())
	}

	select {
	case <-candidates:
	case <-time.After(5 * time.Second):
		t.Fatal("no candidates from the replacement connection")
	}
	for len(states) > 0 {
		if s := <-states; s == webrtc.PeerConnectionStateClosed {
			t.Fatal("closing the replaced connection leaked a closed state")
		}
	}

	// A renegotiation offer cannot be rolled back once media is set up.
	again, err := polite.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}
	if err := polite.SetLocalDescription(again); err != nil {
		t.Fatal(err)
	}
	err = polite.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
	if !errors.Is(err, errRollbackLive) {
		t.Fatalf("renegotiation rollback: %v", err)
	}
}
