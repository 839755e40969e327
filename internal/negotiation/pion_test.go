package negotiation_test

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/globalconnect/internal/media"
	"github.com/1ureka/globalconnect/internal/negotiation"
	"github.com/1ureka/globalconnect/internal/pubsub"
)

const pionTimeout = 15 * time.Second

// loopbackAPI lets two peers in one process reach each other without any
// interface besides lo.
func loopbackAPI() *webrtc.API {
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

func silence(t *testing.T) *media.LocalStream {
	t.Helper()
	s, err := media.SilenceCapturer{}.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestGlareConvergesOverPion(t *testing.T) {
	pairA, pairB := pairings("a1", "b2")
	api := media.WithAPI(loopbackAPI())

	pcA, err := media.NewPeer(nil, api)
	must(t, err)
	defer pcA.Close()
	pcB, err := media.NewPeer(nil, api)
	must(t, err)
	defer pcB.Close()

	chA, chB := &recChannel{}, &recChannel{}
	na := negotiation.New(pcA, chA, pairA, nil)
	nb := negotiation.New(pcB, chB, pairB, nil)
	must(t, pcA.AddTrack(silence(t).Tracks()[0]))
	must(t, pcB.AddTrack(silence(t).Tracks()[0]))

	must(t, na.DispatchNegotiationNeeded())
	must(t, nb.DispatchNegotiationNeeded())
	offerA, offerB := chA.last(t), chB.last(t)
	if offerA.Description.Type != webrtc.SDPTypeOffer || offerB.Description.Type != webrtc.SDPTypeOffer {
		t.Fatal("both sides should have offered")
	}

	must(t, na.DispatchSignal(offerB))
	if !na.IgnoringOffer() {
		t.Fatal("impolite side should ignore the colliding offer")
	}
	if err := nb.DispatchSignal(offerA); err != nil {
		t.Fatalf("polite side failed on the colliding offer: %v", err)
	}

	answerB := chB.last(t)
	if answerB.Description == nil || answerB.Description.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("polite side published %+v, want an answer", answerB)
	}
	must(t, na.DispatchSignal(answerB))

	if s := pcA.SignalingState(); s != webrtc.SignalingStateStable {
		t.Fatalf("a1 state = %s", s)
	}
	if s := pcB.SignalingState(); s != webrtc.SignalingStateStable {
		t.Fatalf("b2 state = %s", s)
	}
}

func TestSessionsConnectOverPion(t *testing.T) {
	for round := 0; round < 3; round++ {
		hub := pubsub.NewHub(pubsub.WithMaxDelay(3 * time.Millisecond))
		backend := &negotiation.RawBackend{
			Transport:         hub,
			NewPeerConnection: media.Factory(nil, media.WithAPI(loopbackAPI())),
		}
		pairA, pairB := pairings("a1", "b2")

		a, err := backend.Open(context.Background(), pairA, silence(t))
		must(t, err)
		b, err := backend.Open(context.Background(), pairB, silence(t))
		must(t, err)

		for _, s := range []negotiation.Session{a, b} {
			select {
			case ev := <-s.Events():
				if ev.Kind != negotiation.EventConnected {
					t.Fatalf("round %d: event = %s (%v), want connected", round, ev.Kind, ev.Err)
				}
				if ev.Remote == nil || len(ev.Remote.Tracks) != 1 || ev.Remote.Tracks[0].Kind() != webrtc.RTPCodecTypeAudio {
					t.Fatalf("round %d: remote stream %+v", round, ev.Remote)
				}
			case <-time.After(pionTimeout):
				t.Fatalf("round %d: no media", round)
			}
		}

		a.Close()
		b.Close()
		hub.Close()
	}
}
