package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/globalconnect/internal/match"
	"github.com/1ureka/globalconnect/internal/pubsub"
	"github.com/1ureka/globalconnect/internal/util"
)

const (
	inboxSize   = 64
	publishWait = 5 * time.Second
	leaveWait   = time.Second
)

var log = util.Scope("negotiation")

// Negotiator owns one media connection and its signaling channel. Every
// input (remote signal, connection callback, presence change) goes through
// a single dispatch goroutine, so the state below needs no lock.
type Negotiator struct {
	pc      PeerConnection
	ch      Channel
	pairing match.Pairing
	local   LocalStream

	inbox  chan input
	events chan Event

	// dispatch-goroutine state
	ignoreOffer bool
	started     bool // local tracks attached
	peerSeen    bool
	connected   bool
	finished    bool // terminal event emitted

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// inputs of the dispatch loop
type (
	input             interface{}
	negotiationNeeded struct{}
	localCandidate    struct{ init *webrtc.ICECandidateInit }
	remoteSignal      struct{ sig Signal }
	presenceChanged   struct{ presence pubsub.Presence }
	trackAdded        struct{ track RemoteTrack }
	trackEnded        struct{ track RemoteTrack }
	connectionState   struct{ state webrtc.PeerConnectionState }
	channelLost       struct{ err error }
)

// New wires pc and ch for pairing. local may be nil (receive only). Nothing
// happens until Start.
func New(pc PeerConnection, ch Channel, pairing match.Pairing, local LocalStream) *Negotiator {
	n := &Negotiator{
		pc:      pc,
		ch:      ch,
		pairing: pairing,
		local:   local,
		inbox:   make(chan input, inboxSize),
		events:  make(chan Event, 2),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	return n
}

// Events reports Connected, then at most one of Failed or PeerLeft.
func (n *Negotiator) Events() <-chan Event { return n.events }

// Start registers every callback, announces presence on the private channel
// and starts the dispatch loop. Local tracks are attached, and the first
// offer made, once the peer is seen on the channel.
func (n *Negotiator) Start(ctx context.Context) error {
	n.pc.OnNegotiationNeeded(func() { n.post(negotiationNeeded{}) })
	n.pc.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c != nil {
			n.post(localCandidate{init: c})
		}
	})
	n.pc.OnTrack(func(t RemoteTrack) { n.post(trackAdded{track: t}) })
	n.pc.OnTrackEnded(func(t RemoteTrack) { n.post(trackEnded{track: t}) })
	n.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) { n.post(connectionState{state: s}) })

	n.ch.OnEvent(func(m pubsub.Message) {
		if m.Event != EventSignal {
			return
		}
		var sig Signal
		if err := m.Decode(&sig); err != nil {
			log.Warn("%v", err)
			return
		}
		n.post(remoteSignal{sig: sig})
	})
	n.ch.OnPresenceSync(func(p pubsub.Presence) { n.post(presenceChanged{presence: p}) })
	n.ch.OnError(func(err error) { n.post(channelLost{err: err}) })

	go n.run()

	if err := n.ch.Track(ctx, map[string]string{"id": n.pairing.SelfID}); err != nil {
		return fmt.Errorf("announce on %s: %w", n.pairing.Topic, err)
	}
	log.Debug("%s waiting for %s on %s (polite=%v)", n.pairing.SelfID, n.pairing.PeerID, n.pairing.Topic, n.pairing.Polite)
	return nil
}

// post hands an input to the dispatch loop; dropped once closed.
func (n *Negotiator) post(in input) {
	select {
	case n.inbox <- in:
	case <-n.ctx.Done():
	}
}

func (n *Negotiator) run() {
	for {
		select {
		case in := <-n.inbox:
			if n.finished {
				continue
			}
			if err := n.handle(in); err != nil {
				n.finish(Event{Kind: EventFailed, Err: err})
			}
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Negotiator) handle(in input) error {
	switch in := in.(type) {
	case presenceChanged:
		return n.onPresence(in.presence)

	case negotiationNeeded:
		return n.makeOffer()

	case localCandidate:
		return n.send(Signal{Type: SignalCandidate, Candidate: in.init})

	case remoteSignal:
		return n.onSignal(in.sig)

	case trackAdded:
		if !n.connected {
			n.connected = true
			log.Debug("%s receiving media from %s", n.pairing.SelfID, n.pairing.PeerID)
			n.emit(Event{Kind: EventConnected, Remote: &RemoteStream{
				ID:     in.track.StreamID(),
				Tracks: []RemoteTrack{in.track},
			}})
		}

	case trackEnded:
		n.finish(Event{Kind: EventPeerLeft, Reason: "remote track ended"})

	case connectionState:
		log.Debug("%s connection state: %s", n.pairing.SelfID, in.state)
		switch in.state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			n.finish(Event{Kind: EventPeerLeft, Reason: "connection " + in.state.String()})
		}

	case channelLost:
		return fmt.Errorf("signaling channel: %w", in.err)
	}
	return nil
}

// onPresence starts negotiating once the peer is on the channel and reports
// the peer as gone when it disappears afterwards.
func (n *Negotiator) onPresence(p pubsub.Presence) error {
	if _, ok := p[n.pairing.PeerID]; !ok {
		if n.peerSeen {
			n.finish(Event{Kind: EventPeerLeft, Reason: "peer left the channel"})
		}
		return nil
	}

	n.peerSeen = true
	if n.started {
		return nil
	}
	n.started = true

	if n.local == nil {
		return nil
	}
	for _, track := range n.local.Tracks() {
		if err := n.pc.AddTrack(track); err != nil {
			return fmt.Errorf("%w: add local track: %v", ErrNegotiationFailure, err)
		}
	}
	return nil
}

func (n *Negotiator) makeOffer() error {
	if state := n.pc.SignalingState(); state != webrtc.SignalingStateStable {
		log.Debug("%s skips offer in state %s", n.pairing.SelfID, state)
		return nil
	}

	offer, err := n.pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", ErrNegotiationFailure, err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local offer: %v", ErrNegotiationFailure, err)
	}
	return n.send(Signal{Type: SignalDescription, Description: &offer})
}

func (n *Negotiator) onSignal(sig Signal) error {
	// own echoes and strangers on the topic
	if sig.From != n.pairing.PeerID {
		return nil
	}

	switch sig.Type {
	case SignalLeave:
		n.finish(Event{Kind: EventPeerLeft, Reason: "peer hung up"})
		return nil

	case SignalDescription:
		if sig.Description == nil {
			return nil
		}
		return n.onDescription(*sig.Description)

	case SignalCandidate:
		if sig.Candidate == nil {
			return nil
		}
		if err := n.pc.AddICECandidate(*sig.Candidate); err != nil {
			if n.pairing.Polite || n.ignoreOffer {
				log.Debug("%s drops candidate: %v", n.pairing.SelfID, err)
				return nil
			}
			return fmt.Errorf("%w: add candidate: %v", ErrNegotiationFailure, err)
		}
	}
	return nil
}

func (n *Negotiator) onDescription(desc webrtc.SessionDescription) error {
	state := n.pc.SignalingState()

	if desc.Type == webrtc.SDPTypeAnswer && state == webrtc.SignalingStateStable {
		log.Debug("%s ignores stale answer", n.pairing.SelfID)
		return nil
	}

	collision := desc.Type == webrtc.SDPTypeOffer && state != webrtc.SignalingStateStable
	n.ignoreOffer = !n.pairing.Polite && collision
	if n.ignoreOffer {
		log.Debug("%s (impolite) ignores colliding offer", n.pairing.SelfID)
		return nil
	}

	if collision {
		log.Debug("%s (polite) rolls back its offer", n.pairing.SelfID)
		if err := n.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return fmt.Errorf("%w: rollback: %v", ErrNegotiationFailure, err)
		}
	}

	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote %s: %v", ErrNegotiationFailure, desc.Type, err)
	}
	if desc.Type != webrtc.SDPTypeOffer {
		return nil
	}

	answer, err := n.pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", ErrNegotiationFailure, err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local answer: %v", ErrNegotiationFailure, err)
	}
	return n.send(Signal{Type: SignalDescription, Description: &answer})
}

func (n *Negotiator) send(sig Signal) error {
	sig.From = n.pairing.SelfID
	ctx, cancel := context.WithTimeout(n.ctx, publishWait)
	defer cancel()
	if err := n.ch.Publish(ctx, EventSignal, sig); err != nil {
		return fmt.Errorf("publish %s: %w", sig.Type, err)
	}
	return nil
}

// finish emits the terminal event once.
func (n *Negotiator) finish(ev Event) {
	if n.finished {
		return
	}
	n.finished = true
	if ev.Kind == EventFailed {
		log.Warn("%s negotiation failed: %v", n.pairing.SelfID, ev.Err)
	} else {
		log.Debug("%s: %s", n.pairing.SelfID, ev.Reason)
	}
	n.emit(ev)
}

func (n *Negotiator) emit(ev Event) {
	select {
	case n.events <- ev:
	default:
		log.Error("dropping %s event", ev.Kind)
	}
}

// Close says goodbye to the peer (best effort), then releases the media
// connection, the local capture and the channel. Idempotent.
func (n *Negotiator) Close() error {
	n.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), leaveWait)
		if err := n.ch.Publish(ctx, EventSignal, Signal{Type: SignalLeave, From: n.pairing.SelfID}); err != nil {
			log.Debug("leave not delivered: %v", err)
		}
		cancel()

		n.cancel()
		n.ch.OnEvent(nil)
		n.ch.OnPresenceSync(nil)
		n.ch.OnError(nil)

		pcErr := n.pc.Close()
		if n.local != nil {
			n.local.Stop()
		}
		n.closeErr = errors.Join(pcErr, n.ch.Close())
	})
	return n.closeErr
}
