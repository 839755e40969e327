// Package fakepc provides an in-memory media connection that implements the
// offer/answer state machine (including rollback) without any network.
// Descriptions are plain strings that carry the sender's track count, so a
// remote track "arrives" when a description announcing one is applied.
package fakepc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/globalconnect/internal/negotiation"
)

var (
	ErrClosed       = errors.New("fakepc: closed")
	ErrInvalidState = errors.New("fakepc: invalid state")
)

// Track is a fake remote track.
type Track struct {
	TrackID string
	Stream  string
}

func (t Track) ID() string                { return t.TrackID }
func (t Track) StreamID() string          { return t.Stream }
func (t Track) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }

// PC is a fake media connection. Callbacks run on their own goroutines, as
// with a real connection.
type PC struct {
	Name string

	mu          sync.Mutex
	state       webrtc.SignalingState
	localDesc   *webrtc.SessionDescription
	remoteDesc  *webrtc.SessionDescription
	localTracks int
	seq         int
	trackFired  bool
	closed      bool

	remoteOffers  []string
	remoteAnswers []string
	candidates    []webrtc.ICECandidateInit
	pending       []webrtc.ICECandidateInit
	rollbacks     int

	// FailCandidates makes AddICECandidate reject every candidate.
	FailCandidates bool

	onICE        func(*webrtc.ICECandidateInit)
	onTrack      func(negotiation.RemoteTrack)
	onTrackEnded func(negotiation.RemoteTrack)
	onNeg        func()
	onState      func(webrtc.PeerConnectionState)
}

// New returns a fake connection in the stable state.
func New(name string) *PC {
	return &PC{Name: name, state: webrtc.SignalingStateStable}
}

func (p *PC) describe(t webrtc.SDPType) webrtc.SessionDescription {
	p.seq++
	return webrtc.SessionDescription{
		Type: t,
		SDP:  fmt.Sprintf("fake name=%s seq=%d tracks=%d", p.Name, p.seq, p.localTracks),
	}
}

func (p *PC) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if p.state != webrtc.SignalingStateStable && p.state != webrtc.SignalingStateHaveLocalOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create offer in %s", ErrInvalidState, p.state)
	}
	return p.describe(webrtc.SDPTypeOffer), nil
}

func (p *PC) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if p.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer in %s", ErrInvalidState, p.state)
	}
	return p.describe(webrtc.SDPTypeAnswer), nil
}

func (p *PC) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if p.state != webrtc.SignalingStateStable && p.state != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("%w: local offer in %s", ErrInvalidState, p.state)
		}
		p.state = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if p.state != webrtc.SignalingStateHaveRemoteOffer {
			return fmt.Errorf("%w: local answer in %s", ErrInvalidState, p.state)
		}
		p.state = webrtc.SignalingStateStable
	case webrtc.SDPTypeRollback:
		if p.state != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("%w: rollback in %s", ErrInvalidState, p.state)
		}
		p.state = webrtc.SignalingStateStable
		p.localDesc = nil
		p.rollbacks++
		return nil
	default:
		return fmt.Errorf("%w: local %s", ErrInvalidState, desc.Type)
	}

	d := desc
	p.localDesc = &d
	if fn := p.onICE; fn != nil {
		c := webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%s %d udp 1 127.0.0.1 9 typ host", p.Name, p.seq)}
		go fn(&c)
	}
	return nil
}

func (p *PC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if p.state != webrtc.SignalingStateStable {
			return fmt.Errorf("%w: remote offer in %s", ErrInvalidState, p.state)
		}
		p.state = webrtc.SignalingStateHaveRemoteOffer
		p.remoteOffers = append(p.remoteOffers, desc.SDP)
	case webrtc.SDPTypeAnswer:
		if p.state != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("%w: remote answer in %s", ErrInvalidState, p.state)
		}
		p.state = webrtc.SignalingStateStable
		p.remoteAnswers = append(p.remoteAnswers, desc.SDP)
	default:
		return fmt.Errorf("%w: remote %s", ErrInvalidState, desc.Type)
	}

	d := desc
	p.remoteDesc = &d
	p.candidates = append(p.candidates, p.pending...)
	p.pending = nil

	if !p.trackFired && announcedTracks(desc.SDP) > 0 && p.onTrack != nil {
		p.trackFired = true
		fn, track := p.onTrack, Track{TrackID: "audio-" + senderName(desc.SDP), Stream: "stream-" + senderName(desc.SDP)}
		go fn(track)
	}
	return nil
}

func (p *PC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.FailCandidates {
		return fmt.Errorf("%w: candidate rejected", ErrInvalidState)
	}
	if p.remoteDesc == nil {
		p.pending = append(p.pending, c)
		return nil
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *PC) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// AddTrack attaches a local track and requests negotiation.
func (p *PC) AddTrack(webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.localTracks++
	if fn := p.onNeg; fn != nil {
		go fn()
	}
	return nil
}

func (p *PC) OnICECandidate(fn func(*webrtc.ICECandidateInit)) { p.set(func() { p.onICE = fn }) }
func (p *PC) OnTrack(fn func(negotiation.RemoteTrack))         { p.set(func() { p.onTrack = fn }) }
func (p *PC) OnTrackEnded(fn func(negotiation.RemoteTrack))    { p.set(func() { p.onTrackEnded = fn }) }
func (p *PC) OnNegotiationNeeded(fn func())                    { p.set(func() { p.onNeg = fn }) }
func (p *PC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.set(func() { p.onState = fn })
}

func (p *PC) set(fn func()) {
	p.mu.Lock()
	fn()
	p.mu.Unlock()
}

// Close moves the connection to closed. Idempotent.
func (p *PC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.state = webrtc.SignalingStateClosed
	return nil
}

// ---------------------------------------------------------------------------
// test controls and inspection
// ---------------------------------------------------------------------------

// SetConnectionState fires the connection state callback.
func (p *PC) SetConnectionState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// EndRemoteTrack fires the track-ended callback.
func (p *PC) EndRemoteTrack() {
	p.mu.Lock()
	fn := p.onTrackEnded
	p.mu.Unlock()
	if fn != nil {
		fn(Track{TrackID: "audio", Stream: "stream"})
	}
}

// Closed reports whether Close was called.
func (p *PC) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// RemoteOffers returns the SDP of every applied remote offer.
func (p *PC) RemoteOffers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.remoteOffers...)
}

// RemoteAnswers returns the SDP of every applied remote answer.
func (p *PC) RemoteAnswers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.remoteAnswers...)
}

// Candidates returns the applied remote candidates.
func (p *PC) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

// Rollbacks counts local offers discarded by rollback.
func (p *PC) Rollbacks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rollbacks
}

// LocalTracks counts attached local tracks.
func (p *PC) LocalTracks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localTracks
}

func announcedTracks(sdp string) int {
	for _, field := range strings.Fields(sdp) {
		if v, ok := strings.CutPrefix(field, "tracks="); ok {
			n, _ := strconv.Atoi(v)
			return n
		}
	}
	return 0
}

func senderName(sdp string) string {
	for _, field := range strings.Fields(sdp) {
		if v, ok := strings.CutPrefix(field, "name="); ok {
			return v
		}
	}
	return "unknown"
}

var _ negotiation.PeerConnection = (*PC)(nil)
