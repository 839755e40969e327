// Package media adapts pion PeerConnections and local audio capture to the
// negotiation package.
package media

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/globalconnect/internal/negotiation"
	"github.com/1ureka/globalconnect/internal/util"
)

var log = util.Scope("media")

// DefaultSTUN is used when no ICE servers are configured.
var DefaultSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// ICEServers builds the pion ICE configuration. Without any servers it
// falls back to DefaultSTUN.
func ICEServers(servers []webrtc.ICEServer) []webrtc.ICEServer {
	if len(servers) == 0 {
		return []webrtc.ICEServer{{URLs: DefaultSTUN}}
	}
	return servers
}

// Peer wraps a *webrtc.PeerConnection as a negotiation.PeerConnection.
//
// Remote candidates that arrive before a remote description are held back
// and applied once one is set. pion cannot roll back a local offer, so a
// rollback before the first completed negotiation swaps in a fresh
// connection carrying the same tracks and callbacks.
type Peer struct {
	api    *webrtc.API
	config webrtc.Configuration

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	tracks  []webrtc.TrackLocal
	pending []webrtc.ICECandidateInit
	cb      callbacks
	quiet   bool // negotiation-needed muted until the next stable state
	closed  bool
}

type callbacks struct {
	ice               func(*webrtc.ICECandidateInit)
	track             func(negotiation.RemoteTrack)
	trackEnded        func(negotiation.RemoteTrack)
	negotiationNeeded func()
	state             func(webrtc.PeerConnectionState)
}

var (
	errNoPendingOffer = errors.New("rollback without a pending local offer")
	errRollbackLive   = errors.New("rollback of a renegotiation offer is not supported")
	errReplaced       = errors.New("connection replaced or closed during rollback")
)

// Option customizes a Peer.
type Option func(*Peer)

// WithAPI builds connections from api instead of pion's defaults.
func WithAPI(api *webrtc.API) Option {
	return func(p *Peer) { p.api = api }
}

// NewPeer creates a media connection using the given ICE servers.
func NewPeer(servers []webrtc.ICEServer, opts ...Option) (*Peer, error) {
	p := &Peer{
		api:    webrtc.NewAPI(),
		config: webrtc.Configuration{ICEServers: ICEServers(servers)},
	}
	for _, opt := range opts {
		opt(p)
	}
	pc, err := p.newConn()
	if err != nil {
		return nil, err
	}
	p.pc = pc
	return p, nil
}

// Factory returns a constructor suitable for negotiation.RawBackend.
func Factory(servers []webrtc.ICEServer, opts ...Option) func() (negotiation.PeerConnection, error) {
	return func() (negotiation.PeerConnection, error) {
		return NewPeer(servers, opts...)
	}
}

// newConn creates a pion connection whose callbacks go to the handlers
// registered on p for as long as it is the live connection.
func (p *Peer) newConn() (*webrtc.PeerConnection, error) {
	pc, err := p.api.NewPeerConnection(p.config)
	if err != nil {
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		cb, ok := p.handlers(pc)
		if !ok || cb.ice == nil {
			return
		}
		if c == nil {
			cb.ice(nil)
			return
		}
		init := c.ToJSON()
		cb.ice(&init)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		cb, ok := p.handlers(pc)
		if !ok {
			return
		}
		log.Debug("remote %s track %s (%s)", track.Kind(), track.ID(), track.Codec().MimeType)
		if cb.track != nil {
			cb.track(track)
		}
		go p.drain(pc, track)
	})
	pc.OnNegotiationNeeded(func() {
		p.mu.Lock()
		fn, live := p.cb.negotiationNeeded, p.pc == pc && !p.quiet
		p.mu.Unlock()
		if live && fn != nil {
			fn()
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if cb, ok := p.handlers(pc); ok && cb.state != nil {
			cb.state(s)
		}
	})
	return pc, nil
}

// handlers returns the registered callbacks if pc is still the live
// connection. Callbacks of a replaced connection are dropped.
func (p *Peer) handlers(pc *webrtc.PeerConnection) (callbacks, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cb, p.pc == pc
}

func (p *Peer) conn() *webrtc.PeerConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pc
}

func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.conn().CreateOffer(nil)
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.conn().CreateAnswer(nil)
}

// SetLocalDescription applies desc. SDPTypeRollback discards the pending
// local offer.
func (p *Peer) SetLocalDescription(desc webrtc.SessionDescription) error {
	if desc.Type == webrtc.SDPTypeRollback {
		return p.rollback()
	}
	pc := p.conn()
	if err := pc.SetLocalDescription(desc); err != nil {
		return err
	}
	p.settle(pc)
	return nil
}

// rollback replaces a connection stuck in have-local-offer with a fresh one
// in stable. Once a negotiation has completed, media is flowing on the
// connection and it is not replaced.
func (p *Peer) rollback() error {
	old := p.conn()
	if state := old.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("%w (%s)", errNoPendingOffer, state)
	}
	if old.CurrentRemoteDescription() != nil {
		return errRollbackLive
	}

	fresh, err := p.newConn()
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed || p.pc != old {
		p.mu.Unlock()
		_ = fresh.Close()
		return errReplaced
	}
	p.pc = fresh
	p.quiet = true
	tracks := p.tracks
	p.mu.Unlock()

	for _, track := range tracks {
		if err := attach(fresh, track); err != nil {
			return fmt.Errorf("re-add track %s: %w", track.ID(), err)
		}
	}
	if err := old.Close(); err != nil {
		log.Debug("close replaced connection: %v", err)
	}
	log.Debug("rolled back local offer on a fresh connection (%d tracks)", len(tracks))
	return nil
}

// settle unmutes negotiation-needed once pc reaches stable.
func (p *Peer) settle(pc *webrtc.PeerConnection) {
	if pc.SignalingState() != webrtc.SignalingStateStable {
		return
	}
	p.mu.Lock()
	if p.pc == pc {
		p.quiet = false
	}
	p.mu.Unlock()
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	pc := p.conn()
	if err := pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			log.Debug("buffered candidate rejected: %v", err)
		}
	}
	p.settle(pc)
	return nil
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	pc := p.conn()
	if pc.RemoteDescription() == nil {
		p.mu.Lock()
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return nil
	}
	return pc.AddICECandidate(c)
}

// Buffered reports how many remote candidates wait for a remote description.
func (p *Peer) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Peer) SignalingState() webrtc.SignalingState {
	return p.conn().SignalingState()
}

// AddTrack attaches a local track. It is attached again to any connection
// that replaces this one.
func (p *Peer) AddTrack(track webrtc.TrackLocal) error {
	if err := attach(p.conn(), track); err != nil {
		return err
	}
	p.mu.Lock()
	p.tracks = append(p.tracks, track)
	p.mu.Unlock()
	return nil
}

// attach adds track to pc. RTCP from the remote side is drained so pion's
// interceptors keep running.
func attach(pc *webrtc.PeerConnection, track webrtc.TrackLocal) error {
	sender, err := pc.AddTrack(track)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *Peer) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.cb.ice = fn
	p.mu.Unlock()
}

// OnTrack reports each remote track. The track is read until it fails,
// which is reported through OnTrackEnded.
func (p *Peer) OnTrack(fn func(negotiation.RemoteTrack)) {
	p.mu.Lock()
	p.cb.track = fn
	p.mu.Unlock()
}

func (p *Peer) drain(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if cb, ok := p.handlers(pc); ok && cb.trackEnded != nil {
				cb.trackEnded(track)
			}
			return
		}
		util.Stats.AddRecv(n)
	}
}

func (p *Peer) OnTrackEnded(fn func(negotiation.RemoteTrack)) {
	p.mu.Lock()
	p.cb.trackEnded = fn
	p.mu.Unlock()
}

func (p *Peer) OnNegotiationNeeded(fn func()) {
	p.mu.Lock()
	p.cb.negotiationNeeded = fn
	p.mu.Unlock()
}

func (p *Peer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.cb.state = fn
	p.mu.Unlock()
}

// Close shuts the connection down. Idempotent.
func (p *Peer) Close() error {
	p.mu.Lock()
	p.closed = true
	pc := p.pc
	p.mu.Unlock()
	return pc.Close()
}

var _ negotiation.PeerConnection = (*Peer)(nil)
