package negotiation

import "github.com/pion/webrtc/v4"

// PeerConnection is the media connection primitive driven by the
// negotiator. Implementations must tolerate remote candidates arriving
// before the remote description.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	// SetLocalDescription accepts SDPTypeRollback to discard a pending
	// local offer.
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	AddTrack(webrtc.TrackLocal) error

	// OnICECandidate reports local candidates; nil ends gathering.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	OnTrack(func(RemoteTrack))
	OnTrackEnded(func(RemoteTrack))
	OnNegotiationNeeded(func())
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// RemoteTrack is a track received from the peer. *webrtc.TrackRemote
// satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// LocalStream is the captured local media handed to the negotiation.
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
	// Stop releases the capture. It must be idempotent.
	Stop()
}
