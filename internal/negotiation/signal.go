// Package negotiation runs the signaling channel of a pairing and the
// perfect-negotiation state machine on top of a media connection.
//
// Both sides may create offers at any time. On collision the impolite side
// keeps its own offer and ignores the incoming one; the polite side rolls
// back and accepts. Roles come from the pairing, so no extra message is
// needed to agree on them.
package negotiation

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/globalconnect/internal/pubsub"
)

// ErrNegotiationFailure reports a description or candidate rejected by the
// media connection outside the expected rollback case.
var ErrNegotiationFailure = errors.New("negotiation failure")

// EventSignal is the broadcast event carrying a Signal on the private topic.
const EventSignal = "signal"

// SignalType tells what a Signal carries.
type SignalType string

const (
	SignalDescription SignalType = "description"
	SignalCandidate   SignalType = "candidate"
	SignalLeave       SignalType = "leave"
)

// Signal is one message on the private signaling channel.
type Signal struct {
	Type        SignalType                 `json:"type"`
	From        string                     `json:"from"`
	Description *webrtc.SessionDescription `json:"description,omitempty"`
	Candidate   *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Channel is the private topic both sides of a pairing subscribe to.
// pubsub.Topic satisfies it.
type Channel interface {
	Publish(ctx context.Context, event string, payload any) error
	OnEvent(fn func(pubsub.Message))
	OnPresenceSync(fn func(pubsub.Presence))
	OnError(fn func(error))
	Track(ctx context.Context, payload any) error
	Close() error
}

// ---------------------------------------------------------------------------
// events upward
// ---------------------------------------------------------------------------

// EventKind classifies an Event.
type EventKind int

const (
	// EventConnected is emitted once, on the first remote track. It is the
	// only success signal.
	EventConnected EventKind = iota + 1
	// EventFailed carries a fatal error.
	EventFailed
	// EventPeerLeft reports that the remote side is gone.
	EventPeerLeft
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventFailed:
		return "failed"
	case EventPeerLeft:
		return "peer-left"
	}
	return "unknown"
}

// RemoteStream is the peer's media as first seen.
type RemoteStream struct {
	ID     string
	Tracks []RemoteTrack
}

// Event is reported by a negotiation session. At most one Connected and one
// terminal event (Failed or PeerLeft) are emitted.
type Event struct {
	Kind   EventKind
	Remote *RemoteStream // EventConnected
	Err    error         // EventFailed
	Reason string        // EventPeerLeft
}
