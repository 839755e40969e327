// Package call drives one participant through search, match, negotiation
// and hang-up.
package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/globalconnect/internal/media"
	"github.com/1ureka/globalconnect/internal/negotiation"
	"github.com/1ureka/globalconnect/internal/pubsub"
)

// Status is the lifecycle state shown to the user.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusSearching  Status = "searching"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusError      Status = "error"
)

// Session is the view of the current call.
type Session struct {
	Status             Status
	PartnerDisplayName string
	StartedAt          time.Time // zero unless connected
	ElapsedSeconds     int
}

// ErrorKind classifies failures.
type ErrorKind string

const (
	ErrPermissionDenied     ErrorKind = "permission-denied"
	ErrTransportUnavailable ErrorKind = "transport-unavailable"
	ErrNegotiationFailure   ErrorKind = "negotiation-failure"
	ErrPeerLost             ErrorKind = "peer-lost"
)

// Error is a classified failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

var (
	// ErrNotIdle is returned by StartSearch while an attempt is active.
	ErrNotIdle = errors.New("call: not idle")
	// ErrNoError is returned by Retry outside the error state.
	ErrNoError = errors.New("call: nothing to retry")
)

// errPeerLost ends an attempt because the partner went away.
var errPeerLost = errors.New("partner went away")

// classify maps an error from any collaborator to its kind.
func classify(err error) ErrorKind {
	var ce *Error
	switch {
	case errors.As(err, &ce):
		return ce.Kind
	case errors.Is(err, media.ErrPermissionDenied):
		return ErrPermissionDenied
	case errors.Is(err, negotiation.ErrNegotiationFailure):
		return ErrNegotiationFailure
	case errors.Is(err, errPeerLost):
		return ErrPeerLost
	case errors.Is(err, pubsub.ErrUnavailable), errors.Is(err, pubsub.ErrClosed):
		return ErrTransportUnavailable
	}
	// anything else came from opening or using a channel
	log.Debug("unclassified error: %v", err)
	return ErrTransportUnavailable
}
