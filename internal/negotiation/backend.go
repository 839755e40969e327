package negotiation

import (
	"context"
	"fmt"

	"github.com/1ureka/globalconnect/internal/match"
	"github.com/1ureka/globalconnect/internal/pubsub"
)

// Session is a running negotiation.
type Session interface {
	Events() <-chan Event
	Close() error
}

// Backend opens negotiation sessions. RawBackend is the only one; a
// managed-room SDK would be another implementation of the same contract.
type Backend interface {
	Open(ctx context.Context, pairing match.Pairing, local LocalStream) (Session, error)
}

// RawBackend negotiates a media connection directly, signaling over a
// private pubsub topic.
type RawBackend struct {
	Transport         pubsub.Transport
	NewPeerConnection func() (PeerConnection, error)
}

// Open subscribes to the pairing's private topic, creates the media
// connection and starts negotiating.
func (b *RawBackend) Open(ctx context.Context, pairing match.Pairing, local LocalStream) (Session, error) {
	topic, err := b.Transport.OpenTopic(ctx, pairing.Topic, pairing.SelfID)
	if err != nil {
		return nil, fmt.Errorf("open signaling channel: %w", err)
	}

	pc, err := b.NewPeerConnection()
	if err != nil {
		_ = topic.Close()
		return nil, fmt.Errorf("%w: create media connection: %v", ErrNegotiationFailure, err)
	}

	n := New(pc, topic, pairing, local)
	if err := n.Start(ctx); err != nil {
		_ = n.Close()
		return nil, err
	}
	return n, nil
}
