package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/globalconnect/internal/lobby"
	"github.com/1ureka/globalconnect/internal/pubsub"
)

// ErrLobbyClosed is returned by Run when the lobby is left before a pairing.
var ErrLobbyClosed = errors.New("match: lobby closed")

// Run feeds lobby snapshots and invite/accept events into mm, carries out
// its outputs and returns once a pairing is final or ctx is done.
func Run(ctx context.Context, lb *lobby.Lobby, mm *Matchmaker) (Pairing, error) {
	done := make(chan struct{})
	defer close(done)

	inputs := make(chan Input)
	lb.OnEvent(func(msg pubsub.Message) {
		in, ok := decodeEvent(msg)
		if !ok {
			return
		}
		select {
		case inputs <- in:
		case <-done:
		}
	})
	defer lb.OnEvent(nil)

	var tick <-chan time.Time
	if mm.InviteTimeout > 0 {
		ticker := time.NewTicker(mm.InviteTimeout / 2)
		defer ticker.Stop()
		tick = ticker.C
	}

	snaps := lb.Observe()
	for {
		var outs []Output
		select {
		case snap, ok := <-snaps:
			if !ok {
				return Pairing{}, ErrLobbyClosed
			}
			outs = mm.Handle(SnapshotInput{Snapshot: snap, Now: time.Now()})
		case in := <-inputs:
			outs = mm.Handle(in)
		case now := <-tick:
			outs = mm.Handle(TickInput{Now: now})
		case <-ctx.Done():
			return Pairing{}, ctx.Err()
		}

		pairing, paired, err := apply(ctx, lb, outs)
		if err != nil {
			return Pairing{}, err
		}
		if paired {
			return pairing, nil
		}
	}
}

// apply carries out outputs in order.
func apply(ctx context.Context, lb *lobby.Lobby, outs []Output) (Pairing, bool, error) {
	for _, out := range outs {
		switch out := out.(type) {
		case SendInvite:
			if err := lb.Broadcast(ctx, EventInvite, out.Invite); err != nil {
				return Pairing{}, false, err
			}
		case SendAccept:
			if err := lb.Broadcast(ctx, EventAccept, out.Accept); err != nil {
				return Pairing{}, false, err
			}
		case SetStatus:
			if err := lb.UpdateStatus(ctx, out.Status); err != nil {
				return Pairing{}, false, fmt.Errorf("set status %s: %w", out.Status, err)
			}
		case Paired:
			return out.Pairing, true, nil
		}
	}
	return Pairing{}, false, nil
}

func decodeEvent(msg pubsub.Message) (Input, bool) {
	switch msg.Event {
	case EventInvite:
		var inv Invite
		if err := msg.Decode(&inv); err != nil {
			log.Warn("%v", err)
			return nil, false
		}
		return InviteInput{Invite: inv}, true
	case EventAccept:
		var acc Accept
		if err := msg.Decode(&acc); err != nil {
			log.Warn("%v", err)
			return nil, false
		}
		return AcceptInput{Accept: acc}, true
	}
	return nil, false
}
