package match

import (
	"time"

	"github.com/1ureka/globalconnect/internal/lobby"
	"github.com/1ureka/globalconnect/internal/util"
)

var log = util.Scope("match")

// Lobby event names.
const (
	EventInvite = "invite"
	EventAccept = "accept"
)

// Invite proposes a pairing to To.
type Invite struct {
	To              string `json:"to"`
	From            string `json:"from"`
	FromDisplayName string `json:"fromDisplayName,omitempty"`
	RoomID          string `json:"roomId,omitempty"`
}

// Accept answers an Invite.
type Accept struct {
	To              string `json:"to"`
	From            string `json:"from"`
	FromDisplayName string `json:"fromDisplayName,omitempty"`
	RoomID          string `json:"roomId,omitempty"`
}

// ---------------------------------------------------------------------------
// inputs / outputs
// ---------------------------------------------------------------------------

// Input is something the matchmaker reacts to.
type Input interface{ isInput() }

// SnapshotInput carries a fresh lobby snapshot.
type SnapshotInput struct {
	Snapshot lobby.Snapshot
	Now      time.Time
}

// InviteInput carries a received invite.
type InviteInput struct{ Invite Invite }

// AcceptInput carries a received accept.
type AcceptInput struct{ Accept Accept }

// TickInput lets time-based policies run without a lobby change.
type TickInput struct{ Now time.Time }

func (SnapshotInput) isInput() {}
func (InviteInput) isInput()   {}
func (AcceptInput) isInput()   {}
func (TickInput) isInput()     {}

// Output is an effect the caller must carry out, in order.
type Output interface{ isOutput() }

// SendInvite asks the caller to broadcast an invite on the lobby.
type SendInvite struct{ Invite Invite }

// SendAccept asks the caller to broadcast an accept on the lobby.
type SendAccept struct{ Accept Accept }

// SetStatus asks the caller to republish its lobby status.
type SetStatus struct{ Status lobby.Status }

// Paired reports the final pairing. Nothing follows it.
type Paired struct{ Pairing Pairing }

func (SendInvite) isOutput() {}
func (SendAccept) isOutput() {}
func (SetStatus) isOutput()  {}
func (Paired) isOutput()     {}

// ---------------------------------------------------------------------------
// Matchmaker
// ---------------------------------------------------------------------------

// Matchmaker selects at most one counterpart for self. It is a pure state
// machine: Handle is not safe for concurrent use and performs no I/O.
//
// Once a partner is set (pending proposal or accepted invite) every further
// invite is ignored; only the accept of the pending partner completes the
// pairing. The guard is best effort, not a consensus: a proposal whose
// target paired elsewhere stays pending until InviteTimeout releases it.
type Matchmaker struct {
	self   Participant
	policy Policy

	// InviteTimeout releases an unanswered proposal so the participant can
	// propose again. 0 keeps the proposal pending forever.
	InviteTimeout time.Duration

	partner     Participant
	proposedAt  time.Time
	paired      bool
	lastSnap    lobby.Snapshot
	hasSnapshot bool
}

// New creates a matchmaker for self. A nil policy means LexicalPolicy.
func New(self Participant, policy Policy) *Matchmaker {
	if policy == nil {
		policy = LexicalPolicy{}
	}
	return &Matchmaker{self: self, policy: policy}
}

// Partner returns the current (pending or final) partner id.
func (m *Matchmaker) Partner() string { return m.partner.SelfID }

// Paired reports whether the pairing is final.
func (m *Matchmaker) Paired() bool { return m.paired }

// Handle applies one input and returns the resulting effects.
func (m *Matchmaker) Handle(in Input) []Output {
	if m.paired {
		return nil
	}

	switch in := in.(type) {
	case SnapshotInput:
		m.lastSnap, m.hasSnapshot = in.Snapshot, true
		m.expire(in.Now)
		return m.propose(in.Snapshot, in.Now)

	case TickInput:
		if !m.expire(in.Now) || !m.hasSnapshot {
			return nil
		}
		return m.propose(m.lastSnap, in.Now)

	case InviteInput:
		return m.onInvite(in.Invite)

	case AcceptInput:
		return m.onAccept(in.Accept)
	}
	return nil
}

// propose picks the first searching candidate, in id order, that the policy
// lets self propose to.
func (m *Matchmaker) propose(snap lobby.Snapshot, now time.Time) []Output {
	if m.partner.SelfID != "" {
		return nil
	}

	for _, rec := range snap {
		if rec.ID == m.self.SelfID || rec.Status != lobby.StatusSearching {
			continue
		}
		if !m.policy.Proposes(m.self.SelfID, rec.ID) {
			continue
		}

		m.partner = Participant{SelfID: rec.ID, DisplayName: rec.DisplayName}
		m.proposedAt = now
		log.Debug("%s proposes to %s", m.self.SelfID, rec.ID)
		return []Output{SendInvite{Invite: Invite{
			To:              rec.ID,
			From:            m.self.SelfID,
			FromDisplayName: m.self.DisplayName,
			RoomID:          TopicName(m.self.SelfID, rec.ID),
		}}}
	}
	return nil
}

func (m *Matchmaker) onInvite(inv Invite) []Output {
	if inv.To != m.self.SelfID || inv.From == "" || inv.From == m.self.SelfID {
		return nil
	}
	if m.partner.SelfID != "" {
		log.Debug("%s ignores invite from %s (partner %s)", m.self.SelfID, inv.From, m.partner.SelfID)
		return nil
	}

	m.partner = Participant{SelfID: inv.From, DisplayName: inv.FromDisplayName}
	m.paired = true
	log.Debug("%s accepts invite from %s", m.self.SelfID, inv.From)
	return []Output{
		SendAccept{Accept: Accept{
			To:              inv.From,
			From:            m.self.SelfID,
			FromDisplayName: m.self.DisplayName,
			RoomID:          TopicName(m.self.SelfID, inv.From),
		}},
		SetStatus{Status: lobby.StatusBusy},
		Paired{Pairing: NewPairing(m.policy, m.self.SelfID, m.partner)},
	}
}

func (m *Matchmaker) onAccept(acc Accept) []Output {
	if acc.To != m.self.SelfID || acc.From != m.partner.SelfID || acc.From == "" {
		return nil
	}

	if acc.FromDisplayName != "" {
		m.partner.DisplayName = acc.FromDisplayName
	}
	m.paired = true
	log.Debug("%s paired with %s", m.self.SelfID, acc.From)
	return []Output{
		SetStatus{Status: lobby.StatusBusy},
		Paired{Pairing: NewPairing(m.policy, m.self.SelfID, m.partner)},
	}
}

// expire releases a pending proposal older than InviteTimeout. It reports
// whether a proposal was released.
func (m *Matchmaker) expire(now time.Time) bool {
	if m.InviteTimeout <= 0 || m.partner.SelfID == "" || now.IsZero() {
		return false
	}
	if now.Sub(m.proposedAt) < m.InviteTimeout {
		return false
	}
	log.Debug("%s releases unanswered proposal to %s", m.self.SelfID, m.partner.SelfID)
	m.partner = Participant{}
	return true
}
