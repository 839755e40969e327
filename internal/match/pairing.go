package match

import "strings"

// Policy decides who proposes and who is polite. Both sides evaluate it
// independently, so it must be deterministic and antisymmetric: for two
// distinct ids exactly one side proposes and exactly one side is polite.
type Policy interface {
	Proposes(self, candidate string) bool
	Polite(self, peer string) bool
}

// LexicalPolicy compares ids as byte strings: the smaller id proposes, the
// greater id is polite.
type LexicalPolicy struct{}

func (LexicalPolicy) Proposes(self, candidate string) bool { return self < candidate }
func (LexicalPolicy) Polite(self, peer string) bool        { return self > peer }

// SessionID joins the two ids in sorted order with "_". Both sides compute
// the same value.
func SessionID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

// TopicName is the private signaling topic for a pair.
func TopicName(a, b string) string {
	return "room_" + SessionID(a, b)
}

// ParseTopic returns the session id of a private topic name.
func ParseTopic(topic string) (string, bool) {
	return strings.CutPrefix(topic, "room_")
}

// Pairing is the outcome of a successful match.
type Pairing struct {
	SelfID          string
	PeerID          string
	PeerDisplayName string
	SessionID       string
	Topic           string
	Polite          bool
}

// NewPairing derives the pairing of self with peer under policy.
func NewPairing(policy Policy, self string, peer Participant) Pairing {
	return Pairing{
		SelfID:          self,
		PeerID:          peer.SelfID,
		PeerDisplayName: peer.DisplayName,
		SessionID:       SessionID(self, peer.SelfID),
		Topic:           TopicName(self, peer.SelfID),
		Polite:          policy.Polite(self, peer.SelfID),
	}
}
