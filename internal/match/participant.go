// Package match pairs searching lobby participants: it owns the pairing
// math (session ids, politeness) and the invite/accept state machine.
package match

import (
	"fmt"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Participant is the local user for one app session.
type Participant struct {
	SelfID      string // presence key and tie-break token, not a stable identity
	DisplayName string
}

// NewParticipant derives a participant from an account email.
func NewParticipant(email string) (Participant, error) {
	id, err := NewSelfID(email)
	if err != nil {
		return Participant{}, err
	}
	return Participant{SelfID: id, DisplayName: DisplayNameFromEmail(email)}, nil
}

// NewSelfID returns "<email local part>_<6 random chars>". The local part
// falls back to "user" when email has none.
func NewSelfID(email string) (string, error) {
	suffix, err := gonanoid.Generate(idAlphabet, 6)
	if err != nil {
		return "", fmt.Errorf("generate self id: %w", err)
	}
	return localPart(email, "user") + "_" + suffix, nil
}

// DisplayNameFromEmail returns the email local part, or "Guest".
func DisplayNameFromEmail(email string) string {
	return localPart(email, "Guest")
}

func localPart(email, fallback string) string {
	local, _, _ := strings.Cut(strings.TrimSpace(email), "@")
	if local == "" {
		return fallback
	}
	return local
}
