// Package auth issues and verifies relay session tokens.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ErrInvalidToken is returned for malformed, expired or forged tokens.
var ErrInvalidToken = errors.New("auth: invalid token")

// Session is the identity a client presents to the relay.
type Session struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Claims carries the session in a signed token. Subject holds the session id.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// NewSession creates a session for email with a fresh random id.
func NewSession(email string) (Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return Session{}, fmt.Errorf("invalid email %q", email)
	}
	id, err := gonanoid.New()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}
	return Session{ID: id, Email: email}, nil
}

// IssueToken signs s with secret using HS256.
func IssueToken(secret string, s Session, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: s.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies tokenString and returns the session it carries.
func ParseToken(secret, tokenString string) (Session, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return Session{}, ErrInvalidToken
	}
	return Session{ID: claims.Subject, Email: claims.Email}, nil
}
