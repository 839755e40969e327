// Package config holds the client and relay configuration types.
//
// Values are resolved in three layers: built-in defaults, then GC_*
// environment variables, then command-line flags (applied by cmd/).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend selects the Presence/Broadcast transport used by the client.
type Backend string

const (
	BackendWS    Backend = "ws"
	BackendRedis Backend = "redis"
)

// ClientConfig stores everything the call client needs.
type ClientConfig struct {
	Backend  Backend
	RelayURL string // ws backend: base URL of the relay, e.g. http://localhost:8080

	RedisAddr     string // redis backend: host:port
	RedisPassword string
	RedisDB       int

	Email string // display name source
	Token string // relay session token; fetched from /api/session when empty

	InviteTimeout  time.Duration // pending proposal released after this (0 disables)
	ConnectTimeout time.Duration // connecting longer than this counts as a failed match (0 disables)
	Requeue        bool          // re-enter search after a failed match
	Debug          bool
}

// RelayConfig stores the relay server settings.
type RelayConfig struct {
	Addr           string
	JWTSecret      string // auth disabled when empty
	AllowedOrigins []string
	TokenTTL       time.Duration

	TURNPort     int // embedded TURN disabled when 0
	TURNRealm    string
	TURNPublicIP string

	STUNURLs []string
	Debug    bool
}

var defaultSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// LoadClient returns the client configuration from defaults and environment.
func LoadClient() *ClientConfig {
	return &ClientConfig{
		Backend:        Backend(getEnv("GC_BACKEND", string(BackendWS))),
		RelayURL:       getEnv("GC_RELAY_URL", "http://localhost:8080"),
		RedisAddr:      getEnv("GC_REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getEnv("GC_REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("GC_REDIS_DB", 0),
		Email:          getEnv("GC_EMAIL", ""),
		Token:          getEnv("GC_TOKEN", ""),
		InviteTimeout:  getEnvDuration("GC_INVITE_TIMEOUT", 10*time.Second),
		ConnectTimeout: getEnvDuration("GC_CONNECT_TIMEOUT", 30*time.Second),
		Requeue:        getEnv("GC_REQUEUE", "") == "true",
		Debug:          getEnv("GC_DEBUG", "") == "true",
	}
}

// LoadRelay returns the relay configuration from defaults and environment.
func LoadRelay() *RelayConfig {
	return &RelayConfig{
		Addr:           getEnv("GC_RELAY_ADDR", ":8080"),
		JWTSecret:      getEnv("GC_JWT_SECRET", ""),
		AllowedOrigins: splitList(getEnv("GC_ALLOWED_ORIGINS", "")),
		TokenTTL:       getEnvDuration("GC_TOKEN_TTL", 24*time.Hour),
		TURNPort:       getEnvInt("GC_TURN_PORT", 0),
		TURNRealm:      getEnv("GC_TURN_REALM", "globalconnect"),
		TURNPublicIP:   getEnv("GC_TURN_PUBLIC_IP", ""),
		STUNURLs:       splitListOr(getEnv("GC_STUN_URLS", ""), defaultSTUN),
		Debug:          getEnv("GC_DEBUG", "") == "true",
	}
}

// Validate reports the first inconsistent client setting.
func (c *ClientConfig) Validate() error {
	switch c.Backend {
	case BackendWS:
		u, err := url.Parse(c.RelayURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid relay URL %q", c.RelayURL)
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return fmt.Errorf("unsupported relay URL scheme %q", u.Scheme)
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("redis backend requires a redis address")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.InviteTimeout < 0 || c.ConnectTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// Validate reports the first inconsistent relay setting.
func (c *RelayConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("listen address is required")
	}
	if c.TURNPort < 0 || c.TURNPort > 65535 {
		return fmt.Errorf("invalid TURN port %d", c.TURNPort)
	}
	if c.TURNPort > 0 && c.TURNRealm == "" {
		return errors.New("TURN realm is required when TURN is enabled")
	}
	if c.TokenTTL <= 0 {
		return errors.New("token TTL must be positive")
	}
	return nil
}

// ---------------------------------------------------------------------------
// env helpers
// ---------------------------------------------------------------------------

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func splitListOr(s string, fallback []string) []string {
	if out := splitList(s); len(out) > 0 {
		return out
	}
	return append([]string(nil), fallback...)
}
