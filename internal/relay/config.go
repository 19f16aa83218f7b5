package relay

import (
	"os"
	"strconv"
	"time"
)

// GetEnv, GetEnvInt and GetEnvBool mirror packages/go-shared/env.go's
// helpers from the teacher repo: an environment variable overrides a
// hardcoded default, and CLI flags (cmd/cdp-relay) override both.
func GetEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func GetEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func GetEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// WaitPolicy controls what the relay does when a client connects while the
// extension link is idle (spec.md §4.B).
type WaitPolicy int

const (
	WaitPolicyReject WaitPolicy = iota
	WaitPolicyQueue
)

// GracePolicy controls what a single command does when the extension link
// is idle at the moment it is issued (spec.md §4.C).
type GracePolicy int

const (
	GracePolicyRejectImmediately GracePolicy = iota
	GracePolicyWaitThenFail
)

// Config holds every tunable of the relay process.
type Config struct {
	Host string
	Port int

	// Token, when non-empty, is required (as a static bearer value) on
	// /cdp and /extension connections.
	Token string
	// JWTSecret, when non-empty, additionally accepts HS256 JWTs signed
	// with this secret in place of the static Token.
	JWTSecret string
	// ExtensionID, when set, pins /cdp connections to a specific
	// extension (spec.md §6 "extensionId=<id>").
	ExtensionID string

	WaitPolicy  WaitPolicy
	GracePolicy GracePolicy
	GraceWindow time.Duration

	ExtensionRequestTimeout time.Duration
	HeartbeatInterval       time.Duration
	HeartbeatMissedLimit    int
	FrozenTargetTimeout     time.Duration
	RecordingFinalTimeout   time.Duration
	WriteBufferHighWater    int64
	// MaxFrameSize bounds a single inbound WebSocket frame (text or
	// binary) on both /cdp and /extension sockets. A frame exceeding it
	// is not decoded: gorilla/websocket closes the connection with
	// CloseMessageTooBig (spec.md §4.A "oversized frames... rejected").
	MaxFrameSize int64

	// RedisAddr, when set, enables the optional lifecycle event sink.
	RedisAddr     string
	RedisPassword string

	Version string
}

// DefaultConfig returns the relay's defaults, overlaid with any
// environment variables already set (spec.md §6).
func DefaultConfig() *Config {
	return &Config{
		Host:                    GetEnv("CDP_RELAY_HOST", "127.0.0.1"),
		Port:                    GetEnvInt("CDP_RELAY_PORT", 19988),
		Token:                   GetEnv("CDP_RELAY_TOKEN", ""),
		JWTSecret:               GetEnv("CDP_RELAY_JWT_SECRET", ""),
		ExtensionID:             GetEnv("CDP_RELAY_EXTENSION_ID", ""),
		WaitPolicy:              WaitPolicyReject,
		GracePolicy:             GracePolicyRejectImmediately,
		GraceWindow:             10 * time.Second,
		ExtensionRequestTimeout: 30 * time.Second,
		HeartbeatInterval:       15 * time.Second,
		HeartbeatMissedLimit:    3,
		FrozenTargetTimeout:     30 * time.Second,
		RecordingFinalTimeout:   30 * time.Second,
		WriteBufferHighWater:    16 << 20,
		MaxFrameSize:            32 << 20,
		RedisAddr:               GetEnv("CDP_RELAY_REDIS_ADDR", ""),
		RedisPassword:           GetEnv("CDP_RELAY_REDIS_PASSWORD", ""),
		Version:                 "1.0.0",
	}
}
