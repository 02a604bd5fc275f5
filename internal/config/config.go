// Package config reads the relay's environment-variable surface into a
// single immutable Config value at bootstrap.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable named in the external interfaces surface.
type Config struct {
	Port string

	RoomMaxParticipants int
	RoomKeyTTL          time.Duration
	QRRotationInterval  time.Duration

	MaxWSFrameBytes    int
	MaxCiphertextBytes int

	MaxMessagesPer10s int
	MaxBytesPer10s    int

	MaxConnsPerIP       int
	MaxTotalConnections int

	PingInterval time.Duration
	PingTimeout  time.Duration

	GracefulShutdownDeadline time.Duration

	JoinTokenSecret []byte

	KVURL              string
	KVConnectTimeout   time.Duration
	KVMaxRetriesPerReq int

	CORSAllowedOrigins string
}

// Load reads Config from the process environment. It fails closed: a missing or
// undersized join_token_secret, or a missing kv_url, is a fatal
// configuration error rather than a silently weakened default.
func Load() (Config, error) {
	cfg := Config{
		Port: getString("PORT", "3000"),

		RoomMaxParticipants: getInt("ROOM_MAX_PARTICIPANTS", 10),
		RoomKeyTTL:          getDurationMS("ROOM_KEY_TTL_MS", 600_000),
		QRRotationInterval:  getDurationMS("QR_ROTATION_MS", 60_000),

		MaxWSFrameBytes:    getInt("MAX_WS_FRAME_BYTES", 262_144),
		MaxCiphertextBytes: getInt("MAX_CT_BYTES", 65_536),

		MaxMessagesPer10s: getInt("MAX_MSGS_PER_10S", 200),
		MaxBytesPer10s:    getInt("MAX_BYTES_PER_10S", 1_048_576),

		MaxConnsPerIP:       getInt("MAX_CONNS_PER_IP", 50),
		MaxTotalConnections: getInt("MAX_TOTAL_CONNECTIONS", 10_000),

		PingInterval: getDurationMS("WS_PING_INTERVAL_MS", 30_000),
		PingTimeout:  getDurationMS("WS_PING_TIMEOUT_MS", 5_000),

		GracefulShutdownDeadline: getDurationMS("GRACEFUL_SHUTDOWN_DEADLINE_MS", 30_000),

		KVURL:              os.Getenv("KV_URL"),
		KVConnectTimeout:   getDurationMS("KV_CONNECT_TIMEOUT_MS", 5_000),
		KVMaxRetriesPerReq: getInt("KV_MAX_RETRIES_PER_REQUEST", 3),

		CORSAllowedOrigins: getString("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
	}

	secret := os.Getenv("JOIN_TOKEN_SECRET")
	cfg.JoinTokenSecret = []byte(secret)

	if len(cfg.JoinTokenSecret) < 32 {
		return Config{}, fmt.Errorf("config: JOIN_TOKEN_SECRET must be at least 32 bytes, got %d", len(cfg.JoinTokenSecret))
	}
	if cfg.KVURL == "" {
		return Config{}, fmt.Errorf("config: KV_URL is required")
	}
	if cfg.RoomMaxParticipants < 1 || cfg.RoomMaxParticipants > 50 {
		return Config{}, fmt.Errorf("config: ROOM_MAX_PARTICIPANTS must be in 1..50, got %d", cfg.RoomMaxParticipants)
	}
	if cfg.RoomKeyTTL < 60*time.Second {
		return Config{}, fmt.Errorf("config: ROOM_KEY_TTL_MS must be >= 60000, got %s", cfg.RoomKeyTTL)
	}
	if cfg.QRRotationInterval < 10*time.Second {
		return Config{}, fmt.Errorf("config: QR_ROTATION_MS must be >= 10000, got %s", cfg.QRRotationInterval)
	}

	return cfg, nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func getDurationMS(key string, defMS int) time.Duration {
	return time.Duration(getInt(key, defMS)) * time.Millisecond
}
