// Package config holds process-level realtime configuration.
package config

import (
	"os"
	"strconv"
	"time"
)

// RealtimeConfig holds tunables shared by the registry, transports, and the
// gateway.
type RealtimeConfig struct {
	SubscribeTimeout  time.Duration `json:"subscribe_timeout"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	MaxConnections    int           `json:"max_connections"`
	SendBuffer        int           `json:"send_buffer"`
	ReadBufferSize    int           `json:"read_buffer_size"`
	WriteBufferSize   int           `json:"write_buffer_size"`
}

// Default returns the default realtime configuration.
func Default() *RealtimeConfig {
	return &RealtimeConfig{
		SubscribeTimeout:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		MaxConnections:    1000,
		SendBuffer:        256,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
	}
}

// FromEnv loads configuration from REALTIME_* environment variables.
// Falls back to defaults for any missing or malformed values.
func FromEnv() *RealtimeConfig {
	cfg := Default()

	if v := os.Getenv("REALTIME_SUBSCRIBE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SubscribeTimeout = d
		}
	}
	if v := os.Getenv("REALTIME_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("REALTIME_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConnections = n
		}
	}
	if v := os.Getenv("REALTIME_SEND_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SendBuffer = n
		}
	}
	if v := os.Getenv("REALTIME_READ_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReadBufferSize = n
		}
	}
	if v := os.Getenv("REALTIME_WRITE_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WriteBufferSize = n
		}
	}
	return cfg
}
