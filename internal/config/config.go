package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ListenAddr           string
	DevMode              bool
	SessionSecret        string
	ProxyJWTSecret       string
	DatabasePath         string
	GinMode              string
	TLSCertFile          string
	TLSKeyFile           string
	ProxyDisconnectGrace time.Duration
	ViewerQueueCapacity  int
	ProxyOutputWindow    int
	HistoryReplayLimit   int
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		ListenAddr:           "0.0.0.0:3000",
		DatabasePath:         "portal.db",
		GinMode:              "release",
		ProxyDisconnectGrace: 5 * time.Minute,
		ViewerQueueCapacity:  512,
		ProxyOutputWindow:    10000,
		HistoryReplayLimit:   10000,
	}

	if raw := env.Getenv("LISTEN_ADDR"); raw != "" {
		cfg.ListenAddr = raw
	}

	if raw := env.Getenv("DEV_MODE"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DEV_MODE")
		}
		cfg.DevMode = enabled
	}

	cfg.SessionSecret = env.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		return Config{}, fmt.Errorf("SESSION_SECRET is required")
	}

	cfg.ProxyJWTSecret = env.Getenv("PROXY_JWT_SECRET")
	if cfg.ProxyJWTSecret == "" {
		return Config{}, fmt.Errorf("PROXY_JWT_SECRET is required")
	}

	if raw := env.Getenv("DATABASE_PATH"); raw != "" {
		cfg.DatabasePath = raw
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")

	if raw := env.Getenv("PROXY_DISCONNECT_GRACE_SECS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid PROXY_DISCONNECT_GRACE_SECS")
		}
		cfg.ProxyDisconnectGrace = time.Duration(seconds) * time.Second
	}

	if raw := env.Getenv("VIEWER_QUEUE_CAPACITY"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid VIEWER_QUEUE_CAPACITY")
		}
		cfg.ViewerQueueCapacity = n
	}

	if raw := env.Getenv("PROXY_OUTPUT_WINDOW"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid PROXY_OUTPUT_WINDOW")
		}
		cfg.ProxyOutputWindow = n
	}

	if raw := env.Getenv("HISTORY_REPLAY_LIMIT"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid HISTORY_REPLAY_LIMIT")
		}
		cfg.HistoryReplayLimit = n
	}

	return cfg, nil
}
