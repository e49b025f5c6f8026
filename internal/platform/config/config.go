package config

import (
	"os"
	"time"
)

// Client captures everything the gateway client needs at construction time.
type Client struct {
	// BaseURL is the root of the StudyGate API gateway.
	BaseURL string
	// SessionDir is where the session record is persisted. Empty keeps the
	// session in memory only.
	SessionDir string
	// RequestTimeout bounds each outbound call, including the single retry.
	RequestTimeout time.Duration
	// RefreshTimeout bounds the token refresh handshake.
	RefreshTimeout time.Duration
	// ExpirySkew treats tokens expiring within this window as already
	// expired, so a refresh happens before the gateway would reject them.
	ExpirySkew time.Duration
}

// FromEnv builds a client config from environment variables so main stays lean.
func FromEnv() Client {
	baseURL := os.Getenv("STUDYGATE_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	sessionDir := os.Getenv("STUDYGATE_SESSION_DIR")
	if sessionDir == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			sessionDir = dir
		}
	}

	return Client{
		BaseURL:        baseURL,
		SessionDir:     sessionDir,
		RequestTimeout: durationEnv("STUDYGATE_REQUEST_TIMEOUT", 30*time.Second),
		RefreshTimeout: durationEnv("STUDYGATE_REFRESH_TIMEOUT", 15*time.Second),
		ExpirySkew:     durationEnv("STUDYGATE_EXPIRY_SKEW", 30*time.Second),
	}
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
