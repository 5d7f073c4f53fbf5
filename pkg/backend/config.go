package backend

import (
	"fmt"
	"net/url"
	"time"
)

// Default configuration values.
const (
	// DefaultEndpoint is the local florestad JSON-RPC address.
	DefaultEndpoint = "http://127.0.0.1:8080"

	// DefaultRequestTimeout bounds every backend call.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultRetryBackoff is the pause before the single transient retry.
	DefaultRetryBackoff = 250 * time.Millisecond

	// DefaultMaxConnsPerHost bounds the HTTP connection pool per endpoint.
	DefaultMaxConnsPerHost = 16

	// maxResponseSize caps a single reply. Mainnet blocks hex-encode to
	// at most 8MB; the slack covers JSON byte-array encodings.
	maxResponseSize = 32 << 20
)

// Config holds configuration for the backend Client.
type Config struct {
	// Endpoints are the full-node JSON-RPC URLs, tried round-robin.
	Endpoints []string

	// User and Password enable HTTP basic auth.
	User     string
	Password string

	// CookieFile, if set, is a bitcoind-style "user:password" file read
	// instead of User/Password. It is re-read after a 401.
	CookieFile string

	// RequestTimeout is the upper bound on one attempt.
	RequestTimeout time.Duration

	// RetryBackoff is the delay before retrying a refused or reset connection.
	RetryBackoff time.Duration

	// MaxConnsPerHost bounds concurrent connections to one endpoint.
	MaxConnsPerHost int

	// RateLimit is the sustained backend call rate in calls per second.
	// Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the limiter burst. Defaults to MaxConnsPerHost.
	RateBurst int

	// OnCall is called after every completed call (optional).
	OnCall func(method string, err error, d time.Duration)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Endpoints:       []string{DefaultEndpoint},
		RequestTimeout:  DefaultRequestTimeout,
		RetryBackoff:    DefaultRetryBackoff,
		MaxConnsPerHost: DefaultMaxConnsPerHost,
	}
}

// WithDefaults applies default values for any unset fields.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if len(c.Endpoints) == 0 {
		c.Endpoints = defaults.Endpoints
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = defaults.RetryBackoff
	}
	if c.MaxConnsPerHost == 0 {
		c.MaxConnsPerHost = defaults.MaxConnsPerHost
	}
	if c.RateLimit > 0 && c.RateBurst == 0 {
		c.RateBurst = c.MaxConnsPerHost
	}

	return c
}

// Validate checks the endpoint URLs.
func (c Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return ErrNoEndpoints
	}
	for _, ep := range c.Endpoints {
		if err := validateEndpoint(ep); err != nil {
			return err
		}
	}
	if c.RequestTimeout < 0 || c.RetryBackoff < 0 {
		return fmt.Errorf("negative timeout or backoff")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("negative rate limit %v", c.RateLimit)
	}
	return nil
}

func validateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid endpoint %q: scheme must be http or https", raw)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("invalid endpoint %q: missing host", raw)
	}
	return nil
}
