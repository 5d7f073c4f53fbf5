// Package config loads the bridge configuration.
//
// Values are resolved in three layers: built-in defaults, an optional TOML
// file, and the plugin options lightningd passes at init. Later layers
// override earlier ones field by field.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/fortiblox/cln-floresta/internal/types"
	"github.com/fortiblox/cln-floresta/pkg/backend"
	"github.com/fortiblox/cln-floresta/pkg/plugin"
	"github.com/fortiblox/cln-floresta/pkg/readiness"
	"github.com/fortiblox/cln-floresta/pkg/translate"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the complete bridge configuration.
type Config struct {
	Backend   Backend   `toml:"backend"`
	Readiness Readiness `toml:"readiness"`
	Fees      Fees      `toml:"fees"`
	Plugin    Plugin    `toml:"plugin"`
	Log       Log       `toml:"log"`
	Admin     Admin     `toml:"admin"`
}

// Backend configures the full node connection.
type Backend struct {
	URLs         []string `toml:"urls"`
	User         string   `toml:"user"`
	Password     string   `toml:"password"`
	Cookie       string   `toml:"cookie"`
	Timeout      Duration `toml:"timeout"`
	RetryBackoff Duration `toml:"retry_backoff"`
	MaxConns     int      `toml:"max_conns"`
	RateLimit    float64  `toml:"rate_limit"`
	RateBurst    int      `toml:"rate_burst"`
}

// Readiness configures backend status tracking.
type Readiness struct {
	ProbeInterval    Duration `toml:"probe_interval"`
	FailureThreshold int      `toml:"failure_threshold"`
}

// FeeTarget is one estimatefees horizon.
type FeeTarget struct {
	Blocks uint32 `toml:"blocks"`
	Mode   string `toml:"mode"`
}

// Fees configures estimatefees.
type Fees struct {
	Targets []FeeTarget `toml:"targets"`

	// MinRelayFeerate in sat/kvB is the floor used when the backend has no
	// getmempoolinfo. Zero means such a backend fails estimatefees.
	MinRelayFeerate uint64 `toml:"min_relay_feerate"`
}

// Plugin configures the lightningd request loop.
type Plugin struct {
	MaxInflight int `toml:"max_inflight"`
}

// Log configures logging.
type Log struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// Admin configures the optional status endpoints. Empty addresses disable them.
type Admin struct {
	HTTPAddr string `toml:"http_addr"`
	GRPCAddr string `toml:"grpc_addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	fees := make([]FeeTarget, 0, 4)
	for _, t := range translate.DefaultFeeTargets() {
		fees = append(fees, FeeTarget{Blocks: t.Blocks, Mode: string(t.Mode)})
	}
	return &Config{
		Backend: Backend{
			URLs:         []string{backend.DefaultEndpoint},
			Timeout:      Duration(backend.DefaultRequestTimeout),
			RetryBackoff: Duration(backend.DefaultRetryBackoff),
			MaxConns:     backend.DefaultMaxConnsPerHost,
		},
		Readiness: Readiness{
			ProbeInterval:    Duration(readiness.DefaultProbeInterval),
			FailureThreshold: readiness.DefaultFailureThreshold,
		},
		Fees: Fees{Targets: fees},
		Plugin: Plugin{
			MaxInflight: plugin.DefaultMaxInflight,
		},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads a TOML file over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.Backend.URLs) == 0 {
		return fmt.Errorf("%w: at least one backend url is required", ErrInvalidConfig)
	}
	for _, raw := range c.Backend.URLs {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%w: backend url %q: %v", ErrInvalidConfig, raw, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: backend url %q must be http(s)://host[:port]", ErrInvalidConfig, raw)
		}
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("%w: backend timeout must be positive", ErrInvalidConfig)
	}
	if c.Backend.RetryBackoff < 0 {
		return fmt.Errorf("%w: backend retry_backoff must not be negative", ErrInvalidConfig)
	}
	if c.Backend.RateLimit < 0 {
		return fmt.Errorf("%w: backend rate_limit must not be negative", ErrInvalidConfig)
	}
	if c.Readiness.FailureThreshold <= 0 {
		return fmt.Errorf("%w: readiness failure_threshold must be positive", ErrInvalidConfig)
	}
	if c.Readiness.ProbeInterval < 0 {
		return fmt.Errorf("%w: readiness probe_interval must not be negative", ErrInvalidConfig)
	}
	if c.Plugin.MaxInflight <= 0 {
		return fmt.Errorf("%w: plugin max_inflight must be positive", ErrInvalidConfig)
	}
	if _, err := c.FeeOptions(); err != nil {
		return err
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// BackendConfig converts the backend section.
func (c *Config) BackendConfig() backend.Config {
	return backend.Config{
		Endpoints:       append([]string(nil), c.Backend.URLs...),
		User:            c.Backend.User,
		Password:        c.Backend.Password,
		CookieFile:      c.Backend.Cookie,
		RequestTimeout:  time.Duration(c.Backend.Timeout),
		RetryBackoff:    time.Duration(c.Backend.RetryBackoff),
		MaxConnsPerHost: c.Backend.MaxConns,
		RateLimit:       c.Backend.RateLimit,
		RateBurst:       c.Backend.RateBurst,
	}.WithDefaults()
}

// FeeOptions converts the fees section.
func (c *Config) FeeOptions() (translate.FeeOptions, error) {
	var opts translate.FeeOptions
	for _, t := range c.Fees.Targets {
		if t.Blocks == 0 {
			return opts, fmt.Errorf("%w: fee target blocks must be positive", ErrInvalidConfig)
		}
		mode, err := backend.ParseEstimateMode(t.Mode)
		if err != nil {
			return opts, fmt.Errorf("%w: fee target %d: %v", ErrInvalidConfig, t.Blocks, err)
		}
		opts.Targets = append(opts.Targets, translate.FeeTarget{Blocks: t.Blocks, Mode: mode})
	}
	if c.Fees.MinRelayFeerate > 0 {
		floor := types.FeeRateFromSatPerKvB(c.Fees.MinRelayFeerate)
		opts.FallbackFloor = &floor
	}
	return opts, nil
}

// ProbeInterval returns the readiness probe interval.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Readiness.ProbeInterval)
}

// ParseLevel parses a log level name.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, s)
	}
}
