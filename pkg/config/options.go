package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fortiblox/cln-floresta/pkg/plugin"
)

// Plugin option names registered with lightningd.
const (
	OptConfig           = "floresta-config"
	OptRPCURL           = "floresta-rpc-url"
	OptRPCUser          = "floresta-rpc-user"
	OptRPCPassword      = "floresta-rpc-password"
	OptRPCCookie        = "floresta-rpc-cookie"
	OptRPCTimeout       = "floresta-rpc-timeout"
	OptRetryBackoff     = "floresta-retry-backoff"
	OptProbeInterval    = "floresta-probe-interval"
	OptFailureThreshold = "floresta-failure-threshold"
	OptRateLimit        = "floresta-rate-limit"
	OptMaxInflight      = "floresta-max-inflight"
	OptLogFile          = "floresta-log-file"
	OptLogLevel         = "floresta-log-level"
	OptAdminHTTP        = "floresta-admin-http"
	OptAdminGRPC        = "floresta-admin-grpc"
	OptMinRelayFeerate  = "floresta-min-relay-feerate"
)

// PluginOptions returns the options declared in the manifest. None carries a
// default, so unset options stay out of init and the file or built-in value
// applies.
func PluginOptions() []plugin.Option {
	return []plugin.Option{
		{Name: OptConfig, Type: plugin.OptionString, Description: "Path to a TOML configuration file"},
		{Name: OptRPCURL, Type: plugin.OptionString, Multi: true, Description: "Backend JSON-RPC URL (repeatable or comma-separated)"},
		{Name: OptRPCUser, Type: plugin.OptionString, Description: "Backend RPC user"},
		{Name: OptRPCPassword, Type: plugin.OptionString, Description: "Backend RPC password"},
		{Name: OptRPCCookie, Type: plugin.OptionString, Description: "Backend RPC cookie file"},
		{Name: OptRPCTimeout, Type: plugin.OptionString, Description: "Per-call timeout, e.g. 30s"},
		{Name: OptRetryBackoff, Type: plugin.OptionString, Description: "Delay before retrying a refused connection"},
		{Name: OptProbeInterval, Type: plugin.OptionString, Description: "Interval between backend status probes, 0 to disable"},
		{Name: OptFailureThreshold, Type: plugin.OptionString, Description: "Consecutive failures before the backend is unreachable"},
		{Name: OptRateLimit, Type: plugin.OptionString, Description: "Maximum backend calls per second, 0 for unlimited"},
		{Name: OptMaxInflight, Type: plugin.OptionString, Description: "Maximum concurrently served requests"},
		{Name: OptLogFile, Type: plugin.OptionString, Description: "Also write JSON logs to this rotating file"},
		{Name: OptLogLevel, Type: plugin.OptionString, Description: "Log level: debug, info, warn or error"},
		{Name: OptAdminHTTP, Type: plugin.OptionString, Description: "Listen address for the status and metrics HTTP server"},
		{Name: OptAdminGRPC, Type: plugin.OptionString, Description: "Listen address for the gRPC health service"},
		{Name: OptMinRelayFeerate, Type: plugin.OptionString, Description: "Fee floor in sat/kvB when the backend has no getmempoolinfo"},
	}
}

// Resolve builds the effective configuration from defaults, the TOML file at
// path (or named by the floresta-config option) and the init options.
func Resolve(path string, opts map[string]interface{}) (*Config, error) {
	cfg := Default()

	if v, ok := opts[OptConfig]; ok {
		s, err := optString(OptConfig, v)
		if err != nil {
			return nil, err
		}
		if s != "" {
			path = s
		}
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyOptions(opts); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOptions overrides fields with lightningd plugin options. Empty values
// are treated as unset. Unknown option names are ignored.
func (c *Config) ApplyOptions(opts map[string]interface{}) error {
	for name, value := range opts {
		if err := c.applyOption(name, value); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) applyOption(name string, value interface{}) error {
	if name == OptRPCURL {
		urls, err := optStrings(name, value)
		if err != nil {
			return err
		}
		if len(urls) > 0 {
			c.Backend.URLs = urls
		}
		return nil
	}

	s, err := optString(name, value)
	if err != nil || s == "" {
		return err
	}

	switch name {
	case OptRPCUser:
		c.Backend.User = s
	case OptRPCPassword:
		c.Backend.Password = s
	case OptRPCCookie:
		c.Backend.Cookie = s
	case OptRPCTimeout:
		return setDuration(name, s, &c.Backend.Timeout)
	case OptRetryBackoff:
		return setDuration(name, s, &c.Backend.RetryBackoff)
	case OptProbeInterval:
		return setDuration(name, s, &c.Readiness.ProbeInterval)
	case OptFailureThreshold:
		return setInt(name, s, &c.Readiness.FailureThreshold)
	case OptMaxInflight:
		return setInt(name, s, &c.Plugin.MaxInflight)
	case OptRateLimit:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return optionError(name, s, err)
		}
		c.Backend.RateLimit = v
	case OptMinRelayFeerate:
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return optionError(name, s, err)
		}
		c.Fees.MinRelayFeerate = v
	case OptLogFile:
		c.Log.File = s
	case OptLogLevel:
		c.Log.Level = s
	case OptAdminHTTP:
		c.Admin.HTTPAddr = s
	case OptAdminGRPC:
		c.Admin.GRPCAddr = s
	}
	return nil
}

// optString accepts the JSON scalar forms lightningd may send.
func optString(name string, value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("%w: option %s: unexpected value %v", ErrInvalidConfig, name, value)
	}
}

// optStrings flattens a multi option, splitting comma-separated entries.
func optStrings(name string, value interface{}) ([]string, error) {
	var raw []string
	switch v := value.(type) {
	case []interface{}:
		for _, item := range v {
			s, err := optString(name, item)
			if err != nil {
				return nil, err
			}
			raw = append(raw, s)
		}
	case []string:
		raw = v
	default:
		s, err := optString(name, value)
		if err != nil {
			return nil, err
		}
		raw = []string{s}
	}

	var out []string
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out, nil
}

func setDuration(name, s string, dst *Duration) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return optionError(name, s, err)
	}
	*dst = Duration(v)
	return nil
}

func setInt(name, s string, dst *int) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return optionError(name, s, err)
	}
	*dst = v
	return nil
}

func optionError(name, value string, err error) error {
	return fmt.Errorf("%w: option %s=%q: %v", ErrInvalidConfig, name, value, err)
}
