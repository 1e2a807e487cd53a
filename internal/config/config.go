package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the pbxcore server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	LogLevel   string
	LogFormat  string // log output format: "text" or "json"
	HTTPPort   int
	SystemName string

	// Call admission.
	MaxCalls     int
	MaxLoad      float64
	MinFreeMemMB int
	MaxCallRate  float64

	DigitTimeout    time.Duration
	ResponseTimeout time.Duration
	AutoFallthrough bool
	HangupExten     bool
	PatternTrie     bool
	SoundsDir       string // empty plays nothing

	// APISecret signs control API tokens; empty disables call control
	// over HTTP.
	APISecret   string
	APITokenTTL time.Duration

	RealtimeDriver  string // "sqlite" or "pgx"; empty disables the switch
	RealtimeDSN     string
	RealtimeContext string

	// Args are the positional arguments left after the flags.
	Args []string
}

// defaults
const (
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultHTTPPort        = 8080
	defaultDigitTimeout    = 5 * time.Second
	defaultResponseTimeout = 10 * time.Second
	defaultRealtimeContext = "default"
	defaultAPITokenTTL     = 24 * time.Hour
	minAPISecretLen        = 16
)

// envPrefix is the prefix for all pbxcore environment variables.
const envPrefix = "PBXCORE_"

// Load parses configuration from the process arguments and environment.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs is Load over args instead of the process arguments.
func LoadArgs(args []string) (*Config, error) {
	return parse(args, os.LookupEnv)
}

func parse(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("pbxcore", flag.ContinueOnError)

	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP listen port for health and metrics")
	fs.StringVar(&cfg.SystemName, "system-name", "", "system name reported by ${SYSTEMNAME}")
	fs.IntVar(&cfg.MaxCalls, "max-calls", 0, "maximum concurrent calls (0 = unlimited)")
	fs.Float64Var(&cfg.MaxLoad, "max-load", 0, "refuse calls above this 1-minute load average (0 = disabled)")
	fs.IntVar(&cfg.MinFreeMemMB, "min-free-mem", 0, "refuse calls below this much free memory in MB (0 = disabled)")
	fs.Float64Var(&cfg.MaxCallRate, "max-call-rate", 0, "maximum new calls per second (0 = disabled)")
	fs.DurationVar(&cfg.DigitTimeout, "digit-timeout", defaultDigitTimeout, "default inter-digit timeout")
	fs.DurationVar(&cfg.ResponseTimeout, "response-timeout", defaultResponseTimeout, "default response timeout")
	fs.BoolVar(&cfg.AutoFallthrough, "autofallthrough", true, "end calls that run out of priorities")
	fs.BoolVar(&cfg.HangupExten, "hangup-exten", false, "run the h extension when a call ends")
	fs.BoolVar(&cfg.PatternTrie, "pattern-trie", true, "match extensions with the pattern trie instead of a linear scan")
	fs.StringVar(&cfg.SoundsDir, "sounds-dir", "", "directory of G.711 WAV prompts (empty disables playback)")
	fs.StringVar(&cfg.APISecret, "api-secret", "", "HS256 key for control API tokens (empty disables originate and goto)")
	fs.DurationVar(&cfg.APITokenTTL, "api-token-ttl", defaultAPITokenTTL, "lifetime of tokens issued by the token command")
	fs.StringVar(&cfg.RealtimeDriver, "realtime-driver", "", "realtime switch database driver (sqlite, pgx)")
	fs.StringVar(&cfg.RealtimeDSN, "realtime-dsn", "", "realtime switch database DSN")
	fs.StringVar(&cfg.RealtimeContext, "realtime-context", defaultRealtimeContext, "context the realtime switch is installed in")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	if err := applyEnvOverrides(fs, lookupEnv); err != nil {
		return nil, err
	}
	cfg.Args = fs.Args()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides sets every flag not given on the command line from
// its PBXCORE_ variable, e.g. max-calls from PBXCORE_MAX_CALLS.
func applyEnvOverrides(fs *flag.FlagSet, lookupEnv func(string) (string, bool)) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] || err != nil {
			return
		}
		env := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := lookupEnv(env)
		if !ok || val == "" {
			return
		}
		if e := f.Value.Set(val); e != nil {
			err = fmt.Errorf("%s: %w", env, e)
		}
	})
	return err
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.MaxCalls < 0 {
		return fmt.Errorf("max-calls must not be negative, got %d", c.MaxCalls)
	}
	if c.MaxLoad < 0 {
		return fmt.Errorf("max-load must not be negative, got %g", c.MaxLoad)
	}
	if c.MinFreeMemMB < 0 {
		return fmt.Errorf("min-free-mem must not be negative, got %d", c.MinFreeMemMB)
	}
	if c.MaxCallRate < 0 {
		return fmt.Errorf("max-call-rate must not be negative, got %g", c.MaxCallRate)
	}
	if c.DigitTimeout <= 0 || c.ResponseTimeout <= 0 {
		return fmt.Errorf("digit-timeout and response-timeout must be positive")
	}

	if c.APISecret != "" && len(c.APISecret) < minAPISecretLen {
		return fmt.Errorf("api-secret must be at least %d bytes", minAPISecretLen)
	}
	if c.APITokenTTL <= 0 {
		return fmt.Errorf("api-token-ttl must be positive")
	}

	switch c.RealtimeDriver {
	case "":
	case "sqlite", "pgx":
		if c.RealtimeDSN == "" {
			return fmt.Errorf("realtime-dsn is required with realtime-driver %s", c.RealtimeDriver)
		}
		if c.RealtimeContext == "" {
			return fmt.Errorf("realtime-context must not be empty")
		}
	default:
		return fmt.Errorf("realtime-driver must be one of sqlite, pgx; got %q", c.RealtimeDriver)
	}
	return nil
}

// SystemNameOrHost returns the configured system name, falling back to
// the machine hostname.
func (c *Config) SystemNameOrHost() string {
	if c.SystemName != "" {
		return c.SystemName
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "pbxcore"
	}
	return hostname
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.HTTPPort)
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
