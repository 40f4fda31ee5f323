// Package config loads eventlane settings from EVENTLANE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/plaenen/eventlane/pkg/eventsourcing"
	"github.com/plaenen/eventlane/pkg/lane"
)

// Prefix is prepended to every environment variable name.
const Prefix = "EVENTLANE_"

// Event log backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Event delivery paths from the dispatcher to the lanes.
const (
	TransportDirect = "direct"
	TransportNATS   = "nats"
)

// Config is the complete runtime configuration.
type Config struct {
	Store      string `env:"STORE" envDefault:"memory"`
	SQLiteDSN  string `env:"SQLITE_DSN" envDefault:"eventlane.db"`
	Transport  string `env:"TRANSPORT" envDefault:"direct"`
	NATSStream string `env:"NATS_STREAM" envDefault:"EVENTLANE"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat  string `env:"LOG_FORMAT" envDefault:"text"`

	Dispatch DispatchConfig
	Lane     LaneConfig
}

// DispatchConfig configures the command dispatcher.
type DispatchConfig struct {
	Timeout    time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"10s"`
	MaxRetries int           `env:"DISPATCH_MAX_RETRIES" envDefault:"3"`
}

// LaneConfig configures every projection lane.
type LaneConfig struct {
	ProcessingTimeout  time.Duration      `env:"PROCESSING_TIMEOUT" envDefault:"5s"`
	RestartPolicy      lane.RestartPolicy `env:"RESTART_POLICY" envDefault:"retry-same-event"`
	RestartBackoff     time.Duration      `env:"RESTART_BACKOFF" envDefault:"100ms"`
	StopGrace          time.Duration      `env:"STOP_GRACE" envDefault:"1s"`
	MaxAttempts        int                `env:"MAX_ATTEMPTS" envDefault:"0"`
	QueueWarnThreshold int                `env:"QUEUE_WARN_THRESHOLD" envDefault:"1000"`
}

// Load reads the configuration from the process environment and validates it.
func Load() (Config, error) {
	return load(env.Options{Prefix: Prefix})
}

// LoadFrom reads the configuration from the given variables instead of the
// process environment. Keys carry the EVENTLANE_ prefix.
func LoadFrom(environment map[string]string) (Config, error) {
	return load(env.Options{Prefix: Prefix, Environment: environment})
}

func load(opts env.Options) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects non-positive timeouts and unknown enum values.
func (c Config) Validate() error {
	var errs []error

	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(c.SQLiteDSN) == "" {
			errs = append(errs, errors.New("SQLITE_DSN is required for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE %q", c.Store))
	}

	switch c.Transport {
	case TransportDirect:
	case TransportNATS:
		if strings.TrimSpace(c.NATSStream) == "" {
			errs = append(errs, errors.New("NATS_STREAM is required for the nats transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown TRANSPORT %q", c.Transport))
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat))
	}

	if c.Dispatch.Timeout <= 0 {
		errs = append(errs, errors.New("DISPATCH_TIMEOUT must be positive"))
	}
	if c.Dispatch.MaxRetries < 0 {
		errs = append(errs, errors.New("DISPATCH_MAX_RETRIES must not be negative"))
	}

	if c.Lane.ProcessingTimeout <= 0 {
		errs = append(errs, errors.New("PROCESSING_TIMEOUT must be positive"))
	}
	if _, err := lane.ParseRestartPolicy(string(c.Lane.RestartPolicy)); err != nil {
		errs = append(errs, err)
	}
	if c.Lane.RestartBackoff < 0 {
		errs = append(errs, errors.New("RESTART_BACKOFF must not be negative"))
	}
	if c.Lane.StopGrace < 0 {
		errs = append(errs, errors.New("STOP_GRACE must not be negative"))
	}
	if c.Lane.MaxAttempts < 0 {
		errs = append(errs, errors.New("MAX_ATTEMPTS must not be negative"))
	}
	if c.Lane.QueueWarnThreshold <= 0 {
		errs = append(errs, errors.New("QUEUE_WARN_THRESHOLD must be positive"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// LaneOptions converts the lane settings to lane options.
func (c LaneConfig) LaneOptions() []lane.Option {
	return []lane.Option{
		lane.WithProcessingTimeout(c.ProcessingTimeout),
		lane.WithRestartPolicy(c.RestartPolicy),
		lane.WithRestartBackoff(c.RestartBackoff),
		lane.WithStopGrace(c.StopGrace),
		lane.WithMaxAttempts(c.MaxAttempts),
		lane.WithQueueWarnThreshold(c.QueueWarnThreshold),
	}
}

// DispatcherOptions converts the dispatch settings to dispatcher options.
func (c DispatchConfig) DispatcherOptions() []eventsourcing.DispatcherOption {
	return []eventsourcing.DispatcherOption{
		eventsourcing.WithDispatchTimeout(c.Timeout),
		eventsourcing.WithMaxRetries(c.MaxRetries),
	}
}

// ParseLevel parses a log level name such as "debug" or "warn".
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown LOG_LEVEL %q", s)
	}
	return level, nil
}

// NewLogger builds a logger writing to w in the configured format and level.
func (c Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch c.LogFormat {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat)
	}
}
