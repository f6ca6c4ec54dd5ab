// Package config provides configuration structures and loading logic for
// polis-flow.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/polisai/polis-flow/pkg/broadcast"
	"github.com/polisai/polis-flow/pkg/classify"
	"github.com/polisai/polis-flow/pkg/correlate"
	"github.com/polisai/polis-flow/pkg/engine"
	"github.com/polisai/polis-flow/pkg/ingest"
	"github.com/polisai/polis-flow/pkg/server"
	"github.com/polisai/polis-flow/pkg/telemetry"
)

// Config holds the global configuration.
type Config struct {
	Ingest    IngestConfig     `yaml:"ingest" json:"ingest"`
	Server    ServerConfig     `yaml:"server" json:"server"`
	Engine    EngineConfig     `yaml:"engine" json:"engine"`
	Classify  ClassifyConfig   `yaml:"classify" json:"classify"`
	Policy    PolicyConfig     `yaml:"policy" json:"policy"`
	Broadcast BroadcastConfig  `yaml:"broadcast" json:"broadcast"`
	NATS      NATSConfig       `yaml:"nats" json:"nats"`
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`
	Logging   LoggingConfig    `yaml:"logging" json:"logging"`
}

// IngestConfig configures the reporter-facing TCP listener.
type IngestConfig struct {
	Address     string `yaml:"address" json:"address"`
	MaxLineSize int    `yaml:"max_line_size" json:"max_line_size"`
}

// ServerConfig configures the publication HTTP server.
type ServerConfig struct {
	Address        string   `yaml:"address" json:"address"`
	StaticDir      string   `yaml:"static_dir" json:"static_dir"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	QueueSize      int      `yaml:"queue_size" json:"queue_size"`
}

// EngineConfig configures correlation and flush timing.
type EngineConfig struct {
	GracePeriod   time.Duration `yaml:"grace_period" json:"grace_period"`
	SafetyTimeout time.Duration `yaml:"safety_timeout" json:"safety_timeout"`
	DedupLimit    int           `yaml:"dedup_limit" json:"dedup_limit"`
	AsyncCapacity int           `yaml:"async_capacity" json:"async_capacity"`
	QueueSize     int           `yaml:"queue_size" json:"queue_size"`
}

// ClassifyConfig configures the classifier dispatch table and noise filter.
type ClassifyConfig struct {
	TerminalPrefix string        `yaml:"terminal_prefix" json:"terminal_prefix"`
	SlowThreshold  time.Duration `yaml:"slow_threshold" json:"slow_threshold"`
	Routes         []RouteConfig `yaml:"routes" json:"routes"`
	Noise          NoiseConfig   `yaml:"noise" json:"noise"`
}

// RouteConfig is one entry of the dispatch table.
type RouteConfig struct {
	Name          string        `yaml:"name" json:"name"`
	Family        string        `yaml:"family" json:"family"`
	Prefix        string        `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Suffix        string        `yaml:"suffix,omitempty" json:"suffix,omitempty"`
	Caller        string        `yaml:"caller" json:"caller"`
	Callee        string        `yaml:"callee" json:"callee"`
	Policies      []string      `yaml:"policies,omitempty" json:"policies,omitempty"`
	ContentSafety bool          `yaml:"content_safety,omitempty" json:"content_safety,omitempty"`
	SlowThreshold time.Duration `yaml:"slow_threshold,omitempty" json:"slow_threshold,omitempty"`
}

// NoiseConfig configures the noise filter.
type NoiseConfig struct {
	Methods           []string         `yaml:"methods" json:"methods"`
	Statuses          []int            `yaml:"statuses" json:"statuses"`
	SlowPaths         []SlowPathConfig `yaml:"slow_paths" json:"slow_paths"`
	DuplicatePrefixes []string         `yaml:"duplicate_prefixes,omitempty" json:"duplicate_prefixes,omitempty"`
	KeepNotifications bool             `yaml:"keep_notifications,omitempty" json:"keep_notifications,omitempty"`
}

// SlowPathConfig names an address whose gateway timeouts are expected.
type SlowPathConfig struct {
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Suffix string `yaml:"suffix,omitempty" json:"suffix,omitempty"`
	Method string `yaml:"method,omitempty" json:"method,omitempty"`
}

// PolicyConfig configures the OPA annotation engine. When disabled the
// built-in rules annotate transitions.
type PolicyConfig struct {
	Enabled         bool           `yaml:"enabled" json:"enabled"`
	Entrypoint      string         `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"`
	Modules         []ModuleSource `yaml:"modules,omitempty" json:"modules,omitempty"`
	CacheMaxEntries int            `yaml:"cache_max_entries,omitempty" json:"cache_max_entries,omitempty"`
}

// BroadcastConfig configures the subscriber hub.
type BroadcastConfig struct {
	RecentSize    int     `yaml:"recent_size" json:"recent_size"`
	BodyCacheSize int     `yaml:"body_cache_size" json:"body_cache_size"`
	ProgressRate  float64 `yaml:"progress_rate" json:"progress_rate"`
	ProgressBurst int     `yaml:"progress_burst" json:"progress_burst"`
}

// NATSConfig configures the optional NATS transaction sink.
type NATSConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	URL       string `yaml:"url" json:"url"`
	Subject   string `yaml:"subject" json:"subject"`
	Progress  bool   `yaml:"progress,omitempty" json:"progress,omitempty"`
	QueueSize int    `yaml:"queue_size,omitempty" json:"queue_size,omitempty"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Pretty bool   `yaml:"pretty" json:"pretty"`
}

// Default returns the configuration of the reference deployment.
func Default() *Config {
	defaults := classify.DefaultOptions()
	return &Config{
		Ingest: IngestConfig{
			Address:     ingest.DefaultAddr,
			MaxLineSize: ingest.DefaultMaxLineSize,
		},
		Server: ServerConfig{
			Address:   server.DefaultAddr,
			QueueSize: broadcast.DefaultQueueSize,
		},
		Engine: EngineConfig{
			GracePeriod:   engine.DefaultGracePeriod,
			SafetyTimeout: engine.DefaultSafetyTimeout,
			DedupLimit:    correlate.DefaultRecencyLimit,
			AsyncCapacity: correlate.DefaultTableCapacity,
			QueueSize:     engine.DefaultQueueSize,
		},
		Classify: ClassifyConfig{
			TerminalPrefix: defaults.TerminalPrefix,
			SlowThreshold:  defaults.SlowThreshold,
			Routes:         routeConfigs(defaults.Routes),
			Noise:          noiseConfig(defaults.Noise),
		},
		Broadcast: BroadcastConfig{
			RecentSize:    broadcast.DefaultRecentSize,
			BodyCacheSize: broadcast.DefaultBodyCacheSize,
			ProgressRate:  10,
			ProgressBurst: 1,
		},
		NATS: NATSConfig{
			URL:     "nats://127.0.0.1:4222",
			Subject: broadcast.DefaultNATSSubject,
		},
		Telemetry: telemetry.Config{
			ServiceName: "polis-flow",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Ingest.Address) == "" {
		errs = append(errs, errors.New("ingest.address is required"))
	}
	if c.Ingest.MaxLineSize < 0 {
		errs = append(errs, errors.New("ingest.max_line_size must not be negative"))
	}
	if strings.TrimSpace(c.Server.Address) == "" {
		errs = append(errs, errors.New("server.address is required"))
	}
	if c.Ingest.Address == c.Server.Address {
		errs = append(errs, fmt.Errorf("ingest and server cannot share address %s", c.Server.Address))
	}

	if c.Engine.GracePeriod <= 0 {
		errs = append(errs, errors.New("engine.grace_period must be positive"))
	}
	if c.Engine.SafetyTimeout < c.Engine.GracePeriod {
		errs = append(errs, fmt.Errorf("engine.safety_timeout (%s) must not be shorter than engine.grace_period (%s)",
			c.Engine.SafetyTimeout, c.Engine.GracePeriod))
	}
	if c.Engine.DedupLimit < 0 || c.Engine.AsyncCapacity < 0 || c.Engine.QueueSize < 0 {
		errs = append(errs, errors.New("engine limits must not be negative"))
	}

	if _, err := c.Classify.Options(); err != nil {
		errs = append(errs, err)
	}

	if c.Policy.Enabled {
		for i, m := range c.Policy.Modules {
			if strings.TrimSpace(m.Path) == "" {
				errs = append(errs, fmt.Errorf("policy.modules[%d]: path is required", i))
			}
		}
	}

	if c.Broadcast.ProgressRate < 0 || c.Broadcast.ProgressBurst < 0 {
		errs = append(errs, errors.New("broadcast progress rate and burst must not be negative"))
	}

	if c.NATS.Enabled && strings.TrimSpace(c.NATS.URL) == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	return errors.Join(errs...)
}
