package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/polystore/polystore/pkg/telemetry"
)

// Duration wraps time.Duration so YAML accepts "30s" style values.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ServiceSettings identifies the running service.
type ServiceSettings struct {
	Name        string `yaml:"name" validate:"required"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment" validate:"omitempty,oneof=dev staging prod"`
}

// LoggingSettings configures structured logging.
type LoggingSettings struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
	Output string `yaml:"output"`
}

// TracingSettings configures distributed tracing.
type TracingSettings struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint     string  `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `yaml:"insecure"`
}

// MetricsSettings configures the Prometheus endpoint.
type MetricsSettings struct {
	Enabled         bool     `yaml:"enabled"`
	ListenAddress   string   `yaml:"listen_address"`
	Path            string   `yaml:"path"`
	RefreshInterval Duration `yaml:"refresh_interval"`
}

// DatabaseSettings describes one backend registration.
type DatabaseSettings struct {
	Name     string `yaml:"name" validate:"required"`
	Type     string `yaml:"type" validate:"required,oneof=memory sqlite"`
	Path     string `yaml:"path" validate:"required_if=Type sqlite"`
	Priority int    `yaml:"priority"`
	ReadOnly bool   `yaml:"read_only"`
}

// CacheSettings configures the repository cache decorator.
type CacheSettings struct {
	Enabled      bool     `yaml:"enabled"`
	Strategy     string   `yaml:"strategy" validate:"omitempty,oneof=cache_aside write_through write_behind refresh_ahead"`
	Invalidation string   `yaml:"invalidation" validate:"omitempty,oneof=ttl_only write_invalidate tag_based event_driven"`
	TTL          Duration `yaml:"ttl"`
	Prefix       string   `yaml:"prefix"`
}

// TransactionSettings configures the unit-of-work manager.
type TransactionSettings struct {
	Timeout Duration `yaml:"timeout"`
}

// CoordinationSettings configures the multi-database coordinator.
type CoordinationSettings struct {
	TaskTimeout         Duration `yaml:"task_timeout"`
	HealthCheckInterval Duration `yaml:"health_check_interval"`
}

// Settings is the root configuration document.
type Settings struct {
	Service      ServiceSettings      `yaml:"service" validate:"required"`
	Logging      LoggingSettings      `yaml:"logging"`
	Tracing      TracingSettings      `yaml:"tracing"`
	Metrics      MetricsSettings      `yaml:"metrics"`
	Databases    []DatabaseSettings   `yaml:"databases" validate:"min=1,dive"`
	Cache        CacheSettings        `yaml:"cache"`
	Transactions TransactionSettings  `yaml:"transactions"`
	Coordination CoordinationSettings `yaml:"coordination"`
}

// Default returns settings with one in-memory database and conservative
// timeouts.
func Default() *Settings {
	return &Settings{
		Service: ServiceSettings{
			Name:        "polystore",
			Version:     "dev",
			Environment: "dev",
		},
		Logging: LoggingSettings{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Tracing: TracingSettings{
			Exporter:     "none",
			SamplingRate: 1.0,
		},
		Metrics: MetricsSettings{
			ListenAddress:   ":9090",
			Path:            "/metrics",
			RefreshInterval: Duration(15 * time.Second),
		},
		Databases: []DatabaseSettings{
			{Name: "primary", Type: "memory", Priority: 10},
		},
		Cache: CacheSettings{
			Strategy:     "cache_aside",
			Invalidation: "write_invalidate",
			TTL:          Duration(5 * time.Minute),
			Prefix:       "polystore",
		},
		Transactions: TransactionSettings{
			Timeout: Duration(30 * time.Second),
		},
		Coordination: CoordinationSettings{
			TaskTimeout:         Duration(60 * time.Second),
			HealthCheckInterval: Duration(30 * time.Second),
		},
	}
}

// applyDefaults fills zero values so a sparse file still yields a complete
// configuration.
func (s *Settings) applyDefaults() {
	def := Default()
	if s.Service.Name == "" {
		s.Service.Name = def.Service.Name
	}
	if s.Service.Version == "" {
		s.Service.Version = def.Service.Version
	}
	if s.Service.Environment == "" {
		s.Service.Environment = def.Service.Environment
	}
	if s.Logging.Level == "" {
		s.Logging.Level = def.Logging.Level
	}
	if s.Logging.Format == "" {
		s.Logging.Format = def.Logging.Format
	}
	if s.Logging.Output == "" {
		s.Logging.Output = def.Logging.Output
	}
	if s.Tracing.Exporter == "" {
		s.Tracing.Exporter = def.Tracing.Exporter
	}
	if s.Tracing.SamplingRate == 0 {
		s.Tracing.SamplingRate = def.Tracing.SamplingRate
	}
	if s.Metrics.ListenAddress == "" {
		s.Metrics.ListenAddress = def.Metrics.ListenAddress
	}
	if s.Metrics.Path == "" {
		s.Metrics.Path = def.Metrics.Path
	}
	if s.Metrics.RefreshInterval == 0 {
		s.Metrics.RefreshInterval = def.Metrics.RefreshInterval
	}
	if len(s.Databases) == 0 {
		s.Databases = def.Databases
	}
	if s.Cache.Strategy == "" {
		s.Cache.Strategy = def.Cache.Strategy
	}
	if s.Cache.Invalidation == "" {
		s.Cache.Invalidation = def.Cache.Invalidation
	}
	if s.Cache.TTL == 0 {
		s.Cache.TTL = def.Cache.TTL
	}
	if s.Cache.Prefix == "" {
		s.Cache.Prefix = def.Cache.Prefix
	}
	if s.Transactions.Timeout == 0 {
		s.Transactions.Timeout = def.Transactions.Timeout
	}
	if s.Coordination.TaskTimeout == 0 {
		s.Coordination.TaskTimeout = def.Coordination.TaskTimeout
	}
	if s.Coordination.HealthCheckInterval == 0 {
		s.Coordination.HealthCheckInterval = def.Coordination.HealthCheckInterval
	}
}

// Validate checks the settings for structural and semantic errors, including
// duplicate database names.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	seen := make(map[string]struct{}, len(s.Databases))
	for _, db := range s.Databases {
		if _, dup := seen[db.Name]; dup {
			return fmt.Errorf("invalid configuration: duplicate database name %q", db.Name)
		}
		seen[db.Name] = struct{}{}
	}
	return nil
}

// Load reads, defaults, and validates a settings file.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes settings from YAML bytes.
func Parse(data []byte) (*Settings, error) {
	s := &Settings{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Telemetry maps the settings onto the telemetry configuration.
func (s *Settings) Telemetry() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceName = s.Service.Name
	cfg.ServiceVersion = s.Service.Version
	cfg.Environment = s.Service.Environment
	cfg.Logging.Level = s.Logging.Level
	cfg.Logging.Format = s.Logging.Format
	cfg.Logging.Output = s.Logging.Output
	cfg.Tracing.Enabled = s.Tracing.Enabled
	cfg.Tracing.Exporter = s.Tracing.Exporter
	cfg.Tracing.Endpoint = s.Tracing.Endpoint
	cfg.Tracing.SamplingRate = s.Tracing.SamplingRate
	cfg.Tracing.Insecure = s.Tracing.Insecure
	cfg.Metrics.Enabled = s.Metrics.Enabled
	cfg.Metrics.ListenAddress = s.Metrics.ListenAddress
	cfg.Metrics.Path = s.Metrics.Path
	return cfg
}
