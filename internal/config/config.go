package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/jobster"
	"github.com/cuongbtq/jobster/retry"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverPGX      = "pgx"
	DriverSQLite   = "sqlite3"
)

// Retry strategies
const (
	RetryExponential = "exponential"
	RetryFixed       = "fixed"
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Jobster   JobsterConfig   `yaml:"jobster"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds admin HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the storage backend. Host fields serve the postgres
// driver, URL serves pgx and Path serves sqlite3.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	URL             string        `yaml:"url"`
	Path            string        `yaml:"path"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection settings and the relay and
// ingress toggles
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Relay      ToggleConfig     `yaml:"relay"`
	Ingress    ToggleConfig     `yaml:"ingress"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int    `yaml:"prefetch_count"`
	Tag           string `yaml:"tag"`
}

type ToggleConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	NoColor      bool   `yaml:"no_color"`
}

// TelemetryConfig toggles the OpenTelemetry counters
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// JobsterConfig holds engine settings
type JobsterConfig struct {
	HeartbeatFrequency time.Duration        `yaml:"heartbeat_frequency"`
	InstanceID         string               `yaml:"instance_id"`
	Jobs               map[string]JobConfig `yaml:"jobs"`
}

// JobConfig holds the settings of one job name
type JobConfig struct {
	MinWorkers    *int          `yaml:"min_workers"`
	MaxWorkers    int           `yaml:"max_workers"`
	BatchSize     int           `yaml:"batch_size"`
	PollFrequency time.Duration `yaml:"poll_frequency"`
	MaxInFlight   int           `yaml:"max_in_flight"`
	Disabled      bool          `yaml:"disabled"`
	// LogOnly registers a handler that logs and acknowledges every job
	LogOnly bool        `yaml:"log_only"`
	Retry   RetryConfig `yaml:"retry"`
}

// RetryConfig selects a retry strategy
type RetryConfig struct {
	Strategy    string        `yaml:"strategy"`
	BaseTimeout time.Duration `yaml:"base_timeout"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  *int          `yaml:"max_retries"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverPostgres
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Jobster.HeartbeatFrequency == 0 {
		c.Jobster.HeartbeatFrequency = jobster.DefaultHeartbeatFrequency
	}
	for name, job := range c.Jobster.Jobs {
		if job.MinWorkers == nil {
			job.MinWorkers = jobster.Int(jobster.DefaultMinWorkers)
		}
		if job.MaxWorkers == 0 {
			job.MaxWorkers = jobster.DefaultMaxWorkers
		}
		if job.BatchSize == 0 {
			job.BatchSize = 1
		}
		if job.Retry.Strategy == "" {
			job.Retry.Strategy = RetryExponential
		}
		c.Jobster.Jobs[name] = job
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.Database.validate(); err != nil {
		return err
	}

	if c.RabbitMQ.Relay.Enabled || c.RabbitMQ.Ingress.Enabled {
		if err := c.RabbitMQ.validate(); err != nil {
			return err
		}
	}

	if c.Jobster.HeartbeatFrequency < 0 {
		return fmt.Errorf("jobster heartbeat_frequency must not be negative")
	}

	for _, name := range c.Jobster.JobNames() {
		if err := c.Jobster.Jobs[name].validate(name); err != nil {
			return err
		}
	}

	return nil
}

func (d DatabaseConfig) validate() error {
	switch d.Driver {
	case DriverPostgres:
		if d.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if d.Port < MinPort || d.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", d.Port, MinPort, MaxPort)
		}
		if d.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case DriverPGX:
		if d.URL == "" {
			return fmt.Errorf("database url is required for driver %s", d.Driver)
		}
	case DriverSQLite:
		if d.Path == "" {
			return fmt.Errorf("database path is required for driver %s", d.Driver)
		}
	default:
		return fmt.Errorf("unknown database driver: %q", d.Driver)
	}
	return nil
}

func (r RabbitMQConfig) validate() error {
	if r.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}
	if r.Port < MinPort || r.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", r.Port, MinPort, MaxPort)
	}
	if r.Relay.Enabled && r.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}
	if r.Ingress.Enabled && r.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}
	return nil
}

func (j JobConfig) validate(name string) error {
	if j.MinWorkers == nil {
		return fmt.Errorf("job %s: min_workers is required", name)
	}
	if *j.MinWorkers < 0 {
		return fmt.Errorf("job %s: min_workers must not be negative", name)
	}
	if *j.MinWorkers > j.MaxWorkers {
		return fmt.Errorf("job %s: min_workers (%d) must not exceed max_workers (%d)", name, *j.MinWorkers, j.MaxWorkers)
	}
	if j.BatchSize < 1 {
		return fmt.Errorf("job %s: batch_size must be at least 1", name)
	}
	if j.PollFrequency < 0 {
		return fmt.Errorf("job %s: poll_frequency must not be negative", name)
	}
	if j.MaxInFlight < 0 {
		return fmt.Errorf("job %s: max_in_flight must not be negative", name)
	}
	if _, err := j.Retry.strategy(); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	return nil
}

func (r RetryConfig) strategy() (retry.Strategy, error) {
	maxRetries := retry.DefaultMaxRetries
	if r.MaxRetries != nil {
		maxRetries = *r.MaxRetries
	}

	switch r.Strategy {
	case RetryExponential, "":
		base := r.BaseTimeout
		if base == 0 {
			base = retry.DefaultBaseTimeout
		}
		return retry.NewExponentialBackoff(base, maxRetries)
	case RetryFixed:
		timeout := r.Timeout
		if timeout == 0 {
			timeout = retry.DefaultTimeout
		}
		return retry.NewFixedTimeout(timeout, maxRetries)
	default:
		return nil, fmt.Errorf("unknown retry strategy: %q", r.Strategy)
	}
}

// JobNames returns the configured job names, sorted
func (j JobsterConfig) JobNames() []string {
	names := make([]string, 0, len(j.Jobs))
	for name := range j.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// JobConfigs converts the job section to engine settings
func (c *Config) JobConfigs() (map[string]jobster.JobConfig, error) {
	out := make(map[string]jobster.JobConfig, len(c.Jobster.Jobs))
	for name, job := range c.Jobster.Jobs {
		strategy, err := job.Retry.strategy()
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", name, err)
		}
		out[name] = jobster.JobConfig{
			MinWorkers:    job.MinWorkers,
			MaxWorkers:    job.MaxWorkers,
			BatchSize:     job.BatchSize,
			PollFrequency: job.PollFrequency,
			MaxInFlight:   job.MaxInFlight,
			RetryStrategy: strategy,
			Disabled:      job.Disabled,
		}
	}
	return out, nil
}

// LogOnlyJobs returns the enabled job names flagged log_only, sorted
func (c *Config) LogOnlyJobs() []string {
	var names []string
	for _, name := range c.Jobster.JobNames() {
		job := c.Jobster.Jobs[name]
		if job.LogOnly && !job.Disabled {
			names = append(names, name)
		}
	}
	return names
}
