// Package config loads the litestack configuration: a YAML file, defaults
// for anything it leaves out, then LITESTACK_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ao/litestack/internal/storage"
)

// Config is the process configuration
type Config struct {
	DataDir string        `yaml:"data_dir"`
	HTTP    HTTPConfig    `yaml:"http"`
	Log     LogConfig     `yaml:"log"`
	Cloud   CloudConfig   `yaml:"cloud"`
	SSH     SSHConfig     `yaml:"ssh"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Lock    LockConfig    `yaml:"lock"`
	Mail    MailConfig    `yaml:"mail"`
	Events  EventsConfig  `yaml:"events"`
	Tracing TracingConfig `yaml:"tracing"`

	// Configurations seeds the server configuration templates at startup
	Configurations []storage.ServerConfiguration `yaml:"configurations"`
}

// HTTPConfig configures the API listener
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures the logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CloudConfig configures the OpenStack connection. When AuthURL is empty
// credentials are read from the standard OS_* environment variables.
type CloudConfig struct {
	AuthURL       string        `yaml:"auth_url"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	ProjectName   string        `yaml:"project_name"`
	DomainName    string        `yaml:"domain_name"`
	Region        string        `yaml:"region"`
	PublicNetwork string        `yaml:"public_network"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	CreateTimeout time.Duration `yaml:"create_timeout"`
}

// SSHConfig configures remote command execution
type SSHConfig struct {
	Port        int           `yaml:"port"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// KnownHosts is where trusted-on-first-use host keys are recorded
	KnownHosts string `yaml:"known_hosts"`
}

// JobsConfig sizes the background command pool
type JobsConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
	// Timeout bounds one command job; zero means no limit
	Timeout time.Duration `yaml:"timeout"`
}

// LockConfig selects the per-server lock backend
type LockConfig struct {
	// Backend is "memory" or "redis"
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis lock backend
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// MailConfig configures outbound SMTP
type MailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// EventsConfig configures operator events on NATS. An empty URL only logs events.
type EventsConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// TracingConfig toggles span export
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/litestack",
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Cloud: CloudConfig{
			PublicNetwork: "public",
			PollInterval:  2 * time.Second,
			CreateTimeout: 300 * time.Second,
		},
		SSH: SSHConfig{
			Port:        22,
			DialTimeout: 30 * time.Second,
		},
		Jobs: JobsConfig{
			Workers:   4,
			QueueSize: 64,
			Timeout:   time.Hour,
		},
		Lock: LockConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "litestack:lock:",
				TTL:       30 * time.Second,
			},
		},
		Mail: MailConfig{
			Port: 587,
			From: "litestack@localhost",
		},
		Events: EventsConfig{
			Subject: "litestack.events",
		},
	}
}

// Load reads path (if not empty) over the defaults, applies environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overrides settings from LITESTACK_* variables
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	overrides := map[string]*string{
		"LITESTACK_DATA_DIR":       &c.DataDir,
		"LITESTACK_HTTP_ADDR":      &c.HTTP.Addr,
		"LITESTACK_LOG_LEVEL":      &c.Log.Level,
		"LITESTACK_LOG_FORMAT":     &c.Log.Format,
		"LITESTACK_CLOUD_PASSWORD": &c.Cloud.Password,
		"LITESTACK_PUBLIC_NETWORK": &c.Cloud.PublicNetwork,
		"LITESTACK_LOCK_BACKEND":   &c.Lock.Backend,
		"LITESTACK_REDIS_ADDR":     &c.Lock.Redis.Addr,
		"LITESTACK_REDIS_PASSWORD": &c.Lock.Redis.Password,
		"LITESTACK_SMTP_HOST":      &c.Mail.Host,
		"LITESTACK_SMTP_PASSWORD":  &c.Mail.Password,
		"LITESTACK_NATS_URL":       &c.Events.NATSURL,
	}
	for name, target := range overrides {
		if v, ok := lookup(name); ok {
			*target = v
		}
	}

	if v, ok := lookup("LITESTACK_JOB_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LITESTACK_JOB_WORKERS: %w", err)
		}
		c.Jobs.Workers = n
	}

	if v, ok := lookup("LITESTACK_TRACING"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LITESTACK_TRACING: %w", err)
		}
		c.Tracing.Enabled = enabled
	}

	return nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("data_dir is required"))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, fmt.Errorf("http.addr is required"))
	}
	if c.Cloud.PublicNetwork == "" {
		errs = append(errs, fmt.Errorf("cloud.public_network is required"))
	}
	if c.Cloud.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("cloud.poll_interval must be positive"))
	}
	if c.Cloud.CreateTimeout < c.Cloud.PollInterval {
		errs = append(errs, fmt.Errorf("cloud.create_timeout must not be shorter than cloud.poll_interval"))
	}
	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		errs = append(errs, fmt.Errorf("ssh.port must be between 1 and 65535"))
	}
	if c.Jobs.Workers <= 0 {
		errs = append(errs, fmt.Errorf("jobs.workers must be positive"))
	}
	if c.Jobs.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("jobs.queue_size must be positive"))
	}

	switch c.Lock.Backend {
	case "memory":
	case "redis":
		if c.Lock.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("lock.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.backend must be one of: memory, redis"))
	}

	if c.Mail.Enabled && c.Mail.Host == "" {
		errs = append(errs, fmt.Errorf("mail.host is required when mail is enabled"))
	}

	seen := make(map[string]bool)
	for i, sc := range c.Configurations {
		switch {
		case sc.Name == "":
			errs = append(errs, fmt.Errorf("configurations[%d].name is required", i))
		case seen[sc.Name]:
			errs = append(errs, fmt.Errorf("configurations[%d]: duplicate name %q", i, sc.Name))
		}
		seen[sc.Name] = true
		if sc.Image == "" || sc.Flavor == "" {
			errs = append(errs, fmt.Errorf("configurations[%d]: image and flavor are required", i))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
