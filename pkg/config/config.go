package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fleetctl/odc/pkg/telemetry"
)

// Config is the odc configuration file.
type Config struct {
	Control   Control          `yaml:"control"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Store     StoreConfig      `yaml:"store"`
	Server    ServerConfig     `yaml:"server"`
	Policy    PolicyConfig     `yaml:"policy"`
	Backend   BackendConfig    `yaml:"backend"`
}

// Control holds the deadlines and sizing of the control commands.
type Control struct {
	// GlobalTimeoutSeconds bounds each remote wait of a command.
	GlobalTimeoutSeconds int `yaml:"globalTimeoutSeconds" validate:"min=1"`

	AgentPollIntervalMs  int `yaml:"agentPollIntervalMs" validate:"min=1"`
	AgentPollMaxAttempts int `yaml:"agentPollMaxAttempts" validate:"min=1"`

	// GroupCapacity is the number of workers one agent group hosts at most.
	GroupCapacity int `yaml:"groupCapacity" validate:"min=1"`

	// RMS is the default resource manager plugin for Initialize.
	RMS string `yaml:"rms" validate:"required"`

	// RMSConfigFile is the default plugin configuration file.
	RMSConfigFile string `yaml:"rmsConfigFile"`

	// DetailedErrorCodes replaces the generic envelope error code with one per error kind.
	DetailedErrorCodes bool `yaml:"detailedErrorCodes"`
}

// Timeout returns the per-wait deadline.
func (c Control) Timeout() time.Duration {
	return time.Duration(c.GlobalTimeoutSeconds) * time.Second
}

// PollInterval returns the agent poll interval.
func (c Control) PollInterval() time.Duration {
	return time.Duration(c.AgentPollIntervalMs) * time.Millisecond
}

// StoreConfig configures the command history database.
type StoreConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path is the sqlite database file, ":memory:" for a throwaway store.
	Path string `yaml:"path" validate:"required_if=Enabled true"`

	// MaxRecords prunes the oldest commands beyond this count. Zero keeps all.
	MaxRecords int `yaml:"maxRecords" validate:"min=0"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddress     string        `yaml:"listenAddress" validate:"required"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
}

// PolicyConfig configures submission admission.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Paths are extra .rego files or directories, watched for changes.
	Paths []string `yaml:"paths"`

	MaxWorkers int      `yaml:"maxWorkers" validate:"min=0"`
	AllowedRMS []string `yaml:"allowedRMS"`
}

// BackendConfig selects and tunes the collaborator backend.
type BackendConfig struct {
	// Kind names the backend. Only the in-process simulator ships with odc.
	Kind string `yaml:"kind" validate:"oneof=sim"`

	// AgentStartDelay is how long simulated agents take to become active.
	AgentStartDelay time.Duration `yaml:"agentStartDelay"`

	// TransitionDelay is how long simulated devices take per transition.
	TransitionDelay time.Duration `yaml:"transitionDelay"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Control: Control{
			GlobalTimeoutSeconds: 1800,
			AgentPollIntervalMs:  500,
			AgentPollMaxAttempts: 3600,
			GroupCapacity:        12,
			RMS:                  "localhost",
		},
		Telemetry: *telemetry.DefaultConfig(),
		Store: StoreConfig{
			Enabled:    true,
			Path:       "odc.db",
			MaxRecords: 10000,
		},
		Server: ServerConfig{
			ListenAddress:     "127.0.0.1:8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Policy: PolicyConfig{
			Enabled:    true,
			MaxWorkers: 1024,
		},
		Backend: BackendConfig{
			Kind:            "sim",
			AgentStartDelay: 200 * time.Millisecond,
			TransitionDelay: 10 * time.Millisecond,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path loads only defaults and environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOverride binds one environment variable to a config field.
type envOverride struct {
	name  string
	apply func(cfg *Config, value string) error
}

func intVar(field func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*field(cfg) = n
		return nil
	}
}

func boolVar(field func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*field(cfg) = b
		return nil
	}
}

func stringVar(field func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		*field(cfg) = value
		return nil
	}
}

var envOverrides = []envOverride{
	{"ODC_TIMEOUT", intVar(func(c *Config) *int { return &c.Control.GlobalTimeoutSeconds })},
	{"ODC_POLL_INTERVAL_MS", intVar(func(c *Config) *int { return &c.Control.AgentPollIntervalMs })},
	{"ODC_POLL_MAX_ATTEMPTS", intVar(func(c *Config) *int { return &c.Control.AgentPollMaxAttempts })},
	{"ODC_GROUP_CAPACITY", intVar(func(c *Config) *int { return &c.Control.GroupCapacity })},
	{"ODC_RMS", stringVar(func(c *Config) *string { return &c.Control.RMS })},
	{"ODC_RMS_CONFIG", stringVar(func(c *Config) *string { return &c.Control.RMSConfigFile })},
	{"ODC_DETAILED_ERRORS", boolVar(func(c *Config) *bool { return &c.Control.DetailedErrorCodes })},
	{"ODC_LISTEN", stringVar(func(c *Config) *string { return &c.Server.ListenAddress })},
	{"ODC_STORE_PATH", stringVar(func(c *Config) *string { return &c.Store.Path })},
	{"ODC_MAX_WORKERS", intVar(func(c *Config) *int { return &c.Policy.MaxWorkers })},
	{"LOG_LEVEL", stringVar(func(c *Config) *string { return &c.Telemetry.Logging.Level })},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, o := range envOverrides {
		value, ok := lookup(o.name)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		if err := o.apply(cfg, strings.TrimSpace(value)); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s=%q: %w", o.name, value, err))
		}
	}
	return errors.Join(errs...)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}
