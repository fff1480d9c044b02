// Package config loads bridge configuration. Sources are layered as
// defaults, an optional YAML file, command-line flags and finally
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// ErrHelp is returned by Load when -h/--help was requested.
var ErrHelp = pflag.ErrHelp

// Baresip holds the control-socket settings.
type Baresip struct {
	Host                 string        `yaml:"host"`
	Port                 int           `yaml:"port"`
	DialTimeout          time.Duration `yaml:"dialTimeout"`
	ReconnectBase        time.Duration `yaml:"reconnectBase"`
	ReconnectMaxAttempts int           `yaml:"reconnectMaxAttempts"`
	ContactsPollInterval time.Duration `yaml:"contactsPollInterval"`
	CallStatPollInterval time.Duration `yaml:"callStatPollInterval"`
}

// HTTP holds the API listener settings.
type HTTP struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// GRPC holds the health service settings. Port 0 disables it.
type GRPC struct {
	Port int `yaml:"port"`
}

// Config holds the bridge configuration
type Config struct {
	Baresip Baresip `yaml:"baresip"`
	HTTP    HTTP    `yaml:"http"`
	GRPC    GRPC    `yaml:"grpc"`

	CallGrace       time.Duration `yaml:"callGrace"`
	QueueSpacing    time.Duration `yaml:"queueSpacing"`
	SelectDelay     time.Duration `yaml:"selectDelay"`
	LogRingSize     int           `yaml:"logRingSize"`
	AutoConnectFile string        `yaml:"autoConnectFile"`
	LogLevel        string        `yaml:"logLevel"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Baresip: Baresip{
			Host:                 "baresip",
			Port:                 4444,
			DialTimeout:          5 * time.Second,
			ReconnectBase:        time.Second,
			ReconnectMaxAttempts: 10,
			ContactsPollInterval: 30 * time.Second,
			CallStatPollInterval: 2 * time.Second,
		},
		HTTP: HTTP{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		GRPC:            GRPC{Port: 9090},
		CallGrace:       time.Second,
		QueueSpacing:    500 * time.Millisecond,
		SelectDelay:     150 * time.Millisecond,
		LogRingSize:     1000,
		AutoConnectFile: "/config/autoconnect.json",
		LogLevel:        "info",
	}
}

// BaresipAddr returns host:port of the control socket.
func (c *Config) BaresipAddr() string {
	return net.JoinHostPort(c.Baresip.Host, strconv.Itoa(c.Baresip.Port))
}

// HTTPAddr returns the API listen address.
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.HTTP.Bind, strconv.Itoa(c.HTTP.Port))
}

// GRPCAddr returns the health service listen address, or "" when disabled.
func (c *Config) GRPCAddr() string {
	if c.GRPC.Port == 0 {
		return ""
	}
	return net.JoinHostPort(c.HTTP.Bind, strconv.Itoa(c.GRPC.Port))
}

// Load builds the configuration from args (without the program name) and
// the environment as seen through getenv.
func Load(args []string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()

	var configPath string
	fs := pflag.NewFlagSet("baresip-bridge", pflag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "path to a YAML configuration file")
	fs.StringVar(&cfg.Baresip.Host, "baresip-host", cfg.Baresip.Host, "baresip control socket host")
	fs.IntVar(&cfg.Baresip.Port, "baresip-port", cfg.Baresip.Port, "baresip control socket port")
	fs.DurationVar(&cfg.Baresip.DialTimeout, "dial-timeout", cfg.Baresip.DialTimeout, "control socket dial timeout")
	fs.DurationVar(&cfg.Baresip.ReconnectBase, "reconnect-base", cfg.Baresip.ReconnectBase, "first reconnect delay, doubled on each attempt")
	fs.IntVar(&cfg.Baresip.ReconnectMaxAttempts, "reconnect-max-attempts", cfg.Baresip.ReconnectMaxAttempts, "reconnect attempts before giving up")
	fs.DurationVar(&cfg.Baresip.ContactsPollInterval, "contacts-poll", cfg.Baresip.ContactsPollInterval, "contact list refresh interval")
	fs.DurationVar(&cfg.Baresip.CallStatPollInterval, "callstat-poll", cfg.Baresip.CallStatPollInterval, "call statistics poll interval while calls are active")
	fs.StringVar(&cfg.HTTP.Bind, "bind", cfg.HTTP.Bind, "HTTP bind address")
	fs.IntVar(&cfg.HTTP.Port, "port", cfg.HTTP.Port, "HTTP port")
	fs.IntVar(&cfg.GRPC.Port, "grpc-port", cfg.GRPC.Port, "gRPC health port (0 disables)")
	fs.DurationVar(&cfg.CallGrace, "call-grace", cfg.CallGrace, "how long closed calls stay visible")
	fs.DurationVar(&cfg.QueueSpacing, "queue-spacing", cfg.QueueSpacing, "minimum gap between queued command sequences")
	fs.DurationVar(&cfg.SelectDelay, "select-delay", cfg.SelectDelay, "delay between account select and the action")
	fs.IntVar(&cfg.LogRingSize, "log-ring-size", cfg.LogRingSize, "log entries kept in memory")
	fs.StringVar(&cfg.AutoConnectFile, "autoconnect-config", cfg.AutoConnectFile, "auto-connect assignment file (empty disables persistence)")
	fs.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if configPath != "" {
		explicit := map[string]string{}
		fs.Visit(func(f *pflag.Flag) {
			explicit[f.Name] = f.Value.String()
		})
		if err := loadFile(configPath, cfg); err != nil {
			return nil, err
		}
		// Flags given on the command line win over the file.
		for name, value := range explicit {
			if err := fs.Set(name, value); err != nil {
				return nil, fmt.Errorf("failed to reapply flag --%s: %w", name, err)
			}
		}
	}

	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if host := getenv("BARESIP_HOST"); host != "" {
		cfg.Baresip.Host = host
	}
	if err := envInt(getenv, "BARESIP_PORT", &cfg.Baresip.Port); err != nil {
		return err
	}
	if err := envInt(getenv, "PORT", &cfg.HTTP.Port); err != nil {
		return err
	}
	if bind := getenv("BIND"); bind != "" {
		cfg.HTTP.Bind = bind
	}
	if err := envInt(getenv, "GRPC_PORT", &cfg.GRPC.Port); err != nil {
		return err
	}
	if level := getenv("LOGLEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if path := getenv("AUTOCONNECT_CONFIG"); path != "" {
		cfg.AutoConnectFile = path
	}
	return nil
}

func envInt(getenv func(string) string, key string, dst *int) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Baresip.Host == "" {
		errs = append(errs, errors.New("baresip host is required"))
	}
	if !validPort(c.Baresip.Port) {
		errs = append(errs, fmt.Errorf("invalid baresip port %d", c.Baresip.Port))
	}
	if !validPort(c.HTTP.Port) {
		errs = append(errs, fmt.Errorf("invalid http port %d", c.HTTP.Port))
	}
	if c.GRPC.Port != 0 && !validPort(c.GRPC.Port) {
		errs = append(errs, fmt.Errorf("invalid grpc port %d", c.GRPC.Port))
	}
	if c.Baresip.ReconnectBase <= 0 {
		errs = append(errs, errors.New("reconnect base must be positive"))
	}
	if c.Baresip.ReconnectMaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect max attempts must not be negative"))
	}
	if c.Baresip.ContactsPollInterval <= 0 || c.Baresip.CallStatPollInterval <= 0 {
		errs = append(errs, errors.New("poll intervals must be positive"))
	}
	if c.QueueSpacing < 0 || c.SelectDelay < 0 || c.CallGrace < 0 {
		errs = append(errs, errors.New("scheduler delays must not be negative"))
	}
	if c.LogRingSize <= 0 {
		errs = append(errs, errors.New("log ring size must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}
