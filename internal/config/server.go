package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ControlPortOffset separates the cluster control port from the public port.
const ControlPortOffset = 1000

// DefaultModels are the mock models registered when none are configured.
var DefaultModels = []string{"gpt-4", "gpt-4o", "whisper-1", "text-embedding-ada-002"}

// ServerConfig holds configuration for the gateway frontend and master.
type ServerConfig struct {
	Port           int
	APIKey         string
	MaxConcurrency int
	WaitTimeout    time.Duration
	RequestTimeout time.Duration
	Models         []string
	AllowedOrigins []string
	LogLevel       string
	ConfigFile     string
}

// ControlPort returns the cluster control port paired with the public port.
func (c *ServerConfig) ControlPort() int {
	return c.Port + ControlPortOffset
}

// SetDefaults initializes c with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 10
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = 5 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.Models == nil {
		c.Models = append([]string(nil), DefaultModels...)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// serverFile is the YAML shape of a server config file. Durations are
// strings in Go duration syntax.
type serverFile struct {
	Port           *int     `yaml:"port"`
	APIKey         *string  `yaml:"api_key"`
	MaxConcurrency *int     `yaml:"max_concurrency"`
	WaitTimeout    *string  `yaml:"wait_timeout"`
	RequestTimeout *string  `yaml:"request_timeout"`
	Models         []string `yaml:"models"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	LogLevel       *string  `yaml:"log_level"`
}

// LoadFile overlays values from a YAML config file. A missing file is not an
// error unless the path was set explicitly.
func (c *ServerConfig) LoadFile(path string, explicit bool) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return err
	}
	var f serverFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return err
	}
	if f.Port != nil {
		c.Port = *f.Port
	}
	if f.APIKey != nil {
		c.APIKey = *f.APIKey
	}
	if f.MaxConcurrency != nil {
		c.MaxConcurrency = *f.MaxConcurrency
	}
	if f.WaitTimeout != nil {
		d, err := time.ParseDuration(*f.WaitTimeout)
		if err != nil {
			return fmt.Errorf("wait_timeout: %w", err)
		}
		c.WaitTimeout = d
	}
	if f.RequestTimeout != nil {
		d, err := time.ParseDuration(*f.RequestTimeout)
		if err != nil {
			return fmt.Errorf("request_timeout: %w", err)
		}
		c.RequestTimeout = d
	}
	if f.Models != nil {
		c.Models = f.Models
	}
	if f.AllowedOrigins != nil {
		c.AllowedOrigins = f.AllowedOrigins
	}
	if f.LogLevel != nil {
		c.LogLevel = *f.LogLevel
	}
	return nil
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ServerConfig) ApplyEnv() {
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := GetEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := GetEnv("MAX_CONCURRENCY", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrency = n
		}
	}
	if v := GetEnv("WAIT_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.WaitTimeout = d
		}
	}
	if v := GetEnv("REQUEST_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RequestTimeout = d
		}
	}
	if v := GetEnv("MODELS", ""); v != "" {
		c.Models = splitComma(v)
	}
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
}

// BindFlags binds command line flags using the current values as defaults.
func (c *ServerConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (debug, info, warn, error)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the public API")
	fs.StringVar(&c.APIKey, "api-key", c.APIKey, "client API key required for requests; leave empty to disable auth")
	fs.IntVar(&c.MaxConcurrency, "max-concurrency", c.MaxConcurrency, "max simultaneous inference requests")
	fs.DurationVar(&c.WaitTimeout, "wait-timeout", c.WaitTimeout, "max time to wait for a concurrency slot")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "max duration of a single inference request")
	fs.Func("models", "comma separated list of models to serve", func(v string) error {
		c.Models = splitComma(v)
		return nil
	})
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

// ApplyArgs consumes the positional arguments: [port] [max-concurrency].
func (c *ServerConfig) ApplyArgs(args []string) error {
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid port %q", args[0])
		}
		c.Port = n
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid max-concurrency %q", args[1])
		}
		c.MaxConcurrency = n
	}
	if len(args) > 2 {
		return fmt.Errorf("unexpected argument %q", args[2])
	}
	return nil
}

// Load resolves the full configuration for a server binary: defaults, then
// config file, then environment, then flags, then positional arguments.
func (c *ServerConfig) Load(fs *flag.FlagSet, args []string) error {
	c.SetDefaults()
	path := configPathFromArgs(args)
	explicit := path != ""
	if path == "" {
		path = GetEnv("CONFIG_FILE", "")
		explicit = path != ""
	}
	if path != "" {
		c.ConfigFile = path
		if err := c.LoadFile(path, explicit); err != nil {
			return err
		}
	}
	c.ApplyEnv()
	c.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return c.ApplyArgs(fs.Args())
}

// configPathFromArgs pre-scans for --config so the file loads before the
// other flags are parsed.
func configPathFromArgs(args []string) string {
	for i, a := range args {
		switch {
		case a == "--config" || a == "-config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		case strings.HasPrefix(a, "-config="):
			return strings.TrimPrefix(a, "-config=")
		}
	}
	return ""
}
