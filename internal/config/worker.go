package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkerConfig holds configuration for the worker binary.
type WorkerConfig struct {
	Name              string
	MasterHost        string
	MasterPort        int
	ListenHost        string
	ListenPort        int
	AdvertiseHost     string
	Models            []string
	HeartbeatInterval time.Duration
	LogLevel          string
	ConfigFile        string
}

// SetDefaults initializes c with built-in defaults. The master port default
// is the public port's paired control port.
func (c *WorkerConfig) SetDefaults() {
	if c.MasterHost == "" {
		c.MasterHost = "127.0.0.1"
	}
	if c.MasterPort == 0 {
		c.MasterPort = 8080 + ControlPortOffset
	}
	if c.Models == nil {
		c.Models = append([]string(nil), DefaultModels...)
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// workerFile is the YAML shape of a worker config file.
type workerFile struct {
	Name              *string  `yaml:"name"`
	MasterHost        *string  `yaml:"master_host"`
	MasterPort        *int     `yaml:"master_port"`
	ListenHost        *string  `yaml:"listen_host"`
	ListenPort        *int     `yaml:"listen_port"`
	AdvertiseHost     *string  `yaml:"advertise_host"`
	Models            []string `yaml:"models"`
	HeartbeatInterval *string  `yaml:"heartbeat_interval"`
	LogLevel          *string  `yaml:"log_level"`
}

// LoadFile overlays values from a YAML config file. A missing file is not an
// error unless the path was set explicitly.
func (c *WorkerConfig) LoadFile(path string, explicit bool) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return err
	}
	var f workerFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return err
	}
	if f.Name != nil {
		c.Name = *f.Name
	}
	if f.MasterHost != nil {
		c.MasterHost = *f.MasterHost
	}
	if f.MasterPort != nil {
		c.MasterPort = *f.MasterPort
	}
	if f.ListenHost != nil {
		c.ListenHost = *f.ListenHost
	}
	if f.ListenPort != nil {
		c.ListenPort = *f.ListenPort
	}
	if f.AdvertiseHost != nil {
		c.AdvertiseHost = *f.AdvertiseHost
	}
	if f.Models != nil {
		c.Models = f.Models
	}
	if f.HeartbeatInterval != nil {
		d, err := time.ParseDuration(*f.HeartbeatInterval)
		if err != nil {
			return fmt.Errorf("heartbeat_interval: %w", err)
		}
		c.HeartbeatInterval = d
	}
	if f.LogLevel != nil {
		c.LogLevel = *f.LogLevel
	}
	return nil
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *WorkerConfig) ApplyEnv() {
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("WORKER_NAME", ""); v != "" {
		c.Name = v
	}
	if v := GetEnv("MASTER_HOST", ""); v != "" {
		c.MasterHost = v
	}
	if v := GetEnv("MASTER_PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MasterPort = n
		}
	}
	if v := GetEnv("LISTEN_PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ListenPort = n
		}
	}
	if v := GetEnv("ADVERTISE_HOST", ""); v != "" {
		c.AdvertiseHost = v
	}
	if v := GetEnv("MODELS", ""); v != "" {
		c.Models = splitComma(v)
	}
	if v := GetEnv("HEARTBEAT_INTERVAL", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HeartbeatInterval = d
		}
	}
}

// BindFlags binds command line flags using the current values as defaults.
func (c *WorkerConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (debug, info, warn, error)")
	fs.StringVar(&c.MasterHost, "master-host", c.MasterHost, "master host to connect to")
	fs.IntVar(&c.MasterPort, "master-port", c.MasterPort, "master control port to connect to")
	fs.StringVar(&c.Name, "name", c.Name, "worker name announced to the master")
	fs.StringVar(&c.Name, "n", c.Name, "worker name (shorthand)")
	fs.Func("listen", "local control address as [host:]port; empty scans the default range", c.setListen)
	fs.Func("l", "local control address (shorthand)", c.setListen)
	fs.StringVar(&c.AdvertiseHost, "advertise-host", c.AdvertiseHost, "address announced to the master; autodetected when empty")
	fs.Func("models", "comma separated list of models to serve", func(v string) error {
		c.Models = splitComma(v)
		return nil
	})
}

// setListen parses a --listen value. Accepts "host:port" or a bare port.
func (c *WorkerConfig) setListen(v string) error {
	if host, port, err := net.SplitHostPort(v); err == nil {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid listen port %q", port)
		}
		c.ListenHost = host
		c.ListenPort = n
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid listen address %q", v)
	}
	c.ListenPort = n
	return nil
}

// ApplyArgs consumes the positional arguments: [master-host] [master-port].
func (c *WorkerConfig) ApplyArgs(args []string) error {
	if len(args) > 0 {
		c.MasterHost = args[0]
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid master port %q", args[1])
		}
		c.MasterPort = n
	}
	if len(args) > 2 {
		return fmt.Errorf("unexpected argument %q", args[2])
	}
	return nil
}

// Load resolves the full configuration for a worker binary.
func (c *WorkerConfig) Load(fs *flag.FlagSet, args []string) error {
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
