package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// WorkerConfig holds configuration for the worker forwarder.
type WorkerConfig struct {
	BridgeURL         string            `yaml:"bridge_url"`
	WorkerID          string            `yaml:"worker_id"`
	APIKey            string            `yaml:"api_key"`
	LocalURL          string            `yaml:"local_url"`
	RequestTimeout    time.Duration     `yaml:"request_timeout"`
	HeartbeatInterval time.Duration     `yaml:"heartbeat_interval"`
	Reconnect         bool              `yaml:"reconnect"`
	DrainTimeout      time.Duration     `yaml:"drain_timeout"`
	Meta              map[string]string `yaml:"meta"`
	LogLevel          string            `yaml:"log_level"`
	ConfigFile        string            `yaml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *WorkerConfig) SetDefaults() {
	c.BridgeURL = "http://localhost:8080"
	c.LocalURL = "http://127.0.0.1:3000"
	c.RequestTimeout = 30 * time.Second
	c.HeartbeatInterval = 30 * time.Second
	c.Reconnect = true
	c.DrainTimeout = time.Minute
	c.LogLevel = "info"
	c.ConfigFile = DefaultConfigPath("worker.yaml")
}

// ApplyEnv overlays environment variables onto the current values.
func (c *WorkerConfig) ApplyEnv() {
	envString("CONFIG_FILE", &c.ConfigFile)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("BRIDGE_URL", &c.BridgeURL)
	envString("WORKER_ID", &c.WorkerID)
	envString("API_KEY", &c.APIKey)
	envString("LOCAL_URL", &c.LocalURL)
	envDuration("REQUEST_TIMEOUT", &c.RequestTimeout)
	envDuration("HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	envBool("RECONNECT", &c.Reconnect)
	envDuration("DRAIN_TIMEOUT", &c.DrainTimeout)
}

// BindFlags binds command line flags using the current values as defaults.
func (c *WorkerConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "worker config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.BridgeURL, "bridge-url", c.BridgeURL, "bridge base URL")
	fs.StringVar(&c.WorkerID, "worker-id", c.WorkerID, "worker identity; defaults to the host name")
	fs.StringVar(&c.APIKey, "api-key", c.APIKey, "key presented to the bridge /auth endpoint")
	fs.StringVar(&c.LocalURL, "local-url", c.LocalURL, "base URL of the local service")
	durationFlag(fs, "request-timeout", &c.RequestTimeout, "timeout for each local call")
	durationFlag(fs, "heartbeat-interval", &c.HeartbeatInterval, "interval between readiness announcements")
	fs.BoolVar(&c.Reconnect, "reconnect", c.Reconnect, "reconnect after the session ends")
	durationFlag(fs, "drain-timeout", &c.DrainTimeout, "time allowed for in-flight requests on shutdown")
}

// Validate reports configuration that prevents startup.
func (c *WorkerConfig) Validate() error {
	if c.WorkerID == "" {
		return errors.New("WORKER_ID is required")
	}
	if c.BridgeURL == "" || c.LocalURL == "" {
		return errors.New("BRIDGE_URL and LOCAL_URL are required")
	}
	return nil
}

// LoadWorker resolves a worker config from defaults, file, env and args.
func LoadWorker(fs *flag.FlagSet, args []string) (WorkerConfig, error) {
	var c WorkerConfig
	c.SetDefaults()
	c.ApplyEnv()
	if p := configArg(args); p != "" {
		c.ConfigFile = p
	}
	if err := loadYAML(c.ConfigFile, &c); err != nil {
		return c, fmt.Errorf("load %s: %w", c.ConfigFile, err)
	}
	c.ApplyEnv()
	c.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	if c.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker-" + uuid.NewString()[:8]
		}
		c.WorkerID = host
	}
	return c, nil
}
