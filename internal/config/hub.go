package config

import (
	"errors"
	"flag"
	"fmt"
)

// HubConfig holds configuration for the reference pub/sub hub.
type HubConfig struct {
	Port         int      `yaml:"port"`
	HubName      string   `yaml:"hub_name"`
	HubAccessKey string   `yaml:"hub_access_key"`
	UpstreamURLs []string `yaml:"upstream_urls"`
	QueueSize    int      `yaml:"queue_size"`
	LogLevel     string   `yaml:"log_level"`
	ConfigFile   string   `yaml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *HubConfig) SetDefaults() {
	c.Port = 8081
	c.HubName = "bridge"
	c.QueueSize = 1024
	c.LogLevel = "info"
	c.ConfigFile = DefaultConfigPath("hub.yaml")
}

// ApplyEnv overlays environment variables onto the current values.
func (c *HubConfig) ApplyEnv() {
	envString("CONFIG_FILE", &c.ConfigFile)
	envString("LOG_LEVEL", &c.LogLevel)
	envInt("PORT", &c.Port)
	envString("HUB_NAME", &c.HubName)
	envString("HUB_ACCESS_KEY", &c.HubAccessKey)
	envList("UPSTREAM_URLS", &c.UpstreamURLs)
	envInt("QUEUE_SIZE", &c.QueueSize)
}

// BindFlags binds command line flags using the current values as defaults.
func (c *HubConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "hub config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	fs.StringVar(&c.HubName, "hub-name", c.HubName, "hub name served under /client/hubs/<name>")
	fs.StringVar(&c.HubAccessKey, "hub-access-key", c.HubAccessKey, "key used to sign and verify tokens (required)")
	listFlag(fs, "upstream-urls", &c.UpstreamURLs, "comma separated webhook URLs receiving client events")
	fs.IntVar(&c.QueueSize, "queue-size", c.QueueSize, "events buffered for upstream delivery")
}

// Validate reports configuration that prevents startup.
func (c *HubConfig) Validate() error {
	if c.HubAccessKey == "" {
		return errors.New("HUB_ACCESS_KEY is required")
	}
	return nil
}

// LoadHub resolves a hub config from defaults, file, env and args.
func LoadHub(fs *flag.FlagSet, args []string) (HubConfig, error) {
	var c HubConfig
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
	return c, nil
}
