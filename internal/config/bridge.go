package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BridgeConfig holds configuration for the bridge service.
type BridgeConfig struct {
	Port           int           `yaml:"port"`
	InstanceID     string        `yaml:"instance_id"`
	HubURL         string        `yaml:"hub_url"`
	HubName        string        `yaml:"hub_name"`
	HubAccessKey   string        `yaml:"hub_access_key"`
	AllowList      []string      `yaml:"allow_list"`
	ReadinessStore string        `yaml:"readiness_store"`
	RedisAddr      string        `yaml:"redis_addr"`
	ReadyTTL       time.Duration `yaml:"ready_ttl"`
	APIKey         string        `yaml:"api_key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	ChannelPrefix  string        `yaml:"channel_prefix"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	LogLevel       string        `yaml:"log_level"`
	ConfigFile     string        `yaml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *BridgeConfig) SetDefaults() {
	c.Port = 8080
	c.HubURL = "http://localhost:8081"
	c.HubName = "bridge"
	c.ReadinessStore = "memory"
	c.ReadyTTL = 2 * time.Minute
	c.RequestTimeout = 30 * time.Second
	c.TokenTTL = time.Hour
	c.DrainTimeout = time.Minute
	c.LogLevel = "info"
	c.ConfigFile = DefaultConfigPath("bridge.yaml")
}

// ApplyEnv overlays environment variables onto the current values.
func (c *BridgeConfig) ApplyEnv() {
	envString("CONFIG_FILE", &c.ConfigFile)
	envString("LOG_LEVEL", &c.LogLevel)
	envInt("PORT", &c.Port)
	envString("INSTANCE_ID", &c.InstanceID)
	envString("HUB_URL", &c.HubURL)
	envString("HUB_NAME", &c.HubName)
	envString("HUB_ACCESS_KEY", &c.HubAccessKey)
	envList("ALLOW_LIST", &c.AllowList)
	envString("READINESS_STORE", &c.ReadinessStore)
	envString("REDIS_ADDR", &c.RedisAddr)
	envDuration("READY_TTL", &c.ReadyTTL)
	envString("API_KEY", &c.APIKey)
	envDuration("REQUEST_TIMEOUT", &c.RequestTimeout)
	envDuration("TOKEN_TTL", &c.TokenTTL)
	envString("CHANNEL_PREFIX", &c.ChannelPrefix)
	envList("ALLOWED_ORIGINS", &c.AllowedOrigins)
	envDuration("DRAIN_TIMEOUT", &c.DrainTimeout)
}

// BindFlags binds command line flags using the current values as defaults.
func (c *BridgeConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "bridge config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	fs.StringVar(&c.InstanceID, "instance-id", c.InstanceID, "identifier of this bridge instance; random when empty")
	fs.StringVar(&c.HubURL, "hub-url", c.HubURL, "pub/sub hub endpoint")
	fs.StringVar(&c.HubName, "hub-name", c.HubName, "pub/sub hub name")
	fs.StringVar(&c.HubAccessKey, "hub-access-key", c.HubAccessKey, "pub/sub hub access key (required)")
	listFlag(fs, "allow-list", &c.AllowList, "comma separated worker ids allowed to connect; empty allows all")
	fs.StringVar(&c.ReadinessStore, "readiness-store", c.ReadinessStore, "readiness backend: memory or redis")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for shared readiness")
	durationFlag(fs, "ready-ttl", &c.ReadyTTL, "how long a readiness record lives without a fresh announcement; 0 disables expiry")
	fs.StringVar(&c.APIKey, "api-key", c.APIKey, "key workers present to /auth; leave empty to disable")
	durationFlag(fs, "request-timeout", &c.RequestTimeout, "time to wait for a worker response")
	durationFlag(fs, "token-ttl", &c.TokenTTL, "lifetime of issued transport credentials")
	fs.StringVar(&c.ChannelPrefix, "channel-prefix", c.ChannelPrefix, "prefix added to every channel name")
	listFlag(fs, "allowed-origins", &c.AllowedOrigins, "comma separated list of allowed CORS origins")
	durationFlag(fs, "drain-timeout", &c.DrainTimeout, "time to wait for in-flight invocations on shutdown; 0 exits immediately")
}

// Validate reports configuration that prevents startup.
func (c *BridgeConfig) Validate() error {
	if strings.TrimSpace(c.HubAccessKey) == "" {
		return errors.New("HUB_ACCESS_KEY is required")
	}
	if c.Port <= 0 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// LoadBridge resolves a bridge config from defaults, file, env and args.
// Flags are bound on fs, which may already hold caller flags.
func LoadBridge(fs *flag.FlagSet, args []string) (BridgeConfig, error) {
	var c BridgeConfig
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
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	return c, nil
}
