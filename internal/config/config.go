// Package config loads ledgerd settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmerrifield20/medaudit/internal/blockstore"
	"github.com/spf13/viper"
)

// Config is the full ledgerd configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Store   StoreConfig   `mapstructure:"store"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Alerts  AlertsConfig  `mapstructure:"alerts"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Log     LogConfig     `mapstructure:"log"`

	// File is the config file that was read, or "" when only defaults and
	// the environment applied.
	File string `mapstructure:"-"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	RateLimitRPS    int           `mapstructure:"rate_limit_rps"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LedgerConfig struct {
	Difficulty     int           `mapstructure:"difficulty"`
	AppendTimeout  time.Duration `mapstructure:"append_timeout"`
	BlockCacheSize int           `mapstructure:"block_cache_size"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	Path   string `mapstructure:"path"`
}

type MonitorConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	VerifyTimeout time.Duration `mapstructure:"verify_timeout"`
}

type AlertsConfig struct {
	WebhookURLs   []string      `mapstructure:"webhook_urls"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
	EmailTo       []string      `mapstructure:"email_to"`
	SMTP          SMTPConfig    `mapstructure:"smtp"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type AuthConfig struct {
	JWTSecret    string   `mapstructure:"jwt_secret"`
	JWTIssuer    string   `mapstructure:"jwt_issuer"`
	APIKeyHashes []string `mapstructure:"api_key_hashes"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

// Load reads configuration into a fresh viper instance. An explicit path is
// used as-is; otherwise ledgerd.yaml is searched for in ./configs and ./.
// Environment variables override file values, with "." replaced by "_"
// (LEDGER_DIFFICULTY, STORE_DRIVER, ...).
// A missing config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ledgerd")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.rate_limit_rps", 20)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("ledger.difficulty", 2)
	v.SetDefault("ledger.append_timeout", 30*time.Second)
	v.SetDefault("ledger.block_cache_size", 1024)
	v.SetDefault("store.driver", blockstore.DriverSQLite)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.path", "data/ledger.db")
	v.SetDefault("monitor.interval", 5*time.Minute)
	v.SetDefault("monitor.verify_timeout", time.Duration(0))
	v.SetDefault("alerts.webhook_urls", []string{})
	v.SetDefault("alerts.webhook_secret", "")
	v.SetDefault("alerts.timeout", 10*time.Second)
	v.SetDefault("alerts.email_to", []string{})
	v.SetDefault("alerts.smtp.host", "")
	v.SetDefault("alerts.smtp.port", 587)
	v.SetDefault("alerts.smtp.username", "")
	v.SetDefault("alerts.smtp.password", "")
	v.SetDefault("alerts.smtp.from", "medaudit@localhost")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_issuer", "medaudit")
	v.SetDefault("auth.api_key_hashes", []string{})
	v.SetDefault("log.development", false)
}

// Validate rejects settings ledgerd cannot start with.
func (c *Config) Validate() error {
	if c.Ledger.Difficulty < 0 || c.Ledger.Difficulty > 64 {
		return fmt.Errorf("ledger.difficulty must be between 0 and 64, got %d", c.Ledger.Difficulty)
	}
	if !blockstore.KnownDriver(c.Store.Driver) {
		return fmt.Errorf("store.driver %q: %w", c.Store.Driver, blockstore.ErrUnknownDriver)
	}
	if c.Store.Driver == blockstore.DriverPostgres && c.Store.DSN == "" {
		return errors.New("store.dsn is required for the postgres driver")
	}
	for name, d := range map[string]time.Duration{
		"ledger.append_timeout":   c.Ledger.AppendTimeout,
		"monitor.interval":        c.Monitor.Interval,
		"monitor.verify_timeout":  c.Monitor.VerifyTimeout,
		"alerts.timeout":          c.Alerts.Timeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if len(c.Alerts.WebhookURLs) > 0 && c.Alerts.WebhookSecret == "" {
		return errors.New("alerts.webhook_secret is required when webhook_urls are set")
	}
	return nil
}

// BlockStore converts the store section for blockstore.Open.
func (c *Config) BlockStore() blockstore.Config {
	return blockstore.Config{Driver: c.Store.Driver, DSN: c.Store.DSN, Path: c.Store.Path}
}
