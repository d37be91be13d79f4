// Package config provides configuration management for the ledger daemon.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v3"

	"github.com/eddiefleurent/position_ledger/internal/broker"
	"github.com/eddiefleurent/position_ledger/internal/orders"
	"github.com/eddiefleurent/position_ledger/internal/reconcile"
	"github.com/eddiefleurent/position_ledger/internal/resolver"
)

const (
	defaultTimezone      = "America/New_York"
	defaultLockTimeout   = "60s"
	defaultSweepInterval = "30s"
	defaultBrokerTimeout = "10s"
	defaultLockPrefix    = "ledger:lock:"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Storage     StorageConfig     `yaml:"storage"`
	Locks       LocksConfig       `yaml:"locks"`
	Resolver    ResolverConfig    `yaml:"resolver"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Symbols     map[string]string `yaml:"symbols"` // trader root -> broker root
	Server      ServerConfig      `yaml:"server"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider    string          `yaml:"provider"` // tradier | alpaca | mock
	APIKey      string          `yaml:"api_key"`
	APISecret   string          `yaml:"api_secret"`
	APIEndpoint string          `yaml:"api_endpoint"`
	AccountID   string          `yaml:"account_id"`
	QuotesKey   string          `yaml:"quotes_api_key"` // tradier key for option quotes when trading via alpaca
	Timeout     string          `yaml:"timeout"`
	RateLimits  RateLimitConfig `yaml:"rate_limits"`
}

// RateLimitConfig holds requests per minute for each call category.
type RateLimitConfig struct {
	MarketData int `yaml:"market_data"`
	Trading    int `yaml:"trading"`
	Standard   int `yaml:"standard"`
	Burst      int `yaml:"burst"`
}

// StorageConfig defines where the ledger is persisted.
type StorageConfig struct {
	Backend     string `yaml:"backend"` // json | postgres
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"database_url"`
}

// LocksConfig defines the per-contract lock backend.
type LocksConfig struct {
	Backend       string `yaml:"backend"` // memory | redis
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Prefix        string `yaml:"prefix"`
	Timeout       string `yaml:"timeout"`
	SweepInterval string `yaml:"sweep_interval"`
}

// ResolverConfig defines the default resolution heuristic.
type ResolverConfig struct {
	Heuristic string `yaml:"heuristic"`
	Timezone  string `yaml:"timezone"` // e.g., "America/New_York"
}

// ReconcileConfig defines the broker sync loop.
type ReconcileConfig struct {
	Interval         string `yaml:"interval"`
	DriftThreshold   int    `yaml:"drift_threshold"`
	PhantomThreshold string `yaml:"phantom_threshold"`
	StaleExitAfter   string `yaml:"stale_exit_after"`
}

// ExecutionConfig defines order polling and the sell cascades.
type ExecutionConfig struct {
	BuyPollSchedule   []string     `yaml:"buy_poll_schedule"`
	BuyMaxWait        string       `yaml:"buy_max_wait"`
	FillCheckInterval string       `yaml:"fill_check_interval"`
	CallTimeout       string       `yaml:"call_timeout"`
	TickSize          string       `yaml:"tick_size"`
	Trim              []StepConfig `yaml:"trim"`
	Exit              []StepConfig `yaml:"exit"`
}

// StepConfig is one cascade step.
type StepConfig struct {
	Source     string `yaml:"source"`               // mark | mid | bid
	Multiplier string `yaml:"multiplier,omitempty"` // defaults to 1
	Wait       string `yaml:"wait"`
}

// ServerConfig defines the HTTP API. Port 0 disables it.
type ServerConfig struct {
	Port           int    `yaml:"port"`
	AuthToken      string `yaml:"auth_token"`
	RequestTimeout string `yaml:"request_timeout"`
}

// Load reads and parses the configuration file from the specified path.
// A .env file next to the working directory is loaded first when present.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML with environment expansion, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// normalize fills unset values with defaults.
func (c *Config) normalize() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Broker.Timeout == "" {
		c.Broker.Timeout = defaultBrokerTimeout
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "json"
	}
	if c.Storage.Backend == "json" && c.Storage.Path == "" {
		c.Storage.Path = "ledger.json"
	}
	if c.Locks.Backend == "" {
		c.Locks.Backend = "memory"
	}
	if c.Locks.Prefix == "" {
		c.Locks.Prefix = defaultLockPrefix
	}
	if c.Locks.Timeout == "" {
		c.Locks.Timeout = defaultLockTimeout
	}
	if c.Locks.SweepInterval == "" {
		c.Locks.SweepInterval = defaultSweepInterval
	}
	if c.Resolver.Timezone == "" {
		c.Resolver.Timezone = defaultTimezone
	}
	if c.Reconcile.DriftThreshold == 0 {
		c.Reconcile.DriftThreshold = reconcile.DefaultConfig.DriftThreshold
	}
	if len(c.Symbols) == 0 {
		c.Symbols = map[string]string{"SPX": "SPXW"}
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	if _, err := logrus.ParseLevel(c.Environment.LogLevel); err != nil {
		return fmt.Errorf("environment.log_level invalid: %w", err)
	}

	// Broker validation
	switch c.Broker.Provider {
	case "tradier":
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required")
		}
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id is required")
		}
	case "alpaca":
		if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
			return fmt.Errorf("broker.api_key and broker.api_secret are required for alpaca")
		}
		if c.Broker.QuotesKey == "" {
			return fmt.Errorf("broker.quotes_api_key is required for alpaca")
		}
	case "mock":
		if !c.IsPaperTrading() {
			return fmt.Errorf("broker.provider 'mock' is only allowed in paper mode")
		}
	default:
		return fmt.Errorf("broker.provider must be 'tradier', 'alpaca' or 'mock'")
	}
	if err := positiveDuration("broker.timeout", c.Broker.Timeout); err != nil {
		return err
	}
	rl := c.Broker.RateLimits
	if rl.MarketData < 0 || rl.Trading < 0 || rl.Standard < 0 || rl.Burst < 0 {
		return fmt.Errorf("broker.rate_limits values must be >= 0")
	}

	// Storage validation
	switch c.Storage.Backend {
	case "json":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the json backend")
		}
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("storage.database_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be 'json' or 'postgres'")
	}

	// Lock validation
	switch c.Locks.Backend {
	case "memory":
	case "redis":
		if c.Locks.RedisAddr == "" {
			return fmt.Errorf("locks.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("locks.backend must be 'memory' or 'redis'")
	}
	if err := positiveDuration("locks.timeout", c.Locks.Timeout); err != nil {
		return err
	}
	if err := positiveDuration("locks.sweep_interval", c.Locks.SweepInterval); err != nil {
		return err
	}

	// Resolver validation
	if _, err := resolver.ParseHeuristic(c.Resolver.Heuristic); err != nil {
		return fmt.Errorf("resolver.heuristic invalid: %w", err)
	}
	if _, err := time.LoadLocation(c.Resolver.Timezone); err != nil {
		return fmt.Errorf("resolver.timezone invalid: %w", err)
	}

	// Reconcile validation
	if c.Reconcile.DriftThreshold < 1 {
		return fmt.Errorf("reconcile.drift_threshold must be >= 1")
	}
	if _, err := c.ReconcilerConfig(); err != nil {
		return err
	}

	// Execution validation
	if _, err := c.OrdersConfig(); err != nil {
		return err
	}

	for trader, brk := range c.Symbols {
		if strings.TrimSpace(trader) == "" || strings.TrimSpace(brk) == "" {
			return fmt.Errorf("symbols entries must have non-empty roots")
		}
	}

	// Server validation
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535")
	}
	if c.Server.RequestTimeout != "" {
		if err := positiveDuration("server.request_timeout", c.Server.RequestTimeout); err != nil {
			return err
		}
	}
	if c.Server.Port != 0 && !c.IsPaperTrading() && c.Server.AuthToken == "" {
		return fmt.Errorf("server.auth_token is required in live mode")
	}

	return nil
}

// IsPaperTrading returns true if the daemon is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// LogLevel returns the parsed log level, info when unset or invalid.
func (c *Config) LogLevel() logrus.Level {
	lvl, err := logrus.ParseLevel(c.Environment.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// Location returns the resolver's trading timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Resolver.Timezone)
	if err != nil {
		// Fallback for minimal containers
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// Heuristic returns the default resolution heuristic.
func (c *Config) Heuristic() resolver.Heuristic {
	h, err := resolver.ParseHeuristic(c.Resolver.Heuristic)
	if err != nil {
		return resolver.FIFO
	}
	return h
}

// BrokerTimeout returns the HTTP timeout for broker calls.
func (c *Config) BrokerTimeout() time.Duration {
	return durationOr(c.Broker.Timeout, 10*time.Second)
}

// RateLimits returns the configured limits in the broker package's form.
func (c *Config) RateLimits() broker.RateLimits {
	return broker.RateLimits{
		MarketData: c.Broker.RateLimits.MarketData,
		Trading:    c.Broker.RateLimits.Trading,
		Standard:   c.Broker.RateLimits.Standard,
	}
}

// LockTimeout returns how long a contract lock lives without extension.
func (c *Config) LockTimeout() time.Duration {
	return durationOr(c.Locks.Timeout, 60*time.Second)
}

// SweepInterval returns how often expired in-memory locks are dropped.
func (c *Config) SweepInterval() time.Duration {
	return durationOr(c.Locks.SweepInterval, 30*time.Second)
}

// RequestTimeout returns the HTTP handler timeout.
func (c *Config) RequestTimeout() time.Duration {
	return durationOr(c.Server.RequestTimeout, 60*time.Second)
}

// ReconcilerConfig converts the reconcile section, keeping defaults for unset values.
func (c *Config) ReconcilerConfig() (reconcile.Config, error) {
	rc := reconcile.DefaultConfig
	rc.DriftThreshold = c.Reconcile.DriftThreshold
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"reconcile.interval", c.Reconcile.Interval, &rc.Interval},
		{"reconcile.phantom_threshold", c.Reconcile.PhantomThreshold, &rc.PhantomThreshold},
		{"reconcile.stale_exit_after", c.Reconcile.StaleExitAfter, &rc.StaleExitAfter},
	} {
		if f.raw == "" {
			continue
		}
		d, err := parsePositive(f.name, f.raw)
		if err != nil {
			return rc, err
		}
		*f.dst = d
	}
	return rc, nil
}

// OrdersConfig converts the execution section, keeping defaults for unset values.
func (c *Config) OrdersConfig() (orders.Config, error) {
	oc := orders.DefaultConfig
	ex := c.Execution

	if len(ex.BuyPollSchedule) > 0 {
		oc.BuyPollSchedule = make([]time.Duration, 0, len(ex.BuyPollSchedule))
		for i, raw := range ex.BuyPollSchedule {
			d, err := parsePositive(fmt.Sprintf("execution.buy_poll_schedule[%d]", i), raw)
			if err != nil {
				return oc, err
			}
			oc.BuyPollSchedule = append(oc.BuyPollSchedule, d)
		}
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"execution.buy_max_wait", ex.BuyMaxWait, &oc.BuyMaxWait},
		{"execution.fill_check_interval", ex.FillCheckInterval, &oc.FillCheckInterval},
		{"execution.call_timeout", ex.CallTimeout, &oc.CallTimeout},
	} {
		if f.raw == "" {
			continue
		}
		d, err := parsePositive(f.name, f.raw)
		if err != nil {
			return oc, err
		}
		*f.dst = d
	}
	if ex.TickSize != "" {
		tick, err := decimal.NewFromString(ex.TickSize)
		if err != nil || !tick.IsPositive() {
			return oc, fmt.Errorf("execution.tick_size must be a positive decimal, got %q", ex.TickSize)
		}
		oc.TickSize = tick
	}

	var err error
	if len(ex.Trim) > 0 {
		if oc.TrimSteps, err = parseSteps("execution.trim", ex.Trim); err != nil {
			return oc, err
		}
	}
	if len(ex.Exit) > 0 {
		if oc.ExitSteps, err = parseSteps("execution.exit", ex.Exit); err != nil {
			return oc, err
		}
	}
	return oc, nil
}

func parseSteps(section string, raw []StepConfig) ([]orders.Step, error) {
	steps := make([]orders.Step, 0, len(raw))
	for i, sc := range raw {
		name := fmt.Sprintf("%s[%d]", section, i)
		src, err := orders.ParsePriceSource(sc.Source)
		if err != nil || src == orders.SourceFixed {
			return nil, fmt.Errorf("%s.source must be mark, mid or bid, got %q", name, sc.Source)
		}
		step := orders.Step{Source: src}
		if sc.Multiplier != "" {
			m, err := decimal.NewFromString(sc.Multiplier)
			if err != nil || !m.IsPositive() || m.GreaterThan(decimal.NewFromInt(2)) {
				return nil, fmt.Errorf("%s.multiplier must be in (0,2], got %q", name, sc.Multiplier)
			}
			step.Multiplier = m
		}
		if step.Wait, err = parsePositive(name+".wait", sc.Wait); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func parsePositive(name, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s invalid: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be > 0", name)
	}
	return d, nil
}

func positiveDuration(name, raw string) error {
	_, err := parsePositive(name, raw)
	return err
}

func durationOr(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
