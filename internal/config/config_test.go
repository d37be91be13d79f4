package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/position_ledger/internal/orders"
	"github.com/eddiefleurent/position_ledger/internal/resolver"
)

func TestLoad(t *testing.T) {
	// The shipped example must always load
	configPath := filepath.Join("..", "..", "config.yaml.example")
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected config to load successfully from example file, got error: %v", err)
	}
	if cfg.Broker.Provider != "mock" {
		t.Errorf("Expected mock provider in example, got %q", cfg.Broker.Provider)
	}
	oc, err := cfg.OrdersConfig()
	if err != nil {
		t.Fatalf("OrdersConfig() error: %v", err)
	}
	if len(oc.TrimSteps) != 4 || len(oc.ExitSteps) != 4 {
		t.Errorf("Expected 4 trim and 4 exit steps, got %d and %d", len(oc.TrimSteps), len(oc.ExitSteps))
	}
	if !oc.ExitSteps[3].Multiplier.Equal(decimal.RequireFromString("0.95")) {
		t.Errorf("Expected last exit multiplier 0.95, got %s", oc.ExitSteps[3].Multiplier)
	}
}

func TestLoad_InvalidPath(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent config file, got nil")
	}
}

const minimalYAML = `
environment:
  mode: paper
broker:
  provider: mock
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if cfg.LogLevel() != logrus.InfoLevel {
		t.Errorf("Expected info level, got %v", cfg.LogLevel())
	}
	if cfg.Storage.Backend != "json" || cfg.Storage.Path != "ledger.json" {
		t.Errorf("Expected json storage at ledger.json, got %s at %s", cfg.Storage.Backend, cfg.Storage.Path)
	}
	if cfg.Locks.Backend != "memory" {
		t.Errorf("Expected memory locks, got %s", cfg.Locks.Backend)
	}
	if cfg.LockTimeout() != 60*time.Second {
		t.Errorf("Expected 60s lock timeout, got %v", cfg.LockTimeout())
	}
	if cfg.Heuristic() != resolver.FIFO {
		t.Errorf("Expected fifo heuristic, got %s", cfg.Heuristic())
	}
	if cfg.Symbols["SPX"] != "SPXW" {
		t.Errorf("Expected default SPX -> SPXW mapping, got %v", cfg.Symbols)
	}

	oc, err := cfg.OrdersConfig()
	if err != nil {
		t.Fatalf("OrdersConfig() error: %v", err)
	}
	if oc.BuyMaxWait != orders.DefaultConfig.BuyMaxWait {
		t.Errorf("Expected default buy max wait, got %v", oc.BuyMaxWait)
	}
	rc, err := cfg.ReconcilerConfig()
	if err != nil {
		t.Fatalf("ReconcilerConfig() error: %v", err)
	}
	if rc.DriftThreshold != 3 || rc.Interval != time.Minute {
		t.Errorf("Expected reconcile defaults, got threshold %d interval %v", rc.DriftThreshold, rc.Interval)
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("LEDGER_TEST_KEY", "abc123")
	t.Setenv("LEDGER_TEST_ACCOUNT", "VA000")

	cfg, err := Parse([]byte(`
environment:
  mode: live
broker:
  provider: tradier
  api_key: ${LEDGER_TEST_KEY}
  account_id: ${LEDGER_TEST_ACCOUNT}
server:
  port: 0
`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if cfg.Broker.APIKey != "abc123" || cfg.Broker.AccountID != "VA000" {
		t.Errorf("Expected expanded credentials, got %q / %q", cfg.Broker.APIKey, cfg.Broker.AccountID)
	}
	if cfg.IsPaperTrading() {
		t.Error("Expected live mode")
	}
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte(minimalYAML + "strategy:\n  symbol: SPY\n"))
	if err == nil {
		t.Fatal("Expected error for unknown top-level field")
	}
	if !strings.Contains(err.Error(), "parsing config") {
		t.Errorf("Expected a parse error, got: %v", err)
	}
}

func TestParse_Execution(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML + `
execution:
  buy_poll_schedule: [1s, 2s]
  tick_size: "0.05"
  trim:
    - {source: mid, wait: 5s}
    - {source: bid, multiplier: "0.9", wait: 10s}
`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	oc, err := cfg.OrdersConfig()
	if err != nil {
		t.Fatalf("OrdersConfig() error: %v", err)
	}
	if len(oc.BuyPollSchedule) != 2 || oc.BuyPollSchedule[1] != 2*time.Second {
		t.Errorf("Unexpected poll schedule %v", oc.BuyPollSchedule)
	}
	if !oc.TickSize.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("Expected tick 0.05, got %s", oc.TickSize)
	}
	if len(oc.TrimSteps) != 2 || oc.TrimSteps[0].Source != orders.SourceMid || oc.TrimSteps[1].Wait != 10*time.Second {
		t.Errorf("Unexpected trim steps %+v", oc.TrimSteps)
	}
	if len(oc.ExitSteps) != len(orders.DefaultConfig.ExitSteps) {
		t.Errorf("Expected default exit steps to be kept, got %d", len(oc.ExitSteps))
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := &Config{
			Environment: EnvironmentConfig{Mode: "paper"},
			Broker: BrokerConfig{
				Provider:  "tradier",
				APIKey:    "test-key",
				AccountID: "test-account",
			},
		}
		c.normalize()
		return c
	}

	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectedMsg string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad mode", func(c *Config) { c.Environment.Mode = "demo" }, "environment.mode must be 'paper' or 'live'"},
		{"bad log level", func(c *Config) { c.Environment.LogLevel = "loud" }, "environment.log_level invalid"},
		{"missing api key", func(c *Config) { c.Broker.APIKey = "" }, "broker.api_key is required"},
		{"missing account", func(c *Config) { c.Broker.AccountID = "" }, "broker.account_id is required"},
		{"unknown provider", func(c *Config) { c.Broker.Provider = "ibkr" }, "broker.provider must be"},
		{"alpaca needs secret", func(c *Config) { c.Broker.Provider = "alpaca" }, "broker.api_key and broker.api_secret are required"},
		{"alpaca needs quotes key", func(c *Config) {
			c.Broker.Provider = "alpaca"
			c.Broker.APISecret = "s"
		}, "broker.quotes_api_key is required"},
		{"mock in live", func(c *Config) {
			c.Environment.Mode = "live"
			c.Broker.Provider = "mock"
		}, "broker.provider 'mock' is only allowed in paper mode"},
		{"negative rate limit", func(c *Config) { c.Broker.RateLimits.Trading = -1 }, "broker.rate_limits values must be >= 0"},
		{"bad broker timeout", func(c *Config) { c.Broker.Timeout = "soon" }, "broker.timeout invalid"},
		{"postgres without url", func(c *Config) { c.Storage.Backend = "postgres" }, "storage.database_url is required"},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "sqlite" }, "storage.backend must be"},
		{"redis without addr", func(c *Config) { c.Locks.Backend = "redis" }, "locks.redis_addr is required"},
		{"zero lock timeout", func(c *Config) { c.Locks.Timeout = "0s" }, "locks.timeout must be > 0"},
		{"bad heuristic", func(c *Config) { c.Resolver.Heuristic = "random" }, "resolver.heuristic invalid"},
		{"bad timezone", func(c *Config) { c.Resolver.Timezone = "Mars/Olympus" }, "resolver.timezone invalid"},
		{"drift threshold", func(c *Config) { c.Reconcile.DriftThreshold = -1 }, "reconcile.drift_threshold must be >= 1"},
		{"bad reconcile interval", func(c *Config) { c.Reconcile.Interval = "-1m" }, "reconcile.interval must be > 0"},
		{"bad tick", func(c *Config) { c.Execution.TickSize = "0" }, "execution.tick_size must be a positive decimal"},
		{"fixed step source", func(c *Config) {
			c.Execution.Exit = []StepConfig{{Source: "fixed", Wait: "1s"}}
		}, "execution.exit[0].source must be mark, mid or bid"},
		{"step without wait", func(c *Config) {
			c.Execution.Trim = []StepConfig{{Source: "bid"}}
		}, "execution.trim[0].wait invalid"},
		{"step multiplier", func(c *Config) {
			c.Execution.Trim = []StepConfig{{Source: "bid", Multiplier: "-1", Wait: "1s"}}
		}, "execution.trim[0].multiplier must be in (0,2]"},
		{"bad poll entry", func(c *Config) { c.Execution.BuyPollSchedule = []string{"5s", "x"} }, "execution.buy_poll_schedule[1] invalid"},
		{"empty symbol root", func(c *Config) { c.Symbols = map[string]string{"SPX": ""} }, "symbols entries must have non-empty roots"},
		{"port range", func(c *Config) { c.Server.Port = 70000 }, "server.port must be between 0 and 65535"},
		{"live needs auth token", func(c *Config) {
			c.Environment.Mode = "live"
			c.Server.Port = 8080
		}, "server.auth_token is required in live mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := base()
			tt.mutate(config)

			err := config.Validate()
			if tt.expectedMsg == "" {
				if err != nil {
					t.Errorf("Expected valid config, got error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing '%s', got nil", tt.expectedMsg)
			}
			if !strings.Contains(err.Error(), tt.expectedMsg) {
				t.Errorf("Expected error message to contain '%s', got: %v", tt.expectedMsg, err)
			}
		})
	}
}

func TestRateLimits(t *testing.T) {
	c := &Config{Broker: BrokerConfig{RateLimits: RateLimitConfig{MarketData: 10, Trading: 20, Standard: 30}}}
	rl := c.RateLimits()
	if rl.MarketData != 10 || rl.Trading != 20 || rl.Standard != 30 {
		t.Errorf("Unexpected rate limits %+v", rl)
	}
}
