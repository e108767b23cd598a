package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Env != "development" {
		t.Errorf("expected env=development, got %s", cfg.Env)
	}

	if len(cfg.Exchanges) != 2 || cfg.Exchanges[0] != "aevo" || cfg.Exchanges[1] != "dydx" {
		t.Errorf("unexpected exchanges: %v", cfg.Exchanges)
	}

	if cfg.Aevo.Instrument != "BTC-PERP" {
		t.Errorf("expected aevo instrument BTC-PERP, got %s", cfg.Aevo.Instrument)
	}

	if cfg.Dydx.Instrument != "BTC-USD" {
		t.Errorf("expected dydx instrument BTC-USD, got %s", cfg.Dydx.Instrument)
	}

	if cfg.WS.HeartbeatTimeout != 60*time.Second {
		t.Errorf("expected heartbeat 60s, got %s", cfg.WS.HeartbeatTimeout)
	}

	if !cfg.Arbitrage.FeeThreshold.IsZero() || !cfg.Arbitrage.StartingBalance.IsZero() {
		t.Errorf("expected zero threshold and balance, got %s %s",
			cfg.Arbitrage.FeeThreshold, cfg.Arbitrage.StartingBalance)
	}

	if cfg.Redis.Addr != "" || cfg.Metrics.Addr != "" {
		t.Errorf("expected redis and metrics disabled by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("ARBITER_ENV", "production")
	os.Setenv("ARBITER_ARBITRAGE_FEE_THRESHOLD", "0.51")
	os.Setenv("ARBITER_DYDX_INSTRUMENT", "ETH-USD")
	defer os.Unsetenv("ARBITER_ENV")
	defer os.Unsetenv("ARBITER_ARBITRAGE_FEE_THRESHOLD")
	defer os.Unsetenv("ARBITER_DYDX_INSTRUMENT")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Env != "production" {
		t.Errorf("expected env=production, got %s", cfg.Env)
	}

	if cfg.Arbitrage.FeeThreshold.String() != "0.51" {
		t.Errorf("unexpected fee threshold: %s", cfg.Arbitrage.FeeThreshold)
	}

	if cfg.Dydx.Instrument != "ETH-USD" {
		t.Errorf("unexpected dydx instrument: %s", cfg.Dydx.Instrument)
	}
}

func TestLoadInvalidDecimal(t *testing.T) {
	os.Setenv("ARBITER_ARBITRAGE_STARTING_BALANCE", "lots")
	defer os.Unsetenv("ARBITER_ARBITRAGE_STARTING_BALANCE")

	if _, err := Load(nil); err == nil {
		t.Fatal("expected error for non-numeric starting balance")
	}
}

func TestLoadFlags(t *testing.T) {
	fs := pflag.NewFlagSet("arbiter", pflag.ContinueOnError)
	fs.BoolP("quiet", "q", false, "")
	fs.BoolP("continue", "c", false, "")
	fs.String("config", "", "")
	if err := fs.Parse([]string{"-q", "-c"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !cfg.Quiet || !cfg.Continue {
		t.Errorf("expected quiet and continue set, got %v %v", cfg.Quiet, cfg.Continue)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arbiter.yaml")
	body := "exchanges:\n  - dydx\n  - aevo\narbitrage:\n  starting_balance: \"0.5\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	fs := pflag.NewFlagSet("arbiter", pflag.ContinueOnError)
	fs.String("config", "", "")
	if err := fs.Parse([]string{"--config", path}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Exchanges) != 2 || cfg.Exchanges[0] != "dydx" {
		t.Errorf("unexpected exchanges: %v", cfg.Exchanges)
	}

	if cfg.Arbitrage.StartingBalance.String() != "0.5" {
		t.Errorf("unexpected starting balance: %s", cfg.Arbitrage.StartingBalance)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	fs := pflag.NewFlagSet("arbiter", pflag.ContinueOnError)
	fs.String("config", "", "")
	if err := fs.Parse([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	if _, err := Load(fs); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.Exchanges = []string{"aevo"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for a single exchange")
	}

	cfg.Exchanges = []string{"aevo", "binance"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown exchange")
	}

	cfg.Exchanges = []string{"aevo", "aevo"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for duplicate exchange")
	}

	cfg.Exchanges = []string{"aevo", "dydx"}
	cfg.Arbitrage.FeeThreshold = decimal.NewFromInt(-1)
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative fee threshold")
	}
}
