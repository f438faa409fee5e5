package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/raffle-engine/internal/raffle"
	"github.com/atmx/raffle-engine/internal/randomness"
)

const sample = `
log_level = "debug"

[server]
port = 9090
request_timeout = "15s"

[raffle]
owner = "0x00000000000000000000000000000000000000a1"
custodian = "0x00000000000000000000000000000000000000c0"
start = 2026-01-01T00:00:00Z
round_length = "24h"
rounds = 3
stake_amount = "1"
reward_asset = "0x0000000000000000000000000000000000002001"
reward_amount = "10"

[randomness]
oracle = "0x00000000000000000000000000000000000000f0"
fee_asset = "0x0000000000000000000000000000000000002002"
fee = "0.1"

[[dev.balances]]
asset = "0x0000000000000000000000000000000000001001"
holder = "0x000000000000000000000000000000000000a11c"
amount = "5"
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raffle.toml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FileOverDefaults(t *testing.T) {
	cfg, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout != 15*time.Second {
		t.Errorf("request timeout = %s, want 15s", cfg.Server.RequestTimeout)
	}
	if cfg.Server.IdleTimeout != 60*time.Second {
		t.Errorf("idle timeout default lost: %s", cfg.Server.IdleTimeout)
	}
	if cfg.Raffle.RoundLength != 24*time.Hour {
		t.Errorf("round length = %s", cfg.Raffle.RoundLength)
	}
	if len(cfg.Dev.Balances) != 1 || cfg.Dev.Balances[0].Amount != "5" {
		t.Errorf("dev balances = %+v", cfg.Dev.Balances)
	}
	if cfg.SlogLevel().String() != "DEBUG" {
		t.Errorf("log level = %s", cfg.SlogLevel())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RAFFLE_SERVER_PORT", "7070")
	t.Setenv("RAFFLE_ROUNDS", "5")
	t.Setenv("RAFFLE_RANDOMNESS_SCOPE_MODE", "round")
	t.Setenv("RAFFLE_DATABASE_URL", "postgres://raffle@localhost/raffle")

	cfg, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Raffle.Rounds != 5 {
		t.Errorf("rounds = %d, want 5", cfg.Raffle.Rounds)
	}
	if cfg.Randomness.ScopeMode != "round" {
		t.Errorf("scope mode = %q", cfg.Randomness.ScopeMode)
	}
	if cfg.Database.URL == "" {
		t.Error("database url not applied")
	}
}

func TestEngineParams(t *testing.T) {
	cfg, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p, err := cfg.EngineParams()
	if err != nil {
		t.Fatalf("EngineParams: %v", err)
	}
	if p.Clock.Rounds != 3 || p.Clock.RoundLength != 24*time.Hour {
		t.Errorf("clock = %+v", p.Clock)
	}
	if !p.StakeAmount.Equal(decimal.NewFromInt(1)) {
		t.Errorf("stake = %s", p.StakeAmount)
	}
	if p.Mode != raffle.ModeStake || p.RepeatClaim != raffle.RepeatClaimRevert {
		t.Errorf("mode = %s, repeat = %s", p.Mode, p.RepeatClaim)
	}
	if p.ScopeMode != randomness.ScopeGlobal {
		t.Errorf("scope = %s", p.ScopeMode)
	}
	if !p.Fee.Fixed.Equal(decimal.RequireFromString("0.1")) {
		t.Errorf("fee = %s", p.Fee.Fixed)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad owner", func(c *Config) { c.Raffle.Owner = "alice" }},
		{"zero rounds", func(c *Config) { c.Raffle.Rounds = 0 }},
		{"unknown mode", func(c *Config) { c.Raffle.Mode = "lottery" }},
		{"http without gateway", func(c *Config) { c.Randomness.Coordinator = "http" }},
		{"archive without bucket", func(c *Config) { c.Archive.Enabled = true }},
		{"dev without key", func(c *Config) { c.Dev.Enabled = true }},
		{"fee without asset", func(c *Config) { c.Randomness.FeeAsset = "" }},
		{"usd fee without price", func(c *Config) { c.Randomness.FeeUSD = "2" }},
		{"bad seed balance", func(c *Config) { c.Dev.Balances[0].Amount = "lots" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeSample(t))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestFeeSizer_USD(t *testing.T) {
	cfg := Defaults()
	cfg.Randomness.FeeAsset = "0x0000000000000000000000000000000000002002"
	cfg.Randomness.FeeUSD = "2"
	cfg.Randomness.FeeAssetPrice = "8"

	sizer, err := cfg.FeeSizer()
	if err != nil {
		t.Fatalf("FeeSizer: %v", err)
	}
	fee, err := sizer.Fee(context.Background())
	if err != nil {
		t.Fatalf("Fee: %v", err)
	}
	if !fee.Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("fee = %s, want 0.25", fee)
	}
}
