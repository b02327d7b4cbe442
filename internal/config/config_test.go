package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"optionpilot/internal/replay"
	"optionpilot/internal/strategy"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault_Validates(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("built-in defaults must validate: %v", err)
	}
	if c.Risk.RiskFraction != 0.02 || c.Risk.DailyLossCapFraction != 0.05 {
		t.Fatalf("unexpected risk defaults: %+v", c.Risk)
	}
	if c.Gate.MinBars != 20 || c.Gate.MinVolume != 50 || c.Gate.MinVWAPDrift != 0.02 {
		t.Fatalf("unexpected gate defaults: %+v", c.Gate)
	}
	if c.Replay.ExitPolicy != string(replay.ExitHorizon) {
		t.Fatalf("want horizon default, got %s", c.Replay.ExitPolicy)
	}
	if c.Ensemble.Policy != string(strategy.PolicyPassThrough) {
		t.Fatalf("want pass_through default, got %s", c.Ensemble.Policy)
	}
}

func TestLoad_OverridesAndDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
snapshots: data/day.jsonl
gate:
  min_bars: 30
risk:
  risk_fraction: 0.01
replay:
  exit_policy: delta_projection
  holding_horizon_minutes: 45
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.LogLevel != "debug" || c.Snapshots != "data/day.jsonl" {
		t.Fatalf("top-level overrides lost: %+v", c)
	}
	if c.Gate.MinBars != 30 {
		t.Fatalf("want gate override 30, got %d", c.Gate.MinBars)
	}
	if c.Risk.RiskFraction != 0.01 {
		t.Fatalf("want risk override 0.01, got %v", c.Risk.RiskFraction)
	}
	// Untouched sections keep their defaults.
	if c.Risk.MaxContractsPerTrade != 5 {
		t.Fatalf("want default max contracts 5, got %d", c.Risk.MaxContractsPerTrade)
	}
	rc := c.ReplayConfig()
	if rc.ExitPolicy != replay.ExitDeltaProjection {
		t.Fatalf("want delta_projection, got %s", rc.ExitPolicy)
	}
	if rc.HoldingHorizon != 45*time.Minute {
		t.Fatalf("want 45m horizon, got %s", rc.HoldingHorizon)
	}
	if rc.ContractMultiplier != 100 {
		t.Fatalf("conversion must fill the contract multiplier, got %v", rc.ContractMultiplier)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"risk fraction above one", "risk:\n  risk_fraction: 1.5\n"},
		{"negative gate threshold", "gate:\n  min_volume: -1\n"},
		{"unknown ensemble policy", "ensemble:\n  policy: vibes\n"},
		{"unknown exit policy", "replay:\n  exit_policy: coinflip\n"},
		{"stop fraction of one", "risk:\n  stop_fraction: 1\n"},
	}
	for _, tc := range cases {
		_, err := Load(writeConfig(t, tc.body))
		var ce *ConfigurationError
		if !errors.As(err, &ce) {
			t.Fatalf("%s: want ConfigurationError, got %v", tc.name, err)
		}
	}
}

func TestLoad_MissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("want error for missing file")
	}
}
