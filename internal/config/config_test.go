package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("expected postgres driver, got %s", cfg.Database.Driver)
	}
	if cfg.Engine.MaxAttempts != 5 {
		t.Errorf("expected 5 attempts, got %d", cfg.Engine.MaxAttempts)
	}
	if cfg.Engine.LeaseDuration != 30*time.Second {
		t.Errorf("expected 30s lease, got %s", cfg.Engine.LeaseDuration)
	}
	if cfg.Ledger.BatchSize != 20 {
		t.Errorf("expected batch size 20, got %d", cfg.Ledger.BatchSize)
	}
	if cfg.Signal.FeedURL != "" {
		t.Errorf("feed must be disabled by default, got %q", cfg.Signal.FeedURL)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("QUEUE_MAX_ATTEMPTS", "3")
	t.Setenv("QUEUE_LEASE_DURATION", "45s")
	t.Setenv("LEDGER_SYNC_INTERVAL", "10s")
	t.Setenv("TELEGRAM_CHAT_ID", "-1001234567890")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Engine.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", cfg.Engine.MaxAttempts)
	}
	if cfg.Engine.LeaseDuration != 45*time.Second {
		t.Errorf("expected 45s lease, got %s", cfg.Engine.LeaseDuration)
	}
	if cfg.Ledger.SyncInterval != 10*time.Second {
		t.Errorf("expected 10s sync interval, got %s", cfg.Ledger.SyncInterval)
	}
	if cfg.Telegram.ChatID != -1001234567890 {
		t.Errorf("expected chat id parsed, got %d", cfg.Telegram.ChatID)
	}
}

func TestLoadMalformedEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("SERVER_PORT", "not-a-number")
	t.Setenv("QUEUE_LEASE_DURATION", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("malformed int must fall back to default, got %d", cfg.Server.Port)
	}
	if cfg.Engine.LeaseDuration != 30*time.Second {
		t.Errorf("malformed duration must fall back to default, got %s", cfg.Engine.LeaseDuration)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Engine: EngineConfig{
				PollInterval:  time.Second,
				LeaseDuration: 30 * time.Second,
				MaxAttempts:   5,
				StuckCycles:   5,
			},
			Ledger: LedgerConfig{BatchSize: 20},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}, wantErr: false},
		{name: "lease not above poll interval", mutate: func(c *Config) {
			c.Engine.LeaseDuration = c.Engine.PollInterval
		}, wantErr: true},
		{name: "zero attempts", mutate: func(c *Config) { c.Engine.MaxAttempts = 0 }, wantErr: true},
		{name: "zero batch size", mutate: func(c *Config) { c.Ledger.BatchSize = 0 }, wantErr: true},
		{name: "zero stuck cycles", mutate: func(c *Config) { c.Engine.StuckCycles = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
