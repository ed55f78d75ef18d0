package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T) string {
	t.Helper()
	content := `tickflow:
  name: "TestApp"
  version: "1.0"
feed:
  url: "wss://feed.example.com/quotes"
indices:
  - name: "NIFTY 50"
    spot_token: 256265
    derivative_prefix: "NIFTY"
    strike_gap: 50
    expiry_cadence: weekly
  - name: "SENSEX"
    spot_token: 265
    derivative_prefix: "SENSEX"
    strike_gap: 100
    expiry_cadence: weekly
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Tickflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Tickflow.Name)
	}
	if len(cfg.Indices) != 2 {
		t.Fatalf("expected 2 indices, got %d", len(cfg.Indices))
	}
	if cfg.Indices[0].StrikeGap != 50 {
		t.Errorf("unexpected strike gap: %v", cfg.Indices[0].StrikeGap)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Publish.Interval != 500*time.Millisecond {
		t.Errorf("unexpected publish interval: %v", cfg.Publish.Interval)
	}
	if cfg.Publish.SinkRetries != 3 {
		t.Errorf("unexpected sink retries: %d", cfg.Publish.SinkRetries)
	}
	if cfg.Chain.StrikesPerSide != 5 {
		t.Errorf("unexpected strikes per side: %d", cfg.Chain.StrikesPerSide)
	}
	if cfg.Feed.Reconnect.MaxAttempts != 5 {
		t.Errorf("unexpected reconnect attempts: %d", cfg.Feed.Reconnect.MaxAttempts)
	}
	if cfg.Feed.Reconnect.InitialBackoff != 5*time.Second {
		t.Errorf("unexpected initial backoff: %v", cfg.Feed.Reconnect.InitialBackoff)
	}
	if cfg.Feed.Reconnect.MaxBackoff != 300*time.Second {
		t.Errorf("unexpected max backoff: %v", cfg.Feed.Reconnect.MaxBackoff)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	t.Setenv("TICKFLOW_API_KEY", " key-from-env ")
	t.Setenv("TICKFLOW_API_SECRET", "secret-from-env")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Auth.APIKey != "key-from-env" {
		t.Errorf("unexpected api key: %q", cfg.Auth.APIKey)
	}
	if cfg.Auth.APISecret != "secret-from-env" {
		t.Errorf("unexpected api secret: %q", cfg.Auth.APISecret)
	}
}

func TestValidateConfigRejectsBadCadence(t *testing.T) {
	cfg := &Config{
		Tickflow: TickflowConfig{Name: "x", Version: "1"},
		Feed: FeedConfig{
			URL: "wss://feed.example.com",
			Reconnect: ReconnectConfig{
				MaxAttempts:    5,
				InitialBackoff: 5 * time.Second,
				MaxBackoff:     300 * time.Second,
			},
		},
		Publish: PublishConfig{Interval: 500 * time.Millisecond},
		Indices: []IndexConfig{
			{Name: "NIFTY 50", SpotToken: 256265, StrikeGap: 50, ExpiryCadence: "fortnightly"},
		},
	}
	if err := validateConfig(cfg); err == nil {
		t.Fatal("expected cadence validation error")
	}
}

func TestValidateConfigRejectsDuplicateIndex(t *testing.T) {
	cfg := &Config{
		Tickflow: TickflowConfig{Name: "x", Version: "1"},
		Feed: FeedConfig{
			URL: "wss://feed.example.com",
			Reconnect: ReconnectConfig{
				MaxAttempts:    5,
				InitialBackoff: 5 * time.Second,
				MaxBackoff:     300 * time.Second,
			},
		},
		Publish: PublishConfig{Interval: 500 * time.Millisecond},
		Indices: []IndexConfig{
			{Name: "NIFTY 50", SpotToken: 256265, StrikeGap: 50, ExpiryCadence: "weekly"},
			{Name: "NIFTY 50", SpotToken: 256265, StrikeGap: 50, ExpiryCadence: "weekly"},
		},
	}
	if err := validateConfig(cfg); err == nil {
		t.Fatal("expected duplicate index validation error")
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	got := ResolveConfigPath("", "config/config.yml")
	if got != "config/config.production.yml" {
		t.Errorf("unexpected path: %s", got)
	}

	// An explicit path is never remapped.
	got = ResolveConfigPath("custom.yml", "config/config.yml")
	if got != "custom.yml" {
		t.Errorf("unexpected path: %s", got)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}
