package config

import (
	"os"
	"strings"
	"testing"
)

// writeTempConfig writes a configuration file with the provided content and
// returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
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

// minimalConfig is the smallest configuration LoadConfig accepts.
const minimalConfig = `quoteflow:
  name: "TestApp"
  version: "1.0"
markets:
  us:
    timezone: "America/New_York"
    session_open: "09:30"
    session_close: "16:00"
    symbol_patterns: ["^[A-Z]{1,6}$"]
    vendors:
      primaries: [alpha]
vendors:
  alpha:
    url: "http://localhost:9101/quotes"
database:
  host: "localhost"
  database: "quoteflow"
  user: "quoteflow"
`

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Quoteflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Quoteflow.Name)
	}
	if len(cfg.Markets["us"].Vendors.Primaries) != 1 {
		t.Errorf("unexpected primaries: %v", cfg.Markets["us"].Vendors.Primaries)
	}
	if cfg.DefaultMarket != "us" {
		t.Errorf("default market not derived from sole market: %q", cfg.DefaultMarket)
	}

	// Defaults fill everything the file omits.
	if cfg.Cache.MemoryTTLSeconds != defaultMemoryTTLSeconds {
		t.Errorf("memory ttl default not applied: %d", cfg.Cache.MemoryTTLSeconds)
	}
	if cfg.CircuitBreaker.FailureThreshold != defaultFailureThreshold {
		t.Errorf("breaker threshold default not applied: %d", cfg.CircuitBreaker.FailureThreshold)
	}
	if cfg.Vendors["alpha"].TimeoutMs != defaultVendorTimeoutMs {
		t.Errorf("vendor timeout default not applied: %d", cfg.Vendors["alpha"].TimeoutMs)
	}
	if cfg.Database.Port != defaultDBPort {
		t.Errorf("database port default not applied: %d", cfg.Database.Port)
	}
}

func TestLoadConfigUnknownVendor(t *testing.T) {
	content := strings.Replace(minimalConfig, "primaries: [alpha]", "primaries: [ghost]", 1)
	path := writeTempConfig(t, content)
	defer os.Remove(path)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for unknown primary vendor")
	}
}

func TestLoadConfigBadSessionTime(t *testing.T) {
	content := strings.Replace(minimalConfig, `session_open: "09:30"`, `session_open: "9.30am"`, 1)
	path := writeTempConfig(t, content)
	defer os.Remove(path)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for malformed session_open")
	}
}

func TestLoadConfigMemoryTTLAbovePersistTTL(t *testing.T) {
	content := minimalConfig + `cache:
  memory_ttl_seconds: 600
  persist_ttl_seconds: 60
`
	path := writeTempConfig(t, content)
	defer os.Remove(path)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error when memory ttl exceeds persist ttl")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("QUOTEFLOW_DB_PASSWORD", "sekrit")
	t.Setenv("QUOTEFLOW_ALPHA_API_KEY", "token-123")

	path := writeTempConfig(t, minimalConfig)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Database.Password != "sekrit" {
		t.Errorf("database password override not applied: %q", cfg.Database.Password)
	}
	if cfg.Vendors["alpha"].APIKey != "token-123" {
		t.Errorf("vendor api key override not applied: %q", cfg.Vendors["alpha"].APIKey)
	}
}

func TestAppEnvironment(t *testing.T) {
	t.Setenv(appEnvVar, "prod")
	if env := AppEnvironment(); env != EnvironmentProduction {
		t.Errorf("AppEnvironment() = %q, want %q", env, EnvironmentProduction)
	}
	t.Setenv(appEnvVar, "")
	if env := AppEnvironment(); env != EnvironmentDevelopment {
		t.Errorf("AppEnvironment() = %q, want %q", env, EnvironmentDevelopment)
	}
	if !IsProductionLike(EnvironmentStaging) {
		t.Error("staging should be production-like")
	}
	if IsProductionLike(EnvironmentDevelopment) {
		t.Error("development should not be production-like")
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
