package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "finllm.yaml")
	body := `
http_addr: ":9000"
auth:
  secret: file-secret
  agent_secret: agent-secret
  agent_token_ttl: 90s
  seed_users:
    - username: alice
      password: wonderland
client:
  gate: hide
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FINLLM_AUTH_SECRET", "env-secret")
	t.Setenv("FINLLM_SESSION_TTL", "5m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9000" {
		t.Fatalf("http addr from file not applied: %q", cfg.HTTPAddr)
	}
	if cfg.Auth.Secret != "env-secret" {
		t.Fatalf("env must override file, got %q", cfg.Auth.Secret)
	}
	if cfg.Auth.AgentTokenTTL != 90*time.Second {
		t.Fatalf("unexpected agent ttl %s", cfg.Auth.AgentTokenTTL)
	}
	if cfg.Auth.SessionTTL != 5*time.Minute {
		t.Fatalf("unexpected session ttl %s", cfg.Auth.SessionTTL)
	}
	if len(cfg.Auth.SeedUsers) != 1 || cfg.Auth.SeedUsers[0].Username != "alice" {
		t.Fatalf("seed users not parsed: %+v", cfg.Auth.SeedUsers)
	}
	if cfg.Client.Gate != GateHide {
		t.Fatalf("unexpected gate %q", cfg.Client.Gate)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsUnsafeSettings(t *testing.T) {
	cfg := Default()
	cfg.Auth.Secret = "same"
	cfg.Auth.AgentSecret = "same"
	cfg.Auth.AgentTokenTTL = time.Hour
	cfg.Auth.ConsumptionBackend = "disk"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"must differ", "agent_token_ttl", "unknown consumption backend"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestApplyEnvReportsBadValues(t *testing.T) {
	cfg := Default()
	env := map[string]string{"FINLLM_AGENT_TOKEN_TTL": "soon", "FINLLM_REDIS_DB": "x"}
	err := applyEnv(&cfg, func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if err == nil {
		t.Fatal("expected parse errors")
	}
}

func TestParseSeeds(t *testing.T) {
	seeds, err := parseSeeds("alice:wonderland:500, bob:builder")
	if err != nil {
		t.Fatalf("parseSeeds: %v", err)
	}
	if len(seeds) != 2 {
		t.Fatalf("expected 2 seeds, got %d", len(seeds))
	}
	if seeds[0].Username != "alice" || seeds[0].OpeningBalance != 500 {
		t.Fatalf("unexpected first seed %+v", seeds[0])
	}
	if seeds[1].Username != "bob" || seeds[1].Password != "builder" || seeds[1].OpeningBalance != 0 {
		t.Fatalf("unexpected second seed %+v", seeds[1])
	}
	for _, bad := range []string{"alice", ":pw", "alice:", "alice:pw:lots", "alice:pw:-1"} {
		if _, err := parseSeeds(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
