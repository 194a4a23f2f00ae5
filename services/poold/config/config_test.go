package config

import (
	"os"
	"path/filepath"
	"testing"
)

const testAdmin = "0x1111111111111111111111111111111111111111"

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: " :9000 "
tls:
  allow_insecure: true
auth:
  api_tokens:
    - " token-one "
    - " "
    - "token-two"
roles:
  default_admin: "`+testAdmin+`"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":9000" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if len(cfg.Auth.APITokens) != 2 {
		t.Fatalf("expected 2 trimmed api tokens, got %d", len(cfg.Auth.APITokens))
	}
	if cfg.Oracle.MaxDeviationBps != 2_000 {
		t.Fatalf("expected oracle deviation default, got %d", cfg.Oracle.MaxDeviationBps)
	}
	if cfg.RateLimit.RequestsPerSecond != 50 || cfg.RateLimit.Burst != 100 {
		t.Fatalf("expected rate limit defaults, got %+v", cfg.RateLimit)
	}
	if cfg.Audit.Driver != "sqlite" {
		t.Fatalf("expected sqlite audit default, got %q", cfg.Audit.Driver)
	}
}

func TestLoadConfigRequiresAuthenticators(t *testing.T) {
	path := writeConfig(t, `
listen: ":8660"
tls:
  allow_insecure: true
auth: {}
roles:
  default_admin: "`+testAdmin+`"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when no authenticators are configured")
	}
}

func TestLoadConfigRequiresDefaultAdmin(t *testing.T) {
	path := writeConfig(t, `
listen: ":8660"
tls:
  allow_insecure: true
auth:
  api_tokens: [token]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when default admin is missing")
	}
}

func TestLoadConfigValidatesTLS(t *testing.T) {
	path := writeConfig(t, `
listen: ":8660"
tls:
  cert: "server.crt"
auth:
  api_tokens: [token]
roles:
  default_admin: "`+testAdmin+`"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when tls key is missing")
	}
}

func TestLoadConfigValidatesAddresses(t *testing.T) {
	path := writeConfig(t, `
listen: ":8660"
tls:
  allow_insecure: true
auth:
  api_tokens: [token]
roles:
  default_admin: "`+testAdmin+`"
  risk_admins: ["not-an-address"]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed risk admin address")
	}
}

func TestLoadConfigValidatesAudit(t *testing.T) {
	path := writeConfig(t, `
listen: ":8660"
tls:
  allow_insecure: true
auth:
  api_tokens: [token]
roles:
  default_admin: "`+testAdmin+`"
audit:
  enabled: true
  driver: "mysql"
  dsn: "audit.db"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unsupported audit driver")
	}
}
