package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gelgate/gelgate/internal/auth"
)

func TestLoad(t *testing.T) {
	yaml := `
listen:
  postgres_port: 5432
  gel_port: 5656
  bind: 0.0.0.0

auth:
  timeout: 3s
  pg_ssl_required: true

credentials:
  - user: nora
    database: app
    auth_type: trust
  - user: pia
    branch: main
    auth_type: scram-sha-256
    password: hunter2
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.PostgresPort != 5432 {
		t.Errorf("expected postgres port 5432, got %d", cfg.Listen.PostgresPort)
	}
	if cfg.Listen.GelPort != 5656 {
		t.Errorf("expected gel port 5656, got %d", cfg.Listen.GelPort)
	}
	if cfg.Auth.Timeout != 3*time.Second {
		t.Errorf("expected auth timeout 3s, got %v", cfg.Auth.Timeout)
	}
	if !cfg.Auth.PGSslRequired {
		t.Error("expected pg_ssl_required true")
	}

	if len(cfg.Credentials) != 2 {
		t.Fatalf("expected 2 credentials, got %d", len(cfg.Credentials))
	}
	if cfg.Credentials[0].User != "nora" || cfg.Credentials[0].Database != "app" {
		t.Errorf("unexpected first credential: %+v", cfg.Credentials[0])
	}
	if cfg.Credentials[1].Branch != "main" {
		t.Errorf("expected branch main, got %q", cfg.Credentials[1].Branch)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("TEST_GATEWAY_PASSWORD", "secret123")
	defer os.Unsetenv("TEST_GATEWAY_PASSWORD")

	yaml := `
credentials:
  - user: nora
    database: app
    auth_type: plain
    password: ${TEST_GATEWAY_PASSWORD}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Credentials[0].Password != "secret123" {
		t.Errorf("expected password secret123, got %s", cfg.Credentials[0].Password)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing user",
			yaml: `
credentials:
  - auth_type: trust
`,
		},
		{
			name: "duplicate user",
			yaml: `
credentials:
  - user: nora
    auth_type: trust
  - user: nora
    auth_type: deny
`,
		},
		{
			name: "database and branch both set",
			yaml: `
credentials:
  - user: nora
    database: app
    branch: main
    auth_type: trust
`,
		},
		{
			name: "unsupported auth_type",
			yaml: `
credentials:
  - user: nora
    auth_type: kerberos
`,
		},
		{
			name: "missing password for plain",
			yaml: `
credentials:
  - user: nora
    auth_type: plain
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	path := writeTemp(t, "credentials: []\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.PostgresPort != 5432 {
		t.Errorf("expected default postgres port 5432, got %d", cfg.Listen.PostgresPort)
	}
	if cfg.Listen.GelPort != 5656 {
		t.Errorf("expected default gel port 5656, got %d", cfg.Listen.GelPort)
	}
	if cfg.Listen.Bind != "127.0.0.1" {
		t.Errorf("expected default bind 127.0.0.1, got %s", cfg.Listen.Bind)
	}
	if cfg.Auth.Timeout != 5*time.Second {
		t.Errorf("expected default auth timeout 5s, got %v", cfg.Auth.Timeout)
	}
}

func TestCompileCredentials(t *testing.T) {
	yaml := `
credentials:
  - user: nora
    database: app
    auth_type: trust
  - user: absent
    auth_type: deny
  - user: pia
    branch: main
    auth_type: md5
    password: hunter2
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	table, err := cfg.CompileCredentials()
	if err != nil {
		t.Fatalf("CompileCredentials failed: %v", err)
	}

	if _, ok := table["nora"].(auth.TrustCredential); !ok {
		t.Errorf("expected nora to be a TrustCredential, got %T", table["nora"])
	}
	if _, ok := table["absent"].(auth.DenyCredential); !ok {
		t.Errorf("expected absent to be a DenyCredential, got %T", table["absent"])
	}
	md5Cred, ok := table["pia"].(auth.MD5Credential)
	if !ok {
		t.Fatalf("expected pia to be an MD5Credential, got %T", table["pia"])
	}
	if md5Cred.AuthType() != auth.Md5 {
		t.Errorf("expected AuthType Md5, got %v", md5Cred.AuthType())
	}
}

func TestCredentialEntryRedacted(t *testing.T) {
	e := CredentialEntry{User: "nora", AuthType: "plain", Password: "hunter2"}
	r := e.Redacted()
	if r.Password != "***REDACTED***" {
		t.Errorf("expected redacted password, got %q", r.Password)
	}
	if e.Password != "hunter2" {
		t.Error("Redacted should not mutate the receiver")
	}
}

func TestListenConfigTLSEnabled(t *testing.T) {
	lc := ListenConfig{}
	if lc.TLSEnabled() {
		t.Error("expected TLSEnabled false with no cert/key")
	}
	lc.TLSCert, lc.TLSKey = "cert.pem", "key.pem"
	if !lc.TLSEnabled() {
		t.Error("expected TLSEnabled true with cert and key set")
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}
