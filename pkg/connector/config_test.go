// Copyright 2024-2026 Aiku AI

package connector

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
backend:
  url: http://localhost:8080/messages
accounts:
  - id: main
    homeserver: https://matrix.example.org
    user_id: "@bot:example.org"
    password: hunter2
`

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.AdminAPIAddr != ":29330" {
		t.Errorf("admin addr default: got %q", cfg.AdminAPIAddr)
	}
	if cfg.StateDir != "state" || cfg.MediaDir != "media" || cfg.PairingDB != "pairing.db" {
		t.Errorf("path defaults: %q %q %q", cfg.StateDir, cfg.MediaDir, cfg.PairingDB)
	}
	if cfg.Backend.TimeoutSeconds != 120 {
		t.Errorf("backend timeout default: got %d", cfg.Backend.TimeoutSeconds)
	}

	accounts, err := cfg.ResolveAccounts()
	if err != nil {
		t.Fatalf("ResolveAccounts: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("accounts: got %d", len(accounts))
	}
	acct := accounts[0]
	if !acct.Enabled {
		t.Error("account should default to enabled")
	}
	if acct.DMPolicy != DMPolicyPairing {
		t.Errorf("dm_policy default: got %q", acct.DMPolicy)
	}
	if acct.MaxMessageLength != 4000 {
		t.Errorf("max_message_length default: got %d", acct.MaxMessageLength)
	}
	if acct.TypingTimeout != 30*time.Second {
		t.Errorf("typing timeout default: got %v", acct.TypingTimeout)
	}
	if acct.MaxMediaBytes != 50*1024*1024 {
		t.Errorf("max_media_bytes default: got %d", acct.MaxMediaBytes)
	}
	if acct.DeviceDisplayName != "matrix-gateway" {
		t.Errorf("device display name default: got %q", acct.DeviceDisplayName)
	}
}

func TestResolveAccountsDefaultsMerge(t *testing.T) {
	t.Parallel()
	cfg, err := LoadConfig(writeConfig(t, `
backend:
  url: http://localhost:8080/messages
defaults:
  dm_policy: open
  max_message_length: 2000
accounts:
  - id: a
    homeserver: https://matrix.example.org
    user_id: "@a:example.org"
    password: pw
  - id: b
    homeserver: https://matrix.example.org
    user_id: "@b:example.org"
    password: pw
    dm_policy: allowlist
    max_message_length: 100
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	accounts, err := cfg.ResolveAccounts()
	if err != nil {
		t.Fatalf("ResolveAccounts: %v", err)
	}
	if accounts[0].DMPolicy != DMPolicyOpen || accounts[0].MaxMessageLength != 2000 {
		t.Errorf("defaults not merged: %+v", accounts[0])
	}
	if accounts[1].DMPolicy != DMPolicyAllowlist || accounts[1].MaxMessageLength != 100 {
		t.Errorf("per-account override lost: %+v", accounts[1])
	}
}

func TestResolveAccountsEnvCredential(t *testing.T) {
	t.Setenv("TEST_GW_PASSWORD", "s3cret")
	cfg, err := LoadConfig(writeConfig(t, `
backend:
  url: http://localhost:8080/messages
accounts:
  - id: main
    homeserver: https://matrix.example.org
    user_id: "@bot:example.org"
    password: env:TEST_GW_PASSWORD
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	accounts, err := cfg.ResolveAccounts()
	if err != nil {
		t.Fatalf("ResolveAccounts: %v", err)
	}
	if accounts[0].Password != "s3cret" {
		t.Errorf("env credential not resolved: got %q", accounts[0].Password)
	}
}

func TestResolveAccountsMissingEnvCredential(t *testing.T) {
	t.Setenv("TEST_GW_MISSING", "")
	os.Unsetenv("TEST_GW_MISSING")
	cfg, err := LoadConfig(writeConfig(t, `
backend:
  url: http://localhost:8080/messages
accounts:
  - id: main
    homeserver: https://matrix.example.org
    user_id: "@bot:example.org"
    password: env:TEST_GW_MISSING
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if _, err := cfg.ResolveAccounts(); err == nil {
		t.Error("missing env variable should fail resolution")
	}
}

func TestResolveAccountsErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "duplicate id",
			yaml: `
accounts:
  - {id: x, homeserver: "https://m.org", user_id: "@a:m.org", password: p}
  - {id: x, homeserver: "https://m.org", user_id: "@b:m.org", password: p}
`,
			wantErr: "duplicate id",
		},
		{
			name:    "path separator in id",
			yaml:    `accounts: [{id: "../escape", homeserver: "https://m.org", user_id: "@a:m.org", password: p}]`,
			wantErr: "id must contain only",
		},
		{
			name:    "missing homeserver",
			yaml:    `accounts: [{id: x, user_id: "@a:m.org", password: p}]`,
			wantErr: "homeserver",
		},
		{
			name:    "bare localpart user id",
			yaml:    `accounts: [{id: x, homeserver: "https://m.org", user_id: "bot", password: p}]`,
			wantErr: "user_id",
		},
		{
			name:    "invalid dm_policy",
			yaml:    `accounts: [{id: x, homeserver: "https://m.org", user_id: "@a:m.org", password: p, dm_policy: sometimes}]`,
			wantErr: "dm_policy",
		},
		{
			name:    "enabled account without credentials",
			yaml:    `accounts: [{id: x, homeserver: "https://m.org", user_id: "@a:m.org"}]`,
			wantErr: "password",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := LoadConfig(writeConfig(t, tt.yaml))
			if err != nil {
				t.Fatalf("LoadConfig: %v", err)
			}
			_, err = cfg.ResolveAccounts()
			if err == nil {
				t.Fatal("expected resolution error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestExampleConfigParses(t *testing.T) {
	t.Parallel()
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		t.Fatalf("example config does not parse: %v", err)
	}
	if len(cfg.Accounts) == 0 {
		t.Error("example config has no accounts")
	}
}

func TestDMPolicyIsValid(t *testing.T) {
	t.Parallel()
	for _, p := range []DMPolicy{DMPolicyOpen, DMPolicyPairing, DMPolicyAllowlist, DMPolicyDisabled} {
		if !p.IsValid() {
			t.Errorf("%q should be valid", p)
		}
	}
	if DMPolicy("sometimes").IsValid() {
		t.Error("unknown policy accepted")
	}
}
