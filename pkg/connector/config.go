// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// DMPolicy governs whether direct-conversation senders reach the backend.
type DMPolicy string

const (
	// DMPolicyOpen treats every sender as approved.
	DMPolicyOpen DMPolicy = "open"
	// DMPolicyPairing issues a pairing code to unknown senders and drops
	// their messages until an operator approves them.
	DMPolicyPairing DMPolicy = "pairing"
	// DMPolicyAllowlist drops messages from senders not on the allow-list,
	// without issuing pairing codes.
	DMPolicyAllowlist DMPolicy = "allowlist"
	// DMPolicyDisabled drops every direct message silently.
	DMPolicyDisabled DMPolicy = "disabled"
)

// IsValid reports whether the policy is one of the four known values.
func (p DMPolicy) IsValid() bool {
	switch p {
	case DMPolicyOpen, DMPolicyPairing, DMPolicyAllowlist, DMPolicyDisabled:
		return true
	}
	return false
}

// Config is the root gateway configuration.
type Config struct {
	Logging zeroconfig.Config `yaml:"logging"`

	// AdminAPIAddr is the listen address for the admin HTTP API that
	// serves /api/status and /api/reload. Defaults to ":29330".
	AdminAPIAddr string `yaml:"admin_api_addr"`

	// StateDir holds per-account checkpoint and auth-cache files.
	StateDir string `yaml:"state_dir"`
	// MediaDir holds downloaded inbound media and fetched outbound media.
	MediaDir string `yaml:"media_dir"`
	// PairingDB is the path of the SQLite pairing/approval database.
	PairingDB string `yaml:"pairing_db"`

	Backend  BackendConfig   `yaml:"backend"`
	Defaults AccountDefaults `yaml:"defaults"`
	Accounts []AccountConfig `yaml:"accounts"`
}

// BackendConfig points at the message-routing backend that consumes
// normalized inbound messages and produces reply payloads.
type BackendConfig struct {
	URL            string `yaml:"url"`
	AuthToken      string `yaml:"auth_token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// AccountDefaults are per-account settings applied wherever the account
// entry leaves them unset. Merging happens once, at load time, producing
// flattened Account values; nothing downstream re-reads this layering.
type AccountDefaults struct {
	DMPolicy             string `yaml:"dm_policy"`
	MaxMessageLength     int    `yaml:"max_message_length"`
	TypingTimeoutSeconds int    `yaml:"typing_timeout_seconds"`
	MaxMediaBytes        int64  `yaml:"max_media_bytes"`
	DeviceDisplayName    string `yaml:"device_display_name"`
}

// AccountConfig is one configured Matrix identity as written in YAML.
type AccountConfig struct {
	ID      string `yaml:"id"`
	Enabled *bool  `yaml:"enabled"`

	Homeserver string `yaml:"homeserver"`
	UserID     string `yaml:"user_id"`
	// Password and AccessToken support env:NAME indirection resolved at
	// load time. At least one must be set for an enabled account.
	Password    string `yaml:"password"`
	AccessToken string `yaml:"access_token"`

	DMPolicy  string   `yaml:"dm_policy"`
	AllowFrom []string `yaml:"allow_from"`
	AutoJoin  []string `yaml:"auto_join"`

	MaxMessageLength     int    `yaml:"max_message_length"`
	TypingTimeoutSeconds int    `yaml:"typing_timeout_seconds"`
	MaxMediaBytes        int64  `yaml:"max_media_bytes"`
	DeviceDisplayName    string `yaml:"device_display_name"`
}

// Account is the flattened, validated runtime view of one account:
// defaults merged in, credentials resolved, enums parsed. Sessions only
// ever see this shape.
type Account struct {
	ID      string
	Enabled bool

	Homeserver  string
	UserID      id.UserID
	Password    string
	AccessToken string

	DMPolicy  DMPolicy
	AllowFrom []string
	AutoJoin  []string

	MaxMessageLength  int
	TypingTimeout     time.Duration
	MaxMediaBytes     int64
	DeviceDisplayName string
}

// PairingChannel is the key under which this account's pairing requests
// and approvals are stored.
func (a *Account) PairingChannel() string {
	return "matrix:" + a.ID
}

const (
	defaultAdminAPIAddr      = ":29330"
	defaultDMPolicy          = DMPolicyPairing
	defaultMaxMessageLength  = 4000
	defaultTypingTimeout     = 30
	defaultMaxMediaBytes     = 50 * 1024 * 1024
	defaultDeviceDisplayName = "matrix-gateway"
	defaultBackendTimeout    = 120
)

// LoadConfig reads and parses the YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.Backend.AuthToken, err = ResolveCredential(cfg.Backend.AuthToken)
	if err != nil {
		return nil, fmt.Errorf("backend.auth_token: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.AdminAPIAddr == "" {
		c.AdminAPIAddr = defaultAdminAPIAddr
	}
	if c.StateDir == "" {
		c.StateDir = "state"
	}
	if c.MediaDir == "" {
		c.MediaDir = "media"
	}
	if c.PairingDB == "" {
		c.PairingDB = "pairing.db"
	}
	if c.Backend.TimeoutSeconds <= 0 {
		c.Backend.TimeoutSeconds = defaultBackendTimeout
	}
	d := &c.Defaults
	if d.DMPolicy == "" {
		d.DMPolicy = string(defaultDMPolicy)
	}
	if d.MaxMessageLength <= 0 {
		d.MaxMessageLength = defaultMaxMessageLength
	}
	if d.TypingTimeoutSeconds <= 0 {
		d.TypingTimeoutSeconds = defaultTypingTimeout
	}
	if d.MaxMediaBytes <= 0 {
		d.MaxMediaBytes = defaultMaxMediaBytes
	}
	if d.DeviceDisplayName == "" {
		d.DeviceDisplayName = defaultDeviceDisplayName
	}
}

// ResolveAccounts merges defaults into each account entry, resolves
// credential indirection, and validates the result. Disabled accounts
// still get full validation so a broken entry is caught before someone
// flips it on.
func (c *Config) ResolveAccounts() ([]Account, error) {
	seen := make(map[string]struct{}, len(c.Accounts))
	accounts := make([]Account, 0, len(c.Accounts))
	for i := range c.Accounts {
		ac := &c.Accounts[i]
		if ac.ID == "" {
			return nil, fmt.Errorf("account %d: missing id", i)
		}
		// The ID names checkpoint and auth-cache files on disk.
		if !validAccountID(ac.ID) {
			return nil, fmt.Errorf("account %q: id must contain only letters, digits, '.', '_' or '-'", ac.ID)
		}
		if _, dup := seen[ac.ID]; dup {
			return nil, fmt.Errorf("account %q: duplicate id", ac.ID)
		}
		seen[ac.ID] = struct{}{}

		acct, err := c.resolveAccount(ac)
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", ac.ID, err)
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

func (c *Config) resolveAccount(ac *AccountConfig) (Account, error) {
	acct := Account{
		ID:                ac.ID,
		Enabled:           ac.Enabled == nil || *ac.Enabled,
		Homeserver:        ac.Homeserver,
		UserID:            id.UserID(ac.UserID),
		DMPolicy:          DMPolicy(ac.DMPolicy),
		AllowFrom:         ac.AllowFrom,
		AutoJoin:          ac.AutoJoin,
		MaxMessageLength:  ac.MaxMessageLength,
		MaxMediaBytes:     ac.MaxMediaBytes,
		DeviceDisplayName: ac.DeviceDisplayName,
	}
	if acct.DMPolicy == "" {
		acct.DMPolicy = DMPolicy(c.Defaults.DMPolicy)
	}
	if acct.MaxMessageLength <= 0 {
		acct.MaxMessageLength = c.Defaults.MaxMessageLength
	}
	typingSecs := ac.TypingTimeoutSeconds
	if typingSecs <= 0 {
		typingSecs = c.Defaults.TypingTimeoutSeconds
	}
	acct.TypingTimeout = time.Duration(typingSecs) * time.Second
	if acct.MaxMediaBytes <= 0 {
		acct.MaxMediaBytes = c.Defaults.MaxMediaBytes
	}
	if acct.DeviceDisplayName == "" {
		acct.DeviceDisplayName = c.Defaults.DeviceDisplayName
	}

	if acct.Homeserver == "" {
		return acct, fmt.Errorf("missing homeserver")
	}
	if ac.UserID == "" {
		return acct, fmt.Errorf("missing user_id")
	} else if !strings.HasPrefix(ac.UserID, "@") || !strings.Contains(ac.UserID, ":") {
		return acct, fmt.Errorf("user_id %q is not a full Matrix user ID", ac.UserID)
	}
	if !acct.DMPolicy.IsValid() {
		return acct, fmt.Errorf("invalid dm_policy %q", acct.DMPolicy)
	}

	var err error
	acct.Password, err = ResolveCredential(ac.Password)
	if err != nil {
		return acct, fmt.Errorf("password: %w", err)
	}
	acct.AccessToken, err = ResolveCredential(ac.AccessToken)
	if err != nil {
		return acct, fmt.Errorf("access_token: %w", err)
	}
	if acct.Enabled && acct.Password == "" && acct.AccessToken == "" {
		return acct, fmt.Errorf("needs a password or access_token")
	}
	return acct, nil
}

func validAccountID(id string) bool {
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// ResolveCredential resolves env:NAME indirection to the value of the
// named environment variable. Any other string passes through unchanged.
func ResolveCredential(raw string) (string, error) {
	name, ok := strings.CutPrefix(raw, "env:")
	if !ok {
		return raw, nil
	}
	val, found := os.LookupEnv(name)
	if !found {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return val, nil
}
