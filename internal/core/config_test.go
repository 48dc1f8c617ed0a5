package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tenantA = "9f0c2f4b-7d7e-4a57-9a39-3b8d0d2c6e11"
	tenantB = "0b9a1d6e-52f1-4f0d-8f5e-1c0e6a7d3b22"
	appA    = "2c1f3a90-1111-4b6a-8d2e-6f4e7a5b9c01"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("WEBHOOKS_CONFIG_FILE", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "memory", cfg.Store.Kind)
	assert.Equal(t, 2*time.Hour, cfg.Store.TTL)
	assert.Equal(t, time.Hour, cfg.RenewalPeriod)
	assert.Equal(t, "selfsigned", cfg.Certificate.Source)
	assert.Len(t, cfg.IssuerFormats, 2)
	assert.False(t, cfg.TrustProxy)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webhooks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listenAddr: ":9090"
tenantIds: ["`+tenantA+`"]
appIds: ["`+appA+`"]
renewalPeriod: 30m
trustProxy: true
store:
  kind: sqlite
  dataDir: /var/lib/webhooks
certificate:
  source: file
  pfxPath: /etc/webhooks/cert.pfx
`), 0o600))

	t.Setenv("WEBHOOKS_CONFIG_FILE", path)
	t.Setenv("WEBHOOKS_LISTEN_ADDR", ":7070")
	t.Setenv("WEBHOOKS_TENANT_IDS", tenantA+", "+tenantB)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.ListenAddr, "environment overrides the file")
	assert.Equal(t, []string{tenantA, tenantB}, cfg.TenantIDs)
	assert.Equal(t, []string{appA}, cfg.AppIDs)
	assert.Equal(t, 30*time.Minute, cfg.RenewalPeriod)
	assert.True(t, cfg.TrustProxy)
	assert.Equal(t, "sqlite", cfg.Store.Kind)
	assert.Equal(t, "/var/lib/webhooks", cfg.Store.DataDir)
	assert.Equal(t, 2*time.Hour, cfg.Store.TTL, "unset file keys keep their defaults")
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Setenv("WEBHOOKS_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("WEBHOOKS_CONFIG_FILE", "")
	t.Setenv("WEBHOOKS_RENEWAL_PERIOD", "soon")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name: "credential ids as fallback",
			mutate: func(c *Config) {
				c.TenantIDs, c.AppIDs = nil, nil
				c.TenantID, c.ClientID = tenantA, appA
			},
		},
		{
			name:    "no tenants",
			mutate:  func(c *Config) { c.TenantIDs = nil },
			wantErr: "tenant ID is required",
		},
		{
			name:    "no apps",
			mutate:  func(c *Config) { c.AppIDs = []string{" "} },
			wantErr: "app ID is required",
		},
		{
			name:    "malformed tenant",
			mutate:  func(c *Config) { c.TenantIDs = []string{"contoso"} },
			wantErr: "invalid tenant ID",
		},
		{
			name:    "file source without paths",
			mutate:  func(c *Config) { c.Certificate.Source = "file" },
			wantErr: "file certificate source",
		},
		{
			name:    "keyvault without secret",
			mutate:  func(c *Config) { c.Certificate = CertificateConfig{Source: "keyvault", KeyVaultURL: "https://v.vault.azure.net"} },
			wantErr: "keyvault certificate source",
		},
		{
			name:    "unknown source",
			mutate:  func(c *Config) { c.Certificate.Source = "hsm" },
			wantErr: "unknown certificate source",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.TenantIDs = []string{tenantA}
			cfg.AppIDs = []string{appA}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
