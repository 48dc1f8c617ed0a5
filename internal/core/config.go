package core

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ParleSec/GraphWebhooks/internal/crypto"
	"github.com/ParleSec/GraphWebhooks/internal/graph"
	"github.com/ParleSec/GraphWebhooks/internal/notifications"
	"github.com/ParleSec/GraphWebhooks/internal/subscriptions"
)

// Config holds the application configuration
type Config struct {
	// Server listening address
	ListenAddr string `yaml:"listenAddr"`

	// Public base URL Graph posts notifications to
	NotificationHost string `yaml:"notificationHost"`

	// CORS allowed origins, also used for the websocket origin check
	CORSOrigins []string `yaml:"corsOrigins"`

	// Enable debug logging
	Debug bool `yaml:"debug"`

	// Take client addresses from X-Forwarded-For and X-Real-IP. Only set
	// behind a reverse proxy that overwrites those headers.
	TrustProxy bool `yaml:"trustProxy"`

	// Tenants and applications accepted in validation tokens
	TenantIDs []string `yaml:"tenantIds"`
	AppIDs    []string `yaml:"appIds"`

	// Application credential used for app-only Graph calls
	TenantID     string `yaml:"tenantId"`
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`

	OpenIDConfigURL   string        `yaml:"openIdConfigUrl"`
	IssuerFormats     []string      `yaml:"issuerFormats"`
	DiscoveryCacheTTL time.Duration `yaml:"discoveryCacheTtl"`
	GraphBaseURL      string        `yaml:"graphBaseUrl"`

	Certificate CertificateConfig `yaml:"certificate"`
	Store       StoreConfig       `yaml:"store"`

	RenewalPeriod time.Duration `yaml:"renewalPeriod"`
	AdminToken    string        `yaml:"adminToken"`
	MaxBodyBytes  int64         `yaml:"maxBodyBytes"`
}

// CertificateConfig selects where the decryption certificate comes from
type CertificateConfig struct {
	// Source is selfsigned, file or keyvault
	Source         string `yaml:"source"`
	ID             string `yaml:"id"`
	PFXPath        string `yaml:"pfxPath"`
	PFXPassword    string `yaml:"pfxPassword"`
	CertPath       string `yaml:"certPath"`
	KeyPath        string `yaml:"keyPath"`
	KeyVaultURL    string `yaml:"keyVaultUrl"`
	KeyVaultSecret string `yaml:"keyVaultSecret"`
}

// StoreConfig selects the subscription registry backend
type StoreConfig struct {
	Kind          string        `yaml:"kind"`
	TTL           time.Duration `yaml:"ttl"`
	DataDir       string        `yaml:"dataDir"`
	SQLiteDriver  string        `yaml:"sqliteDriver"`
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDb"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:        ":8080",
		NotificationHost:  "http://localhost:8080",
		CORSOrigins:       []string{"http://localhost:3000", "http://localhost:5173"},
		OpenIDConfigURL:   crypto.DefaultOpenIDConfigurationURL,
		IssuerFormats:     append([]string(nil), crypto.DefaultIssuerFormats...),
		DiscoveryCacheTTL: 24 * time.Hour,
		GraphBaseURL:      graph.DefaultBaseURL,
		Certificate: CertificateConfig{
			Source: "selfsigned",
		},
		Store: StoreConfig{
			Kind:         "memory",
			TTL:          subscriptions.DefaultTTL,
			DataDir:      "./data",
			SQLiteDriver: "sqlite",
			RedisAddr:    "localhost:6379",
		},
		RenewalPeriod: notifications.DefaultRenewalPeriod,
		MaxBodyBytes:  notifications.DefaultMaxBodyBytes,
	}
}

// LoadConfig builds the configuration from defaults, the YAML file named by
// WEBHOOKS_CONFIG_FILE and then environment variables, in that order.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("WEBHOOKS_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.ListenAddr = getEnv("WEBHOOKS_LISTEN_ADDR", c.ListenAddr)
	c.NotificationHost = getEnv("WEBHOOKS_NOTIFICATION_HOST", c.NotificationHost)
	c.CORSOrigins = getEnvList("WEBHOOKS_CORS_ORIGINS", c.CORSOrigins)
	c.Debug = getEnvBool("WEBHOOKS_DEBUG", c.Debug)
	c.TrustProxy = getEnvBool("WEBHOOKS_TRUST_PROXY", c.TrustProxy)

	c.TenantIDs = getEnvList("WEBHOOKS_TENANT_IDS", c.TenantIDs)
	c.AppIDs = getEnvList("WEBHOOKS_APP_IDS", c.AppIDs)
	c.TenantID = getEnv("AZURE_TENANT_ID", c.TenantID)
	c.ClientID = getEnv("AZURE_CLIENT_ID", c.ClientID)
	c.ClientSecret = getEnv("AZURE_CLIENT_SECRET", c.ClientSecret)

	c.OpenIDConfigURL = getEnv("WEBHOOKS_OPENID_CONFIG_URL", c.OpenIDConfigURL)
	c.IssuerFormats = getEnvList("WEBHOOKS_ISSUER_FORMATS", c.IssuerFormats)
	c.GraphBaseURL = getEnv("WEBHOOKS_GRAPH_BASE_URL", c.GraphBaseURL)

	c.Certificate.Source = getEnv("WEBHOOKS_CERT_SOURCE", c.Certificate.Source)
	c.Certificate.ID = getEnv("WEBHOOKS_CERT_ID", c.Certificate.ID)
	c.Certificate.PFXPath = getEnv("WEBHOOKS_CERT_PFX_PATH", c.Certificate.PFXPath)
	c.Certificate.PFXPassword = getEnv("WEBHOOKS_CERT_PFX_PASSWORD", c.Certificate.PFXPassword)
	c.Certificate.CertPath = getEnv("WEBHOOKS_CERT_PATH", c.Certificate.CertPath)
	c.Certificate.KeyPath = getEnv("WEBHOOKS_CERT_KEY_PATH", c.Certificate.KeyPath)
	c.Certificate.KeyVaultURL = getEnv("WEBHOOKS_KEYVAULT_URL", c.Certificate.KeyVaultURL)
	c.Certificate.KeyVaultSecret = getEnv("WEBHOOKS_KEYVAULT_SECRET", c.Certificate.KeyVaultSecret)

	c.Store.Kind = getEnv("WEBHOOKS_STORE", c.Store.Kind)
	c.Store.DataDir = getEnv("WEBHOOKS_DATA_DIR", c.Store.DataDir)
	c.Store.SQLiteDriver = getEnv("WEBHOOKS_SQLITE_DRIVER", c.Store.SQLiteDriver)
	c.Store.RedisAddr = getEnv("WEBHOOKS_REDIS_ADDR", c.Store.RedisAddr)
	c.Store.RedisPassword = getEnv("WEBHOOKS_REDIS_PASSWORD", c.Store.RedisPassword)

	c.AdminToken = getEnv("WEBHOOKS_ADMIN_TOKEN", c.AdminToken)

	var err error
	if c.Store.RedisDB, err = getEnvInt("WEBHOOKS_REDIS_DB", c.Store.RedisDB); err != nil {
		return err
	}
	if c.Store.TTL, err = getEnvDuration("WEBHOOKS_SUBSCRIPTION_TTL", c.Store.TTL); err != nil {
		return err
	}
	if c.RenewalPeriod, err = getEnvDuration("WEBHOOKS_RENEWAL_PERIOD", c.RenewalPeriod); err != nil {
		return err
	}
	if c.DiscoveryCacheTTL, err = getEnvDuration("WEBHOOKS_DISCOVERY_CACHE_TTL", c.DiscoveryCacheTTL); err != nil {
		return err
	}
	maxBody, err := getEnvInt("WEBHOOKS_MAX_BODY_BYTES", int(c.MaxBodyBytes))
	if err != nil {
		return err
	}
	c.MaxBodyBytes = int64(maxBody)
	return nil
}

// Validate checks that token validation can be configured. Tenant IDs
// default to the credential tenant and app IDs to the client ID.
func (c *Config) Validate() error {
	var errs []error

	tenants, err := c.TenantUUIDs()
	if err != nil {
		errs = append(errs, err)
	} else if len(tenants) == 0 {
		errs = append(errs, errors.New("at least one tenant ID is required (WEBHOOKS_TENANT_IDS or AZURE_TENANT_ID)"))
	}

	apps, err := c.AppUUIDs()
	if err != nil {
		errs = append(errs, err)
	} else if len(apps) == 0 {
		errs = append(errs, errors.New("at least one app ID is required (WEBHOOKS_APP_IDS or AZURE_CLIENT_ID)"))
	}

	switch strings.ToLower(c.Certificate.Source) {
	case "selfsigned":
	case "file":
		if c.Certificate.PFXPath == "" && (c.Certificate.CertPath == "" || c.Certificate.KeyPath == "") {
			errs = append(errs, errors.New("file certificate source needs a PFX path or both cert and key paths"))
		}
	case "keyvault":
		if c.Certificate.KeyVaultURL == "" || c.Certificate.KeyVaultSecret == "" {
			errs = append(errs, errors.New("keyvault certificate source needs a vault URL and secret name"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown certificate source %q", c.Certificate.Source))
	}

	return errors.Join(errs...)
}

// TenantUUIDs parses the accepted tenant IDs
func (c *Config) TenantUUIDs() ([]uuid.UUID, error) {
	ids := c.TenantIDs
	if len(ids) == 0 && c.TenantID != "" {
		ids = []string{c.TenantID}
	}
	return parseUUIDs("tenant", ids)
}

// AppUUIDs parses the accepted application IDs
func (c *Config) AppUUIDs() ([]uuid.UUID, error) {
	ids := c.AppIDs
	if len(ids) == 0 && c.ClientID != "" {
		ids = []string{c.ClientID}
	}
	return parseUUIDs("app", ids)
}

// HasAppCredential reports whether app-only Graph access is configured
func (c *Config) HasAppCredential() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

func parseUUIDs(kind string, values []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s ID %q: %w", kind, v, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return strings.ToLower(value) == "true" || value == "1"
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
