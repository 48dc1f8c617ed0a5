package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ParleSec/GraphWebhooks/internal/admin"
	"github.com/ParleSec/GraphWebhooks/internal/broadcast"
	"github.com/ParleSec/GraphWebhooks/internal/crypto"
	"github.com/ParleSec/GraphWebhooks/internal/graph"
	"github.com/ParleSec/GraphWebhooks/internal/metrics"
	"github.com/ParleSec/GraphWebhooks/internal/notifications"
	"github.com/ParleSec/GraphWebhooks/internal/subscriptions"
)

const certificateCommonName = "graph-webhooks"

// App holds the initialized components of the service
type App struct {
	Config       *Config
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	Registry     subscriptions.Registry
	Tokens       *graph.CredentialTokenSource
	Certificates *crypto.CachedProvider
	Hub          *broadcast.Hub
	Dispatcher   *notifications.Dispatcher
	Lifecycle    *notifications.LifecycleHandler
	Admin        *admin.API
}

// Bootstrap validates cfg and initializes every component
func Bootstrap(ctx context.Context, cfg *Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	tenants, _ := cfg.TenantUUIDs()
	apps, _ := cfg.AppUUIDs()

	m := metrics.New()

	registry, err := subscriptions.Open(ctx, subscriptions.Options{
		Kind:          cfg.Store.Kind,
		TTL:           cfg.Store.TTL,
		DataDir:       cfg.Store.DataDir,
		SQLiteDriver:  cfg.Store.SQLiteDriver,
		RedisAddr:     cfg.Store.RedisAddr,
		RedisPassword: cfg.Store.RedisPassword,
		RedisDB:       cfg.Store.RedisDB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open subscription store: %w", err)
	}
	logger.Info("subscription store initialized", zap.String("kind", cfg.Store.Kind))

	var factory graph.CredentialFactory
	if cfg.HasAppCredential() {
		factory = graph.ClientSecretCredentials(cfg.ClientID, cfg.ClientSecret)
	} else {
		logger.Warn("no application credential configured, app-only subscriptions cannot be served")
	}
	users, err := graph.NewUserTokenCache()
	if err != nil {
		return nil, errors.Join(err, registry.Close())
	}
	tokens := graph.NewCredentialTokenSource(factory, users, cfg.TenantID)

	source, err := certificateSource(cfg.Certificate, tokens)
	if err != nil {
		users.Close()
		return nil, errors.Join(err, registry.Close())
	}
	certs := crypto.NewCachedProvider(source)
	logger.Info("certificate source configured", zap.String("source", cfg.Certificate.Source))

	httpClient := &http.Client{Timeout: 15 * time.Second}
	keys := crypto.NewDiscoveryClient(cfg.OpenIDConfigURL, cfg.DiscoveryCacheTTL, httpClient)
	validator := crypto.NewTokenValidator(keys, crypto.TokenValidatorConfig{
		TenantIDs:     tenants,
		AppIDs:        apps,
		IssuerFormats: cfg.IssuerFormats,
	}, logger.Named("tokens"))

	manager := graph.NewSubscriptionManager(tokens, cfg.GraphBaseURL)
	hub := broadcast.NewHub(logger.Named("hub"), cfg.CORSOrigins)

	lifecycle := notifications.NewLifecycleHandler(notifications.LifecycleConfig{
		Subscriptions: registry,
		Renewer:       manager,
		RenewalPeriod: cfg.RenewalPeriod,
		Metrics:       m,
		Logger:        logger.Named("lifecycle"),
	})
	dispatcher := notifications.NewDispatcher(notifications.DispatcherConfig{
		Subscriptions: registry,
		Tokens:        validator,
		Fetcher:       graph.NewClient(cfg.GraphBaseURL, tokens, httpClient),
		Certificates:  certs,
		Broadcaster:   hub,
		Lifecycle:     lifecycle,
		Metrics:       m,
		Logger:        logger.Named("notifications"),
	})

	api := admin.New(admin.Config{
		Registry:     registry,
		Graph:        manager,
		Tokens:       tokens.Users(),
		Certificates: certs,
		AdminToken:   cfg.AdminToken,
		Logger:       logger.Named("admin"),
	})
	if cfg.AdminToken == "" {
		logger.Warn("WEBHOOKS_ADMIN_TOKEN not set, admin API disabled")
	}

	logger.Info("notification pipeline initialized",
		zap.Int("tenants", len(tenants)),
		zap.Int("apps", len(apps)),
		zap.String("notification_url", strings.TrimRight(cfg.NotificationHost, "/")+"/listen"),
		zap.String("lifecycle_url", strings.TrimRight(cfg.NotificationHost, "/")+"/lifecycle"),
	)

	return &App{
		Config:       cfg,
		Logger:       logger,
		Metrics:      m,
		Registry:     registry,
		Tokens:       tokens,
		Certificates: certs,
		Hub:          hub,
		Dispatcher:   dispatcher,
		Lifecycle:    lifecycle,
		Admin:        api,
	}, nil
}

// Close releases the hub, the token cache and the subscription store
func (a *App) Close() error {
	a.Tokens.Users().Close()
	return errors.Join(a.Hub.Close(), a.Registry.Close())
}

func certificateSource(cfg CertificateConfig, tokens *graph.CredentialTokenSource) (crypto.CertificateSource, error) {
	switch strings.ToLower(cfg.Source) {
	case "selfsigned":
		return crypto.SelfSignedSource(cfg.ID, certificateCommonName), nil
	case "file":
		if cfg.PFXPath != "" {
			return crypto.PFXFileSource(cfg.ID, cfg.PFXPath, cfg.PFXPassword), nil
		}
		return crypto.PEMFileSource(cfg.ID, cfg.CertPath, cfg.KeyPath), nil
	case "keyvault":
		cred, err := tokens.Credential()
		if err != nil {
			return nil, fmt.Errorf("key vault certificate source: %w", err)
		}
		client, err := crypto.NewKeyVaultClient(cfg.KeyVaultURL, cred)
		if err != nil {
			return nil, err
		}
		return crypto.KeyVaultSource(cfg.ID, client, cfg.KeyVaultSecret), nil
	default:
		return nil, fmt.Errorf("unknown certificate source %q", cfg.Source)
	}
}
