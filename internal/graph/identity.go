// Package graph talks to Microsoft Graph on behalf of a subscription owner:
// resource fetches, subscription renewal and deletion.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/dgraph-io/ristretto/v2"

	"github.com/ParleSec/GraphWebhooks/pkg/models"
)

// DefaultScope requests the application's configured Graph permissions
const DefaultScope = "https://graph.microsoft.com/.default"

var (
	// ErrIncompleteIdentity is returned for delegated records without user or tenant
	ErrIncompleteIdentity = errors.New("subscription has no user or tenant")
	// ErrNoUserToken is returned when no delegated token is cached for a user
	ErrNoUserToken = errors.New("no delegated token for user")
	// ErrNoCredential is returned when app-only access is not configured
	ErrNoCredential = errors.New("no application credential configured")
)

// Identity is the principal a Graph call acts as
type Identity struct {
	TenantID string
	UserID   string
	AppOnly  bool
}

func (i Identity) String() string {
	if i.AppOnly {
		return "app-only@" + i.TenantID
	}
	return i.UserID + "@" + i.TenantID
}

// IdentityFor returns the identity that owns rec
func IdentityFor(rec *models.SubscriptionRecord) (Identity, error) {
	if rec.IsAppOnly() {
		return Identity{TenantID: rec.TenantID, AppOnly: true}, nil
	}
	if rec.UserID == "" || rec.TenantID == "" {
		return Identity{}, ErrIncompleteIdentity
	}
	return Identity{TenantID: rec.TenantID, UserID: rec.UserID}, nil
}

// TokenSource returns a bearer token for an identity
type TokenSource interface {
	Token(ctx context.Context, id Identity) (string, error)
}

// Token cache sizing. Each token costs 1.
const (
	userTokenCacheCounters = 100_000
	userTokenCacheMaxCost  = 10_000
)

// UserTokenCache holds delegated access tokens keyed by tenant and user.
// Entries expire with the token.
type UserTokenCache struct {
	tokens *ristretto.Cache[string, models.DelegatedToken]
	now    func() time.Time
}

// NewUserTokenCache creates an empty cache
func NewUserTokenCache() (*UserTokenCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, models.DelegatedToken]{
		NumCounters: userTokenCacheCounters,
		MaxCost:     userTokenCacheMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token cache: %w", err)
	}
	return &UserTokenCache{tokens: cache, now: time.Now}, nil
}

func userKey(tenantID, userID string) string {
	return tenantID + "/" + userID
}

// Put stores a delegated token until it expires
func (c *UserTokenCache) Put(tok models.DelegatedToken) error {
	if tok.TenantID == "" || tok.UserID == "" || tok.AccessToken == "" {
		return errors.New("tenantId, userId and accessToken are required")
	}

	var ttl time.Duration
	if !tok.ExpiresOn.IsZero() {
		if ttl = tok.ExpiresOn.Sub(c.now()); ttl <= 0 {
			return fmt.Errorf("token for %s@%s already expired", tok.UserID, tok.TenantID)
		}
	}
	if !c.tokens.SetWithTTL(userKey(tok.TenantID, tok.UserID), tok, 1, ttl) {
		return fmt.Errorf("token cache rejected token for %s@%s", tok.UserID, tok.TenantID)
	}
	c.tokens.Wait()
	return nil
}

// Get returns an unexpired token for the user
func (c *UserTokenCache) Get(tenantID, userID string) (string, error) {
	tok, ok := c.tokens.Get(userKey(tenantID, userID))
	if !ok {
		return "", fmt.Errorf("%w: %s@%s", ErrNoUserToken, userID, tenantID)
	}
	if !tok.ExpiresOn.IsZero() && !c.now().Before(tok.ExpiresOn) {
		c.tokens.Del(userKey(tenantID, userID))
		return "", fmt.Errorf("%w: token for %s@%s expired", ErrNoUserToken, userID, tenantID)
	}
	return tok.AccessToken, nil
}

// Close stops the cache's background goroutines
func (c *UserTokenCache) Close() {
	c.tokens.Close()
}

// CredentialFactory builds an application credential for a tenant
type CredentialFactory func(tenantID string) (azcore.TokenCredential, error)

// ClientSecretCredentials builds azidentity client secret credentials
func ClientSecretCredentials(clientID, clientSecret string) CredentialFactory {
	return func(tenantID string) (azcore.TokenCredential, error) {
		cred, err := azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create client secret credential: %w", err)
		}
		return cred, nil
	}
}

// CredentialTokenSource issues app-only tokens from per-tenant credentials
// and delegated tokens from a UserTokenCache
type CredentialTokenSource struct {
	factory       CredentialFactory
	users         *UserTokenCache
	defaultTenant string
	scopes        []string

	creds map[string]azcore.TokenCredential
	mu    sync.Mutex
}

// NewCredentialTokenSource creates a token source. factory may be nil when
// only delegated access is used, users may be nil when only app-only access is used.
func NewCredentialTokenSource(factory CredentialFactory, users *UserTokenCache, defaultTenant string) *CredentialTokenSource {
	return &CredentialTokenSource{
		factory:       factory,
		users:         users,
		defaultTenant: defaultTenant,
		scopes:        []string{DefaultScope},
		creds:         make(map[string]azcore.TokenCredential),
	}
}

// Users returns the delegated token cache
func (s *CredentialTokenSource) Users() *UserTokenCache {
	return s.users
}

// Token returns a bearer token for id
func (s *CredentialTokenSource) Token(ctx context.Context, id Identity) (string, error) {
	if !id.AppOnly {
		if s.users == nil {
			return "", fmt.Errorf("%w: %s", ErrNoUserToken, id)
		}
		return s.users.Get(id.TenantID, id.UserID)
	}

	cred, err := s.credential(id.TenantID)
	if err != nil {
		return "", err
	}
	tok, err := cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: s.scopes})
	if err != nil {
		return "", fmt.Errorf("failed to acquire app-only token: %w", err)
	}
	return tok.Token, nil
}

// Credential returns the app credential for the default tenant
func (s *CredentialTokenSource) Credential() (azcore.TokenCredential, error) {
	return s.credential("")
}

func (s *CredentialTokenSource) credential(tenantID string) (azcore.TokenCredential, error) {
	if tenantID == "" {
		tenantID = s.defaultTenant
	}
	if s.factory == nil || tenantID == "" {
		return nil, ErrNoCredential
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cred, ok := s.creds[tenantID]; ok {
		return cred, nil
	}
	cred, err := s.factory(tenantID)
	if err != nil {
		return nil, err
	}
	s.creds[tenantID] = cred
	return cred, nil
}
