package crypto

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// DefaultOpenIDConfigurationURL is the Microsoft identity platform discovery document
const DefaultOpenIDConfigurationURL = "https://login.microsoftonline.com/common/v2.0/.well-known/openid-configuration"

// MinRefreshInterval spaces out refreshes forced by unknown key IDs
const MinRefreshInterval = 5 * time.Minute

var (
	// ErrDiscovery is returned when signing keys cannot be fetched
	ErrDiscovery = errors.New("signing key discovery failed")
	// ErrKeyNotFound is returned when a token references an unknown key
	ErrKeyNotFound = errors.New("signing key not found")
)

// JWK represents a JSON Web Key
type JWK struct {
	Kty string   `json:"kty"`
	Use string   `json:"use,omitempty"`
	Kid string   `json:"kid,omitempty"`
	Alg string   `json:"alg,omitempty"`
	N   string   `json:"n,omitempty"`
	E   string   `json:"e,omitempty"`
	X5c []string `json:"x5c,omitempty"`
}

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// OpenIDConfiguration is the subset of the discovery document we use
type OpenIDConfiguration struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// GetKeyByID finds a key in JWKS by key ID
func (jwks *JWKS) GetKeyByID(kid string) (*JWK, error) {
	for i := range jwks.Keys {
		if jwks.Keys[i].Kid == kid {
			return &jwks.Keys[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
}

// RSAPublicKey converts an RSA JWK to a Go public key
func (jwk *JWK) RSAPublicKey() (*rsa.PublicKey, error) {
	if jwk.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type: %s", jwk.Kty)
	}
	if jwk.N == "" || jwk.E == "" {
		return nil, errors.New("missing RSA key parameters")
	}

	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	// Exponents larger than 32 bits are not used in practice
	if len(eBytes) == 0 || len(eBytes) > 4 {
		return nil, fmt.Errorf("invalid RSA exponent length: %d", len(eBytes))
	}
	n := new(big.Int).SetBytes(nBytes)
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e < 3 {
		return nil, fmt.Errorf("invalid RSA exponent: %d", e)
	}

	return &rsa.PublicKey{N: n, E: e}, nil
}

// JWKFromRSAPublicKey creates a JWK from an RSA public key
func JWKFromRSAPublicKey(pub *rsa.PublicKey, kid string) JWK {
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Kid: kid,
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// DiscoveryClient resolves signing keys through an OpenID configuration
// document and caches them
type DiscoveryClient struct {
	configURL  string
	httpClient *http.Client
	cacheTTL   time.Duration
	now        func() time.Time

	mu          sync.RWMutex
	jwks        *JWKS
	fetchedAt   time.Time
	forcedAt    time.Time
	minInterval time.Duration
}

// NewDiscoveryClient creates a discovery client. A nil httpClient uses a 10s timeout client.
func NewDiscoveryClient(configURL string, cacheTTL time.Duration, httpClient *http.Client) *DiscoveryClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &DiscoveryClient{
		configURL:   configURL,
		httpClient:  httpClient,
		cacheTTL:    cacheTTL,
		now:         time.Now,
		minInterval: MinRefreshInterval,
	}
}

// SigningKeys returns the cached key set, fetching it when stale
func (d *DiscoveryClient) SigningKeys(ctx context.Context) (*JWKS, error) {
	d.mu.RLock()
	if d.jwks != nil && d.now().Sub(d.fetchedAt) < d.cacheTTL {
		jwks := d.jwks
		d.mu.RUnlock()
		return jwks, nil
	}
	d.mu.RUnlock()

	return d.Refresh(ctx)
}

// Refresh fetches the discovery document and key set unconditionally
func (d *DiscoveryClient) Refresh(ctx context.Context) (*JWKS, error) {
	var cfg OpenIDConfiguration
	if err := d.getJSON(ctx, d.configURL, &cfg); err != nil {
		return nil, fmt.Errorf("%w: configuration: %v", ErrDiscovery, err)
	}
	if cfg.JWKSURI == "" {
		return nil, fmt.Errorf("%w: configuration has no jwks_uri", ErrDiscovery)
	}

	var jwks JWKS
	if err := d.getJSON(ctx, cfg.JWKSURI, &jwks); err != nil {
		return nil, fmt.Errorf("%w: keys: %v", ErrDiscovery, err)
	}

	d.mu.Lock()
	d.jwks = &jwks
	d.fetchedAt = d.now()
	d.mu.Unlock()

	return &jwks, nil
}

// PublicKey returns the RSA key for kid. An unknown kid refreshes the key set
// so that rotated keys are picked up before the cache expires, at most once
// per MinRefreshInterval.
func (d *DiscoveryClient) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	jwks, err := d.SigningKeys(ctx)
	if err != nil {
		return nil, err
	}

	key, err := jwks.GetKeyByID(kid)
	if errors.Is(err, ErrKeyNotFound) && d.claimForcedRefresh() {
		if jwks, err = d.Refresh(ctx); err != nil {
			return nil, err
		}
		key, err = jwks.GetKeyByID(kid)
	}
	if err != nil {
		return nil, err
	}
	return key.RSAPublicKey()
}

func (d *DiscoveryClient) claimForcedRefresh() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if !d.forcedAt.IsZero() && now.Sub(d.forcedAt) < d.minInterval {
		return false
	}
	d.forcedAt = now
	return true
}

func (d *DiscoveryClient) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	return json.Unmarshal(body, v)
}
