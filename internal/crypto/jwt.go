package crypto

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultClockSkew is the leeway applied to exp, nbf and iat checks
const DefaultClockSkew = 5 * time.Minute

// TenantPlaceholder is replaced by each tenant ID in an issuer format
const TenantPlaceholder = "{tenant}"

// DefaultIssuerFormats covers v1 and v2 access tokens issued by Microsoft Entra ID
var DefaultIssuerFormats = []string{
	"https://sts.windows.net/{tenant}/",
	"https://login.microsoftonline.com/{tenant}/v2.0",
}

// KeyResolver returns the public key for a token key ID
type KeyResolver interface {
	PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// TokenValidatorConfig configures a TokenValidator
type TokenValidatorConfig struct {
	TenantIDs     []uuid.UUID
	AppIDs        []uuid.UUID
	IssuerFormats []string
	ClockSkew     time.Duration
	// Now overrides the clock, for tests
	Now func() time.Time
}

// TokenValidator checks the validation tokens attached to notifications
// that include resource data
type TokenValidator struct {
	keys    KeyResolver
	apps    map[uuid.UUID]struct{}
	issuers [][]string
	parser  *jwt.Parser
	logger  *zap.Logger
}

// NewTokenValidator creates a validator. Empty issuer formats fall back to
// DefaultIssuerFormats and a zero skew to DefaultClockSkew.
func NewTokenValidator(keys KeyResolver, cfg TokenValidatorConfig, logger *zap.Logger) *TokenValidator {
	formats := cfg.IssuerFormats
	if len(formats) == 0 {
		formats = DefaultIssuerFormats
	}
	skew := cfg.ClockSkew
	if skew == 0 {
		skew = DefaultClockSkew
	}

	apps := make(map[uuid.UUID]struct{}, len(cfg.AppIDs))
	for _, id := range cfg.AppIDs {
		apps[id] = struct{}{}
	}

	issuers := make([][]string, 0, len(formats))
	for _, format := range formats {
		set := make([]string, 0, len(cfg.TenantIDs))
		for _, tenant := range cfg.TenantIDs {
			set = append(set, strings.ReplaceAll(format, TenantPlaceholder, tenant.String()))
		}
		issuers = append(issuers, set)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(skew),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if cfg.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(cfg.Now))
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &TokenValidator{
		keys:    keys,
		apps:    apps,
		issuers: issuers,
		parser:  jwt.NewParser(opts...),
		logger:  logger,
	}
}

// AreValid reports whether every token is valid under at least one issuer
// format. With no tokens the result is !requireTokens. A token that fails
// validation yields false; an error is returned only when signing keys
// could not be fetched.
func (v *TokenValidator) AreValid(ctx context.Context, tokens []string, requireTokens bool) (bool, error) {
	if len(tokens) == 0 {
		return !requireTokens, nil
	}

	tokenIssuers := make([]string, 0, len(tokens))
	for _, raw := range tokens {
		claims, err := v.verify(ctx, raw)
		if err != nil {
			if errors.Is(err, ErrDiscovery) {
				return false, err
			}
			v.logger.Debug("validation token rejected", zap.Error(err))
			return false, nil
		}
		tokenIssuers = append(tokenIssuers, claims.Issuer)
	}

	for _, accepted := range v.issuers {
		if allIn(tokenIssuers, accepted) {
			return true, nil
		}
	}

	v.logger.Debug("validation token issuer not accepted", zap.Strings("issuers", tokenIssuers))
	return false, nil
}

// verify checks signature, lifetime and audience. The issuer is checked by the caller.
func (v *TokenValidator) verify(ctx context.Context, raw string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid header")
		}
		return v.keys.PublicKey(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}

	if !v.audienceAllowed(claims.Audience) {
		return nil, fmt.Errorf("token audience %v not accepted", []string(claims.Audience))
	}
	return claims, nil
}

func (v *TokenValidator) audienceAllowed(aud jwt.ClaimStrings) bool {
	for _, a := range aud {
		id, err := uuid.Parse(a)
		if err != nil {
			continue
		}
		if _, ok := v.apps[id]; ok {
			return true
		}
	}
	return false
}

func allIn(values, set []string) bool {
	for _, value := range values {
		found := false
		for _, s := range set {
			if value == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
