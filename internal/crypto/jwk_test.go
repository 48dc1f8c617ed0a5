package crypto

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoveryClient_ThrottlesForcedRefresh(t *testing.T) {
	t.Parallel()
	ti := newTestIssuer(t)
	d := NewDiscoveryClient(ti.configURL(), time.Hour, ti.server.Client())
	now := time.Now()
	d.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		_, err := d.PublicKey(ctx, fmt.Sprintf("bogus-%d", i))
		require.ErrorIs(t, err, ErrKeyNotFound)
	}
	assert.Equal(t, int32(2), ti.hits.Load(), "one initial fetch and one forced refresh")

	_, err := d.PublicKey(ctx, ti.kid)
	require.NoError(t, err, "known keys are served from cache while throttled")

	now = now.Add(MinRefreshInterval)
	_, err = d.PublicKey(ctx, "bogus-after-interval")
	require.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, int32(3), ti.hits.Load())
}

func TestAreValid_UnknownKidsDoNotAmplifyDiscovery(t *testing.T) {
	t.Parallel()
	ti := newTestIssuer(t)
	v := newTestValidator(t, ti, TokenValidatorConfig{})
	issuer := "https://sts.windows.net/" + testTenant.String() + "/"

	for i := 0; i < 20; i++ {
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims(issuer))
		token.Header["kid"] = fmt.Sprintf("bogus-%d", i)
		raw, err := token.SignedString(ti.key)
		require.NoError(t, err)

		ok, err := v.AreValid(context.Background(), []string{raw}, true)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, int32(2), ti.hits.Load())
}

func TestJWK_RSAPublicKey(t *testing.T) {
	t.Parallel()
	ti := newTestIssuer(t)

	jwk := JWKFromRSAPublicKey(&ti.key.PublicKey, "k1")
	pub, err := jwk.RSAPublicKey()
	require.NoError(t, err)
	assert.True(t, pub.Equal(&ti.key.PublicKey))

	exponent := func(b ...byte) string { return base64.RawURLEncoding.EncodeToString(b) }
	tests := map[string]JWK{
		"wrong type":         {Kty: "EC", N: jwk.N, E: jwk.E},
		"missing exponent":   {Kty: "RSA", N: jwk.N},
		"oversized exponent": {Kty: "RSA", N: jwk.N, E: exponent(1, 0, 0, 0, 0, 0, 0, 0, 1)},
		"exponent of one":    {Kty: "RSA", N: jwk.N, E: exponent(1)},
		"bad encoding":       {Kty: "RSA", N: jwk.N, E: "!!"},
	}
	for name, key := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := key.RSAPublicKey()
			require.Error(t, err)
		})
	}
}
