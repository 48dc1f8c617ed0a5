package crypto

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecretGetter struct {
	value *string
	err   error
	calls int
	name  string
}

var _ SecretGetter = (*fakeSecretGetter)(nil)

func (f *fakeSecretGetter) GetSecret(_ context.Context, name string, _ string, _ *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error) {
	f.calls++
	f.name = name
	var resp azsecrets.GetSecretResponse
	resp.Value = f.value
	return resp, f.err
}

func TestNewSelfSignedCertificate(t *testing.T) {
	t.Parallel()

	cert, err := NewSelfSignedCertificate("my-cert", "webhooks", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, "my-cert", cert.ID)
	assert.Len(t, cert.Thumbprint, 40)
	assert.Equal(t, Thumbprint(cert.Leaf), cert.Thumbprint)
	assert.True(t, cert.Matches("my-cert", cert.Thumbprint))
	assert.True(t, cert.Matches("", ""))
	assert.False(t, cert.Matches("other", ""))
	assert.False(t, cert.Matches("", "00"))

	pub, err := cert.Public().PublicKey()
	require.NoError(t, err)
	assert.Equal(t, cert.PrivateKey.PublicKey.N, pub.N)
	assert.NotEmpty(t, cert.EncodedPublic())
}

func TestNewSelfSignedCertificate_DefaultID(t *testing.T) {
	t.Parallel()

	cert, err := NewSelfSignedCertificate("", "webhooks", time.Hour)
	require.NoError(t, err)
	assert.Regexp(t, `^cert-[0-9a-f]{16}$`, cert.ID)
}

func TestPEMFileSource(t *testing.T) {
	t.Parallel()
	cert := testCertificate(t)

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Leaf.Raw}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(cert.PrivateKey)}), 0o600))

	loaded, err := PEMFileSource("pem", certPath, keyPath)(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cert.Thumbprint, loaded.Thumbprint)
	assert.Equal(t, "pem", loaded.ID)
}

func TestPFXFileSource_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := PFXFileSource("", filepath.Join(t.TempDir(), "missing.pfx"), "")(context.Background())
	require.Error(t, err)
}

func TestKeyVaultSource_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	boom := errors.New("vault unavailable")
	_, err := KeyVaultSource("", &fakeSecretGetter{err: boom}, "cert")(ctx)
	require.ErrorIs(t, err, boom)

	_, err = KeyVaultSource("", &fakeSecretGetter{}, "cert")(ctx)
	require.Error(t, err)

	bad := "not base64!"
	getter := &fakeSecretGetter{value: &bad}
	_, err = KeyVaultSource("", getter, "webhooks-cert")(ctx)
	require.Error(t, err)
	assert.Equal(t, "webhooks-cert", getter.name)
}

func TestCachedProvider_LoadsOnce(t *testing.T) {
	t.Parallel()
	cert := testCertificate(t)

	calls := 0
	p := NewCachedProvider(func(context.Context) (*Certificate, error) {
		calls++
		return cert, nil
	})

	ctx := context.Background()
	dec, err := p.DecryptionCertificate(ctx)
	require.NoError(t, err)
	assert.Same(t, cert, dec)

	enc, err := p.EncryptionCertificate(ctx)
	require.NoError(t, err)
	assert.Nil(t, enc.PrivateKey)
	assert.Equal(t, cert.Thumbprint, enc.Thumbprint)
	assert.Equal(t, 1, calls)
}

func TestCachedProvider_RetriesAfterFailure(t *testing.T) {
	t.Parallel()
	cert := testCertificate(t)

	calls := 0
	p := NewCachedProvider(func(context.Context) (*Certificate, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient")
		}
		return cert, nil
	})

	_, err := p.DecryptionCertificate(context.Background())
	require.Error(t, err)

	got, err := p.DecryptionCertificate(context.Background())
	require.NoError(t, err)
	assert.Same(t, cert, got)
}
