package crypto

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"golang.org/x/crypto/pkcs12"
)

var (
	// ErrCertificateMismatch is returned when a notification was encrypted for another certificate
	ErrCertificateMismatch = errors.New("encryption certificate mismatch")
	// ErrUnsupportedKey is returned for certificates without an RSA private key
	ErrUnsupportedKey = errors.New("certificate private key is not RSA")
)

// Certificate is an X.509 certificate with its RSA private key
type Certificate struct {
	ID         string
	Leaf       *x509.Certificate
	PrivateKey *rsa.PrivateKey
	Thumbprint string
	LoadedAt   time.Time
}

// CertificateProvider resolves the certificates used for resource data
type CertificateProvider interface {
	// DecryptionCertificate returns the certificate including its private key
	DecryptionCertificate(ctx context.Context) (*Certificate, error)
	// EncryptionCertificate returns the public certificate registered with Graph
	EncryptionCertificate(ctx context.Context) (*Certificate, error)
}

// CertificateSource loads a certificate from its backing store
type CertificateSource func(ctx context.Context) (*Certificate, error)

// newCertificate builds a Certificate from a parsed leaf and key
func newCertificate(id string, leaf *x509.Certificate, key any) (*Certificate, error) {
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrUnsupportedKey
	}
	if leaf == nil {
		return nil, errors.New("missing certificate")
	}
	thumbprint := Thumbprint(leaf)
	if id == "" {
		id = "cert-" + strings.ToLower(thumbprint[:16])
	}
	return &Certificate{
		ID:         id,
		Leaf:       leaf,
		PrivateKey: rsaKey,
		Thumbprint: thumbprint,
		LoadedAt:   time.Now(),
	}, nil
}

// Thumbprint returns the SHA-1 thumbprint of a certificate as upper-case hex
func Thumbprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Public returns a copy of the certificate without its private key
func (c *Certificate) Public() *Certificate {
	return &Certificate{
		ID:         c.ID,
		Leaf:       c.Leaf,
		Thumbprint: c.Thumbprint,
		LoadedAt:   c.LoadedAt,
	}
}

// EncodedPublic returns the base64 DER form expected in a subscription's encryptionCertificate
func (c *Certificate) EncodedPublic() string {
	return base64.StdEncoding.EncodeToString(c.Leaf.Raw)
}

// PublicKey returns the RSA public key of the certificate
func (c *Certificate) PublicKey() (*rsa.PublicKey, error) {
	if c.PrivateKey != nil {
		return &c.PrivateKey.PublicKey, nil
	}
	pub, ok := c.Leaf.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, ErrUnsupportedKey
	}
	return pub, nil
}

// Matches reports whether a notification addressed to id/thumbprint was encrypted for c.
// Empty values are not checked.
func (c *Certificate) Matches(id, thumbprint string) bool {
	if thumbprint != "" && !strings.EqualFold(thumbprint, c.Thumbprint) {
		return false
	}
	if id != "" && c.ID != "" && id != c.ID {
		return false
	}
	return true
}

// NewSelfSignedCertificate generates an RSA certificate for local development
func NewSelfSignedCertificate(id, commonName string, validity time.Duration) (*Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return newCertificate(id, leaf, key)
}

// ParsePFX decodes a PKCS#12 bundle holding one certificate and its key
func ParsePFX(id string, pfx []byte, password string) (*Certificate, error) {
	key, leaf, err := pkcs12.Decode(pfx, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PFX: %w", err)
	}
	return newCertificate(id, leaf, key)
}

// ParsePEM decodes a PEM certificate and private key
func ParsePEM(id string, certPEM, keyPEM []byte) (*Certificate, error) {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PEM key pair: %w", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return newCertificate(id, leaf, pair.PrivateKey)
}

// StaticSource always returns cert
func StaticSource(cert *Certificate) CertificateSource {
	return func(context.Context) (*Certificate, error) {
		return cert, nil
	}
}

// SelfSignedSource generates a certificate on first load
func SelfSignedSource(id, commonName string) CertificateSource {
	return func(context.Context) (*Certificate, error) {
		return NewSelfSignedCertificate(id, commonName, 365*24*time.Hour)
	}
}

// PFXFileSource reads a PKCS#12 file
func PFXFileSource(id, path, password string) CertificateSource {
	return func(context.Context) (*Certificate, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read PFX file: %w", err)
		}
		return ParsePFX(id, data, password)
	}
}

// PEMFileSource reads a PEM certificate and key from disk
func PEMFileSource(id, certPath, keyPath string) CertificateSource {
	return func(context.Context) (*Certificate, error) {
		certPEM, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read certificate file: %w", err)
		}
		keyPEM, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		return ParsePEM(id, certPEM, keyPEM)
	}
}

// SecretGetter reads a Key Vault secret. *azsecrets.Client satisfies it.
type SecretGetter interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
}

// NewKeyVaultClient creates a secrets client for vaultURL
func NewKeyVaultClient(vaultURL string, cred azcore.TokenCredential) (*azsecrets.Client, error) {
	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create key vault client: %w", err)
	}
	return client, nil
}

// KeyVaultSource reads a certificate stored in Key Vault. A certificate's
// backing secret holds the base64 PFX with an empty password.
func KeyVaultSource(id string, client SecretGetter, name string) CertificateSource {
	return func(ctx context.Context) (*Certificate, error) {
		resp, err := client.GetSecret(ctx, name, "", nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read key vault secret %s: %w", name, err)
		}
		if resp.Value == nil || *resp.Value == "" {
			return nil, fmt.Errorf("key vault secret %s is empty", name)
		}
		pfx, err := base64.StdEncoding.DecodeString(*resp.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to decode key vault secret %s: %w", name, err)
		}
		return ParsePFX(id, pfx, "")
	}
}

// CachedProvider loads a certificate once and serves it for the process lifetime
type CachedProvider struct {
	source CertificateSource
	cert   *Certificate
	mu     sync.Mutex
}

// NewCachedProvider creates a provider backed by source
func NewCachedProvider(source CertificateSource) *CachedProvider {
	return &CachedProvider{source: source}
}

func (p *CachedProvider) load(ctx context.Context) (*Certificate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cert != nil {
		return p.cert, nil
	}
	cert, err := p.source(ctx)
	if err != nil {
		return nil, err
	}
	p.cert = cert
	return cert, nil
}

// DecryptionCertificate returns the cached certificate with its private key
func (p *CachedProvider) DecryptionCertificate(ctx context.Context) (*Certificate, error) {
	return p.load(ctx)
}

// EncryptionCertificate returns the public half of the cached certificate
func (p *CachedProvider) EncryptionCertificate(ctx context.Context) (*Certificate, error) {
	cert, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	return cert.Public(), nil
}
