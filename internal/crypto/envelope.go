package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

// MinKeyLength is the smallest symmetric key accepted, one AES block
const MinKeyLength = aes.BlockSize

var (
	// ErrMissingInput is returned when a required envelope field is empty
	ErrMissingInput = errors.New("missing envelope input")
	// ErrInvalidKeyLength is returned when the unwrapped key is shorter than one block
	ErrInvalidKeyLength = errors.New("symmetric key shorter than block size")
	// ErrSignatureMismatch is returned when the HMAC over the payload does not match
	ErrSignatureMismatch = errors.New("data signature mismatch")
	// ErrDecryption is returned for malformed ciphertext, keys or padding
	ErrDecryption = errors.New("decryption failed")
)

// Envelope is the wire form of hybrid-encrypted resource data
type Envelope struct {
	Data          string `json:"data"`
	DataKey       string `json:"dataKey"`
	DataSignature string `json:"dataSignature"`
}

// Decrypt unwraps dataKey with the certificate private key, verifies the
// HMAC-SHA256 signature over the encrypted payload and returns the plaintext.
// The AES-CBC IV is the first block of the symmetric key.
func Decrypt(data, dataKey, signature string, cert *Certificate) ([]byte, error) {
	switch {
	case data == "":
		return nil, fmt.Errorf("%w: data", ErrMissingInput)
	case dataKey == "":
		return nil, fmt.Errorf("%w: dataKey", ErrMissingInput)
	case signature == "":
		return nil, fmt.Errorf("%w: dataSignature", ErrMissingInput)
	case cert == nil || cert.PrivateKey == nil:
		return nil, fmt.Errorf("%w: certificate private key", ErrMissingInput)
	}

	wrapped, err := base64.StdEncoding.DecodeString(dataKey)
	if err != nil {
		return nil, fmt.Errorf("%w: decode data key: %v", ErrDecryption, err)
	}
	key, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, cert.PrivateKey, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap data key: %v", ErrDecryption, err)
	}
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeyLength, len(key))
	}

	ciphertext, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode data: %v", ErrDecryption, err)
	}

	expected := sign(key, ciphertext)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return nil, ErrSignatureMismatch
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not a multiple of the block size", ErrDecryption)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, key[:aes.BlockSize]).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext)
}

// Seal encrypts plaintext the way Graph encrypts resource data: AES-CBC
// with a key-derived IV, an HMAC-SHA256 signature over the ciphertext and
// the key wrapped with RSA-OAEP-SHA1 for pub.
func Seal(plaintext []byte, key []byte, pub *rsa.PublicKey) (*Envelope, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: public key", ErrMissingInput)
	}
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeyLength, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, key[:aes.BlockSize]).CryptBlocks(ciphertext, padded)

	wrapped, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap data key: %w", err)
	}

	return &Envelope{
		Data:          base64.StdEncoding.EncodeToString(ciphertext),
		DataKey:       base64.StdEncoding.EncodeToString(wrapped),
		DataSignature: sign(key, ciphertext),
	}, nil
}

// NewDataKey returns a random AES-256 key
func NewDataKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return key, nil
}

func sign(key, data []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrDecryption)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, fmt.Errorf("%w: invalid padding", ErrDecryption)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: invalid padding", ErrDecryption)
		}
	}
	return data[:len(data)-n], nil
}
