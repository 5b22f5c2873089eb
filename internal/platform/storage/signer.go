package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	gcs "cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
)

// Signer signs the canonical request for a V4 signed URL.
type Signer interface {
	// Email is the service account used as GoogleAccessID.
	Email() string
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

// KeySigner signs print-file URLs with a downloaded service account key.
type KeySigner struct {
	email string
	key   *rsa.PrivateKey
}

// LoadSigner reads the key from inline JSON, else from path. Neither set means URL signing is
// disabled and the result is nil.
func LoadSigner(inline, path string) (*KeySigner, error) {
	data := []byte(strings.TrimSpace(inline))
	if len(data) == 0 && strings.TrimSpace(path) != "" {
		var err error
		if data, err = os.ReadFile(strings.TrimSpace(path)); err != nil {
			return nil, fmt.Errorf("storage: read service account key: %w", err)
		}
	}
	if len(data) == 0 {
		return nil, nil
	}
	return ParseServiceAccountKey(data)
}

// ParseServiceAccountKey accepts the JSON key format issued by IAM.
func ParseServiceAccountKey(data []byte) (*KeySigner, error) {
	jwt, err := google.JWTConfigFromJSON(data, gcs.ScopeReadOnly)
	if err != nil {
		return nil, fmt.Errorf("storage: service account key: %w", err)
	}
	if strings.TrimSpace(jwt.Email) == "" {
		return nil, errors.New("storage: service account key has no client_email")
	}
	key, err := decodeRSAKey(jwt.PrivateKey)
	if err != nil {
		return nil, err
	}
	return &KeySigner{email: jwt.Email, key: key}, nil
}

func (s *KeySigner) Email() string {
	if s == nil {
		return ""
	}
	return s.email
}

// SignBytes produces an RSA PKCS#1 v1.5 signature over the SHA-256 of payload.
func (s *KeySigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, errNoSigner
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	return rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
}

func decodeRSAKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("storage: service account key has no PEM private_key")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		// Older keys are PKCS#1.
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("storage: service account key is not RSA")
	}
	return key, nil
}
