package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const (
	// MaxSignedURLExpiry is the V4 signing ceiling.
	MaxSignedURLExpiry     = 7 * 24 * time.Hour
	defaultPrintFileExpiry = MaxSignedURLExpiry
	httpMethodGet          = "GET"
)

var (
	errNoSigner       = errors.New("storage: signer is required")
	errInvalidBucket  = errors.New("storage: bucket name is required")
	errInvalidObject  = errors.New("storage: object name is required")
	errExpiryTooLong  = errors.New("storage: expiry exceeds permitted maximum")
	errForeignBucket  = errors.New("storage: object is outside the print-file bucket")
	errUnsupportedRef = errors.New("storage: unsupported print file reference")
)

// PrintFiles issues read-only signed URLs that manufacturers use to download artwork.
type PrintFiles struct {
	bucket string
	signer Signer
	scheme gcs.SigningScheme
	expiry time.Duration
	now    func() time.Time
}

// Option customises PrintFiles.
type Option func(*PrintFiles)

// WithExpiry overrides the signed URL lifetime.
func WithExpiry(expiry time.Duration) Option {
	return func(p *PrintFiles) {
		if expiry > 0 {
			p.expiry = expiry
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) Option {
	return func(p *PrintFiles) {
		if clock != nil {
			p.now = clock
		}
	}
}

// NewPrintFiles constructs a signer for objects in the print-file bucket.
func NewPrintFiles(bucket string, signer Signer, opts ...Option) (*PrintFiles, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}
	p := &PrintFiles{
		bucket: bucket,
		signer: signer,
		scheme: gcs.SigningSchemeV4,
		expiry: defaultPrintFileExpiry,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.expiry > MaxSignedURLExpiry {
		return nil, errExpiryTooLong
	}
	return p, nil
}

// Resolve turns a catalog print_file reference into a fetchable URL. Absolute http(s)
// URLs pass through; gs:// URLs and bare object paths are signed.
func (p *PrintFiles) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errInvalidObject
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUnsupportedRef, err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return ref, nil
	case "gs":
		if parsed.Host != p.bucket {
			return "", fmt.Errorf("%w: %s", errForeignBucket, parsed.Host)
		}
		return p.SignedURL(ctx, strings.TrimPrefix(parsed.Path, "/"))
	case "":
		return p.SignedURL(ctx, strings.TrimPrefix(ref, "/"))
	default:
		return "", fmt.Errorf("%w: scheme %q", errUnsupportedRef, parsed.Scheme)
	}
}

// SignedURL creates a V4 GET URL for the object.
func (p *PrintFiles) SignedURL(ctx context.Context, object string) (string, error) {
	if p == nil || p.signer == nil {
		return "", errNoSigner
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return "", errInvalidObject
	}
	opts := &gcs.SignedURLOptions{
		GoogleAccessID: p.signer.Email(),
		Scheme:         p.scheme,
		Method:         httpMethodGet,
		Expires:        p.now().Add(p.expiry),
		SignBytes: func(payload []byte) ([]byte, error) {
			return p.signer.SignBytes(ctx, payload)
		},
	}
	signed, err := gcs.SignedURL(p.bucket, object, opts)
	if err != nil {
		return "", fmt.Errorf("storage: sign print file url: %w", err)
	}
	return signed, nil
}
