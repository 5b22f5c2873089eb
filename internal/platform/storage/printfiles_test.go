package storage

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"
)

type fakeSigner struct {
	email    string
	payloads [][]byte
	err      error
}

func (f *fakeSigner) Email() string {
	return f.email
}

func (f *fakeSigner) SignBytes(_ context.Context, payload []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	return []byte("signed"), nil
}

func TestResolveSignsObjectPath(t *testing.T) {
	signer := &fakeSigner{email: "prints@example.iam.gserviceaccount.com"}
	files, err := NewPrintFiles("lyrion-print-files", signer, WithClock(time.Now))
	if err != nil {
		t.Fatalf("new print files: %v", err)
	}

	signed, err := files.Resolve(context.Background(), "/prints/aries-hood.png")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	parsed, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.Contains(parsed.Path, "prints/aries-hood.png") {
		t.Fatalf("expected object in path, got %s", parsed.Path)
	}
	query := parsed.Query()
	if query.Get("X-Goog-Signature") == "" {
		t.Fatalf("expected signature in query: %s", parsed.RawQuery)
	}
	expires, err := strconv.Atoi(query.Get("X-Goog-Expires"))
	if err != nil || expires < 604000 || expires > 604800 {
		t.Fatalf("expected seven day expiry, got %s", query.Get("X-Goog-Expires"))
	}
	if len(signer.payloads) != 1 {
		t.Fatalf("expected signer invoked once")
	}
}

func TestResolvePassesThroughAbsoluteURL(t *testing.T) {
	signer := &fakeSigner{email: "prints@example.iam.gserviceaccount.com"}
	files, err := NewPrintFiles("lyrion-print-files", signer)
	if err != nil {
		t.Fatalf("new print files: %v", err)
	}
	const ref = "https://cdn.example.com/aries.png"
	got, err := files.Resolve(context.Background(), ref)
	if err != nil || got != ref {
		t.Fatalf("expected passthrough, got %q %v", got, err)
	}
	if len(signer.payloads) != 0 {
		t.Fatalf("expected no signing for absolute url")
	}
}

func TestResolveGSURL(t *testing.T) {
	signer := &fakeSigner{email: "prints@example.iam.gserviceaccount.com"}
	files, err := NewPrintFiles("lyrion-print-files", signer)
	if err != nil {
		t.Fatalf("new print files: %v", err)
	}
	if _, err := files.Resolve(context.Background(), "gs://lyrion-print-files/prints/leo.png"); err != nil {
		t.Fatalf("resolve gs url: %v", err)
	}
	if _, err := files.Resolve(context.Background(), "gs://other-bucket/prints/leo.png"); !errors.Is(err, errForeignBucket) {
		t.Fatalf("expected foreign bucket rejection, got %v", err)
	}
	if _, err := files.Resolve(context.Background(), "ftp://host/file.png"); !errors.Is(err, errUnsupportedRef) {
		t.Fatalf("expected unsupported scheme, got %v", err)
	}
	if _, err := files.Resolve(context.Background(), " "); !errors.Is(err, errInvalidObject) {
		t.Fatalf("expected invalid object, got %v", err)
	}
}

func TestNewPrintFilesValidation(t *testing.T) {
	signer := &fakeSigner{email: "prints@example.iam.gserviceaccount.com"}
	if _, err := NewPrintFiles("", signer); !errors.Is(err, errInvalidBucket) {
		t.Fatalf("expected bucket error, got %v", err)
	}
	if _, err := NewPrintFiles("bucket", &fakeSigner{}); !errors.Is(err, errNoSigner) {
		t.Fatalf("expected signer error, got %v", err)
	}
	if _, err := NewPrintFiles("bucket", signer, WithExpiry(8*24*time.Hour)); !errors.Is(err, errExpiryTooLong) {
		t.Fatalf("expected expiry error, got %v", err)
	}
}

func TestSignedURLPropagatesSignerError(t *testing.T) {
	signer := &fakeSigner{email: "prints@example.iam.gserviceaccount.com", err: errors.New("kms down")}
	files, err := NewPrintFiles("bucket", signer)
	if err != nil {
		t.Fatalf("new print files: %v", err)
	}
	if _, err := files.SignedURL(context.Background(), "object.png"); err == nil {
		t.Fatalf("expected signer error")
	}
}

func TestLoadSignerEmpty(t *testing.T) {
	signer, err := LoadSigner("", "")
	if err != nil || signer != nil {
		t.Fatalf("expected nil signer without configuration, got %v %v", signer, err)
	}
	if _, err := LoadSigner(`{"client_email":"a@b"}`, ""); err == nil {
		t.Fatalf("expected missing private key error")
	}
}
