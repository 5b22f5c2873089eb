package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/httpx"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/requestctx"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"
	defaultKeyHeader       = "X-Signature-Key"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute

	maxSignedBodyBytes = 1 << 20
)

// SecretProvider resolves shared secrets used for HMAC validation.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to the SecretProvider interface.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// StaticSecrets serves already-resolved secrets keyed by caller name.
type StaticSecrets map[string]string

// GetSecret implements SecretProvider.
func (s StaticSecrets) GetSecret(_ context.Context, name string) (string, error) {
	secret, ok := s[strings.ToLower(strings.TrimSpace(name))]
	if !ok || strings.TrimSpace(secret) == "" {
		return "", fmt.Errorf("auth: no secret configured for %q", name)
	}
	return secret, nil
}

// NonceStore tracks unique nonces for replay prevention.
type NonceStore interface {
	// UseNonce records the nonce if it has not been seen before within the scope. The boolean indicates
	// whether the nonce was stored (true) or already existed (false).
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore is a process-local nonce registry. Internal callers hit a single instance.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
	now    func() time.Time
}

// NewInMemoryNonceStore constructs the store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{nonces: make(map[string]time.Time), now: time.Now}
}

// UseNonce records the nonce until the provided expiry, rejecting replays until then.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}

	key := scope + "::" + nonce

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.nonces {
		if exp.Before(now) {
			delete(s.nonces, k)
		}
	}

	if expiry.Before(now) {
		return false, errors.New("auth: nonce expiry is in the past")
	}

	if existing, ok := s.nonces[key]; ok && existing.After(now) {
		return false, nil
	}

	s.nonces[key] = expiry
	return true, nil
}

// HMACValidator verifies signed requests from trusted internal callers.
type HMACValidator struct {
	provider SecretProvider
	nonces   NonceStore

	logger        *zap.Logger
	verifications metric.Int64Counter
	now           func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string
	keyHeader       string

	clockSkew time.Duration
	nonceTTL  time.Duration

	secretCache sync.Map
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// NewHMACValidator builds a validator using the given secret provider and nonce store.
func NewHMACValidator(provider SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	validator := &HMACValidator{
		provider:        provider,
		nonces:          nonces,
		logger:          zap.NewNop(),
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		keyHeader:       defaultKeyHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}

	return validator
}

// WithHMACLogger overrides the validator logger.
func WithHMACLogger(logger *zap.Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger.Named("hmac")
		}
	}
}

// WithHMACMeter registers a verification counter on the meter.
func WithHMACMeter(meter metric.Meter) HMACOption {
	return func(v *HMACValidator) {
		if meter == nil {
			return
		}
		counter, err := meter.Int64Counter(
			"auth.hmac.verifications",
			metric.WithDescription("Signed internal request verifications by result"),
		)
		if err == nil {
			v.verifications = counter
		}
	}
}

// WithHMACClock injects a custom clock, primarily for tests.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders customises the header names used by the middleware.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

// WithHMACClockSkew adjusts the accepted timestamp skew.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// WithHMACNonceTTL customises the nonce retention duration.
func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// Caller describes the verified signer of an internal request.
type Caller struct {
	KeyName   string
	Timestamp time.Time
	Nonce     string
}

type callerContextKey struct{}

// WithCaller stores the verified caller on the context.
func WithCaller(ctx context.Context, caller *Caller) context.Context {
	if caller == nil {
		return ctx
	}
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext retrieves the verified caller from the context.
func CallerFromContext(ctx context.Context) (*Caller, bool) {
	if ctx == nil {
		return nil, false
	}
	caller, ok := ctx.Value(callerContextKey{}).(*Caller)
	if !ok || caller == nil {
		return nil, false
	}
	return caller, true
}

// rejection is a failed verification: the HTTP answer plus the metric reason.
type rejection struct {
	status  int
	code    string
	message string
	reason  string
}

func reject(status int, code, message string) *rejection {
	return &rejection{status: status, code: code, message: message, reason: code}
}

// RequireSignedKey verifies requests against the key named in the key header. Replay operators
// each hold their own key so the ledger records who triggered a run.
func (v *HMACValidator) RequireSignedKey() func(http.Handler) http.Handler {
	return v.guard(func(r *http.Request) string {
		return strings.ToLower(strings.TrimSpace(r.Header.Get(v.keyHeader)))
	})
}

// RequireHMAC verifies requests against a single named secret.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	name := strings.TrimSpace(secretName)
	return v.guard(func(*http.Request) string { return name })
}

func (v *HMACValidator) guard(keyOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			caller, rej := v.verify(w, r, keyOf(r))
			if rej != nil {
				v.record(ctx, false, rej.reason)
				httpx.WriteError(ctx, w, httpx.NewError(rej.code, rej.message, rej.status))
				return
			}
			v.record(ctx, true, "ok")
			ctx = requestctx.WithLogger(ctx, requestctx.Logger(ctx).With(zap.String("caller", caller.KeyName)))
			next.ServeHTTP(w, r.WithContext(WithCaller(ctx, caller)))
		})
	}
}

// verify checks, in order: key, headers, clock skew, signature over the canonical request, and
// finally the nonce. The nonce is consumed only once the signature is known to be good.
func (v *HMACValidator) verify(w http.ResponseWriter, r *http.Request, key string) (*Caller, *rejection) {
	ctx := r.Context()
	if key == "" {
		return nil, reject(http.StatusUnauthorized, "key_missing", "signature key header missing")
	}
	secret, err := v.loadSecret(ctx, key)
	if err != nil {
		v.logger.Warn("hmac secret lookup failed", zap.String("key", key), zap.Error(err))
		rej := reject(http.StatusUnauthorized, "unknown_key", "signature key not recognised")
		rej.reason = "secret_unavailable"
		return nil, rej
	}

	sigHeader := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	tsHeader := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	switch {
	case sigHeader == "":
		return nil, reject(http.StatusUnauthorized, "signature_missing", "signature header missing")
	case tsHeader == "":
		return nil, reject(http.StatusUnauthorized, "timestamp_missing", "signature timestamp missing")
	}
	signedAt, err := parseSignatureTimestamp(tsHeader)
	if err != nil {
		return nil, reject(http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid")
	}
	now := v.now()
	if skew := now.Sub(signedAt); skew > v.clockSkew || skew < -v.clockSkew {
		return nil, reject(http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window")
	}
	if nonce == "" {
		return nil, reject(http.StatusUnauthorized, "nonce_missing", "signature nonce missing")
	}

	body, err := readAndRestoreBody(w, r)
	if err != nil {
		rej := reject(http.StatusBadRequest, "invalid_body", "unable to read body for signature verification")
		rej.reason = "body_unreadable"
		return nil, rej
	}
	signature, err := decodeSignature(sigHeader)
	if err != nil {
		return nil, reject(http.StatusUnauthorized, "signature_invalid", "signature encoding invalid")
	}
	if !hmac.Equal(signature, computeHMAC(secret, buildCanonicalString(r, body, tsHeader, nonce))) {
		return nil, reject(http.StatusUnauthorized, "signature_mismatch", "signature verification failed")
	}

	if v.nonces == nil {
		rej := reject(http.StatusServiceUnavailable, "verification_unavailable", "nonce store unavailable")
		rej.reason = "nonce_store_unavailable"
		return nil, rej
	}
	expiry := signedAt.Add(v.nonceTTL)
	if expiry.Before(now) {
		expiry = now.Add(v.nonceTTL)
	}
	fresh, err := v.nonces.UseNonce(ctx, key, nonce, expiry)
	if err != nil {
		v.logger.Error("nonce store error", zap.Error(err))
		rej := reject(http.StatusServiceUnavailable, "verification_unavailable", "nonce storage error")
		rej.reason = "nonce_store_error"
		return nil, rej
	}
	if !fresh {
		return nil, reject(http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce")
	}
	return &Caller{KeyName: key, Timestamp: signedAt, Nonce: nonce}, nil
}

// Sign computes the headers a caller attaches to a request for the named key.
func Sign(secret []byte, r *http.Request, body []byte, timestamp time.Time, nonce string) string {
	canonical := buildCanonicalString(r, body, strconv.FormatInt(timestamp.Unix(), 10), nonce)
	return base64.StdEncoding.EncodeToString(computeHMAC(secret, canonical))
}

func (v *HMACValidator) record(ctx context.Context, success bool, reason string) {
	if v == nil || v.verifications == nil {
		return
	}
	v.verifications.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
		attribute.String("reason", reason),
	))
}

func (v *HMACValidator) loadSecret(ctx context.Context, name string) ([]byte, error) {
	if v == nil || v.provider == nil {
		return nil, errors.New("auth: secret provider not configured")
	}

	if cached, ok := v.secretCache.Load(name); ok {
		if secret, ok := cached.([]byte); ok && len(secret) > 0 {
			return secret, nil
		}
	}

	raw, err := v.provider.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}

	secret := []byte(raw)
	if len(secret) == 0 {
		return nil, errors.New("auth: secret is empty")
	}

	v.secretCache.Store(name, secret)
	return secret, nil
}

func readAndRestoreBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	buf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSignedBodyBytes))
	if err != nil {
		return nil, err
	}

	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("auth: timestamp empty")
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

// buildCanonicalString is METHOD, escaped path, timestamp, nonce and hex body digest joined by newlines.
func buildCanonicalString(r *http.Request, body []byte, timestamp, nonce string) []byte {
	method := strings.ToUpper(r.Method)
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}

	hash := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		method,
		path,
		timestamp,
		nonce,
		hex.EncodeToString(hash[:]),
	}, "\n"))
}

func computeHMAC(secret []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
