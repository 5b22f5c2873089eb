package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

const replayPath = "/api/v1/internal/fulfillment/replay"

func signedRequest(t *testing.T, secret, key string, body []byte, ts time.Time, nonce string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, replayPath, bytes.NewReader(body))
	req.Header.Set(defaultKeyHeader, key)
	req.Header.Set(defaultSignatureHeader, Sign([]byte(secret), req, body, ts, nonce))
	req.Header.Set(defaultTimestampHeader, strconv.FormatInt(ts.Unix(), 10))
	req.Header.Set(defaultNonceHeader, nonce)
	return req
}

func nonceStoreAt(now time.Time) *InMemoryNonceStore {
	store := NewInMemoryNonceStore()
	store.now = func() time.Time { return now }
	return store
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	code, _ := payload["error"].(string)
	return code
}

func TestRequireSignedKeySuccess(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	validator := NewHMACValidator(StaticSecrets{"ops": "ops-secret"}, nonceStoreAt(now),
		WithHMACClock(func() time.Time { return now }),
	)

	body := []byte(`{"sessionId":"cs_test_123"}`)
	req := signedRequest(t, "ops-secret", "OPS", body, now, "nonce-1")

	rr := httptest.NewRecorder()
	validator.RequireSignedKey()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFromContext(r.Context())
		if !ok || caller.KeyName != "ops" || caller.Nonce != "nonce-1" {
			t.Fatalf("unexpected caller %+v", caller)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload["sessionId"] != "cs_test_123" {
			t.Fatalf("body not restored: %v %v", payload, err)
		}
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestRequireSignedKeyRejectsReplay(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	validator := NewHMACValidator(StaticSecrets{"ops": "ops-secret"}, nonceStoreAt(now),
		WithHMACClock(func() time.Time { return now }),
	)
	body := []byte(`{"sessionId":"cs_test_123"}`)
	handler := validator.RequireSignedKey()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, signedRequest(t, "ops-secret", "ops", body, now, "nonce-2"))
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, signedRequest(t, "ops-secret", "ops", body, now, "nonce-2"))
	if second.Code != http.StatusUnauthorized || errorCode(t, second) != "nonce_replay" {
		t.Fatalf("expected replay rejection, got %d %s", second.Code, second.Body.String())
	}
}

func TestRequireSignedKeyFailures(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"sessionId":"cs_test_123"}`)

	tests := []struct {
		name     string
		request  func() *http.Request
		wantCode string
		status   int
	}{
		{
			name: "missing key header",
			request: func() *http.Request {
				req := signedRequest(t, "ops-secret", "ops", body, now, "n1")
				req.Header.Del(defaultKeyHeader)
				return req
			},
			wantCode: "key_missing",
			status:   http.StatusUnauthorized,
		},
		{
			name: "unknown key",
			request: func() *http.Request {
				return signedRequest(t, "ops-secret", "cron", body, now, "n2")
			},
			wantCode: "unknown_key",
			status:   http.StatusUnauthorized,
		},
		{
			name: "wrong secret",
			request: func() *http.Request {
				return signedRequest(t, "not-the-secret", "ops", body, now, "n3")
			},
			wantCode: "signature_mismatch",
			status:   http.StatusUnauthorized,
		},
		{
			name: "tampered body",
			request: func() *http.Request {
				req := signedRequest(t, "ops-secret", "ops", body, now, "n4")
				req.Body = http.NoBody
				return req
			},
			wantCode: "signature_mismatch",
			status:   http.StatusUnauthorized,
		},
		{
			name: "timestamp skew",
			request: func() *http.Request {
				return signedRequest(t, "ops-secret", "ops", body, now.Add(-10*time.Minute), "n5")
			},
			wantCode: "timestamp_skew",
			status:   http.StatusUnauthorized,
		},
		{
			name: "missing nonce",
			request: func() *http.Request {
				req := signedRequest(t, "ops-secret", "ops", body, now, "n6")
				req.Header.Del(defaultNonceHeader)
				return req
			},
			wantCode: "nonce_missing",
			status:   http.StatusUnauthorized,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			validator := NewHMACValidator(StaticSecrets{"ops": "ops-secret"}, nonceStoreAt(now),
				WithHMACClock(func() time.Time { return now }),
			)
			rr := httptest.NewRecorder()
			validator.RequireSignedKey()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatalf("handler must not run")
			})).ServeHTTP(rr, tc.request())

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if got := errorCode(t, rr); got != tc.wantCode {
				t.Fatalf("expected error %q, got %q", tc.wantCode, got)
			}
		})
	}
}

func TestRequireHMACNonceStoreUnavailable(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	validator := NewHMACValidator(SecretProviderFunc(func(context.Context, string) (string, error) {
		return "ops-secret", nil
	}), nil, WithHMACClock(func() time.Time { return now }))

	body := []byte(`{}`)
	rr := httptest.NewRecorder()
	validator.RequireHMAC("ops")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run without a nonce store")
	})).ServeHTTP(rr, signedRequest(t, "ops-secret", "ops", body, now, "n7"))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestStaticSecrets(t *testing.T) {
	secrets := StaticSecrets{"ops": "value", "empty": " "}
	if got, err := secrets.GetSecret(context.Background(), " OPS "); err != nil || got != "value" {
		t.Fatalf("unexpected lookup %q %v", got, err)
	}
	if _, err := secrets.GetSecret(context.Background(), "empty"); err == nil {
		t.Fatalf("blank secret should be rejected")
	}
	if _, err := SecretProviderFunc(nil).GetSecret(context.Background(), "ops"); err == nil {
		t.Fatalf("nil provider func should error, got %v", err)
	}
}

func TestParseSignatureTimestamp(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, raw := range []string{"1709294400", "2024-03-01T12:00:00Z"} {
		got, err := parseSignatureTimestamp(raw)
		if err != nil || !got.Equal(want) {
			t.Fatalf("parse %q = %v, %v", raw, got, err)
		}
	}
	if _, err := parseSignatureTimestamp("yesterday"); err == nil {
		t.Fatalf("expected error for invalid timestamp")
	}
}
