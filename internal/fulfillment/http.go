package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
)

const (
	idempotencyHeader = "Idempotency-Key"
	defaultTimeout    = 15 * time.Second
	maxErrorBody      = 2 << 10
	maxResponseBody   = 1 << 20
)

// AuthScheme names the header carrying the provider credential.
type AuthScheme struct {
	Header string
	Prefix string
}

// BearerAuth sends "Authorization: Bearer <token>".
var BearerAuth = AuthScheme{Header: "Authorization", Prefix: "Bearer "}

// OutboundRequest is a provider order-creation call before it is sent.
type OutboundRequest struct {
	Path string
	Body any
}

// RequestBuilder shapes provider-specific order requests. Adding a provider means adding a
// builder; HTTPAdapter owns transport.
type RequestBuilder interface {
	Provider() domain.ProviderID
	Auth() AuthScheme
	BuildRequest(ctx context.Context, item domain.NormalizedOrderItem) (OutboundRequest, error)
	OrderReference(body []byte) string
}

// HTTPConfig configures transport for an HTTP provider.
type HTTPConfig struct {
	BaseURL    string
	Credential string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPAdapter sends a builder's request as a single POST.
type HTTPAdapter struct {
	builder    RequestBuilder
	baseURL    string
	credential string
	http       *http.Client
}

// NewHTTPAdapter wraps a builder with the shared send path.
func NewHTTPAdapter(builder RequestBuilder, cfg HTTPConfig) (*HTTPAdapter, error) {
	if builder == nil {
		return nil, errors.New("fulfillment: request builder is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("fulfillment: %s base url is required", builder.Provider())
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("fulfillment: %s base url invalid: %w", builder.Provider(), err)
	}
	credential := strings.TrimSpace(cfg.Credential)
	if credential == "" {
		return nil, fmt.Errorf("fulfillment: %s credential is required", builder.Provider())
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &HTTPAdapter{
		builder:    builder,
		baseURL:    base,
		credential: credential,
		http:       client,
	}, nil
}

// Provider returns the builder's provider identifier.
func (a *HTTPAdapter) Provider() domain.ProviderID {
	return a.builder.Provider()
}

// Fulfill builds and sends the order request.
func (a *HTTPAdapter) Fulfill(ctx context.Context, item domain.NormalizedOrderItem) (Result, error) {
	req, err := a.builder.BuildRequest(ctx, item)
	if err != nil {
		return Result{}, err
	}
	return a.send(ctx, item.IdempotencyKey(), req)
}

func (a *HTTPAdapter) send(ctx context.Context, idempotencyKey string, out OutboundRequest) (Result, error) {
	provider := a.builder.Provider()
	payload, err := json.Marshal(out.Body)
	if err != nil {
		return Result{}, fmt.Errorf("fulfillment: encode %s request: %w", provider, err)
	}

	endpoint := a.baseURL + "/" + strings.TrimLeft(out.Path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("fulfillment: build %s request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	auth := a.builder.Auth()
	req.Header.Set(auth.Header, auth.Prefix+a.credential)
	if idempotencyKey != "" {
		req.Header.Set(idempotencyHeader, idempotencyKey)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return Result{}, &ProviderError{Provider: provider, Err: err}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &ProviderError{
			Provider: provider,
			Status:   resp.StatusCode,
			Body:     truncate(string(body), maxErrorBody),
		}
	}
	if readErr != nil {
		return Result{}, &ProviderError{Provider: provider, Status: resp.StatusCode, Err: readErr}
	}

	return Result{
		ProviderOrderID: a.builder.OrderReference(body),
		Detail:          fmt.Sprintf("%s accepted order (status %d)", provider, resp.StatusCode),
	}, nil
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}

// referenceFrom decodes the first non-empty id found at the given JSON paths.
func referenceFrom(body []byte, paths ...[]string) string {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	for _, path := range paths {
		var cur any = doc
		for _, key := range path {
			obj, ok := cur.(map[string]any)
			if !ok {
				cur = nil
				break
			}
			cur = obj[key]
		}
		switch v := cur.(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
