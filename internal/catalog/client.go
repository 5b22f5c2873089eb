package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
)

const (
	defaultTimeout     = 5 * time.Second
	maxSnapshotBytes   = 8 << 20
	maxBundleMembers   = 32
	snapshotAcceptType = "application/json"
)

// ErrRoutingUnavailable is returned when the routing snapshot cannot be fetched or decoded.
var ErrRoutingUnavailable = errors.New("catalog: routing snapshot unavailable")

// Source yields a routing snapshot for one webhook event.
type Source interface {
	Fetch(ctx context.Context) (domain.Snapshot, error)
}

// Logger receives catalog diagnostics.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Config configures the HTTP snapshot client.
type Config struct {
	URL        string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Clock      func() time.Time
	Logger     Logger
}

// Client fetches the routing snapshot over HTTP. It keeps no state between fetches.
type Client struct {
	url    string
	token  string
	http   *http.Client
	clock  func() time.Time
	logger Logger
}

// NewClient constructs a snapshot client for the configured catalog URL.
func NewClient(cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.URL)
	if endpoint == "" {
		return nil, errors.New("catalog: snapshot url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Client{
		url:    endpoint,
		token:  strings.TrimSpace(cfg.Token),
		http:   httpClient,
		clock:  clock,
		logger: logger,
	}, nil
}

// Fetch retrieves and decodes a fresh snapshot.
func (c *Client) Fetch(ctx context.Context) (domain.Snapshot, error) {
	if c == nil {
		return domain.Snapshot{}, fmt.Errorf("%w: client not configured", ErrRoutingUnavailable)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("%w: %v", ErrRoutingUnavailable, err)
	}
	req.Header.Set("Accept", snapshotAcceptType)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("%w: %v", ErrRoutingUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes+1))
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("%w: read body: %v", ErrRoutingUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.Snapshot{}, fmt.Errorf("%w: status %d", ErrRoutingUnavailable, resp.StatusCode)
	}
	if len(body) > maxSnapshotBytes {
		return domain.Snapshot{}, fmt.Errorf("%w: snapshot exceeds %d bytes", ErrRoutingUnavailable, maxSnapshotBytes)
	}

	snapshot, rejected, err := Decode(body)
	if err != nil {
		return domain.Snapshot{}, err
	}
	snapshot.FetchedAt = c.clock().UTC()

	fields := map[string]any{
		"version": snapshot.Version,
		"entries": len(snapshot.Entries),
	}
	if len(rejected) > 0 {
		fields["rejected"] = rejected
	}
	c.logger(ctx, "catalog.snapshot.fetched", fields)
	return snapshot, nil
}

type wireEntry struct {
	Provider    string          `json:"provider"`
	ProviderSKU string          `json:"provider_sku"`
	Type        string          `json:"type"`
	BundleItems []string        `json:"bundleItems"`
	Price       decimal.Decimal `json:"price"`
	Currency    string          `json:"currency"`
	Title       string          `json:"title"`
	PrintFile   string          `json:"print_file"`
}

// Decode parses a snapshot body. Entries with an unknown provider or type are left out
// of the snapshot and reported by SKU, so they surface as unroutable at dispatch time.
func Decode(body []byte) (domain.Snapshot, []string, error) {
	var raw map[string]wireEntry
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.Snapshot{}, nil, fmt.Errorf("%w: decode: %v", ErrRoutingUnavailable, err)
	}
	if raw == nil {
		return domain.Snapshot{}, nil, fmt.Errorf("%w: empty snapshot", ErrRoutingUnavailable)
	}

	sum := sha256.Sum256(body)
	snapshot := domain.Snapshot{
		Version: hex.EncodeToString(sum[:8]),
		Entries: make(map[string]domain.RoutingEntry, len(raw)),
	}
	var rejected []string
	for sku, wire := range raw {
		sku = strings.TrimSpace(sku)
		entry, ok := wire.toEntry(sku)
		if !ok {
			rejected = append(rejected, sku)
			continue
		}
		snapshot.Entries[sku] = entry
	}
	sort.Strings(rejected)
	return snapshot, rejected, nil
}

func (w wireEntry) toEntry(sku string) (domain.RoutingEntry, bool) {
	if sku == "" {
		return domain.RoutingEntry{}, false
	}
	provider, ok := domain.ParseProviderID(w.Provider)
	if !ok {
		return domain.RoutingEntry{}, false
	}
	itemType, ok := parseItemType(w.Type, provider)
	if !ok {
		return domain.RoutingEntry{}, false
	}
	entry := domain.RoutingEntry{
		SKU:         sku,
		Provider:    provider,
		ProviderSKU: strings.TrimSpace(w.ProviderSKU),
		Type:        itemType,
		Price:       w.Price,
		Currency:    strings.ToUpper(strings.TrimSpace(w.Currency)),
		Title:       strings.TrimSpace(w.Title),
		PrintFile:   strings.TrimSpace(w.PrintFile),
	}
	if itemType == domain.ItemTypeBundle {
		if len(w.BundleItems) == 0 || len(w.BundleItems) > maxBundleMembers {
			return domain.RoutingEntry{}, false
		}
		members := make([]string, 0, len(w.BundleItems))
		for _, member := range w.BundleItems {
			if member = strings.TrimSpace(member); member != "" {
				members = append(members, member)
			}
		}
		entry.BundleMembers = members
	}
	return entry, true
}

func parseItemType(raw string, provider domain.ProviderID) (domain.ItemType, bool) {
	switch domain.ItemType(strings.ToLower(strings.TrimSpace(raw))) {
	case domain.ItemTypePhysical:
		return domain.ItemTypePhysical, true
	case domain.ItemTypeDigital:
		return domain.ItemTypeDigital, true
	case domain.ItemTypeBundle:
		return domain.ItemTypeBundle, true
	case domain.ItemTypeTicket:
		return domain.ItemTypeTicket, true
	case domain.ItemTypeDonation:
		return domain.ItemTypeDonation, true
	case "":
		switch provider {
		case domain.ProviderBundle:
			return domain.ItemTypeBundle, true
		case domain.ProviderDigital:
			return domain.ItemTypeDigital, true
		case domain.ProviderTicketing:
			return domain.ItemTypeTicket, true
		default:
			return domain.ItemTypePhysical, true
		}
	default:
		return "", false
	}
}

// StaticSource serves a fixed snapshot. Used for local runs and tests.
type StaticSource struct {
	Snapshot domain.Snapshot
	Err      error
}

// NewStaticSource builds a StaticSource from routing entries.
func NewStaticSource(entries ...domain.RoutingEntry) *StaticSource {
	snapshot := domain.Snapshot{
		Version: "static",
		Entries: make(map[string]domain.RoutingEntry, len(entries)),
	}
	for _, entry := range entries {
		snapshot.Entries[entry.SKU] = entry
	}
	return &StaticSource{Snapshot: snapshot}
}

// Fetch returns a copy of the configured snapshot.
func (s *StaticSource) Fetch(context.Context) (domain.Snapshot, error) {
	if s == nil {
		return domain.Snapshot{}, fmt.Errorf("%w: static source not configured", ErrRoutingUnavailable)
	}
	if s.Err != nil {
		return domain.Snapshot{}, fmt.Errorf("%w: %v", ErrRoutingUnavailable, s.Err)
	}
	out := domain.Snapshot{
		Version:   s.Snapshot.Version,
		FetchedAt: s.Snapshot.FetchedAt,
		Entries:   make(map[string]domain.RoutingEntry, len(s.Snapshot.Entries)),
	}
	for sku, entry := range s.Snapshot.Entries {
		out.Entries[sku] = entry
	}
	return out, nil
}
