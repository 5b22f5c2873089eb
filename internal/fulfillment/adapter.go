package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/notify"
)

var (
	// ErrMissingShipping is returned when a physical order has no shipping address.
	ErrMissingShipping = errors.New("fulfillment: shipping address missing")
	// ErrMissingPrintFile is returned when a provider requires artwork the catalog does not name.
	ErrMissingPrintFile = errors.New("fulfillment: print file missing")
	// ErrDuplicateAdapter is returned when two adapters claim the same provider.
	ErrDuplicateAdapter = errors.New("fulfillment: duplicate adapter")
)

// Result is a successful provider submission.
type Result struct {
	ProviderOrderID string
	Detail          string
}

// Adapter submits one normalised item to one provider.
type Adapter interface {
	Provider() domain.ProviderID
	Fulfill(ctx context.Context, item domain.NormalizedOrderItem) (Result, error)
}

// Notifier is the alert sink used by adapters without an external API.
type Notifier interface {
	Notify(ctx context.Context, notice notify.Notice)
}

// PrintFileResolver turns a catalog print_file reference into a URL a manufacturer can fetch.
type PrintFileResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// DirectPrintFiles accepts only absolute http(s) references. Used when no bucket is configured.
type DirectPrintFiles struct{}

// Resolve returns absolute URLs unchanged.
func (DirectPrintFiles) Resolve(_ context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	parsed, err := url.Parse(ref)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", fmt.Errorf("%w: %q is not an absolute url", ErrMissingPrintFile, ref)
	}
	return ref, nil
}

// ProviderError describes a failed provider call. Status is zero for transport failures.
type ProviderError struct {
	Provider domain.ProviderID
	Status   int
	Body     string
	Err      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Status == 0 {
		return fmt.Sprintf("fulfillment: %s request failed: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("fulfillment: %s responded %d: %s", e.Provider, e.Status, e.Body)
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Registry maps provider identifiers to adapters.
type Registry struct {
	adapters map[domain.ProviderID]Adapter
}

// NewRegistry indexes the adapters; nil entries are ignored.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	reg := &Registry{adapters: make(map[domain.ProviderID]Adapter, len(adapters))}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		id := adapter.Provider()
		if _, exists := reg.adapters[id]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAdapter, id)
		}
		reg.adapters[id] = adapter
	}
	return reg, nil
}

// Lookup returns the adapter for the provider.
func (r *Registry) Lookup(id domain.ProviderID) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	adapter, ok := r.adapters[id]
	return adapter, ok
}

// Providers lists registered provider identifiers in sorted order.
func (r *Registry) Providers() []domain.ProviderID {
	if r == nil {
		return nil
	}
	out := make([]domain.ProviderID, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func requireShipping(item domain.NormalizedOrderItem) error {
	if item.Shipping.IsZero() {
		return fmt.Errorf("%w: %s", ErrMissingShipping, item.Key())
	}
	return nil
}

func resolvePrintFile(ctx context.Context, files PrintFileResolver, item domain.NormalizedOrderItem) (string, error) {
	ref := strings.TrimSpace(item.Entry.PrintFile)
	if ref == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingPrintFile, item.SKU)
	}
	if files == nil {
		files = DirectPrintFiles{}
	}
	return files.Resolve(ctx, ref)
}

func recipientName(item domain.NormalizedOrderItem) string {
	if name := strings.TrimSpace(item.Shipping.Name); name != "" {
		return name
	}
	return strings.TrimSpace(item.Customer.Name)
}

func providerSKU(item domain.NormalizedOrderItem) string {
	if sku := strings.TrimSpace(item.Entry.ProviderSKU); sku != "" {
		return sku
	}
	return item.SKU
}
