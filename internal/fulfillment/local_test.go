package fulfillment

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/notify"
)

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (r *recordingNotifier) Notify(_ context.Context, notice notify.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, notice)
}

func TestDigitalAdapterSendsTwoNotices(t *testing.T) {
	notifier := &recordingNotifier{}
	adapter, err := NewDigitalAdapter(notifier)
	require.NoError(t, err)

	item := domain.NormalizedOrderItem{
		SessionID:      "cs_test_1",
		SKU:            "READ-ARI-MINI",
		Quantity:       1,
		UnitAmount:     1200,
		Currency:       "GBP",
		Title:          "Aries Mini Reading",
		Classification: domain.ClassDigital,
		Customer:       domain.Customer{Name: "Ada", Email: "ada@example.com"},
	}
	result, err := adapter.Fulfill(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, "digital-"+item.IdempotencyKey(), result.ProviderOrderID)

	require.Len(t, notifier.notices, 2)
	customer, ops := notifier.notices[0], notifier.notices[1]
	assert.Equal(t, notify.AudienceCustomer, customer.Audience)
	assert.Equal(t, "ada@example.com", customer.To)
	assert.Equal(t, notify.KindDigitalOnItsWay, customer.Kind)
	assert.Equal(t, notify.AudienceOps, ops.Audience)
	assert.Equal(t, notify.KindDigitalFulfill, ops.Kind)
	assert.Equal(t, notify.Amount{Minor: 1200, Currency: "GBP"}, ops.Amounts["unit_amount"])
	assert.NotContains(t, ops.Detail, "unit_amount")
}

func TestManualAdapterIncludesShippingDetail(t *testing.T) {
	notifier := &recordingNotifier{}
	adapter, err := NewManualAdapter(notifier)
	require.NoError(t, err)

	item := physicalItem(domain.ProviderManual)
	item.BundleParent = "ARI-BUNDLE"
	result, err := adapter.Fulfill(context.Background(), item)
	require.NoError(t, err)
	assert.NotEmpty(t, result.ProviderOrderID)

	require.Len(t, notifier.notices, 1)
	notice := notifier.notices[0]
	assert.Equal(t, notify.KindManualOrder, notice.Kind)
	assert.Equal(t, "1 Analytical Way, London, N1 1AA, GB", notice.Detail["address"])
	assert.Equal(t, "Ada Lovelace", notice.Detail["ship_to"])
	assert.Equal(t, "ARI-BUNDLE", notice.Detail["bundle"])
	assert.Equal(t, "ada@example.com", notice.Detail["customer_email"])
	assert.Equal(t, "2", notice.Detail["quantity"])
}

func TestLocalAdaptersRequireNotifier(t *testing.T) {
	_, err := NewDigitalAdapter(nil)
	assert.Error(t, err)
	_, err = NewManualAdapter(nil)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	notifier := &recordingNotifier{}
	digital, _ := NewDigitalAdapter(notifier)
	manual, _ := NewManualAdapter(notifier)

	reg, err := NewRegistry(digital, nil, manual)
	require.NoError(t, err)
	adapter, ok := reg.Lookup(domain.ProviderManual)
	require.True(t, ok)
	assert.Equal(t, domain.ProviderManual, adapter.Provider())
	_, ok = reg.Lookup(domain.ProviderGelato)
	assert.False(t, ok)
	assert.Equal(t, []domain.ProviderID{domain.ProviderDigital, domain.ProviderManual}, reg.Providers())

	_, err = NewRegistry(digital, digital)
	assert.ErrorIs(t, err, ErrDuplicateAdapter)
}

func TestDirectPrintFiles(t *testing.T) {
	url, err := DirectPrintFiles{}.Resolve(context.Background(), " https://cdn.test/a.png ")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/a.png", url)
	_, err = DirectPrintFiles{}.Resolve(context.Background(), "prints/a.png")
	assert.ErrorIs(t, err, ErrMissingPrintFile)
}
