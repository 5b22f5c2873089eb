package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/notify"
)

// DigitalAdapter hands digital items to staff and tells the customer delivery is underway.
// There is no external order call.
type DigitalAdapter struct {
	notifier Notifier
}

// NewDigitalAdapter constructs the digital delivery adapter.
func NewDigitalAdapter(notifier Notifier) (*DigitalAdapter, error) {
	if notifier == nil {
		return nil, errors.New("fulfillment: digital adapter requires a notifier")
	}
	return &DigitalAdapter{notifier: notifier}, nil
}

func (a *DigitalAdapter) Provider() domain.ProviderID { return domain.ProviderDigital }

// Fulfill sends the customer notice and the internal "please fulfill" notice.
func (a *DigitalAdapter) Fulfill(ctx context.Context, item domain.NormalizedOrderItem) (Result, error) {
	title := itemTitle(item)
	a.notifier.Notify(ctx, notify.Notice{
		Audience:  notify.AudienceCustomer,
		To:        item.Customer.Email,
		Subject:   fmt.Sprintf("Your %s is on its way", title),
		Kind:      notify.KindDigitalOnItsWay,
		SessionID: item.SessionID,
		Detail: map[string]string{
			"item":     title,
			"quantity": strconv.FormatInt(item.Quantity, 10),
			"message":  "Your digital item is being prepared and will arrive by email shortly.",
		},
	})
	a.notifier.Notify(ctx, notify.Notice{
		Audience:  notify.AudienceOps,
		Subject:   "Please fulfill digital item " + item.SKU,
		Kind:      notify.KindDigitalFulfill,
		SessionID: item.SessionID,
		Detail:    itemDetail(item),
		Amounts:   notify.ItemAmounts(item.UnitAmount, item.Quantity, item.Currency),
	})
	return Result{
		ProviderOrderID: "digital-" + item.IdempotencyKey(),
		Detail:          "digital delivery requested",
	}, nil
}

// ManualAdapter asks staff to pack and ship an item by hand. It always succeeds.
type ManualAdapter struct {
	notifier Notifier
}

// NewManualAdapter constructs the manual fulfillment adapter.
func NewManualAdapter(notifier Notifier) (*ManualAdapter, error) {
	if notifier == nil {
		return nil, errors.New("fulfillment: manual adapter requires a notifier")
	}
	return &ManualAdapter{notifier: notifier}, nil
}

func (a *ManualAdapter) Provider() domain.ProviderID { return domain.ProviderManual }

// Fulfill sends the full shipping, customer and item detail to staff.
func (a *ManualAdapter) Fulfill(ctx context.Context, item domain.NormalizedOrderItem) (Result, error) {
	detail := itemDetail(item)
	addr := item.Shipping
	detail["ship_to"] = recipientName(item)
	detail["address"] = joinNonEmpty(", ", addr.Line1, addr.Line2, addr.City, addr.State, addr.PostalCode, addr.Country)
	if item.Shipping.IsZero() {
		detail["address"] = "not collected"
	}
	a.notifier.Notify(ctx, notify.Notice{
		Audience:  notify.AudienceOps,
		Subject:   "Manual order: " + itemTitle(item),
		Kind:      notify.KindManualOrder,
		SessionID: item.SessionID,
		Detail:    detail,
		Amounts:   notify.ItemAmounts(item.UnitAmount, item.Quantity, item.Currency),
	})
	return Result{
		ProviderOrderID: "manual-" + item.IdempotencyKey(),
		Detail:          "manual fulfillment requested",
	}, nil
}

func itemTitle(item domain.NormalizedOrderItem) string {
	if t := strings.TrimSpace(item.Title); t != "" {
		return t
	}
	if t := strings.TrimSpace(item.Entry.Title); t != "" {
		return t
	}
	return item.SKU
}

// itemDetail is the shared key/value block for staff notices.
func itemDetail(item domain.NormalizedOrderItem) map[string]string {
	detail := map[string]string{
		"sku":             item.SKU,
		"title":           itemTitle(item),
		"quantity":        strconv.FormatInt(item.Quantity, 10),
		"customer_name":   item.Customer.Name,
		"customer_email":  item.Customer.Email,
		"customer_phone":  item.Customer.Phone,
		"idempotency_key": item.IdempotencyKey(),
	}
	if item.BundleParent != "" {
		detail["bundle"] = item.BundleParent
	}
	if item.Metadata.Size != "" {
		detail["size"] = item.Metadata.Size
	}
	if item.Metadata.Sign != "" {
		detail["sign"] = item.Metadata.Sign
	}
	for key, value := range detail {
		if value == "" {
			delete(detail, key)
		}
	}
	return detail
}

func joinNonEmpty(sep string, parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return strings.Join(out, sep)
}
