package services

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/payments"
)

// Candidate is a line read back from the payment session before routing.
// Metadata is untrusted; a non-empty Invalid means the line cannot be routed.
type Candidate struct {
	Item    domain.NormalizedOrderItem
	Invalid string
}

// NormalizeSession rebuilds order item candidates from the metadata embedded at checkout.
func NormalizeSession(session domain.PaymentSession) []Candidate {
	out := make([]Candidate, 0, len(session.LineItems))
	seen := make(map[string]int, len(session.LineItems))
	for i, line := range session.LineItems {
		meta, reason := parseItemMetadata(line.Metadata)
		if reason == "" && line.Quantity <= 0 {
			reason = "quantity must be positive"
		}
		sku := meta.SKU
		if reason != "" && sku == "" {
			sku = fmt.Sprintf("line-%d", i+1)
		}
		seen[sku]++

		currency := strings.ToUpper(strings.TrimSpace(line.Currency))
		if currency == "" {
			currency = session.Currency
		}
		out = append(out, Candidate{
			Item: domain.NormalizedOrderItem{
				SessionID:  session.ID,
				SKU:        sku,
				Quantity:   line.Quantity,
				UnitAmount: line.UnitAmount,
				Currency:   currency,
				Title:      truncateTag(line.ProductName, maxTitleLength),
				Metadata:   meta,
				Customer:   session.Customer,
				Shipping:   session.Shipping,
				Occurrence: seen[sku],
			},
			Invalid: reason,
		})
	}
	return out
}

func parseItemMetadata(raw map[string]string) (domain.ItemMetadata, string) {
	var meta domain.ItemMetadata
	sku := strings.TrimSpace(raw[payments.MetaSKU])
	switch {
	case sku == "":
		return meta, "line has no sku metadata"
	case !skuPattern.MatchString(sku):
		return meta, fmt.Sprintf("sku metadata %q is malformed", truncateTag(sku, maxTagLength))
	}
	meta.SKU = sku

	tags := map[string]*string{
		payments.MetaKind:     &meta.Kind,
		payments.MetaCategory: &meta.Category,
		payments.MetaSign:     &meta.Sign,
		payments.MetaSize:     &meta.Size,
	}
	for key, dst := range tags {
		value := strings.TrimSpace(raw[key])
		if len(value) > maxTagLength {
			return meta, fmt.Sprintf("%s metadata exceeds %d characters", key, maxTagLength)
		}
		*dst = value
	}

	if value := strings.TrimSpace(raw[payments.MetaIsDigital]); value != "" {
		digital, err := strconv.ParseBool(value)
		if err != nil {
			return meta, fmt.Sprintf("is_digital metadata %q is not a boolean", truncateTag(value, maxTagLength))
		}
		meta.IsDigital = digital
	}
	return meta, ""
}

func truncateTag(value string, limit int) string {
	value = strings.TrimSpace(value)
	if len(value) > limit {
		return value[:limit]
	}
	return value
}
