package services

import (
	"strings"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
)

// ResolveBundle expands a bundle item one level into independently dispatchable members.
// Each member keeps the parent's session, customer and shipping. A member that is itself a
// bundle rejects the whole bundle with a BundleNestingError; a member without a routing
// entry is reported alone and its siblings still proceed.
func ResolveBundle(snapshot domain.Snapshot, parent domain.NormalizedOrderItem) ([]domain.NormalizedOrderItem, []ItemFault) {
	type member struct {
		sku   string
		count int64
	}
	var ordered []member
	index := make(map[string]int, len(parent.Entry.BundleMembers))
	for _, raw := range parent.Entry.BundleMembers {
		sku := strings.TrimSpace(raw)
		if sku == "" {
			continue
		}
		if i, ok := index[sku]; ok {
			ordered[i].count++
			continue
		}
		index[sku] = len(ordered)
		ordered = append(ordered, member{sku: sku, count: 1})
	}

	if len(ordered) == 0 {
		fault := parent
		fault.Classification = domain.ClassUnroutable
		return nil, []ItemFault{{Item: fault, Err: &UnroutableSkuError{SKU: parent.SKU, Reason: "bundle has no members"}}}
	}

	for _, m := range ordered {
		if entry, ok := snapshot.Lookup(m.sku); ok && entry.Type == domain.ItemTypeBundle {
			fault := parent
			fault.Classification = domain.ClassBundle
			return nil, []ItemFault{{Item: fault, Err: &BundleNestingError{Bundle: parent.SKU, Member: m.sku}}}
		}
	}

	parentKey := parent.Key()

	var (
		items  []domain.NormalizedOrderItem
		faults []ItemFault
	)
	for _, m := range ordered {
		meta := domain.ItemMetadata{
			SKU:  m.sku,
			Sign: parent.Metadata.Sign,
			Size: parent.Metadata.Size,
		}
		entry, found := snapshot.Lookup(m.sku)
		item := domain.NormalizedOrderItem{
			SessionID:    parent.SessionID,
			SKU:          m.sku,
			Quantity:     parent.Quantity * m.count,
			Currency:     parent.Currency,
			Metadata:     meta,
			BundleParent: parentKey,
			Customer:     parent.Customer,
			Shipping:     parent.Shipping,
		}
		item.Classification = Classify(entry, found, meta)
		if !found {
			faults = append(faults, ItemFault{
				Item: item,
				Err:  &UnroutableSkuError{SKU: m.sku, BundleParent: parent.SKU, Reason: "no routing entry"},
			})
			continue
		}
		item.Entry = entry
		item.Title = entry.Title
		if strings.EqualFold(entry.Currency, parent.Currency) {
			if amount, err := domain.MinorUnits(entry.Price, parent.Currency); err == nil {
				item.UnitAmount = amount
			}
		}
		items = append(items, item)
	}
	return items, faults
}
