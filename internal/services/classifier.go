package services

import (
	"strings"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
)

// Classify assigns the fulfillment class of an item from its routing entry and the
// round-tripped metadata. Rules apply in order and the first match wins.
func Classify(entry domain.RoutingEntry, found bool, meta domain.ItemMetadata) domain.Classification {
	switch {
	case !found:
		return domain.ClassUnroutable
	case entry.Type == domain.ItemTypeBundle:
		return domain.ClassBundle
	case meta.IsDigital || entry.Type == domain.ItemTypeDigital:
		return domain.ClassDigital
	case strings.EqualFold(meta.Kind, "donation") || strings.EqualFold(meta.Category, "donation"):
		return domain.ClassDonation
	default:
		return domain.ClassPhysical
	}
}

// routedItems is the outcome of routing every candidate of a session against one snapshot.
type routedItems struct {
	dispatch []domain.NormalizedOrderItem
	faults   []ItemFault
}

// ItemFault is an item that cannot be dispatched and is notified instead.
type ItemFault struct {
	Item domain.NormalizedOrderItem
	Err  error
}

// routeCandidates attaches routing entries, classifies, and expands bundles.
func routeCandidates(snapshot domain.Snapshot, candidates []Candidate) routedItems {
	var out routedItems
	for _, candidate := range candidates {
		item := candidate.Item
		if candidate.Invalid != "" {
			item.Classification = domain.ClassUnroutable
			out.faults = append(out.faults, ItemFault{
				Item: item,
				Err:  &UnroutableSkuError{SKU: item.SKU, Reason: candidate.Invalid},
			})
			continue
		}

		entry, found := snapshot.Lookup(item.SKU)
		item.Classification = Classify(entry, found, item.Metadata)
		if found {
			item.Entry = entry
		}

		switch item.Classification {
		case domain.ClassUnroutable:
			out.faults = append(out.faults, ItemFault{
				Item: item,
				Err:  &UnroutableSkuError{SKU: item.SKU, Reason: "no routing entry"},
			})
		case domain.ClassBundle:
			members, faults := ResolveBundle(snapshot, item)
			out.dispatch = append(out.dispatch, members...)
			out.faults = append(out.faults, faults...)
		default:
			out.dispatch = append(out.dispatch, item)
		}
	}
	return out
}
