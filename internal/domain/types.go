package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ProviderID identifies the fulfillment provider a SKU is routed to.
type ProviderID string

const (
	// ProviderPrintful is the primary print-on-demand manufacturer.
	ProviderPrintful ProviderID = "printful"
	// ProviderPrintify is the secondary print-on-demand manufacturer.
	ProviderPrintify ProviderID = "printify"
	// ProviderGelato is the print-on-demand manufacturer for wall art and stationery.
	ProviderGelato ProviderID = "gelato"
	// ProviderProdigi is the print-on-demand manufacturer for fine art prints.
	ProviderProdigi ProviderID = "prodigi"
	// ProviderDigital marks items delivered by email outside the pipeline.
	ProviderDigital ProviderID = "digital"
	// ProviderManual marks items packed and shipped by hand.
	ProviderManual ProviderID = "manual"
	// ProviderTicketing marks event tickets issued by the ticketing partner.
	ProviderTicketing ProviderID = "ticketing"
	// ProviderBundle marks a SKU that only groups other SKUs.
	ProviderBundle ProviderID = "bundle"
)

var providerAliases = map[string]ProviderID{
	"providera": ProviderPrintful,
	"providerb": ProviderPrintify,
	"providerc": ProviderGelato,
	"providerd": ProviderProdigi,
}

// ParseProviderID normalises catalog provider identifiers, accepting the legacy
// providerA..providerD aliases.
func ParseProviderID(raw string) (ProviderID, bool) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if alias, ok := providerAliases[value]; ok {
		return alias, true
	}
	switch ProviderID(value) {
	case ProviderPrintful, ProviderPrintify, ProviderGelato, ProviderProdigi,
		ProviderDigital, ProviderManual, ProviderTicketing, ProviderBundle:
		return ProviderID(value), true
	default:
		return "", false
	}
}

// ItemType is the catalog's own description of what a SKU is.
type ItemType string

const (
	ItemTypePhysical ItemType = "physical"
	ItemTypeDigital  ItemType = "digital"
	ItemTypeBundle   ItemType = "bundle"
	ItemTypeTicket   ItemType = "ticket"
	ItemTypeDonation ItemType = "donation"
)

// Classification is the fulfillment category assigned to a normalised item.
type Classification string

const (
	ClassPhysical   Classification = "physical"
	ClassDigital    Classification = "digital"
	ClassDonation   Classification = "donation"
	ClassBundle     Classification = "bundle"
	ClassUnroutable Classification = "unroutable"
)

// CartItem is a storefront-supplied cart line. Every field is untrusted.
type CartItem struct {
	SKU       string
	Quantity  int64
	Price     decimal.Decimal
	Currency  string
	Sign      string
	Size      string
	Category  string
	Kind      string
	IsDigital bool
	Title     string
}

// RoutingEntry maps a SKU to its fulfillment provider.
type RoutingEntry struct {
	SKU           string
	Provider      ProviderID
	ProviderSKU   string
	Type          ItemType
	BundleMembers []string
	Price         decimal.Decimal
	Currency      string
	Title         string
	PrintFile     string
}

// Snapshot is one fetched version of the routing table.
type Snapshot struct {
	Version   string
	FetchedAt time.Time
	Entries   map[string]RoutingEntry
}

// Lookup returns the entry for the SKU.
func (s Snapshot) Lookup(sku string) (RoutingEntry, bool) {
	if s.Entries == nil {
		return RoutingEntry{}, false
	}
	entry, ok := s.Entries[strings.TrimSpace(sku)]
	return entry, ok
}

// Customer holds the buyer contact captured by the payment provider.
type Customer struct {
	Name  string
	Email string
	Phone string
}

// FirstLast splits the customer's name for providers that need separate fields.
func (c Customer) FirstLast() (string, string) {
	fields := strings.Fields(c.Name)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return strings.Join(fields[:len(fields)-1], " "), fields[len(fields)-1]
	}
}

// Address is a postal shipping address.
type Address struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
}

// IsZero reports whether no address was collected.
func (a Address) IsZero() bool {
	return strings.TrimSpace(a.Line1) == "" && strings.TrimSpace(a.PostalCode) == "" && strings.TrimSpace(a.Country) == ""
}

// ItemMetadata is the routing metadata embedded on each payment line item at checkout
// and read back at webhook time.
type ItemMetadata struct {
	SKU       string
	Kind      string
	Category  string
	Sign      string
	Size      string
	IsDigital bool
}

// LineItem is one line of a retrieved payment session.
type LineItem struct {
	ProductName string
	Quantity    int64
	UnitAmount  int64
	Currency    string
	Metadata    map[string]string
}

// PaymentSession is the authoritative session record retrieved from the payment provider.
type PaymentSession struct {
	ID            string
	PaymentStatus string
	Currency      string
	AmountTotal   int64
	Customer      Customer
	Shipping      Address
	Metadata      map[string]string
	LineItems     []LineItem
}

// Paid reports whether the provider considers the session settled.
func (s PaymentSession) Paid() bool {
	switch strings.ToLower(strings.TrimSpace(s.PaymentStatus)) {
	case "paid", "no_payment_required":
		return true
	default:
		return false
	}
}

// NormalizedOrderItem is the canonical, routing-resolved unit of fulfillment.
type NormalizedOrderItem struct {
	SessionID      string
	SKU            string
	Quantity       int64
	UnitAmount     int64
	Currency       string
	Title          string
	Metadata       ItemMetadata
	Entry          RoutingEntry
	Classification Classification
	BundleParent   string
	Customer       Customer
	Shipping       Address
	// Occurrence numbers repeated lines of the same SKU within a session, starting at 1.
	Occurrence int
}

// Key identifies the item within its session; bundle members are qualified by parent.
func (i NormalizedOrderItem) Key() string {
	key := i.SKU
	if i.BundleParent != "" {
		key = i.BundleParent + "/" + i.SKU
	}
	if i.Occurrence > 1 {
		key += "#" + strconv.Itoa(i.Occurrence)
	}
	return key
}

// IdempotencyKey is the stable external reference sent to providers for this item.
func (i NormalizedOrderItem) IdempotencyKey() string {
	return IdempotencyKey(i.SessionID, i.Key())
}

// OutcomeStatus enumerates per-item fulfillment results.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSkipped   OutcomeStatus = "skipped"
)

// FulfillmentOutcome records the result of dispatching one item.
type FulfillmentOutcome struct {
	ItemKey         string
	SKU             string
	Provider        ProviderID
	Status          OutcomeStatus
	ProviderOrderID string
	Detail          string
	CompletedAt     time.Time
}

// Succeeded reports whether the outcome should prevent another attempt.
func (o FulfillmentOutcome) Succeeded() bool {
	return o.Status == OutcomeSucceeded || o.Status == OutcomeSkipped
}
