package fulfillment

import (
	"context"
	"strings"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
)

// DefaultGelatoBaseURL is the production Gelato order API origin.
const DefaultGelatoBaseURL = "https://order.gelatoapis.com"

type gelatoFile struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type gelatoItem struct {
	ItemReferenceID string       `json:"itemReferenceId"`
	ProductUID      string       `json:"productUid"`
	Files           []gelatoFile `json:"files"`
	Quantity        int64        `json:"quantity"`
}

type gelatoAddress struct {
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	AddressLine1 string `json:"addressLine1"`
	AddressLine2 string `json:"addressLine2,omitempty"`
	City         string `json:"city"`
	PostCode     string `json:"postCode"`
	State        string `json:"state,omitempty"`
	Country      string `json:"country"`
	Email        string `json:"email"`
	Phone        string `json:"phone,omitempty"`
}

type gelatoOrder struct {
	OrderType           string        `json:"orderType"`
	OrderReferenceID    string        `json:"orderReferenceId"`
	CustomerReferenceID string        `json:"customerReferenceId"`
	Currency            string        `json:"currency"`
	Items               []gelatoItem  `json:"items"`
	ShippingAddress     gelatoAddress `json:"shippingAddress"`
}

// GelatoBuilder shapes Gelato v4 order requests.
type GelatoBuilder struct {
	Files PrintFileResolver
}

// NewGelatoAdapter builds the Gelato adapter.
func NewGelatoAdapter(cfg HTTPConfig, files PrintFileResolver) (*HTTPAdapter, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultGelatoBaseURL
	}
	return NewHTTPAdapter(GelatoBuilder{Files: files}, cfg)
}

func (GelatoBuilder) Provider() domain.ProviderID { return domain.ProviderGelato }

func (GelatoBuilder) Auth() AuthScheme { return AuthScheme{Header: "X-API-KEY"} }

// BuildRequest requires a print file; Gelato renders every product from artwork.
func (b GelatoBuilder) BuildRequest(ctx context.Context, item domain.NormalizedOrderItem) (OutboundRequest, error) {
	if err := requireShipping(item); err != nil {
		return OutboundRequest{}, err
	}
	fileURL, err := resolvePrintFile(ctx, b.Files, item)
	if err != nil {
		return OutboundRequest{}, err
	}
	customerRef := item.Customer.Email
	if customerRef == "" {
		customerRef = item.SessionID
	}
	first, last := domain.Customer{Name: recipientName(item)}.FirstLast()
	addr := item.Shipping
	return OutboundRequest{
		Path: "/v4/orders",
		Body: gelatoOrder{
			OrderType:           "order",
			OrderReferenceID:    item.IdempotencyKey(),
			CustomerReferenceID: customerRef,
			Currency:            item.Currency,
			Items: []gelatoItem{{
				ItemReferenceID: item.Key(),
				ProductUID:      providerSKU(item),
				Files:           []gelatoFile{{Type: "default", URL: fileURL}},
				Quantity:        item.Quantity,
			}},
			ShippingAddress: gelatoAddress{
				FirstName:    first,
				LastName:     last,
				AddressLine1: addr.Line1,
				AddressLine2: addr.Line2,
				City:         addr.City,
				PostCode:     addr.PostalCode,
				State:        addr.State,
				Country:      addr.Country,
				Email:        item.Customer.Email,
				Phone:        item.Customer.Phone,
			},
		},
	}, nil
}

func (GelatoBuilder) OrderReference(body []byte) string {
	return referenceFrom(body, []string{"id"})
}
