package fulfillment

import (
	"context"
	"strings"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
)

// DefaultProdigiBaseURL is the production Prodigi API origin.
const DefaultProdigiBaseURL = "https://api.prodigi.com"

type prodigiAddress struct {
	Line1           string `json:"line1"`
	Line2           string `json:"line2,omitempty"`
	PostalOrZipCode string `json:"postalOrZipCode"`
	CountryCode     string `json:"countryCode"`
	TownOrCity      string `json:"townOrCity"`
	StateOrCounty   string `json:"stateOrCounty,omitempty"`
}

type prodigiRecipient struct {
	Name        string         `json:"name"`
	Email       string         `json:"email,omitempty"`
	PhoneNumber string         `json:"phoneNumber,omitempty"`
	Address     prodigiAddress `json:"address"`
}

type prodigiAsset struct {
	PrintArea string `json:"printArea"`
	URL       string `json:"url"`
}

type prodigiItem struct {
	MerchantReference string         `json:"merchantReference"`
	SKU               string         `json:"sku"`
	Copies            int64          `json:"copies"`
	Sizing            string         `json:"sizing"`
	Assets            []prodigiAsset `json:"assets"`
}

type prodigiOrder struct {
	MerchantReference string           `json:"merchantReference"`
	IdempotencyKey    string           `json:"idempotencyKey"`
	ShippingMethod    string           `json:"shippingMethod"`
	Recipient         prodigiRecipient `json:"recipient"`
	Items             []prodigiItem    `json:"items"`
}

// ProdigiBuilder shapes Prodigi v4 order requests.
type ProdigiBuilder struct {
	Files PrintFileResolver
}

// NewProdigiAdapter builds the Prodigi adapter.
func NewProdigiAdapter(cfg HTTPConfig, files PrintFileResolver) (*HTTPAdapter, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultProdigiBaseURL
	}
	return NewHTTPAdapter(ProdigiBuilder{Files: files}, cfg)
}

func (ProdigiBuilder) Provider() domain.ProviderID { return domain.ProviderProdigi }

func (ProdigiBuilder) Auth() AuthScheme { return AuthScheme{Header: "X-API-Key"} }

// BuildRequest uses Prodigi's native idempotency key in the body as well as the header.
func (b ProdigiBuilder) BuildRequest(ctx context.Context, item domain.NormalizedOrderItem) (OutboundRequest, error) {
	if err := requireShipping(item); err != nil {
		return OutboundRequest{}, err
	}
	fileURL, err := resolvePrintFile(ctx, b.Files, item)
	if err != nil {
		return OutboundRequest{}, err
	}
	addr := item.Shipping
	return OutboundRequest{
		Path: "/v4.0/orders",
		Body: prodigiOrder{
			MerchantReference: item.SessionID,
			IdempotencyKey:    item.IdempotencyKey(),
			ShippingMethod:    "Standard",
			Recipient: prodigiRecipient{
				Name:        recipientName(item),
				Email:       item.Customer.Email,
				PhoneNumber: item.Customer.Phone,
				Address: prodigiAddress{
					Line1:           addr.Line1,
					Line2:           addr.Line2,
					PostalOrZipCode: addr.PostalCode,
					CountryCode:     addr.Country,
					TownOrCity:      addr.City,
					StateOrCounty:   addr.State,
				},
			},
			Items: []prodigiItem{{
				MerchantReference: item.Key(),
				SKU:               providerSKU(item),
				Copies:            item.Quantity,
				Sizing:            "fillPrintArea",
				Assets:            []prodigiAsset{{PrintArea: "default", URL: fileURL}},
			}},
		},
	}, nil
}

// OrderReference reads order.id.
func (ProdigiBuilder) OrderReference(body []byte) string {
	return referenceFrom(body, []string{"order", "id"})
}
