package fulfillment

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
)

const (
	// DefaultPrintifyBaseURL is the production Printify API origin.
	DefaultPrintifyBaseURL   = "https://api.printify.com"
	printifyStandardShipping = 1
)

type printifyAddress struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Country   string `json:"country"`
	Region    string `json:"region,omitempty"`
	Address1  string `json:"address1"`
	Address2  string `json:"address2,omitempty"`
	City      string `json:"city"`
	Zip       string `json:"zip"`
}

type printifyLineItem struct {
	SKU      string `json:"sku"`
	Quantity int64  `json:"quantity"`
}

type printifyOrder struct {
	ExternalID               string             `json:"external_id"`
	Label                    string             `json:"label,omitempty"`
	LineItems                []printifyLineItem `json:"line_items"`
	ShippingMethod           int                `json:"shipping_method"`
	SendShippingNotification bool               `json:"send_shipping_notification"`
	AddressTo                printifyAddress    `json:"address_to"`
}

// PrintifyBuilder shapes Printify order requests for one shop.
type PrintifyBuilder struct {
	ShopID string
}

// NewPrintifyAdapter builds the Printify adapter for the shop.
func NewPrintifyAdapter(cfg HTTPConfig, shopID string) (*HTTPAdapter, error) {
	shopID = strings.TrimSpace(shopID)
	if shopID == "" {
		return nil, errors.New("fulfillment: printify shop id is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultPrintifyBaseURL
	}
	return NewHTTPAdapter(PrintifyBuilder{ShopID: shopID}, cfg)
}

func (PrintifyBuilder) Provider() domain.ProviderID { return domain.ProviderPrintify }

func (PrintifyBuilder) Auth() AuthScheme { return BearerAuth }

// BuildRequest splits the recipient name because Printify requires first and last names.
func (b PrintifyBuilder) BuildRequest(_ context.Context, item domain.NormalizedOrderItem) (OutboundRequest, error) {
	if err := requireShipping(item); err != nil {
		return OutboundRequest{}, err
	}
	first, last := domain.Customer{Name: recipientName(item)}.FirstLast()
	addr := item.Shipping
	return OutboundRequest{
		Path: "/v1/shops/" + url.PathEscape(b.ShopID) + "/orders.json",
		Body: printifyOrder{
			ExternalID:     item.IdempotencyKey(),
			Label:          item.SessionID,
			LineItems:      []printifyLineItem{{SKU: providerSKU(item), Quantity: item.Quantity}},
			ShippingMethod: printifyStandardShipping,
			AddressTo: printifyAddress{
				FirstName: first,
				LastName:  last,
				Email:     item.Customer.Email,
				Phone:     item.Customer.Phone,
				Country:   addr.Country,
				Region:    addr.State,
				Address1:  addr.Line1,
				Address2:  addr.Line2,
				City:      addr.City,
				Zip:       addr.PostalCode,
			},
		},
	}, nil
}

func (PrintifyBuilder) OrderReference(body []byte) string {
	return referenceFrom(body, []string{"id"})
}
