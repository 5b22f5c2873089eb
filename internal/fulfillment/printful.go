package fulfillment

import (
	"context"
	"strconv"
	"strings"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
)

// DefaultPrintfulBaseURL is the production Printful API origin.
const DefaultPrintfulBaseURL = "https://api.printful.com"

type printfulRecipient struct {
	Name        string `json:"name"`
	Address1    string `json:"address1"`
	Address2    string `json:"address2,omitempty"`
	City        string `json:"city"`
	StateCode   string `json:"state_code,omitempty"`
	CountryCode string `json:"country_code"`
	Zip         string `json:"zip"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
}

type printfulFile struct {
	URL string `json:"url"`
}

type printfulItem struct {
	VariantID         int64          `json:"variant_id,omitempty"`
	ExternalVariantID string         `json:"external_variant_id,omitempty"`
	Quantity          int64          `json:"quantity"`
	Name              string         `json:"name,omitempty"`
	Files             []printfulFile `json:"files,omitempty"`
}

type printfulOrder struct {
	ExternalID string            `json:"external_id"`
	Recipient  printfulRecipient `json:"recipient"`
	Items      []printfulItem    `json:"items"`
}

// PrintfulBuilder shapes Printful order requests.
type PrintfulBuilder struct {
	Files PrintFileResolver
}

// NewPrintfulAdapter builds the Printful adapter.
func NewPrintfulAdapter(cfg HTTPConfig, files PrintFileResolver) (*HTTPAdapter, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultPrintfulBaseURL
	}
	return NewHTTPAdapter(PrintfulBuilder{Files: files}, cfg)
}

func (PrintfulBuilder) Provider() domain.ProviderID { return domain.ProviderPrintful }

func (PrintfulBuilder) Auth() AuthScheme { return BearerAuth }

// BuildRequest maps numeric provider SKUs to catalog variants and anything else to the
// store's external variant id. Artwork is attached when the catalog names a print file.
func (b PrintfulBuilder) BuildRequest(ctx context.Context, item domain.NormalizedOrderItem) (OutboundRequest, error) {
	if err := requireShipping(item); err != nil {
		return OutboundRequest{}, err
	}
	line := printfulItem{
		Quantity: item.Quantity,
		Name:     item.Title,
	}
	sku := providerSKU(item)
	if id, err := strconv.ParseInt(sku, 10, 64); err == nil {
		line.VariantID = id
	} else {
		line.ExternalVariantID = sku
	}
	if item.Entry.PrintFile != "" {
		fileURL, err := resolvePrintFile(ctx, b.Files, item)
		if err != nil {
			return OutboundRequest{}, err
		}
		line.Files = []printfulFile{{URL: fileURL}}
	}

	addr := item.Shipping
	return OutboundRequest{
		Path: "/orders",
		Body: printfulOrder{
			ExternalID: item.IdempotencyKey(),
			Recipient: printfulRecipient{
				Name:        recipientName(item),
				Address1:    addr.Line1,
				Address2:    addr.Line2,
				City:        addr.City,
				StateCode:   addr.State,
				CountryCode: addr.Country,
				Zip:         addr.PostalCode,
				Email:       item.Customer.Email,
				Phone:       item.Customer.Phone,
			},
			Items: []printfulItem{line},
		},
	}, nil
}

// OrderReference reads result.id.
func (PrintfulBuilder) OrderReference(body []byte) string {
	return referenceFrom(body, []string{"result", "id"})
}
