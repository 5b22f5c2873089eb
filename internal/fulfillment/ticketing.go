package fulfillment

import (
	"context"
	"errors"
	"fmt"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
)

// ErrMissingAttendee is returned when a ticket order has no contact email.
var ErrMissingAttendee = errors.New("fulfillment: ticket attendee email missing")

type ticketAttendee struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

type ticketOrder struct {
	ExternalReference string         `json:"external_reference"`
	TicketType        string         `json:"ticket_type"`
	Quantity          int64          `json:"quantity"`
	Attendee          ticketAttendee `json:"attendee"`
}

// TicketingBuilder shapes ticket issuance requests. Tickets are address-less.
type TicketingBuilder struct{}

// NewTicketingAdapter builds the ticketing partner adapter.
func NewTicketingAdapter(cfg HTTPConfig) (*HTTPAdapter, error) {
	return NewHTTPAdapter(TicketingBuilder{}, cfg)
}

func (TicketingBuilder) Provider() domain.ProviderID { return domain.ProviderTicketing }

func (TicketingBuilder) Auth() AuthScheme { return BearerAuth }

func (TicketingBuilder) BuildRequest(_ context.Context, item domain.NormalizedOrderItem) (OutboundRequest, error) {
	if item.Customer.Email == "" {
		return OutboundRequest{}, fmt.Errorf("%w: %s", ErrMissingAttendee, item.Key())
	}
	return OutboundRequest{
		Path: "/orders",
		Body: ticketOrder{
			ExternalReference: item.IdempotencyKey(),
			TicketType:        providerSKU(item),
			Quantity:          item.Quantity,
			Attendee: ticketAttendee{
				Name:  item.Customer.Name,
				Email: item.Customer.Email,
				Phone: item.Customer.Phone,
			},
		},
	}, nil
}

func (TicketingBuilder) OrderReference(body []byte) string {
	return referenceFrom(body, []string{"id"}, []string{"order_id"}, []string{"order", "id"})
}
