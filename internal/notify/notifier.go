package notify

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Audience selects who receives a notice.
type Audience string

const (
	// AudienceOps routes to the configured operational recipients.
	AudienceOps Audience = "ops"
	// AudienceCustomer routes to the buyer's email from the payment session.
	AudienceCustomer Audience = "customer"
)

// Kind classifies a notice for rendering and log filtering.
type Kind string

const (
	KindFulfillmentFailure Kind = "fulfillment_failure"
	KindUnroutable         Kind = "unroutable_item"
	KindBundleNesting      Kind = "bundle_nesting"
	KindManualOrder        Kind = "manual_order"
	KindDigitalFulfill     Kind = "digital_fulfill"
	KindDigitalOnItsWay    Kind = "digital_on_its_way"
)

// Notice is one human-readable alert.
type Notice struct {
	Audience  Audience
	To        string
	Subject   string
	Kind      Kind
	SessionID string
	Detail    map[string]string
	// Amounts are rendered in the configured locale and listed with Detail.
	Amounts   map[string]Amount
}

// Amount is a price in the currency's minor units.
type Amount struct {
	Minor    int64
	Currency string
}

// ItemAmounts returns the unit price and line total for an item, or nil when the item carries
// no price.
func ItemAmounts(unitMinor, quantity int64, currency string) map[string]Amount {
	if unitMinor <= 0 || currency == "" {
		return nil
	}
	amounts := map[string]Amount{"unit_amount": {Minor: unitMinor, Currency: currency}}
	if quantity > 1 {
		amounts["line_total"] = Amount{Minor: unitMinor * quantity, Currency: currency}
	}
	return amounts
}

// Message is a rendered notice ready for delivery.
type Message struct {
	ID      string
	To      []string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers rendered messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Notifier renders notices and hands them to a Sender. Delivery problems are logged,
// never returned.
type Notifier struct {
	sender   Sender
	ops      []string
	renderer *Renderer
	logger   *zap.Logger
	clock    func() time.Time
}

// Config configures a Notifier.
type Config struct {
	Sender        Sender
	OpsRecipients []string
	Locale        string
	Logger        *zap.Logger
	Clock         func() time.Time
}

// New constructs a Notifier. A nil Sender degrades to logging only.
func New(cfg Config) *Notifier {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("notify")
	sender := cfg.Sender
	if sender == nil {
		sender = NewLogSender(logger)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ops := make([]string, 0, len(cfg.OpsRecipients))
	for _, addr := range cfg.OpsRecipients {
		if addr = strings.TrimSpace(addr); addr != "" {
			ops = append(ops, addr)
		}
	}
	return &Notifier{
		sender:   sender,
		ops:      ops,
		renderer: NewRenderer(cfg.Locale),
		logger:   logger,
		clock:    clock,
	}
}

// Notify renders and sends the notice.
func (n *Notifier) Notify(ctx context.Context, notice Notice) {
	if n == nil {
		return
	}
	fields := []zap.Field{
		zap.String("kind", string(notice.Kind)),
		zap.String("audience", string(notice.Audience)),
		zap.String("sessionId", notice.SessionID),
	}

	recipients := n.recipients(notice)
	if len(recipients) == 0 {
		n.logger.Warn("notification has no recipients", fields...)
		return
	}

	msg := n.renderer.Render(notice, n.clock())
	msg.ID = ulid.Make().String()
	msg.To = recipients
	fields = append(fields, zap.String("notificationId", msg.ID))

	if err := n.sender.Send(ctx, msg); err != nil {
		n.logger.Error("notification delivery failed", append(fields, zap.Error(err))...)
		return
	}
	n.logger.Info("notification sent", fields...)
}

func (n *Notifier) recipients(notice Notice) []string {
	switch notice.Audience {
	case AudienceCustomer:
		if to := strings.TrimSpace(notice.To); to != "" {
			return []string{to}
		}
		return nil
	default:
		if to := strings.TrimSpace(notice.To); to != "" {
			return []string{to}
		}
		return n.ops
	}
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender constructs the dry-run sender.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send logs the rendered message.
func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("notification dry run",
		zap.String("notificationId", msg.ID),
		zap.Strings("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Text),
	)
	return nil
}
