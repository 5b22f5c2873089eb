package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const sendEndpoint = "/v3/mail/send"

// SendGridSender delivers messages through the SendGrid v3 mail API.
type SendGridSender struct {
	apiKey   string
	from     string
	fromName string
	host     string
}

// SendGridConfig configures the SendGrid sender. Host overrides the API origin.
type SendGridConfig struct {
	APIKey   string
	From     string
	FromName string
	Host     string
}

// NewSendGridSender validates the configuration.
func NewSendGridSender(cfg SendGridConfig) (*SendGridSender, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("notify: sendgrid api key is empty")
	}
	from := strings.TrimSpace(cfg.From)
	if from == "" {
		return nil, errors.New("notify: sender address is empty")
	}
	return &SendGridSender{
		apiKey:   key,
		from:     from,
		fromName: strings.TrimSpace(cfg.FromName),
		host:     strings.TrimRight(strings.TrimSpace(cfg.Host), "/"),
	}, nil
}

// Send posts the message. A fresh client per call keeps concurrent sends independent.
func (s *SendGridSender) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return errors.New("notify: message has no recipients")
	}

	email := mail.NewV3Mail()
	email.SetFrom(mail.NewEmail(s.fromName, s.from))
	email.Subject = msg.Subject
	personalization := mail.NewPersonalization()
	for _, to := range msg.To {
		personalization.AddTos(mail.NewEmail("", to))
	}
	email.AddPersonalizations(personalization)
	email.AddContent(mail.NewContent("text/plain", msg.Text))
	if msg.HTML != "" {
		email.AddContent(mail.NewContent("text/html", msg.HTML))
	}
	if msg.ID != "" {
		email.SetHeader("X-Notification-Id", msg.ID)
	}

	client := sendgrid.NewSendClient(s.apiKey)
	if s.host != "" {
		client.BaseURL = s.host + sendEndpoint
	}
	resp, err := client.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("notify: sendgrid send: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("notify: sendgrid status=%d body=%s", resp.StatusCode, resp.Body)
	}
	return nil
}
