package notify

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/domain"
)

const subjectPrefix = "[Lyrion]"

// Renderer produces the fixed-format text and HTML bodies.
type Renderer struct {
	printer *message.Printer
	policy  *bluemonday.Policy
}

// NewRenderer builds a renderer for the locale, defaulting to British English.
func NewRenderer(locale string) *Renderer {
	tag := language.BritishEnglish
	if locale = strings.TrimSpace(locale); locale != "" {
		if parsed, err := language.Parse(locale); err == nil {
			tag = parsed
		}
	}
	policy := bluemonday.NewPolicy()
	policy.AllowElements("h2", "p", "table", "tbody", "tr", "th", "td", "small")
	return &Renderer{
		printer: message.NewPrinter(tag),
		policy:  policy,
	}
}

// FormatAmount renders a minor-unit amount with its currency symbol in the renderer's locale.
// Codes outside ISO 4217 fall back to "1.00 XXX".
func (r *Renderer) FormatAmount(minor int64, code string) string {
	unit, err := domain.ParseCurrency(code)
	if err != nil {
		return domain.FormatMinorUnits(minor, code)
	}
	value := domain.FromMinorUnits(minor, code).InexactFloat64()
	return r.printer.Sprint(currency.Symbol(unit.Amount(value)))
}

// Render formats a notice. Rows are sorted by key so the body is stable.
func (r *Renderer) Render(notice Notice, now time.Time) Message {
	subject := strings.TrimSpace(notice.Subject)
	if subject == "" {
		subject = strings.ReplaceAll(string(notice.Kind), "_", " ")
	}
	subject = subjectPrefix + " " + subject

	rows := make(map[string]string, len(notice.Detail)+len(notice.Amounts))
	for key, value := range notice.Detail {
		rows[key] = value
	}
	for key, amount := range notice.Amounts {
		rows[key] = r.FormatAmount(amount.Minor, amount.Currency)
	}
	keys := make([]string, 0, len(rows))
	for key := range rows {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var text strings.Builder
	fmt.Fprintf(&text, "%s\n", subject)
	fmt.Fprintf(&text, "Kind: %s\n", notice.Kind)
	if notice.SessionID != "" {
		fmt.Fprintf(&text, "Session: %s\n", notice.SessionID)
	}
	fmt.Fprintf(&text, "Time: %s\n", now.UTC().Format(time.RFC3339))
	text.WriteString("----\n")
	for _, key := range keys {
		fmt.Fprintf(&text, "%s: %s\n", key, rows[key])
	}

	var body strings.Builder
	fmt.Fprintf(&body, "<h2>%s</h2>", html.EscapeString(subject))
	fmt.Fprintf(&body, "<p><small>%s", html.EscapeString(string(notice.Kind)))
	if notice.SessionID != "" {
		fmt.Fprintf(&body, " &middot; %s", html.EscapeString(notice.SessionID))
	}
	body.WriteString("</small></p><table><tbody>")
	for _, key := range keys {
		fmt.Fprintf(&body, "<tr><th>%s</th><td>%s</td></tr>", html.EscapeString(key), html.EscapeString(rows[key]))
	}
	body.WriteString("</tbody></table>")

	return Message{
		Subject: subject,
		Text:    text.String(),
		HTML:    r.policy.Sanitize(body.String()),
	}
}
