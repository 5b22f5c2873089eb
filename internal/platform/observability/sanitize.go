package observability

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxRouteLength      = 180
	maxMethodLength     = 10
	maxIdentifierLength = 96
)

// sanitizeString drops control characters and truncates to limit runes.
func sanitizeString(value string, limit int) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)
	if utf8.RuneCountInString(cleaned) <= limit {
		return cleaned
	}
	return string([]rune(cleaned)[:limit])
}

// SanitizeRoute prepares a route pattern or request path for logging.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, maxRouteLength)
}

// SanitizeMethod keeps only the letters of an HTTP method.
func SanitizeMethod(method string) string {
	method = strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' {
			return unicode.ToUpper(r)
		}
		return -1
	}, method)
	if len(method) > maxMethodLength {
		method = method[:maxMethodLength]
	}
	return method
}

// SanitizeIdentifier reduces Stripe event, session and trigger ids to the characters they are
// made of. Anything else came from an untrusted payload and is dropped.
func SanitizeIdentifier(id string) string {
	id = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_', r == '-', r == '.', r == ':':
			return r
		default:
			return -1
		}
	}, id)
	if len(id) > maxIdentifierLength {
		id = id[:maxIdentifierLength]
	}
	return id
}
