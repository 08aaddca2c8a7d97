package observability

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	routeLimit  = 180
	methodLimit = 10
	idLimit     = 64
	agentLimit  = 200
)

// clip drops control characters and truncates to limit runes so request data cannot forge log lines.
func clip(value string, limit int) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(value))
	if utf8.RuneCountInString(cleaned) <= limit {
		return cleaned
	}
	return string([]rune(cleaned)[:limit])
}

// SanitizeRoute returns a loggable route label, "/" when empty.
func SanitizeRoute(route string) string {
	if cleaned := clip(route, routeLimit); cleaned != "" {
		return cleaned
	}
	return "/"
}

func SanitizeMethod(method string) string {
	return strings.ToUpper(clip(method, methodLimit))
}

// SanitizeID bounds identifiers taken from paths and headers (order ids, variant ids, idempotency keys).
func SanitizeID(id string) string {
	return clip(id, idLimit)
}
