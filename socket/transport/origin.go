package transport

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// AllowOrigins returns a CheckOrigin func accepting the listed origins. A
// "*" entry accepts everything. Requests without an Origin header come from
// non-browser clients and are accepted.
func AllowOrigins(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			slog.Warn("ignoring invalid origin", "origin", origin)
			continue
		}
		allowed[normalized] = struct{}{}
	}

	return func(r *http.Request) bool {
		header := r.Header.Get("Origin")
		if header == "" || allowAll {
			return true
		}
		normalized, ok := normalizeOrigin(header)
		if !ok {
			return false
		}
		_, exists := allowed[normalized]
		return exists
	}
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
