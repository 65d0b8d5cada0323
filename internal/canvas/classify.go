package canvas

import (
	"net/http"
	"strings"
)

// ResponseKind tags what a Canvas response body actually is, independent of
// what the Content-Type header claims. Session-cookie requests routinely get
// a 200 HTML login page where JSON was expected.
type ResponseKind int

const (
	// ResponseJSON means the body parses as JSON (an empty array is still
	// JSON: zero results is a success, not an error).
	ResponseJSON ResponseKind = iota
	// ResponseHTMLLogin means the body is a login page: the session is dead.
	ResponseHTMLLogin
	// ResponseHTMLOther is an HTML page that is not a login surface.
	ResponseHTMLOther
	// ResponseEmpty is a blank body.
	ResponseEmpty
)

var loginMarkers = []string{"login", "sign in", "password"}

// Classify inspects status, declared content type, and body and returns a
// tagged kind. A redirect whose Location mentions login also counts as a
// login page.
func Classify(status int, contentType string, header http.Header, body []byte) ResponseKind {
	if status >= 300 && status < 400 {
		if strings.Contains(strings.ToLower(header.Get("Location")), "login") {
			return ResponseHTMLLogin
		}
	}

	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ResponseEmpty
	}

	lower := strings.ToLower(trimmed)
	if len(lower) > 4096 {
		lower = lower[:4096]
	}
	isHTML := strings.Contains(lower, "<html") || strings.Contains(lower, "<!doctype")
	if isHTML {
		for _, marker := range loginMarkers {
			if strings.Contains(lower, marker) {
				return ResponseHTMLLogin
			}
		}
		return ResponseHTMLOther
	}

	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") ||
		strings.Contains(strings.ToLower(contentType), "application/json") {
		return ResponseJSON
	}
	return ResponseHTMLOther
}
