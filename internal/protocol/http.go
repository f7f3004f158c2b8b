package protocol

import (
	"errors"
	"fmt"
	"maps"
	"mime"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// ErrorText is err without the `Post "https://...": ` wrapper the HTTP
// client adds, for display next to the request that already names the URL.
func ErrorText(err error) string {
	if err == nil {
		return ""
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		return ue.Err.Error()
	}
	return err.Error()
}

// StatusLine renders a response status as "HTTP/1.1 200 OK".
func StatusLine(code int) string {
	text := http.StatusText(code)
	if text == "" {
		return fmt.Sprintf("HTTP/1.1 %d", code)
	}
	return fmt.Sprintf("HTTP/1.1 %d %s", code, text)
}

// HeaderText renders h one "Name: value" line per value, names sorted.
func HeaderText(h http.Header) string {
	lines := make([]string, 0, len(h))
	for _, name := range slices.Sorted(maps.Keys(h)) {
		for _, v := range h[name] {
			lines = append(lines, name+": "+v)
		}
	}
	return strings.Join(lines, "\n")
}

// BearerChallenge holds the error attributes of a Bearer WWW-Authenticate
// challenge (RFC 6750 section 3).
type BearerChallenge struct {
	Error       string
	Description string
	URI         string
}

// ParseBearerChallenge reads the auth-params of a WWW-Authenticate value.
// Values may be quoted strings or bare tokens.
func ParseBearerChallenge(value string) BearerChallenge {
	var c BearerChallenge
	rest := strings.TrimSpace(value)
	if scheme, params, ok := strings.Cut(rest, " "); ok && !strings.Contains(scheme, "=") {
		rest = params
	}
	for rest != "" {
		rest = strings.TrimLeft(rest, " ,")
		key, after, ok := strings.Cut(rest, "=")
		if !ok {
			break
		}
		key = strings.ToLower(strings.TrimSpace(key))
		var val string
		if strings.HasPrefix(after, `"`) {
			end := strings.IndexByte(after[1:], '"')
			if end < 0 {
				val, rest = after[1:], ""
			} else {
				val, rest = after[1:end+1], after[end+2:]
			}
		} else {
			val, rest, _ = strings.Cut(after, ",")
			val = strings.TrimSpace(val)
		}
		switch key {
		case "error":
			c.Error = val
		case "error_description":
			c.Description = val
		case "error_uri":
			c.URI = val
		}
	}
	return c
}

// IsJSON reports whether a Content-Type names a JSON body.
func IsJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
