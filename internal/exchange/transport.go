package exchange

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/wadahiro/pkcelens/internal/protocol"
)

// Capture records one resource API round trip for display in the console.
type Capture struct {
	Method     string
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

type captureKey struct{}

// WithCapture returns a context whose next resource API call is recorded
// into the returned Capture.
func WithCapture(ctx context.Context) (context.Context, *Capture) {
	c := &Capture{}
	return context.WithValue(ctx, captureKey{}, c), c
}

// capturingTransport logs each call and fills the Capture carried by the
// request context, if any.
type capturingTransport struct {
	base http.RoundTripper
}

func newCapturingTransport(base http.RoundTripper) *capturingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &capturingTransport{base: base}
}

func (t *capturingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	c, _ := req.Context().Value(captureKey{}).(*Capture)
	if c != nil {
		c.Method = req.Method
		c.URL = req.URL.String()
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		slog.Warn("Resource API request failed", "method", req.Method, "url", req.URL.String(), "error", err)
		return nil, err
	}

	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	elapsed := time.Since(start)
	slog.Debug("Resource API response",
		"method", req.Method,
		"url", req.URL.String(),
		"status", resp.StatusCode,
		"bytes", len(body),
		"authorization", protocol.Redact(req.Header.Get("Authorization")),
		"duration", elapsed)

	if c != nil {
		c.StatusCode = resp.StatusCode
		c.Headers = resp.Header.Clone()
		c.Body = body
		c.Duration = elapsed
	}
	return resp, nil
}
