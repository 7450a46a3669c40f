package providers

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// StatusError is a non-2xx answer from a model API.
type StatusError struct {
	StatusCode int
	// Type and Message come from the {"error": {"type", "message"}} envelope
	// when the body carries one.
	Type      string
	Message   string
	RequestID string
}

func (e *StatusError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "model: http status %d", e.StatusCode)
	if e.Type != "" {
		b.WriteString(" ")
		b.WriteString(e.Type)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, " (request %s)", e.RequestID)
	}
	return b.String()
}

// Retryable reports rate limits, overload and server errors.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func statusError(resp *http.Response) error {
	if resp == nil {
		return fmt.Errorf("model: empty http response")
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	out := &StatusError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("request-id"),
	}
	if gjson.ValidBytes(raw) {
		body := gjson.ParseBytes(raw)
		out.Type = body.Get("error.type").String()
		out.Message = body.Get("error.message").String()
	}
	if out.Message == "" {
		out.Message = strings.TrimSpace(string(raw))
	}
	return out
}
