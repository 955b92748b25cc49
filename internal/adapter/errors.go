package adapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yaotools/toolmeter/internal/openai"
)

// Kind classifies inference failures in the order they are detected.
type Kind string

const (
	KindTransport Kind = "transport_failure"
	KindHTTP      Kind = "http_error"
	KindMalformed Kind = "malformed_response"
	KindEmpty     Kind = "empty_stream"
)

const maxBodyInMessage = 200

// Error is returned by provider adapters for every failed inference call.
type Error struct {
	Kind     Kind
	Provider string
	Status   int
	Body     string
	// HTMLPage is set when an error body is an HTML document (gateway or
	// proxy error pages) rather than a provider JSON error.
	HTMLPage bool
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (http %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	} else if e.Body != "" && !e.HTMLPage {
		b.WriteString(": ")
		b.WriteString(truncate(e.Body, maxBodyInMessage))
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage renders the failure as text suitable for showing in place of
// an answer.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindTransport:
		return "The AI service could not be reached. Your use has been refunded, please try again."
	case KindHTTP:
		if e.HTMLPage {
			return fmt.Sprintf("The AI service returned an error page (HTTP %d). Check the model endpoint configuration.", e.Status)
		}
		if msg := providerMessage(e.Body); msg != "" {
			return fmt.Sprintf("The AI service rejected the request (HTTP %d): %s", e.Status, msg)
		}
		return fmt.Sprintf("The AI service rejected the request (HTTP %d).", e.Status)
	case KindMalformed:
		return "The AI service returned a response that could not be understood."
	case KindEmpty:
		return "No valid response content was received from the AI service."
	default:
		return "The AI request failed."
	}
}

// KindOf extracts the failure kind from err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr.Kind
	}
	return ""
}

// UserMessage renders any error for inline display.
func UserMessage(err error) string {
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr.UserMessage()
	}
	return "The AI request failed: " + err.Error()
}

// IsHTMLPage reports whether body looks like an HTML error document.
func IsHTMLPage(body string) bool {
	trimmed := strings.TrimSpace(body)
	if len(trimmed) >= len("<!doctype") && strings.EqualFold(trimmed[:len("<!doctype")], "<!doctype") {
		return true
	}
	return strings.Contains(strings.ToLower(trimmed), "<html")
}

func providerMessage(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	if msg := jsonErrorMessage(body); msg != "" {
		return msg
	}
	return truncate(body, maxBodyInMessage)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func jsonErrorMessage(body string) string {
	var env openai.ErrorEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return ""
	}
	return env.Error.Message
}
