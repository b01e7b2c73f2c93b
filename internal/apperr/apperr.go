// Package apperr decides the user-facing kind and text of every failed
// operation. Callers route errors through Classify instead of formatting
// their own messages.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

type Kind string

const (
	KindUnsupportedFormat  Kind = "unsupported_format"
	KindUnreachable        Kind = "unreachable"
	KindServiceUnavailable Kind = "service_unavailable"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindDeclined           Kind = "declined"
	KindUnknown            Kind = "unknown"
)

const (
	MessageUnreachable        = "Unable to connect to server. Please try again."
	MessageServiceUnavailable = "Service temporarily unavailable. Please try again later."
	MessageQuotaExceeded      = "Daily limit reached! Please try again tomorrow."
	MessageUnknown            = "Failed to process the file. Please try again."

	// Used when the backend answers success=false without saying why.
	MessageChatFallback       = "Sorry, I encountered an error processing your question."
	MessageUploadFallback     = "Upload failed"
	MessageGenerationFallback = "Failed to generate test cases"
)

var ErrUnsupportedFormat = errors.New("unsupported file format")

// Classified is the outcome of Classify. It is also an error so it can be
// stored where an error is expected.
type Classified struct {
	Kind    Kind
	Message string
}

func (c Classified) Error() string {
	return c.Message
}

// StatusCoder is implemented by errors that carry an HTTP response status.
type StatusCoder interface {
	HTTPStatusCode() int
}

// Detailer is implemented by errors that carry a backend explanation.
type Detailer interface {
	Detail() string
}

// NoResponder is implemented by errors raised before any HTTP response
// arrived (DNS, refused connection, timeout).
type NoResponder interface {
	NoResponse() bool
}

// Classify maps a failure to a kind and message. First match wins:
// no response, 503, 429, backend detail, unknown.
func Classify(err error) Classified {
	if err == nil {
		return Classified{Kind: KindUnknown, Message: MessageUnknown}
	}

	var c Classified
	if errors.As(err, &c) {
		return c
	}

	var fe *FormatError
	if errors.As(err, &fe) {
		return Classified{Kind: KindUnsupportedFormat, Message: fe.message()}
	}

	if isNoResponse(err) {
		return Classified{Kind: KindUnreachable, Message: MessageUnreachable}
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		switch sc.HTTPStatusCode() {
		case http.StatusServiceUnavailable:
			return Classified{Kind: KindServiceUnavailable, Message: MessageServiceUnavailable}
		case http.StatusTooManyRequests:
			return Classified{Kind: KindQuotaExceeded, Message: MessageQuotaExceeded}
		}
	}

	var d Detailer
	if errors.As(err, &d) {
		if detail := strings.TrimSpace(d.Detail()); detail != "" {
			return Classified{Kind: KindDeclined, Message: detail}
		}
	}

	return Classified{Kind: KindUnknown, Message: MessageUnknown}
}

func isNoResponse(err error) bool {
	var nr NoResponder
	if errors.As(err, &nr) {
		return nr.NoResponse()
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// DeclinedError is a structurally valid response the backend marked as
// unsuccessful.
type DeclinedError struct {
	Explanation string
	Fallback    string
}

// Declined builds a DeclinedError; fallback is used when explanation is blank.
func Declined(explanation, fallback string) error {
	return &DeclinedError{Explanation: explanation, Fallback: fallback}
}

func (e *DeclinedError) Error() string {
	return "declined: " + e.Detail()
}

func (e *DeclinedError) Detail() string {
	if s := strings.TrimSpace(e.Explanation); s != "" {
		return s
	}
	if s := strings.TrimSpace(e.Fallback); s != "" {
		return s
	}
	return MessageUnknown
}

// FormatError is raised by local validation before any network call.
type FormatError struct {
	Name     string
	Detected string
	Accepted []string
}

// UnsupportedFormat reports that a file of type detected is not one of accepted.
func UnsupportedFormat(name, detected string, accepted ...string) error {
	return &FormatError{Name: name, Detected: detected, Accepted: accepted}
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", ErrUnsupportedFormat, e.Name, e.Detected)
}

func (e *FormatError) Unwrap() error {
	return ErrUnsupportedFormat
}

func (e *FormatError) message() string {
	labels := make([]string, 0, len(e.Accepted))
	for _, a := range e.Accepted {
		labels = append(labels, formatLabel(a))
	}
	switch len(labels) {
	case 0:
		return "Unsupported file type."
	case 1:
		return fmt.Sprintf("Please upload a %s file only.", labels[0])
	default:
		return fmt.Sprintf("Unsupported file type. Please upload %s or %s files.",
			strings.Join(labels[:len(labels)-1], ", "), labels[len(labels)-1])
	}
}

func formatLabel(mime string) string {
	switch mime {
	case "application/pdf":
		return "PDF"
	case "image/jpeg":
		return "JPEG"
	case "image/png":
		return "PNG"
	}
	if i := strings.LastIndex(mime, "/"); i >= 0 {
		return strings.ToUpper(mime[i+1:])
	}
	return strings.ToUpper(mime)
}
