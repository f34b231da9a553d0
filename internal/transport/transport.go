// Package transport delivers outbound email over SMTP submission or the
// SES API behind a single interface.
package transport

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Message is one outbound email, fully rendered.
type Message struct {
	From     string
	FromName string
	To       string
	ToName   string
	Subject  string
	Body     string

	// MessageID without angle brackets; generated when empty.
	MessageID string
}

// Result reports a completed delivery.
type Result struct {
	// MessageID as accepted by the provider, used later to thread
	// replies.
	MessageID string
}

// Outbound delivers messages for one mailbox.
type Outbound interface {
	Send(ctx context.Context, msg Message) (Result, error)
}

// DeliveryError classifies a failed delivery. Temporary failures go back
// to the queue for retry; permanent ones burn the attempt chain or, for
// recipient rejections, bounce the lead.
type DeliveryError struct {
	Temporary bool
	Stage     string
	Message   string
}

func (e *DeliveryError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return e.Message
}

var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// classifyError wraps an error from a delivery stage: 5xx codes are
// permanent, 4xx temporary, anything unrecognized (network errors,
// timeouts) is assumed temporary so the queue retries it.
func classifyError(stage string, err error) *DeliveryError {
	msg := err.Error()
	if m := smtpCodePattern.FindStringSubmatch(msg); len(m) > 1 {
		if strings.HasPrefix(m[1], "5") {
			return &DeliveryError{Temporary: false, Stage: stage, Message: msg}
		}
		return &DeliveryError{Temporary: true, Stage: stage, Message: msg}
	}
	return &DeliveryError{Temporary: true, Stage: stage, Message: msg}
}

// IsPermanent reports whether err is a delivery error that should not be
// retried.
func IsPermanent(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return !de.Temporary
	}
	return false
}
