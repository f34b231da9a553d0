// Package poller watches mailbox inboxes for replies, threads them back
// to the sends that caused them, and records them for analysis.
package poller

import (
	"context"
	"time"
)

// InboundMessage is a parsed inbox message.
type InboundMessage struct {
	UID        int64
	MessageID  string
	InReplyTo  []string
	References []string
	From       string
	FromName   string
	Subject    string
	Body       string
	Date       time.Time

	// Headers carries the subset of headers the auto-reply detector
	// inspects, lowercased keys.
	Headers map[string]string
}

// ThreadIDs returns every Message-ID this reply claims to answer,
// In-Reply-To first.
func (m *InboundMessage) ThreadIDs() []string {
	out := make([]string, 0, len(m.InReplyTo)+len(m.References))
	out = append(out, m.InReplyTo...)
	out = append(out, m.References...)
	return out
}

// InboundClient reads a mailbox's inbox. FetchSince returns every
// message with a UID strictly greater than sinceUID, in UID order.
type InboundClient interface {
	FetchSince(ctx context.Context, sinceUID int64) ([]InboundMessage, error)
	Close() error
}
