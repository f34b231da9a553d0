package transport

import (
	"fmt"
	"time"

	"github.com/reachforge/outreach/internal/store"
)

// Factory hands out the right Outbound for a mailbox. SES mailboxes
// share one API client; SMTP mailboxes each get a transport bound to
// their own credentials.
type Factory struct {
	ses     *SESTransport
	timeout time.Duration
}

// NewFactory creates a Factory. ses may be nil when no SES credentials
// are configured; SES-provider mailboxes then fail to resolve.
func NewFactory(ses *SESTransport, timeout time.Duration) *Factory {
	return &Factory{ses: ses, timeout: timeout}
}

// ForMailbox resolves the transport for the mailbox's provider.
func (f *Factory) ForMailbox(m *store.Mailbox) (Outbound, error) {
	switch m.Provider {
	case "ses":
		if f.ses == nil {
			return nil, fmt.Errorf("mailbox %s uses ses but no SES credentials are configured", m.Address)
		}
		return f.ses, nil
	case "smtp", "":
		if m.SMTPHost == "" {
			return nil, fmt.Errorf("mailbox %s has no smtp host", m.Address)
		}
		return NewSMTPTransport(m, f.timeout), nil
	default:
		return nil, fmt.Errorf("mailbox %s: unknown provider %q", m.Address, m.Provider)
	}
}
