package poller

import "strings"

// autoReplyPhrases are subject markers of vacation responders and other
// machine-generated replies, matched case-insensitively.
var autoReplyPhrases = []string{
	"out of office",
	"out of the office",
	"automatic reply",
	"autoreply",
	"auto-reply",
	"auto response",
	"autoresponder",
	"away from my email",
	"on vacation",
	"on annual leave",
	"maternity leave",
	"delivery status notification",
	"undeliverable",
	"mail delivery failed",
}

// AutoReplyDetector flags machine-generated replies so they skip the
// analysis pipeline. The stock rules follow RFC 3834 headers plus a
// subject phrase list; ExtraPhrases extends the list per deployment.
type AutoReplyDetector struct {
	ExtraPhrases []string
}

// Detect reports whether the message is an auto-reply.
func (d *AutoReplyDetector) Detect(m *InboundMessage) bool {
	if v, ok := m.Headers["auto-submitted"]; ok && !strings.EqualFold(strings.TrimSpace(v), "no") {
		return true
	}
	if v, ok := m.Headers["precedence"]; ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "auto_reply", "bulk", "junk":
			return true
		}
	}
	if _, ok := m.Headers["x-autoreply"]; ok {
		return true
	}
	if _, ok := m.Headers["x-autorespond"]; ok {
		return true
	}

	subject := strings.ToLower(m.Subject)
	for _, phrase := range autoReplyPhrases {
		if strings.Contains(subject, phrase) {
			return true
		}
	}
	for _, phrase := range d.ExtraPhrases {
		if phrase != "" && strings.Contains(subject, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}
