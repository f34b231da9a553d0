package transport

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reachforge/outreach/internal/store"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		temporary bool
	}{
		{"5xx is permanent", errors.New("550 5.1.1 user unknown"), false},
		{"4xx is temporary", errors.New("421 too many connections"), true},
		{"network error is temporary", errors.New("dial tcp: i/o timeout"), true},
		{"code mid-message", errors.New("server said: 552 mailbox full"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			de := classifyError("send", tt.err)
			assert.Equal(t, tt.temporary, de.Temporary)
		})
	}
}

func TestIsPermanent(t *testing.T) {
	perm := &DeliveryError{Temporary: false, Message: "550 no such user"}
	temp := &DeliveryError{Temporary: true, Message: "421 busy"}

	assert.True(t, IsPermanent(perm))
	assert.False(t, IsPermanent(temp))
	assert.True(t, IsPermanent(fmt.Errorf("send: %w", perm)))
	assert.False(t, IsPermanent(errors.New("plain error")))
}

func TestBuildRFC822(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	msg := Message{
		From:     "sender@corp.test",
		FromName: "Corp Sender",
		To:       "lead@example.test",
		Subject:  "Quick question",
		Body:     "Hi there,\n\nShort note.",
	}

	data, msgID := BuildRFC822(msg, now)
	raw := string(data)

	assert.Contains(t, raw, "From: Corp Sender <sender@corp.test>\r\n")
	assert.Contains(t, raw, "To: lead@example.test\r\n")
	assert.Contains(t, raw, "Subject: Quick question\r\n")
	assert.Contains(t, raw, "Message-ID: <"+msgID+">\r\n")
	assert.Contains(t, raw, "Date: Fri, 01 May 2026 10:00:00 +0000\r\n")
	assert.True(t, strings.HasSuffix(msgID, "@corp.test"), "message id scoped to sender domain")

	// Headers and body split by a blank line; body is CRLF normalized.
	parts := strings.SplitN(raw, "\r\n\r\n", 2)
	require.Len(t, parts, 2)
	assert.Contains(t, parts[1], "Hi there,\r\n\r\nShort note.")
}

func TestBuildRFC822KeepsProvidedMessageID(t *testing.T) {
	msg := Message{From: "s@a.test", To: "r@b.test", MessageID: "fixed-id@a.test"}
	_, msgID := BuildRFC822(msg, time.Now())
	assert.Equal(t, "fixed-id@a.test", msgID)
}

func TestFactoryForMailbox(t *testing.T) {
	f := NewFactory(nil, time.Second)

	smtpBox := &store.Mailbox{Address: "a@b.test", Provider: "smtp", SMTPHost: "smtp.b.test", SMTPPort: 587}
	out, err := f.ForMailbox(smtpBox)
	require.NoError(t, err)
	assert.IsType(t, &SMTPTransport{}, out)

	sesBox := &store.Mailbox{Address: "a@b.test", Provider: "ses"}
	_, err = f.ForMailbox(sesBox)
	assert.Error(t, err, "no SES credentials configured")

	_, err = f.ForMailbox(&store.Mailbox{Address: "a@b.test", Provider: "carrier-pigeon"})
	assert.Error(t, err)
}
