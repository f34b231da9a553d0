package transport

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"mime"
	"strings"
	"time"
)

// GenerateMessageID builds an RFC 5322 Message-ID scoped to the sender's
// domain, without angle brackets.
func GenerateMessageID(from string) string {
	domain := "localhost"
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		domain = from[i+1:]
	}
	b := make([]byte, 12)
	rand.Read(b)
	return fmt.Sprintf("%d.%s@%s", time.Now().UnixNano(), hex.EncodeToString(b), domain)
}

// BuildRFC822 renders the message as a wire-format email. The returned
// Message-ID (without brackets) is what the headers carry.
func BuildRFC822(msg Message, now time.Time) ([]byte, string) {
	msgID := msg.MessageID
	if msgID == "" {
		msgID = GenerateMessageID(msg.From)
	}

	var b strings.Builder
	writeAddr := func(header, name, addr string) {
		if name != "" {
			fmt.Fprintf(&b, "%s: %s <%s>\r\n", header, mime.QEncoding.Encode("utf-8", name), addr)
		} else {
			fmt.Fprintf(&b, "%s: %s\r\n", header, addr)
		}
	}

	writeAddr("From", msg.FromName, msg.From)
	writeAddr("To", msg.ToName, msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Message-ID: <%s>\r\n", msgID)
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")

	return []byte(b.String()), msgID
}
