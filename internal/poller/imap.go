package poller

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"github.com/reachforge/outreach/internal/pkg/logger"
	"github.com/reachforge/outreach/internal/store"
)

// detectorHeaders are the headers kept for auto-reply detection.
var detectorHeaders = []string{
	"auto-submitted",
	"precedence",
	"x-autoreply",
	"x-autorespond",
	"x-auto-response-suppress",
}

// IMAPClient implements InboundClient over IMAP with implicit TLS. One
// client serves one mailbox and one Poll pass; it is not reused across
// polls.
type IMAPClient struct {
	address  string
	username string
	password string
	timeout  time.Duration
	conn     *client.Client
}

// NewIMAPClient builds a client from the mailbox's stored credentials.
// It does not connect; the first FetchSince does.
func NewIMAPClient(m *store.Mailbox, timeout time.Duration) *IMAPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &IMAPClient{
		address:  net.JoinHostPort(m.IMAPHost, fmt.Sprint(m.IMAPPort)),
		username: m.IMAPUsername,
		password: m.IMAPPassword,
		timeout:  timeout,
	}
}

func (c *IMAPClient) connect() error {
	dialer := &net.Dialer{Timeout: c.timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", c.address, nil)
	if err != nil {
		return fmt.Errorf("imap dial %s: %w", c.address, err)
	}

	imapConn, err := client.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("imap handshake: %w", err)
	}
	if err := imapConn.Login(c.username, c.password); err != nil {
		imapConn.Logout()
		return fmt.Errorf("imap login: %w", err)
	}
	c.conn = imapConn
	return nil
}

// FetchSince returns inbox messages with UID > sinceUID.
func (c *IMAPClient) FetchSince(ctx context.Context, sinceUID int64) ([]InboundMessage, error) {
	if c.conn == nil {
		if err := c.connect(); err != nil {
			return nil, err
		}
	}

	mbox, err := c.conn.Select("INBOX", true)
	if err != nil {
		return nil, fmt.Errorf("select inbox: %w", err)
	}
	if mbox.Messages == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(uint32(sinceUID)+1, 0)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 32)
	done := make(chan error, 1)
	go func() {
		done <- c.conn.UidFetch(seqSet, items, messages)
	}()

	var out []InboundMessage
	for msg := range messages {
		if int64(msg.Uid) <= sinceUID {
			// Servers answer a start-past-end UID range with the last
			// message; skip anything already seen.
			continue
		}
		parsed, err := parseIMAPMessage(msg, section)
		if err != nil {
			logger.Warn("inbound parse failed", "uid", msg.Uid, "error", err)
			continue
		}
		out = append(out, parsed)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("uid fetch: %w", err)
	}
	return out, ctx.Err()
}

// Close logs out and drops the connection.
func (c *IMAPClient) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Logout()
	c.conn = nil
	return err
}

func parseIMAPMessage(msg *imap.Message, section *imap.BodySectionName) (InboundMessage, error) {
	m := InboundMessage{
		UID:     int64(msg.Uid),
		Headers: make(map[string]string),
	}

	if env := msg.Envelope; env != nil {
		m.Subject = env.Subject
		m.Date = env.Date
		m.MessageID = trimMessageID(env.MessageId)
		if env.InReplyTo != "" {
			m.InReplyTo = splitMessageIDs(env.InReplyTo)
		}
		if len(env.From) > 0 {
			m.From = env.From[0].Address()
			m.FromName = env.From[0].PersonalName
		}
	}

	body := msg.GetBody(section)
	if body == nil {
		return m, nil
	}
	mr, err := mail.CreateReader(body)
	if err != nil {
		return m, fmt.Errorf("mail reader: %w", err)
	}

	if refs := mr.Header.Get("References"); refs != "" {
		m.References = splitMessageIDs(refs)
	}
	for _, h := range detectorHeaders {
		if v := mr.Header.Get(h); v != "" {
			m.Headers[h] = v
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if h, ok := part.Header.(*mail.InlineHeader); ok {
			ct, _, _ := h.ContentType()
			if strings.HasPrefix(ct, "text/plain") || (m.Body == "" && strings.HasPrefix(ct, "text/html")) {
				data, err := io.ReadAll(part.Body)
				if err == nil && strings.HasPrefix(ct, "text/plain") {
					m.Body = string(data)
				} else if err == nil && m.Body == "" {
					m.Body = string(data)
				}
			}
		}
	}
	return m, nil
}

// trimMessageID strips angle brackets and whitespace.
func trimMessageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

// splitMessageIDs parses a References-style header into bare IDs.
func splitMessageIDs(v string) []string {
	var out []string
	for _, f := range strings.Fields(v) {
		if id := trimMessageID(f); id != "" {
			out = append(out, id)
		}
	}
	return out
}
