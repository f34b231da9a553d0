package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/reachforge/outreach/internal/store"
)

// SMTPTransport submits messages through the mailbox's own provider over
// authenticated SMTP. Port 465 gets implicit TLS; anything else connects
// plain and upgrades with STARTTLS.
type SMTPTransport struct {
	host     string
	port     int
	username string
	password string
	timeout  time.Duration
	now      func() time.Time
}

// NewSMTPTransport builds a transport from the mailbox's stored
// credentials.
func NewSMTPTransport(m *store.Mailbox, timeout time.Duration) *SMTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SMTPTransport{
		host:     m.SMTPHost,
		port:     m.SMTPPort,
		username: m.SMTPUsername,
		password: m.SMTPPassword,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Send delivers one message. Errors come back as *DeliveryError with the
// temporary/permanent split taken from the server's reply code.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) (Result, error) {
	data, msgID := BuildRFC822(msg, t.now().UTC())

	client, err := t.dial(ctx)
	if err != nil {
		return Result{}, &DeliveryError{Temporary: true, Stage: "connect", Message: err.Error()}
	}
	defer client.Close()

	auth := sasl.NewPlainClient("", t.username, t.password)
	if err := client.Auth(auth); err != nil {
		// Bad credentials will not fix themselves, but providers also
		// return auth-stage 4xx under load; classify by code.
		return Result{}, t.classify("auth", err)
	}

	if err := client.Mail(msg.From, nil); err != nil {
		return Result{}, t.classify("mail from", err)
	}
	if err := client.Rcpt(msg.To, nil); err != nil {
		return Result{}, t.classify("rcpt to", err)
	}

	wc, err := client.Data()
	if err != nil {
		return Result{}, t.classify("data", err)
	}
	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return Result{}, &DeliveryError{Temporary: true, Stage: "data write", Message: err.Error()}
	}
	if err := wc.Close(); err != nil {
		return Result{}, t.classify("data close", err)
	}

	client.Quit()
	return Result{MessageID: msgID}, nil
}

func (t *SMTPTransport) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(t.host, fmt.Sprint(t.port))
	dialer := &net.Dialer{Timeout: t.timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(t.timeout))
	}

	tlsConfig := &tls.Config{ServerName: t.host, MinVersion: tls.VersionTLS12}

	if t.port == 465 {
		return smtp.NewClient(tls.Client(conn, tlsConfig)), nil
	}

	client := smtp.NewClient(conn)
	if err := client.Hello("localhost"); err != nil {
		client.Close()
		return nil, err
	}
	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, err
		}
	}
	return client, nil
}

// classify splits server replies into temporary and permanent failures.
// The library's SMTPError carries the reply code; anything else falls
// back to scanning the text.
func (t *SMTPTransport) classify(stage string, err error) *DeliveryError {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return &DeliveryError{
			Temporary: se.Temporary(),
			Stage:     stage,
			Message:   err.Error(),
		}
	}
	return classifyError(stage, err)
}
