package worker

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/pkg/logger"
)

const defaultSMTPPort = 587

// SMTPTransport submits messages to an SMTP relay. Credentials map to
// Identity=username/envelope sender, Secret=password, Endpoint:Port=server.
type SMTPTransport struct {
	timeout    time.Duration
	requireTLS bool
	tlsConfig  *tls.Config
}

// NewSMTPTransport creates an SMTP transport. A zero timeout means 30s.
func NewSMTPTransport(timeout time.Duration, requireTLS bool) *SMTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SMTPTransport{timeout: timeout, requireTLS: requireTLS}
}

func (t *SMTPTransport) Name() string { return string(domain.TransportSMTP) }

// Open dials the server, upgrades with STARTTLS when offered and
// authenticates when the credential set carries a secret. A failed STARTTLS
// leaves the connection unusable, so without requireTLS the server is dialed
// again and the session continues in plaintext.
func (t *SMTPTransport) Open(ctx context.Context, creds domain.Credentials) (Session, error) {
	port := creds.Port
	if port == 0 {
		port = defaultSMTPPort
	}
	addr := net.JoinHostPort(creds.Endpoint, strconv.Itoa(port))

	c, conn, err := t.dial(ctx, addr, creds.Endpoint)
	if err != nil {
		return nil, err
	}

	if ok, _ := c.Extension("STARTTLS"); ok {
		cfg := t.tlsConfig
		if cfg == nil {
			cfg = &tls.Config{ServerName: creds.Endpoint}
		}
		if err := c.StartTLS(cfg); err != nil {
			c.Close()
			if t.requireTLS {
				return nil, fmt.Errorf("STARTTLS: %w", err)
			}
			logger.Warn("STARTTLS failed, reconnecting without TLS", "endpoint", creds.Endpoint, "error", err)
			if c, conn, err = t.dial(ctx, addr, creds.Endpoint); err != nil {
				return nil, err
			}
		}
	} else if t.requireTLS {
		c.Close()
		return nil, fmt.Errorf("server %s does not offer STARTTLS", addr)
	}

	if creds.Secret != "" {
		if err := c.Auth(&plainAuth{user: creds.Identity, pass: creds.Secret}); err != nil {
			c.Close()
			return nil, fmt.Errorf("AUTH: %w", err)
		}
	}

	return &smtpSession{client: c, host: creds.Endpoint, timeout: t.timeout, conn: conn}, nil
}

func (t *SMTPTransport) dial(ctx context.Context, addr, host string) (*smtp.Client, net.Conn, error) {
	dialer := &net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("SMTP connect to %s: %w", addr, err)
	}
	conn.SetDeadline(time.Now().Add(t.timeout))
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("SMTP client: %w", err)
	}
	return c, conn, nil
}

// smtpSession serializes transactions over one connection; smtp.Client is
// not safe for concurrent use.
type smtpSession struct {
	mu      sync.Mutex
	client  *smtp.Client
	conn    net.Conn
	host    string
	timeout time.Duration
}

func (s *smtpSession) Deliver(ctx context.Context, env Envelope) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.conn.SetDeadline(time.Now().Add(s.timeout))

	messageID := fmt.Sprintf("%s@%s", uuid.New().String(), s.host)
	msg := composeMessage(env, messageID)

	if err := s.transaction(env, msg); err != nil {
		// leave the connection ready for the next recipient
		s.client.Reset()
		return "", err
	}
	return messageID, nil
}

func (s *smtpSession) transaction(env Envelope, msg []byte) error {
	if err := s.client.Mail(env.From); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := s.client.Rcpt(string(env.To)); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}
	w, err := s.client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA close: %w", err)
	}
	return nil
}

func (s *smtpSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.client.Quit(); err != nil {
		return s.client.Close()
	}
	return nil
}

// composeMessage builds an RFC 5322 message with an HTML body.
func composeMessage(env Envelope, messageID string) []byte {
	var buf bytes.Buffer
	if env.FromName != "" {
		fmt.Fprintf(&buf, "From: %s <%s>\r\n", headerValue(env.FromName), env.From)
	} else {
		fmt.Fprintf(&buf, "From: %s\r\n", env.From)
	}
	fmt.Fprintf(&buf, "To: %s\r\n", headerValue(string(env.To)))
	fmt.Fprintf(&buf, "Subject: %s\r\n", headerValue(env.Subject))
	fmt.Fprintf(&buf, "Message-ID: <%s>\r\n", messageID)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(strings.ReplaceAll(strings.ReplaceAll(env.Body, "\r\n", "\n"), "\n", "\r\n"))
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// headerValue strips line breaks so rendered values cannot add headers.
func headerValue(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

// plainAuth implements smtp.Auth without the TLS requirement that
// stdlib's PlainAuth enforces. Relays on private networks often skip TLS
// on the submission port.
type plainAuth struct {
	user, pass string
}

func (a *plainAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	resp := []byte("\x00" + a.user + "\x00" + a.pass)
	return "PLAIN", resp, nil
}

func (a *plainAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		return nil, fmt.Errorf("unexpected server challenge")
	}
	return nil, nil
}
