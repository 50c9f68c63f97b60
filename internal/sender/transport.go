package sender

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Security selects how the SMTP connection is protected.
type Security string

const (
	SecurityTLS      Security = "tls"      // implicit TLS, usually port 465
	SecurityStartTLS Security = "starttls" // upgrade after greeting, usually port 587
	SecurityNone     Security = "none"     // plain text, local relays and tests only
)

// Conn is one established, authenticated outbound connection.
type Conn interface {
	Send(from string, to []string, r io.Reader) error
	Reset() error
	Close() error
}

// Transport opens outbound connections.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// SMTPTransport dials an SMTP submission server and authenticates with
// SASL PLAIN when Password is set.
type SMTPTransport struct {
	Host     string
	Port     int
	Security Security
	Username string
	Password string

	// TLSConfig overrides the default config (ServerName = Host).
	TLSConfig *tls.Config
	Timeout   time.Duration
}

func (t SMTPTransport) addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t SMTPTransport) tlsConfig() *tls.Config {
	if t.TLSConfig != nil {
		return t.TLSConfig
	}
	return &tls.Config{ServerName: t.Host, MinVersion: tls.VersionTLS12}
}

// Dial connects, negotiates transport security and authenticates.
func (t SMTPTransport) Dial(ctx context.Context) (Conn, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}

	var (
		conn net.Conn
		err  error
	)
	switch t.Security {
	case SecurityTLS, "":
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: t.tlsConfig()}).DialContext(ctx, "tcp", t.addr())
	case SecurityStartTLS, SecurityNone:
		conn, err = dialer.DialContext(ctx, "tcp", t.addr())
	default:
		return nil, &SendError{Stage: StageDial, Err: fmt.Errorf("unknown security mode %q", t.Security)}
	}
	if err != nil {
		return nil, &SendError{Stage: StageDial, Err: fmt.Errorf("dial %s: %w", t.addr(), err)}
	}

	var c *smtp.Client
	if t.Security == SecurityStartTLS {
		c, err = smtp.NewClientStartTLS(conn, t.tlsConfig())
		if err != nil {
			_ = conn.Close()
			return nil, &SendError{Stage: StageDial, Err: fmt.Errorf("starttls: %w", err)}
		}
	} else {
		c = smtp.NewClient(conn)
	}
	if t.Password != "" {
		if err := c.Auth(sasl.NewPlainClient("", t.Username, t.Password)); err != nil {
			_ = c.Close()
			return nil, &SendError{Stage: StageAuth, Err: err}
		}
	}
	return &smtpConn{c: c}, nil
}

type smtpConn struct {
	c *smtp.Client
}

func (s *smtpConn) Send(from string, to []string, r io.Reader) error {
	if err := s.c.Mail(from, nil); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := s.c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("RCPT TO %q: %w", rcpt, err)
		}
	}
	w, err := s.c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize message: %w", err)
	}
	return nil
}

func (s *smtpConn) Reset() error {
	return s.c.Reset()
}

func (s *smtpConn) Close() error {
	if err := s.c.Quit(); err != nil {
		_ = s.c.Close()
		return fmt.Errorf("QUIT: %w", err)
	}
	return nil
}

var _ Transport = SMTPTransport{}
