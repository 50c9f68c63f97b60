package sender

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

type recordingBackend struct {
	username string
	password string

	mu       sync.Mutex
	conns    map[*smtp.Conn]struct{}
	messages []string
	rcpts    [][]string
	overTLS  []bool
	authed   []string
}

func (b *recordingBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conns == nil {
		b.conns = map[*smtp.Conn]struct{}{}
	}
	// STARTTLS restarts the session on the same connection
	b.conns[c] = struct{}{}
	s := &recordingSession{backend: b, conn: c}
	if b.password != "" {
		return &authSession{recordingSession: s}, nil
	}
	return s, nil
}

func (b *recordingBackend) connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

type recordingSession struct {
	backend *recordingBackend
	conn    *smtp.Conn
	to      []string
}

func (s *recordingSession) Mail(_ string, _ *smtp.MailOptions) error { return nil }

func (s *recordingSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *recordingSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	_, isTLS := s.conn.TLSConnectionState()
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.messages = append(s.backend.messages, string(data))
	s.backend.rcpts = append(s.backend.rcpts, s.to)
	s.backend.overTLS = append(s.backend.overTLS, isTLS)
	return nil
}

func (s *recordingSession) Reset() { s.to = nil }

func (s *recordingSession) Logout() error { return nil }

type authSession struct {
	*recordingSession
}

func (s *authSession) AuthMechanisms() []string { return []string{sasl.Plain} }

func (s *authSession) Auth(_ string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != s.backend.username || password != s.backend.password {
			return errors.New("invalid credentials")
		}
		s.backend.mu.Lock()
		s.backend.authed = append(s.backend.authed, username)
		s.backend.mu.Unlock()
		return nil
	}), nil
}

// selfSignedTLS returns a server config for 127.0.0.1 and a client config
// that trusts it.
func selfSignedTLS(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	server := &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}},
		MinVersion:   tls.VersionTLS12,
	}
	client := &tls.Config{RootCAs: pool, ServerName: "127.0.0.1", MinVersion: tls.VersionTLS12}
	return server, client
}

// startSMTPServer serves be on a loopback port. With implicit set the
// listener speaks TLS from the first byte; otherwise serverTLS, when given,
// is offered through STARTTLS.
func startSMTPServer(t *testing.T, be *recordingBackend, serverTLS *tls.Config, implicit bool) int {
	t.Helper()
	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.TLSConfig = serverTLS

	var (
		l   net.Listener
		err error
	)
	if implicit {
		l, err = tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	} else {
		l, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })
	return l.Addr().(*net.TCPAddr).Port
}

func sendTwice(t *testing.T, tr SMTPTransport) {
	t.Helper()
	s := New(tr, "me@example.com", slogDiscard())
	for _, subject := range []string{"first", "second"} {
		if _, err := s.Send(context.Background(), Message{
			To:      []string{"you@example.com"},
			Subject: subject,
			Body:    "hello " + subject,
		}); err != nil {
			t.Fatalf("send %s: %v", subject, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestSMTPTransportReusesSession(t *testing.T) {
	serverTLS, clientTLS := selfSignedTLS(t)
	tests := []struct {
		name     string
		security Security
		implicit bool
		wantTLS  bool
	}{
		{name: "plain", security: SecurityNone},
		{name: "starttls", security: SecurityStartTLS, wantTLS: true},
		{name: "implicit-tls", security: SecurityTLS, implicit: true, wantTLS: true},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			be := &recordingBackend{}
			var offered *tls.Config
			if tc.wantTLS {
				offered = serverTLS
			}
			port := startSMTPServer(t, be, offered, tc.implicit)

			sendTwice(t, SMTPTransport{Host: "127.0.0.1", Port: port, Security: tc.security, TLSConfig: clientTLS})

			if got := be.connections(); got != 1 {
				t.Fatalf("expected 1 smtp connection, got %d", got)
			}
			be.mu.Lock()
			defer be.mu.Unlock()
			if len(be.messages) != 2 {
				t.Fatalf("expected 2 delivered messages, got %d", len(be.messages))
			}
			if len(be.rcpts[1]) != 1 || be.rcpts[1][0] != "you@example.com" {
				t.Fatalf("second message recipients %v", be.rcpts[1])
			}
			for i, isTLS := range be.overTLS {
				if isTLS != tc.wantTLS {
					t.Fatalf("message %d over tls=%v want %v", i, isTLS, tc.wantTLS)
				}
			}
		})
	}
}

func TestSMTPTransportAuthenticatesOverTLS(t *testing.T) {
	serverTLS, clientTLS := selfSignedTLS(t)
	be := &recordingBackend{username: "me@example.com", password: "apppassword"}
	port := startSMTPServer(t, be, serverTLS, true)

	sendTwice(t, SMTPTransport{
		Host:      "127.0.0.1",
		Port:      port,
		Security:  SecurityTLS,
		Username:  "me@example.com",
		Password:  "apppassword",
		TLSConfig: clientTLS,
	})

	be.mu.Lock()
	defer be.mu.Unlock()
	if len(be.authed) != 1 || be.authed[0] != "me@example.com" {
		t.Fatalf("expected one PLAIN login, got %v", be.authed)
	}
	if len(be.messages) != 2 {
		t.Fatalf("expected 2 delivered messages, got %d", len(be.messages))
	}
}

func TestSMTPTransportRejectsBadPassword(t *testing.T) {
	serverTLS, clientTLS := selfSignedTLS(t)
	be := &recordingBackend{username: "me@example.com", password: "apppassword"}
	port := startSMTPServer(t, be, serverTLS, true)

	_, err := SMTPTransport{
		Host:      "127.0.0.1",
		Port:      port,
		Security:  SecurityTLS,
		Username:  "me@example.com",
		Password:  "wrong",
		TLSConfig: clientTLS,
	}.Dial(context.Background())
	var serr *SendError
	if !errors.As(err, &serr) || serr.Stage != StageAuth {
		t.Fatalf("expected auth-stage SendError, got %v", err)
	}
}

func TestSMTPTransportStartTLSUntrustedCert(t *testing.T) {
	serverTLS, _ := selfSignedTLS(t)
	be := &recordingBackend{}
	port := startSMTPServer(t, be, serverTLS, false)

	_, err := SMTPTransport{
		Host:      "127.0.0.1",
		Port:      port,
		Security:  SecurityStartTLS,
		TLSConfig: &tls.Config{ServerName: "127.0.0.1", MinVersion: tls.VersionTLS12},
	}.Dial(context.Background())
	var serr *SendError
	if !errors.As(err, &serr) || serr.Stage != StageDial {
		t.Fatalf("expected dial-stage SendError for untrusted cert, got %v", err)
	}
}

func TestSMTPTransportDialRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()

	_, err = SMTPTransport{Host: "127.0.0.1", Port: port, Security: SecurityNone}.Dial(context.Background())
	if err == nil {
		t.Fatalf("expected dial error")
	}
}
