// Package sender owns the outbound mail connection of a mailbox: it is
// opened on the first send, reused for every later send and closed with the
// mailbox.
package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/emersion/go-message/mail"
)

const (
	StageDial    = "dial"
	StageAuth    = "auth"
	StageCompose = "compose"
	StageSend    = "send"
)

var (
	ErrClosed       = errors.New("sender closed")
	ErrNoRecipients = errors.New("at least one recipient is required")
	ErrNoSender     = errors.New("no from address given and no default configured")
)

// SendError is an outbound transport failure.
type SendError struct {
	Stage string
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send mail (%s): %v", e.Stage, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Message is an outgoing message. From falls back to the sender default.
type Message struct {
	From     string
	To       []string
	Cc       []string
	Bcc      []string
	Subject  string
	Body     string
	HTMLBody string
}

// Receipt acknowledges an accepted message.
type Receipt struct {
	MessageID  string   `json:"message_id"`
	From       string   `json:"from"`
	Recipients []string `json:"recipients"`
	Bytes      int      `json:"bytes"`
}

// Sender sends mail over one lazily opened connection. Sends are serialised.
type Sender struct {
	transport   Transport
	defaultFrom string
	logger      *slog.Logger
	clock       func() time.Time

	mu     sync.Mutex
	conn   Conn
	closed bool
}

// New returns a Sender that dials through t on first use.
func New(t Transport, defaultFrom string, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sender{
		transport:   t,
		defaultFrom: defaultFrom,
		logger:      logger,
		clock:       time.Now,
	}
}

// Send composes msg and delivers it over the shared connection, dialing it
// first if needed. On a delivery error the session is reset; if that fails
// too the connection is dropped and the next Send dials again.
func (s *Sender) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	from := strings.TrimSpace(msg.From)
	if from == "" {
		from = s.defaultFrom
	}
	if from == "" {
		return Receipt{}, &SendError{Stage: StageCompose, Err: ErrNoSender}
	}
	rcpts := uniqueRecipients(msg.To, msg.Cc, msg.Bcc)
	if len(rcpts) == 0 {
		return Receipt{}, &SendError{Stage: StageCompose, Err: ErrNoRecipients}
	}
	raw, msgID, err := compose(from, msg, s.clock())
	if err != nil {
		return Receipt{}, &SendError{Stage: StageCompose, Err: err}
	}
	envelopeFrom, err := mail.ParseAddress(from)
	if err != nil {
		return Receipt{}, &SendError{Stage: StageCompose, Err: fmt.Errorf("parse from: %w", err)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Receipt{}, ErrClosed
	}
	if s.conn == nil {
		conn, err := s.transport.Dial(ctx)
		if err != nil {
			var serr *SendError
			if errors.As(err, &serr) {
				return Receipt{}, err
			}
			return Receipt{}, &SendError{Stage: StageDial, Err: err}
		}
		s.logger.DebugContext(ctx, "outbound connection opened")
		s.conn = conn
	}

	if err := s.conn.Send(envelopeFrom.Address, rcpts, bytes.NewReader(raw)); err != nil {
		if rerr := s.conn.Reset(); rerr != nil {
			s.logger.WarnContext(ctx, "dropping outbound connection", "error", rerr)
			_ = s.conn.Close()
			s.conn = nil
		}
		return Receipt{}, &SendError{Stage: StageSend, Err: err}
	}
	s.logger.InfoContext(ctx, "message sent",
		"message_id", msgID,
		"recipients", len(rcpts),
		"size", humanize.Bytes(uint64(len(raw))),
	)
	return Receipt{MessageID: msgID, From: envelopeFrom.Address, Recipients: rcpts, Bytes: len(raw)}, nil
}

// Close quits the connection if one was opened. Later sends fail with
// ErrClosed. Close is idempotent.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return &SendError{Stage: StageSend, Err: err}
	}
	return nil
}

func compose(from string, msg Message, now time.Time) ([]byte, string, error) {
	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, "", fmt.Errorf("parse from: %w", err)
	}
	to, err := parseAddresses(msg.To)
	if err != nil {
		return nil, "", err
	}
	cc, err := parseAddresses(msg.Cc)
	if err != nil {
		return nil, "", err
	}

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{fromAddr})
	if len(to) > 0 {
		h.SetAddressList("To", to)
	}
	if len(cc) > 0 {
		h.SetAddressList("Cc", cc)
	}
	h.SetSubject(sanitizeHeader(msg.Subject))
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("generate message id: %w", err)
	}
	msgID, err := h.MessageID()
	if err != nil {
		return nil, "", fmt.Errorf("read message id: %w", err)
	}

	var buf bytes.Buffer
	if msg.HTMLBody == "" {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, "", fmt.Errorf("create body: %w", err)
		}
		if err := writeAndClose(w, msg.Body); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), msgID, nil
	}

	mw, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("create body: %w", err)
	}
	parts := []struct{ typ, body string }{
		{"text/plain", msg.Body},
		{"text/html", msg.HTMLBody},
	}
	for _, p := range parts {
		var ph mail.InlineHeader
		ph.SetContentType(p.typ, map[string]string{"charset": "utf-8"})
		w, err := mw.CreatePart(ph)
		if err != nil {
			return nil, "", fmt.Errorf("create %s part: %w", p.typ, err)
		}
		if err := writeAndClose(w, p.body); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("finalize body: %w", err)
	}
	return buf.Bytes(), msgID, nil
}

func writeAndClose(w io.WriteCloser, body string) error {
	if _, err := io.WriteString(w, body); err != nil {
		_ = w.Close()
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close body: %w", err)
	}
	return nil
}

func parseAddresses(in []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(in))
	for _, raw := range in {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", raw, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// uniqueRecipients returns bare envelope addresses, first occurrence wins.
// Unparseable entries are kept verbatim and rejected by the server.
func uniqueRecipients(groups ...[]string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, 8)
	for _, group := range groups {
		for _, rcpt := range group {
			rcpt = strings.TrimSpace(rcpt)
			if rcpt == "" {
				continue
			}
			if addr, err := mail.ParseAddress(rcpt); err == nil {
				rcpt = addr.Address
			}
			key := strings.ToLower(rcpt)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, rcpt)
		}
	}
	return out
}

func sanitizeHeader(value string) string {
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.ReplaceAll(value, "\n", " ")
	return strings.TrimSpace(value)
}
