// Package mailbox is the per-account facade over the Gmail API and the
// outbound SMTP connection.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/nigelsdtech/gmail-model/internal/batch"
	"github.com/nigelsdtech/gmail-model/internal/config"
	gc "github.com/nigelsdtech/gmail-model/internal/gmail"
	"github.com/nigelsdtech/gmail-model/internal/rate"
	"github.com/nigelsdtech/gmail-model/internal/runtime"
	"github.com/nigelsdtech/gmail-model/internal/sender"
)

// listPageSize is the provider maximum for messages.list.
const listPageSize = 500

// Sender delivers outbound mail. *sender.Sender satisfies it.
type Sender interface {
	Send(ctx context.Context, msg sender.Message) (sender.Receipt, error)
	Close() error
}

// Deps are the collaborators a Mailbox calls into. Authorizer and Client are
// required; the rest fall back to no-op behaviour.
type Deps struct {
	Authorizer runtime.Authorizer
	Client     gc.Client
	Sender     Sender
	Limiter    rate.Limiter
	Logger     *slog.Logger

	// StopLimiter, when set, is called once by Close.
	StopLimiter func()
}

// Mailbox exposes label, message, attachment and send operations for one
// configured account.
type Mailbox struct {
	name        string
	userID      string
	concurrency int

	auth        runtime.Authorizer
	client      gc.Client
	sender      Sender
	limiter     rate.Limiter
	stopLimiter func()
	logger      *slog.Logger
}

// New builds a facade for cfg. cfg is expected to have defaults applied.
func New(cfg config.Mailbox, deps Deps) (*Mailbox, error) {
	if deps.Authorizer == nil {
		return nil, errors.New("mailbox: authorizer is required")
	}
	if deps.Client == nil {
		return nil, errors.New("mailbox: gmail client is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = rate.Unlimited{}
	}
	userID := cfg.UserID
	if userID == "" {
		userID = "me"
	}
	name := cfg.Name
	if name == "" {
		name = userID
	}
	concurrency := cfg.BatchConcurrency
	if concurrency == 0 {
		concurrency = batch.DefaultConcurrency
	}
	return &Mailbox{
		name:        name,
		userID:      userID,
		concurrency: concurrency,
		auth:        deps.Authorizer,
		client:      deps.Client,
		sender:      deps.Sender,
		limiter:     limiter,
		stopLimiter: deps.StopLimiter,
		logger:      logger.With("mailbox", name),
	}, nil
}

// Open wires the production collaborators for cfg: file-backed OAuth, the
// Gmail REST client, an SMTP sender and the configured rate limit.
func Open(cfg config.Mailbox, logger *slog.Logger) (*Mailbox, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	scopes, err := runtime.ScopeURLs(cfg.Auth.Scopes)
	if err != nil {
		return nil, fmt.Errorf("resolve scopes: %w", err)
	}
	limiter, stop := rate.New(cfg.RPS)
	transport := sender.SMTPTransport{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Security: sender.Security(cfg.SMTP.Security),
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.AppPassword,
		Timeout:  30 * time.Second,
	}
	var out Sender
	if cfg.SMTP.From != "" {
		out = sender.New(transport, cfg.SMTP.From, logger.With("mailbox", cfg.Name, "component", "smtp"))
	}
	return New(cfg, Deps{
		Authorizer:  runtime.NewFileAuthorizer(cfg.Auth.ClientSecretFile, cfg.Auth.TokenPath(), scopes),
		Client:      runtime.NewGoogleAPIClient(),
		Sender:      out,
		Limiter:     limiter,
		StopLimiter: stop,
		Logger:      logger,
	})
}

// Name is the configured mailbox name.
func (m *Mailbox) Name() string { return m.name }

// authorize paces the call and obtains a fresh authorization handle. A failure
// here means the remote call must not be made.
func (m *Mailbox) authorize(ctx context.Context) (oauth2.TokenSource, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ts, err := m.auth.Authorize(ctx)
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	return ts, nil
}

func (m *Mailbox) ListLabels(ctx context.Context) ([]gc.Label, error) {
	ts, err := m.authorize(ctx)
	if err != nil {
		return nil, err
	}
	labels, err := m.client.ListLabels(ctx, ts, m.userID)
	if err != nil {
		m.logger.ErrorContext(ctx, "list labels failed", "error", err)
		return nil, newRemoteError("list labels", "", err)
	}
	if labels == nil {
		labels = []gc.Label{}
	}
	m.logger.DebugContext(ctx, "labels listed", "count", len(labels))
	return labels, nil
}

func (m *Mailbox) CreateLabel(ctx context.Context, name string) (gc.LabelID, error) {
	ts, err := m.authorize(ctx)
	if err != nil {
		return "", err
	}
	label, err := m.client.CreateLabel(ctx, ts, m.userID, name)
	if err != nil {
		m.logger.ErrorContext(ctx, "create label failed", "label", name, "error", err)
		return "", newRemoteError("create label", name, err)
	}
	m.logger.InfoContext(ctx, "label created", "label", name, "id", label.ID)
	return label.ID, nil
}

func (m *Mailbox) DeleteLabel(ctx context.Context, id gc.LabelID) error {
	ts, err := m.authorize(ctx)
	if err != nil {
		return err
	}
	if err := m.client.DeleteLabel(ctx, ts, m.userID, id); err != nil {
		m.logger.ErrorContext(ctx, "delete label failed", "id", id, "error", err)
		return newRemoteError("delete label", string(id), err)
	}
	m.logger.InfoContext(ctx, "label deleted", "id", id)
	return nil
}

// ResolveLabelID returns the id of the first label named name. When none
// exists it creates the label if createIfMissing is set, otherwise it returns
// ErrLabelNotFound.
func (m *Mailbox) ResolveLabelID(ctx context.Context, name string, createIfMissing bool) (gc.LabelID, error) {
	labels, err := m.ListLabels(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve label %q: %w", name, err)
	}
	for _, l := range labels {
		if l.Name == name {
			return l.ID, nil
		}
	}
	if !createIfMissing {
		return "", fmt.Errorf("%w: %q", ErrLabelNotFound, name)
	}
	m.logger.DebugContext(ctx, "label missing, creating", "label", name)
	id, err := m.CreateLabel(ctx, name)
	if err != nil {
		return "", fmt.Errorf("resolve label %q: %w", name, err)
	}
	return id, nil
}

func (m *Mailbox) GetMessage(ctx context.Context, id gc.MessageID, opts gc.GetOptions) (gc.Message, error) {
	ts, err := m.authorize(ctx)
	if err != nil {
		return gc.Message{}, err
	}
	msg, err := m.client.GetMessage(ctx, ts, m.userID, id, opts)
	if err != nil {
		return gc.Message{}, newRemoteError("get message", string(id), err)
	}
	return msg, nil
}

// GetMessages fetches ids concurrently and returns them in input order. The
// first failure aborts the batch and no messages are returned.
func (m *Mailbox) GetMessages(ctx context.Context, ids []gc.MessageID, opts gc.GetOptions) ([]gc.Message, error) {
	log := m.logger.With("op", "get messages", "batch", uuid.NewString())
	log.DebugContext(ctx, "batch started", "items", len(ids), "concurrency", m.concurrency)
	msgs, err := batch.Run(ctx, ids, m.concurrency, func(ctx context.Context, id gc.MessageID) (gc.Message, error) {
		return m.GetMessage(ctx, id, opts)
	})
	if err != nil {
		log.ErrorContext(ctx, "batch failed", "error", err)
		return nil, err
	}
	log.InfoContext(ctx, "batch finished", "items", len(msgs))
	return msgs, nil
}

// ListMessages follows page tokens until opts.MaxResults messages were
// collected or the listing is exhausted. Returned messages carry only id and
// thread id. No match is an empty result, not an error.
func (m *Mailbox) ListMessages(ctx context.Context, opts gc.ListOptions) ([]gc.Message, error) {
	out := []gc.Message{}
	pageToken := ""
	pages := 0
	for {
		pageSize := listPageSize
		if opts.MaxResults > 0 && opts.MaxResults-len(out) < pageSize {
			pageSize = opts.MaxResults - len(out)
		}
		ts, err := m.authorize(ctx)
		if err != nil {
			return nil, err
		}
		page, err := m.client.ListMessages(ctx, ts, m.userID, opts, pageToken, pageSize)
		if err != nil {
			m.logger.ErrorContext(ctx, "list messages failed", "query", opts.Query, "page", pages, "error", err)
			return nil, newRemoteError("list messages", opts.Query, err)
		}
		pages++
		out = append(out, page.Messages...)
		if opts.MaxResults > 0 && len(out) >= opts.MaxResults {
			out = out[:opts.MaxResults]
			break
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	m.logger.DebugContext(ctx, "messages listed", "query", opts.Query, "count", len(out), "pages", pages)
	return out, nil
}

// UpdateMessage applies ops to a single message.
func (m *Mailbox) UpdateMessage(ctx context.Context, id gc.MessageID, ops gc.ModifyOps) (gc.Message, error) {
	ts, err := m.authorize(ctx)
	if err != nil {
		return gc.Message{}, err
	}
	msg, err := m.client.ModifyMessage(ctx, ts, m.userID, id, ops)
	if err != nil {
		m.logger.ErrorContext(ctx, "modify message failed", "id", id, "error", err)
		return gc.Message{}, newRemoteError("modify message", string(id), err)
	}
	m.logger.DebugContext(ctx, "message modified", "id", id, "add", len(ops.AddLabels), "remove", len(ops.RemoveLabels))
	return msg, nil
}

// UpdateMessages applies ops to every id using the provider's batch modify,
// split into chunks of gc.MaxBatchModify. The label outcome for each message is
// the same as calling UpdateMessage on it.
func (m *Mailbox) UpdateMessages(ctx context.Context, ids []gc.MessageID, ops gc.ModifyOps) error {
	if len(ids) == 0 {
		return nil
	}
	for start := 0; start < len(ids); start += gc.MaxBatchModify {
		end := min(start+gc.MaxBatchModify, len(ids))
		ts, err := m.authorize(ctx)
		if err != nil {
			return err
		}
		if err := m.client.BatchModify(ctx, ts, m.userID, ids[start:end], ops); err != nil {
			m.logger.ErrorContext(ctx, "batch modify failed", "offset", start, "count", end-start, "error", err)
			return newRemoteError("batch modify", fmt.Sprintf("%d messages", end-start), err)
		}
	}
	m.logger.InfoContext(ctx, "messages modified", "count", len(ids), "add", len(ops.AddLabels), "remove", len(ops.RemoveLabels))
	return nil
}

func (m *Mailbox) TrashMessage(ctx context.Context, id gc.MessageID) (gc.Message, error) {
	ts, err := m.authorize(ctx)
	if err != nil {
		return gc.Message{}, err
	}
	msg, err := m.client.TrashMessage(ctx, ts, m.userID, id)
	if err != nil {
		return gc.Message{}, newRemoteError("trash message", string(id), err)
	}
	if len(msg.LabelIDs) > 0 && !msg.HasLabel(gc.LabelTrash) {
		m.logger.WarnContext(ctx, "trashed message still lacks TRASH label", "id", id, "labels", msg.LabelIDs)
	}
	m.logger.DebugContext(ctx, "message trashed", "id", id)
	return msg, nil
}

// TrashMessages trashes ids concurrently with the same fail-fast rules as
// GetMessages.
func (m *Mailbox) TrashMessages(ctx context.Context, ids []gc.MessageID) ([]gc.Message, error) {
	log := m.logger.With("op", "trash messages", "batch", uuid.NewString())
	msgs, err := batch.Run(ctx, ids, m.concurrency, m.TrashMessage)
	if err != nil {
		log.ErrorContext(ctx, "batch failed", "error", err)
		return nil, err
	}
	log.InfoContext(ctx, "batch finished", "items", len(msgs))
	return msgs, nil
}

func (m *Mailbox) UntrashMessage(ctx context.Context, id gc.MessageID) (gc.Message, error) {
	ts, err := m.authorize(ctx)
	if err != nil {
		return gc.Message{}, err
	}
	msg, err := m.client.UntrashMessage(ctx, ts, m.userID, id)
	if err != nil {
		return gc.Message{}, newRemoteError("untrash message", string(id), err)
	}
	if msg.HasLabel(gc.LabelTrash) {
		m.logger.WarnContext(ctx, "untrashed message still carries TRASH label", "id", id)
	}
	m.logger.DebugContext(ctx, "message untrashed", "id", id)
	return msg, nil
}

func (m *Mailbox) GetAttachment(ctx context.Context, messageID gc.MessageID, attachmentID string) (gc.Attachment, error) {
	ts, err := m.authorize(ctx)
	if err != nil {
		return gc.Attachment{}, err
	}
	att, err := m.client.GetAttachment(ctx, ts, m.userID, messageID, attachmentID)
	if err != nil {
		return gc.Attachment{}, newRemoteError("get attachment", string(messageID)+"/"+attachmentID, err)
	}
	m.logger.DebugContext(ctx, "attachment fetched", "message", messageID, "size", humanize.Bytes(uint64(len(att.Data))))
	return att, nil
}

// SendMessage delivers msg over the mailbox's SMTP connection, opening it on
// first use.
func (m *Mailbox) SendMessage(ctx context.Context, msg sender.Message) (sender.Receipt, error) {
	if m.sender == nil {
		return sender.Receipt{}, ErrSendDisabled
	}
	rcpt, err := m.sender.Send(ctx, msg)
	if err != nil {
		m.logger.ErrorContext(ctx, "send failed", "subject", msg.Subject, "error", err)
		return sender.Receipt{}, err
	}
	return rcpt, nil
}

// Close releases the outbound connection and the rate limiter. Safe to call
// more than once.
func (m *Mailbox) Close() error {
	if m.stopLimiter != nil {
		m.stopLimiter()
	}
	if m.sender == nil {
		return nil
	}
	if err := m.sender.Close(); err != nil {
		return fmt.Errorf("close sender: %w", err)
	}
	return nil
}
