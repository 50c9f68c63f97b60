// Package sweep moves old unread inbox mail out of the inbox and into an
// expiry label.
package sweep

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	gc "github.com/nigelsdtech/gmail-model/internal/gmail"
)

// DefaultExpiredLabel receives swept messages when Spec.ExpiredLabel is empty.
const DefaultExpiredLabel = "auto-archived/expired"

// Mailbox is the part of the mailbox facade a sweep needs.
type Mailbox interface {
	ListMessages(ctx context.Context, opts gc.ListOptions) ([]gc.Message, error)
	ResolveLabelID(ctx context.Context, name string, createIfMissing bool) (gc.LabelID, error)
	UpdateMessages(ctx context.Context, ids []gc.MessageID, ops gc.ModifyOps) error
}

type Spec struct {
	Label         string        // optional: restrict sweep to this label
	Grace         time.Duration // messages younger than this are left alone
	ExcludeLabels []string
	ExpiredLabel  string
	PauseWeekends bool
	DryRun        bool
	MaxResults    int // 0 sweeps everything that matches
}

// Result reports what one Run matched and changed.
type Result struct {
	Query   string `json:"query"`
	Matched int    `json:"matched"`
	Swept   int    `json:"swept"`
	Paused  bool   `json:"paused,omitempty"`
	DryRun  bool   `json:"dry_run,omitempty"`
}

type Service struct {
	Mailbox Mailbox
	Log     *slog.Logger
	Clock   func() time.Time
}

func NewService(mb Mailbox, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{Mailbox: mb, Log: logger, Clock: time.Now}
}

// ParseGraceMap parses "label=duration,label=duration" into per-label grace
// periods.
func ParseGraceMap(s string) (map[string]time.Duration, error) {
	out := map[string]time.Duration{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		label, raw, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("grace entry %q: want label=duration", part)
		}
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("grace entry %q: %w", part, err)
		}
		out[strings.TrimSpace(label)] = d
	}
	return out, nil
}

// Query builds the search expression for spec relative to now.
func Query(spec Spec, now time.Time) string {
	threshold := now.Add(-spec.Grace).Unix()
	var parts []string
	if spec.Label != "" {
		parts = append(parts, fmt.Sprintf("label:%q", spec.Label))
	}
	parts = append(parts, "in:inbox", "is:unread", fmt.Sprintf("before:%d", threshold), "-is:starred", "-is:important")
	excludes := append([]string(nil), spec.ExcludeLabels...)
	sort.Strings(excludes)
	for _, l := range excludes {
		parts = append(parts, fmt.Sprintf("-label:%q", l))
	}
	return strings.Join(parts, " ")
}

func (s *Service) Run(ctx context.Context, spec Spec) (Result, error) {
	now := s.Clock()
	if spec.PauseWeekends && isWeekend(now) {
		s.Log.InfoContext(ctx, "weekend pause", "label", spec.Label)
		return Result{Paused: true}, nil
	}
	res := Result{Query: Query(spec, now), DryRun: spec.DryRun}

	msgs, err := s.Mailbox.ListMessages(ctx, gc.ListOptions{Query: res.Query, MaxResults: spec.MaxResults})
	if err != nil {
		return res, fmt.Errorf("list sweep candidates: %w", err)
	}
	res.Matched = len(msgs)
	if len(msgs) == 0 {
		s.Log.InfoContext(ctx, "no messages to sweep", "label", spec.Label, "grace", spec.Grace)
		return res, nil
	}
	if spec.DryRun {
		s.Log.InfoContext(ctx, "dry-run", "label", spec.Label, "grace", spec.Grace, "count", len(msgs))
		return res, nil
	}

	name := spec.ExpiredLabel
	if name == "" {
		name = DefaultExpiredLabel
	}
	lid, err := s.Mailbox.ResolveLabelID(ctx, name, true)
	if err != nil {
		return res, err
	}
	ids := make([]gc.MessageID, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	ops := gc.ModifyOps{
		AddLabels:    []gc.LabelID{lid},
		RemoveLabels: []gc.LabelID{gc.LabelUnread, gc.LabelInbox},
	}
	if err := s.Mailbox.UpdateMessages(ctx, ids, ops); err != nil {
		return res, fmt.Errorf("sweep %d messages: %w", len(ids), err)
	}
	res.Swept = len(ids)
	s.Log.InfoContext(ctx, "swept", "label", spec.Label, "grace", spec.Grace, "count", len(ids))
	return res, nil
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
