// Package audit summarises recent mailbox traffic by sender domain, mailing
// list and label.
package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nigelsdtech/gmail-model/internal/gmail"
)

const previewSubjectDisplayLimit = 60

func defaultHeaders() []string {
	return []string{"From", "Subject", "List-Id"}
}

// Mailbox is the part of the mailbox facade an audit reads from.
type Mailbox interface {
	ListLabels(ctx context.Context) ([]gmail.Label, error)
	ListMessages(ctx context.Context, opts gmail.ListOptions) ([]gmail.Message, error)
	GetMessages(ctx context.Context, ids []gmail.MessageID, opts gmail.GetOptions) ([]gmail.Message, error)
}

// Options controls the behavior of the audit analyzer.
type Options struct {
	Window      time.Duration
	TopN        int
	MaxMessages int // 0 reads every message in the window
}

// Service executes audit analyses against message metadata.
type Service struct {
	Mailbox Mailbox
	Logger  *slog.Logger
	Clock   func() time.Time
}

func NewService(mb Mailbox, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{Mailbox: mb, Logger: logger, Clock: time.Now}
}

// Report summarizes recent inbox activity.
type Report struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Window      time.Duration  `json:"window"`
	Total       int            `json:"total"`
	TopSenders  []SenderStat   `json:"top_senders"`
	TopLists    []ListStat     `json:"top_lists"`
	Coverage    map[string]int `json:"coverage"`
}

// SenderStat ranks noisy sender domains.
type SenderStat struct {
	Domain         string `json:"domain"`
	Count          int    `json:"count"`
	PreviewSubject string `json:"preview_subject"`
}

// ListStat ranks noisy List-Id sources.
type ListStat struct {
	ListID         string `json:"list_id"`
	Count          int    `json:"count"`
	PreviewSubject string `json:"preview_subject"`
}

// Run produces a report over messages received within opts.Window.
func (s *Service) Run(ctx context.Context, opts Options) (Report, error) {
	if opts.Window <= 0 {
		return Report{}, fmt.Errorf("window must be positive")
	}
	topN := opts.TopN
	if topN <= 0 {
		topN = 20
	}
	s.Logger.InfoContext(ctx, "running audit", slog.Duration("window", opts.Window))

	labels, err := s.Mailbox.ListLabels(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list labels: %w", err)
	}
	labelsByID := make(map[gmail.LabelID]string, len(labels))
	for _, l := range labels {
		labelsByID[l.ID] = l.Name
	}

	listed, err := s.Mailbox.ListMessages(ctx, gmail.ListOptions{
		Query:      fmt.Sprintf("newer_than:%dd", daysFromDuration(opts.Window)),
		MaxResults: opts.MaxMessages,
	})
	if err != nil {
		return Report{}, fmt.Errorf("list messages: %w", err)
	}
	rep := Report{
		GeneratedAt: s.Clock(),
		Window:      opts.Window,
		Total:       len(listed),
		Coverage:    map[string]int{},
	}
	if len(listed) == 0 {
		return rep, nil
	}

	ids := make([]gmail.MessageID, len(listed))
	for i, m := range listed {
		ids[i] = m.ID
	}
	metas, err := s.Mailbox.GetMessages(ctx, ids, gmail.GetOptions{
		Format:          gmail.FormatMetadata,
		MetadataHeaders: defaultHeaders(),
	})
	if err != nil {
		return Report{}, fmt.Errorf("get metadata: %w", err)
	}

	rep.TopSenders, rep.TopLists = buildRankings(metas, topN)
	rep.Coverage = buildCoverage(metas, labelsByID)
	return rep, nil
}

// PrintHuman writes a readable report to w.
func PrintHuman(rep Report, w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "mailbox audit, window %s (%d messages)\n", rep.Window, rep.Total)
	if len(rep.TopSenders) > 0 {
		b.WriteString("\nTop senders:\n")
		for _, s := range rep.TopSenders {
			fmt.Fprintf(&b, "  %-30s %4d %s\n", s.Domain, s.Count, truncate(s.PreviewSubject, previewSubjectDisplayLimit))
		}
	}
	if len(rep.TopLists) > 0 {
		b.WriteString("\nTop lists:\n")
		for _, l := range rep.TopLists {
			fmt.Fprintf(&b, "  %-30s %4d %s\n", l.ListID, l.Count, truncate(l.PreviewSubject, previewSubjectDisplayLimit))
		}
	}
	if len(rep.Coverage) > 0 {
		names := make([]string, 0, len(rep.Coverage))
		for name := range rep.Coverage {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("\nLabels:\n")
		for _, name := range names {
			fmt.Fprintf(&b, "  %-30s %4d\n", name, rep.Coverage[name])
		}
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write human report: %w", err)
	}
	return nil
}

func buildRankings(metas []gmail.Message, topN int) ([]SenderStat, []ListStat) {
	senders := map[string]*SenderStat{}
	lists := map[string]*ListStat{}
	for _, meta := range metas {
		subject := meta.Headers["Subject"]
		if domain := domainOf(meta.Headers["From"]); domain != "" {
			st := senders[domain]
			if st == nil {
				st = &SenderStat{Domain: domain, PreviewSubject: subject}
				senders[domain] = st
			}
			st.Count++
		}
		if lid := normalizeListID(meta.Headers["List-Id"]); lid != "" {
			ls := lists[lid]
			if ls == nil {
				ls = &ListStat{ListID: lid, PreviewSubject: subject}
				lists[lid] = ls
			}
			ls.Count++
		}
	}

	topSenders := make([]SenderStat, 0, len(senders))
	for _, st := range senders {
		topSenders = append(topSenders, *st)
	}
	sort.Slice(topSenders, func(i, j int) bool {
		if topSenders[i].Count == topSenders[j].Count {
			return topSenders[i].Domain < topSenders[j].Domain
		}
		return topSenders[i].Count > topSenders[j].Count
	})

	topLists := make([]ListStat, 0, len(lists))
	for _, ls := range lists {
		topLists = append(topLists, *ls)
	}
	sort.Slice(topLists, func(i, j int) bool {
		if topLists[i].Count == topLists[j].Count {
			return topLists[i].ListID < topLists[j].ListID
		}
		return topLists[i].Count > topLists[j].Count
	})
	return topSenders[:min(topN, len(topSenders))], topLists[:min(topN, len(topLists))]
}

func buildCoverage(metas []gmail.Message, labelsByID map[gmail.LabelID]string) map[string]int {
	coverage := make(map[string]int)
	for _, meta := range metas {
		for _, lid := range meta.LabelIDs {
			if name, ok := labelsByID[lid]; ok {
				coverage[name]++
			}
		}
	}
	return coverage
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func daysFromDuration(window time.Duration) int {
	const day = 24 * time.Hour
	days := int((window + day - 1) / day)
	return max(days, 1)
}
