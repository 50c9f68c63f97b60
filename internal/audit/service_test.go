package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nigelsdtech/gmail-model/internal/gmail"
)

type fakeAuditMailbox struct {
	labels     []gmail.Label
	listed     []gmail.Message
	metas      map[gmail.MessageID]gmail.Message
	queries    []string
	getOpts    []gmail.GetOptions
	getErr     error
	getBatches int
}

func (f *fakeAuditMailbox) ListLabels(ctx context.Context) ([]gmail.Label, error) {
	_ = ctx
	return f.labels, nil
}

func (f *fakeAuditMailbox) ListMessages(ctx context.Context, opts gmail.ListOptions) ([]gmail.Message, error) {
	_ = ctx
	f.queries = append(f.queries, opts.Query)
	return f.listed, nil
}

func (f *fakeAuditMailbox) GetMessages(ctx context.Context, ids []gmail.MessageID, opts gmail.GetOptions) ([]gmail.Message, error) {
	_ = ctx
	f.getBatches++
	f.getOpts = append(f.getOpts, opts)
	if f.getErr != nil {
		return nil, f.getErr
	}
	out := make([]gmail.Message, len(ids))
	for i, id := range ids {
		out[i] = f.metas[id]
	}
	return out, nil
}

func newFake() *fakeAuditMailbox {
	return &fakeAuditMailbox{
		labels: []gmail.Label{{ID: "INBOX", Name: "INBOX"}, {ID: "Label_1", Name: "news"}},
		listed: []gmail.Message{{ID: "1"}, {ID: "2"}, {ID: "3"}},
		metas: map[gmail.MessageID]gmail.Message{
			"1": {ID: "1", LabelIDs: []gmail.LabelID{"INBOX"}, Headers: map[string]string{
				"From":    "Alerts <alerts@Example.com>",
				"Subject": "Disk almost full",
			}},
			"2": {ID: "2", LabelIDs: []gmail.LabelID{"INBOX", "Label_1"}, Headers: map[string]string{
				"From":    "news@example.com",
				"Subject": "Weekly digest",
				"List-Id": "Example News <news.example.com>",
			}},
			"3": {ID: "3", LabelIDs: []gmail.LabelID{"Label_1"}, Headers: map[string]string{
				"From":    "=?UTF-8?q?B=C3=BCcher?= <books@shop.test>",
				"Subject": "Your order",
				"List-Id": "<NEWS.example.com>",
			}},
		},
	}
}

func TestRunBuildsReport(t *testing.T) {
	fake := newFake()
	svc := NewService(fake, slogDiscard())
	svc.Clock = func() time.Time { return time.Unix(1700000000, 0) }

	rep, err := svc.Run(context.Background(), Options{Window: 36 * time.Hour, TopN: 5})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if fake.queries[0] != "newer_than:2d" {
		t.Fatalf("query %q", fake.queries[0])
	}
	if fake.getBatches != 1 || fake.getOpts[0].Format != gmail.FormatMetadata {
		t.Fatalf("metadata fetch %d %+v", fake.getBatches, fake.getOpts)
	}
	if rep.Total != 3 {
		t.Fatalf("total %d", rep.Total)
	}
	if len(rep.TopSenders) != 2 || rep.TopSenders[0].Domain != "example.com" || rep.TopSenders[0].Count != 2 {
		t.Fatalf("senders %+v", rep.TopSenders)
	}
	if rep.TopSenders[0].PreviewSubject != "Disk almost full" {
		t.Fatalf("preview %q", rep.TopSenders[0].PreviewSubject)
	}
	if len(rep.TopLists) != 1 || rep.TopLists[0].ListID != "news.example.com" || rep.TopLists[0].Count != 2 {
		t.Fatalf("lists %+v", rep.TopLists)
	}
	if rep.Coverage["INBOX"] != 2 || rep.Coverage["news"] != 2 {
		t.Fatalf("coverage %v", rep.Coverage)
	}
}

func TestRunEmptyWindow(t *testing.T) {
	fake := newFake()
	fake.listed = nil
	rep, err := NewService(fake, slogDiscard()).Run(context.Background(), Options{Window: time.Hour})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Total != 0 || fake.getBatches != 0 {
		t.Fatalf("expected empty report without fetches, got %+v (%d fetches)", rep, fake.getBatches)
	}
}

func TestRunErrors(t *testing.T) {
	if _, err := NewService(newFake(), slogDiscard()).Run(context.Background(), Options{}); err == nil {
		t.Fatalf("expected window error")
	}
	fake := newFake()
	fake.getErr = errors.New("batch item 1: get message 2: 500")
	if _, err := NewService(fake, slogDiscard()).Run(context.Background(), Options{Window: time.Hour}); err == nil || !strings.Contains(err.Error(), "get metadata") {
		t.Fatalf("expected metadata error, got %v", err)
	}
}

func TestTopNLimits(t *testing.T) {
	fake := newFake()
	rep, err := NewService(fake, slogDiscard()).Run(context.Background(), Options{Window: time.Hour, TopN: 1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rep.TopSenders) != 1 || len(rep.TopLists) != 1 {
		t.Fatalf("topN not applied: %+v", rep)
	}
}

func TestPrintHuman(t *testing.T) {
	var b strings.Builder
	rep := Report{
		Window:     48 * time.Hour,
		Total:      2,
		TopSenders: []SenderStat{{Domain: "example.com", Count: 2, PreviewSubject: strings.Repeat("x", 80)}},
		Coverage:   map[string]int{"news": 1},
	}
	if err := PrintHuman(rep, &b); err != nil {
		t.Fatalf("print: %v", err)
	}
	out := b.String()
	if !strings.Contains(out, "example.com") || !strings.Contains(out, "…") || !strings.Contains(out, "news") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestHelpers(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{name: "domain-display-name", got: domainOf("A <a@Sub.Example.org>"), want: "sub.example.org"},
		{name: "domain-bare", got: domainOf("b@example.com"), want: "example.com"},
		{name: "domain-garbage", got: domainOf("not an address"), want: ""},
		{name: "list-named", got: normalizeListID(`"Dev" <dev.lists.example.com>`), want: "dev.lists.example.com"},
		{name: "list-bare", got: normalizeListID("  <Ops.Example.com> "), want: "ops.example.com"},
		{name: "list-empty", got: normalizeListID(""), want: ""},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %q want %q", tt.name, tt.got, tt.want)
		}
	}
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
