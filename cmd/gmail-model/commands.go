package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nigelsdtech/gmail-model/internal/audit"
	"github.com/nigelsdtech/gmail-model/internal/gmail"
	"github.com/nigelsdtech/gmail-model/internal/runtime"
	"github.com/nigelsdtech/gmail-model/internal/sender"
	"github.com/nigelsdtech/gmail-model/internal/sweep"
)

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet("gmail-model "+name, flag.ContinueOnError)
}

func messageIDs(args []string) ([]gmail.MessageID, error) {
	if len(args) == 0 {
		return nil, errors.New("at least one message id is required")
	}
	ids := make([]gmail.MessageID, len(args))
	for i, arg := range args {
		ids[i] = gmail.MessageID(arg)
	}
	return ids, nil
}

func runAuthorize(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("authorize")
	code := fs.String("code", "", "authorization code (prompted for when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	scopes, err := runtime.ScopeURLs(a.cfg.Auth.Scopes)
	if err != nil {
		return err
	}
	auth := runtime.NewFileAuthorizer(a.cfg.Auth.ClientSecretFile, a.cfg.Auth.TokenPath(), scopes)
	url, err := auth.AuthCodeURL()
	if err != nil {
		return err
	}
	if *code == "" {
		fmt.Fprintf(os.Stderr, "Open this URL, grant access and paste the code:\n\n%s\n\ncode: ", url)
		line, err := bufio.NewReader(a.in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read code: %w", err)
		}
		*code = strings.TrimSpace(line)
	}
	if *code == "" {
		return errors.New("no authorization code given")
	}
	if err := auth.Exchange(ctx, *code); err != nil {
		return err
	}
	a.logger.Info("token saved", "path", a.cfg.Auth.TokenPath())
	return nil
}

func runLabels(ctx context.Context, a *app, args []string) error {
	if err := newFlagSet("labels").Parse(args); err != nil {
		return err
	}
	mb, err := a.mailbox()
	if err != nil {
		return err
	}
	labels, err := mb.ListLabels(ctx)
	if err != nil {
		return err
	}
	return a.print(labels)
}

func runCreateLabel(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("create-label")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: create-label <name>")
	}
	mb, err := a.mailbox()
	if err != nil {
		return err
	}
	id, err := mb.CreateLabel(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return a.print(map[string]gmail.LabelID{"id": id})
}

func runDeleteLabel(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("delete-label")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: delete-label <id>")
	}
	mb, err := a.mailbox()
	if err != nil {
		return err
	}
	return mb.DeleteLabel(ctx, gmail.LabelID(fs.Arg(0)))
}

func runResolveLabel(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("resolve-label")
	create := fs.Bool("create", false, "create the label when it does not exist")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: resolve-label [-create] <name>")
	}
	mb, err := a.mailbox()
	if err != nil {
		return err
	}
	id, err := mb.ResolveLabelID(ctx, fs.Arg(0), *create)
	if err != nil {
		return err
	}
	return a.print(map[string]gmail.LabelID{"id": id})
}

func runGet(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("get")
	format := fs.String("format", gmail.FormatMetadata, "full, metadata, minimal or raw")
	headers := fs.String("headers", "From,To,Subject,Date", "comma separated headers for metadata format")
	fields := fs.String("fields", "", "partial response field mask")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ids, err := messageIDs(fs.Args())
	if err != nil {
		return err
	}
	mb, err := a.mailbox()
	if err != nil {
		return err
	}
	opts := gmail.GetOptions{Format: *format, MetadataHeaders: splitList(*headers), Fields: *fields}
	if len(ids) == 1 {
		msg, err := mb.GetMessage(ctx, ids[0], opts)
		if err != nil {
			return err
		}
		return a.print(msg)
	}
	msgs, err := mb.GetMessages(ctx, ids, opts)
	if err != nil {
		return err
	}
	return a.print(msgs)
}

func runList(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("list")
	query := fs.String("q", "", "Gmail search query")
	labels := fs.String("labels", "", "comma separated label names every result must carry")
	maxResults := fs.Int("max", 100, "maximum messages to return (0 = all)")
	spamTrash := fs.Bool("include-spam-trash", false, "include SPAM and TRASH")
	if err := fs.Parse(args); err != nil {
		return err
	}
	mb, err := a.mailbox()
	if err != nil {
		return err
	}
	opts := gmail.ListOptions{Query: *query, MaxResults: *maxResults, IncludeSpamTrash: *spamTrash}
	for _, name := range splitList(*labels) {
		id, err := mb.ResolveLabelID(ctx, name, false)
		if err != nil {
			return err
		}
		opts.LabelIDs = append(opts.LabelIDs, id)
	}
	msgs, err := mb.ListMessages(ctx, opts)
	if err != nil {
		return err
	}
	return a.print(msgs)
}

func runModify(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("modify")
	add := fs.String("add", "", "comma separated label names to add (created when missing)")
	remove := fs.String("remove", "", "comma separated label names to remove")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ids, err := messageIDs(fs.Args())
	if err != nil {
		return err
	}
	mb, err := a.mailbox()
	if err != nil {
		return err
	}
	var ops gmail.ModifyOps
	for _, name := range splitList(*add) {
		id, err := mb.ResolveLabelID(ctx, name, true)
		if err != nil {
			return err
		}
		ops.AddLabels = append(ops.AddLabels, id)
	}
	for _, name := range splitList(*remove) {
		id, err := mb.ResolveLabelID(ctx, name, false)
		if err != nil {
			return err
		}
		ops.RemoveLabels = append(ops.RemoveLabels, id)
	}
	if ops.Empty() {
		return errors.New("nothing to do: pass -add and/or -remove")
	}
	if len(ids) == 1 {
		msg, err := mb.UpdateMessage(ctx, ids[0], ops)
		if err != nil {
			return err
		}
		return a.print(msg)
	}
	if err := mb.UpdateMessages(ctx, ids, ops); err != nil {
		return err
	}
	return a.print(map[string]int{"modified": len(ids)})
}

func runTrash(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("trash")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ids, err := messageIDs(fs.Args())
	if err != nil {
		return err
	}
	mb, err := a.mailbox()
	if err != nil {
		return err
	}
	if len(ids) == 1 {
		msg, err := mb.TrashMessage(ctx, ids[0])
		if err != nil {
			return err
		}
		return a.print(msg)
	}
	msgs, err := mb.TrashMessages(ctx, ids)
	if err != nil {
		return err
	}
	return a.print(msgs)
}

func runUntrash(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("untrash")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: untrash <message-id>")
	}
	mb, err := a.mailbox()
	if err != nil {
		return err
	}
	msg, err := mb.UntrashMessage(ctx, gmail.MessageID(fs.Arg(0)))
	if err != nil {
		return err
	}
	return a.print(msg)
}

func runAttachment(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("attachment")
	out := fs.String("o", "", "write the attachment bytes to this file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: attachment [-o file] <message-id> <attachment-id>")
	}
	mb, err := a.mailbox()
	if err != nil {
		return err
	}
	att, err := mb.GetAttachment(ctx, gmail.MessageID(fs.Arg(0)), fs.Arg(1))
	if err != nil {
		return err
	}
	if *out == "" {
		return a.print(att)
	}
	if err := os.WriteFile(*out, att.Data, 0o600); err != nil {
		return fmt.Errorf("write attachment: %w", err)
	}
	a.logger.Info("attachment written", "path", *out, "bytes", len(att.Data))
	return nil
}

func runSend(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("send")
	from := fs.String("from", "", "sender address (defaults to smtp.from)")
	to := fs.String("to", "", "comma separated recipients")
	cc := fs.String("cc", "", "comma separated cc recipients")
	bcc := fs.String("bcc", "", "comma separated bcc recipients")
	subject := fs.String("subject", "", "subject line")
	body := fs.String("body", "", "plain text body; read from stdin when empty")
	htmlFile := fs.String("html-file", "", "file holding an HTML alternative body")
	if err := fs.Parse(args); err != nil {
		return err
	}
	msg := sender.Message{
		From:    *from,
		To:      splitList(*to),
		Cc:      splitList(*cc),
		Bcc:     splitList(*bcc),
		Subject: *subject,
		Body:    *body,
	}
	if msg.Body == "" {
		data, err := io.ReadAll(a.in)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		msg.Body = string(data)
	}
	if *htmlFile != "" {
		data, err := os.ReadFile(*htmlFile)
		if err != nil {
			return fmt.Errorf("read html body: %w", err)
		}
		msg.HTMLBody = string(data)
	}
	mb, err := a.mailbox()
	if err != nil {
		return err
	}
	rcpt, err := mb.SendMessage(ctx, msg)
	if err != nil {
		return err
	}
	return a.print(rcpt)
}

func runSweep(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("sweep")
	label := fs.String("label", "", "limit sweep to this label")
	grace := fs.Duration("grace", 48*time.Hour, "default grace period")
	graceMap := fs.String("grace-map", "", "comma separated label=duration overrides")
	exclude := fs.String("exclude-labels", "", "comma separated labels to protect")
	expiredLabel := fs.String("expired-label", sweep.DefaultExpiredLabel, "label applied to swept mail")
	dryRun := fs.Bool("dry-run", false, "log only; skip modifications")
	pauseWeekends := fs.Bool("pause-weekends", false, "skip runs on Saturday/Sunday")
	if err := fs.Parse(args); err != nil {
		return err
	}
	overrides, err := sweep.ParseGraceMap(*graceMap)
	if err != nil {
		return fmt.Errorf("parse grace map: %w", err)
	}
	mb, err := a.mailbox()
	if err != nil {
		return err
	}
	svc := sweep.NewService(mb, a.logger)

	base := sweep.Spec{
		Grace:         *grace,
		ExcludeLabels: splitList(*exclude),
		ExpiredLabel:  *expiredLabel,
		PauseWeekends: *pauseWeekends,
		DryRun:        *dryRun,
	}
	specs := []sweep.Spec{base}
	specs[0].Label = *label
	if *label == "" {
		// labels with their own grace are swept separately and kept out of
		// the default pass
		for lbl := range overrides {
			specs[0].ExcludeLabels = append(specs[0].ExcludeLabels, lbl)
		}
		for lbl, d := range overrides {
			s := base
			s.Label = lbl
			s.Grace = d
			specs = append(specs, s)
		}
	}

	results := make([]sweep.Result, 0, len(specs))
	for _, spec := range specs {
		res, err := svc.Run(ctx, spec)
		if err != nil {
			return fmt.Errorf("sweep %q: %w", spec.Label, err)
		}
		results = append(results, res)
	}
	return a.print(results)
}

func runAudit(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("audit")
	days := fs.Int("days", 30, "lookback window in days")
	topN := fs.Int("top", 20, "number of top senders/lists to display")
	limit := fs.Int("max", 2000, "maximum messages to inspect (0 = all)")
	jsonOut := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	mb, err := a.mailbox()
	if err != nil {
		return err
	}
	rep, err := audit.NewService(mb, a.logger).Run(ctx, audit.Options{
		Window:      time.Duration(*days) * 24 * time.Hour,
		TopN:        *topN,
		MaxMessages: *limit,
	})
	if err != nil {
		return err
	}
	if *jsonOut {
		return a.print(rep)
	}
	return audit.PrintHuman(rep, a.out)
}
