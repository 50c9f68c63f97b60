package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/nigelsdtech/gmail-model/internal/config"
	"github.com/nigelsdtech/gmail-model/internal/mailbox"
	"github.com/nigelsdtech/gmail-model/internal/runtime"
)

type globalConfig struct {
	configPath string
	logLevel   string
	rps        int
}

// app is what every subcommand gets: the loaded config, a logger and an
// output sink. The mailbox is opened lazily so authorize can run without a
// token.
type app struct {
	cfg    config.Mailbox
	logger *slog.Logger
	out    io.Writer
	in     io.Reader

	mb *mailbox.Mailbox
}

type command struct {
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"authorize":     {"obtain and cache an OAuth token", runAuthorize},
	"labels":        {"list labels", runLabels},
	"create-label":  {"create a label by name", runCreateLabel},
	"delete-label":  {"delete a label by id", runDeleteLabel},
	"resolve-label": {"print the id of a label, optionally creating it", runResolveLabel},
	"get":           {"fetch one or more messages", runGet},
	"list":          {"list messages matching a query", runList},
	"modify":        {"add or remove labels on messages", runModify},
	"trash":         {"move messages to trash", runTrash},
	"untrash":       {"restore a message from trash", runUntrash},
	"attachment":    {"download an attachment", runAttachment},
	"send":          {"send a message over SMTP", runSend},
	"sweep":         {"expire old unread inbox mail into a label", runSweep},
	"audit":         {"summarise recent traffic by sender, list and label", runAudit},
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		runtime.DefaultLogger().Error("gmail-model failed", "error", err)
		os.Exit(1)
	}
}

func parseGlobalFlags(args []string) (globalConfig, []string, error) {
	fs := flag.NewFlagSet("gmail-model", flag.ContinueOnError)
	configPath := fs.String("config", os.ExpandEnv("$HOME/.config/gmail-model/mailbox.yaml"), "mailbox config file")
	logLevel := fs.String("log-level", "", "override log level (debug, info, warn, error)")
	rps := fs.Int("rps", -1, "override max Gmail requests per second (0 = unlimited)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: gmail-model [flags] <command> [args]\n\ncommands:\n")
		names := make([]string, 0, len(commands))
		for name := range commands {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(fs.Output(), "  %-14s %s\n", name, commands[name].summary)
		}
		fmt.Fprintf(fs.Output(), "\nflags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return globalConfig{}, nil, err
	}
	return globalConfig{configPath: *configPath, logLevel: *logLevel, rps: *rps}, fs.Args(), nil
}

func run(args []string) error {
	g, rest, err := parseGlobalFlags(args)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return errors.New("missing command; run with -h for the list")
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", rest[0])
	}

	cfg, err := config.Load(g.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.rps >= 0 {
		cfg.RPS = g.rps
	}
	logger, err := runtime.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := &app{cfg: cfg, logger: logger, out: os.Stdout, in: os.Stdin}
	defer a.close()
	if err := cmd.run(ctx, a, rest[1:]); err != nil {
		return commandError(rest[0], err)
	}
	return nil
}

// commandError prefixes err with the command name. A remote 404 nearly
// always means a mistyped or already deleted id, so it says so.
func commandError(name string, err error) error {
	if mailbox.IsNotFound(err) {
		return fmt.Errorf("%s: not found, check the message or label id: %w", name, err)
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (a *app) mailbox() (*mailbox.Mailbox, error) {
	if a.mb != nil {
		return a.mb, nil
	}
	mb, err := mailbox.Open(a.cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open mailbox: %w", err)
	}
	a.mb = mb
	return mb, nil
}

func (a *app) close() {
	if a.mb == nil {
		return
	}
	if err := a.mb.Close(); err != nil {
		a.logger.Warn("close mailbox", "error", err)
	}
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func splitList(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
