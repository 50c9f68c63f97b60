package main

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nigelsdtech/gmail-model/internal/mailbox"
)

func TestRunRejectsBadCommands(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "missing", args: nil, want: "missing command"},
		{name: "unknown", args: []string{"frobnicate"}, want: `unknown command "frobnicate"`},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			err := run(tc.args)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q, got %v", tc.want, err)
			}
		})
	}
}

func TestRunMissingConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")
	err := run([]string{"-config", path, "labels"})
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestRunModifyNeedsIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailbox.yaml")
	if err := os.WriteFile(path, []byte("auth: {client_secret_file: cs.json}\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	err := run([]string{"-config", path, "modify", "-add", "Work"})
	if err == nil || !strings.Contains(err.Error(), "message id") {
		t.Fatalf("expected id error, got %v", err)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a, ,b,c ")
	if strings.Join(got, "|") != "a|b|c" {
		t.Fatalf("split %v", got)
	}
	if splitList("  ") != nil {
		t.Fatalf("blank input should be nil")
	}
}

func TestCommandErrorExplainsNotFound(t *testing.T) {
	notFound := &mailbox.RemoteError{Op: "get message", Target: "m1", Status: http.StatusNotFound, Err: errors.New("404")}
	err := commandError("get", notFound)
	if !strings.Contains(err.Error(), "get: not found, check the message or label id") {
		t.Fatalf("unexpected message %q", err)
	}
	if !errors.Is(err, notFound) {
		t.Fatalf("remote error not wrapped: %v", err)
	}

	other := &mailbox.RemoteError{Op: "get message", Target: "m1", Status: http.StatusInternalServerError, Err: errors.New("500")}
	if got := commandError("get", other).Error(); strings.Contains(got, "not found") || !strings.HasPrefix(got, "get: get message m1") {
		t.Fatalf("unexpected message %q", got)
	}
}
