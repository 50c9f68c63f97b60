package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
)

type Scope int

const (
	ScopeReadonly Scope = iota
	ScopeModify
	ScopeLabels
	ScopeSend
)

// URL returns the OAuth scope URL for s.
func (s Scope) URL() string {
	switch s {
	case ScopeReadonly:
		return gmail.GmailReadonlyScope
	case ScopeModify:
		return gmail.GmailModifyScope
	case ScopeLabels:
		return gmail.GmailLabelsScope
	case ScopeSend:
		return gmail.GmailSendScope
	default:
		panic("unknown scope")
	}
}

// ScopeURLs maps short scope names (readonly, modify, labels, send) to their
// URLs. Values that already look like URLs pass through unchanged.
func ScopeURLs(names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		switch strings.ToLower(name) {
		case "":
			continue
		case "readonly":
			out = append(out, ScopeReadonly.URL())
		case "modify":
			out = append(out, ScopeModify.URL())
		case "labels":
			out = append(out, ScopeLabels.URL())
		case "send":
			out = append(out, ScopeSend.URL())
		default:
			if !strings.HasPrefix(name, "https://") {
				return nil, fmt.Errorf("unknown scope %q", name)
			}
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		out = append(out, ScopeModify.URL())
	}
	return out, nil
}

// ErrNoToken means no cached token exists yet and the interactive
// authorization step has to run first.
var ErrNoToken = errors.New("no oauth token cached")

// Authorizer produces the authorization handle used by every remote call.
type Authorizer interface {
	Authorize(ctx context.Context) (oauth2.TokenSource, error)
}

// FileAuthorizer authorizes with an installed-app client secret and a token
// cached on disk. Refreshed tokens are written back to TokenFile.
type FileAuthorizer struct {
	ClientSecretFile string
	TokenFile        string
	Scopes           []string

	mu  sync.Mutex
	src oauth2.TokenSource
}

// NewFileAuthorizer returns an authorizer for the given credential files.
func NewFileAuthorizer(clientSecretFile, tokenFile string, scopes []string) *FileAuthorizer {
	return &FileAuthorizer{
		ClientSecretFile: clientSecretFile,
		TokenFile:        tokenFile,
		Scopes:           scopes,
	}
}

// Config parses the client secret file.
func (a *FileAuthorizer) Config() (*oauth2.Config, error) {
	raw, err := os.ReadFile(a.ClientSecretFile)
	if err != nil {
		return nil, fmt.Errorf("read client secret: %w", err)
	}
	cfg, err := google.ConfigFromJSON(raw, a.Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse client secret: %w", err)
	}
	return cfg, nil
}

// Authorize returns a token source backed by the cached token. The source is
// built once and shared by later calls; the oauth2 package refreshes it.
func (a *FileAuthorizer) Authorize(ctx context.Context) (oauth2.TokenSource, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.src != nil {
		return a.src, nil
	}

	cfg, err := a.Config()
	if err != nil {
		return nil, err
	}
	tok, err := LoadToken(a.TokenFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w at %s: run the authorize command first", ErrNoToken, a.TokenFile)
	}
	if err != nil {
		return nil, err
	}
	base := cfg.TokenSource(context.WithoutCancel(ctx), tok)
	a.src = &savingSource{base: base, path: a.TokenFile, last: tok.AccessToken}
	return a.src, nil
}

// AuthCodeURL is the consent URL the user visits to obtain a code.
func (a *FileAuthorizer) AuthCodeURL() (string, error) {
	cfg, err := a.Config()
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline), nil
}

// Exchange trades an authorization code for a token and caches it.
func (a *FileAuthorizer) Exchange(ctx context.Context, code string) error {
	cfg, err := a.Config()
	if err != nil {
		return err
	}
	tok, err := cfg.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return fmt.Errorf("oauth exchange: %w", err)
	}
	if err := SaveToken(a.TokenFile, tok); err != nil {
		return err
	}
	a.mu.Lock()
	a.src = nil
	a.mu.Unlock()
	return nil
}

// LoadToken reads a JSON encoded token.
func LoadToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open token: %w", err)
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("decode token %s: %w", path, err)
	}
	return tok, nil
}

// SaveToken writes tok to path with owner-only permissions.
func SaveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("cache oauth token: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(tok); err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	return nil
}

type savingSource struct {
	base oauth2.TokenSource
	path string

	mu   sync.Mutex
	last string
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		if err := SaveToken(s.path, tok); err != nil {
			return nil, err
		}
		s.last = tok.AccessToken
	}
	return tok, nil
}

func DefaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// NewLogger returns a stderr text logger at the named level
// (debug, info, warn, error; empty means info).
func NewLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if strings.TrimSpace(level) != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}
