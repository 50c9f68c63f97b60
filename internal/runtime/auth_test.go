package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

const testClientSecret = `{"installed":{"client_id":"id.apps.googleusercontent.com","client_secret":"secret",` +
	`"auth_uri":"https://accounts.google.com/o/oauth2/auth","token_uri":"https://oauth2.googleapis.com/token",` +
	`"redirect_uris":["http://localhost"]}}`

func writeClientSecret(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "client_secret.json")
	if err := os.WriteFile(path, []byte(testClientSecret), 0o600); err != nil {
		t.Fatalf("write client secret: %v", err)
	}
	return path
}

func TestFileAuthorizerMissingToken(t *testing.T) {
	dir := t.TempDir()
	auth := NewFileAuthorizer(writeClientSecret(t, dir), filepath.Join(dir, "token.json"), []string{ScopeModify.URL()})

	_, err := auth.Authorize(context.Background())
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func TestFileAuthorizerMissingClientSecret(t *testing.T) {
	dir := t.TempDir()
	auth := NewFileAuthorizer(filepath.Join(dir, "nope.json"), filepath.Join(dir, "token.json"), nil)

	if _, err := auth.Authorize(context.Background()); err == nil {
		t.Fatalf("expected error for missing client secret")
	}
}

func TestFileAuthorizerUsesCachedToken(t *testing.T) {
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "tokens", "token.json")
	want := &oauth2.Token{AccessToken: "cached", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}
	if err := SaveToken(tokenFile, want); err != nil {
		t.Fatalf("save token: %v", err)
	}
	info, err := os.Stat(tokenFile)
	if err != nil {
		t.Fatalf("stat token: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("token file mode %v want 0600", perm)
	}

	auth := NewFileAuthorizer(writeClientSecret(t, dir), tokenFile, []string{ScopeModify.URL()})
	src, err := auth.Authorize(context.Background())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	tok, err := src.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok.AccessToken != "cached" {
		t.Fatalf("access token %q want cached", tok.AccessToken)
	}

	again, err := auth.Authorize(context.Background())
	if err != nil {
		t.Fatalf("second authorize: %v", err)
	}
	if again != src {
		t.Fatalf("expected the token source to be reused")
	}
}

func TestAuthCodeURL(t *testing.T) {
	dir := t.TempDir()
	auth := NewFileAuthorizer(writeClientSecret(t, dir), filepath.Join(dir, "token.json"), []string{ScopeReadonly.URL()})
	url, err := auth.AuthCodeURL()
	if err != nil {
		t.Fatalf("auth code url: %v", err)
	}
	if url == "" {
		t.Fatalf("empty auth url")
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger("debug"); err != nil {
		t.Fatalf("debug level: %v", err)
	}
	if _, err := NewLogger(""); err != nil {
		t.Fatalf("empty level: %v", err)
	}
	if _, err := NewLogger("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
