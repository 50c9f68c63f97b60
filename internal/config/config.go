// Package config loads the per-mailbox YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nigelsdtech/gmail-model/internal/batch"
)

var ErrInvalid = errors.New("invalid mailbox config")

// Auth describes where the OAuth client secret and cached token live.
type Auth struct {
	ClientSecretFile string   `yaml:"client_secret_file"`
	TokenDir         string   `yaml:"token_dir"`
	TokenFile        string   `yaml:"token_file"`
	Scopes           []string `yaml:"scopes"`
}

// TokenPath joins TokenFile under TokenDir unless TokenFile is absolute.
func (a Auth) TokenPath() string {
	if filepath.IsAbs(a.TokenFile) || a.TokenDir == "" {
		return a.TokenFile
	}
	return filepath.Join(a.TokenDir, a.TokenFile)
}

// SMTP is the outbound submission server and sender identity.
type SMTP struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Security    string `yaml:"security"` // tls, starttls, none
	From        string `yaml:"from"`
	Username    string `yaml:"username"` // defaults to From
	AppPassword string `yaml:"app_password"`
}

// Mailbox is the configuration of one mailbox facade.
type Mailbox struct {
	Name             string `yaml:"name"`
	UserID           string `yaml:"user_id"`
	Auth             Auth   `yaml:"auth"`
	SMTP             SMTP   `yaml:"smtp"`
	LogLevel         string `yaml:"log_level"`
	RPS              int    `yaml:"rps"`
	BatchConcurrency int    `yaml:"batch_concurrency"`
}

// Load reads, defaults and validates a mailbox config file.
func Load(path string) (Mailbox, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Mailbox{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (Mailbox, error) {
	var cfg Mailbox
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Mailbox{}, fmt.Errorf("parse config: %w", err)
	}
	cfg = cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return Mailbox{}, err
	}
	return cfg, nil
}

// Defaults fills unset fields.
func (m Mailbox) Defaults() Mailbox {
	if m.UserID == "" {
		m.UserID = "me"
	}
	if m.Name == "" {
		m.Name = m.UserID
	}
	if m.Auth.TokenFile == "" {
		m.Auth.TokenFile = "token.json"
	}
	if m.SMTP.Host == "" {
		m.SMTP.Host = "smtp.gmail.com"
	}
	if m.SMTP.Security == "" {
		m.SMTP.Security = "tls"
	}
	if m.SMTP.Port == 0 {
		switch m.SMTP.Security {
		case "starttls":
			m.SMTP.Port = 587
		case "none":
			m.SMTP.Port = 25
		default:
			m.SMTP.Port = 465
		}
	}
	if m.SMTP.Username == "" {
		m.SMTP.Username = m.SMTP.From
	}
	// app passwords are often pasted with the display spaces
	m.SMTP.AppPassword = strings.ReplaceAll(m.SMTP.AppPassword, " ", "")
	if m.LogLevel == "" {
		m.LogLevel = "info"
	}
	if m.BatchConcurrency == 0 {
		m.BatchConcurrency = batch.DefaultConcurrency
	}
	return m
}

// Validate checks the fields a facade cannot run without.
func (m Mailbox) Validate() error {
	var errs []error
	if m.Auth.ClientSecretFile == "" {
		errs = append(errs, errors.New("auth.client_secret_file is required"))
	}
	switch m.SMTP.Security {
	case "tls", "starttls", "none":
	default:
		errs = append(errs, fmt.Errorf("smtp.security %q must be tls, starttls or none", m.SMTP.Security))
	}
	if m.SMTP.Port < 0 || m.SMTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("smtp.port %d out of range", m.SMTP.Port))
	}
	if m.RPS < 0 {
		errs = append(errs, errors.New("rps must not be negative"))
	}
	if m.BatchConcurrency < 1 {
		errs = append(errs, errors.New("batch_concurrency must be at least 1"))
	}
	switch strings.ToLower(m.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q must be debug, info, warn or error", m.LogLevel))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
