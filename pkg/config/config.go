// Package config builds the application configuration from environment
// variables and validates it before any network activity happens.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/ilyakaznacheev/cleanenv"
)

// modelNameRegex accepts both owner/model and single-token model names,
// e.g. gpt2, distilgpt2, my-org/gpt2-small.
var modelNameRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]+(?:/[A-Za-z0-9_.-]+)?$`)

// repoURLRegex extracts owner/repo from a GitHub URL (https or ssh form).
var repoURLRegex = regexp.MustCompile(`github\.com[/:]([^/]+)/([^/]+)/?$`)

// Config holds every runtime setting. It is constructed once at process
// start and passed into each component's constructor; there is no ambient
// lookup after New returns.
type Config struct {
	HFAPIKey   string `env:"HF_API_KEY"`
	Token      string `env:"GITHUB_TOKEN"`
	Repository string `env:"GITHUB_REPOSITORY"`

	Model          string `env:"HUGGINGFACE_MODEL" env-default:"mistralai/Mistral-7B-Instruct-v0.2"`
	MaxDiffLength  int    `env:"MAX_DIFF_LENGTH" env-default:"4000"`
	RequestTimeout int    `env:"REQUEST_TIMEOUT" env-default:"30"` // seconds
	MaxRetries     int    `env:"MAX_RETRIES" env-default:"5"`

	// GitHub App authentication, used instead of GITHUB_TOKEN when set.
	AppID      string `env:"GITHUB_APP_ID"`
	AppKey     string `env:"GITHUB_APP_KEY"`      // PEM content
	AppKeyPath string `env:"GITHUB_APP_KEY_PATH"` // PEM file path

	LogLevel  string `env:"LOG_LEVEL" env-default:"info"`
	LogFormat string `env:"LOG_FORMAT" env-default:"text"`
	OutputDir string `env:"OUTPUT_DIR" env-default:"reviews"`
}

// New reads configuration from an optional .env file and the process
// environment, normalizes the repository identifier, and validates the
// result. Any validation failure here is fatal for the process.
func New() (*Config, error) {
	var cfg Config

	if err := cleanenv.ReadConfig(".env", &cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read dotenv file: %w", err)
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment variables: %w", err)
	}

	repo, err := NormalizeRepository(cfg.Repository)
	if err != nil {
		return nil, err
	}
	cfg.Repository = repo

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.warnSuspiciousValues()

	return &cfg, nil
}

// Validate checks every setting. It is split out from New so tests can
// exercise it with hand-built configs.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.HFAPIKey, validation.Required.Error("missing required environment variable: HF_API_KEY")),
		validation.Field(&c.Repository, validation.Required.Error("missing required environment variable: GITHUB_REPOSITORY")),
		validation.Field(&c.Model,
			validation.Required,
			validation.Match(modelNameRegex).Error("model name must match owner/name or name using [A-Za-z0-9_.-]")),
		validation.Field(&c.MaxDiffLength, validation.Required, validation.Min(1)),
		validation.Field(&c.RequestTimeout, validation.Required, validation.Min(1)),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.LogFormat, validation.In("text", "json")),
	)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ozzo skips rules on zero ints, and zero is a legal retry ceiling.
	if c.MaxRetries < 0 {
		return fmt.Errorf("invalid configuration: MAX_RETRIES must be non-negative, got %d", c.MaxRetries)
	}

	if strings.TrimSpace(c.Token) == "" && !c.UseAppAuth() {
		return errors.New("invalid configuration: set GITHUB_TOKEN, or GITHUB_APP_ID with a private key")
	}

	return nil
}

// UseAppAuth reports whether GitHub App credentials are configured.
func (c *Config) UseAppAuth() bool {
	return c.AppID != "" && (c.AppKey != "" || c.AppKeyPath != "")
}

// Timeout returns the per-request timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// NormalizeRepository turns a repository identifier into owner/repo form.
// Accepted inputs: "owner/repo" directly, or a GitHub URL with an
// optional .git suffix (https://github.com/owner/repo.git).
func NormalizeRepository(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("missing required environment variable: GITHUB_REPOSITORY")
	}

	if strings.Contains(input, "/") && !strings.HasPrefix(input, "http") {
		return input, nil
	}

	if strings.HasPrefix(input, "http") {
		trimmed := strings.TrimSuffix(input, ".git")
		if m := repoURLRegex.FindStringSubmatch(trimmed); m != nil {
			return m[1] + "/" + m[2], nil
		}
	}

	return "", fmt.Errorf("invalid repository format: %q (use owner/repo or a GitHub URL)", input)
}

// warnSuspiciousValues logs non-fatal warnings about credentials that look
// wrong but might still work.
func (c *Config) warnSuspiciousValues() {
	if !strings.HasPrefix(c.HFAPIKey, "hf_") {
		slog.Warn("HF_API_KEY does not start with 'hf_'; Hugging Face keys usually do")
	}
	if c.Token != "" && len(c.Token) < 10 {
		slog.Warn("GITHUB_TOKEN looks unusually short; please verify it")
	}
}
