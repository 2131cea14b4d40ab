// Package main implements the reviewbot CLI: it reviews one pull
// request or every open pull request of the configured repository.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/reviewbot-dev/reviewbot/pkg/config"
	"github.com/reviewbot-dev/reviewbot/pkg/github"
	"github.com/reviewbot-dev/reviewbot/pkg/logger"
	"github.com/reviewbot-dev/reviewbot/pkg/review"
	"github.com/reviewbot-dev/reviewbot/pkg/reviewer"
)

// exitInterrupted is the conventional exit code after SIGINT.
const exitInterrupted = 130

var (
	prNumber = flag.Int("pr", 0, "Review only this pull request number")
	verbose  = flag.Bool("v", false, "Verbose output (debug logging)")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-pr <number>] [number]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Reviews open pull requests with an AI-generated code review.\n")
		fmt.Fprintf(os.Stderr, "With no arguments, every open pull request is reviewed.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	number, ok := targetPR()
	if !ok {
		flag.Usage()
		return 1
	}

	cfg, err := config.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return 1
	}

	level := cfg.LogLevel
	if *verbose {
		level = "debug"
	}
	slog.SetDefault(logger.New(level, cfg.LogFormat))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appKey, err := resolveAppKey(cfg)
	if err != nil {
		slog.Error("failed to load GitHub App key", "error", err)
		return 1
	}

	gateway, err := github.New(github.Config{
		Repository: cfg.Repository,
		Token:      cfg.Token,
		AppID:      cfg.AppID,
		AppKey:     appKey,
		Timeout:    cfg.Timeout(),
		MaxRetries: cfg.MaxRetries,
	})
	if err != nil {
		slog.Error("failed to create GitHub client", "error", err)
		return 1
	}

	generator := review.New(review.Config{
		APIKey:        cfg.HFAPIKey,
		Model:         cfg.Model,
		MaxDiffLength: cfg.MaxDiffLength,
		Timeout:       cfg.Timeout(),
		MaxRetries:    cfg.MaxRetries,
	})

	rev := reviewer.New(gateway, generator, reviewer.Config{
		Repository: gateway.Repository(),
		OutputDir:  cfg.OutputDir,
	})

	slog.Info("reviewbot starting", "repository", cfg.Repository, "model", cfg.Model)

	if number > 0 {
		err := rev.ReviewPR(ctx, number)
		if ctx.Err() != nil {
			slog.Warn("operation cancelled")
			return exitInterrupted
		}
		if err != nil {
			slog.Error("review failed", "pr", number, "error", err)
			return 1
		}
		return 0
	}

	rev.ReviewAll(ctx)
	if ctx.Err() != nil {
		slog.Warn("operation cancelled")
		return exitInterrupted
	}
	return 0
}

// targetPR resolves the requested pull request number from the -pr flag
// or a bare positional argument. It reports false for invalid input;
// zero means "review everything".
func targetPR() (int, bool) {
	if flag.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "too many arguments")
		return 0, false
	}

	number := *prNumber
	if flag.NArg() == 1 {
		if number != 0 {
			fmt.Fprintln(os.Stderr, "use either -pr or a positional number, not both")
			return 0, false
		}
		n, err := strconv.Atoi(flag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid PR number %q\n", flag.Arg(0))
			return 0, false
		}
		number = n
	}

	if number < 0 {
		fmt.Fprintln(os.Stderr, "PR number must be positive")
		return 0, false
	}
	return number, true
}

// resolveAppKey loads the GitHub App private key from config: inline PEM
// content wins over a key file path.
func resolveAppKey(cfg *config.Config) ([]byte, error) {
	if !cfg.UseAppAuth() {
		return nil, nil
	}
	if cfg.AppKey != "" {
		return []byte(cfg.AppKey), nil
	}
	return os.ReadFile(cfg.AppKeyPath)
}
