// Package reviewer orchestrates the review pipeline: for each pull
// request it fetches detail and diff through the gateway, generates a
// review, and persists the result as a markdown document.
package reviewer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/reviewbot-dev/reviewbot/pkg/github"
)

// courtesyInterval is how many pull requests are processed between extra
// pauses when reviewing everything, on top of the executor's per-call
// spacing.
const courtesyInterval = 3

// defaultCourtesyDelay is the length of that extra pause.
const defaultCourtesyDelay = 10 * time.Second

// Gateway is the part of the repository gateway the orchestrator needs.
type Gateway interface {
	OpenPullRequests(ctx context.Context) []github.PullRequest
	PullRequest(ctx context.Context, number int) *github.PullRequest
	Diff(ctx context.Context, number int) (string, bool)
}

// Generator produces review text and never fails.
type Generator interface {
	Generate(ctx context.Context, title, description, diff string) string
}

// Config holds orchestrator settings.
type Config struct {
	Repository    string // owner/repo, used in document names and headers
	OutputDir     string
	CourtesyDelay time.Duration    // pause every few PRs; defaults to 10s
	Now           func() time.Time // defaults to time.Now
}

// Reviewer runs the pipeline strictly sequentially: within one pull
// request, detail precedes diff precedes generation precedes
// persistence.
type Reviewer struct {
	gateway   Gateway
	generator Generator
	now       func() time.Time
	repo      string
	outputDir string
	delay     time.Duration
}

// New creates a Reviewer.
func New(gateway Gateway, generator Generator, cfg Config) *Reviewer {
	delay := cfg.CourtesyDelay
	if delay == 0 {
		delay = defaultCourtesyDelay
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	outputDir := cfg.OutputDir
	if outputDir == "" {
		outputDir = "reviews"
	}
	return &Reviewer{
		gateway:   gateway,
		generator: generator,
		now:       now,
		repo:      cfg.Repository,
		outputDir: outputDir,
		delay:     delay,
	}
}

// ReviewPR reviews a single pull request by number. A missing pull
// request or unusable diff is an error describing why this unit of work
// was skipped, never a crash.
func (r *Reviewer) ReviewPR(ctx context.Context, number int) error {
	slog.Info("fetching pull request", "pr", number)
	pr := r.gateway.PullRequest(ctx, number)
	if pr == nil {
		return fmt.Errorf("pull request #%d is unavailable", number)
	}

	slog.Info("fetching diff", "pr", number)
	diff, ok := r.gateway.Diff(ctx, number)
	if !ok {
		return fmt.Errorf("no usable diff for pull request #%d", number)
	}

	slog.Info("generating review", "pr", number, "title", pr.Title)
	text := r.generator.Generate(ctx, pr.Title, pr.Body, diff)

	doc := Document{
		GeneratedAt: r.now(),
		Repository:  r.repo,
		Title:       pr.Title,
		URL:         pr.URL,
		Author:      pr.Author,
		Review:      text,
		Number:      pr.Number,
	}
	path, err := r.save(doc)
	if err != nil {
		return fmt.Errorf("failed to save review for pull request #%d: %w", number, err)
	}

	slog.Info("review saved", "pr", number, "path", path)
	return nil
}

// ReviewAll reviews every open pull request sequentially, in listing
// order. It returns the number reviewed successfully and the total
// found; per-unit failures are logged and skipped.
func (r *Reviewer) ReviewAll(ctx context.Context) (reviewed, total int) {
	slog.Info("fetching open pull requests")
	prs := r.gateway.OpenPullRequests(ctx)
	if len(prs) == 0 {
		slog.Info("no open pull requests found")
		return 0, 0
	}
	slog.Info("found open pull requests", "count", len(prs))

	for i, pr := range prs {
		if ctx.Err() != nil {
			slog.Warn("aborting review run", "reviewed", reviewed, "total", len(prs))
			return reviewed, len(prs)
		}

		slog.Info("processing pull request", "index", i+1, "count", len(prs), "pr", pr.Number)
		if err := r.ReviewPR(ctx, pr.Number); err != nil {
			slog.Error("skipping pull request", "pr", pr.Number, "error", err)
		} else {
			reviewed++
		}

		if (i+1)%courtesyInterval == 0 && i+1 < len(prs) {
			r.pause(ctx)
		}
	}

	slog.Info("review process completed", "reviewed", reviewed, "total", len(prs))
	return reviewed, len(prs)
}

// pause sleeps the courtesy delay between batches of pull requests.
func (r *Reviewer) pause(ctx context.Context) {
	slog.Debug("pausing between pull requests", "delay", r.delay)
	timer := time.NewTimer(r.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
