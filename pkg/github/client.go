// Package github is the repository gateway: it lists and fetches pull
// requests and their diffs through the resilient transport layer, with
// defensive response validation.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/reviewbot-dev/reviewbot/pkg/transport"
)

const (
	defaultBaseURL = "https://api.github.com"
	perPageLimit   = 100 // GitHub API per_page limit

	acceptJSON = "application/vnd.github.v3+json"
	acceptDiff = "application/vnd.github.v3.diff"
	userAgent  = "reviewbot"
)

// diffMarkers are the unified-diff line prefixes we recognize. A diff is
// accepted only if one of its first lines starts with one of these.
var diffMarkers = []string{"+++", "---", "+", "-", "@@"}

// diffMarkerWindow is how many leading lines are inspected for markers.
const diffMarkerWindow = 10

// PullRequest holds the fields the review pipeline needs. List results
// populate the summary fields; a detail fetch adds state and timestamps.
// Number is always positive and URL non-empty; entries that cannot
// satisfy that are dropped during parsing.
type PullRequest struct {
	CreatedAt time.Time
	UpdatedAt time.Time
	Title     string
	Body      string
	URL       string
	Author    string
	State     string
	Number    int
}

// Config holds configuration for creating a gateway client.
type Config struct {
	Repository string // owner/repo
	Token      string // personal access token
	AppID      string // GitHub App ID (App auth instead of Token)
	AppKey     []byte // GitHub App private key, PEM
	BaseURL    string // defaults to https://api.github.com
	Timeout    time.Duration
	MaxRetries int
	Executor   *transport.Executor // built from the rest when nil
}

// Client is the repository gateway. One executor instance backs all of
// its calls, so rate-limit state and call spacing are shared across the
// whole GitHub conversation.
type Client struct {
	exec    *transport.Executor
	auth    authFunc
	baseURL string
	owner   string
	repo    string
}

// New creates a gateway client for a single owner/repo.
func New(cfg Config) (*Client, error) {
	owner, repo, ok := strings.Cut(cfg.Repository, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("invalid repository %q: want owner/repo", cfg.Repository)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	auth, err := newAuth(cfg, baseURL, owner)
	if err != nil {
		return nil, err
	}

	exec := cfg.Executor
	if exec == nil {
		base := http.Header{}
		base.Set("Accept", acceptJSON)
		base.Set("User-Agent", userAgent)
		exec = transport.New(transport.Config{
			Policy:     transport.GitHubPolicy{},
			BaseHeader: base,
			AltAccept:  acceptDiff,
			MaxRetries: cfg.MaxRetries,
			Timeout:    cfg.Timeout,
		})
	}

	return &Client{
		exec:    exec,
		auth:    auth,
		baseURL: baseURL,
		owner:   owner,
		repo:    repo,
	}, nil
}

// Repository returns the normalized owner/repo identifier.
func (c *Client) Repository() string { return c.owner + "/" + c.repo }

// OpenPullRequests fetches all open pull requests, most recently created
// first. It never fails: any transport or parse problem degrades to the
// entries collected so far, possibly none.
func (c *Client) OpenPullRequests(ctx context.Context) []PullRequest {
	var all []PullRequest
	for page := 1; ; page++ {
		apiURL := fmt.Sprintf("%s/repos/%s/%s/pulls?state=open&sort=created&direction=desc&per_page=%d&page=%d",
			c.baseURL, c.owner, c.repo, perPageLimit, page)

		entries, ok := c.listPage(ctx, apiURL)
		if !ok {
			return all
		}

		for _, entry := range entries {
			p, ok := asPayload(entry)
			if !ok {
				slog.Warn("skipping non-object pull request entry")
				continue
			}
			pr, ok := parseSummary(p)
			if !ok {
				slog.Warn("skipping pull request with missing essential fields")
				continue
			}
			all = append(all, pr)
		}

		if len(entries) < perPageLimit {
			return all
		}
	}
}

// listPage fetches one page of the listing and returns its raw entries.
func (c *Client) listPage(ctx context.Context, apiURL string) ([]any, bool) {
	resp, err := c.request(ctx, apiURL, false)
	if err != nil {
		slog.Error("failed to list pull requests", "url", apiURL, "error", err)
		return nil, false
	}
	defer closeBody(resp.Body)

	var raw any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		slog.Error("failed to parse pull request listing", "error", err)
		return nil, false
	}
	entries, ok := raw.([]any)
	if !ok {
		slog.Error("expected a list of pull requests", "got", fmt.Sprintf("%T", raw))
		return nil, false
	}
	return entries, true
}

// PullRequest fetches a single pull request by number. It returns nil
// (absent) on any transport or parse failure.
func (c *Client) PullRequest(ctx context.Context, number int) *PullRequest {
	apiURL := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.baseURL, c.owner, c.repo, number)

	resp, err := c.request(ctx, apiURL, false)
	if err != nil {
		slog.Error("failed to fetch pull request", "pr", number, "error", err)
		return nil
	}
	defer closeBody(resp.Body)

	var raw any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		slog.Error("failed to parse pull request response", "pr", number, "error", err)
		return nil
	}
	p, ok := asPayload(raw)
	if !ok {
		slog.Error("expected a pull request object", "pr", number, "got", fmt.Sprintf("%T", raw))
		return nil
	}

	pr, ok := parseDetail(p)
	if !ok {
		slog.Error("pull request is missing essential fields", "pr", number)
		return nil
	}
	return &pr
}

// Diff fetches the unified diff for a pull request via content
// negotiation. It reports false when the diff is empty or none of its
// first lines carries a recognizable diff marker.
func (c *Client) Diff(ctx context.Context, number int) (string, bool) {
	apiURL := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.baseURL, c.owner, c.repo, number)

	resp, err := c.request(ctx, apiURL, true)
	if err != nil {
		slog.Error("failed to fetch diff", "pr", number, "error", err)
		return "", false
	}
	defer closeBody(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Error("failed to read diff body", "pr", number, "error", err)
		return "", false
	}

	diff := string(raw)
	if !acceptableDiff(diff) {
		slog.Warn("diff content is empty or not in unified format", "pr", number)
		return "", false
	}
	return diff, true
}

// request issues one authenticated call through the executor.
func (c *Client) request(ctx context.Context, apiURL string, wantDiff bool) (*http.Response, error) {
	authValue, err := c.auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", authValue)

	return c.exec.Do(ctx, transport.Descriptor{
		URL:        apiURL,
		Header:     header,
		AcceptDiff: wantDiff,
	})
}

// parseSummary extracts the listing fields. The number must be positive
// and the URL non-empty; everything else has a default.
func parseSummary(p payload) (PullRequest, bool) {
	number, ok := p.intval("number")
	if !ok || number <= 0 {
		return PullRequest{}, false
	}
	url := p.str("html_url", "")
	if url == "" {
		return PullRequest{}, false
	}
	return PullRequest{
		Number: number,
		Title:  p.str("title", "Untitled"),
		Body:   p.str("body", ""),
		URL:    url,
		Author: p.obj("user").str("login", "unknown"),
	}, true
}

// parseDetail extracts the summary fields plus state and timestamps.
func parseDetail(p payload) (PullRequest, bool) {
	pr, ok := parseSummary(p)
	if !ok {
		return PullRequest{}, false
	}
	pr.State = p.str("state", "unknown")
	pr.CreatedAt = p.timeval("created_at")
	pr.UpdatedAt = p.timeval("updated_at")
	return pr, true
}

// acceptableDiff checks whether the text looks like a unified diff:
// non-blank, with a recognized marker in its first lines.
func acceptableDiff(diff string) bool {
	if strings.TrimSpace(diff) == "" {
		return false
	}
	lines := strings.Split(diff, "\n")
	if len(lines) > diffMarkerWindow {
		lines = lines[:diffMarkerWindow]
	}
	for _, line := range lines {
		for _, marker := range diffMarkers {
			if strings.HasPrefix(line, marker) {
				return true
			}
		}
	}
	return false
}

func closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}
