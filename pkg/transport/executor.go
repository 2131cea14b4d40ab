// Package transport implements the resilient HTTP request layer shared
// by the GitHub and inference integrations: bounded retries, rate-limit
// aware scheduling, and a small failure taxonomy the callers can map to
// skip-this-unit decisions.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// Executor defaults.
const (
	defaultMaxRetries  = 5
	defaultMinInterval = time.Second
	defaultTimeout     = 30 * time.Second
	defaultRemaining   = 10 // assumed quota before the first response
	maxBackoffSeconds  = 60
)

// HTTPDoer is the part of *http.Client the executor needs. It exists so
// tests can substitute a programmable transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Descriptor describes a single call. It is immutable once constructed
// and created fresh per call.
type Descriptor struct {
	URL        string
	Method     string      // defaults to GET
	Header     http.Header // merged over the executor's base header
	Body       any         // JSON-encoded when non-nil
	AcceptDiff bool        // negotiate the alternate (raw diff) content type
	MaxRetries int         // >0 overrides the executor ceiling; <0 forces a single attempt
}

// Config configures an Executor.
type Config struct {
	Client       HTTPDoer
	Policy       Policy
	BaseHeader   http.Header
	AltAccept    string        // Accept value applied when Descriptor.AcceptDiff is set
	MaxRetries   int           // retry ceiling; attempts are capped at MaxRetries+1
	MinInterval  time.Duration // minimum spacing between consecutive calls
	Timeout      time.Duration // per-request timeout, used only when Client is nil
	BackoffScale time.Duration // the "second" used in wait math; tests shrink it
}

// Executor issues HTTP calls for one external service. It owns that
// service's rate-limit state (remaining quota and last-call time) and is
// not safe for concurrent use; the review pipeline is strictly
// sequential.
type Executor struct {
	client      HTTPDoer
	policy      Policy
	base        http.Header
	altAccept   string
	maxRetries  int
	minInterval time.Duration
	scale       time.Duration
	now         func() time.Time

	remaining int
	lastCall  time.Time
}

// New creates an Executor, filling in defaults for anything unset.
func New(cfg Config) *Executor {
	if cfg.Client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		cfg.Client = &http.Client{Timeout: timeout}
	}
	if cfg.Policy == nil {
		cfg.Policy = GitHubPolicy{}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = defaultMinInterval
	}
	if cfg.BackoffScale <= 0 {
		cfg.BackoffScale = time.Second
	}
	return &Executor{
		client:      cfg.Client,
		policy:      cfg.Policy,
		base:        cfg.BaseHeader,
		altAccept:   cfg.AltAccept,
		maxRetries:  cfg.MaxRetries,
		minInterval: cfg.MinInterval,
		scale:       cfg.BackoffScale,
		now:         time.Now,
		remaining:   defaultRemaining,
	}
}

// Do executes the described call, retrying per the executor's policy up
// to the retry ceiling. On success the caller owns the response body.
// On failure it returns a *Failure describing why the call was given up.
func (e *Executor) Do(ctx context.Context, desc Descriptor) (*http.Response, error) {
	method := desc.Method
	if method == "" {
		method = http.MethodGet
	}

	var bodyBytes []byte
	if desc.Body != nil {
		var err error
		bodyBytes, err = json.Marshal(desc.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	ceiling := e.ceiling(desc)

	var resp *http.Response
	err := retry.Do(
		func() error {
			if err := e.pace(ctx); err != nil {
				return err
			}

			var bodyReader io.Reader
			if bodyBytes != nil {
				bodyReader = bytes.NewReader(bodyBytes)
			}
			req, err := http.NewRequestWithContext(ctx, method, desc.URL, bodyReader)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			e.setHeaders(req, desc, bodyBytes != nil)

			r, err := e.client.Do(req)
			e.lastCall = e.now()
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return e.policy.ClassifyError(err)
			}

			e.remaining = headerInt(r.Header, "X-RateLimit-Remaining", defaultRemaining)

			if r.StatusCode >= 200 && r.StatusCode < 300 {
				resp = r
				return nil
			}

			outcome := e.policy.ClassifyResponse(r)
			drainAndCloseBody(r.Body)
			return outcome
		},
		retry.Context(ctx),
		retry.Attempts(uint(ceiling)+1),
		retry.DelayType(e.delay),
		retry.RetryIf(func(err error) bool {
			var r *retryable
			return errors.As(err, &r)
		}),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("request failed, retrying",
				"url", desc.URL, "attempt", n+1, "max_attempts", ceiling+1, "error", err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		var r *retryable
		if errors.As(err, &r) {
			return nil, r.failure()
		}
		return nil, err
	}
	return resp, nil
}

// RateLimitRemaining reports the quota left per the most recent response.
func (e *Executor) RateLimitRemaining() int { return e.remaining }

func (e *Executor) ceiling(desc Descriptor) int {
	switch {
	case desc.MaxRetries > 0:
		return desc.MaxRetries
	case desc.MaxRetries < 0:
		return 0
	default:
		return e.maxRetries
	}
}

// pace enforces the minimum spacing between consecutive calls on this
// executor, sleeping the remaining delta.
func (e *Executor) pace(ctx context.Context) error {
	if e.lastCall.IsZero() || e.minInterval <= 0 {
		return nil
	}
	elapsed := e.now().Sub(e.lastCall)
	if elapsed >= e.minInterval {
		return nil
	}
	timer := time.NewTimer(e.minInterval - elapsed)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Executor) setHeaders(req *http.Request, desc Descriptor, hasBody bool) {
	for key, values := range e.base {
		for _, v := range values {
			req.Header.Set(key, v)
		}
	}
	for key, values := range desc.Header {
		for _, v := range values {
			req.Header.Set(key, v)
		}
	}
	if desc.AcceptDiff && e.altAccept != "" {
		req.Header.Set("Accept", e.altAccept)
	}
	if hasBody && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
}

// delay computes the wait before the next attempt. Server-directed waits
// (rate-limit reset, model loading) take precedence; everything else
// falls back to exponential backoff with jitter.
func (e *Executor) delay(n uint, err error, _ *retry.Config) time.Duration {
	var r *retryable
	if !errors.As(err, &r) {
		return e.backoff(n)
	}
	switch r.class {
	case waitExact:
		return r.wait
	case waitLoading:
		return time.Duration(10*(n+1)) * e.scale
	case waitLinear:
		return time.Duration(5*(n+1)) * e.scale
	default:
		return e.backoff(n)
	}
}

// backoff is min(60, 2^attempt + jitter[0,1)) in scaled seconds.
func (e *Executor) backoff(attempt uint) time.Duration {
	secs := math.Min(maxBackoffSeconds, math.Pow(2, float64(attempt))+rand.Float64())
	return time.Duration(secs * float64(e.scale))
}

// drainAndCloseBody drains and closes a response body so the underlying
// connection can be reused.
func drainAndCloseBody(body io.ReadCloser) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		slog.Warn("failed to drain response body", "error", err)
	}
	if err := body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}
