package transport

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Policy encodes one external service's retry semantics. ClassifyResponse
// is called for every non-2xx response and ClassifyError for transport
// level errors; both return either a *retryable (the executor may try
// again) or a terminal *Failure.
type Policy interface {
	ClassifyResponse(resp *http.Response) error
	ClassifyError(err error) error
}

// GitHubPolicy implements the GitHub REST API's rate-limit semantics:
// a 403 or 429 with no quota left is retried after the reset window (or
// exponential backoff when the window is stale), any other non-2xx status
// fails immediately.
type GitHubPolicy struct {
	Now func() time.Time // defaults to time.Now
}

// minResetWait is the threshold below which a reset timestamp is treated
// as stale and exponential backoff is used instead.
const minResetWait = time.Second

func (p GitHubPolicy) ClassifyResponse(resp *http.Response) error {
	status := resp.StatusCode
	if status != http.StatusForbidden && status != http.StatusTooManyRequests {
		return &Failure{Kind: KindHTTPError, Status: status}
	}

	remaining := headerInt(resp.Header, "X-RateLimit-Remaining", 0)
	if remaining > 0 && status != http.StatusTooManyRequests {
		// Quota left, so this 403 is not a rate limit.
		return &Failure{Kind: KindHTTPError, Status: status}
	}

	if wait, ok := p.resetWait(resp.Header); ok {
		return &retryable{
			msg:    fmt.Sprintf("rate limited, reset in %s", wait.Round(time.Second)),
			kind:   KindRateLimited,
			status: status,
			class:  waitExact,
			wait:   wait,
		}
	}
	return &retryable{
		msg:    "rate limited, no usable reset header",
		kind:   KindRateLimited,
		status: status,
		class:  waitBackoff,
	}
}

func (GitHubPolicy) ClassifyError(err error) error {
	if isTimeout(err) {
		return &retryable{msg: "request timeout: " + err.Error(), kind: KindTimeout, class: waitBackoff}
	}
	return &retryable{msg: "connection error: " + err.Error(), kind: KindConnectionError, class: waitBackoff}
}

// resetWait computes the wait until the rate limit resets. It reports
// false when the header is absent, malformed, or stale (under one
// second), in which case exponential backoff applies.
func (p GitHubPolicy) resetWait(h http.Header) (time.Duration, bool) {
	raw := h.Get("X-RateLimit-Reset")
	if raw == "" {
		return 0, false
	}
	reset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	wait := time.Unix(reset, 0).Sub(now())
	if wait < minResetWait {
		return 0, false
	}
	return wait, true
}

// InferencePolicy implements the inference router's semantics: 503 means
// the model is still loading and is retried after 10*(attempt+1) seconds,
// other 5xx and network errors are retried after 5*(attempt+1) seconds,
// and 4xx responses fail immediately.
type InferencePolicy struct{}

func (InferencePolicy) ClassifyResponse(resp *http.Response) error {
	status := resp.StatusCode
	switch {
	case status == http.StatusServiceUnavailable:
		return &retryable{msg: "model is loading", kind: KindHTTPError, status: status, class: waitLoading}
	case status >= 500:
		return &retryable{
			msg:    fmt.Sprintf("server error: status %d", status),
			kind:   KindHTTPError,
			status: status,
			class:  waitLinear,
		}
	default:
		return &Failure{Kind: KindHTTPError, Status: status}
	}
}

func (InferencePolicy) ClassifyError(err error) error {
	if isTimeout(err) {
		return &retryable{msg: "request timeout: " + err.Error(), kind: KindTimeout, class: waitLinear}
	}
	return &retryable{msg: "connection error: " + err.Error(), kind: KindConnectionError, class: waitLinear}
}

// headerInt parses an integer header, clamping negatives to zero so the
// rate-limit state never goes negative.
func headerInt(h http.Header, key string, def int) int {
	raw := h.Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if v < 0 {
		return 0
	}
	return v
}
