package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastConfig returns an executor config with millisecond wait math so
// tests never sleep for real.
func fastConfig(client HTTPDoer, policy Policy) Config {
	return Config{
		Client:       client,
		Policy:       policy,
		MinInterval:  0,
		BackoffScale: time.Millisecond,
	}
}

func TestDoSuccessOnFirstAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exec := New(fastConfig(srv.Client(), InferencePolicy{}))
	resp, err := exec.Do(context.Background(), Descriptor{URL: srv.URL})
	require.NoError(t, err)
	drainAndCloseBody(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDoRetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := fastConfig(srv.Client(), InferencePolicy{})
	cfg.MaxRetries = 5
	exec := New(cfg)

	resp, err := exec.Do(context.Background(), Descriptor{URL: srv.URL})
	require.NoError(t, err)
	drainAndCloseBody(resp.Body)

	assert.Equal(t, int32(3), calls.Load())
}

func TestDoGivesUpAfterCeiling(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig(srv.Client(), InferencePolicy{})
	cfg.MaxRetries = 2
	exec := New(cfg)

	_, err := exec.Do(context.Background(), Descriptor{URL: srv.URL})
	require.Error(t, err)

	// ceiling of 2 retries means 3 attempts total
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, IsKind(err, KindHTTPError))
}

func TestDoDescriptorSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig(srv.Client(), InferencePolicy{})
	cfg.MaxRetries = 5
	exec := New(cfg)

	_, err := exec.Do(context.Background(), Descriptor{URL: srv.URL, MaxRetries: -1})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDoClientErrorFailsImmediately(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := fastConfig(srv.Client(), InferencePolicy{})
	cfg.MaxRetries = 5
	exec := New(cfg)

	_, err := exec.Do(context.Background(), Descriptor{URL: srv.URL})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, http.StatusNotFound, failure.Status)
}

func TestDoRetriesRateLimitWithoutReset(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := fastConfig(srv.Client(), GitHubPolicy{})
	cfg.MaxRetries = 3
	exec := New(cfg)

	resp, err := exec.Do(context.Background(), Descriptor{URL: srv.URL})
	require.NoError(t, err)
	drainAndCloseBody(resp.Body)

	// no usable reset header, so backoff applies and the retry succeeds
	assert.Equal(t, int32(2), calls.Load())
}

func TestDoTracksRateLimitRemaining(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "42")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exec := New(fastConfig(srv.Client(), GitHubPolicy{}))
	resp, err := exec.Do(context.Background(), Descriptor{URL: srv.URL})
	require.NoError(t, err)
	drainAndCloseBody(resp.Body)

	assert.Equal(t, 42, exec.RateLimitRemaining())
}

func TestDoSendsHeadersAndBody(t *testing.T) {
	var gotAccept, gotAuth, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := fastConfig(srv.Client(), GitHubPolicy{})
	cfg.BaseHeader = http.Header{
		"Accept":        []string{"application/json"},
		"Authorization": []string{"token secret"},
	}
	cfg.AltAccept = "application/vnd.raw+diff"
	exec := New(cfg)

	resp, err := exec.Do(context.Background(), Descriptor{
		URL:        srv.URL,
		Method:     http.MethodPost,
		Body:       map[string]string{"key": "value"},
		AcceptDiff: true,
	})
	require.NoError(t, err)
	drainAndCloseBody(resp.Body)

	assert.Equal(t, "application/vnd.raw+diff", gotAccept)
	assert.Equal(t, "token secret", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
}

func TestDoHonorsCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig(srv.Client(), InferencePolicy{})
	cfg.MaxRetries = 50
	exec := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := exec.Do(ctx, Descriptor{URL: srv.URL})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPaceEnforcesMinimumSpacing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := fastConfig(srv.Client(), GitHubPolicy{})
	cfg.MinInterval = 50 * time.Millisecond
	exec := New(cfg)

	start := time.Now()
	for range 2 {
		resp, err := exec.Do(context.Background(), Descriptor{URL: srv.URL})
		require.NoError(t, err)
		drainAndCloseBody(resp.Body)
	}

	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDelayByWaitClass(t *testing.T) {
	exec := New(Config{Client: http.DefaultClient, BackoffScale: time.Millisecond})

	tests := []struct {
		name string
		err  error
		n    uint
		want time.Duration
	}{
		{
			name: "exact server wait",
			err:  &retryable{class: waitExact, wait: 7 * time.Second},
			n:    0,
			want: 7 * time.Second,
		},
		{
			name: "loading first attempt",
			err:  &retryable{class: waitLoading},
			n:    0,
			want: 10 * time.Millisecond,
		},
		{
			name: "loading third attempt",
			err:  &retryable{class: waitLoading},
			n:    2,
			want: 30 * time.Millisecond,
		},
		{
			name: "linear second attempt",
			err:  &retryable{class: waitLinear},
			n:    1,
			want: 10 * time.Millisecond,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exec.delay(tt.n, tt.err, nil))
		})
	}
}

func TestBackoffBounds(t *testing.T) {
	exec := New(Config{Client: http.DefaultClient, BackoffScale: time.Millisecond})

	for attempt := uint(0); attempt < 10; attempt++ {
		d := exec.backoff(attempt)
		low := time.Duration(1<<attempt) * time.Millisecond
		if low > 60*time.Millisecond {
			low = 60 * time.Millisecond
		}
		assert.GreaterOrEqual(t, d, low, "attempt %d", attempt)
		assert.LessOrEqual(t, d, 61*time.Millisecond, "attempt %d", attempt)
	}
}

func TestHeaderInt(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"missing uses default", "", 9},
		{"valid", "17", 17},
		{"malformed uses default", "lots", 9},
		{"negative clamps to zero", "-3", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.value != "" {
				h.Set("X-RateLimit-Remaining", tt.value)
			}
			assert.Equal(t, tt.want, headerInt(h, "X-RateLimit-Remaining", 9))
		})
	}
}
