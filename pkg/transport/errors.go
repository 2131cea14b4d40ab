package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies a terminal transport failure.
type Kind int

// Failure kinds.
const (
	KindRateLimited Kind = iota + 1
	KindTimeout
	KindConnectionError
	KindHTTPError
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate limited"
	case KindTimeout:
		return "timeout"
	case KindConnectionError:
		return "connection error"
	case KindHTTPError:
		return "http error"
	default:
		return "unknown"
	}
}

// Failure is the terminal error the executor returns once retries are
// exhausted or the response is not worth retrying. Callers treat it as a
// skip-this-unit signal, never as a crash.
type Failure struct {
	Err    error
	Kind   Kind
	Status int // HTTP status for KindHTTPError
}

func (f *Failure) Error() string {
	if f.Kind == KindHTTPError {
		return fmt.Sprintf("http error: status %d", f.Status)
	}
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	}
	return f.Kind.String()
}

func (f *Failure) Unwrap() error { return f.Err }

// IsKind reports whether err is a transport Failure of the given kind.
func IsKind(err error, kind Kind) bool {
	var f *Failure
	return errors.As(err, &f) && f.Kind == kind
}

// waitClass tells the executor how to compute the delay before the next
// attempt.
type waitClass int

const (
	waitBackoff waitClass = iota // min(60, 2^attempt + jitter) seconds
	waitExact                    // server-provided reset wait
	waitLoading                  // model loading: 10*(attempt+1) seconds
	waitLinear                   // transient failure: 5*(attempt+1) seconds
)

// retryable marks a failed attempt the executor may retry. The kind is
// what the failure becomes if the retry ceiling is reached first.
type retryable struct {
	msg    string
	kind   Kind
	status int
	class  waitClass
	wait   time.Duration // only meaningful for waitExact
}

func (r *retryable) Error() string { return r.msg }

func (r *retryable) failure() *Failure {
	return &Failure{Kind: r.kind, Status: r.status, Err: errors.New(r.msg)}
}

// isTimeout distinguishes timeouts from other transport-level errors.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
