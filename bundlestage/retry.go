package bundlestage

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

var ErrInvalidLockErrorPolicy = errors.New("invalid lock error policy")

const (
	DefaultMaxRetryDuration = 1200 * time.Millisecond
	DefaultPollInterval     = 5 * time.Millisecond
	DefaultInitialBackoff   = 2 * time.Millisecond
	DefaultMaxBackoff       = 50 * time.Millisecond
)

// LockErrorPolicy decides how bundles that fail to lock are treated.
type LockErrorPolicy uint8

const (
	// LockErrorRetry counts lock failures against the retry budget like cost and height failures.
	LockErrorRetry LockErrorPolicy = iota
	// LockErrorDrop drops a bundle on its first lock failure.
	LockErrorDrop
)

func ParseLockErrorPolicy(s string) (LockErrorPolicy, error) {
	switch s {
	case "retry", "":
		return LockErrorRetry, nil
	case "drop":
		return LockErrorDrop, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidLockErrorPolicy, s)
	}
}

func (p LockErrorPolicy) String() string {
	if p == LockErrorDrop {
		return "drop"
	}
	return "retry"
}

type RetryPolicy struct {
	MaxRetryDuration time.Duration
	LockErrors       LockErrorPolicy
	// PollInterval bounds how long a waiting bundle takes to notice shutdown or a new slot.
	PollInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxRetryDuration: DefaultMaxRetryDuration,
	LockErrors:       LockErrorRetry,
	PollInterval:     DefaultPollInterval,
	InitialBackoff:   DefaultInitialBackoff,
	MaxBackoff:       DefaultMaxBackoff,
}

type BundleState uint8

const (
	StatePending BundleState = iota
	StateRetrying
	StateCommitted
	StateDropped
	StateFatalStop
)

func (s BundleState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRetrying:
		return "retrying"
	case StateCommitted:
		return "committed"
	case StateDropped:
		return "dropped"
	case StateFatalStop:
		return "fatal_stop"
	default:
		return "unknown"
	}
}

func (s BundleState) Terminal() bool {
	return s == StateCommitted || s == StateDropped || s == StateFatalStop
}

// Retryable reports whether err may be retried at all, ignoring the time budget.
func (p RetryPolicy) Retryable(err error) bool {
	var bundleErr *BundleExecutionError
	if !errors.As(err, &bundleErr) {
		return false
	}
	switch bundleErr.Kind {
	case KindPohMaxHeight, KindExceedsCostModel:
		return true
	case KindLockError:
		return p.LockErrors == LockErrorRetry
	case KindTransactionFailure:
		return bundleErr.TxErr == nil || !bundleErr.TxErr.Malformed
	default:
		return false
	}
}

// Next is the bundle state machine. It returns the next state and, for Dropped, the reason.
// Terminal states are absorbing except for Shutdown, which moves any state to FatalStop.
func (p RetryPolicy) Next(state BundleState, err error, elapsed time.Duration) (BundleState, error) {
	if errors.Is(err, ErrShutdown) {
		return StateFatalStop, err
	}
	if state.Terminal() {
		return state, nil
	}
	if err == nil {
		return StateCommitted, nil
	}
	if !p.Retryable(err) {
		return StateDropped, err
	}
	if elapsed >= p.MaxRetryDuration {
		return StateDropped, NewMaxRetriesExceeded(elapsed)
	}
	return StateRetrying, err
}

// RetryPolicyFromEnv loads the retry policy from environment.
// - `BUNDLE_MAX_RETRY_DURATION_MS`
// - `BUNDLE_LOCK_ERROR_POLICY` (retry|drop)
// - `BUNDLE_RETRY_POLL_INTERVAL_MS`
// - `BUNDLE_RETRY_MAX_BACKOFF_MS`
func RetryPolicyFromEnv() (RetryPolicy, error) {
	policy := DefaultRetryPolicy

	if val := os.Getenv("BUNDLE_MAX_RETRY_DURATION_MS"); val != "" {
		ms, err := strconv.Atoi(val)
		if err != nil {
			return policy, err
		}
		policy.MaxRetryDuration = time.Duration(ms) * time.Millisecond
	}
	if val := os.Getenv("BUNDLE_LOCK_ERROR_POLICY"); val != "" {
		lockPolicy, err := ParseLockErrorPolicy(val)
		if err != nil {
			return policy, err
		}
		policy.LockErrors = lockPolicy
	}
	if val := os.Getenv("BUNDLE_RETRY_POLL_INTERVAL_MS"); val != "" {
		ms, err := strconv.Atoi(val)
		if err != nil {
			return policy, err
		}
		policy.PollInterval = time.Duration(ms) * time.Millisecond
	}
	if val := os.Getenv("BUNDLE_RETRY_MAX_BACKOFF_MS"); val != "" {
		ms, err := strconv.Atoi(val)
		if err != nil {
			return policy, err
		}
		policy.MaxBackoff = time.Duration(ms) * time.Millisecond
	}
	return policy, nil
}
