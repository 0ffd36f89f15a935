package discovery

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/aws/smithy-go"
)

// Policy retries throttling-class API failures with exponential backoff and
// full jitter. Anything that is not throttling fails on the first attempt.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultPolicy matches the engine's default retry knobs.
var DefaultPolicy = Policy{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond}

// throttleCodes are the smithy error codes AWS services use for rate
// limiting.
var throttleCodes = map[string]bool{
	"Throttling":               true,
	"ThrottlingException":      true,
	"TooManyRequestsException": true,
	"RequestLimitExceeded":     true,
}

// Throttled reports whether err is a rate-limit rejection worth retrying.
func Throttled(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return throttleCodes[apiErr.ErrorCode()]
	}
	return false
}

// Do runs fn, retrying while it returns a throttling error and attempts
// remain. The ctx deadline bounds the whole sequence including sleeps.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil || !Throttled(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		// Full jitter: uniform over [0, base*2^attempt).
		ceiling := base << attempt
		delay := time.Duration(rand.Int63n(int64(ceiling)))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
