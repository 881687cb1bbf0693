package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// maxRetryAttempts bounds the total number of tries for a transient failure.
const maxRetryAttempts = 3

// retryableSQLStates are the Postgres error classes worth retrying in
// process: deadlock, serialization failure, connection establishment
// failures, connection loss, and admin shutdown.
var retryableSQLStates = map[string]struct{}{
	"40001": {},
	"40P01": {},
	"08001": {},
	"08004": {},
	"08006": {},
	"57P01": {},
}

var retryableMessageFragments = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"unexpected eof",
}

// Retryable reports whether the error is a transient infrastructure failure.
// Business and validation errors are never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		_, ok := retryableSQLStates[pgErr.Code]
		return ok
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range retryableMessageFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// WithRetry executes op, retrying transient database failures with
// exponential jittered backoff up to maxRetryAttempts total tries. The first
// non-retryable error aborts immediately.
func WithRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.RandomizationFactor = 0.5

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetryAttempts-1), ctx))
}
