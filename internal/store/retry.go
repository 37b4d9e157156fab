package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// IsBusy reports whether err is a transient lock condition worth retrying:
// SQLITE_BUSY / SQLITE_LOCKED (any extended code) or a Postgres
// serialization failure, deadlock or lock timeout.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}

// RetryPolicy bounds how long a caller keeps retrying a busy store.
type RetryPolicy struct {
	Attempts  int           // retries after the first try
	BaseDelay time.Duration // first backoff interval
	MaxDelay  time.Duration // cap for a single interval

	// Retryable defaults to IsBusy.
	Retryable func(error) bool
	// OnRetry is called before each backoff sleep.
	OnRetry func(err error, wait time.Duration)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 5, BaseDelay: 20 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
}

// Do runs op until it succeeds, fails with a non-retryable error, the retry
// budget is spent or ctx is done. Waits grow exponentially with ±50% jitter.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsBusy
	}

	b := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		b.InitialInterval = p.BaseDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0

	attempts := p.Attempts
	if attempts < 0 {
		attempts = 0
	}

	var last error
	err := backoff.RetryNotify(func() error {
		err := op()
		if err == nil {
			return nil
		}
		last = err
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts)), ctx), func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(err, wait)
		}
	})
	if err != nil && last != nil && ctx.Err() == nil {
		return last
	}
	return err
}
