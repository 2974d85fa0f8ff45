package errors

import (
	"context"
	"errors"
	"time"
)

// Backoff is an exponential retry schedule for calls to the ledger's RPC
// providers. Only ChainErrors whose code is listed in Codes, and untagged
// errors that look transient, are attempted again.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
	Factor   float64
	Codes    []ErrorCode
}

// DialBackoff is the schedule used when connecting to an RPC endpoint.
func DialBackoff() Backoff {
	return Backoff{
		Attempts: 3,
		Base:     500 * time.Millisecond,
		Cap:      5 * time.Second,
		Factor:   2,
		Codes:    []ErrorCode{ErrCodeNetwork, ErrCodeRPC},
	}
}

// wait returns the pause before attempt n+1, n starting at 1.
func (b Backoff) wait(n int) time.Duration {
	d := b.Base
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * b.Factor)
		if b.Cap > 0 && d >= b.Cap {
			return b.Cap
		}
	}
	return d
}

func (b Backoff) retries(err error) bool {
	var chainErr *ChainError
	if !errors.As(err, &chainErr) {
		return IsRetryable(err)
	}
	for _, code := range b.Codes {
		if code == chainErr.Code {
			return chainErr.IsRetryable()
		}
	}
	return false
}

// Do calls op until it succeeds, fails with an error b does not retry, or
// runs out of attempts. Exhaustion is reported as an INTERNAL ChainError
// wrapping the last failure.
func Do(ctx context.Context, b Backoff, op func() error) error {
	if b.Attempts < 1 {
		b.Attempts = 1
	}

	var err error
	for n := 1; n <= b.Attempts; n++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = op(); err == nil {
			return nil
		}
		if !b.retries(err) || n == b.Attempts {
			break
		}

		timer := time.NewTimer(b.wait(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if !b.retries(err) {
		return err
	}
	return WrapChainError(err, ErrCodeInternal, "", "retries exhausted").
		WithContext("attempts", b.Attempts)
}
