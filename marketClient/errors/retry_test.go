package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastBackoff() Backoff {
	return Backoff{
		Attempts: 3,
		Base:     time.Millisecond,
		Cap:      5 * time.Millisecond,
		Factor:   2,
		Codes:    []ErrorCode{ErrCodeNetwork, ErrCodeRPC},
	}
}

func TestDialBackoff(t *testing.T) {
	b := DialBackoff()

	assert.Equal(t, 3, b.Attempts)
	assert.Equal(t, 500*time.Millisecond, b.wait(1))
	assert.Equal(t, time.Second, b.wait(2))
	assert.Equal(t, 5*time.Second, b.wait(10))
	assert.Contains(t, b.Codes, ErrCodeNetwork)
	assert.Contains(t, b.Codes, ErrCodeRPC)
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	for _, succeedOn := range []int{1, 2, 3} {
		calls := 0
		err := Do(context.Background(), fastBackoff(), func() error {
			calls++
			if calls < succeedOn {
				return NewRPCError("eip155:8453", "eth_chainId failed", nil)
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, succeedOn, calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastBackoff(), func() error {
		calls++
		return NewValidationError(ErrBountyNotFound, 1)
	})

	assert.Equal(t, 1, calls)
	assert.True(t, IsChainError(err, ErrCodeValidation))
}

func TestDoDoesNotRetryChainMismatch(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastBackoff(), func() error {
		calls++
		return NewNetworkError("eip155:8453", "mismatch", ErrChainMismatch)
	})

	assert.Equal(t, 1, calls)
	assert.True(t, errors.Is(err, ErrChainMismatch))
}

func TestDoReportsExhaustion(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastBackoff(), func() error {
		calls++
		return errors.New("dial tcp: connection refused")
	})

	assert.Equal(t, 3, calls)
	assert.True(t, IsChainError(err, ErrCodeInternal))
	assert.ErrorContains(t, err, "connection refused")
}

func TestDoHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fastBackoff(), func() error {
		calls++
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}
