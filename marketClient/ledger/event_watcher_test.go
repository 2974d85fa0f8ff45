package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type memCursor struct {
	mu      sync.Mutex
	height  uint64
	updates []uint64
	getErr  error
}

func (c *memCursor) GetChainHeight() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, c.getErr
}

func (c *memCursor) UpdateChainHeight(h uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, h)
	if h > c.height {
		c.height = h
	}
	return nil
}

func (c *memCursor) last() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

func receiveEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestEventWatcherDeliversEvents(t *testing.T) {
	backend := &mockBackend{}
	cursor := &memCursor{}
	start := int64(100)

	logs := []types.Log{
		buildLog(t, KindBountyCreated, 1, testCreator, 100, 0, "logo", big.NewInt(5e17)),
		buildLog(t, KindSubmissionResult, 1, testSubmitter, 101, 1, true, uint8(8)),
	}
	removed := buildLog(t, KindBountyCreated, 2, testCreator, 101, 2, "gone", big.NewInt(1))
	removed.Removed = true
	logs = append(logs, removed)

	backend.On("BlockNumber", mock.Anything).Return(uint64(101), nil)
	backend.On("FilterLogs", mock.Anything, mock.MatchedBy(func(q ethereum.FilterQuery) bool {
		return q.FromBlock.Uint64() == 100 && q.ToBlock.Uint64() == 101 && len(q.Addresses) == 1 && q.Addresses[0] == testContract
	})).Return(logs, nil).Once()
	backend.On("FilterLogs", mock.Anything, mock.Anything).Return([]types.Log{}, nil)

	w := NewEventWatcher(backend, testContract, cursor, 5*time.Millisecond, &start, zerolog.Nop())
	require.NoError(t, w.Start(context.Background()))

	first := receiveEvent(t, w.Events())
	assert.Equal(t, KindBountyCreated, first.Kind())
	second := receiveEvent(t, w.Events())
	assert.Equal(t, KindSubmissionResult, second.Kind())

	w.Stop()
	w.Stop()

	for ev := range w.Events() {
		t.Fatalf("unexpected event after stop: %v", ev.Kind())
	}
}

func TestEventWatcherResumesFromCursor(t *testing.T) {
	backend := &mockBackend{}
	cursor := &memCursor{height: 500}

	backend.On("BlockNumber", mock.Anything).Return(uint64(510), nil)
	backend.On("FilterLogs", mock.Anything, mock.Anything).Return([]types.Log{}, nil)

	w := NewEventWatcher(backend, testContract, cursor, 5*time.Millisecond, nil, zerolog.Nop())
	from, err := w.getStartBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(500), from)

	require.NoError(t, w.Start(context.Background()))
	assert.Eventually(t, func() bool { return cursor.last() == 510 }, 2*time.Second, 5*time.Millisecond,
		"empty ranges advance the persisted cursor")
	w.Stop()
}

func TestEventWatcherStartBlockFallbacks(t *testing.T) {
	backend := &mockBackend{}
	backend.On("BlockNumber", mock.Anything).Return(uint64(42), nil)

	t.Run("latest when nothing configured", func(t *testing.T) {
		w := NewEventWatcher(backend, testContract, &memCursor{}, time.Second, nil, zerolog.Nop())
		from, err := w.getStartBlock(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(42), from)
	})

	t.Run("latest when configured -1", func(t *testing.T) {
		latest := int64(-1)
		w := NewEventWatcher(backend, testContract, nil, time.Second, &latest, zerolog.Nop())
		from, err := w.getStartBlock(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(42), from)
	})

	t.Run("cursor failure falls back to config", func(t *testing.T) {
		start := int64(7)
		w := NewEventWatcher(backend, testContract, &memCursor{getErr: errors.New("db closed")}, time.Second, &start, zerolog.Nop())
		from, err := w.getStartBlock(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(7), from)
	})
}

func TestEventWatcherRetriesFailedRange(t *testing.T) {
	backend := &mockBackend{}
	start := int64(10)

	backend.On("BlockNumber", mock.Anything).Return(uint64(12), nil)
	backend.On("FilterLogs", mock.Anything, mock.Anything).Return(nil, errors.New("rate limited")).Once()
	backend.On("FilterLogs", mock.Anything, mock.MatchedBy(func(q ethereum.FilterQuery) bool {
		return q.FromBlock.Uint64() == 10
	})).Return([]types.Log{
		buildLog(t, KindBountyCreated, 5, testCreator, 11, 0, "logo", big.NewInt(1)),
	}, nil).Once()
	backend.On("FilterLogs", mock.Anything, mock.Anything).Return([]types.Log{}, nil)

	w := NewEventWatcher(backend, testContract, nil, 5*time.Millisecond, &start, zerolog.Nop())
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	ev := receiveEvent(t, w.Events())
	assert.Equal(t, uint64(5), ev.TargetBounty())
}

func TestClientSubscribeReplacesPrevious(t *testing.T) {
	backend := &mockBackend{}
	backend.On("BlockNumber", mock.Anything).Return(uint64(1), nil)
	backend.On("FilterLogs", mock.Anything, mock.Anything).Return([]types.Log{}, nil)

	c := newTestClient(t, backend, nil)

	first, err := c.Subscribe(context.Background())
	require.NoError(t, err)
	second, err := c.Subscribe(context.Background())
	require.NoError(t, err)

	select {
	case _, ok := <-first.Events():
		assert.False(t, ok, "previous subscription is closed")
	case <-time.After(2 * time.Second):
		t.Fatal("previous subscription still open")
	}

	second.Unsubscribe()
	second.Unsubscribe()
	_, ok := <-second.Events()
	assert.False(t, ok)

	c.subMu.Lock()
	assert.Nil(t, c.sub)
	c.subMu.Unlock()
}
