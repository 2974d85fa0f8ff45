package dispatcher

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/onchain-market/market-node/marketClient/bounty"
	"github.com/onchain-market/market-node/marketClient/ledger"
	"github.com/onchain-market/market-node/marketClient/metrics"
	"github.com/onchain-market/market-node/marketClient/state"
)

const (
	creator   = "0x1111111111111111111111111111111111111111"
	submitter = "0x2222222222222222222222222222222222222222"
	other     = "0x3333333333333333333333333333333333333333"
)

type mockCache struct {
	mock.Mock
}

func (m *mockCache) InsertBountyIfNotExists(ctx context.Context, b bounty.Bounty) (bool, error) {
	args := m.Called(ctx, b)
	return args.Bool(0), args.Error(1)
}

func (m *mockCache) SaveBounty(ctx context.Context, b bounty.Bounty) error {
	args := m.Called(ctx, b)
	return args.Error(0)
}

func (m *mockCache) UpdateChainHeight(blockHeight uint64) error {
	args := m.Called(blockHeight)
	return args.Error(0)
}

func permissiveCache() *mockCache {
	c := &mockCache{}
	c.On("InsertBountyIfNotExists", mock.Anything, mock.Anything).Return(true, nil).Maybe()
	c.On("SaveBounty", mock.Anything, mock.Anything).Return(nil).Maybe()
	c.On("UpdateChainHeight", mock.Anything).Return(nil).Maybe()
	return c
}

func ref(n int64) ledger.LogRef {
	return ledger.LogRef{
		TxHash:      ethcommon.BigToHash(big.NewInt(n)),
		LogIndex:    uint(n % 3),
		BlockNumber: uint64(100 + n),
	}
}

func created(n int64, id uint64) ledger.BountyCreated {
	return ledger.BountyCreated{
		LogRef:       ref(n),
		BountyID:     id,
		Creator:      creator,
		Requirements: "a red fox logo",
		Reward:       big.NewInt(5e17),
	}
}

func result(n int64, id uint64, who string, accepted bool, score uint8) ledger.SubmissionResult {
	return ledger.SubmissionResult{
		LogRef:     ref(n),
		BountyID:   id,
		Submitter:  who,
		IsAccepted: accepted,
		Score:      score,
	}
}

func newTestDispatcher(t *testing.T, cache Cache) (*Dispatcher, *state.Store) {
	t.Helper()
	logger := zerolog.New(zerolog.NewTestWriter(t))
	st := state.New(logger)
	return New(st, cache, metrics.New(), logger), st
}

func seedPending(t *testing.T, st *state.Store, id uint64, who string) {
	t.Helper()
	st.PrependBounty(bounty.Bounty{ID: id, Creator: creator, Reward: big.NewInt(1), IsActive: true})
	_, added, err := st.AddSubmission(bounty.Submission{BountyID: id, Submitter: who, ImageURL: "https://img/" + who})
	require.NoError(t, err)
	require.True(t, added)
}

func TestBountyCreated(t *testing.T) {
	cache := permissiveCache()
	d, st := newTestDispatcher(t, cache)
	ctx := context.Background()

	assert.True(t, d.apply(ctx, created(1, 7)))

	b, ok := st.Get(7)
	require.True(t, ok)
	assert.True(t, b.IsActive)
	assert.Equal(t, "a red fox logo", b.Requirements)
	assert.Equal(t, 0, big.NewInt(5e17).Cmp(b.Reward))
	cache.AssertCalled(t, "InsertBountyIfNotExists", mock.Anything, mock.MatchedBy(func(b bounty.Bounty) bool { return b.ID == 7 }))
	cache.AssertCalled(t, "UpdateChainHeight", uint64(101))

	t.Run("redelivered log is skipped", func(t *testing.T) {
		assert.False(t, d.apply(ctx, created(1, 7)))
		assert.Equal(t, 1, st.Len())
		cache.AssertNumberOfCalls(t, "InsertBountyIfNotExists", 1)
	})

	t.Run("known id from another log is a no-op", func(t *testing.T) {
		assert.False(t, d.apply(ctx, created(2, 7)))
		assert.Equal(t, 1, st.Len())
	})
}

func TestBountyCreatedPersistenceFailureKeepsState(t *testing.T) {
	cache := &mockCache{}
	cache.On("InsertBountyIfNotExists", mock.Anything, mock.Anything).Return(false, errors.New("disk full"))
	cache.On("UpdateChainHeight", mock.Anything).Return(errors.New("disk full"))
	d, st := newTestDispatcher(t, cache)

	assert.True(t, d.apply(context.Background(), created(1, 3)))
	assert.True(t, st.Has(3))
}

func TestSubmissionResultApplied(t *testing.T) {
	cache := permissiveCache()
	d, st := newTestDispatcher(t, cache)
	ctx := context.Background()
	seedPending(t, st, 1, submitter)

	assert.True(t, d.apply(ctx, result(10, 1, submitter, true, 9)))

	b, _ := st.Get(1)
	assert.False(t, b.IsActive)
	assert.True(t, bounty.SameAddress(submitter, b.Winner))
	assert.Equal(t, "https://img/"+submitter, b.WinningSubmission)
	require.Len(t, b.Submissions, 1)
	assert.Equal(t, bounty.StatusAccepted, b.Submissions[0].Status)
	require.NotNil(t, b.Submissions[0].Score)
	assert.Equal(t, uint8(9), *b.Submissions[0].Score)
	cache.AssertCalled(t, "SaveBounty", mock.Anything, mock.MatchedBy(func(b bounty.Bounty) bool { return !b.IsActive }))

	t.Run("terminal status never reverts", func(t *testing.T) {
		assert.False(t, d.apply(ctx, result(11, 1, submitter, false, 2)))
		b, _ := st.Get(1)
		assert.Equal(t, bounty.StatusAccepted, b.Submissions[0].Status)
		assert.Equal(t, uint8(9), *b.Submissions[0].Score)
	})
}

func TestSubmissionResultRejected(t *testing.T) {
	d, st := newTestDispatcher(t, permissiveCache())
	seedPending(t, st, 1, submitter)

	assert.True(t, d.apply(context.Background(), result(10, 1, submitter, false, 3)))

	b, _ := st.Get(1)
	assert.True(t, b.IsActive)
	assert.Empty(t, b.Winner)
	assert.Equal(t, bounty.StatusRejected, b.Submissions[0].Status)
}

func TestSubmissionResultUnknownTargetsAreNoops(t *testing.T) {
	cache := permissiveCache()
	d, st := newTestDispatcher(t, cache)
	ctx := context.Background()
	seedPending(t, st, 1, submitter)

	assert.False(t, d.apply(ctx, result(10, 99, submitter, true, 8)))
	assert.False(t, d.apply(ctx, result(11, 1, other, true, 8)))

	b, _ := st.Get(1)
	assert.True(t, b.IsActive)
	assert.Equal(t, bounty.StatusPending, b.Submissions[0].Status)
	cache.AssertNotCalled(t, "SaveBounty", mock.Anything, mock.Anything)
}

func TestSubmissionResultScoreOutOfRangeDropped(t *testing.T) {
	d, st := newTestDispatcher(t, permissiveCache())
	seedPending(t, st, 1, submitter)
	w := d.AwaitVerdict(1, submitter)

	assert.False(t, d.apply(context.Background(), result(10, 1, submitter, true, 11)))

	b, _ := st.Get(1)
	assert.Equal(t, bounty.StatusPending, b.Submissions[0].Status)
	select {
	case <-w.Done():
		t.Fatal("waiter settled by a dropped verdict")
	default:
	}
	w.Cancel()
}

func TestSubmissionMadeAndBountyCompleted(t *testing.T) {
	d, st := newTestDispatcher(t, permissiveCache())
	ctx := context.Background()
	st.PrependBounty(bounty.Bounty{ID: 4, Creator: creator, Reward: big.NewInt(1), IsActive: true})

	made := ledger.SubmissionMade{LogRef: ref(20), BountyID: 4, Submitter: submitter, SubmissionURL: "https://img/a.png"}
	assert.True(t, d.apply(ctx, made))
	made.LogRef = ref(21)
	assert.False(t, d.apply(ctx, made), "second submission by the same submitter")

	b, _ := st.Get(4)
	require.Len(t, b.Submissions, 1)
	assert.Equal(t, bounty.StatusPending, b.Submissions[0].Status)

	done := ledger.BountyCompleted{LogRef: ref(22), BountyID: 4, Winner: submitter, WinningSubmission: "https://img/a.png"}
	assert.True(t, d.apply(ctx, done))
	done.LogRef = ref(23)
	assert.False(t, d.apply(ctx, done))

	b, _ = st.Get(4)
	assert.False(t, b.IsActive)
	assert.True(t, bounty.SameAddress(submitter, b.Winner))

	missing := ledger.BountyCompleted{LogRef: ref(24), BountyID: 404, Winner: submitter}
	assert.False(t, d.apply(ctx, missing))
}

func TestWaiterReceivesVerdict(t *testing.T) {
	d, st := newTestDispatcher(t, permissiveCache())
	seedPending(t, st, 1, submitter)

	w := d.AwaitVerdict(1, "0x2222222222222222222222222222222222222222")
	w.StartDeadline(time.Minute)
	assert.Equal(t, 1, d.PendingWaiters())

	d.apply(context.Background(), result(10, 1, submitter, true, 7))

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("waiter not settled")
	}
	s, v := w.Result()
	assert.Equal(t, SettlementVerdict, s)
	assert.True(t, v.Accepted)
	assert.Equal(t, uint8(7), v.Score)
	assert.Equal(t, 0, d.PendingWaiters())

	assert.False(t, w.Cancel(), "settled waiter cannot be cancelled")
}

func TestWaiterNotifiedWhenSubmissionNotYetRecorded(t *testing.T) {
	d, st := newTestDispatcher(t, permissiveCache())
	st.PrependBounty(bounty.Bounty{ID: 1, Creator: creator, Reward: big.NewInt(1), IsActive: true})

	w := d.AwaitVerdict(1, submitter)
	d.apply(context.Background(), result(10, 1, submitter, false, 4))

	<-w.Done()
	s, v := w.Result()
	assert.Equal(t, SettlementVerdict, s)
	assert.False(t, v.Accepted)
}

func TestDeadlineBeatsLateVerdict(t *testing.T) {
	d, st := newTestDispatcher(t, permissiveCache())
	seedPending(t, st, 1, submitter)

	w := d.AwaitVerdict(1, submitter)
	w.StartDeadline(10 * time.Millisecond)

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("deadline never fired")
	}
	s, _ := w.Result()
	assert.Equal(t, SettlementDeadline, s)

	// The late verdict still lands passively.
	assert.True(t, d.apply(context.Background(), result(10, 1, submitter, true, 8)))
	s, _ = w.Result()
	assert.Equal(t, SettlementDeadline, s)

	b, _ := st.Get(1)
	assert.False(t, b.IsActive)
	assert.Equal(t, bounty.StatusAccepted, b.Submissions[0].Status)
}

func TestWaiterCancel(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	w := d.AwaitVerdict(1, submitter)
	w.StartDeadline(time.Hour)

	assert.True(t, w.Cancel())
	s, _ := w.Result()
	assert.Equal(t, SettlementCancelled, s)
	assert.Equal(t, 0, d.PendingWaiters())
	assert.Equal(t, "cancelled", s.String())
}

func TestRunLoop(t *testing.T) {
	d, st := newTestDispatcher(t, permissiveCache())
	events := make(chan ledger.Event, 4)

	require.NoError(t, d.Start(context.Background(), events))
	assert.Error(t, d.Start(context.Background(), events))

	events <- created(1, 1)
	events <- created(1, 1)
	events <- created(2, 2)

	require.Eventually(t, func() bool { return st.Len() == 2 }, time.Second, 5*time.Millisecond)

	list := st.List()
	assert.Equal(t, uint64(2), list[0].ID)
	assert.Equal(t, uint64(1), list[1].ID)

	d.Stop()
	d.Stop()

	t.Run("restart keeps duplicate detection", func(t *testing.T) {
		events := make(chan ledger.Event, 1)
		require.NoError(t, d.Start(context.Background(), events))
		assert.False(t, d.apply(context.Background(), created(2, 2)))
		close(events)
		d.Stop()
	})
}

func TestDuplicateWindowIsBounded(t *testing.T) {
	d, _ := newTestDispatcher(t, permissiveCache())
	ctx := context.Background()

	old := created(1, 1)
	require.True(t, d.apply(ctx, old))
	assert.False(t, d.apply(ctx, old))

	recent := created(2, 2)
	recent.BlockNumber = old.BlockNumber + dedupWindow + 1
	require.True(t, d.apply(ctx, recent))

	d.seenMu.Lock()
	_, oldKept := d.seen[old.Ref().Key()]
	_, recentKept := d.seen[recent.Ref().Key()]
	remembered := len(d.seen)
	d.seenMu.Unlock()

	assert.False(t, oldKept, "keys far below the newest block are forgotten")
	assert.True(t, recentKept)
	assert.Equal(t, 1, remembered)

	// A log inside the window is still a duplicate.
	inWindow := created(3, 3)
	inWindow.BlockNumber = recent.BlockNumber - 10
	require.True(t, d.apply(ctx, inWindow))
	assert.False(t, d.apply(ctx, inWindow))
}

type gatedCache struct {
	mu      sync.Mutex
	saves   []bounty.Bounty
	blocked bool
	gate    chan struct{}
	held    chan struct{}
}

func (c *gatedCache) InsertBountyIfNotExists(context.Context, bounty.Bounty) (bool, error) {
	return true, nil
}

// SaveBounty blocks the first write until gate is closed.
func (c *gatedCache) SaveBounty(_ context.Context, b bounty.Bounty) error {
	c.mu.Lock()
	first := !c.blocked
	c.blocked = true
	c.mu.Unlock()
	if first {
		close(c.held)
		<-c.gate
	}
	c.mu.Lock()
	c.saves = append(c.saves, b)
	c.mu.Unlock()
	return nil
}

func (c *gatedCache) UpdateChainHeight(uint64) error { return nil }

func TestSlowCacheWriteIsNotOverwrittenByStaleSnapshot(t *testing.T) {
	cache := &gatedCache{gate: make(chan struct{}), held: make(chan struct{})}
	d, st := newTestDispatcher(t, cache)
	ctx := context.Background()
	seedPending(t, st, 1, submitter)

	// A workflow persists the accepted verdict; its write stalls.
	_, _, err := st.CommitVerdict(bounty.Submission{BountyID: 1, Submitter: submitter}, true, 9)
	require.NoError(t, err)
	slow := make(chan struct{})
	go func() {
		defer close(slow)
		d.persist(ctx, bounty.Bounty{ID: 1})
	}()
	<-cache.held

	// Meanwhile another submitter's submission lands.
	applied := make(chan bool, 1)
	go func() {
		applied <- d.apply(ctx, ledger.SubmissionMade{LogRef: ref(30), BountyID: 1, Submitter: other, SubmissionURL: "https://img/o.png"})
	}()

	require.Eventually(t, func() bool {
		b, _ := st.Get(1)
		return len(b.Submissions) == 2
	}, time.Second, 5*time.Millisecond)

	close(cache.gate)
	<-slow
	require.True(t, <-applied)

	cache.mu.Lock()
	defer cache.mu.Unlock()
	require.Len(t, cache.saves, 2)
	last := cache.saves[len(cache.saves)-1]
	assert.Len(t, last.Submissions, 2, "the last write carries every submission")
	assert.False(t, last.IsActive)
}
