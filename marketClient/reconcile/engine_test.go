package reconcile

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/onchain-market/market-node/marketClient/bounty"
	marketerrors "github.com/onchain-market/market-node/marketClient/errors"
	"github.com/onchain-market/market-node/marketClient/state"
)

const winner = "0x2222222222222222222222222222222222222222"

type mockCache struct {
	mock.Mock
}

func (m *mockCache) ListBounties(ctx context.Context) ([]bounty.Bounty, error) {
	args := m.Called(ctx)
	list, _ := args.Get(0).([]bounty.Bounty)
	return list, args.Error(1)
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) Healthy(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *mockLedger) GetBounty(ctx context.Context, id uint64) (bounty.Bounty, error) {
	args := m.Called(ctx, id)
	b, _ := args.Get(0).(bounty.Bounty)
	return b, args.Error(1)
}

func cachedBounties() []bounty.Bounty {
	return []bounty.Bounty{
		{ID: 3, Creator: "0x1111111111111111111111111111111111111111", Reward: big.NewInt(3), IsActive: true},
		{ID: 2, Creator: "0x1111111111111111111111111111111111111111", Reward: big.NewInt(2), IsActive: true},
		{ID: 1, Creator: "0x1111111111111111111111111111111111111111", Reward: big.NewInt(1), IsActive: false},
	}
}

func newEngine(t *testing.T, cache Cache, ledger Ledger) (*Engine, *state.Store) {
	t.Helper()
	logger := zerolog.New(zerolog.NewTestWriter(t))
	st := state.New(logger)
	return New(cache, ledger, st, nil, logger), st
}

func TestReconcileLedgerWins(t *testing.T) {
	cache := &mockCache{}
	cache.On("ListBounties", mock.Anything).Return(cachedBounties(), nil)

	ledger := &mockLedger{}
	ledger.On("Healthy", mock.Anything).Return(true)
	ledger.On("GetBounty", mock.Anything, uint64(3)).Return(bounty.Bounty{ID: 3, IsActive: false, Winner: winner, WinningSubmission: "https://img/3.png"}, nil)
	ledger.On("GetBounty", mock.Anything, uint64(2)).Return(bounty.Bounty{ID: 2, IsActive: true}, nil)
	ledger.On("GetBounty", mock.Anything, uint64(1)).Return(bounty.Bounty{ID: 1, IsActive: true}, nil)

	e, st := newEngine(t, cache, ledger)
	result, err := e.Reconcile(context.Background())
	require.NoError(t, err)

	require.Len(t, result, 3)
	assert.Equal(t, []uint64{3, 2, 1}, []uint64{result[0].ID, result[1].ID, result[2].ID})
	assert.False(t, result[0].IsActive)
	assert.Equal(t, winner, result[0].Winner)
	assert.Equal(t, "https://img/3.png", result[0].WinningSubmission)
	assert.True(t, result[1].IsActive)
	assert.True(t, result[2].IsActive, "ledger value replaces a stale cached flag")

	b, ok := st.Get(3)
	require.True(t, ok)
	assert.False(t, b.IsActive)
	assert.Equal(t, 3, st.Len())
}

func TestReconcilePerBountyFailureKeepsCached(t *testing.T) {
	cache := &mockCache{}
	cache.On("ListBounties", mock.Anything).Return(cachedBounties(), nil)

	ledger := &mockLedger{}
	ledger.On("Healthy", mock.Anything).Return(true)
	ledger.On("GetBounty", mock.Anything, uint64(3)).Return(nil, errors.New("rpc timeout"))
	ledger.On("GetBounty", mock.Anything, uint64(2)).Return(bounty.Bounty{ID: 2, IsActive: false}, nil)
	ledger.On("GetBounty", mock.Anything, uint64(1)).Return(nil, marketerrors.NewValidationError(marketerrors.ErrBountyNotFound, 1))

	e, _ := newEngine(t, cache, ledger)
	result, err := e.Reconcile(context.Background())
	require.NoError(t, err)

	assert.True(t, result[0].IsActive)
	assert.False(t, result[1].IsActive)
	assert.False(t, result[2].IsActive)
}

func TestReconcileCacheOnly(t *testing.T) {
	t.Run("no ledger configured", func(t *testing.T) {
		cache := &mockCache{}
		cache.On("ListBounties", mock.Anything).Return(cachedBounties(), nil)

		e, st := newEngine(t, cache, nil)
		result, err := e.Reconcile(context.Background())
		require.NoError(t, err)
		assert.Len(t, result, 3)
		assert.Equal(t, 3, st.Len())
	})

	t.Run("ledger unreachable", func(t *testing.T) {
		cache := &mockCache{}
		cache.On("ListBounties", mock.Anything).Return(cachedBounties(), nil)
		ledger := &mockLedger{}
		ledger.On("Healthy", mock.Anything).Return(false)

		e, _ := newEngine(t, cache, ledger)
		result, err := e.Reconcile(context.Background())
		require.NoError(t, err)
		assert.True(t, result[0].IsActive)
		ledger.AssertNotCalled(t, "GetBounty", mock.Anything, mock.Anything)

		_, err = e.Reconcile(context.Background())
		require.NoError(t, err)
		assert.True(t, e.warnedCacheOnly.Load())
	})
}

func TestReconcileCacheFailure(t *testing.T) {
	cache := &mockCache{}
	cache.On("ListBounties", mock.Anything).Return(nil, errors.New("database is locked"))

	e, st := newEngine(t, cache, nil)
	_, err := e.Reconcile(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, marketerrors.ErrNoData)
	assert.True(t, marketerrors.IsChainError(err, marketerrors.ErrCodePersistence))
	assert.Equal(t, 0, st.Len())
}

func TestReconcileIsMonotonicOverMemory(t *testing.T) {
	cache := &mockCache{}
	cache.On("ListBounties", mock.Anything).Return(cachedBounties(), nil)

	e, st := newEngine(t, cache, nil)
	_, err := e.Reconcile(context.Background())
	require.NoError(t, err)

	_, changed, err := st.CompleteBounty(3, winner, "https://img/3.png")
	require.NoError(t, err)
	require.True(t, changed)

	// The cache still says active; memory already knows better.
	_, err = e.Reconcile(context.Background())
	require.NoError(t, err)

	b, _ := st.Get(3)
	assert.False(t, b.IsActive)
	assert.Equal(t, winner, b.Winner)
}
