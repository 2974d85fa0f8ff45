// Package reconcile rebuilds the bounty state from the off-chain cache and
// corrects it against the ledger, which always wins.
package reconcile

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/onchain-market/market-node/marketClient/bounty"
	marketerrors "github.com/onchain-market/market-node/marketClient/errors"
	"github.com/onchain-market/market-node/marketClient/metrics"
	"github.com/onchain-market/market-node/marketClient/state"
)

// Cache lists the cached bounties, most recent first.
type Cache interface {
	ListBounties(ctx context.Context) ([]bounty.Bounty, error)
}

// Ledger reads authoritative bounty state.
type Ledger interface {
	Healthy(ctx context.Context) bool
	GetBounty(ctx context.Context, id uint64) (bounty.Bounty, error)
}

// Engine performs reconciliation passes. It never writes the cache.
type Engine struct {
	cache   Cache
	ledger  Ledger
	state   *state.Store
	metrics *metrics.Metrics
	logger  zerolog.Logger

	warnedCacheOnly atomic.Bool
}

// New creates an engine. ledger may be nil, in which case every pass is cache-only.
func New(cache Cache, ledger Ledger, st *state.Store, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	return &Engine{
		cache:   cache,
		ledger:  ledger,
		state:   st,
		metrics: m,
		logger:  logger.With().Str("component", "reconcile").Logger(),
	}
}

// Reconcile loads the cache, overwrites activity and winners with the ledger's
// values and merges the result into the state store. A cache read failure is
// the only error; ledger trouble degrades to the cached values.
func (e *Engine) Reconcile(ctx context.Context) ([]bounty.Bounty, error) {
	start := time.Now()

	cached, err := e.cache.ListBounties(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to load cached bounties")
		return nil, marketerrors.NewNoDataError(err)
	}

	cacheOnly := !e.ledgerAvailable(ctx)
	failures := 0
	if !cacheOnly {
		for i := range cached {
			if !e.correct(ctx, &cached[i]) {
				failures++
			}
		}
	}

	e.state.Reconcile(cached)
	e.metrics.ReconcileRun(cacheOnly)

	e.logger.Info().
		Int("bounties", len(cached)).
		Bool("cache_only", cacheOnly).
		Int("ledger_failures", failures).
		Dur("took", time.Since(start)).
		Msg("reconciliation complete")
	return cached, nil
}

func (e *Engine) ledgerAvailable(ctx context.Context) bool {
	if e.ledger != nil && e.ledger.Healthy(ctx) {
		if e.warnedCacheOnly.Swap(false) {
			e.logger.Info().Msg("ledger reachable again")
		}
		return true
	}
	if !e.warnedCacheOnly.Swap(true) {
		e.logger.Warn().Msg("ledger unavailable, using cached bounty state")
	}
	return false
}

// correct applies the ledger's view of b. It reports false when the ledger
// read failed and the cached values were kept.
func (e *Engine) correct(ctx context.Context, b *bounty.Bounty) bool {
	onchain, err := e.ledger.GetBounty(ctx, b.ID)
	if err != nil {
		e.metrics.LedgerReadError()
		e.logger.Warn().Err(err).Uint64("bounty_id", b.ID).Msg("failed to read bounty from ledger, keeping cached state")
		return false
	}

	if b.IsActive != onchain.IsActive {
		e.logger.Debug().
			Uint64("bounty_id", b.ID).
			Bool("cached", b.IsActive).
			Bool("ledger", onchain.IsActive).
			Msg("ledger overrides bounty activity")
	}
	b.IsActive = onchain.IsActive
	if onchain.HasWinner() {
		b.Winner = onchain.Winner
		b.WinningSubmission = onchain.WinningSubmission
	}
	return true
}
