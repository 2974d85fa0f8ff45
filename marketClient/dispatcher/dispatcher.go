// Package dispatcher applies ledger events to the bounty state exactly once
// per log and hands oracle verdicts to the workflows waiting for them.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/onchain-market/market-node/marketClient/bounty"
	marketerrors "github.com/onchain-market/market-node/marketClient/errors"
	"github.com/onchain-market/market-node/marketClient/ledger"
	"github.com/onchain-market/market-node/marketClient/metrics"
	"github.com/onchain-market/market-node/marketClient/state"
)

// dedupWindow is how many blocks below the newest applied event a log key is
// remembered. Redelivery never reaches further back than one watcher query
// range, which is shorter.
const dedupWindow uint64 = 10000

// Cache is the off-chain store the dispatcher writes through to.
type Cache interface {
	InsertBountyIfNotExists(ctx context.Context, b bounty.Bounty) (bool, error)
	SaveBounty(ctx context.Context, b bounty.Bounty) error
	UpdateChainHeight(blockHeight uint64) error
}

// Dispatcher consumes one event channel on a single goroutine.
type Dispatcher struct {
	state   *state.Store
	cache   Cache
	metrics *metrics.Metrics
	logger  zerolog.Logger

	seenMu     sync.Mutex
	seen       map[string]uint64 // log key -> block
	seenTop    uint64
	seenPruned uint64

	waitMu  sync.Mutex
	waiters map[*VerdictWaiter]struct{}

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a dispatcher. cache and m may be nil.
func New(st *state.Store, cache Cache, m *metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		state:   st,
		cache:   cache,
		metrics: m,
		seen:    make(map[string]uint64),
		waiters: make(map[*VerdictWaiter]struct{}),
		logger:  logger.With().Str("component", "event_dispatcher").Logger(),
	}
}

// Start begins consuming events. The dispatcher can be started again after
// Stop; logs applied before are still recognised as duplicates.
func (d *Dispatcher) Start(ctx context.Context, events <-chan ledger.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("event dispatcher is already running")
	}
	d.running = true
	d.stopCh = make(chan struct{})

	d.wg.Add(1)
	go d.run(ctx, events, d.stopCh)

	d.logger.Info().Msg("event dispatcher started")
	return nil
}

// Stop ends the loop and waits for the event being applied to finish.
// Armed verdict waiters are left alone.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info().Msg("event dispatcher stopped")
}

// AwaitVerdict arms a waiter for the verdict on submitter's submission to
// bountyID. Arm it before sending the transaction so no verdict is missed.
func (d *Dispatcher) AwaitVerdict(bountyID uint64, submitter string) *VerdictWaiter {
	w := newVerdictWaiter(bountyID, submitter, d.releaseWaiter)

	d.waitMu.Lock()
	d.waiters[w] = struct{}{}
	d.waitMu.Unlock()
	return w
}

// PendingWaiters returns the number of armed, unsettled waiters.
func (d *Dispatcher) PendingWaiters() int {
	d.waitMu.Lock()
	defer d.waitMu.Unlock()
	return len(d.waiters)
}

func (d *Dispatcher) releaseWaiter(w *VerdictWaiter) {
	d.waitMu.Lock()
	delete(d.waiters, w)
	d.waitMu.Unlock()
}

func (d *Dispatcher) run(ctx context.Context, events <-chan ledger.Event, stopCh chan struct{}) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("context cancelled, stopping event dispatcher")
			return
		case <-stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				d.logger.Info().Msg("event stream closed")
				return
			}
			d.apply(ctx, ev)
		}
	}
}

// apply handles one event. It returns false for duplicates and for events
// that changed nothing.
func (d *Dispatcher) apply(ctx context.Context, ev ledger.Event) bool {
	ref := ev.Ref()
	kind := string(ev.Kind())

	if !d.markSeen(ref.Key(), ref.BlockNumber) {
		d.metrics.EventDuplicate(kind)
		d.logger.Debug().Str("event", kind).Str("log", ref.Key()).Msg("skipping duplicate event")
		return false
	}

	var applied bool
	switch e := ev.(type) {
	case ledger.BountyCreated:
		applied = d.onBountyCreated(ctx, e)
	case ledger.SubmissionMade:
		applied = d.onSubmissionMade(ctx, e)
	case ledger.SubmissionResult:
		applied = d.onSubmissionResult(ctx, e)
	case ledger.BountyCompleted:
		applied = d.onBountyCompleted(ctx, e)
	default:
		d.logger.Warn().Str("event", kind).Msg("unhandled event type")
	}

	if applied {
		d.metrics.EventApplied(kind)
	} else {
		d.metrics.EventIgnored(kind)
	}
	d.recordHeight(ref.BlockNumber)
	return applied
}

// markSeen records key and reports whether it is new. Keys of blocks more
// than dedupWindow below the newest one are forgotten.
func (d *Dispatcher) markSeen(key string, block uint64) bool {
	d.seenMu.Lock()
	defer d.seenMu.Unlock()
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = block

	if block > d.seenTop {
		d.seenTop = block
	}
	if d.seenTop >= d.seenPruned+dedupWindow {
		floor := d.seenTop - dedupWindow
		for k, b := range d.seen {
			if b < floor {
				delete(d.seen, k)
			}
		}
		d.seenPruned = d.seenTop
	}
	return true
}

func (d *Dispatcher) onBountyCreated(ctx context.Context, e ledger.BountyCreated) bool {
	if d.state.Has(e.BountyID) {
		return false
	}

	b := bounty.Bounty{
		ID:           e.BountyID,
		Creator:      e.Creator,
		Requirements: e.Requirements,
		Reward:       e.Reward,
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
	}
	if !d.state.PrependBounty(b) {
		return false
	}

	d.logger.Info().
		Uint64("bounty_id", e.BountyID).
		Str("creator", e.Creator).
		Str("reward", bounty.FormatEther(e.Reward)).
		Msg("bounty created")

	if d.cache != nil {
		insert := func(ctx context.Context, b bounty.Bounty) error {
			_, err := d.cache.InsertBountyIfNotExists(ctx, b)
			return err
		}
		if err := d.state.Flush(ctx, e.BountyID, insert); err != nil {
			d.metrics.CacheWriteError()
			d.logger.Error().Err(err).Uint64("bounty_id", e.BountyID).Msg("failed to persist new bounty")
		}
	}
	return true
}

func (d *Dispatcher) onSubmissionMade(ctx context.Context, e ledger.SubmissionMade) bool {
	if !d.state.Has(e.BountyID) {
		return false
	}

	updated, added, err := d.state.AddSubmission(bounty.Submission{
		BountyID:  e.BountyID,
		Submitter: e.Submitter,
		ImageURL:  e.SubmissionURL,
		Timestamp: time.Now().UTC(),
		Status:    bounty.StatusPending,
	})
	if err != nil {
		d.logger.Warn().Err(err).Uint64("bounty_id", e.BountyID).Msg("failed to record submission")
		return false
	}
	if !added {
		return false
	}
	d.persist(ctx, updated)
	return true
}

func (d *Dispatcher) onSubmissionResult(ctx context.Context, e ledger.SubmissionResult) bool {
	if !bounty.ValidScore(e.Score) {
		d.logger.Warn().
			Uint64("bounty_id", e.BountyID).
			Str("submitter", e.Submitter).
			Uint8("score", e.Score).
			Msg("dropping verdict with out-of-range score")
		return false
	}

	applied := d.applyVerdict(ctx, e)

	d.notify(Verdict{
		BountyID:  e.BountyID,
		Submitter: bounty.NormalizeAddress(e.Submitter),
		Accepted:  e.IsAccepted,
		Score:     e.Score,
		Ref:       e.Ref(),
	})
	return applied
}

func (d *Dispatcher) applyVerdict(ctx context.Context, e ledger.SubmissionResult) bool {
	b, ok := d.state.Get(e.BountyID)
	if !ok {
		return false
	}
	idx, found := b.FindSubmission(e.Submitter)
	if !found {
		return false
	}

	updated, applied, err := d.state.CommitVerdict(b.Submissions[idx], e.IsAccepted, e.Score)
	if err != nil {
		d.logger.Warn().Err(err).Uint64("bounty_id", e.BountyID).Str("submitter", e.Submitter).Msg("verdict not applied")
		return false
	}
	if !applied {
		return false
	}

	d.logger.Info().
		Uint64("bounty_id", e.BountyID).
		Str("submitter", e.Submitter).
		Bool("accepted", e.IsAccepted).
		Uint8("score", e.Score).
		Msg("verdict applied")
	d.persist(ctx, updated)
	return true
}

func (d *Dispatcher) onBountyCompleted(ctx context.Context, e ledger.BountyCompleted) bool {
	updated, changed, err := d.state.CompleteBounty(e.BountyID, e.Winner, e.WinningSubmission)
	if err != nil {
		if !errors.Is(err, marketerrors.ErrBountyNotFound) {
			d.logger.Warn().Err(err).Uint64("bounty_id", e.BountyID).Msg("failed to complete bounty")
		}
		return false
	}
	if !changed {
		return false
	}

	d.logger.Info().Uint64("bounty_id", e.BountyID).Str("winner", e.Winner).Msg("bounty completed")
	d.persist(ctx, updated)
	return true
}

// notify settles every waiter armed for the verdict's submission. It runs on
// the dispatcher goroutine after the state has been updated.
func (d *Dispatcher) notify(v Verdict) {
	d.waitMu.Lock()
	var matched []*VerdictWaiter
	for w := range d.waiters {
		if w.matches(v.BountyID, v.Submitter) {
			matched = append(matched, w)
		}
	}
	d.waitMu.Unlock()

	for _, w := range matched {
		w.deliver(v)
	}
}

// persist writes the bounty's current state, not the snapshot the handler
// produced; a later mutation may already have landed.
func (d *Dispatcher) persist(ctx context.Context, b bounty.Bounty) {
	if d.cache == nil {
		return
	}
	if err := d.state.Flush(ctx, b.ID, d.cache.SaveBounty); err != nil {
		d.metrics.CacheWriteError()
		d.logger.Error().Err(err).Uint64("bounty_id", b.ID).Msg("failed to persist bounty")
	}
}

func (d *Dispatcher) recordHeight(block uint64) {
	if d.cache == nil || block == 0 {
		return
	}
	if err := d.cache.UpdateChainHeight(block); err != nil {
		d.logger.Error().Err(err).Uint64("block", block).Msg("failed to update last processed block")
	}
}
