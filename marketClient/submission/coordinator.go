// Package submission drives one deliverable from upload to oracle verdict.
package submission

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/onchain-market/market-node/marketClient/bounty"
	"github.com/onchain-market/market-node/marketClient/dispatcher"
	marketerrors "github.com/onchain-market/market-node/marketClient/errors"
	"github.com/onchain-market/market-node/marketClient/metrics"
	"github.com/onchain-market/market-node/marketClient/state"
	"github.com/onchain-market/market-node/marketClient/upload"
)

// Ledger is the slice of the ledger client the workflow needs.
type Ledger interface {
	Chain() string
	Account() string
	EnsureNetwork(ctx context.Context) error
	GetOracleFee(ctx context.Context) (*big.Int, error)
	SubmitGraphic(ctx context.Context, bountyID uint64, url string, oracleFee *big.Int) (*types.Transaction, error)
	WaitConfirmed(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Verdicts arms verdict waiters.
type Verdicts interface {
	AwaitVerdict(bountyID uint64, submitter string) *dispatcher.VerdictWaiter
}

// Cache persists bounty snapshots.
type Cache interface {
	SaveBounty(ctx context.Context, b bounty.Bounty) error
}

// Options tunes the workflow.
type Options struct {
	VerdictTimeout    time.Duration
	FallbackOracleFee *big.Int
	Observer          PhaseObserver
}

// Outcome is the result of one Submit call.
type Outcome struct {
	BountyID uint64
	Phase    Phase
	Accepted bool
	Score    uint8
	TxHash   string
	ImageURL string
}

// Status renders the outcome the way it is shown to the submitter.
func (o Outcome) Status() string {
	switch o.Phase {
	case PhaseAccepted:
		return fmt.Sprintf("Submission accepted with score %d/10!", o.Score)
	case PhaseRejected:
		return fmt.Sprintf("Submission rejected with score %d/10", o.Score)
	default:
		return o.Phase.Message()
	}
}

// Coordinator runs submission workflows. Concurrent Submit calls are safe: a
// submitter holds its slot on a bounty from validation until the workflow ends.
type Coordinator struct {
	ledger   Ledger
	uploader upload.Uploader
	verdicts Verdicts
	state    *state.Store
	cache    Cache
	metrics  *metrics.Metrics
	opts     Options
	logger   zerolog.Logger
}

// NewCoordinator creates a coordinator. cache and m may be nil.
func NewCoordinator(
	ledger Ledger,
	uploader upload.Uploader,
	verdicts Verdicts,
	st *state.Store,
	cache Cache,
	m *metrics.Metrics,
	opts Options,
	logger zerolog.Logger,
) *Coordinator {
	if opts.VerdictTimeout <= 0 {
		opts.VerdictTimeout = 300 * time.Second
	}
	if opts.FallbackOracleFee == nil {
		opts.FallbackOracleFee = big.NewInt(100000000000)
	}
	return &Coordinator{
		ledger:   ledger,
		uploader: uploader,
		verdicts: verdicts,
		state:    st,
		cache:    cache,
		metrics:  m,
		opts:     opts,
		logger:   logger.With().Str("component", "submission_coordinator").Logger(),
	}
}

// Submit uploads file as the connected account's deliverable for bountyID,
// sends it to the escrow contract and waits for the oracle's verdict or the
// verdict deadline. Once the transaction is sent, cancelling ctx no longer
// aborts the workflow.
func (c *Coordinator) Submit(ctx context.Context, bountyID uint64, file upload.File) (Outcome, error) {
	out := Outcome{BountyID: bountyID, Phase: PhaseIdle}
	account := bounty.NormalizeAddress(c.ledger.Account())
	log := c.logger.With().Uint64("bounty_id", bountyID).Str("submitter", account).Logger()

	c.enter(&out, PhaseValidating, nil)
	release, err := c.state.ReserveSubmission(bountyID, account)
	if err != nil {
		return c.fail(&out, err)
	}
	// Once the submission is recorded, the duplicate check finds it there.
	defer release()
	if err := c.ledger.EnsureNetwork(ctx); err != nil {
		return c.fail(&out, err)
	}

	c.enter(&out, PhaseUploading, nil)
	uploaded, err := c.uploader.Upload(ctx, file, account, false)
	if err != nil {
		if !errors.Is(err, marketerrors.ErrUploadFailed) {
			err = marketerrors.NewUploadError("upload failed", err)
		}
		return c.fail(&out, err)
	}
	out.ImageURL = uploaded.URL

	fee := c.oracleFee(ctx)

	waiter := c.verdicts.AwaitVerdict(bountyID, account)
	tx, err := c.ledger.SubmitGraphic(ctx, bountyID, uploaded.URL, fee)
	if err != nil {
		waiter.Cancel()
		return c.fail(&out, err)
	}
	sent := time.Now()
	waiter.StartDeadline(c.opts.VerdictTimeout)
	out.TxHash = tx.Hash().Hex()
	log.Info().Str("tx_hash", out.TxHash).Str("image_url", out.ImageURL).Msg("submission sent")

	c.enter(&out, PhaseAwaitingConfirmation, nil)

	// From here on the workflow outlives the caller's context.
	bg := context.WithoutCancel(ctx)
	waitCtx, stopWaiting := context.WithCancel(bg)
	defer stopWaiting()

	confirmed := make(chan error, 1)
	go func(done chan<- error) {
		_, err := c.ledger.WaitConfirmed(waitCtx, tx)
		done <- err
	}(confirmed)

	for {
		select {
		case err := <-confirmed:
			confirmed = nil
			if err != nil {
				if waiter.Cancel() {
					return c.fail(&out, err)
				}
				log.Warn().Err(err).Msg("confirmation failed after the waiter settled")
				continue
			}
			c.recordPending(bg, bountyID, account, uploaded.URL)
			c.enter(&out, PhaseAwaitingVerdict, nil)

		case <-waiter.Done():
			settlement, verdict := waiter.Result()
			switch settlement {
			case dispatcher.SettlementVerdict:
				c.metrics.VerdictWait(time.Since(sent))
				return c.finishVerdict(bg, &out, account, verdict)
			case dispatcher.SettlementDeadline:
				return c.finishTimeout(bg, &out, account)
			default:
				return c.fail(&out, marketerrors.NewInternalError(c.ledger.Chain(), "verdict waiter cancelled", nil))
			}
		}
	}
}

func (c *Coordinator) oracleFee(ctx context.Context) *big.Int {
	fee, err := c.ledger.GetOracleFee(ctx)
	if err != nil || fee == nil {
		c.logger.Warn().Err(err).
			Str("fallback_fee", c.opts.FallbackOracleFee.String()).
			Msg("failed to read oracle fee, using fallback")
		return new(big.Int).Set(c.opts.FallbackOracleFee)
	}
	return fee
}

func (c *Coordinator) recordPending(ctx context.Context, bountyID uint64, account, url string) {
	updated, added, err := c.state.AddSubmission(bounty.Submission{
		BountyID:  bountyID,
		Submitter: account,
		ImageURL:  url,
		Timestamp: time.Now().UTC(),
		Status:    bounty.StatusPending,
	})
	if err != nil {
		c.logger.Warn().Err(err).Uint64("bounty_id", bountyID).Msg("failed to record pending submission")
		return
	}
	if added {
		c.persist(ctx, updated)
	}
}

func (c *Coordinator) finishVerdict(ctx context.Context, out *Outcome, account string, v dispatcher.Verdict) (Outcome, error) {
	sub := bounty.Submission{
		BountyID:  out.BountyID,
		Submitter: account,
		ImageURL:  out.ImageURL,
		Timestamp: time.Now().UTC(),
		Status:    bounty.StatusPending,
	}
	updated, applied, err := c.state.CommitVerdict(sub, v.Accepted, v.Score)
	if err != nil {
		c.logger.Error().Err(err).Uint64("bounty_id", out.BountyID).Msg("failed to commit verdict")
		return c.fail(out, marketerrors.NewInternalError(c.ledger.Chain(), "failed to commit verdict", err))
	}
	if applied {
		c.persist(ctx, updated)
	}

	out.Accepted = v.Accepted
	out.Score = v.Score
	phase := PhaseRejected
	if v.Accepted {
		phase = PhaseAccepted
	}
	c.enter(out, phase, nil)
	c.metrics.SubmissionFinished(string(phase))

	c.logger.Info().
		Uint64("bounty_id", out.BountyID).
		Str("submitter", account).
		Bool("accepted", v.Accepted).
		Uint8("score", v.Score).
		Msg("verdict received")
	return *out, nil
}

// finishTimeout leaves the submission pending; a verdict arriving later is
// applied by the dispatcher.
func (c *Coordinator) finishTimeout(ctx context.Context, out *Outcome, account string) (Outcome, error) {
	c.recordPending(ctx, out.BountyID, account, out.ImageURL)

	err := marketerrors.NewTimeoutError(c.ledger.Chain(), out.BountyID).WithContext("tx_hash", out.TxHash)
	c.enter(out, PhaseTimedOut, err)
	c.metrics.SubmissionFinished(string(PhaseTimedOut))

	c.logger.Warn().
		Uint64("bounty_id", out.BountyID).
		Str("tx_hash", out.TxHash).
		Dur("timeout", c.opts.VerdictTimeout).
		Msg("verdict deadline passed, outcome unknown")
	return *out, err
}

func (c *Coordinator) fail(out *Outcome, err error) (Outcome, error) {
	c.enter(out, PhaseFailed, err)
	c.metrics.SubmissionFinished(string(PhaseFailed))
	c.logger.Warn().Err(err).Uint64("bounty_id", out.BountyID).Msg("submission failed")
	return *out, err
}

func (c *Coordinator) enter(out *Outcome, phase Phase, err error) {
	out.Phase = phase
	c.logger.Debug().Uint64("bounty_id", out.BountyID).Str("phase", string(phase)).Msg("submission phase")
	if c.opts.Observer != nil {
		c.opts.Observer(Transition{BountyID: out.BountyID, Phase: phase, Err: err})
	}
}

func (c *Coordinator) persist(ctx context.Context, b bounty.Bounty) {
	if c.cache == nil {
		return
	}
	if err := c.state.Flush(ctx, b.ID, c.cache.SaveBounty); err != nil {
		c.metrics.CacheWriteError()
		c.logger.Error().Err(err).Uint64("bounty_id", b.ID).Msg("failed to persist bounty")
	}
}
