// Package session owns everything that lives for one connected session: the
// reconciled state, the single event subscription and the workflows started
// from it. Restart tears the subscription down and rebuilds it.
package session

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/onchain-market/market-node/marketClient/bounty"
	"github.com/onchain-market/market-node/marketClient/dispatcher"
	marketerrors "github.com/onchain-market/market-node/marketClient/errors"
	"github.com/onchain-market/market-node/marketClient/ledger"
	"github.com/onchain-market/market-node/marketClient/metrics"
	"github.com/onchain-market/market-node/marketClient/reconcile"
	"github.com/onchain-market/market-node/marketClient/state"
	"github.com/onchain-market/market-node/marketClient/submission"
	"github.com/onchain-market/market-node/marketClient/upload"
)

// Ledger is everything a session does against the escrow contract.
type Ledger interface {
	Chain() string
	Account() string
	Healthy(ctx context.Context) bool
	EnsureNetwork(ctx context.Context) error
	GetBounty(ctx context.Context, id uint64) (bounty.Bounty, error)
	GetOracleFee(ctx context.Context) (*big.Int, error)
	CreateBounty(ctx context.Context, requirements string, reward *big.Int) (*types.Transaction, error)
	SubmitGraphic(ctx context.Context, bountyID uint64, url string, oracleFee *big.Int) (*types.Transaction, error)
	WaitConfirmed(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	Subscribe(ctx context.Context) (*ledger.Subscription, error)
}

// Cache is the off-chain store.
type Cache interface {
	ListBounties(ctx context.Context) ([]bounty.Bounty, error)
	InsertBountyIfNotExists(ctx context.Context, b bounty.Bounty) (bool, error)
	SaveBounty(ctx context.Context, b bounty.Bounty) error
	UpdateChainHeight(blockHeight uint64) error
}

// Options tunes a session.
type Options struct {
	VerdictTimeout    time.Duration
	FallbackOracleFee *big.Int
	Observer          submission.PhaseObserver
}

// Session wires the reconciliation engine, dispatcher and coordinator around
// one state store.
type Session struct {
	ledger   Ledger
	cache    Cache
	uploader upload.Uploader
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	state       *state.Store
	engine      *reconcile.Engine
	dispatcher  *dispatcher.Dispatcher
	coordinator *submission.Coordinator

	mu      sync.Mutex
	running bool
	sub     *ledger.Subscription
	cancel  context.CancelFunc

	ledgerReady atomic.Bool
}

// New creates a session. ledger may be nil for a cache-only session and
// uploader may be nil when submissions are not needed.
func New(l Ledger, cache Cache, uploader upload.Uploader, m *metrics.Metrics, opts Options, logger zerolog.Logger) *Session {
	logger = logger.With().Str("component", "session").Logger()
	st := state.New(logger)
	disp := dispatcher.New(st, cache, m, logger)

	s := &Session{
		ledger:     l,
		cache:      cache,
		uploader:   uploader,
		metrics:    m,
		logger:     logger,
		state:      st,
		dispatcher: disp,
	}

	var reconcileLedger reconcile.Ledger
	if l != nil {
		reconcileLedger = l
		s.coordinator = submission.NewCoordinator(l, uploader, disp, st, cache, m, submission.Options{
			VerdictTimeout:    opts.VerdictTimeout,
			FallbackOracleFee: opts.FallbackOracleFee,
			Observer:          opts.Observer,
		}, logger)
	}
	s.engine = reconcile.New(cache, reconcileLedger, st, m, logger)
	return s
}

// State returns the observable bounty store.
func (s *Session) State() *state.Store {
	return s.state
}

// LedgerReady reports whether ledger operations are currently allowed.
func (s *Session) LedgerReady() bool {
	return s.ledgerReady.Load()
}

// Running reports whether the session has been started and not stopped.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start checks the network, reconciles and subscribes to ledger events.
// Only a cache read failure is fatal; ledger trouble leaves the session in
// cache-only mode.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("session is already running")
	}
	return s.startLocked(ctx)
}

// Stop unsubscribes and stops the dispatcher. Submissions already in flight
// run on to their verdict or deadline.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Restart rebuilds the session's ledger connection: it unsubscribes, checks the
// network again, re-reconciles and resubscribes. State is kept.
func (s *Session) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info().Msg("restarting session")
	s.stopLocked()
	return s.startLocked(ctx)
}

// Reconcile runs a reconciliation pass without touching the subscription.
func (s *Session) Reconcile(ctx context.Context) ([]bounty.Bounty, error) {
	return s.engine.Reconcile(ctx)
}

// Submit runs the submission workflow for the connected account.
func (s *Session) Submit(ctx context.Context, bountyID uint64, file upload.File) (submission.Outcome, error) {
	if err := s.requireLedger(); err != nil {
		return submission.Outcome{BountyID: bountyID, Phase: submission.PhaseFailed}, err
	}
	if s.uploader == nil {
		return submission.Outcome{BountyID: bountyID, Phase: submission.PhaseFailed},
			marketerrors.NewConfigError("no upload bucket configured")
	}
	return s.coordinator.Submit(ctx, bountyID, file)
}

// CreateBounty posts a bounty with reward wei escrowed and waits for the
// transaction to be mined. The bounty reaches the state store through its
// BountyCreated event.
func (s *Session) CreateBounty(ctx context.Context, requirements string, reward *big.Int) (string, error) {
	if strings.TrimSpace(requirements) == "" {
		return "", marketerrors.NewValidationError(marketerrors.ErrEmptyRequirements, 0)
	}
	if reward == nil || reward.Sign() <= 0 {
		return "", marketerrors.NewValidationError(marketerrors.ErrInvalidReward, 0)
	}
	if err := s.requireLedger(); err != nil {
		return "", err
	}
	if err := s.ledger.EnsureNetwork(ctx); err != nil {
		return "", err
	}

	tx, err := s.ledger.CreateBounty(ctx, requirements, reward)
	if err != nil {
		return "", err
	}
	hash := tx.Hash().Hex()
	s.logger.Info().Str("tx_hash", hash).Str("reward", bounty.FormatEther(reward)).Msg("bounty creation sent")

	if _, err := s.ledger.WaitConfirmed(ctx, tx); err != nil {
		return hash, err
	}
	s.logger.Info().Str("tx_hash", hash).Msg("bounty created")
	return hash, nil
}

func (s *Session) requireLedger() error {
	if s.ledger == nil || !s.ledgerReady.Load() {
		return marketerrors.NewNetworkError("", "ledger operations unavailable", marketerrors.ErrLedgerNotReady)
	}
	return nil
}

func (s *Session) startLocked(ctx context.Context) error {
	s.ledgerReady.Store(false)

	if s.ledger != nil {
		if err := s.ledger.EnsureNetwork(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("ledger network check failed, continuing in cache-only mode")
		} else {
			s.ledgerReady.Store(true)
		}
	}

	if _, err := s.engine.Reconcile(ctx); err != nil {
		s.ledgerReady.Store(false)
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.running = true

	if !s.ledgerReady.Load() {
		s.logger.Info().Int("bounties", s.state.Len()).Msg("session started without ledger events")
		return nil
	}

	sub, err := s.ledger.Subscribe(runCtx)
	if err != nil {
		s.ledgerReady.Store(false)
		s.logger.Warn().Err(err).Msg("failed to subscribe to ledger events, continuing in cache-only mode")
		return nil
	}
	if err := s.dispatcher.Start(runCtx, sub.Events()); err != nil {
		sub.Unsubscribe()
		s.ledgerReady.Store(false)
		return err
	}
	s.sub = sub

	s.logger.Info().Int("bounties", s.state.Len()).Str("account", s.ledger.Account()).Msg("session started")
	return nil
}

func (s *Session) stopLocked() {
	if !s.running {
		return
	}
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
	s.dispatcher.Stop()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.running = false
	s.ledgerReady.Store(false)
	s.logger.Info().Msg("session stopped")
}
