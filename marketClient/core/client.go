package core

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/onchain-market/market-node/marketClient/api"
	"github.com/onchain-market/market-node/marketClient/bounty"
	"github.com/onchain-market/market-node/marketClient/config"
	"github.com/onchain-market/market-node/marketClient/constant"
	"github.com/onchain-market/market-node/marketClient/cron"
	"github.com/onchain-market/market-node/marketClient/db"
	marketerrors "github.com/onchain-market/market-node/marketClient/errors"
	"github.com/onchain-market/market-node/marketClient/ledger"
	"github.com/onchain-market/market-node/marketClient/metrics"
	"github.com/onchain-market/market-node/marketClient/offchain"
	"github.com/onchain-market/market-node/marketClient/session"
	"github.com/onchain-market/market-node/marketClient/submission"
	"github.com/onchain-market/market-node/marketClient/upload"
)

// Options selects which long-running services a MarketClient starts.
type Options struct {
	QueryServer  bool
	ReconcileJob bool
	Observer     submission.PhaseObserver
}

// MarketClient wires the cache, ledger, uploader and session for one node.
type MarketClient struct {
	ctx  context.Context
	cfg  config.Config
	opts Options
	log  zerolog.Logger

	db           *db.DB
	cache        *offchain.Store
	rpc          *ledger.RPCClient
	ledger       *ledger.Client
	metrics      *metrics.Metrics
	session      *session.Session
	reconcileJob *cron.ReconcileJob
	queryServer  *api.Server
}

// NewMarketClient opens the cache and connects to the ledger. An unreachable
// ledger is not an error: the client then serves cached data only.
func NewMarketClient(ctx context.Context, cfg config.Config, opts Options, log zerolog.Logger) (*MarketClient, error) {
	mc := &MarketClient{
		ctx:     ctx,
		cfg:     cfg,
		opts:    opts,
		log:     log,
		metrics: metrics.New(),
	}

	database, err := db.Open(cfg.DatabaseDSN, filepath.Join(cfg.NodeHome, constant.DataSubdir), true)
	if err != nil {
		return nil, marketerrors.NewNoDataError(err)
	}
	mc.db = database
	mc.cache = offchain.NewStore(database)

	var sessionLedger session.Ledger
	if err := mc.connectLedger(ctx); err != nil {
		var chainErr *marketerrors.ChainError
		if errors.As(err, &chainErr) && chainErr.Code == marketerrors.ErrCodeConfig {
			mc.close()
			return nil, err
		}
		log.Warn().Err(err).Msg("ledger unavailable, serving cached data only")
	}
	if mc.ledger != nil {
		sessionLedger = mc.ledger
	}

	var uploader upload.Uploader
	if cfg.Upload.Bucket != "" {
		s3, err := upload.NewS3Uploader(ctx, cfg.Upload, log)
		if err != nil {
			mc.close()
			return nil, fmt.Errorf("failed to create uploader: %w", err)
		}
		uploader = s3
	}

	mc.session = session.New(sessionLedger, mc.cache, uploader, mc.metrics, session.Options{
		VerdictTimeout:    cfg.VerdictTimeout(),
		FallbackOracleFee: cfg.FallbackOracleFee(),
		Observer:          opts.Observer,
	}, log)

	if opts.ReconcileJob {
		job, err := cron.NewReconcileJob(mc.session, cfg.ReconcileInterval(), log)
		if err != nil {
			mc.close()
			return nil, err
		}
		mc.reconcileJob = job
	}
	if opts.QueryServer {
		mc.queryServer = api.NewServer(mc, mc.metrics.Handler(), log, cfg.QueryServerPort)
	}
	return mc, nil
}

func (mc *MarketClient) connectLedger(ctx context.Context) error {
	if len(mc.cfg.RPCURLs) == 0 || mc.cfg.ContractAddress == "" {
		return fmt.Errorf("no rpc urls or contract address configured")
	}

	var wallet ledger.Wallet
	if mc.cfg.PrivateKeyHex != "" {
		w, err := ledger.NewKeyWallet(mc.cfg.PrivateKeyHex, mc.cfg.ChainID, mc.cfg.SupportedChainIDs)
		if err != nil {
			return marketerrors.NewConfigError(fmt.Sprintf("invalid wallet key: %v", err))
		}
		wallet = w
	}

	rpc, err := ledger.NewRPCClient(ctx, mc.cfg.RPCURLs, mc.cfg.ChainID, mc.log)
	if err != nil {
		return err
	}

	client, err := ledger.NewClient(rpc, wallet, mc.cache, ledger.Options{
		ChainID:              mc.cfg.ChainID,
		ContractAddress:      mc.cfg.ContractAddress,
		CreateBountyGasLimit: mc.cfg.CreateBountyGasLimit,
		SubmitGasLimit:       mc.cfg.SubmitGasLimit,
		ConfirmationPoll:     mc.cfg.ConfirmationPollInterval(),
		EventPollInterval:    mc.cfg.EventPollingInterval(),
		EventStartFrom:       mc.cfg.EventStartFrom,
	}, mc.log)
	if err != nil {
		rpc.Close()
		return err
	}

	mc.rpc = rpc
	mc.ledger = client
	return nil
}

// Start brings the session up and starts the optional services.
func (mc *MarketClient) Start() error {
	mc.log.Info().Str("chain", mc.cfg.CAIPChainID()).Msg("🚀 Starting market client...")

	if err := mc.session.Start(mc.ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	if mc.reconcileJob != nil {
		mc.reconcileJob.Start()
	}
	if mc.queryServer != nil {
		if err := mc.queryServer.Start(); err != nil {
			mc.session.Stop()
			return fmt.Errorf("failed to start query server: %w", err)
		}
	}

	mc.log.Info().
		Int("bounties", mc.session.State().Len()).
		Bool("ledger_ready", mc.session.LedgerReady()).
		Msg("✅ Initialization complete")
	return nil
}

// Run starts the client and blocks until the context is cancelled.
func (mc *MarketClient) Run() error {
	if err := mc.Start(); err != nil {
		mc.close()
		return err
	}

	<-mc.ctx.Done()

	mc.log.Info().Msg("🛑 Shutting down market client...")
	return mc.Stop()
}

// Stop shuts every service down and closes the cache.
func (mc *MarketClient) Stop() error {
	if mc.queryServer != nil {
		if err := mc.queryServer.Stop(); err != nil {
			mc.log.Error().Err(err).Msg("failed to stop query server")
		}
	}
	if mc.reconcileJob != nil {
		if err := mc.reconcileJob.Stop(); err != nil {
			mc.log.Error().Err(err).Msg("failed to stop reconcile job")
		}
	}
	mc.session.Stop()
	return mc.close()
}

func (mc *MarketClient) close() error {
	if mc.rpc != nil {
		mc.rpc.Close()
		mc.rpc = nil
	}
	if mc.db != nil {
		err := mc.db.Close()
		mc.db = nil
		return err
	}
	return nil
}

// Session returns the client's session.
func (mc *MarketClient) Session() *session.Session {
	return mc.session
}

// Submit runs the submission workflow for bountyID.
func (mc *MarketClient) Submit(ctx context.Context, bountyID uint64, file upload.File) (submission.Outcome, error) {
	return mc.session.Submit(ctx, bountyID, file)
}

// CreateBounty posts a new bounty and returns its transaction hash.
func (mc *MarketClient) CreateBounty(ctx context.Context, requirements string, reward *big.Int) (string, error) {
	return mc.session.CreateBounty(ctx, requirements, reward)
}

// ForceSync runs a reconciliation pass now.
func (mc *MarketClient) ForceSync(ctx context.Context) error {
	if mc.reconcileJob != nil {
		return mc.reconcileJob.ForceSync()
	}
	_, err := mc.session.Reconcile(ctx)
	return err
}

// ListBounties returns every known bounty, most recent first.
func (mc *MarketClient) ListBounties() []bounty.Bounty {
	return mc.session.State().List()
}

// GetBounty returns bounty id.
func (mc *MarketClient) GetBounty(id uint64) (bounty.Bounty, bool) {
	return mc.session.State().Get(id)
}

// GetLastReconciled returns when the state was last reconciled.
func (mc *MarketClient) GetLastReconciled() time.Time {
	return mc.session.State().LastReconciled()
}

// LedgerReady reports whether ledger operations are available.
func (mc *MarketClient) LedgerReady() bool {
	return mc.session.LedgerReady()
}
