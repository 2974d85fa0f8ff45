package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

const (
	eventBufferSize = 256

	// maxBlockRange keeps eth_getLogs under the common 10000 block provider cap.
	maxBlockRange uint64 = 9000
)

// Cursor persists the last processed block so watching can resume.
type Cursor interface {
	GetChainHeight() (uint64, error)
	UpdateChainHeight(blockHeight uint64) error
}

// EventWatcher polls the escrow contract's logs and pushes decoded events
// onto a channel. The channel is closed when the watcher stops.
type EventWatcher struct {
	backend      Backend
	contract     ethcommon.Address
	cursor       Cursor
	pollInterval time.Duration
	startFrom    *int64
	topics       []ethcommon.Hash

	events  chan Event
	logger  zerolog.Logger
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewEventWatcher creates a watcher for the contract at address.
// cursor may be nil, in which case watching always starts from startFrom.
func NewEventWatcher(
	backend Backend,
	contract ethcommon.Address,
	cursor Cursor,
	pollInterval time.Duration,
	startFrom *int64,
	logger zerolog.Logger,
) *EventWatcher {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &EventWatcher{
		backend:      backend,
		contract:     contract,
		cursor:       cursor,
		pollInterval: pollInterval,
		startFrom:    startFrom,
		topics:       watchedTopics(),
		events:       make(chan Event, eventBufferSize),
		stopCh:       make(chan struct{}),
		logger:       logger.With().Str("component", "ledger_event_watcher").Logger(),
	}
}

// Events returns the channel decoded events are delivered on.
func (ew *EventWatcher) Events() <-chan Event {
	return ew.events
}

// Start resolves the start block and begins polling.
func (ew *EventWatcher) Start(ctx context.Context) error {
	ew.mu.Lock()
	defer ew.mu.Unlock()

	if ew.running {
		return fmt.Errorf("event watcher is already running")
	}

	fromBlock, err := ew.getStartBlock(ctx)
	if err != nil {
		return fmt.Errorf("failed to get start block: %w", err)
	}

	ew.running = true
	ew.wg.Add(1)
	go ew.watch(ctx, fromBlock)

	ew.logger.Info().
		Uint64("from_block", fromBlock).
		Dur("poll_interval", ew.pollInterval).
		Str("contract", ew.contract.Hex()).
		Msg("event watcher started")
	return nil
}

// Stop ends polling and closes the events channel. Safe to call twice.
func (ew *EventWatcher) Stop() {
	ew.mu.Lock()
	if !ew.running {
		ew.mu.Unlock()
		return
	}
	ew.running = false
	close(ew.stopCh)
	ew.mu.Unlock()

	ew.wg.Wait()
	close(ew.events)
	ew.logger.Info().Msg("event watcher stopped")
}

func (ew *EventWatcher) watch(ctx context.Context, fromBlock uint64) {
	defer ew.wg.Done()

	currentBlock := fromBlock
	ticker := time.NewTicker(ew.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ew.logger.Info().Msg("context cancelled, stopping event watcher")
			return
		case <-ew.stopCh:
			return
		case <-ticker.C:
			if err := ew.processNewBlocks(ctx, &currentBlock); err != nil {
				ew.logger.Error().Err(err).Uint64("from_block", currentBlock).Msg("failed to process new blocks")
			}
		}
	}
}

// processNewBlocks delivers events from [*currentBlock, latest] and advances
// the in-memory cursor. The persisted cursor is advanced here only for ranges
// without events; the consumer records heights of events it applied.
func (ew *EventWatcher) processNewBlocks(ctx context.Context, currentBlock *uint64) error {
	latestBlock, err := ew.backend.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get latest block: %w", err)
	}
	if *currentBlock > latestBlock {
		return nil
	}

	delivered := 0
	for from := *currentBlock; from <= latestBlock; {
		to := from + maxBlockRange - 1
		if to > latestBlock {
			to = latestBlock
		}

		n, err := ew.processBlockChunk(ctx, from, to)
		delivered += n
		if err != nil {
			*currentBlock = from
			return fmt.Errorf("failed to process chunk %d-%d: %w", from, to, err)
		}
		from = to + 1
	}

	if delivered == 0 && ew.cursor != nil {
		if err := ew.cursor.UpdateChainHeight(latestBlock); err != nil {
			ew.logger.Error().Err(err).Msg("failed to update last processed block")
		}
	}

	*currentBlock = latestBlock + 1
	return nil
}

func (ew *EventWatcher) processBlockChunk(ctx context.Context, fromBlock, toBlock uint64) (int, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []ethcommon.Address{ew.contract},
		Topics:    [][]ethcommon.Hash{ew.topics},
	}

	logs, err := ew.backend.FilterLogs(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to get logs: %w", err)
	}

	if len(logs) > 0 {
		ew.logger.Debug().
			Uint64("from_block", fromBlock).
			Uint64("to_block", toBlock).
			Int("logs_found", len(logs)).
			Msg("found contract events")
	}

	delivered := 0
	for i := range logs {
		if logs[i].Removed {
			continue
		}
		event, err := ParseLog(&logs[i])
		if err != nil {
			ew.logger.Warn().Err(err).
				Str("tx_hash", logs[i].TxHash.Hex()).
				Uint("log_index", logs[i].Index).
				Msg("skipping undecodable log")
			continue
		}

		select {
		case ew.events <- event:
			delivered++
		case <-ew.stopCh:
			return delivered, fmt.Errorf("watcher stopped")
		case <-ctx.Done():
			return delivered, ctx.Err()
		}
	}
	return delivered, nil
}

func (ew *EventWatcher) getStartBlock(ctx context.Context) (uint64, error) {
	if ew.cursor != nil {
		height, err := ew.cursor.GetChainHeight()
		if err != nil {
			ew.logger.Warn().Err(err).Msg("failed to read event cursor, falling back to configuration")
		} else if height > 0 {
			ew.logger.Info().Uint64("block", height).Msg("resuming from last processed block")
			return height, nil
		}
	}

	if ew.startFrom != nil && *ew.startFrom >= 0 {
		return uint64(*ew.startFrom), nil
	}

	latest, err := ew.backend.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	return latest, nil
}
