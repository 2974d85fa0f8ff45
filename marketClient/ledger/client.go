// Package ledger talks to the bounty escrow contract: reads, payable writes
// with revert decoding, confirmation waits and the contract event stream.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/onchain-market/market-node/marketClient/bounty"
	marketerrors "github.com/onchain-market/market-node/marketClient/errors"
)

// Options configures a Client.
type Options struct {
	ChainID              uint64
	ContractAddress      string
	CreateBountyGasLimit uint64
	SubmitGasLimit       uint64
	ConfirmationPoll     time.Duration
	EventPollInterval    time.Duration
	EventStartFrom       *int64
}

// Client is the ledger boundary: every contract interaction goes through it.
type Client struct {
	backend  Backend
	wallet   Wallet
	cursor   Cursor
	contract ethcommon.Address
	opts     Options
	chain    string

	subMu sync.Mutex
	sub   *Subscription

	logger zerolog.Logger
}

// NewClient creates a ledger client. wallet may be nil for read-only use;
// cursor may be nil when no event cursor is persisted.
func NewClient(backend Backend, wallet Wallet, cursor Cursor, opts Options, logger zerolog.Logger) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("ledger backend is nil")
	}
	if !ethcommon.IsHexAddress(opts.ContractAddress) {
		return nil, marketerrors.NewConfigError(fmt.Sprintf("contract address %q is not a hex address", opts.ContractAddress))
	}
	if opts.ConfirmationPoll <= 0 {
		opts.ConfirmationPoll = 2 * time.Second
	}
	chain := fmt.Sprintf("eip155:%d", opts.ChainID)

	return &Client{
		backend:  backend,
		wallet:   wallet,
		cursor:   cursor,
		contract: ethcommon.HexToAddress(opts.ContractAddress),
		opts:     opts,
		chain:    chain,
		logger:   logger.With().Str("component", "ledger_client").Str("chain", chain).Logger(),
	}, nil
}

// Chain returns the CAIP-2 identifier of the configured chain.
func (c *Client) Chain() string {
	return c.chain
}

// Account returns the wallet address, or an empty string when read-only.
func (c *Client) Account() string {
	if c.wallet == nil {
		return ""
	}
	return c.wallet.Address().Hex()
}

// Healthy reports whether the ledger answers on the configured chain.
func (c *Client) Healthy(ctx context.Context) bool {
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("ledger health check failed")
		return false
	}
	return id.IsUint64() && id.Uint64() == c.opts.ChainID
}

// EnsureNetwork makes sure the wallet is on the configured chain, switching
// once if it is not. A chain that cannot be switched to is a NETWORK error
// wrapping ErrChainMismatch.
func (c *Client) EnsureNetwork(ctx context.Context) error {
	if c.wallet == nil {
		return marketerrors.NewConfigError("no wallet configured")
	}

	current, err := c.wallet.Network(ctx)
	if err != nil {
		return marketerrors.NewNetworkError(c.chain, "wallet network unavailable", err)
	}
	if current == c.opts.ChainID {
		return nil
	}

	c.logger.Warn().
		Uint64("wallet_chain", current).
		Uint64("expected_chain", c.opts.ChainID).
		Msg("wallet on wrong chain, switching")

	if err := c.wallet.SwitchChain(ctx, c.opts.ChainID); err != nil {
		return marketerrors.NewNetworkError(c.chain,
			fmt.Sprintf("wallet on chain %d, expected %d", current, c.opts.ChainID),
			errors.Join(marketerrors.ErrChainMismatch, err))
	}

	current, err = c.wallet.Network(ctx)
	if err != nil {
		return marketerrors.NewNetworkError(c.chain, "wallet network unavailable", err)
	}
	if current != c.opts.ChainID {
		return marketerrors.NewNetworkError(c.chain,
			fmt.Sprintf("wallet still on chain %d after switch", current),
			marketerrors.ErrChainMismatch)
	}
	return nil
}

// GetBounty reads a bounty's authoritative state. A bounty with a zero
// creator does not exist on chain and yields ErrBountyNotFound.
func (c *Client) GetBounty(ctx context.Context, id uint64) (bounty.Bounty, error) {
	values, err := c.call(ctx, MethodGetBounty, new(big.Int).SetUint64(id))
	if err != nil {
		return bounty.Bounty{}, err
	}
	if len(values) != 6 {
		return bounty.Bounty{}, marketerrors.NewRPCError(c.chain, fmt.Sprintf("getBounty returned %d values", len(values)), nil)
	}

	creator, ok1 := values[0].(ethcommon.Address)
	requirements, ok2 := values[1].(string)
	reward, ok3 := values[2].(*big.Int)
	isActive, ok4 := values[3].(bool)
	winner, ok5 := values[4].(ethcommon.Address)
	winningSubmission, ok6 := values[5].(string)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
		return bounty.Bounty{}, marketerrors.NewRPCError(c.chain, "getBounty returned unexpected types", nil)
	}

	if creator == (ethcommon.Address{}) {
		return bounty.Bounty{}, marketerrors.NewValidationError(marketerrors.ErrBountyNotFound, id)
	}

	b := bounty.Bounty{
		ID:                id,
		Creator:           creator.Hex(),
		Requirements:      requirements,
		Reward:            reward,
		IsActive:          isActive,
		WinningSubmission: winningSubmission,
	}
	if winner != (ethcommon.Address{}) {
		b.Winner = winner.Hex()
	}
	return b, nil
}

// GetOracleFee reads the fee the contract requires with every submission.
func (c *Client) GetOracleFee(ctx context.Context) (*big.Int, error) {
	values, err := c.call(ctx, MethodGetOracleFee)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, marketerrors.NewRPCError(c.chain, fmt.Sprintf("getOracleFee returned %d values", len(values)), nil)
	}
	fee, ok := values[0].(*big.Int)
	if !ok {
		return nil, marketerrors.NewRPCError(c.chain, fmt.Sprintf("getOracleFee returned %T", values[0]), nil)
	}
	return fee, nil
}

// CreateBounty posts requirements with reward escrowed as the payment.
func (c *Client) CreateBounty(ctx context.Context, requirements string, reward *big.Int) (*types.Transaction, error) {
	return c.transact(ctx, c.opts.CreateBountyGasLimit, reward, MethodCreateBounty, requirements)
}

// SubmitGraphic submits url against bounty id, paying the oracle fee.
func (c *Client) SubmitGraphic(ctx context.Context, id uint64, url string, oracleFee *big.Int) (*types.Transaction, error) {
	return c.transact(ctx, c.opts.SubmitGasLimit, oracleFee, MethodSubmitGraphic, new(big.Int).SetUint64(id), url)
}

// WaitConfirmed polls for tx's receipt. A failed receipt is replayed as a call
// at its block to recover the revert reason.
func (c *Client) WaitConfirmed(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(c.opts.ConfirmationPoll)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, tx.Hash())
		switch {
		case err == nil && receipt != nil:
			if receipt.Status == types.ReceiptStatusSuccessful {
				return receipt, nil
			}
			return receipt, c.failedReceiptError(ctx, tx, receipt)
		case err != nil && !errors.Is(err, ethereum.NotFound):
			c.logger.Debug().Err(err).Str("tx_hash", tx.Hash().Hex()).Msg("receipt not available yet")
		}

		select {
		case <-ctx.Done():
			return nil, marketerrors.NewNetworkError(c.chain, "stopped waiting for confirmation of "+tx.Hash().Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Subscribe starts a new event stream, tearing down the previous one first so
// at most one subscription is live per client.
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.sub != nil {
		c.logger.Info().Msg("replacing existing event subscription")
		prev := c.sub
		c.sub = nil
		prev.onClose = nil
		prev.Unsubscribe()
	}

	watcher := NewEventWatcher(c.backend, c.contract, c.cursor, c.opts.EventPollInterval, c.opts.EventStartFrom, c.logger)
	if err := watcher.Start(ctx); err != nil {
		return nil, marketerrors.NewNetworkError(c.chain, "failed to start event subscription", err)
	}

	sub := NewSubscription(watcher.Events(), watcher.Stop)
	sub.onClose = func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if c.sub == sub {
			c.sub = nil
		}
	}
	c.sub = sub
	return sub, nil
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, marketerrors.NewInternalError(c.chain, "failed to pack "+method, err)
	}

	msg := ethereum.CallMsg{To: &c.contract, Data: data}
	if c.wallet != nil {
		msg.From = c.wallet.Address()
	}

	out, err := c.backend.CallContract(ctx, msg, nil)
	if err != nil {
		if reason, ok := DecodeRevert(err); ok {
			return nil, marketerrors.NewRevertError(c.chain, reason, err)
		}
		return nil, marketerrors.NewRPCError(c.chain, method+" call failed", err)
	}

	values, err := contractABI.Unpack(method, out)
	if err != nil {
		return nil, marketerrors.NewRPCError(c.chain, "failed to unpack "+method, err)
	}
	return values, nil
}

// transact pre-flights the write as eth_call so reverts surface with their
// reason before anything is signed, then signs and broadcasts it.
func (c *Client) transact(ctx context.Context, gasLimit uint64, value *big.Int, method string, args ...interface{}) (*types.Transaction, error) {
	if err := c.EnsureNetwork(ctx); err != nil {
		return nil, err
	}
	if value == nil {
		value = new(big.Int)
	}

	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, marketerrors.NewInternalError(c.chain, "failed to pack "+method, err)
	}

	from := c.wallet.Address()
	msg := ethereum.CallMsg{From: from, To: &c.contract, Gas: gasLimit, Value: value, Data: data}
	if _, err := c.backend.CallContract(ctx, msg, nil); err != nil {
		if reason, ok := DecodeRevert(err); ok {
			return nil, marketerrors.NewRevertError(c.chain, reason, err)
		}
		if IsRevert(err) {
			return nil, marketerrors.NewTransactionError(c.chain, method+" would revert", err)
		}
		return nil, marketerrors.NewRPCError(c.chain, method+" pre-flight call failed", err)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, marketerrors.NewRPCError(c.chain, "failed to get nonce", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, marketerrors.NewRPCError(c.chain, "failed to get gas price", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &c.contract,
		Value:    value,
		Data:     data,
	})
	signed, err := c.wallet.SignTx(tx)
	if err != nil {
		return nil, marketerrors.NewTransactionError(c.chain, "failed to sign "+method, err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		if reason, ok := DecodeRevert(err); ok {
			return nil, marketerrors.NewRevertError(c.chain, reason, err)
		}
		if isRejection(err) {
			return nil, marketerrors.NewTransactionError(c.chain, method+" rejected", err)
		}
		return nil, marketerrors.NewRPCError(c.chain, "failed to send "+method, err)
	}

	c.logger.Info().
		Str("method", method).
		Str("tx_hash", signed.Hash().Hex()).
		Uint64("nonce", nonce).
		Str("value", value.String()).
		Msg("transaction sent")
	return signed, nil
}

func (c *Client) failedReceiptError(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) error {
	msg := ethereum.CallMsg{
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	if c.wallet != nil {
		msg.From = c.wallet.Address()
	}

	_, err := c.backend.CallContract(ctx, msg, receipt.BlockNumber)
	if reason, ok := DecodeRevert(err); ok {
		return marketerrors.NewRevertError(c.chain, reason, fmt.Errorf("transaction %s reverted", tx.Hash().Hex()))
	}
	return marketerrors.NewTransactionError(c.chain, "transaction "+tx.Hash().Hex()+" reverted", err)
}

// isRejection matches node-side rejections of a well-formed transaction.
func isRejection(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"insufficient funds", "nonce too low", "replacement transaction underpriced", "intrinsic gas too low", "already known"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
