package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet signs transactions and reports which chain it is connected to.
type Wallet interface {
	Address() ethcommon.Address
	Network(ctx context.Context) (uint64, error)
	SwitchChain(ctx context.Context, chainID uint64) error
	SignTx(tx *types.Transaction) (*types.Transaction, error)
}

// KeyWallet is a Wallet backed by a local secp256k1 key.
type KeyWallet struct {
	key       *ecdsa.PrivateKey
	address   ethcommon.Address
	supported map[uint64]struct{}
	current   atomic.Uint64
}

// NewKeyWallet creates a wallet from a hex private key, connected to chainID.
// supported lists the chains SwitchChain accepts; chainID is always included.
func NewKeyWallet(privateKeyHex string, chainID uint64, supported []uint64) (*KeyWallet, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if privateKeyHex == "" {
		return nil, fmt.Errorf("private key not configured")
	}
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return newKeyWallet(key, chainID, supported), nil
}

func newKeyWallet(key *ecdsa.PrivateKey, chainID uint64, supported []uint64) *KeyWallet {
	w := &KeyWallet{
		key:       key,
		address:   crypto.PubkeyToAddress(key.PublicKey),
		supported: map[uint64]struct{}{chainID: {}},
	}
	for _, id := range supported {
		w.supported[id] = struct{}{}
	}
	w.current.Store(chainID)
	return w
}

// Address returns the wallet's account address.
func (w *KeyWallet) Address() ethcommon.Address {
	return w.address
}

// Network returns the chain the wallet currently signs for.
func (w *KeyWallet) Network(context.Context) (uint64, error) {
	return w.current.Load(), nil
}

// SwitchChain moves the wallet to chainID if it is supported.
func (w *KeyWallet) SwitchChain(_ context.Context, chainID uint64) error {
	if _, ok := w.supported[chainID]; !ok {
		return fmt.Errorf("chain %d is not supported by this wallet", chainID)
	}
	w.current.Store(chainID)
	return nil
}

// SignTx signs tx for the current chain.
func (w *KeyWallet) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(w.current.Load()))
	signed, err := types.SignTx(tx, signer, w.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}
