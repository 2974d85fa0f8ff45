package api

import (
	"time"

	"github.com/onchain-market/market-node/marketClient/bounty"
)

// MarketClientInterface defines the methods needed by the API server
type MarketClientInterface interface {
	ListBounties() []bounty.Bounty
	GetBounty(id uint64) (bounty.Bounty, bool)
	GetLastReconciled() time.Time
	LedgerReady() bool
}
