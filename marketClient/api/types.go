package api

import (
	"time"

	"github.com/onchain-market/market-node/marketClient/bounty"
)

// QueryResponse represents the standard query response format
type QueryResponse struct {
	Data        interface{} `json:"data"`
	LastFetched time.Time   `json:"last_fetched"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse is returned by /api/v1/status
type StatusResponse struct {
	LedgerReady bool `json:"ledger_ready"`
	Bounties    int  `json:"bounties"`
}

// BountyView is the JSON form of a bounty. Reward is given both in wei and in ether.
type BountyView struct {
	ID                uint64              `json:"id"`
	Creator           string              `json:"creator"`
	Requirements      string              `json:"requirements"`
	RewardWei         string              `json:"reward_wei"`
	Reward            string              `json:"reward"`
	IsActive          bool                `json:"is_active"`
	Winner            string              `json:"winner,omitempty"`
	WinningSubmission string              `json:"winning_submission,omitempty"`
	Submissions       []bounty.Submission `json:"submissions"`
	CreatedAt         time.Time           `json:"created_at"`
}

func newBountyView(b bounty.Bounty) BountyView {
	v := BountyView{
		ID:                b.ID,
		Creator:           b.Creator,
		Requirements:      b.Requirements,
		RewardWei:         "0",
		Reward:            bounty.FormatEther(b.Reward),
		IsActive:          b.IsActive,
		Winner:            b.Winner,
		WinningSubmission: b.WinningSubmission,
		Submissions:       b.Submissions,
		CreatedAt:         b.CreatedAt,
	}
	if b.Reward != nil {
		v.RewardWei = b.Reward.String()
	}
	if v.Submissions == nil {
		v.Submissions = []bounty.Submission{}
	}
	return v
}
