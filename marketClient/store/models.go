// Package store contains the GORM models backing the off-chain bounty cache.
//
// Tables:
//
//	bounties      one row per escrow bounty, submissions embedded as JSON
//	chain_states  event cursor (last processed ledger block)
package store

import (
	"gorm.io/gorm"
)

// ChainState tracks the event cursor for the ledger.
// One record per database.
type ChainState struct {
	gorm.Model
	LastBlock uint64 // Last processed block height
}

// BountyRecord mirrors one escrow bounty. BountyID is the ledger-assigned id;
// the gorm primary key is independent so bounty 0 is storable. CreatedAt is
// the bounty's creation time, not the time the row was written.
type BountyRecord struct {
	gorm.Model
	BountyID          uint64 `gorm:"uniqueIndex;not null"`
	Creator           string `gorm:"index;not null"`
	Requirements      string `gorm:"type:text"`
	Reward            string `gorm:"not null;default:'0'"` // Wei, decimal string
	IsActive          bool   `gorm:"index;not null"`
	Winner            string // Empty until completed
	WinningSubmission string `gorm:"type:text"`
	Submissions       []byte // JSON-encoded []bounty.Submission
}

// TableName specifies the table name for BountyRecord.
func (BountyRecord) TableName() string {
	return "bounties"
}
