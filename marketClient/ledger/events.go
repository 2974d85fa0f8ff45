package ledger

import (
	"fmt"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// EventKind names a contract event.
type EventKind string

const (
	KindBountyCreated    EventKind = "BountyCreated"
	KindSubmissionMade   EventKind = "SubmissionMade"
	KindSubmissionResult EventKind = "SubmissionResult"
	KindBountyCompleted  EventKind = "BountyCompleted"
)

// LogRef locates the log an event was decoded from.
type LogRef struct {
	TxHash      ethcommon.Hash
	LogIndex    uint
	BlockNumber uint64
}

// Ref returns the log reference itself; embedding LogRef satisfies Event.Ref.
func (r LogRef) Ref() LogRef { return r }

// Key identifies the log uniquely as "txHash:logIndex".
func (r LogRef) Key() string {
	return fmt.Sprintf("%s:%d", r.TxHash.Hex(), r.LogIndex)
}

// Event is a decoded contract event.
type Event interface {
	Kind() EventKind
	Ref() LogRef
	TargetBounty() uint64
}

// BountyCreated is emitted when an escrow bounty is posted.
type BountyCreated struct {
	LogRef
	BountyID     uint64
	Creator      string
	Requirements string
	Reward       *big.Int
}

func (BountyCreated) Kind() EventKind        { return KindBountyCreated }
func (e BountyCreated) TargetBounty() uint64 { return e.BountyID }

// SubmissionMade is emitted when a deliverable is submitted.
type SubmissionMade struct {
	LogRef
	BountyID      uint64
	Submitter     string
	SubmissionURL string
}

func (SubmissionMade) Kind() EventKind        { return KindSubmissionMade }
func (e SubmissionMade) TargetBounty() uint64 { return e.BountyID }

// SubmissionResult carries the oracle's verdict for one submission.
type SubmissionResult struct {
	LogRef
	BountyID   uint64
	Submitter  string
	IsAccepted bool
	Score      uint8
}

func (SubmissionResult) Kind() EventKind        { return KindSubmissionResult }
func (e SubmissionResult) TargetBounty() uint64 { return e.BountyID }

// BountyCompleted is emitted when the escrow pays out a winner.
type BountyCompleted struct {
	LogRef
	BountyID          uint64
	Winner            string
	WinningSubmission string
	Reward            *big.Int
}

func (BountyCompleted) Kind() EventKind        { return KindBountyCompleted }
func (e BountyCompleted) TargetBounty() uint64 { return e.BountyID }
