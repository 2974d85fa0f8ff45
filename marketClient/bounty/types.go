// Package bounty holds the data model shared by every part of the market node:
// bounties posted on the escrow contract and the submissions made against them.
package bounty

import (
	"math/big"
	"strings"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// MaxScore is the highest score the oracle can attach to a verdict.
const MaxScore uint8 = 10

// SubmissionStatus is the lifecycle state of a submission.
type SubmissionStatus string

const (
	StatusPending  SubmissionStatus = "pending"
	StatusAccepted SubmissionStatus = "accepted"
	StatusRejected SubmissionStatus = "rejected"
)

// IsTerminal reports whether the status can no longer change.
func (s SubmissionStatus) IsTerminal() bool {
	return s == StatusAccepted || s == StatusRejected
}

// StatusFromVerdict maps an oracle verdict to a terminal status.
func StatusFromVerdict(accepted bool) SubmissionStatus {
	if accepted {
		return StatusAccepted
	}
	return StatusRejected
}

// Submission is a candidate deliverable for a bounty.
type Submission struct {
	BountyID  uint64           `json:"bountyId"`
	Submitter string           `json:"submitter"`
	ImageURL  string           `json:"imageUrl"`
	Timestamp time.Time        `json:"timestamp"`
	Status    SubmissionStatus `json:"status"`
	Score     *uint8           `json:"score,omitempty"` // nil while pending
}

// Bounty is an escrowed reward tied to stated requirements.
type Bounty struct {
	ID                uint64
	Creator           string
	Requirements      string
	Reward            *big.Int // wei
	IsActive          bool
	Winner            string
	WinningSubmission string
	Submissions       []Submission
	CreatedAt         time.Time
}

// Clone returns a deep copy so callers never share slices or big.Int values
// with the state store.
func (b Bounty) Clone() Bounty {
	out := b
	if b.Reward != nil {
		out.Reward = new(big.Int).Set(b.Reward)
	}
	if b.Submissions != nil {
		out.Submissions = make([]Submission, len(b.Submissions))
		for i, s := range b.Submissions {
			out.Submissions[i] = s.Clone()
		}
	}
	return out
}

// Clone returns a copy of the submission with its own score pointer.
func (s Submission) Clone() Submission {
	out := s
	if s.Score != nil {
		score := *s.Score
		out.Score = &score
	}
	return out
}

// FindSubmission returns the index of the submission made by submitter.
func (b *Bounty) FindSubmission(submitter string) (int, bool) {
	for i := range b.Submissions {
		if SameAddress(b.Submissions[i].Submitter, submitter) {
			return i, true
		}
	}
	return -1, false
}

// HasWinner reports whether the bounty records a winner.
func (b *Bounty) HasWinner() bool {
	return b.Winner != "" && !IsZeroAddress(b.Winner)
}

// ValidScore reports whether score is within the oracle's range.
func ValidScore(score uint8) bool {
	return score <= MaxScore
}

// NormalizeAddress converts hex addresses to their EIP-55 checksum form.
// Anything that is not a hex address is returned trimmed but otherwise untouched.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if ethcommon.IsHexAddress(addr) {
		return ethcommon.HexToAddress(addr).Hex()
	}
	return addr
}

// SameAddress compares two addresses after normalisation.
func SameAddress(a, b string) bool {
	return NormalizeAddress(a) == NormalizeAddress(b)
}

// IsZeroAddress reports whether addr is the all-zero hex address.
func IsZeroAddress(addr string) bool {
	return ethcommon.IsHexAddress(addr) && ethcommon.HexToAddress(addr) == (ethcommon.Address{})
}
