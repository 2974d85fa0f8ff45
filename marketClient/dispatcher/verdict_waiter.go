package dispatcher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/onchain-market/market-node/marketClient/bounty"
	"github.com/onchain-market/market-node/marketClient/ledger"
)

// Settlement says how a VerdictWaiter finished.
type Settlement int

const (
	SettlementPending Settlement = iota
	SettlementVerdict
	SettlementDeadline
	SettlementCancelled
)

func (s Settlement) String() string {
	switch s {
	case SettlementVerdict:
		return "verdict"
	case SettlementDeadline:
		return "deadline"
	case SettlementCancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

// Verdict is the oracle decision delivered to a waiter.
type Verdict struct {
	BountyID  uint64
	Submitter string
	Accepted  bool
	Score     uint8
	Ref       ledger.LogRef
}

// VerdictWaiter is a one-shot rendezvous between the dispatcher, which delivers
// verdicts, and a deadline timer. Whichever settles it first wins.
type VerdictWaiter struct {
	bountyID  uint64
	submitter string

	settled atomic.Bool
	done    chan struct{}

	mu         sync.Mutex
	timer      *time.Timer
	settlement Settlement
	verdict    Verdict

	release func(*VerdictWaiter)
}

func newVerdictWaiter(bountyID uint64, submitter string, release func(*VerdictWaiter)) *VerdictWaiter {
	return &VerdictWaiter{
		bountyID:  bountyID,
		submitter: bounty.NormalizeAddress(submitter),
		done:      make(chan struct{}),
		release:   release,
	}
}

// StartDeadline arms the deadline. Calling it again, or after the waiter has
// settled, does nothing.
func (w *VerdictWaiter) StartDeadline(d time.Duration) {
	if w.settled.Load() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		return
	}
	w.timer = time.AfterFunc(d, func() {
		w.settle(SettlementDeadline, Verdict{})
	})
}

// Cancel settles the waiter without a verdict. It reports whether this call
// settled it.
func (w *VerdictWaiter) Cancel() bool {
	return w.settle(SettlementCancelled, Verdict{})
}

// Done is closed once the waiter has settled.
func (w *VerdictWaiter) Done() <-chan struct{} {
	return w.done
}

// Result returns how the waiter settled and, for SettlementVerdict, the verdict.
func (w *VerdictWaiter) Result() (Settlement, Verdict) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.settlement, w.verdict
}

func (w *VerdictWaiter) matches(bountyID uint64, submitter string) bool {
	return w.bountyID == bountyID && bounty.SameAddress(w.submitter, submitter)
}

func (w *VerdictWaiter) deliver(v Verdict) bool {
	return w.settle(SettlementVerdict, v)
}

func (w *VerdictWaiter) settle(s Settlement, v Verdict) bool {
	if !w.settled.CompareAndSwap(false, true) {
		return false
	}

	w.mu.Lock()
	w.settlement = s
	w.verdict = v
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	if w.release != nil {
		w.release(w)
	}
	return true
}
