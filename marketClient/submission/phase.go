package submission

// Phase is a step of the submission workflow.
type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseValidating           Phase = "validating"
	PhaseUploading            Phase = "uploading"
	PhaseAwaitingConfirmation Phase = "awaiting_confirmation"
	PhaseAwaitingVerdict      Phase = "awaiting_verdict"
	PhaseAccepted             Phase = "accepted"
	PhaseRejected             Phase = "rejected"
	PhaseTimedOut             Phase = "timed_out"
	PhaseFailed               Phase = "failed"
)

// IsTerminal reports whether the workflow ends in p.
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseAccepted, PhaseRejected, PhaseTimedOut, PhaseFailed:
		return true
	}
	return false
}

// Message is the user-facing status line for p.
func (p Phase) Message() string {
	switch p {
	case PhaseValidating:
		return "Checking bounty..."
	case PhaseUploading:
		return "Uploading submission..."
	case PhaseAwaitingConfirmation:
		return "Submitting to blockchain..."
	case PhaseAwaitingVerdict:
		return "Waiting for AI verification..."
	case PhaseAccepted:
		return "Submission accepted"
	case PhaseRejected:
		return "Submission rejected"
	case PhaseTimedOut:
		return "Verification timed out. Please check back later."
	case PhaseFailed:
		return "Submission failed"
	default:
		return ""
	}
}

// Transition is reported to a PhaseObserver on every phase change.
type Transition struct {
	BountyID uint64
	Phase    Phase
	Err      error // set for PhaseFailed and PhaseTimedOut
}

// PhaseObserver receives workflow transitions. It is called synchronously and
// must not block.
type PhaseObserver func(Transition)
