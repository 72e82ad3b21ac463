package orchestrator

// Phase is the current position of the single in-flight transaction sequence.
type Phase string

const (
	PhaseIdle                      Phase = "idle"
	PhaseValidating                Phase = "validating"
	PhaseAwaitingApprovalSignature Phase = "awaiting_approval_signature"
	PhaseApprovalPending           Phase = "approval_pending"
	PhaseAwaitingMintSignature     Phase = "awaiting_mint_signature"
	PhaseMintPending               Phase = "mint_pending"
	PhaseAwaitingRedeemSignature   Phase = "awaiting_redeem_signature"
	PhaseRedeemPending             Phase = "redeem_pending"
	PhaseSucceeded                 Phase = "succeeded"
	PhaseFailed                    Phase = "failed"
)

// Blocking reports whether the phase forbids new submissions while the
// machine sits in it. Every phase blocks except Idle and the two terminals.
func (p Phase) Blocking() bool {
	switch p {
	case PhaseIdle, PhaseSucceeded, PhaseFailed, "":
		return false
	}
	return true
}

// Terminal reports whether the phase ends a sequence.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// RunState is the process-wide transaction run state driving user feedback.
type RunState struct {
	Phase   Phase  `json:"phase"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// IsBlocking mirrors Phase.Blocking for serialization.
func (s RunState) IsBlocking() bool { return s.Phase.Blocking() }
