package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pegmint/internal/amount"
	"pegmint/internal/balances"
	"pegmint/internal/contracts"
	"pegmint/internal/receipts"
	"pegmint/internal/wallet"
)

var (
	// ErrBusy is returned while another sequence is non-terminal. Requests
	// are rejected outright, never queued.
	ErrBusy = errors.New("a transaction sequence is already in flight")
	// ErrAwaitingDismissal is returned while a terminal status has not been
	// acknowledged yet.
	ErrAwaitingDismissal = errors.New("previous result not yet dismissed")
)

// Sequencer issues the state-changing contract calls. *contracts.Bindings
// satisfies it.
type Sequencer interface {
	Approve(ctx context.Context, amt amount.Amount) (contracts.Pending, error)
	Mint(ctx context.Context, amt amount.Amount) (contracts.Pending, error)
	Redeem(ctx context.Context, amt amount.Amount) (contracts.Pending, error)
}

// Refresher resynchronizes balances and supply after a confirmed sequence.
// *balances.Tracker satisfies it.
type Refresher interface {
	RefreshAll(ctx context.Context, conn *wallet.Connection) (balances.Snapshot, error)
	RefreshSupply(ctx context.Context) (balances.SupplyInfo, error)
	Snapshot() balances.Snapshot
}

// ConnectionSource exposes the active wallet connection. *wallet.Session
// satisfies it.
type ConnectionSource interface {
	Connection() *wallet.Connection
}

// Orchestrator drives the approve→mint and redeem sequences and owns the
// single RunState. It is the only mutator of that state.
type Orchestrator struct {
	seq     Sequencer
	tracker Refresher
	session ConnectionSource
	store   receipts.Store
	log     zerolog.Logger

	mu    sync.Mutex
	state RunState
}

func New(seq Sequencer, tracker Refresher, session ConnectionSource, store receipts.Store, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		seq:     seq,
		tracker: tracker,
		session: session,
		store:   store,
		log:     log.With().Str("component", "orchestrator").Logger(),
		state:   RunState{Phase: PhaseIdle},
	}
}

// State returns a copy of the current run state.
func (o *Orchestrator) State() RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Dismiss acknowledges a terminal status and resets to Idle. A no-op while a
// sequence is in flight.
func (o *Orchestrator) Dismiss() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Phase.Terminal() {
		o.state = RunState{Phase: PhaseIdle}
	}
}

// begin is the re-entrancy gate: a new sequence may only start from Idle.
// Holding the lock, it moves straight into Validating so a concurrent begin
// observes the blocking phase.
func (o *Orchestrator) begin(kind string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Phase.Blocking() {
		return ErrBusy
	}
	if o.state.Phase.Terminal() {
		return ErrAwaitingDismissal
	}
	o.state = RunState{Phase: PhaseValidating, Kind: kind}
	return nil
}

func (o *Orchestrator) setPhase(phase Phase, message string) {
	o.mu.Lock()
	o.state.Phase = phase
	o.state.Message = message
	o.mu.Unlock()
}

func (o *Orchestrator) finishSuccess(kind, message string) {
	o.mu.Lock()
	o.state.Phase = PhaseSucceeded
	o.state.Message = message
	o.mu.Unlock()
	o.log.Info().Str("kind", kind).Msg("sequence succeeded")
}

func (o *Orchestrator) finishFailure(kind, prefix string, err error) {
	reason := humanizeReason(err)
	o.mu.Lock()
	o.state.Phase = PhaseFailed
	o.state.Reason = reason
	o.state.Message = prefix + ": " + reason
	o.mu.Unlock()
	o.log.Error().Str("kind", kind).Err(err).Msg("sequence failed")
}

// humanizeReason prefers the machine-readable revert reason and otherwise
// truncates the raw failure text at the first parenthesized detail blob.
func humanizeReason(err error) string {
	var reverted *contracts.RevertedError
	if errors.As(err, &reverted) {
		return "transaction reverted"
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '('); i >= 0 {
		msg = strings.TrimSpace(msg[:i])
	}
	return msg
}

// Mint runs the full deposit sequence: validate against the cached stable
// balance, approve the spend, wait for confirmation, then mint the same
// amount. The mint call is never issued unless the approval confirmed.
func (o *Orchestrator) Mint(ctx context.Context, rawAmount string) error {
	if err := o.begin("mint"); err != nil {
		return err
	}

	run := o.newRun("mint", rawAmount)

	amt, verr := amount.Validate(rawAmount, amount.TokenDecimals, o.tracker.Snapshot().Stable)
	if verr != nil {
		o.finishFailure("mint", "Invalid amount", verr)
		o.record(ctx, run, receipts.OutcomeFailed, verr.Error())
		return verr
	}

	o.setPhase(PhaseAwaitingApprovalSignature, "Confirm your spend limit...")
	approval, err := o.seq.Approve(ctx, amt)
	if err != nil {
		o.finishFailure("mint", "Mint failed", err)
		o.record(ctx, run, receipts.OutcomeFailed, humanizeReason(err))
		return err
	}
	run.TxHashes = append(run.TxHashes, approval.Hash().Hex())

	o.setPhase(PhaseApprovalPending, "Processing spend limit approval...")
	if err := approval.Wait(ctx); err != nil {
		o.finishFailure("mint", "Mint failed", err)
		o.record(ctx, run, receipts.OutcomeFailed, humanizeReason(err))
		return err
	}

	o.setPhase(PhaseAwaitingMintSignature, "Approve minting...")
	mint, err := o.seq.Mint(ctx, amt)
	if err != nil {
		o.finishFailure("mint", "Mint failed", err)
		o.record(ctx, run, receipts.OutcomeFailed, humanizeReason(err))
		return err
	}
	run.TxHashes = append(run.TxHashes, mint.Hash().Hex())

	o.setPhase(PhaseMintPending, "Processing minting...")
	if err := mint.Wait(ctx); err != nil {
		o.finishFailure("mint", "Mint failed", err)
		o.record(ctx, run, receipts.OutcomeFailed, humanizeReason(err))
		return err
	}

	o.resync(ctx, true)
	o.finishSuccess("mint", "Mint successful!")
	o.record(ctx, run, receipts.OutcomeSucceeded, "")
	return nil
}

// Redeem mirrors the mint sequence without the approval step: redemption is a
// direct call on the minted-token contract, validated against the cached
// minted balance.
func (o *Orchestrator) Redeem(ctx context.Context, rawAmount string) error {
	if err := o.begin("redeem"); err != nil {
		return err
	}

	run := o.newRun("redeem", rawAmount)

	amt, verr := amount.Validate(rawAmount, amount.TokenDecimals, o.tracker.Snapshot().Minted)
	if verr != nil {
		o.finishFailure("redeem", "Invalid amount", verr)
		o.record(ctx, run, receipts.OutcomeFailed, verr.Error())
		return verr
	}

	o.setPhase(PhaseAwaitingRedeemSignature, "Confirm your redeem...")
	redeem, err := o.seq.Redeem(ctx, amt)
	if err != nil {
		o.finishFailure("redeem", "Redeem failed", err)
		o.record(ctx, run, receipts.OutcomeFailed, humanizeReason(err))
		return err
	}
	run.TxHashes = append(run.TxHashes, redeem.Hash().Hex())

	o.setPhase(PhaseRedeemPending, "Processing redeem...")
	if err := redeem.Wait(ctx); err != nil {
		o.finishFailure("redeem", "Redeem failed", err)
		o.record(ctx, run, receipts.OutcomeFailed, humanizeReason(err))
		return err
	}

	o.resync(ctx, false)
	o.finishSuccess("redeem", "Redeem successful!")
	o.record(ctx, run, receipts.OutcomeSucceeded, "")
	return nil
}

// resync refreshes balances after a confirmed sequence, and supply too after
// a mint (supply only changes on mint). Refresh failures are logged, not
// surfaced: the sequence itself already succeeded.
func (o *Orchestrator) resync(ctx context.Context, refreshSupply bool) {
	if _, err := o.tracker.RefreshAll(ctx, o.session.Connection()); err != nil {
		o.log.Warn().Err(err).Msg("post-sequence balance refresh failed")
	}
	if refreshSupply {
		if _, err := o.tracker.RefreshSupply(ctx); err != nil {
			o.log.Warn().Err(err).Msg("post-mint supply refresh failed")
		}
	}
}

func (o *Orchestrator) newRun(kind, rawAmount string) *receipts.Record {
	return &receipts.Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		Amount:    rawAmount,
		StartedAt: time.Now(),
	}
}

func (o *Orchestrator) record(ctx context.Context, run *receipts.Record, outcome receipts.Outcome, reason string) {
	run.Outcome = outcome
	run.Reason = reason
	run.FinishedAt = time.Now()
	if err := o.store.Append(ctx, *run); err != nil {
		o.log.Warn().Err(err).Msg("receipt append failed")
	}
}
