// Package models provides the ledger records and the status lifecycle for positions.
package models

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a position.
type Status string

const (
	StatusNone        Status = ""             // no record yet
	StatusOpening     Status = "opening"      // buy submitted, not yet confirmed
	StatusOpen        Status = "open"         // holding contracts
	StatusTrimmed     Status = "trimmed"      // partially sold, still holding
	StatusPendingExit Status = "pending_exit" // locked for an in-flight sell
	StatusClosed      Status = "closed"       // quantity reached zero
	StatusCancelled   Status = "cancelled"    // opening buy never filled
)

// Transition conditions.
const (
	ConditionOrderPlaced      = "order_placed"
	ConditionOrderFilled      = "order_filled"
	ConditionOrderTimeout     = "order_timeout"
	ConditionOrderRejected    = "order_rejected"
	ConditionExitLocked       = "exit_locked"
	ConditionExitAborted      = "exit_aborted"
	ConditionExitExpired      = "exit_expired"
	ConditionPartialExit      = "partial_exit"
	ConditionFullExit         = "full_exit"
	ConditionDriftCorrected   = "drift_corrected"
	ConditionClosedExternally = "closed_externally"
	ConditionAdopted          = "adopted"
)

// StatusTransition defines one allowed edge of the lifecycle.
type StatusTransition struct {
	From        Status
	To          Status
	Condition   string
	Description string
}

// ValidTransitions is the complete position lifecycle.
var ValidTransitions = []StatusTransition{
	// Buy flow
	{StatusNone, StatusOpening, ConditionOrderPlaced, "Buy order submitted"},
	{StatusClosed, StatusOpening, ConditionOrderPlaced, "Re-entry after a full exit"},
	{StatusCancelled, StatusOpening, ConditionOrderPlaced, "Retry after an unfilled buy"},
	{StatusOpening, StatusOpen, ConditionOrderFilled, "Buy filled"},
	{StatusOpening, StatusCancelled, ConditionOrderTimeout, "Buy never filled"},
	{StatusOpening, StatusCancelled, ConditionOrderRejected, "Buy rejected by broker"},

	// Sell flow
	{StatusOpen, StatusPendingExit, ConditionExitLocked, "Sell started"},
	{StatusTrimmed, StatusPendingExit, ConditionExitLocked, "Sell started"},
	{StatusPendingExit, StatusTrimmed, ConditionPartialExit, "Sell filled, contracts remain"},
	{StatusPendingExit, StatusClosed, ConditionFullExit, "Sell filled, nothing remains"},
	{StatusPendingExit, StatusOpen, ConditionExitAborted, "Sell abandoned"},
	{StatusPendingExit, StatusTrimmed, ConditionExitAborted, "Sell abandoned"},
	{StatusPendingExit, StatusOpen, ConditionExitExpired, "Stale sell lock released"},
	{StatusPendingExit, StatusTrimmed, ConditionExitExpired, "Stale sell lock released"},
	{StatusOpen, StatusTrimmed, ConditionPartialExit, "Lots consumed outside a sell flow"},
	{StatusOpen, StatusClosed, ConditionFullExit, "Lots consumed outside a sell flow"},
	{StatusTrimmed, StatusTrimmed, ConditionPartialExit, "Lots consumed outside a sell flow"},
	{StatusTrimmed, StatusClosed, ConditionFullExit, "Lots consumed outside a sell flow"},

	// Reconciliation
	{StatusOpen, StatusTrimmed, ConditionDriftCorrected, "Broker holds fewer contracts"},
	{StatusOpen, StatusClosed, ConditionClosedExternally, "Broker no longer holds the contract"},
	{StatusTrimmed, StatusClosed, ConditionClosedExternally, "Broker no longer holds the contract"},
	{StatusNone, StatusOpen, ConditionAdopted, "Broker holds an unknown contract"},
	{StatusClosed, StatusOpen, ConditionAdopted, "Broker holds a contract closed locally"},
	{StatusCancelled, StatusOpen, ConditionAdopted, "Broker holds a contract cancelled locally"},
}

// ValidateTransition checks an edge against ValidTransitions. A transition
// requiring a condition only matches that condition.
func ValidateTransition(from, to Status, condition string) error {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to && conditionMatches(t.Condition, condition) {
			return nil
		}
	}
	return fmt.Errorf("%w from %q to %q with condition '%s'", ErrInvalidTransition, from, to, condition)
}

func conditionMatches(required, provided string) bool {
	if required == "" {
		return true
	}
	return required == provided
}

// Transition moves p to a new status if the edge is allowed.
func (p *Position) Transition(to Status, condition string, now time.Time) error {
	if err := ValidateTransition(p.Status, to, condition); err != nil {
		return err
	}
	if to == StatusPendingExit {
		since := now
		p.PendingExitSince = &since
		p.PreExitStatus = p.Status
	} else if p.Status == StatusPendingExit {
		p.PendingExitSince = nil
		p.PreExitStatus = StatusNone
	}
	p.Status = to
	p.LastUpdateTime = now
	return nil
}
