package models

import "errors"

// Error taxonomy shared by the ledger, resolver, lock manager and execution engine.
var (
	ErrAmbiguousPosition    = errors.New("ambiguous position")
	ErrPositionNotFound     = errors.New("position not found")
	ErrLockBusy             = errors.New("lock busy")
	ErrBrokerRejected       = errors.New("broker rejected order")
	ErrBrokerTimeout        = errors.New("broker timeout: cascade exhausted without fill")
	ErrInsufficientQuantity = errors.New("insufficient quantity")
	ErrReconciliationDrift  = errors.New("reconciliation drift")

	ErrInvalidTransition = errors.New("invalid transition")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrAmbiguousPosition, "AmbiguousPosition"},
	{ErrPositionNotFound, "PositionNotFound"},
	{ErrLockBusy, "LockBusy"},
	{ErrBrokerRejected, "BrokerRejected"},
	{ErrBrokerTimeout, "BrokerTimeout"},
	{ErrInsufficientQuantity, "InsufficientQuantity"},
	{ErrReconciliationDrift, "ReconciliationDrift"},
	{ErrInvalidTransition, "InvalidTransition"},
}

// ErrorCode maps an error to the code reported in execution results.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}
