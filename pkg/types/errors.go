package types

import "errors"

// Simulation failures are local and non-fatal: they end up in
// SimulationResult.FailureKind and the simulation loop continues.
var (
	ErrDataUnavailable       = errors.New("data unavailable")
	ErrInvalidHop            = errors.New("invalid hop")
	ErrBelowProfitThreshold  = errors.New("below profit threshold")
	ErrExcessiveSlippage     = errors.New("excessive slippage")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
)

var (
	ErrRPCTransient    = errors.New("rpc transient failure")
	ErrRPCPermanent    = errors.New("rpc permanent failure")
	ErrExecutionFailed = errors.New("execution failed")
	ErrRecoveryFailed  = errors.New("recovery failed: funds stranded")
	ErrCircuitOpen     = errors.New("execution halted by circuit breaker")
	ErrPathBusy        = errors.New("path already executing")
	ErrAlreadyClosed   = errors.New("already closed")
)

// FailureKind names the category of a failed simulation
type FailureKind string

const (
	FailureNone                  FailureKind = ""
	FailureDataUnavailable       FailureKind = "DataUnavailable"
	FailureInvalidHop            FailureKind = "InvalidHop"
	FailureBelowProfitThreshold  FailureKind = "BelowProfitThreshold"
	FailureExcessiveSlippage     FailureKind = "ExcessiveSlippage"
	FailureInsufficientLiquidity FailureKind = "InsufficientLiquidity"
)

// Err returns the sentinel error matching the kind, or nil
func (k FailureKind) Err() error {
	switch k {
	case FailureDataUnavailable:
		return ErrDataUnavailable
	case FailureInvalidHop:
		return ErrInvalidHop
	case FailureBelowProfitThreshold:
		return ErrBelowProfitThreshold
	case FailureExcessiveSlippage:
		return ErrExcessiveSlippage
	case FailureInsufficientLiquidity:
		return ErrInsufficientLiquidity
	}
	return nil
}
