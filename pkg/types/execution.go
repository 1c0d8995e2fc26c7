package types

import (
	"fmt"
	"time"
)

// ExecutionState is a step of the execution state machine
type ExecutionState string

const (
	StateStart           ExecutionState = "START"
	StateAtomicPending   ExecutionState = "ATOMIC_PENDING"
	StateAtomicFailed    ExecutionState = "ATOMIC_FAILED"
	StateSuccess         ExecutionState = "SUCCESS"
	StateRecoveryPending ExecutionState = "RECOVERY_PENDING"
	StateRecovered       ExecutionState = "RECOVERED"
	StateRecoveryFailed  ExecutionState = "RECOVERY_FAILED"
	StateRejected        ExecutionState = "REJECTED"
)

// LegPending is LEGk_PENDING for the 1-based leg k
func LegPending(k int) ExecutionState { return ExecutionState(fmt.Sprintf("LEG%d_PENDING", k)) }

// LegDone is LEGk_DONE for the 1-based leg k
func LegDone(k int) ExecutionState { return ExecutionState(fmt.Sprintf("LEG%d_DONE", k)) }

// LegFailed is LEGk_FAILED for the 1-based leg k
func LegFailed(k int) ExecutionState { return ExecutionState(fmt.Sprintf("LEG%d_FAILED", k)) }

// IsFailure reports whether the final state counts against the circuit breaker
func (s ExecutionState) IsFailure() bool {
	switch s {
	case StateSuccess, StateRejected, StateStart:
		return false
	}
	return true
}

// LegResult is one executed (or attempted) swap
type LegResult struct {
	PoolID    string  `json:"poolId"`
	TokenIn   string  `json:"tokenIn"`
	TokenOut  string  `json:"tokenOut"`
	AmountIn  float64 `json:"amountIn"`
	AmountOut float64 `json:"amountOut"`
	Signature string  `json:"signature,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Execution is the audit record of one attempt to execute an opportunity
type Execution struct {
	ID            string           `json:"id"`
	OpportunityID string           `json:"opportunityId"`
	PathID        string           `json:"pathId"`
	Direction     string           `json:"direction"`
	Mode          string           `json:"mode"`
	State         ExecutionState   `json:"state"`
	Transitions   []ExecutionState `json:"transitions"`
	Legs          []LegResult      `json:"legs"`
	Recovery      []LegResult      `json:"recovery,omitempty"`
	AmountIn      float64          `json:"amountIn"`
	AmountOut     float64          `json:"amountOut"`
	Profit        float64          `json:"profit"`
	Recovered     float64          `json:"recovered"`
	NetLoss       float64          `json:"netLoss"`
	Error         string           `json:"error,omitempty"`
	StartedAt     time.Time        `json:"startedAt"`
	FinishedAt    time.Time        `json:"finishedAt"`
}

// To moves the execution to state, keeping the transition trail
func (e *Execution) To(state ExecutionState) {
	e.State = state
	e.Transitions = append(e.Transitions, state)
}
