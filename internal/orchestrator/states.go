package orchestrator

import "pixbridge/internal/store"

// stateOrder is the total order of forward progress. A transaction never
// moves to a state with a lower rank, which is what makes webhook
// redelivery and reconciliation races safe to drop.
var stateOrder = map[store.State]int{
	store.StateCreated:             0,
	store.StatePaymentPending:      1,
	store.StatePaymentConfirmed:    2,
	store.StateRateLocked:          3,
	store.StateSettlementSubmitted: 4,
	store.StateSettlementConfirmed: 5,
	store.StateCompleted:           6,
}

var terminalStates = map[store.State]bool{
	store.StateCompleted:        true,
	store.StatePaymentExpired:   true,
	store.StatePaymentFailed:    true,
	store.StateSettlementFailed: true,
}

func isTerminal(s store.State) bool {
	return terminalStates[s]
}

// atOrBeyond reports whether current has already reached target on the
// forward path. States outside the order (failure branches, reconciliation)
// never count as beyond anything.
func atOrBeyond(current, target store.State) bool {
	c, ok := stateOrder[current]
	if !ok {
		return false
	}
	t, ok := stateOrder[target]
	if !ok {
		return false
	}
	return c >= t
}

// Reason codes recorded on a transaction when it leaves the happy path. The
// reconciler dispatches on these to decide which external system to re-query.
const (
	reasonChargeUnknown    = "charge_outcome_unknown"
	reasonAmountMismatch   = "amount_mismatch"
	reasonBroadcastUnknown = "broadcast_outcome_unknown"
	reasonNoLiquidity      = "no_liquidity"
	reasonPaymentTimeout   = "payment_confirmation_timeout"
)
