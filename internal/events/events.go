// Package events publishes transaction completion events for notification
// and reporting consumers.
package events

import (
	"context"
	"time"
)

// Event is emitted when a transaction reaches a terminal state or is parked
// for reconciliation.
type Event struct {
	TransactionID string    `json:"transaction_id"`
	DepositID     string    `json:"deposit_id"`
	UserID        string    `json:"user_id"`
	State         string    `json:"state"`
	Asset         string    `json:"asset"`
	AmountInCents int64     `json:"amount_in_cents"`
	NetworkTxID   string    `json:"network_tx_id,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type Dispatcher interface {
	Publish(ctx context.Context, ev Event) error
}
