// Package gateway defines the capability contracts for the three external
// systems the orchestrator coordinates: the PIX payment processor, the swap
// counterparty and the wallet daemon. Concrete clients live in subpackages;
// tests substitute doubles.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Charge is a payment request registered with the payment processor.
type Charge struct {
	ExternalID  string
	QRCopyPaste string
	QRImageURL  string
}

// ChargeStatus mirrors the processor's view of a charge, used by the
// reconciler to resolve deposits whose webhook outcome is in doubt.
type ChargeStatus struct {
	BankTxID     string
	Status       string
	ValueInCents int64
}

type PaymentGateway interface {
	CreateCharge(ctx context.Context, amountInCents int64, pixAddress string) (Charge, error)
	GetChargeStatus(ctx context.Context, externalID string) (ChargeStatus, error)
}

// Quote is a rate offer from the swap counterparty: fiat cents per whole
// asset unit, valid until ExpiresAt.
type Quote struct {
	Rate      decimal.Decimal
	ExpiresAt time.Time
}

type SwapGateway interface {
	// QuoteRate returns the conversion rate for the given fiat amount and
	// asset, or ErrNoLiquidity when the counterparty cannot fill it.
	QuoteRate(ctx context.Context, fiatCents int64, assetHex string) (Quote, error)
}

// Recipient is one output of a settlement transaction.
type Recipient struct {
	Address string
	Amount  int64
}

// BroadcastRequest carries everything the wallet daemon needs to build, sign
// and broadcast a settlement. Ref is a caller-generated fingerprint persisted
// before the call; the daemon treats it as an idempotency key and the
// reconciler uses it to find a broadcast whose first attempt was lost.
type BroadcastRequest struct {
	Ref        string
	AssetHex   string
	Recipients []Recipient
}

type WalletGateway interface {
	NewAddress(ctx context.Context) (string, error)
	Broadcast(ctx context.Context, req BroadcastRequest) (txID string, err error)
	Confirmations(ctx context.Context, txID string) (int, error)
	// FindByRef reports whether a broadcast with the given ref reached the
	// network, and its transaction id if so.
	FindByRef(ctx context.Context, ref string) (txID string, found bool, err error)
}

var ErrNoLiquidity = errors.New("no liquidity for requested amount")

// RejectionError is a permanent, gateway-reported broadcast failure. It is
// never retried: the transaction moves straight to its failed state.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("broadcast rejected: %s", e.Reason)
}

// TransientError marks an infrastructure failure (timeout, connection reset)
// whose retry is safe because the request provably did not take effect.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// AmbiguousError marks a call whose outcome is unknown: the request may have
// been delivered before the failure. Such calls are never retried blindly;
// the transaction is parked for reconciliation instead.
type AmbiguousError struct {
	Err error
}

func (e *AmbiguousError) Error() string { return fmt.Sprintf("outcome unknown: %v", e.Err) }
func (e *AmbiguousError) Unwrap() error { return e.Err }

func IsAmbiguous(err error) bool {
	var ae *AmbiguousError
	return errors.As(err, &ae)
}
