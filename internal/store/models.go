package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is the persisted lifecycle state of a Transaction. Ordering and
// transition rules live in the orchestrator; the store only guarantees that
// every change goes through an optimistic compare-and-set.
type State string

const (
	StateCreated             State = "created"
	StatePaymentPending      State = "payment_pending"
	StatePaymentConfirmed    State = "payment_confirmed"
	StateRateLocked          State = "rate_locked"
	StateSettlementSubmitted State = "settlement_submitted"
	StateSettlementConfirmed State = "settlement_confirmed"
	StateCompleted           State = "completed"

	StatePaymentExpired      State = "payment_expired"
	StatePaymentFailed       State = "payment_failed"
	StateSettlementFailed    State = "settlement_failed"
	StateNeedsReconciliation State = "needs_reconciliation"
)

// PixDeposit payment statuses as reported by the payment gateway.
const (
	DepositPending   = "pending"
	DepositConfirmed = "confirmed"
	DepositExpired   = "expired"
	DepositFailed    = "failed"
)

type User struct {
	ID         string
	ReferredBy *string
	CreatedAt  time.Time
}

type Referral struct {
	ID             string
	UserID         string
	ReferralCode   string
	PaymentAddress string
	CreatedAt      time.Time
}

type PixDeposit struct {
	ID             string
	ExternalID     *string
	QRID           *string
	AmountInCents  int64
	PayerName      string
	PayerTaxNumber string
	Status         string
	QRCopyPaste    string
	QRImageURL     string
	CreatedAt      time.Time
}

type Transaction struct {
	ID                string
	DepositID         string
	UserID            string
	Address           string
	FeeAddress        string
	AmountInCents     int64
	Asset             string
	Network           string
	Status            State
	Rate              *decimal.Decimal
	RateLockedUntil   *time.Time
	FeeInAsset        *int64
	ReferralBonus     *int64
	DestinationAmount *int64
	SettlementRef     *string
	NetworkTxID       *string
	BankTxID          *string
	FailureReason     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type CreateTransactionInput struct {
	UserID        string
	Address       string
	FeeAddress    string
	AmountInCents int64
	Asset         string
	Network       string
}

// Changes carries the optional column updates applied alongside a state
// transition. Nil fields are left untouched.
type Changes struct {
	Rate              *decimal.Decimal
	RateLockedUntil   *time.Time
	FeeInAsset        *int64
	ReferralBonus     *int64
	DestinationAmount *int64
	SettlementRef     *string
	NetworkTxID       *string
	BankTxID          *string
	FailureReason     *string

	// Audit metadata for the transition being recorded.
	EventBankTxID *string
	EventStatus   *string
	Detail        string
}

type AuditEntry struct {
	ID            int64
	TransactionID string
	FromStatus    State
	ToStatus      State
	BankTxID      *string
	EventStatus   *string
	Detail        string
	CreatedAt     time.Time
}
