// Package orchestrator drives each deposit transaction through its state
// machine: payment confirmation, rate lock, settlement broadcast and
// completion. Every transition is committed to the ledger before the side
// effect it authorizes, so a crash at any point is recoverable from the
// store alone.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pixbridge/internal/asset"
	"pixbridge/internal/events"
	"pixbridge/internal/fee"
	"pixbridge/internal/gateway"
	"pixbridge/internal/store"
)

var (
	ErrUnsupportedAsset = errors.New("unsupported asset/network combination")
	ErrAmountTooLow     = errors.New("amount below configured minimum")
)

// Ledger is the durable store contract the orchestrator drives. *store.Store
// implements it; tests substitute an in-memory double.
type Ledger interface {
	CreateTransaction(ctx context.Context, input store.CreateTransactionInput) (store.Transaction, store.PixDeposit, error)
	RegisterCharge(ctx context.Context, depositID, externalID, qrCopyPaste, qrImageURL string) error
	UpdateDepositStatus(ctx context.Context, depositID, status, payerName, payerTaxNumber string) error
	GetTransaction(ctx context.Context, id string) (store.Transaction, error)
	GetTransactionByChargeID(ctx context.Context, externalID string) (store.Transaction, store.PixDeposit, error)
	GetDeposit(ctx context.Context, id string) (store.PixDeposit, error)
	Advance(ctx context.Context, id string, from, to store.State, changes store.Changes) (store.Transaction, error)
	WasEventApplied(ctx context.Context, bankTxID, eventStatus string) (bool, error)
	ListInStates(ctx context.Context, states ...store.State) ([]store.Transaction, error)
	ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]store.Transaction, error)
	ReferrerAddress(ctx context.Context, userID string) (string, bool, error)
}

type Config struct {
	MinDepositCents   int64
	ConfirmationDepth int
	PaymentTimeout    time.Duration
	PollInterval      time.Duration
	ReconcileInterval time.Duration

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
}

func (c *Config) withDefaults() {
	if c.MinDepositCents <= 0 {
		c.MinDepositCents = 100
	}
	if c.ConfirmationDepth <= 0 {
		c.ConfirmationDepth = 2
	}
	if c.PaymentTimeout <= 0 {
		c.PaymentTimeout = 30 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = time.Minute
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 4
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
}

type Orchestrator struct {
	ledger     Ledger
	payments   gateway.PaymentGateway
	swaps      gateway.SwapGateway
	wallet     gateway.WalletGateway
	dispatcher events.Dispatcher
	log        *logrus.Logger
	cfg        Config

	locks *keyedMutex
	retry retryPolicy

	// The custodial wallet spends from a single funding account; concurrent
	// broadcasts would race over the same spendable outputs.
	broadcastMu sync.Mutex
}

func New(ledger Ledger, payments gateway.PaymentGateway, swaps gateway.SwapGateway,
	wallet gateway.WalletGateway, dispatcher events.Dispatcher, log *logrus.Logger, cfg Config) *Orchestrator {
	cfg.withDefaults()
	return &Orchestrator{
		ledger:     ledger,
		payments:   payments,
		swaps:      swaps,
		wallet:     wallet,
		dispatcher: dispatcher,
		log:        log,
		cfg:        cfg,
		locks:      newKeyedMutex(),
		retry: retryPolicy{
			maxAttempts: cfg.RetryMaxAttempts,
			baseDelay:   cfg.RetryBaseDelay,
			maxDelay:    cfg.RetryMaxDelay,
		},
	}
}

type DepositRequest struct {
	UserID        string
	Address       string
	AmountInCents int64
	Asset         string
	Network       string
}

type DepositReceipt struct {
	TransactionID string
	DepositID     string
	QRCopyPaste   string
	QRImageURL    string
}

// CreateDeposit validates the request, persists the transaction intent and
// registers the charge with the payment processor. On return the transaction
// is in payment_pending, or parked if the charge outcome is unknown.
func (o *Orchestrator) CreateDeposit(ctx context.Context, req DepositRequest) (DepositReceipt, error) {
	if !asset.Supported(req.Asset, req.Network) {
		return DepositReceipt{}, ErrUnsupportedAsset
	}
	if req.AmountInCents < o.cfg.MinDepositCents {
		return DepositReceipt{}, ErrAmountTooLow
	}

	la := o.log.WithFields(logrus.Fields{"user_id": req.UserID, "asset": req.Asset})

	// Service address that receives the asset from the payment leg. Issued
	// before any row exists so a failure here creates no state.
	var serviceAddr string
	err := o.retry.do(ctx, la, "wallet.new_address", func() error {
		var aerr error
		serviceAddr, aerr = o.wallet.NewAddress(ctx)
		return aerr
	})
	if err != nil {
		return DepositReceipt{}, fmt.Errorf("issue service address: %w", err)
	}

	tx, dep, err := o.ledger.CreateTransaction(ctx, store.CreateTransactionInput{
		UserID:        req.UserID,
		Address:       req.Address,
		FeeAddress:    serviceAddr,
		AmountInCents: req.AmountInCents,
		Asset:         req.Asset,
		Network:       req.Network,
	})
	if err != nil {
		return DepositReceipt{}, err
	}

	la = la.WithField("transaction_id", tx.ID)

	var charge gateway.Charge
	err = o.retry.do(ctx, la, "payments.create_charge", func() error {
		var cerr error
		charge, cerr = o.payments.CreateCharge(ctx, req.AmountInCents, serviceAddr)
		return cerr
	})
	if err != nil {
		if gateway.IsAmbiguous(err) {
			o.park(ctx, tx, store.StateCreated, reasonChargeUnknown, err.Error())
			return DepositReceipt{}, fmt.Errorf("charge outcome unknown: %w", err)
		}
		o.fail(ctx, tx, store.StateCreated, store.StatePaymentFailed, err.Error())
		return DepositReceipt{}, fmt.Errorf("create charge: %w", err)
	}

	if err := o.ledger.RegisterCharge(ctx, dep.ID, charge.ExternalID, charge.QRCopyPaste, charge.QRImageURL); err != nil {
		return DepositReceipt{}, err
	}
	if _, err := o.ledger.Advance(ctx, tx.ID, store.StateCreated, store.StatePaymentPending,
		store.Changes{Detail: "charge registered: " + charge.ExternalID}); err != nil {
		return DepositReceipt{}, err
	}

	la.Info("deposit created")
	return DepositReceipt{
		TransactionID: tx.ID,
		DepositID:     dep.ID,
		QRCopyPaste:   charge.QRCopyPaste,
		QRImageURL:    charge.QRImageURL,
	}, nil
}

// StatusEvent is a payment-status notification from the processor webhook.
// Delivery is at-least-once and may be reordered.
type StatusEvent struct {
	BankTxID       string
	BlockchainTxID string
	PayerName      string
	PayerTaxNumber string
	PixKey         string
	QRID           string
	Status         string
	ValueInCents   int64
	Expiration     string
}

// Payment processor status values carried by the webhook.
const (
	EventCompleted = "completed"
	EventExpired   = "expired"
	EventFailed    = "failed"
	EventPending   = "pending"
)

// HandleStatusEvent applies one webhook delivery. Redelivering an already
// applied (bank_tx_id, status) pair is a successful no-op.
func (o *Orchestrator) HandleStatusEvent(ctx context.Context, ev StatusEvent) error {
	tx, dep, err := o.ledger.GetTransactionByChargeID(ctx, ev.QRID)
	if err != nil {
		return err
	}

	unlock := o.locks.lock(dep.ID)
	defer unlock()

	// Re-read under the deposit lock: a concurrent delivery may have moved
	// the transaction between lookup and lock acquisition.
	tx, err = o.ledger.GetTransaction(ctx, tx.ID)
	if err != nil {
		return err
	}

	if isTerminal(tx.Status) {
		// Terminal rows ignore further status events; a late notice for a
		// settled or expired deposit is stale.
		return nil
	}

	if ev.BankTxID != "" {
		applied, err := o.ledger.WasEventApplied(ctx, ev.BankTxID, ev.Status)
		if err != nil {
			return err
		}
		if applied {
			o.log.WithFields(logrus.Fields{
				"transaction_id": tx.ID,
				"bank_tx_id":     ev.BankTxID,
				"status":         ev.Status,
			}).Info("duplicate status event ignored")
			return nil
		}
	}

	switch ev.Status {
	case EventCompleted:
		return o.applyPaymentCompleted(ctx, tx, dep, ev)
	case EventExpired:
		return o.applyPaymentTerminal(ctx, tx, dep, ev, store.StatePaymentExpired, store.DepositExpired)
	case EventFailed:
		return o.applyPaymentTerminal(ctx, tx, dep, ev, store.StatePaymentFailed, store.DepositFailed)
	case EventPending:
		return nil
	default:
		o.log.WithFields(logrus.Fields{"status": ev.Status, "bank_tx_id": ev.BankTxID}).
			Warn("unrecognized payment status")
		return nil
	}
}

func (o *Orchestrator) applyPaymentCompleted(ctx context.Context, tx store.Transaction, dep store.PixDeposit, ev StatusEvent) error {
	if atOrBeyond(tx.Status, store.StatePaymentConfirmed) {
		return nil
	}

	if ev.ValueInCents != tx.AmountInCents {
		// Money arrived but not the amount we asked for. Never accepted
		// silently; an operator resolves it.
		if err := o.ledger.UpdateDepositStatus(ctx, dep.ID, store.DepositConfirmed, ev.PayerName, ev.PayerTaxNumber); err != nil {
			return err
		}
		detail := fmt.Sprintf("webhook value %d does not match requested %d", ev.ValueInCents, tx.AmountInCents)
		parked, err := o.advanceWithEvent(ctx, tx.ID, tx.Status, store.StateNeedsReconciliation, ev, reasonAmountMismatch, detail)
		if err != nil {
			return err
		}
		o.emit(ctx, parked)
		return nil
	}

	if err := o.ledger.UpdateDepositStatus(ctx, dep.ID, store.DepositConfirmed, ev.PayerName, ev.PayerTaxNumber); err != nil {
		return err
	}

	confirmed, err := o.advanceWithEvent(ctx, tx.ID, store.StatePaymentPending, store.StatePaymentConfirmed, ev, "", "payment confirmed")
	if err != nil {
		var conflict *store.StateConflictError
		if errors.As(err, &conflict) && atOrBeyond(conflict.Current, store.StatePaymentConfirmed) {
			return nil
		}
		return err
	}

	o.log.WithFields(logrus.Fields{
		"transaction_id": confirmed.ID,
		"bank_tx_id":     ev.BankTxID,
		"amount":         confirmed.AmountInCents,
	}).Info("payment confirmed")

	return o.lockRateAndSettle(ctx, confirmed)
}

func (o *Orchestrator) applyPaymentTerminal(ctx context.Context, tx store.Transaction, dep store.PixDeposit, ev StatusEvent, to store.State, depositStatus string) error {
	if tx.Status != store.StatePaymentPending {
		// Late expiry/failure notices for settled deposits are stale.
		return nil
	}
	if err := o.ledger.UpdateDepositStatus(ctx, dep.ID, depositStatus, ev.PayerName, ev.PayerTaxNumber); err != nil {
		return err
	}
	moved, err := o.advanceWithEvent(ctx, tx.ID, store.StatePaymentPending, to, ev, "payment "+ev.Status, "payment "+ev.Status)
	if err != nil {
		var conflict *store.StateConflictError
		if errors.As(err, &conflict) {
			return nil
		}
		return err
	}
	o.emit(ctx, moved)
	return nil
}

// lockRateAndSettle runs the conversion leg: quote, fee computation, rate
// lock and settlement broadcast. The caller holds the deposit lock and the
// transaction is in payment_confirmed.
func (o *Orchestrator) lockRateAndSettle(ctx context.Context, tx store.Transaction) error {
	la := o.log.WithField("transaction_id", tx.ID)

	a, err := asset.FromCode(tx.Asset)
	if err != nil {
		o.fail(ctx, tx, tx.Status, store.StateSettlementFailed, "unknown asset: "+tx.Asset)
		return err
	}

	var quote gateway.Quote
	err = o.retry.do(ctx, la, "swap.quote", func() error {
		var qerr error
		quote, qerr = o.swaps.QuoteRate(ctx, tx.AmountInCents, a.Hex)
		return qerr
	})
	if err != nil {
		// The fiat leg is already confirmed: money received, conversion
		// failed. This state is operator-visible by design of the event.
		reason := reasonNoLiquidity
		if !errors.Is(err, gateway.ErrNoLiquidity) {
			reason = "quote_failed"
		}
		la.WithError(err).Error("rate lock failed with fiat confirmed")
		o.fail(ctx, tx, tx.Status, store.StateSettlementFailed, reason)
		return nil
	}

	referrerAddr, hasReferral, err := o.ledger.ReferrerAddress(ctx, tx.UserID)
	if err != nil {
		return err
	}

	breakdown, err := fee.Quote(tx.AmountInCents, quote.Rate, a.Precision, hasReferral)
	if err != nil {
		o.fail(ctx, tx, tx.Status, store.StateSettlementFailed, "fee computation: "+err.Error())
		return nil
	}

	locked, err := o.ledger.Advance(ctx, tx.ID, tx.Status, store.StateRateLocked, store.Changes{
		Rate:              &quote.Rate,
		RateLockedUntil:   &quote.ExpiresAt,
		FeeInAsset:        &breakdown.FeeAmount,
		ReferralBonus:     &breakdown.ReferralBonus,
		DestinationAmount: &breakdown.DestinationAmount,
		Detail:            "rate locked",
	})
	if err != nil {
		return err
	}

	return o.settle(ctx, locked, referrerAddr)
}

// settle persists the broadcast intent, then invokes the wallet gateway.
// Broadcasts are serialized across the custodial account.
func (o *Orchestrator) settle(ctx context.Context, tx store.Transaction, referrerAddr string) error {
	la := o.log.WithField("transaction_id", tx.ID)

	ref := tx.SettlementRef
	if ref == nil {
		r := uuid.NewString()
		ref = &r
	}

	submitted, err := o.ledger.Advance(ctx, tx.ID, tx.Status, store.StateSettlementSubmitted, store.Changes{
		SettlementRef: ref,
		Detail:        "settlement submitted",
	})
	if err != nil {
		return err
	}

	a, err := asset.FromCode(submitted.Asset)
	if err != nil {
		return err
	}

	recipients := []gateway.Recipient{{Address: submitted.Address, Amount: *submitted.DestinationAmount}}
	if referrerAddr != "" && submitted.ReferralBonus != nil && *submitted.ReferralBonus > 0 {
		recipients = append(recipients, gateway.Recipient{Address: referrerAddr, Amount: *submitted.ReferralBonus})
	}

	var txID string
	o.broadcastMu.Lock()
	err = o.retry.do(ctx, la, "wallet.broadcast", func() error {
		var berr error
		txID, berr = o.wallet.Broadcast(ctx, gateway.BroadcastRequest{
			Ref:        *ref,
			AssetHex:   a.Hex,
			Recipients: recipients,
		})
		return berr
	})
	o.broadcastMu.Unlock()

	if err != nil {
		var rejection *gateway.RejectionError
		switch {
		case errors.As(err, &rejection):
			o.fail(ctx, submitted, store.StateSettlementSubmitted, store.StateSettlementFailed, rejection.Reason)
			return nil
		case gateway.IsAmbiguous(err):
			o.park(ctx, submitted, store.StateSettlementSubmitted, reasonBroadcastUnknown, err.Error())
			return nil
		default:
			// Transient retries exhausted. Park it: the reconciler verifies
			// via FindByRef that nothing went out and re-settles.
			o.park(ctx, submitted, store.StateSettlementSubmitted, reasonBroadcastUnknown, err.Error())
			return nil
		}
	}

	if _, err := o.ledger.Advance(ctx, submitted.ID, store.StateSettlementSubmitted, store.StateSettlementSubmitted, store.Changes{
		NetworkTxID: &txID,
		Detail:      "broadcast accepted: " + txID,
	}); err != nil {
		return err
	}

	la.WithField("network_tx_id", txID).Info("settlement broadcast")
	return nil
}

// GetTransaction exposes current transaction state for status queries.
func (o *Orchestrator) GetTransaction(ctx context.Context, id string) (store.Transaction, error) {
	return o.ledger.GetTransaction(ctx, id)
}

func (o *Orchestrator) advanceWithEvent(ctx context.Context, id string, from, to store.State, ev StatusEvent, reason, detail string) (store.Transaction, error) {
	changes := store.Changes{Detail: detail}
	if ev.BankTxID != "" {
		changes.BankTxID = &ev.BankTxID
		changes.EventBankTxID = &ev.BankTxID
		changes.EventStatus = &ev.Status
	}
	if reason != "" {
		changes.FailureReason = &reason
	}
	return o.ledger.Advance(ctx, id, from, to, changes)
}

// fail moves a transaction to a terminal failure state and emits the event.
func (o *Orchestrator) fail(ctx context.Context, tx store.Transaction, from, to store.State, reason string) {
	moved, err := o.ledger.Advance(ctx, tx.ID, from, to, store.Changes{
		FailureReason: &reason,
		Detail:        reason,
	})
	if err != nil {
		o.log.WithField("transaction_id", tx.ID).WithError(err).Error("failed to record failure state")
		return
	}
	o.emit(ctx, moved)
}

// park routes a transaction whose last external call has an unknown outcome
// into needs_reconciliation. Nothing is retried until the reconciler has
// re-queried the external system by the stored fingerprint.
func (o *Orchestrator) park(ctx context.Context, tx store.Transaction, from store.State, reason, detail string) {
	moved, err := o.ledger.Advance(ctx, tx.ID, from, store.StateNeedsReconciliation, store.Changes{
		FailureReason: &reason,
		Detail:        detail,
	})
	if err != nil {
		o.log.WithField("transaction_id", tx.ID).WithError(err).Error("failed to park transaction")
		return
	}
	o.log.WithFields(logrus.Fields{"transaction_id": tx.ID, "reason": reason}).
		Warn("transaction parked for reconciliation")
	o.emit(ctx, moved)
}

func (o *Orchestrator) emit(ctx context.Context, tx store.Transaction) {
	ev := events.Event{
		TransactionID: tx.ID,
		DepositID:     tx.DepositID,
		UserID:        tx.UserID,
		State:         string(tx.Status),
		Asset:         tx.Asset,
		AmountInCents: tx.AmountInCents,
		FailureReason: tx.FailureReason,
		OccurredAt:    time.Now().UTC(),
	}
	if tx.NetworkTxID != nil {
		ev.NetworkTxID = *tx.NetworkTxID
	}
	if err := o.dispatcher.Publish(ctx, ev); err != nil {
		// The audit trail already holds the durable record; event delivery
		// is best effort.
		o.log.WithField("transaction_id", tx.ID).WithError(err).Warn("event publish failed")
	}
}
