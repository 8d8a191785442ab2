package orchestrator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"pixbridge/internal/store"
)

// RunReconcileLoop periodically resolves parked transactions and re-drives
// stalled ones until ctx is cancelled. The Resume pass catches rows whose last
// in-run step failed after its transition committed, which webhook redelivery
// cannot reach because the event is already deduped.
func (o *Orchestrator) RunReconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Resume(ctx)
			o.Reconcile(ctx)
		}
	}
}

// Reconcile re-queries the external systems for every transaction in
// needs_reconciliation, using the stored request fingerprint, and either
// resumes the saga or leaves the transaction parked. It never guesses: a
// transaction moves only when an external system gives a definite answer.
func (o *Orchestrator) Reconcile(ctx context.Context) {
	txs, err := o.ledger.ListInStates(ctx, store.StateNeedsReconciliation)
	if err != nil {
		o.log.WithError(err).Error("reconcile: list failed")
		return
	}

	for _, tx := range txs {
		o.reconcileOne(ctx, tx)
	}
}

func (o *Orchestrator) reconcileOne(ctx context.Context, tx store.Transaction) {
	unlock := o.locks.lock(tx.DepositID)
	defer unlock()

	current, err := o.ledger.GetTransaction(ctx, tx.ID)
	if err != nil || current.Status != store.StateNeedsReconciliation {
		return
	}

	la := o.log.WithFields(logrus.Fields{
		"transaction_id": current.ID,
		"reason":         current.FailureReason,
	})

	switch current.FailureReason {
	case reasonBroadcastUnknown:
		o.reconcileBroadcast(ctx, la, current)
	case reasonChargeUnknown:
		o.reconcileCharge(ctx, la, current)
	case reasonAmountMismatch:
		// Requires operator action; there is nothing safe to re-query.
		la.Warn("amount mismatch awaiting manual resolution")
	default:
		la.Warn("parked transaction with unrecognized reason")
	}
}

// reconcileBroadcast asks the wallet daemon whether the broadcast identified
// by the stored settlement ref ever reached the network.
func (o *Orchestrator) reconcileBroadcast(ctx context.Context, la *logrus.Entry, tx store.Transaction) {
	if tx.SettlementRef == nil {
		la.Error("parked broadcast without settlement ref")
		return
	}

	txID, found, err := o.wallet.FindByRef(ctx, *tx.SettlementRef)
	if err != nil {
		la.WithError(err).Warn("broadcast lookup failed, will retry")
		return
	}

	if found {
		// The broadcast did go out: resume at settlement_submitted and let
		// the confirmation poller finish the saga.
		resumed, err := o.ledger.Advance(ctx, tx.ID, store.StateNeedsReconciliation, store.StateSettlementSubmitted, store.Changes{
			NetworkTxID: &txID,
			Detail:      "reconciled: broadcast found on network",
		})
		if err != nil {
			la.WithError(err).Error("resume after broadcast lookup")
			return
		}
		la.WithField("network_tx_id", txID).Info("broadcast reconciled, resuming")
		_ = resumed
		return
	}

	// Definitely never delivered: safe to settle again under the same ref
	// and the already locked rate.
	relocked, err := o.ledger.Advance(ctx, tx.ID, store.StateNeedsReconciliation, store.StateRateLocked, store.Changes{
		Detail: "reconciled: broadcast not found, re-settling",
	})
	if err != nil {
		la.WithError(err).Error("re-enter settlement")
		return
	}

	referrerAddr, _, err := o.ledger.ReferrerAddress(ctx, relocked.UserID)
	if err != nil {
		la.WithError(err).Error("referrer lookup during reconcile")
		return
	}
	if err := o.settle(ctx, relocked, referrerAddr); err != nil {
		la.WithError(err).Error("re-settle")
	}
}

// reconcileCharge re-queries the payment processor for a charge whose
// creation outcome was unknown.
func (o *Orchestrator) reconcileCharge(ctx context.Context, la *logrus.Entry, tx store.Transaction) {
	dep, err := o.ledger.GetDeposit(ctx, tx.DepositID)
	if err != nil {
		la.WithError(err).Error("deposit lookup during reconcile")
		return
	}
	if dep.ExternalID == nil {
		// The charge id was never recorded, so there is no fingerprint to
		// re-query. The charge, if created, will expire on the processor
		// side; fail the transaction so the user can retry.
		reason := reasonChargeUnknown
		failed, err := o.ledger.Advance(ctx, tx.ID, store.StateNeedsReconciliation, store.StatePaymentFailed, store.Changes{
			FailureReason: &reason,
			Detail:        "reconciled: charge id never recorded",
		})
		if err != nil {
			la.WithError(err).Error("fail unrecorded charge")
			return
		}
		o.emit(ctx, failed)
		return
	}

	status, err := o.payments.GetChargeStatus(ctx, *dep.ExternalID)
	if err != nil {
		la.WithError(err).Warn("charge status lookup failed, will retry")
		return
	}

	switch status.Status {
	case EventCompleted:
		if status.ValueInCents != tx.AmountInCents {
			la.WithField("value", status.ValueInCents).Warn("reconciled charge has mismatched amount")
			return
		}
		confirmed, err := o.ledger.Advance(ctx, tx.ID, store.StateNeedsReconciliation, store.StatePaymentConfirmed, store.Changes{
			BankTxID: &status.BankTxID,
			Detail:   "reconciled: charge confirmed by processor",
		})
		if err != nil {
			la.WithError(err).Error("resume confirmed charge")
			return
		}
		if err := o.ledger.UpdateDepositStatus(ctx, dep.ID, store.DepositConfirmed, "", ""); err != nil {
			la.WithError(err).Error("mark deposit confirmed")
		}
		if err := o.lockRateAndSettle(ctx, confirmed); err != nil {
			la.WithError(err).Error("settle reconciled charge")
		}
	case EventExpired, EventFailed:
		to := store.StatePaymentExpired
		depositStatus := store.DepositExpired
		if status.Status == EventFailed {
			to = store.StatePaymentFailed
			depositStatus = store.DepositFailed
		}
		moved, err := o.ledger.Advance(ctx, tx.ID, store.StateNeedsReconciliation, to, store.Changes{
			Detail: "reconciled: charge " + status.Status,
		})
		if err != nil {
			la.WithError(err).Error("close reconciled charge")
			return
		}
		if err := o.ledger.UpdateDepositStatus(ctx, dep.ID, depositStatus, "", ""); err != nil {
			la.WithError(err).Error("mark deposit " + depositStatus)
		}
		o.emit(ctx, moved)
	default:
		// Still pending on the processor side; stay parked.
	}
}

// Resume re-drives every non-terminal transaction after a restart, working
// purely from the store. settlement_submitted rows with a recorded network
// tx id are picked up by the confirmation poller; created rows predate their
// charge resolution and park for reconciliation; the rest re-enter the saga
// where the last committed transition left them.
func (o *Orchestrator) Resume(ctx context.Context) {
	txs, err := o.ledger.ListInStates(ctx,
		store.StateCreated, store.StatePaymentConfirmed, store.StateRateLocked, store.StateSettlementSubmitted)
	if err != nil {
		o.log.WithError(err).Error("resume: list failed")
		return
	}

	for _, tx := range txs {
		o.resumeOne(ctx, tx)
	}
}

func (o *Orchestrator) resumeOne(ctx context.Context, tx store.Transaction) {
	unlock := o.locks.lock(tx.DepositID)
	defer unlock()

	current, err := o.ledger.GetTransaction(ctx, tx.ID)
	if err != nil {
		return
	}

	la := o.log.WithFields(logrus.Fields{"transaction_id": current.ID, "state": current.Status})

	switch current.Status {
	case store.StateCreated:
		// The process died between committing the intent and resolving the
		// charge call. Same ambiguity as an in-run timeout: park it and let
		// the reconciler query the processor by the recorded charge id.
		o.park(ctx, current, store.StateCreated, reasonChargeUnknown,
			"restart found transaction before charge resolution")
	case store.StatePaymentConfirmed:
		la.Info("resuming from payment_confirmed")
		if err := o.lockRateAndSettle(ctx, current); err != nil {
			la.WithError(err).Error("resume settlement")
		}
	case store.StateRateLocked:
		// A crash landed between rate lock and submission. The rate and fee
		// are already persisted; re-enter settlement.
		la.Info("resuming from rate_locked")
		referrerAddr, _, err := o.ledger.ReferrerAddress(ctx, current.UserID)
		if err != nil {
			la.WithError(err).Error("referrer lookup during resume")
			return
		}
		if err := o.settle(ctx, current, referrerAddr); err != nil {
			la.WithError(err).Error("resume broadcast")
		}
	case store.StateSettlementSubmitted:
		if current.NetworkTxID == nil {
			// Intent was committed but no broadcast id recorded: the call
			// may or may not have gone out. Park it for the reconciler.
			o.park(ctx, current, store.StateSettlementSubmitted, reasonBroadcastUnknown,
				"restart found submission without network tx id")
		}
	}
}
