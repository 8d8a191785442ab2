package orchestrator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"pixbridge/internal/store"
)

// RunConfirmationLoop polls the wallet gateway for confirmation depth on
// broadcast settlements until ctx is cancelled.
func (o *Orchestrator) RunConfirmationLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.pollConfirmations(ctx)
		}
	}
}

func (o *Orchestrator) pollConfirmations(ctx context.Context) {
	txs, err := o.ledger.ListInStates(ctx, store.StateSettlementSubmitted)
	if err != nil {
		o.log.WithError(err).Error("confirmation poll: list failed")
		return
	}

	for _, tx := range txs {
		if tx.NetworkTxID == nil {
			// Broadcast never recorded an id; the reconciler owns it.
			continue
		}
		o.checkConfirmation(ctx, tx)
	}
}

func (o *Orchestrator) checkConfirmation(ctx context.Context, tx store.Transaction) {
	unlock := o.locks.lock(tx.DepositID)
	defer unlock()

	current, err := o.ledger.GetTransaction(ctx, tx.ID)
	if err != nil || current.Status != store.StateSettlementSubmitted {
		return
	}

	depth, err := o.wallet.Confirmations(ctx, *current.NetworkTxID)
	if err != nil {
		// A failed or timed-out confirmation check never fails the state:
		// a broadcast transaction may confirm late. Re-poll next round.
		o.log.WithField("transaction_id", current.ID).WithError(err).
			Warn("confirmation check failed, will re-poll")
		return
	}
	if depth < o.cfg.ConfirmationDepth {
		return
	}

	confirmed, err := o.ledger.Advance(ctx, current.ID, store.StateSettlementSubmitted, store.StateSettlementConfirmed,
		store.Changes{Detail: "settlement confirmed"})
	if err != nil {
		o.log.WithField("transaction_id", current.ID).WithError(err).Error("record settlement confirmation")
		return
	}

	completed, err := o.ledger.Advance(ctx, confirmed.ID, store.StateSettlementConfirmed, store.StateCompleted,
		store.Changes{Detail: "fee accounting finalized"})
	if err != nil {
		o.log.WithField("transaction_id", confirmed.ID).WithError(err).Error("record completion")
		return
	}

	o.log.WithFields(logrus.Fields{
		"transaction_id": completed.ID,
		"network_tx_id":  *completed.NetworkTxID,
		"confirmations":  depth,
	}).Info("transaction completed")
	o.emit(ctx, completed)
}

// RunExpirySweep expires deposits whose payment confirmation never arrived
// within the configured timeout.
func (o *Orchestrator) RunExpirySweep(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweepExpired(ctx)
		}
	}
}

func (o *Orchestrator) sweepExpired(ctx context.Context) {
	cutoff := time.Now().Add(-o.cfg.PaymentTimeout)
	txs, err := o.ledger.ListPendingOlderThan(ctx, cutoff)
	if err != nil {
		o.log.WithError(err).Error("expiry sweep: list failed")
		return
	}

	for _, tx := range txs {
		unlock := o.locks.lock(tx.DepositID)

		reason := reasonPaymentTimeout
		expired, err := o.ledger.Advance(ctx, tx.ID, store.StatePaymentPending, store.StatePaymentExpired, store.Changes{
			FailureReason: &reason,
			Detail:        "no confirmation within payment timeout",
		})
		if err == nil {
			if derr := o.ledger.UpdateDepositStatus(ctx, tx.DepositID, store.DepositExpired, "", ""); derr != nil {
				o.log.WithField("deposit_id", tx.DepositID).WithError(derr).Error("mark deposit expired")
			}
			o.emit(ctx, expired)
		}

		unlock()
	}
}
