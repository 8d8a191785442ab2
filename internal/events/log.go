package events

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogDispatcher writes events to the structured log. Used when no broker is
// configured; the audit trail in the store remains the durable record.
type LogDispatcher struct {
	log *logrus.Logger
}

func NewLogDispatcher(log *logrus.Logger) *LogDispatcher {
	return &LogDispatcher{log: log}
}

func (d *LogDispatcher) Publish(_ context.Context, ev Event) error {
	d.log.WithFields(logrus.Fields{
		"transaction_id": ev.TransactionID,
		"state":          ev.State,
		"network_tx_id":  ev.NetworkTxID,
		"failure_reason": ev.FailureReason,
	}).Info("transaction event")
	return nil
}
