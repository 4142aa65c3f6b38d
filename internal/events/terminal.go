package events

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/savane-labs/backend-pay/internal/txn"
)

// TerminalEmitter bridges the state engine to the event bus. It emits one
// integration event when a transaction reaches its terminal state; the engine
// guarantees it is invoked at most once per transaction.
type TerminalEmitter struct {
	Bus    *Bus
	Logger zerolog.Logger
}

type terminalPayload struct {
	TransactionID      string `json:"transactionId"`
	MerchantID         string `json:"merchantId"`
	OrgID              string `json:"orgId,omitempty"`
	Provider           string `json:"provider"`
	Status             string `json:"status"`
	Amount             string `json:"amount"`
	Currency           string `json:"currency"`
	SettlementAmount   string `json:"settlementAmount,omitempty"`
	SettlementCurrency string `json:"settlementCurrency,omitempty"`
}

// TransactionTerminal implements txn.Notifier.
func (t TerminalEmitter) TransactionTerminal(ctx context.Context, tx txn.Transaction) {
	if t.Bus == nil {
		return
	}
	topic := topicFor(tx.Status)
	if topic == "" {
		return
	}
	payload := terminalPayload{
		TransactionID: tx.ID,
		MerchantID:    tx.MerchantID,
		OrgID:         tx.OrgID,
		Provider:      tx.Provider,
		Status:        string(tx.Status),
		Amount:        tx.Amount.String(),
		Currency:      tx.Currency,
	}
	if tx.SettlementCurrency != "" {
		payload.SettlementAmount = tx.SettlementAmount.String()
		payload.SettlementCurrency = tx.SettlementCurrency
	}
	if _, err := t.Bus.Emit(ctx, topic, tx.ID, payload); err != nil {
		t.Logger.Error().Err(err).
			Str("transaction_id", tx.ID).
			Str("topic", topic).
			Msg("emit terminal event")
	}
}

func topicFor(status txn.Status) string {
	switch status {
	case txn.StatusSucceeded:
		return TopicTransactionSucceeded
	case txn.StatusCancelled:
		return TopicTransactionCancelled
	case txn.StatusRefunded:
		return TopicTransactionRefunded
	default:
		return ""
	}
}
