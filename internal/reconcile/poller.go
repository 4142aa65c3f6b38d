package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/savane-labs/backend-pay/internal/lock"
	"github.com/savane-labs/backend-pay/internal/obs"
	"github.com/savane-labs/backend-pay/internal/provider"
	"github.com/savane-labs/backend-pay/internal/queue"
	"github.com/savane-labs/backend-pay/internal/txn"
)

// TaskKindPoll is the queue kind carrying provider status probes.
const TaskKindPoll = "poll-provider-status"

type pollPayload struct {
	TransactionID string `json:"transaction_id"`
}

// PollStore is the subset of the record store the poller needs.
type PollStore interface {
	GetTransaction(ctx context.Context, id string) (txn.Transaction, error)
	ListOpenTransactions(ctx context.Context, limit int) ([]txn.Transaction, error)
}

// Poller drives queue-based reconciliation: each open transaction carries a
// delayed probe task that fetches the provider status, funnels it through the
// state engine and reschedules itself until the transaction is terminal or
// its polling window elapses.
type Poller struct {
	Store     PollStore
	Providers provider.Registry
	Engine    *txn.Engine
	Locker    lock.Locker
	LockTTL   time.Duration
	Enqueuer  queue.Enqueuer
	Interval  time.Duration
	Window    time.Duration
	// MaxAttempts bounds redelivery of a single probe task; a fresh probe is
	// scheduled after each successful handle regardless.
	MaxAttempts int
	Logger      zerolog.Logger
}

// Schedule enqueues the first probe for a transaction.
func (p Poller) Schedule(ctx context.Context, transactionID string) error {
	return p.schedule(ctx, transactionID, p.interval())
}

// SeedOpen re-enqueues probes for every open transaction. Called on worker
// startup so in-flight payments survive restarts.
func (p Poller) SeedOpen(ctx context.Context) error {
	open, err := p.Store.ListOpenTransactions(ctx, 0)
	if err != nil {
		return fmt.Errorf("reconcile: seed open transactions: %w", err)
	}
	for _, tx := range open {
		if err := p.schedule(ctx, tx.ID, p.interval()); err != nil {
			return err
		}
	}
	if len(open) > 0 {
		p.Logger.Info().Int("count", len(open)).Msg("reseeded open transactions for polling")
	}
	return nil
}

// HandleTask processes one probe. Returning an error hands the task to the
// queue's retry policy; nil acknowledges it (possibly after rescheduling a
// fresh probe).
func (p Poller) HandleTask(ctx context.Context, task queue.Task) error {
	var payload pollPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		p.Logger.Error().Err(err).Msg("poll task payload undecodable")
		return nil
	}

	tx, err := p.Store.GetTransaction(ctx, payload.TransactionID)
	if err != nil {
		if errors.Is(err, txn.ErrNotFound) {
			p.Logger.Warn().Str("transaction_id", payload.TransactionID).Msg("poll task for unknown transaction")
			return nil
		}
		return err
	}
	if tx.Status.IsTerminal() {
		return nil
	}
	if time.Since(tx.CreatedAt) > p.window() {
		// The window elapsed without a terminal observation. The transaction
		// stays as-is; a later webhook can still settle it.
		if obs.PollWindowElapsedTotal != nil {
			obs.PollWindowElapsedTotal.Inc()
		}
		p.Logger.Warn().
			Str("transaction_id", tx.ID).
			Str("provider", tx.Provider).
			Str("status", string(tx.Status)).
			Msg("polling window elapsed, leaving transaction open")
		return nil
	}

	client, ok := p.Providers.Get(tx.Provider)
	if !ok {
		p.Logger.Error().Str("provider", tx.Provider).Str("transaction_id", tx.ID).Msg("no client for provider")
		return nil
	}

	status, err := client.FetchStatus(ctx, tx.ProviderSessionID)
	if err != nil {
		p.count(tx.Provider, errResult(err))
		p.Logger.Warn().Err(err).
			Str("transaction_id", tx.ID).
			Str("provider", tx.Provider).
			Msg("status probe failed, rescheduling")
		return p.schedule(ctx, tx.ID, p.interval())
	}

	next, err := txn.Normalize(status.Status)
	if err != nil {
		p.count(tx.Provider, "unmapped_status")
		p.Logger.Error().Err(err).
			Str("transaction_id", tx.ID).
			Str("provider", tx.Provider).
			Msg("unmapped native status in poll")
		return p.schedule(ctx, tx.ID, p.interval())
	}

	echo := map[string]string{
		"source":        "poll",
		"native_status": status.Status.Token(),
	}
	for k, v := range status.Echo {
		echo[k] = v
	}

	var result txn.Result
	err = p.Locker.WithLock(ctx, lock.TransactionKey(tx.ID), p.LockTTL, func(ctx context.Context) error {
		var applyErr error
		result, applyErr = p.Engine.Apply(ctx, tx.ID, next, echo)
		return applyErr
	})
	if err != nil {
		return err
	}
	p.count(tx.Provider, string(result.Outcome))
	if result.Terminal() {
		return nil
	}
	return p.schedule(ctx, tx.ID, p.interval())
}

func (p Poller) schedule(ctx context.Context, transactionID string, delay time.Duration) error {
	payload, err := json.Marshal(pollPayload{TransactionID: transactionID})
	if err != nil {
		return err
	}
	return p.Enqueuer.Enqueue(ctx, queue.Task{
		Kind:        TaskKindPoll,
		Payload:     payload,
		Delay:       delay,
		MaxAttempts: p.maxAttempts(),
	})
}

func (p Poller) maxAttempts() int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return 5
}

func (p Poller) interval() time.Duration {
	if p.Interval > 0 {
		return p.Interval
	}
	return 5 * time.Second
}

func (p Poller) window() time.Duration {
	if p.Window > 0 {
		return p.Window
	}
	return 30 * time.Minute
}

func (p Poller) count(providerKey, result string) {
	if obs.PollTotal != nil {
		obs.PollTotal.WithLabelValues(providerKey, result).Inc()
	}
}

func errResult(err error) string {
	switch {
	case provider.IsKind(err, provider.KindTransport):
		return "transport_error"
	case provider.IsKind(err, provider.KindRejected):
		return "rejected"
	case provider.IsKind(err, provider.KindMalformed):
		return "malformed_response"
	default:
		return "error"
	}
}
