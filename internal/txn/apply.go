package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/savane-labs/backend-pay/internal/obs"
)

// Outcome describes what an Apply call did.
type Outcome string

const (
	// OutcomeApplied means the stored status advanced to the new status.
	OutcomeApplied Outcome = "applied"
	// OutcomeStale means the update would have regressed state and was
	// ignored. An expected race result, not an error.
	OutcomeStale Outcome = "stale"
	// OutcomeTerminal means the transaction was already in a terminal state.
	OutcomeTerminal Outcome = "already_terminal"
)

// Result reports the outcome and the status stored after the call.
type Result struct {
	Outcome Outcome
	Status  Status
}

// Terminal reports whether the transaction is now in a terminal state,
// regardless of which caller put it there.
func (r Result) Terminal() bool { return r.Status.IsTerminal() }

// ErrNotFound is returned when the transaction id is unknown.
var ErrNotFound = errors.New("txn: transaction not found")

// ApplyStore is the record-store surface the engine writes through.
type ApplyStore interface {
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	// CompareAndSwapStatus atomically advances the status only if the stored
	// value still equals from. Returns false when another writer won.
	CompareAndSwapStatus(ctx context.Context, id string, from, to Status) (bool, error)
	// AppendEvent records one applied status change in the transaction's
	// append-only history together with any provider echo data.
	AppendEvent(ctx context.Context, id string, status Status, echo map[string]string) error
}

// Notifier observes transactions reaching a terminal state.
type Notifier interface {
	TransactionTerminal(ctx context.Context, tx Transaction)
}

// Engine is the single idempotent writer for normalized status updates.
// Webhook delivery and polling both funnel through Apply, so duplicate and
// out-of-order events cannot corrupt state.
type Engine struct {
	Store    ApplyStore
	Notifier Notifier
	Logger   zerolog.Logger
}

// applyAttempts bounds the CAS retry loop; contention on a single
// transaction is two writers at most (webhook vs poll).
const applyAttempts = 4

// Apply advances the transaction to next if and only if next is newer under
// the partial order. Safe to call any number of times, in any order.
func (e *Engine) Apply(ctx context.Context, id string, next Status, echo map[string]string) (Result, error) {
	if e == nil || e.Store == nil {
		return Result{}, errors.New("txn: apply engine not configured")
	}
	if !next.Valid() {
		return Result{}, fmt.Errorf("txn: invalid status %q", next)
	}

	for attempt := 0; attempt < applyAttempts; attempt++ {
		current, err := e.Store.GetTransaction(ctx, id)
		if err != nil {
			return Result{}, err
		}
		if current.Status.IsTerminal() {
			return Result{Outcome: OutcomeTerminal, Status: current.Status}, nil
		}
		if !CanTransition(current.Status, next) {
			e.Logger.Debug().
				Str("transaction_id", id).
				Str("current", string(current.Status)).
				Str("incoming", string(next)).
				Msg("stale transition ignored")
			if obs.StaleTransitionTotal != nil {
				obs.StaleTransitionTotal.WithLabelValues(current.Provider).Inc()
			}
			return Result{Outcome: OutcomeStale, Status: current.Status}, nil
		}

		swapped, err := e.Store.CompareAndSwapStatus(ctx, id, current.Status, next)
		if err != nil {
			return Result{}, err
		}
		if !swapped {
			// lost the race, re-read and re-decide
			continue
		}
		if err := e.Store.AppendEvent(ctx, id, next, echo); err != nil {
			e.Logger.Error().Err(err).Str("transaction_id", id).Msg("append status event")
		}
		if next.IsTerminal() && e.Notifier != nil {
			current.Status = next
			e.Notifier.TransactionTerminal(ctx, current)
		}
		return Result{Outcome: OutcomeApplied, Status: next}, nil
	}
	return Result{}, fmt.Errorf("txn: apply contention on transaction %s", id)
}
