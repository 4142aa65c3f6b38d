package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/savane-labs/backend-pay/internal/currency"
	"github.com/savane-labs/backend-pay/internal/txn"
)

// Store is the pgx-backed record store. It is the only package issuing SQL;
// everything above it consumes narrow interfaces.
type Store struct {
	Pool *pgxpool.Pool
}

// New wraps a connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

// ErrNoRate is returned when no authoritative rate observation exists.
var ErrNoRate = errors.New("store: no rate observation for pair")

const transactionColumns = `
	id, merchant_id, org_id, payer_id,
	amount::text, currency, provider, provider_session_id, status,
	COALESCE(settlement_amount::text, ''), COALESCE(settlement_currency, ''),
	metadata, created_at, updated_at`

// CreateTransaction persists a new canonical transaction record.
func (s *Store) CreateTransaction(ctx context.Context, tx txn.Transaction) error {
	meta, err := encodeMeta(tx.Metadata)
	if err != nil {
		return fmt.Errorf("store: encode metadata: %w", err)
	}
	var settlementAmount any
	var settlementCurrency any
	if tx.SettlementCurrency != "" {
		settlementAmount = tx.SettlementAmount.String()
		settlementCurrency = tx.SettlementCurrency
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO transactions (
			id, merchant_id, org_id, payer_id, amount, currency,
			provider, provider_session_id, status,
			settlement_amount, settlement_currency, metadata
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10::numeric, $11, $12::jsonb)`,
		tx.ID, tx.MerchantID, tx.OrgID, tx.PayerID, tx.Amount.String(), tx.Currency,
		tx.Provider, tx.ProviderSessionID, string(tx.Status),
		settlementAmount, settlementCurrency, meta,
	)
	if err != nil {
		return fmt.Errorf("store: create transaction: %w", err)
	}
	return nil
}

// GetTransaction loads one transaction by platform id.
func (s *Store) GetTransaction(ctx context.Context, id string) (txn.Transaction, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

// GetTransactionByProviderSession resolves the transaction currently bound to
// a provider session id.
func (s *Store) GetTransactionByProviderSession(ctx context.Context, providerID, sessionID string) (txn.Transaction, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE provider = $1 AND provider_session_id = $2`,
		providerID, sessionID)
	return scanTransaction(row)
}

// ListOpenTransactions returns transactions not yet in a terminal state,
// oldest first, for reconciliation re-seeding after a restart.
func (s *Store) ListOpenTransactions(ctx context.Context, limit int) ([]txn.Transaction, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status IN ('pending', 'processing')
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list open transactions: %w", err)
	}
	defer rows.Close()
	var out []txn.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// CompareAndSwapStatus implements txn.ApplyStore: the status advances only if
// the stored value still equals from.
func (s *Store) CompareAndSwapStatus(ctx context.Context, id string, from, to txn.Status) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE transactions SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("store: cas status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendEvent records one applied status change in the append-only history.
func (s *Store) AppendEvent(ctx context.Context, id string, status txn.Status, echo map[string]string) error {
	payload, err := encodeMeta(echo)
	if err != nil {
		return fmt.Errorf("store: encode echo: %w", err)
	}
	_, err = s.Pool.Exec(ctx,
		`INSERT INTO transaction_events (transaction_id, status, echo) VALUES ($1, $2, $3::jsonb)`,
		id, string(status), payload)
	if err != nil {
		return fmt.Errorf("store: append event: %w", err)
	}
	return nil
}

// TransactionEvent is one row of a transaction's status history.
type TransactionEvent struct {
	Status    txn.Status        `json:"status"`
	Echo      map[string]string `json:"echo,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// ListEvents returns the status history for a transaction, oldest first.
func (s *Store) ListEvents(ctx context.Context, id string) ([]TransactionEvent, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT status, echo, created_at FROM transaction_events WHERE transaction_id = $1 ORDER BY created_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()
	var out []TransactionEvent
	for rows.Next() {
		var ev TransactionEvent
		var status string
		var echo []byte
		if err := rows.Scan(&status, &echo, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		ev.Status = txn.Status(status)
		if len(echo) > 0 {
			_ = json.Unmarshal(echo, &ev.Echo)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MergeMetadata folds the given keys into the transaction's metadata map.
func (s *Store) MergeMetadata(ctx context.Context, id string, meta map[string]string) error {
	if len(meta) == 0 {
		return nil
	}
	payload, err := encodeMeta(meta)
	if err != nil {
		return fmt.Errorf("store: encode metadata: %w", err)
	}
	_, err = s.Pool.Exec(ctx,
		`UPDATE transactions SET metadata = metadata || $2::jsonb, updated_at = now() WHERE id = $1`,
		id, payload)
	if err != nil {
		return fmt.Errorf("store: merge metadata: %w", err)
	}
	return nil
}

// SwapProviderSession atomically replaces the active provider session and the
// settlement figures tied to it. History stays in metadata and events; the
// original merchant amount and currency are never touched.
func (s *Store) SwapProviderSession(ctx context.Context, id, sessionID string, settlementAmount decimal.Decimal, settlementCurrency string, meta map[string]string) error {
	payload, err := encodeMeta(meta)
	if err != nil {
		return fmt.Errorf("store: encode metadata: %w", err)
	}
	tag, err := s.Pool.Exec(ctx, `
		UPDATE transactions SET
			provider_session_id = $2,
			settlement_amount = $3::numeric,
			settlement_currency = $4,
			metadata = metadata || $5::jsonb,
			updated_at = now()
		WHERE id = $1 AND status NOT IN ('succeeded', 'cancelled', 'refunded')`,
		id, sessionID, settlementAmount.String(), settlementCurrency, payload)
	if err != nil {
		return fmt.Errorf("store: swap provider session: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return txn.ErrNotFound
	}
	return nil
}

// AuthoritativeRate implements currency.RateSource. The rate is resolved
// server-side and every lookup leaves a provenance row for audit.
func (s *Store) AuthoritativeRate(ctx context.Context, from, to string, audit currency.Audit) (currency.Rate, error) {
	dbtx, err := s.Pool.Begin(ctx)
	if err != nil {
		return currency.Rate{}, fmt.Errorf("store: begin rate lookup: %w", err)
	}
	defer func() { _ = dbtx.Rollback(ctx) }()

	var rateText, inverseText string
	var fetchedAt time.Time
	err = dbtx.QueryRow(ctx,
		`SELECT rate::text, inverse_rate::text, fetched_at FROM fx_authoritative_rate($1, $2)`,
		from, to).Scan(&rateText, &inverseText, &fetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return currency.Rate{}, ErrNoRate
	}
	if err != nil {
		return currency.Rate{}, fmt.Errorf("store: authoritative rate: %w", err)
	}
	rate, err := decimal.NewFromString(rateText)
	if err != nil {
		return currency.Rate{}, fmt.Errorf("store: parse rate: %w", err)
	}
	inverse, err := decimal.NewFromString(inverseText)
	if err != nil {
		return currency.Rate{}, fmt.Errorf("store: parse inverse rate: %w", err)
	}

	_, err = dbtx.Exec(ctx, `
		INSERT INTO conversion_audit (merchant_id, org_id, kind, reference_id, from_currency, to_currency, rate)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric)`,
		audit.MerchantID, audit.OrgID, audit.Kind, audit.ReferenceID, from, to, rateText)
	if err != nil {
		return currency.Rate{}, fmt.Errorf("store: record conversion audit: %w", err)
	}
	if err := dbtx.Commit(ctx); err != nil {
		return currency.Rate{}, fmt.Errorf("store: commit rate lookup: %w", err)
	}
	return currency.Rate{From: from, To: to, Rate: rate, InverseRate: inverse, FetchedAt: fetchedAt}, nil
}

// InsertRate appends a rate observation. History is never updated in place.
func (s *Store) InsertRate(ctx context.Context, rate currency.Rate) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO conversion_rates (from_currency, to_currency, rate, inverse_rate)
		VALUES ($1, $2, $3::numeric, $4::numeric)`,
		rate.From, rate.To, rate.Rate.String(), rate.InverseRate.String())
	if err != nil {
		return fmt.Errorf("store: insert rate: %w", err)
	}
	return nil
}

// MerchantProvider is a merchant's enrollment with one payment provider.
type MerchantProvider struct {
	MerchantID         string
	Provider           string
	ProviderMerchantID string
	Connected          bool
	WebhookSecret      string
}

// ErrNotOnboarded is returned when a merchant has no active enrollment with
// the requested provider.
var ErrNotOnboarded = errors.New("store: merchant not onboarded with provider")

// GetMerchantProvider loads the merchant's enrollment settings for a provider.
func (s *Store) GetMerchantProvider(ctx context.Context, merchantID, providerID string) (MerchantProvider, error) {
	var mp MerchantProvider
	err := s.Pool.QueryRow(ctx, `
		SELECT merchant_id, provider, provider_merchant_id, connected, webhook_secret
		FROM merchant_providers WHERE merchant_id = $1 AND provider = $2`,
		merchantID, providerID).
		Scan(&mp.MerchantID, &mp.Provider, &mp.ProviderMerchantID, &mp.Connected, &mp.WebhookSecret)
	if errors.Is(err, pgx.ErrNoRows) {
		return MerchantProvider{}, ErrNotOnboarded
	}
	if err != nil {
		return MerchantProvider{}, fmt.Errorf("store: get merchant provider: %w", err)
	}
	return mp, nil
}

// DomainEvent is a persisted integration event.
type DomainEvent struct {
	ID          string
	Topic       string
	AggregateID string
	Payload     []byte
	OccurredAt  time.Time
}

// InsertDomainEvent persists an integration event and returns the stored row.
func (s *Store) InsertDomainEvent(ctx context.Context, topic, aggregateID string, payload []byte) (DomainEvent, error) {
	ev := DomainEvent{Topic: topic, AggregateID: aggregateID, Payload: payload}
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO domain_events (topic, aggregate_id, payload)
		VALUES ($1, $2, $3::jsonb)
		RETURNING id, occurred_at`,
		topic, aggregateID, payload).Scan(&ev.ID, &ev.OccurredAt)
	if err != nil {
		return DomainEvent{}, fmt.Errorf("store: insert domain event: %w", err)
	}
	return ev, nil
}

func encodeMeta(meta map[string]string) ([]byte, error) {
	if len(meta) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(meta)
}

func scanTransaction(row pgx.Row) (txn.Transaction, error) {
	var tx txn.Transaction
	var amount, status, settlementAmount string
	var meta []byte
	err := row.Scan(
		&tx.ID, &tx.MerchantID, &tx.OrgID, &tx.PayerID,
		&amount, &tx.Currency, &tx.Provider, &tx.ProviderSessionID, &status,
		&settlementAmount, &tx.SettlementCurrency,
		&meta, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return txn.Transaction{}, txn.ErrNotFound
	}
	if err != nil {
		return txn.Transaction{}, fmt.Errorf("store: scan transaction: %w", err)
	}
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return txn.Transaction{}, fmt.Errorf("store: parse amount: %w", err)
	}
	if settlementAmount != "" {
		if tx.SettlementAmount, err = decimal.NewFromString(settlementAmount); err != nil {
			return txn.Transaction{}, fmt.Errorf("store: parse settlement amount: %w", err)
		}
	}
	tx.Status = txn.Status(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &tx.Metadata); err != nil {
			return txn.Transaction{}, fmt.Errorf("store: decode metadata: %w", err)
		}
	}
	return tx, nil
}
