package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/savane-labs/backend-pay/internal/common"
	"github.com/savane-labs/backend-pay/internal/currency"
	"github.com/savane-labs/backend-pay/internal/events"
	"github.com/savane-labs/backend-pay/internal/obs"
	"github.com/savane-labs/backend-pay/internal/provider"
	"github.com/savane-labs/backend-pay/internal/store"
	"github.com/savane-labs/backend-pay/internal/txn"
)

// Store is the persistence surface the checkout service depends on.
type Store interface {
	CreateTransaction(ctx context.Context, tx txn.Transaction) error
	GetTransaction(ctx context.Context, id string) (txn.Transaction, error)
	GetMerchantProvider(ctx context.Context, merchantID, providerID string) (store.MerchantProvider, error)
	SwapProviderSession(ctx context.Context, id, sessionID string, settlementAmount decimal.Decimal, settlementCurrency string, meta map[string]string) error
	ListEvents(ctx context.Context, id string) ([]store.TransactionEvent, error)
}

// Scheduler enqueues reconciliation probes for new checkout sessions.
type Scheduler interface {
	Schedule(ctx context.Context, transactionID string) error
}

// CreateRequest describes a merchant's checkout creation call. Amount and
// Currency are what the merchant priced; conversion to the provider currency
// is the platform's responsibility.
type CreateRequest struct {
	MerchantID  string
	OrgID       string
	PayerID     string
	Amount      decimal.Decimal
	Currency    string
	Provider    string
	PayCurrency string
	SuccessURL  string
	CancelURL   string
	Description string
	Metadata    map[string]string
}

// Checkout is a created checkout session together with what the payer must be
// shown to complete it.
type Checkout struct {
	Transaction txn.Transaction
	Target      provider.DisplayTarget
	RateSource  currency.Source
}

// Service orchestrates checkout creation: enrollment checks, currency
// conversion, provider session creation and persistence.
type Service struct {
	Store     Store
	Providers provider.Registry
	Converter *currency.Converter
	Scheduler Scheduler
	Bus       *events.Bus
	// SettlementCurrency is quoted to the provider when the merchant does not
	// name a preferred pay currency.
	SettlementCurrency string
	CallbackBase       string
	Logger             zerolog.Logger
}

// Create builds a provider checkout session from the merchant's amount and
// currency. The stored transaction always preserves the original figures; the
// converted settlement amount lives alongside them.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Checkout, error) {
	providerKey := strings.ToLower(strings.TrimSpace(req.Provider))
	client, ok := s.Providers.Get(providerKey)
	if !ok {
		s.count(providerKey, "unsupported_provider")
		return Checkout{}, common.NewAppError("PROVIDER_NOT_SUPPORTED", "unknown provider", http.StatusBadRequest, nil)
	}

	enrollment, err := s.Store.GetMerchantProvider(ctx, req.MerchantID, providerKey)
	if err != nil {
		if errors.Is(err, store.ErrNotOnboarded) {
			s.count(providerKey, "not_onboarded")
			return Checkout{}, common.NewAppError(common.CodeProviderNotOnboarded, "merchant is not enrolled with this provider", http.StatusConflict, err)
		}
		return Checkout{}, err
	}
	if !enrollment.Connected {
		s.count(providerKey, "not_onboarded")
		return Checkout{}, common.NewAppError(common.CodeProviderNotOnboarded, "merchant enrollment is disabled", http.StatusConflict, nil)
	}

	from := currency.Normalize(req.Currency)
	target := currency.Normalize(req.PayCurrency)
	if target == "" {
		target = currency.Normalize(s.SettlementCurrency)
	}
	if target == "" {
		target = from
	}

	id := uuid.NewString()
	audit := currency.Audit{MerchantID: req.MerchantID, OrgID: req.OrgID, Kind: "checkout", ReferenceID: id}
	conv := s.Converter.Convert(ctx, req.Amount, from, target, audit)
	if conv.Unconverted {
		s.count(providerKey, "conversion_unavailable")
		return Checkout{}, common.NewAppError(common.CodeConversionUnavailable, fmt.Sprintf("no conversion path from %s to %s", from, target), http.StatusUnprocessableEntity, nil)
	}

	clientRef := fmt.Sprintf("%s-%d", req.MerchantID, time.Now().UnixNano())
	sessionReq := provider.CreateSessionRequest{
		ClientRef:   clientRef,
		Amount:      conv.Amount,
		Currency:    target,
		PayCurrency: target,
		SuccessURL:  req.SuccessURL,
		CancelURL:   req.CancelURL,
		CallbackURL: s.callbackURL(providerKey),
		Description: req.Description,
	}
	session, err := client.CreateSession(ctx, sessionReq)
	if err != nil && provider.IsKind(err, provider.KindRejected) && conv.Source != currency.SourceAuthoritative && conv.Source != currency.SourceIdentity {
		// The provider may have refused a price computed from a cached or
		// static rate. Retry once with a fresh authoritative conversion.
		fresh := s.Converter.ConvertAuthoritative(ctx, req.Amount, from, target, audit)
		if !fresh.Unconverted {
			conv = fresh
			sessionReq.Amount = conv.Amount
			session, err = client.CreateSession(ctx, sessionReq)
		}
	}
	if err != nil {
		return Checkout{}, s.providerError(providerKey, err)
	}

	meta := txn.NamespaceMeta(txn.MetaCaller, req.Metadata)
	meta[txn.MetaAudit+".client_ref"] = clientRef
	meta[txn.MetaAudit+".rate_source"] = string(conv.Source)
	if !conv.Rate.IsZero() {
		meta[txn.MetaAudit+".rate"] = conv.Rate.String()
	}
	if session.Target.PayAddress != "" {
		meta[txn.MetaProvider+".pay_address"] = session.Target.PayAddress
	}

	now := time.Now().UTC()
	tx := txn.Transaction{
		ID:                 id,
		MerchantID:         req.MerchantID,
		OrgID:              req.OrgID,
		PayerID:            req.PayerID,
		Amount:             req.Amount,
		Currency:           from,
		Provider:           providerKey,
		ProviderSessionID:  session.RemoteID,
		Status:             txn.StatusPending,
		SettlementAmount:   conv.Amount,
		SettlementCurrency: target,
		Metadata:           meta,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.Store.CreateTransaction(ctx, tx); err != nil {
		return Checkout{}, err
	}

	if s.Scheduler != nil {
		if err := s.Scheduler.Schedule(ctx, id); err != nil {
			s.Logger.Error().Err(err).Str("transaction_id", id).Msg("schedule reconciliation probe")
		}
	}
	s.emit(ctx, events.TopicTransactionCreated, tx)
	s.count(providerKey, "created")

	return Checkout{Transaction: tx, Target: session.Target, RateSource: conv.Source}, nil
}

// SwitchCurrency re-prices a pending checkout in a new settlement currency.
// The conversion always starts from the original merchant amount, never from
// a previously converted figure, so repeated switches cannot compound error.
func (s *Service) SwitchCurrency(ctx context.Context, id, newCurrency string) (Checkout, error) {
	tx, err := s.Store.GetTransaction(ctx, id)
	if err != nil {
		return Checkout{}, err
	}
	providerKey := tx.Provider
	if tx.Status != txn.StatusPending {
		s.countSwitch(providerKey, "not_pending")
		return Checkout{}, common.NewAppError("CHECKOUT_NOT_PENDING", "currency can only change before payment starts", http.StatusConflict, nil)
	}
	client, ok := s.Providers.Get(providerKey)
	if !ok {
		return Checkout{}, common.NewAppError("PROVIDER_NOT_SUPPORTED", "unknown provider", http.StatusInternalServerError, nil)
	}

	target := currency.Normalize(newCurrency)
	audit := currency.Audit{MerchantID: tx.MerchantID, OrgID: tx.OrgID, Kind: "currency_switch", ReferenceID: tx.ID}
	conv := s.Converter.Convert(ctx, tx.Amount, tx.Currency, target, audit)
	if conv.Unconverted {
		s.countSwitch(providerKey, "conversion_unavailable")
		return Checkout{}, common.NewAppError(common.CodeConversionUnavailable, fmt.Sprintf("no conversion path from %s to %s", tx.Currency, target), http.StatusUnprocessableEntity, nil)
	}

	clientRef := fmt.Sprintf("%s-%d", tx.MerchantID, time.Now().UnixNano())
	session, err := client.CreateSession(ctx, provider.CreateSessionRequest{
		ClientRef:   clientRef,
		Amount:      conv.Amount,
		Currency:    target,
		PayCurrency: target,
		CallbackURL: s.callbackURL(providerKey),
	})
	if err != nil {
		// The original session stays active; nothing was mutated.
		return Checkout{}, s.providerError(providerKey, err)
	}

	meta := map[string]string{
		txn.MetaAudit + ".previous_session":  tx.ProviderSessionID,
		txn.MetaAudit + ".switch_client_ref": clientRef,
		txn.MetaAudit + ".rate_source":       string(conv.Source),
	}
	if err := s.Store.SwapProviderSession(ctx, tx.ID, session.RemoteID, conv.Amount, target, meta); err != nil {
		return Checkout{}, err
	}

	tx.ProviderSessionID = session.RemoteID
	tx.SettlementAmount = conv.Amount
	tx.SettlementCurrency = target
	if tx.Metadata == nil {
		tx.Metadata = map[string]string{}
	}
	for k, v := range meta {
		tx.Metadata[k] = v
	}
	s.emit(ctx, events.TopicCurrencySwitched, tx)
	s.countSwitch(providerKey, "switched")

	return Checkout{Transaction: tx, Target: session.Target, RateSource: conv.Source}, nil
}

// Status returns the transaction together with its applied status history.
func (s *Service) Status(ctx context.Context, id string) (txn.Transaction, []store.TransactionEvent, error) {
	tx, err := s.Store.GetTransaction(ctx, id)
	if err != nil {
		return txn.Transaction{}, nil, err
	}
	history, err := s.Store.ListEvents(ctx, id)
	if err != nil {
		return txn.Transaction{}, nil, err
	}
	return tx, history, nil
}

func (s *Service) callbackURL(providerKey string) string {
	base := strings.TrimRight(s.CallbackBase, "/")
	if base == "" {
		return ""
	}
	return base + "/v1/webhooks/" + providerKey
}

func (s *Service) providerError(providerKey string, err error) error {
	switch {
	case provider.IsKind(err, provider.KindTransport):
		s.count(providerKey, "transport_error")
		return common.NewAppError(common.CodeTransportError, "provider unreachable", http.StatusBadGateway, err)
	case provider.IsKind(err, provider.KindMalformed):
		s.count(providerKey, "malformed_response")
		return common.NewAppError(common.CodeTransportError, "provider returned an unreadable response", http.StatusBadGateway, err)
	default:
		s.count(providerKey, "rejected")
		return common.NewAppError(common.CodeProviderRejected, err.Error(), http.StatusUnprocessableEntity, err)
	}
}

func (s *Service) emit(ctx context.Context, topic string, tx txn.Transaction) {
	if s.Bus == nil {
		return
	}
	payload := map[string]string{
		"transactionId": tx.ID,
		"merchantId":    tx.MerchantID,
		"provider":      tx.Provider,
		"status":        string(tx.Status),
		"amount":        tx.Amount.String(),
		"currency":      tx.Currency,
	}
	if _, err := s.Bus.Emit(ctx, topic, tx.ID, payload); err != nil {
		s.Logger.Error().Err(err).Str("transaction_id", tx.ID).Str("topic", topic).Msg("emit checkout event")
	}
}

func (s *Service) count(providerKey, result string) {
	if obs.CheckoutTotal != nil {
		obs.CheckoutTotal.WithLabelValues(providerKey, result).Inc()
	}
}

func (s *Service) countSwitch(providerKey, result string) {
	if obs.CurrencySwitchTotal != nil {
		obs.CurrencySwitchTotal.WithLabelValues(providerKey, result).Inc()
	}
}
