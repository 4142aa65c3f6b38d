package checkout

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/savane-labs/backend-pay/internal/common"
	"github.com/savane-labs/backend-pay/internal/currency"
	"github.com/savane-labs/backend-pay/internal/provider"
	"github.com/savane-labs/backend-pay/internal/store"
	"github.com/savane-labs/backend-pay/internal/txn"
)

type stubStore struct {
	created     []txn.Transaction
	tx          txn.Transaction
	hasTx       bool
	enrolled    map[string]bool
	swapCalls   int
	swapMeta    map[string]string
	swapAmount  decimal.Decimal
	swapCcy     string
	swapSession string
}

func (s *stubStore) CreateTransaction(_ context.Context, tx txn.Transaction) error {
	s.created = append(s.created, tx)
	return nil
}

func (s *stubStore) GetTransaction(_ context.Context, id string) (txn.Transaction, error) {
	if !s.hasTx || s.tx.ID != id {
		return txn.Transaction{}, txn.ErrNotFound
	}
	return s.tx, nil
}

func (s *stubStore) GetMerchantProvider(_ context.Context, merchantID, providerID string) (store.MerchantProvider, error) {
	connected, ok := s.enrolled[providerID]
	if !ok {
		return store.MerchantProvider{}, store.ErrNotOnboarded
	}
	return store.MerchantProvider{MerchantID: merchantID, Provider: providerID, Connected: connected}, nil
}

func (s *stubStore) SwapProviderSession(_ context.Context, _, sessionID string, amount decimal.Decimal, ccy string, meta map[string]string) error {
	s.swapCalls++
	s.swapSession = sessionID
	s.swapAmount = amount
	s.swapCcy = ccy
	s.swapMeta = meta
	return nil
}

func (s *stubStore) ListEvents(context.Context, string) ([]store.TransactionEvent, error) {
	return nil, nil
}

type stubProvider struct {
	name     string
	sessions []provider.CreateSessionRequest
	rejects  int
	err      error
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) CreateSession(_ context.Context, req provider.CreateSessionRequest) (provider.Session, error) {
	p.sessions = append(p.sessions, req)
	if p.rejects > 0 {
		p.rejects--
		return provider.Session{}, &provider.Error{Kind: provider.KindRejected, Provider: p.name, Operation: "create_session", Message: "amount out of range"}
	}
	if p.err != nil {
		return provider.Session{}, p.err
	}
	return provider.Session{
		Provider: p.name,
		RemoteID: "sess_" + req.ClientRef,
		Target:   provider.DisplayTarget{RedirectURL: "https://pay.example/" + req.ClientRef},
	}, nil
}

func (p *stubProvider) FetchStatus(context.Context, string) (provider.StatusResult, error) {
	return provider.StatusResult{}, nil
}

func (p *stubProvider) VerifyWebhook(string, []byte) (provider.WebhookEvent, error) {
	return provider.WebhookEvent{}, provider.ErrSignature
}

type stubRates struct {
	rate  decimal.Decimal
	err   error
	calls int
}

func (r *stubRates) AuthoritativeRate(_ context.Context, from, to string, _ currency.Audit) (currency.Rate, error) {
	r.calls++
	if r.err != nil {
		return currency.Rate{}, r.err
	}
	return currency.Rate{From: from, To: to, Rate: r.rate, FetchedAt: time.Now()}, nil
}

// sequencedRates returns one canned response per call, in order.
type sequencedRates struct {
	responses []struct {
		rate decimal.Decimal
		err  error
	}
	calls int
}

func (r *sequencedRates) AuthoritativeRate(_ context.Context, from, to string, _ currency.Audit) (currency.Rate, error) {
	i := r.calls
	r.calls++
	if i >= len(r.responses) {
		i = len(r.responses) - 1
	}
	resp := r.responses[i]
	if resp.err != nil {
		return currency.Rate{}, resp.err
	}
	return currency.Rate{From: from, To: to, Rate: resp.rate, FetchedAt: time.Now()}, nil
}

type stubScheduler struct {
	scheduled []string
}

func (s *stubScheduler) Schedule(_ context.Context, id string) error {
	s.scheduled = append(s.scheduled, id)
	return nil
}

func requireAppCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, code, appErr.Code)
}

func newService(st *stubStore, p *stubProvider, rates currency.RateSource, sched *stubScheduler) *Service {
	var conv *currency.Converter
	if rates != nil {
		conv = currency.NewConverter(rates, currency.NewCache(time.Minute), zerolog.Nop())
	} else {
		conv = &currency.Converter{}
	}
	return &Service{
		Store:        st,
		Providers:    provider.Registry{p.name: p},
		Converter:    conv,
		Scheduler:    sched,
		CallbackBase: "https://api.example",
	}
}

func TestCreatePersistsOriginalAndSettlement(t *testing.T) {
	st := &stubStore{enrolled: map[string]bool{provider.Moneroo: true}}
	p := &stubProvider{name: provider.Moneroo}
	sched := &stubScheduler{}
	svc := newService(st, p, &stubRates{rate: decimal.RequireFromString("0.00165")}, sched)

	result, err := svc.Create(context.Background(), CreateRequest{
		MerchantID:  "m-1",
		Amount:      decimal.RequireFromString("10000"),
		Currency:    "XOF",
		Provider:    provider.Moneroo,
		PayCurrency: "USD",
		Metadata:    map[string]string{"order": "42"},
	})
	require.NoError(t, err)

	require.Len(t, st.created, 1)
	tx := st.created[0]
	require.Equal(t, "10000", tx.Amount.String())
	require.Equal(t, "XOF", tx.Currency)
	require.True(t, tx.SettlementAmount.Equal(decimal.RequireFromString("16.5")))
	require.Equal(t, "USD", tx.SettlementCurrency)
	require.Equal(t, txn.StatusPending, tx.Status)
	require.Equal(t, "42", tx.Metadata["caller.order"])
	require.Equal(t, "authoritative", tx.Metadata["audit.rate_source"])
	require.NotEmpty(t, tx.ProviderSessionID)

	require.Equal(t, []string{tx.ID}, sched.scheduled)
	require.Equal(t, currency.SourceAuthoritative, result.RateSource)
	require.NotEmpty(t, result.Target.RedirectURL)

	require.Len(t, p.sessions, 1)
	require.True(t, p.sessions[0].Amount.Equal(decimal.RequireFromString("16.5")))
	require.Equal(t, "https://api.example/v1/webhooks/moneroo", p.sessions[0].CallbackURL)
}

func TestCreateIdentityCurrencySkipsConversion(t *testing.T) {
	st := &stubStore{enrolled: map[string]bool{provider.Moneroo: true}}
	p := &stubProvider{name: provider.Moneroo}
	rates := &stubRates{rate: decimal.RequireFromString("9")}
	svc := newService(st, p, rates, &stubScheduler{})

	_, err := svc.Create(context.Background(), CreateRequest{
		MerchantID:  "m-1",
		Amount:      decimal.RequireFromString("5000"),
		Currency:    "XOF",
		Provider:    provider.Moneroo,
		PayCurrency: "XOF",
	})
	require.NoError(t, err)
	require.Equal(t, 0, rates.calls)
	require.Equal(t, "5000", st.created[0].SettlementAmount.String())
	require.Equal(t, "XOF", st.created[0].SettlementCurrency)
}

func TestCreateNotOnboarded(t *testing.T) {
	st := &stubStore{enrolled: map[string]bool{}}
	p := &stubProvider{name: provider.NowPayments}
	svc := newService(st, p, &stubRates{rate: decimal.New(1, 0)}, &stubScheduler{})

	_, err := svc.Create(context.Background(), CreateRequest{
		MerchantID: "m-1",
		Amount:     decimal.RequireFromString("10"),
		Currency:   "USD",
		Provider:   provider.NowPayments,
	})
	requireAppCode(t, err, common.CodeProviderNotOnboarded)
	require.Empty(t, st.created)

	// enrolled but disabled
	st.enrolled[provider.NowPayments] = false
	_, err = svc.Create(context.Background(), CreateRequest{
		MerchantID: "m-1",
		Amount:     decimal.RequireFromString("10"),
		Currency:   "USD",
		Provider:   provider.NowPayments,
	})
	requireAppCode(t, err, common.CodeProviderNotOnboarded)
}

func TestCreateConversionFailsClosed(t *testing.T) {
	st := &stubStore{enrolled: map[string]bool{provider.NowPayments: true}}
	p := &stubProvider{name: provider.NowPayments}
	// no rate source, no static corridor entry for GNF/BTC
	svc := newService(st, p, nil, &stubScheduler{})

	_, err := svc.Create(context.Background(), CreateRequest{
		MerchantID:  "m-1",
		Amount:      decimal.RequireFromString("250000"),
		Currency:    "GNF",
		Provider:    provider.NowPayments,
		PayCurrency: "BTC",
	})
	requireAppCode(t, err, common.CodeConversionUnavailable)
	require.Empty(t, st.created)
	require.Empty(t, p.sessions)
}

func TestCreateRetriesWithAuthoritativeRateOnRejection(t *testing.T) {
	st := &stubStore{enrolled: map[string]bool{provider.NowPayments: true}}
	p := &stubProvider{name: provider.NowPayments, rejects: 1}

	// The authoritative source is down on the first conversion, so the quote
	// comes from the static corridor. The provider rejects it; the retry must
	// re-convert authoritatively with the recovered rate.
	rates := &sequencedRates{responses: []struct {
		rate decimal.Decimal
		err  error
	}{
		{err: context.DeadlineExceeded},
		{rate: decimal.RequireFromString("0.0017")},
	}}
	svc := newService(st, p, rates, &stubScheduler{})

	result, err := svc.Create(context.Background(), CreateRequest{
		MerchantID:  "m-1",
		Amount:      decimal.RequireFromString("10000"),
		Currency:    "XOF",
		Provider:    provider.NowPayments,
		PayCurrency: "USD",
	})
	require.NoError(t, err)
	require.Len(t, p.sessions, 2)
	require.True(t, p.sessions[0].Amount.Equal(decimal.RequireFromString("16.5")))
	require.True(t, p.sessions[1].Amount.Equal(decimal.RequireFromString("17")))
	require.Equal(t, currency.SourceAuthoritative, result.RateSource)
	require.Len(t, st.created, 1)
	require.True(t, st.created[0].SettlementAmount.Equal(decimal.RequireFromString("17")))
}

func TestCreateTransportError(t *testing.T) {
	st := &stubStore{enrolled: map[string]bool{provider.Moneroo: true}}
	p := &stubProvider{name: provider.Moneroo, err: &provider.Error{Kind: provider.KindTransport, Provider: provider.Moneroo, Operation: "initialize"}}
	svc := newService(st, p, &stubRates{rate: decimal.New(1, 0)}, &stubScheduler{})

	_, err := svc.Create(context.Background(), CreateRequest{
		MerchantID: "m-1",
		Amount:     decimal.RequireFromString("10"),
		Currency:   "USD",
		Provider:   provider.Moneroo,
	})
	requireAppCode(t, err, common.CodeTransportError)
	require.Empty(t, st.created)
}

func TestSwitchCurrencyReconvertsFromOriginal(t *testing.T) {
	original := txn.Transaction{
		ID:                 "tx-1",
		MerchantID:         "m-1",
		Provider:           provider.NowPayments,
		ProviderSessionID:  "sess_old",
		Status:             txn.StatusPending,
		Amount:             decimal.RequireFromString("10000"),
		Currency:           "XOF",
		SettlementAmount:   decimal.RequireFromString("16.5"),
		SettlementCurrency: "USD",
	}
	st := &stubStore{enrolled: map[string]bool{provider.NowPayments: true}, tx: original, hasTx: true}
	p := &stubProvider{name: provider.NowPayments}
	svc := newService(st, p, &stubRates{rate: decimal.RequireFromString("0.00152")}, &stubScheduler{})

	result, err := svc.SwitchCurrency(context.Background(), "tx-1", "EUR")
	require.NoError(t, err)

	require.Equal(t, 1, st.swapCalls)
	require.True(t, st.swapAmount.Equal(decimal.RequireFromString("15.2")))
	require.Equal(t, "EUR", st.swapCcy)
	require.Equal(t, "sess_old", st.swapMeta["audit.previous_session"])
	require.NotEqual(t, "sess_old", st.swapSession)

	// conversion started from the original 10000 XOF, not from 16.5 USD
	require.Equal(t, "10000", result.Transaction.Amount.String())
	require.Equal(t, "XOF", result.Transaction.Currency)
	require.True(t, result.Transaction.SettlementAmount.Equal(decimal.RequireFromString("15.2")))
}

func TestSwitchCurrencyRejectedWhenNotPending(t *testing.T) {
	st := &stubStore{
		enrolled: map[string]bool{provider.NowPayments: true},
		tx: txn.Transaction{
			ID: "tx-1", Provider: provider.NowPayments, Status: txn.StatusProcessing,
			Amount: decimal.RequireFromString("10"), Currency: "USD",
		},
		hasTx: true,
	}
	p := &stubProvider{name: provider.NowPayments}
	svc := newService(st, p, &stubRates{rate: decimal.New(1, 0)}, &stubScheduler{})

	_, err := svc.SwitchCurrency(context.Background(), "tx-1", "EUR")
	requireAppCode(t, err, "CHECKOUT_NOT_PENDING")
	require.Zero(t, st.swapCalls)
}

func TestSwitchCurrencyProviderFailureLeavesStateUntouched(t *testing.T) {
	st := &stubStore{
		enrolled: map[string]bool{provider.NowPayments: true},
		tx: txn.Transaction{
			ID: "tx-1", Provider: provider.NowPayments, ProviderSessionID: "sess_old",
			Status: txn.StatusPending, Amount: decimal.RequireFromString("10000"), Currency: "XOF",
		},
		hasTx: true,
	}
	p := &stubProvider{name: provider.NowPayments, err: &provider.Error{Kind: provider.KindTransport, Provider: provider.NowPayments, Operation: "create_payment"}}
	svc := newService(st, p, &stubRates{rate: decimal.RequireFromString("0.00152")}, &stubScheduler{})

	_, err := svc.SwitchCurrency(context.Background(), "tx-1", "EUR")
	requireAppCode(t, err, common.CodeTransportError)
	require.Zero(t, st.swapCalls)
}

func TestCreateWithoutMetadata(t *testing.T) {
	st := &stubStore{enrolled: map[string]bool{provider.Moneroo: true}}
	p := &stubProvider{name: provider.Moneroo}
	svc := newService(st, p, &stubRates{rate: decimal.RequireFromString("0.00165")}, &stubScheduler{})

	_, err := svc.Create(context.Background(), CreateRequest{
		MerchantID:  "m-1",
		Amount:      decimal.RequireFromString("10000"),
		Currency:    "XOF",
		Provider:    provider.Moneroo,
		PayCurrency: "USD",
	})
	require.NoError(t, err)

	require.Len(t, st.created, 1)
	tx := st.created[0]
	require.NotEmpty(t, tx.Metadata["audit.client_ref"])
	require.Equal(t, "authoritative", tx.Metadata["audit.rate_source"])
	for key := range tx.Metadata {
		require.NotContains(t, key, "caller.")
	}
}

func TestCreateDefaultsToPlatformSettlementCurrency(t *testing.T) {
	st := &stubStore{enrolled: map[string]bool{provider.NowPayments: true}}
	p := &stubProvider{name: provider.NowPayments}
	rates := &stubRates{rate: decimal.RequireFromString("0.00165")}
	svc := newService(st, p, rates, &stubScheduler{})
	svc.SettlementCurrency = "USD"

	_, err := svc.Create(context.Background(), CreateRequest{
		MerchantID: "m-1",
		Amount:     decimal.RequireFromString("10000"),
		Currency:   "XOF",
		Provider:   provider.NowPayments,
	})
	require.NoError(t, err)

	require.Equal(t, 1, rates.calls)
	require.Len(t, st.created, 1)
	tx := st.created[0]
	require.Equal(t, "XOF", tx.Currency)
	require.Equal(t, "10000", tx.Amount.String())
	require.Equal(t, "USD", tx.SettlementCurrency)
	require.True(t, tx.SettlementAmount.Equal(decimal.RequireFromString("16.5")))

	require.Len(t, p.sessions, 1)
	require.Equal(t, "USD", p.sessions[0].Currency)
	require.True(t, p.sessions[0].Amount.Equal(decimal.RequireFromString("16.5")))
}
