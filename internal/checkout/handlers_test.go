package checkout

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/savane-labs/backend-pay/internal/provider"
	"github.com/savane-labs/backend-pay/internal/txn"
)

func newTestRouter(svc *Service) http.Handler {
	h := &Handler{Svc: svc, Validate: validator.New()}
	r := chi.NewRouter()
	r.Route("/v1/checkouts", h.Routes)
	return r
}

func TestCreateEndpoint(t *testing.T) {
	st := &stubStore{enrolled: map[string]bool{provider.Moneroo: true}}
	p := &stubProvider{name: provider.Moneroo}
	svc := newService(st, p, &stubRates{rate: decimal.RequireFromString("0.00165")}, &stubScheduler{})
	router := newTestRouter(svc)

	body := `{
		"merchantId": "m-1",
		"amount": "10000",
		"currency": "XOF",
		"provider": "moneroo",
		"payCurrency": "USD",
		"metadata": {"order": "42"}
	}`
	req := httptest.NewRequest(http.MethodPost, "/v1/checkouts", bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "pending", resp["status"])
	require.Equal(t, "10000", resp["amount"])
	require.Equal(t, "XOF", resp["currency"])
	require.Equal(t, "USD", resp["settlementCurrency"])
	require.NotEmpty(t, resp["id"])
	target, ok := resp["target"].(map[string]any)
	require.True(t, ok)
	require.NotEmpty(t, target["redirectUrl"])
}

func TestCreateEndpointValidation(t *testing.T) {
	st := &stubStore{enrolled: map[string]bool{provider.Moneroo: true}}
	p := &stubProvider{name: provider.Moneroo}
	svc := newService(st, p, &stubRates{rate: decimal.New(1, 0)}, &stubScheduler{})
	router := newTestRouter(svc)

	cases := []string{
		`{"amount":"10","currency":"USD","provider":"moneroo"}`,                    // missing merchantId
		`{"merchantId":"m-1","currency":"USD","provider":"moneroo"}`,               // missing amount
		`{"merchantId":"m-1","amount":"10","provider":"moneroo"}`,                  // missing currency
		`{"merchantId":"m-1","amount":"10","currency":"USD"}`,                      // missing provider
		`{"merchantId":"m-1","amount":"10","currency":"USD","provider":"stripe"}`,  // unsupported provider
		`{"merchantId":"m-1","amount":"-5","currency":"USD","provider":"moneroo"}`, // negative amount
		`{"merchantId":"m-1","amount":"ten","currency":"USD","provider":"moneroo"}`,
	}
	for _, body := range cases {
		req := httptest.NewRequest(http.MethodPost, "/v1/checkouts", bytes.NewReader([]byte(body)))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code, "body: %s", body)
		require.Empty(t, st.created)
	}
}

func TestStatusEndpointNotFound(t *testing.T) {
	st := &stubStore{enrolled: map[string]bool{provider.Moneroo: true}}
	p := &stubProvider{name: provider.Moneroo}
	svc := newService(st, p, &stubRates{rate: decimal.New(1, 0)}, &stubScheduler{})
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/checkouts/unknown", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "TRANSACTION_NOT_FOUND")
}

func TestSwitchCurrencyEndpoint(t *testing.T) {
	st := &stubStore{
		enrolled: map[string]bool{provider.Moneroo: true},
		tx:       txnFixture("tx-1", provider.Moneroo),
		hasTx:    true,
	}
	p := &stubProvider{name: provider.Moneroo}
	svc := newService(st, p, &stubRates{rate: decimal.RequireFromString("0.00152")}, &stubScheduler{})
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/checkouts/tx-1/currency", bytes.NewReader([]byte(`{"currency":"EUR"}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, st.swapCalls)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "EUR", resp["settlementCurrency"])
}

func txnFixture(id, providerKey string) txn.Transaction {
	return txn.Transaction{
		ID:                id,
		MerchantID:        "m-1",
		Provider:          providerKey,
		ProviderSessionID: "sess_old",
		Status:            txn.StatusPending,
		Amount:            decimal.RequireFromString("10000"),
		Currency:          "XOF",
	}
}
