package provider_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/savane-labs/backend-pay/internal/provider"
)

func nowPaymentsServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func TestNowPaymentsCreateSession(t *testing.T) {
	srv := nowPaymentsServer(t, http.StatusCreated, `{
		"payment_id": 4945313421,
		"payment_status": "waiting",
		"pay_address": "39mFf3X46YzUtfdwVQpYNPCCic3GLLNBnG",
		"pay_amount": 0.00027344,
		"pay_currency": "btc",
		"price_amount": 16.50,
		"price_currency": "usd",
		"created_at": "2024-03-02T10:04:12Z"
	}`)
	defer srv.Close()

	client := &provider.NowPaymentsClient{APIKey: "test-key", BaseURL: srv.URL, HTTP: srv.Client()}
	session, err := client.CreateSession(context.Background(), provider.CreateSessionRequest{
		ClientRef: "m-1-1709373852000",
		Amount:    decimal.RequireFromString("16.50"),
		Currency:  "USD",
	})
	require.NoError(t, err)
	require.Equal(t, "4945313421", session.RemoteID)
	require.Equal(t, provider.NPWaiting, session.Status)
	require.Equal(t, "39mFf3X46YzUtfdwVQpYNPCCic3GLLNBnG", session.Target.PayAddress)
	require.Equal(t, "BTC", session.Target.PayCurrency)
	require.True(t, session.Target.PayAmount.Equal(decimal.RequireFromString("0.00027344")))
}

func TestNowPaymentsCreateSessionRejected(t *testing.T) {
	srv := nowPaymentsServer(t, http.StatusBadRequest, `{"message":"currency usdt is not supported"}`)
	defer srv.Close()

	client := &provider.NowPaymentsClient{APIKey: "test-key", BaseURL: srv.URL, HTTP: srv.Client()}
	_, err := client.CreateSession(context.Background(), provider.CreateSessionRequest{
		ClientRef: "ref",
		Amount:    decimal.NewFromInt(10),
		Currency:  "USD",
	})
	require.True(t, provider.IsKind(err, provider.KindRejected))
	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	require.Contains(t, pe.Message, "not supported")
}

func TestNowPaymentsTransportAndMalformedErrors(t *testing.T) {
	srv := nowPaymentsServer(t, http.StatusBadGateway, `upstream sad`)
	defer srv.Close()
	client := &provider.NowPaymentsClient{APIKey: "test-key", BaseURL: srv.URL, HTTP: srv.Client()}
	_, err := client.FetchStatus(context.Background(), "123")
	require.True(t, provider.IsKind(err, provider.KindTransport))

	srv2 := nowPaymentsServer(t, http.StatusOK, `{not json`)
	defer srv2.Close()
	client2 := &provider.NowPaymentsClient{APIKey: "test-key", BaseURL: srv2.URL, HTTP: srv2.Client()}
	_, err = client2.FetchStatus(context.Background(), "123")
	require.True(t, provider.IsKind(err, provider.KindMalformed))
}

func signIPN(t *testing.T, secret string, body []byte) string {
	t.Helper()
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(body, &parsed))
	sorted, err := json.Marshal(parsed)
	require.NoError(t, err)
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(sorted)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestNowPaymentsVerifyWebhook(t *testing.T) {
	client := &provider.NowPaymentsClient{IPNSecret: "ipn-secret"}
	body := []byte(`{"payment_id":4945313421,"payment_status":"finished","price_amount":16.5,"price_currency":"usd"}`)

	event, err := client.VerifyWebhook(signIPN(t, "ipn-secret", body), body)
	require.NoError(t, err)
	require.Equal(t, "4945313421", event.RemoteID)
	require.Equal(t, provider.NPFinished, event.Status)
	require.Equal(t, "USD", event.Currency)
}

func TestNowPaymentsVerifyWebhookTamperedBody(t *testing.T) {
	client := &provider.NowPaymentsClient{IPNSecret: "ipn-secret"}
	original := []byte(`{"payment_id":1,"payment_status":"finished"}`)
	sig := signIPN(t, "ipn-secret", original)

	tampered := []byte(`{"payment_id":1,"payment_status":"refunded"}`)
	_, err := client.VerifyWebhook(sig, tampered)
	require.ErrorIs(t, err, provider.ErrSignature)
}

func TestNowPaymentsVerifyWebhookWrongSecret(t *testing.T) {
	client := &provider.NowPaymentsClient{IPNSecret: "right"}
	body := []byte(`{"payment_id":1,"payment_status":"finished"}`)
	_, err := client.VerifyWebhook(signIPN(t, "wrong", body), body)
	require.ErrorIs(t, err, provider.ErrSignature)
}
