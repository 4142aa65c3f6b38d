package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NowPaymentsStatus is the crypto processor's native payment status.
type NowPaymentsStatus string

// Native vocabulary as delivered by the API and IPN callbacks.
const (
	NPWaiting       NowPaymentsStatus = "waiting"
	NPConfirming    NowPaymentsStatus = "confirming"
	NPConfirmed     NowPaymentsStatus = "confirmed"
	NPSending       NowPaymentsStatus = "sending"
	NPPartiallyPaid NowPaymentsStatus = "partially_paid"
	NPFinished      NowPaymentsStatus = "finished"
	NPFailed        NowPaymentsStatus = "failed"
	NPRefunded      NowPaymentsStatus = "refunded"
	NPExpired       NowPaymentsStatus = "expired"
)

// Provider implements NativeStatus.
func (NowPaymentsStatus) Provider() string { return NowPayments }

// Token implements NativeStatus.
func (s NowPaymentsStatus) Token() string { return string(s) }

// NowPaymentsClient is the transport adapter for the crypto settlement
// processor. Payments are quoted in a fiat price currency and paid on-chain
// in the pay currency the payer selects.
type NowPaymentsClient struct {
	APIKey    string
	IPNSecret string
	BaseURL   string
	HTTP      *http.Client
}

const nowPaymentsDefaultBaseURL = "https://api.nowpayments.io"

// Name implements Client.
func (c *NowPaymentsClient) Name() string { return NowPayments }

func (c *NowPaymentsClient) baseURL() string {
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		return nowPaymentsDefaultBaseURL
	}
	return base
}

func (c *NowPaymentsClient) headers() map[string]string {
	return map[string]string{"x-api-key": c.APIKey}
}

type nowPaymentsCreateReq struct {
	PriceAmount      json.Number `json:"price_amount"`
	PriceCurrency    string      `json:"price_currency"`
	PayCurrency      string      `json:"pay_currency,omitempty"`
	OrderID          string      `json:"order_id"`
	OrderDescription string      `json:"order_description,omitempty"`
	IPNCallbackURL   string      `json:"ipn_callback_url,omitempty"`
	SuccessURL       string      `json:"success_url,omitempty"`
	CancelURL        string      `json:"cancel_url,omitempty"`
}

type nowPaymentsPayment struct {
	PaymentID     json.Number `json:"payment_id"`
	PaymentStatus string      `json:"payment_status"`
	PayAddress    string      `json:"pay_address"`
	PayAmount     json.Number `json:"pay_amount"`
	PayCurrency   string      `json:"pay_currency"`
	PriceAmount   json.Number `json:"price_amount"`
	PriceCurrency string      `json:"price_currency"`
	CreatedAt     string      `json:"created_at"`
	ExpiresAt     string      `json:"expiration_estimate_date"`
}

// CreateSession opens a payment and returns the on-chain pay target.
func (c *NowPaymentsClient) CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error) {
	if strings.TrimSpace(req.ClientRef) == "" {
		return Session{}, &Error{Kind: KindRejected, Provider: NowPayments, Operation: "create_payment", Message: "client reference is required"}
	}
	if req.Amount.IsZero() || req.Amount.IsNegative() {
		return Session{}, &Error{Kind: KindRejected, Provider: NowPayments, Operation: "create_payment", Message: "amount must be positive"}
	}
	payload := nowPaymentsCreateReq{
		PriceAmount:      json.Number(req.Amount.String()),
		PriceCurrency:    strings.ToLower(req.Currency),
		PayCurrency:      strings.ToLower(req.PayCurrency),
		OrderID:          req.ClientRef,
		OrderDescription: req.Description,
		IPNCallbackURL:   req.CallbackURL,
		SuccessURL:       req.SuccessURL,
		CancelURL:        req.CancelURL,
	}
	var resp nowPaymentsPayment
	if err := doJSON(ctx, c.HTTP, NowPayments, "create_payment", http.MethodPost, c.baseURL()+"/v1/payment", c.headers(), payload, &resp); err != nil {
		return Session{}, err
	}
	return c.toSession(resp)
}

func (c *NowPaymentsClient) toSession(resp nowPaymentsPayment) (Session, error) {
	remoteID := resp.PaymentID.String()
	if remoteID == "" {
		return Session{}, &Error{Kind: KindMalformed, Provider: NowPayments, Operation: "create_payment", Message: "missing payment_id"}
	}
	payAmount, err := decimal.NewFromString(resp.PayAmount.String())
	if err != nil && resp.PayAmount.String() != "" {
		return Session{}, &Error{Kind: KindMalformed, Provider: NowPayments, Operation: "create_payment", Err: err}
	}
	priceAmount, _ := decimal.NewFromString(resp.PriceAmount.String())
	session := Session{
		Provider: NowPayments,
		RemoteID: remoteID,
		Status:   NowPaymentsStatus(resp.PaymentStatus),
		Amount:   priceAmount,
		Currency: strings.ToUpper(resp.PriceCurrency),
		Target: DisplayTarget{
			PayAddress:  resp.PayAddress,
			PayAmount:   payAmount,
			PayCurrency: strings.ToUpper(resp.PayCurrency),
		},
	}
	if ts, err := time.Parse(time.RFC3339, resp.CreatedAt); err == nil {
		session.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339, resp.ExpiresAt); err == nil {
		session.ExpiresAt = ts
	}
	return session, nil
}

// FetchStatus reads the current payment state by remote id.
func (c *NowPaymentsClient) FetchStatus(ctx context.Context, remoteID string) (StatusResult, error) {
	if strings.TrimSpace(remoteID) == "" {
		return StatusResult{}, &Error{Kind: KindRejected, Provider: NowPayments, Operation: "fetch_status", Message: "remote id is required"}
	}
	var resp nowPaymentsPayment
	endpoint := fmt.Sprintf("%s/v1/payment/%s", c.baseURL(), url.PathEscape(remoteID))
	if err := doJSON(ctx, c.HTTP, NowPayments, "fetch_status", http.MethodGet, endpoint, c.headers(), nil, &resp); err != nil {
		return StatusResult{}, err
	}
	if resp.PaymentStatus == "" {
		return StatusResult{}, &Error{Kind: KindMalformed, Provider: NowPayments, Operation: "fetch_status", Message: "missing payment_status"}
	}
	return StatusResult{
		RemoteID: remoteID,
		Status:   NowPaymentsStatus(resp.PaymentStatus),
		Echo: map[string]string{
			"pay_address":  resp.PayAddress,
			"pay_amount":   resp.PayAmount.String(),
			"pay_currency": strings.ToUpper(resp.PayCurrency),
		},
	}, nil
}

// VerifyWebhook authenticates an IPN callback. The signature is an
// HMAC-SHA512 of the payload re-serialized with lexically sorted keys.
func (c *NowPaymentsClient) VerifyWebhook(signature string, body []byte) (WebhookEvent, error) {
	expected, err := c.ipnSignature(body)
	if err != nil {
		return WebhookEvent{}, ErrSignature
	}
	provided := strings.TrimSpace(signature)
	if provided == "" || !hmac.Equal([]byte(expected), []byte(provided)) {
		return WebhookEvent{}, ErrSignature
	}

	var payload struct {
		PaymentID     json.Number `json:"payment_id"`
		PaymentStatus string      `json:"payment_status"`
		PriceAmount   json.Number `json:"price_amount"`
		PriceCurrency string      `json:"price_currency"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookEvent{}, &Error{Kind: KindMalformed, Provider: NowPayments, Operation: "verify_webhook", Err: err}
	}
	if payload.PaymentID.String() == "" || payload.PaymentStatus == "" {
		return WebhookEvent{}, &Error{Kind: KindMalformed, Provider: NowPayments, Operation: "verify_webhook", Message: "missing payment_id or payment_status"}
	}
	amount, _ := decimal.NewFromString(payload.PriceAmount.String())
	return WebhookEvent{
		Provider: NowPayments,
		RemoteID: payload.PaymentID.String(),
		Status:   NowPaymentsStatus(payload.PaymentStatus),
		Amount:   amount,
		Currency: strings.ToUpper(payload.PriceCurrency),
		Raw:      body,
	}, nil
}

// ipnSignature computes the HMAC the processor signs IPN bodies with:
// the JSON object re-marshalled with sorted keys, digested with SHA-512.
func (c *NowPaymentsClient) ipnSignature(body []byte) (string, error) {
	secret := strings.TrimSpace(c.IPNSecret)
	if secret == "" {
		return "", errors.New("ipn secret not configured")
	}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}
	// json.Marshal on a map emits keys in sorted order
	sorted, err := json.Marshal(parsed)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(sorted)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
