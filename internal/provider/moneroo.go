package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

// MonerooStatus is the mobile-money processor's native payment status.
type MonerooStatus string

const (
	MRInitiated  MonerooStatus = "initiated"
	MRPending    MonerooStatus = "pending"
	MRProcessing MonerooStatus = "processing"
	MRSuccess    MonerooStatus = "success"
	MRCancelled  MonerooStatus = "cancelled"
	MRFailed     MonerooStatus = "failed"
)

// Provider implements NativeStatus.
func (MonerooStatus) Provider() string { return Moneroo }

// Token implements NativeStatus.
func (s MonerooStatus) Token() string { return string(s) }

// MonerooClient is the transport adapter for the mobile-money processor.
// Checkouts are hosted: the payer is redirected to a checkout URL and the
// processor reports back over webhooks.
type MonerooClient struct {
	SecretKey string
	BaseURL   string
	HTTP      *http.Client
}

const monerooDefaultBaseURL = "https://api.moneroo.io"

// Name implements Client.
func (c *MonerooClient) Name() string { return Moneroo }

func (c *MonerooClient) baseURL() string {
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		return monerooDefaultBaseURL
	}
	return base
}

func (c *MonerooClient) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.SecretKey}
}

type monerooEnvelope struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type monerooPayment struct {
	ID          string      `json:"id"`
	Status      string      `json:"status"`
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
	CheckoutURL string      `json:"checkout_url"`
}

// CreateSession initializes a hosted mobile-money checkout.
func (c *MonerooClient) CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error) {
	if strings.TrimSpace(req.ClientRef) == "" {
		return Session{}, &Error{Kind: KindRejected, Provider: Moneroo, Operation: "initialize", Message: "client reference is required"}
	}
	if req.Amount.IsZero() || req.Amount.IsNegative() {
		return Session{}, &Error{Kind: KindRejected, Provider: Moneroo, Operation: "initialize", Message: "amount must be positive"}
	}
	payload := map[string]any{
		"amount":      json.Number(req.Amount.String()),
		"currency":    strings.ToUpper(req.Currency),
		"reference":   req.ClientRef,
		"description": req.Description,
		"return_url":  req.SuccessURL,
		"cancel_url":  req.CancelURL,
	}
	var envelope monerooEnvelope
	if err := doJSON(ctx, c.HTTP, Moneroo, "initialize", http.MethodPost, c.baseURL()+"/v1/payments/initialize", c.headers(), payload, &envelope); err != nil {
		return Session{}, err
	}
	var payment monerooPayment
	if err := json.Unmarshal(envelope.Data, &payment); err != nil {
		return Session{}, &Error{Kind: KindMalformed, Provider: Moneroo, Operation: "initialize", Err: err}
	}
	if payment.ID == "" || payment.CheckoutURL == "" {
		return Session{}, &Error{Kind: KindMalformed, Provider: Moneroo, Operation: "initialize", Message: "missing id or checkout_url"}
	}
	amount, _ := decimal.NewFromString(payment.Amount.String())
	status := payment.Status
	if status == "" {
		status = string(MRInitiated)
	}
	return Session{
		Provider: Moneroo,
		RemoteID: payment.ID,
		Status:   MonerooStatus(status),
		Amount:   amount,
		Currency: strings.ToUpper(payment.Currency),
		Target:   DisplayTarget{RedirectURL: payment.CheckoutURL},
	}, nil
}

// FetchStatus reads the current payment state by remote id.
func (c *MonerooClient) FetchStatus(ctx context.Context, remoteID string) (StatusResult, error) {
	if strings.TrimSpace(remoteID) == "" {
		return StatusResult{}, &Error{Kind: KindRejected, Provider: Moneroo, Operation: "fetch_status", Message: "remote id is required"}
	}
	var envelope monerooEnvelope
	endpoint := fmt.Sprintf("%s/v1/payments/%s", c.baseURL(), url.PathEscape(remoteID))
	if err := doJSON(ctx, c.HTTP, Moneroo, "fetch_status", http.MethodGet, endpoint, c.headers(), nil, &envelope); err != nil {
		return StatusResult{}, err
	}
	var payment monerooPayment
	if err := json.Unmarshal(envelope.Data, &payment); err != nil {
		return StatusResult{}, &Error{Kind: KindMalformed, Provider: Moneroo, Operation: "fetch_status", Err: err}
	}
	if payment.Status == "" {
		return StatusResult{}, &Error{Kind: KindMalformed, Provider: Moneroo, Operation: "fetch_status", Message: "missing status"}
	}
	return StatusResult{
		RemoteID: remoteID,
		Status:   MonerooStatus(payment.Status),
		Echo: map[string]string{
			"amount":   payment.Amount.String(),
			"currency": strings.ToUpper(payment.Currency),
		},
	}, nil
}

// VerifyWebhook authenticates a callback signed with HMAC-SHA256 of the raw body.
func (c *MonerooClient) VerifyWebhook(signature string, body []byte) (WebhookEvent, error) {
	secret := strings.TrimSpace(c.SecretKey)
	provided := strings.TrimSpace(signature)
	if secret == "" || provided == "" {
		return WebhookEvent{}, ErrSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return WebhookEvent{}, ErrSignature
	}

	var payload struct {
		Event string         `json:"event"`
		Data  monerooPayment `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookEvent{}, &Error{Kind: KindMalformed, Provider: Moneroo, Operation: "verify_webhook", Err: err}
	}
	if payload.Data.ID == "" || payload.Data.Status == "" {
		return WebhookEvent{}, &Error{Kind: KindMalformed, Provider: Moneroo, Operation: "verify_webhook", Message: "missing payment id or status"}
	}
	amount, _ := decimal.NewFromString(payload.Data.Amount.String())
	return WebhookEvent{
		Provider: Moneroo,
		RemoteID: payload.Data.ID,
		Status:   MonerooStatus(payload.Data.Status),
		Amount:   amount,
		Currency: strings.ToUpper(payload.Data.Currency),
		Raw:      body,
	}, nil
}

// CreatePayout submits a mobile-money disbursement.
func (c *MonerooClient) CreatePayout(ctx context.Context, req PayoutRequest) (Payout, error) {
	if strings.TrimSpace(req.Recipient) == "" {
		return Payout{}, &Error{Kind: KindRejected, Provider: Moneroo, Operation: "create_payout", Message: "recipient is required"}
	}
	payload := map[string]any{
		"amount":    json.Number(req.Amount.String()),
		"currency":  strings.ToUpper(req.Currency),
		"reference": req.ClientRef,
		"recipient": req.Recipient,
		"method":    req.Method,
	}
	var envelope monerooEnvelope
	if err := doJSON(ctx, c.HTTP, Moneroo, "create_payout", http.MethodPost, c.baseURL()+"/v1/payouts/initialize", c.headers(), payload, &envelope); err != nil {
		return Payout{}, err
	}
	var payout struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(envelope.Data, &payout); err != nil {
		return Payout{}, &Error{Kind: KindMalformed, Provider: Moneroo, Operation: "create_payout", Err: err}
	}
	if payout.ID == "" {
		return Payout{}, &Error{Kind: KindMalformed, Provider: Moneroo, Operation: "create_payout", Message: "missing payout id"}
	}
	status := payout.Status
	if status == "" {
		status = string(MRInitiated)
	}
	return Payout{Provider: Moneroo, RemoteID: payout.ID, Status: MonerooStatus(status)}, nil
}

// CreateMerchant registers a provider-side merchant entity and returns its id.
func (c *MonerooClient) CreateMerchant(ctx context.Context, name, email, country string) (string, error) {
	payload := map[string]any{"name": name, "email": email, "country": country}
	var envelope monerooEnvelope
	if err := doJSON(ctx, c.HTTP, Moneroo, "create_merchant", http.MethodPost, c.baseURL()+"/v1/merchants", c.headers(), payload, &envelope); err != nil {
		return "", err
	}
	var merchant struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(envelope.Data, &merchant); err != nil {
		return "", &Error{Kind: KindMalformed, Provider: Moneroo, Operation: "create_merchant", Err: err}
	}
	if merchant.ID == "" {
		return "", &Error{Kind: KindMalformed, Provider: Moneroo, Operation: "create_merchant", Message: "missing merchant id"}
	}
	return merchant.ID, nil
}
