package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Provider identifiers used in routes, persistence and metric labels.
const (
	NowPayments = "nowpayments"
	Moneroo     = "moneroo"
)

// ErrorKind classifies client failures so callers can pick a retry policy.
type ErrorKind string

const (
	// KindTransport covers network failures and provider 5xx responses.
	// Retryable by caller policy; the client itself never retries.
	KindTransport ErrorKind = "transport"
	// KindRejected covers 4xx business rejections such as an unsupported
	// currency. Not retryable with the same parameters.
	KindRejected ErrorKind = "rejected"
	// KindMalformed covers responses that could not be parsed.
	KindMalformed ErrorKind = "malformed_response"
)

// Error is the typed failure returned by every client method.
type Error struct {
	Kind       ErrorKind
	Provider   string
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %s (%s)", e.Provider, e.Operation, e.Message, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v (%s)", e.Provider, e.Operation, e.Err, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Operation, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a provider Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}

// ErrSignature is returned by VerifyWebhook when the signature does not match.
// No detail about the mismatch is exposed to webhook callers.
var ErrSignature = errors.New("provider: invalid webhook signature")

// NativeStatus is a provider-specific status token. Each provider contributes
// its own concrete type so the normalizer can match exhaustively.
type NativeStatus interface {
	Provider() string
	Token() string
}

// CreateSessionRequest carries everything needed to open a remote checkout.
type CreateSessionRequest struct {
	ClientRef   string
	Amount      decimal.Decimal
	Currency    string
	PayCurrency string
	SuccessURL  string
	CancelURL   string
	CallbackURL string
	Description string
}

// DisplayTarget is what the payer is shown to complete the payment: either a
// hosted redirect URL or an on-chain address with an expected amount.
type DisplayTarget struct {
	RedirectURL string          `json:"redirectUrl,omitempty"`
	PayAddress  string          `json:"payAddress,omitempty"`
	PayAmount   decimal.Decimal `json:"payAmount,omitempty"`
	PayCurrency string          `json:"payCurrency,omitempty"`
}

// Session is the provider-side checkout object, referenced not owned.
type Session struct {
	Provider  string
	RemoteID  string
	Status    NativeStatus
	Amount    decimal.Decimal
	Currency  string
	Target    DisplayTarget
	CreatedAt time.Time
	ExpiresAt time.Time
}

// StatusResult is a point-in-time provider status observation.
type StatusResult struct {
	RemoteID string
	Status   NativeStatus
	Echo     map[string]string
}

// WebhookEvent is a verified, parsed provider callback.
type WebhookEvent struct {
	Provider string
	RemoteID string
	Status   NativeStatus
	Amount   decimal.Decimal
	Currency string
	Raw      []byte
}

// Client is the transport adapter contract: one method per remote operation,
// exactly one network call per method, no retries, no persistence.
type Client interface {
	Name() string
	CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error)
	FetchStatus(ctx context.Context, remoteID string) (StatusResult, error)
	VerifyWebhook(signature string, body []byte) (WebhookEvent, error)
}

// PayoutRequest describes a disbursement to a payer or merchant wallet.
type PayoutRequest struct {
	ClientRef string
	Amount    decimal.Decimal
	Currency  string
	Recipient string
	Method    string
}

// Payout is the provider-side disbursement record.
type Payout struct {
	Provider string
	RemoteID string
	Status   NativeStatus
}

// PayoutCreator is implemented by providers that support disbursements.
type PayoutCreator interface {
	CreatePayout(ctx context.Context, req PayoutRequest) (Payout, error)
}

// MerchantCreator is implemented by providers requiring a provider-side
// merchant/aggregate entity before checkouts can be created.
type MerchantCreator interface {
	CreateMerchant(ctx context.Context, name, email, country string) (string, error)
}

// Registry resolves a client by its provider identifier.
type Registry map[string]Client

// Get returns the client for id, if registered.
func (r Registry) Get(id string) (Client, bool) {
	c, ok := r[id]
	return c, ok
}
