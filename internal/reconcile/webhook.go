package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/savane-labs/backend-pay/internal/common"
	"github.com/savane-labs/backend-pay/internal/lock"
	"github.com/savane-labs/backend-pay/internal/obs"
	"github.com/savane-labs/backend-pay/internal/provider"
	"github.com/savane-labs/backend-pay/internal/txn"
)

const maxWebhookBody = 1 << 20

// signatureHeaders maps each provider to the header carrying its webhook HMAC.
var signatureHeaders = map[string]string{
	provider.NowPayments: "x-nowpayments-sig",
	provider.Moneroo:     "x-moneroo-signature",
}

// WebhookStore resolves the transaction bound to a provider session.
type WebhookStore interface {
	GetTransactionByProviderSession(ctx context.Context, providerID, sessionID string) (txn.Transaction, error)
}

// Webhook handles provider callbacks: signature verification, replay
// suppression and idempotent state application.
type Webhook struct {
	Store     WebhookStore
	Providers provider.Registry
	Engine    *txn.Engine
	Locker    lock.Locker
	LockTTL   time.Duration
	Replay    *redis.Client
	ReplayTTL time.Duration
	Logger    zerolog.Logger
}

// Handle processes one provider callback. The signature is checked before the
// payload is trusted in any way, and failures are reported without detail so
// the response cannot be used as a forgery oracle.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	providerKey := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	client, ok := h.Providers.Get(providerKey)
	if !ok {
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown provider", nil)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}

	signature := r.Header.Get(signatureHeaders[providerKey])
	event, err := client.VerifyWebhook(signature, body)
	if err != nil {
		if errors.Is(err, provider.ErrSignature) {
			h.count(providerKey, "signature_invalid")
			common.JSONError(w, http.StatusUnauthorized, common.CodeSignatureInvalid, "unauthorized", nil)
			return
		}
		h.count(providerKey, "malformed")
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", "unable to parse payload", nil)
		return
	}

	var replayKey string
	if h.Replay != nil && h.ReplayTTL > 0 {
		replayKey = fmt.Sprintf("wh:%s:%s", providerKey, common.Sha256Hex(string(body)))
		fresh, err := h.Replay.SetNX(r.Context(), replayKey, "1", h.ReplayTTL).Result()
		if err != nil {
			common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "replay store unavailable", nil)
			return
		}
		if !fresh {
			// Already seen this exact payload; acknowledge so the provider
			// stops retrying. Apply is idempotent anyway.
			h.count(providerKey, "duplicate")
			common.JSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
	}

	ctx := r.Context()
	tx, err := h.Store.GetTransactionByProviderSession(ctx, providerKey, event.RemoteID)
	if err != nil {
		// The marker must not outlive a failed delivery, otherwise the
		// provider's retry of the identical body is acked as a duplicate.
		h.releaseReplay(ctx, replayKey)
		if errors.Is(err, txn.ErrNotFound) {
			h.count(providerKey, "unknown_session")
			common.JSONError(w, http.StatusNotFound, common.CodeTransactionNotFound, "no transaction for session", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "lookup failed", nil)
		return
	}

	next, err := txn.Normalize(event.Status)
	if err != nil {
		h.Logger.Error().Err(err).
			Str("provider", providerKey).
			Str("transaction_id", tx.ID).
			Msg("unmapped native status in webhook")
		h.count(providerKey, "unmapped_status")
		common.JSONError(w, http.StatusUnprocessableEntity, "STATUS_UNMAPPED", "unrecognised provider status", nil)
		return
	}

	echo := map[string]string{
		"source":        "webhook",
		"native_status": event.Status.Token(),
	}
	if !event.Amount.IsZero() {
		echo["provider_amount"] = event.Amount.String()
		echo["provider_currency"] = event.Currency
	}

	var result txn.Result
	err = h.Locker.WithLock(ctx, lock.TransactionKey(tx.ID), h.LockTTL, func(ctx context.Context) error {
		var applyErr error
		result, applyErr = h.Engine.Apply(ctx, tx.ID, next, echo)
		return applyErr
	})
	if err != nil {
		h.releaseReplay(ctx, replayKey)
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "state application failed", nil)
		return
	}

	h.count(providerKey, string(result.Outcome))
	common.JSON(w, http.StatusOK, map[string]string{
		"transactionId": tx.ID,
		"status":        string(result.Status),
	})
}

func (h Webhook) releaseReplay(ctx context.Context, key string) {
	if h.Replay == nil || key == "" {
		return
	}
	if err := h.Replay.Del(ctx, key).Err(); err != nil {
		h.Logger.Warn().Err(err).Str("key", key).Msg("failed to release replay marker")
	}
}

func (h Webhook) count(providerKey, result string) {
	if obs.WebhookTotal != nil {
		obs.WebhookTotal.WithLabelValues(providerKey, result).Inc()
	}
}
