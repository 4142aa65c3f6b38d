package checkout

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/savane-labs/backend-pay/internal/common"
	"github.com/savane-labs/backend-pay/internal/provider"
	"github.com/savane-labs/backend-pay/internal/store"
	"github.com/savane-labs/backend-pay/internal/txn"
)

// Handler exposes the merchant-facing checkout endpoints.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

type createReq struct {
	MerchantID  string            `json:"merchantId" validate:"required"`
	OrgID       string            `json:"orgId"`
	PayerID     string            `json:"payerId"`
	Amount      string            `json:"amount" validate:"required"`
	Currency    string            `json:"currency" validate:"required,min=3,max=5"`
	Provider    string            `json:"provider" validate:"required,oneof=nowpayments moneroo"`
	PayCurrency string            `json:"payCurrency" validate:"omitempty,min=3,max=5"`
	SuccessURL  string            `json:"successUrl" validate:"omitempty,url"`
	CancelURL   string            `json:"cancelUrl" validate:"omitempty,url"`
	Description string            `json:"description" validate:"max=255"`
	Metadata    map[string]string `json:"metadata"`
}

type switchReq struct {
	Currency string `json:"currency" validate:"required,min=3,max=5"`
}

type targetResp struct {
	RedirectURL string `json:"redirectUrl,omitempty"`
	PayAddress  string `json:"payAddress,omitempty"`
	PayAmount   string `json:"payAmount,omitempty"`
	PayCurrency string `json:"payCurrency,omitempty"`
}

type checkoutResp struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	Provider           string            `json:"provider"`
	Amount             string            `json:"amount"`
	Currency           string            `json:"currency"`
	SettlementAmount   string            `json:"settlementAmount,omitempty"`
	SettlementCurrency string            `json:"settlementCurrency,omitempty"`
	RateSource         string            `json:"rateSource,omitempty"`
	Target             *targetResp       `json:"target,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// Routes mounts the checkout endpoints on the given router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/{id}", h.Status)
	r.Get("/{id}/events", h.Events)
	r.Post("/{id}/currency", h.SwitchCurrency)
}

// Create handles POST /v1/checkouts.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "CHECKOUT_NOT_CONFIGURED", "checkout handler unavailable", nil)
		return
	}
	var req createReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if err := h.validate(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error(), nil)
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil || !amount.IsPositive() {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_FAILED", "amount must be a positive decimal string", nil)
		return
	}

	result, err := h.Svc.Create(r.Context(), CreateRequest{
		MerchantID:  req.MerchantID,
		OrgID:       req.OrgID,
		PayerID:     req.PayerID,
		Amount:      amount,
		Currency:    req.Currency,
		Provider:    req.Provider,
		PayCurrency: req.PayCurrency,
		SuccessURL:  req.SuccessURL,
		CancelURL:   req.CancelURL,
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, toResp(result.Transaction, &result.Target, string(result.RateSource)))
}

// Status handles GET /v1/checkouts/{id}.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "id is required", nil)
		return
	}
	tx, _, err := h.Svc.Status(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, toResp(tx, nil, ""))
}

// Events handles GET /v1/checkouts/{id}/events: the applied status history.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "id is required", nil)
		return
	}
	_, history, err := h.Svc.Status(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if history == nil {
		history = []store.TransactionEvent{}
	}
	common.JSON(w, http.StatusOK, map[string]any{"transactionId": id, "events": history})
}

// SwitchCurrency handles POST /v1/checkouts/{id}/currency.
func (h *Handler) SwitchCurrency(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "id is required", nil)
		return
	}
	var req switchReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if err := h.validate(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error(), nil)
		return
	}
	result, err := h.Svc.SwitchCurrency(r.Context(), id, req.Currency)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, toResp(result.Transaction, &result.Target, string(result.RateSource)))
}

func (h *Handler) validate(v any) error {
	if h.Validate == nil {
		return nil
	}
	return h.Validate.Struct(v)
}

func toResp(tx txn.Transaction, target *provider.DisplayTarget, rateSource string) checkoutResp {
	resp := checkoutResp{
		ID:         tx.ID,
		Status:     string(tx.Status),
		Provider:   tx.Provider,
		Amount:     tx.Amount.String(),
		Currency:   tx.Currency,
		RateSource: rateSource,
		Metadata:   tx.Metadata,
		CreatedAt:  tx.CreatedAt,
		UpdatedAt:  tx.UpdatedAt,
	}
	if tx.SettlementCurrency != "" {
		resp.SettlementAmount = tx.SettlementAmount.String()
		resp.SettlementCurrency = tx.SettlementCurrency
	}
	if target != nil {
		tr := targetResp{
			RedirectURL: target.RedirectURL,
			PayAddress:  target.PayAddress,
			PayCurrency: target.PayCurrency,
		}
		if !target.PayAmount.IsZero() {
			tr.PayAmount = target.PayAmount.String()
		}
		if tr != (targetResp{}) {
			resp.Target = &tr
		}
	}
	return resp
}

func writeError(w http.ResponseWriter, err error) {
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		common.JSONError(w, appErr.HTTPStatus, appErr.Code, appErr.Message, appErr.Details)
		return
	}
	if errors.Is(err, txn.ErrNotFound) {
		common.JSONError(w, http.StatusNotFound, common.CodeTransactionNotFound, "transaction not found", nil)
		return
	}
	common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "unexpected error", nil)
}
