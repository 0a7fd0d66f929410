package payment

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"

	"github.com/noah-isme/backend-digistore/internal/common"
)

// Handler exposes HTTP endpoints for checkout initiation, status polling and
// the browser return leg.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

type initiateReq struct {
	ProductSlug string `json:"productSlug" validate:"required"`
	Name        string `json:"name" validate:"required,min=2,max=120"`
	Email       string `json:"email" validate:"required,email"`
	Phone       string `json:"phone" validate:"required,len=10,numeric"`
	Provider    string `json:"provider" validate:"omitempty,oneof=phonepe cashfree"`
}

type initiateResp struct {
	MerchantTxnID string `json:"merchantTxnId"`
	Provider      string `json:"provider"`
	RedirectURL   string `json:"redirectUrl"`
	AmountMinor   int64  `json:"amountMinor"`
	Currency      string `json:"currency"`
}

// Initiate handles POST /api/v1/payments/initiate.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	var req initiateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(req); err != nil {
			common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request", validationDetails(err))
			return
		}
	}
	out, err := h.Svc.Initiate(r.Context(), InitiateInput{
		ProductSlug:   req.ProductSlug,
		CustomerName:  req.Name,
		CustomerEmail: req.Email,
		CustomerPhone: req.Phone,
		Provider:      req.Provider,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": initiateResp{
		MerchantTxnID: out.MerchantTxnID,
		Provider:      out.Provider,
		RedirectURL:   out.RedirectURL,
		AmountMinor:   out.AmountMinor,
		Currency:      out.Currency,
	}})
}

// Status handles GET /api/v1/payments/{transactionId}/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	txnID := strings.TrimSpace(chi.URLParam(r, "transactionId"))
	if txnID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "transactionId is required", nil)
		return
	}
	out, err := h.Svc.Status(r.Context(), txnID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := map[string]any{
		"merchantTxnId": out.MerchantTxnID,
		"provider":      out.Provider,
		"status":        out.Status,
	}
	if out.ContentURL != "" {
		resp["contentUrl"] = out.ContentURL
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": resp})
}

// Return handles GET /api/v1/payments/return, the browser redirect target.
// The code query param is a hint from the provider UI and is never trusted;
// the purchase is verified server-side before anything unlocks.
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	txnID := strings.TrimSpace(r.URL.Query().Get("merchantTransactionId"))
	if txnID == "" {
		txnID = strings.TrimSpace(r.URL.Query().Get("order_id"))
	}
	if txnID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "merchantTransactionId is required", nil)
		return
	}

	purchase, verification, contentURL, err := h.Svc.VerifyAndSettle(r.Context(), txnID)
	if err != nil {
		var transport *TransportError
		var malformed *MalformedResponseError
		if errors.As(err, &transport) || errors.As(err, &malformed) {
			common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{
				"merchantTxnId": purchase.MerchantTxnID,
				"status":        purchase.Status,
				"message":       "payment status could not be confirmed yet, retry shortly",
			}})
			return
		}
		h.writeError(w, err)
		return
	}
	if verification.PaymentSuccess && contentURL != "" {
		http.Redirect(w, r, contentURL, http.StatusFound)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"merchantTxnId": purchase.MerchantTxnID,
		"status":        purchase.Status,
	}})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		status := appErr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		common.JSONError(w, status, appErr.Code, appErr.Message, appErr.Details)
		return
	}
	var cfgErr *ConfigError
	var transport *TransportError
	var rejection *ProviderRejection
	var malformed *MalformedResponseError
	switch {
	case errors.As(err, &cfgErr):
		common.JSONError(w, http.StatusInternalServerError, "CONFIG_ERROR", "payment provider misconfigured", nil)
	case errors.As(err, &transport):
		common.JSONError(w, http.StatusBadGateway, "PROVIDER_UNREACHABLE", "payment provider unreachable", nil)
	case errors.As(err, &rejection):
		common.JSONError(w, http.StatusBadGateway, "PROVIDER_REJECTED", rejection.Error(), map[string]any{
			"providerCode": rejection.Code,
		})
	case errors.As(err, &malformed):
		common.JSONError(w, http.StatusBadGateway, "PROVIDER_MALFORMED", "invalid response from payment provider", nil)
	case errors.Is(err, ErrFulfillmentDenied):
		common.JSONError(w, http.StatusForbidden, "FULFILLMENT_DENIED", err.Error(), nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}

func validationDetails(err error) any {
	var invalid validator.ValidationErrors
	if !errors.As(err, &invalid) {
		return nil
	}
	fields := make(map[string]string, len(invalid))
	for _, fe := range invalid {
		fields[fe.Field()] = fe.Tag()
	}
	return map[string]any{"fields": fields}
}
