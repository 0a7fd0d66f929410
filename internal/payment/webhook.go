package payment

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/backend-digistore/internal/common"
	"github.com/noah-isme/backend-digistore/internal/obs"
)

// Webhook handles provider callbacks. The payload is only a hint: after the
// signature and replay checks pass, the purchase is re-verified through the
// provider's status API before any state changes.
type Webhook struct {
	Svc       *Service
	Providers map[string]Provider
	Replay    *redis.Client
	ReplayTTL time.Duration
}

// Handle processes POST /api/v1/webhooks/payment/{provider}.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	providerKey := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	if h.Svc == nil || h.Providers == nil {
		h.record(providerKey, "unconfigured")
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	provider, ok := h.Providers[providerKey]
	if !ok {
		h.record(providerKey, "unknown_provider")
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown provider", nil)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.record(providerKey, "bad_body")
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}

	result, err := provider.VerifyWebhook(r, body)
	if err != nil {
		h.record(providerKey, "bad_body")
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", err.Error(), nil)
		return
	}
	if !result.Valid {
		h.record(providerKey, "invalid_signature")
		common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
		return
	}

	ctx := r.Context()
	replayKey := fmt.Sprintf("wh:%s:%s", providerKey, common.Sha256Hex(string(body)))
	if h.Replay != nil && h.ReplayTTL > 0 {
		ok, err := h.Replay.SetNX(ctx, replayKey, "1", h.ReplayTTL).Result()
		if err != nil {
			h.record(providerKey, "replay_store_error")
			common.JSONError(w, http.StatusInternalServerError, "REPLAY_STORE_ERROR", err.Error(), nil)
			return
		}
		if !ok {
			h.record(providerKey, "replay")
			common.JSONError(w, http.StatusConflict, "REPLAY", "duplicate webhook", nil)
			return
		}
	}

	purchase, err := h.Svc.Store.GetPurchaseByTxnID(ctx, result.MerchantTxnID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			h.record(providerKey, "unknown_purchase")
			common.JSONError(w, http.StatusNotFound, "PURCHASE_NOT_FOUND", "purchase not found", nil)
			return
		}
		h.record(providerKey, "store_error")
		common.JSONError(w, http.StatusInternalServerError, "PURCHASE_FETCH_ERROR", err.Error(), nil)
		return
	}
	if result.AmountMinor > 0 && result.AmountMinor != purchase.AmountMinor {
		h.record(providerKey, "amount_mismatch")
		common.JSONError(w, http.StatusBadRequest, "AMOUNT_MISMATCH", "provider amount mismatch", nil)
		return
	}

	// The webhook body said something happened; ask the status API what actually did.
	if _, _, _, err := h.Svc.VerifyAndSettle(ctx, purchase.MerchantTxnID); err != nil {
		var transport *TransportError
		var malformed *MalformedResponseError
		if errors.As(err, &transport) || errors.As(err, &malformed) {
			// Indeterminate; release the replay key so a redelivery can settle.
			if h.Replay != nil {
				_ = h.Replay.Del(ctx, replayKey).Err()
			}
			h.record(providerKey, "verify_indeterminate")
			common.JSONError(w, http.StatusBadGateway, "VERIFY_INDETERMINATE", "status check failed", nil)
			return
		}
		h.record(providerKey, "settle_error")
		common.JSONError(w, http.StatusInternalServerError, "SETTLE_ERROR", err.Error(), nil)
		return
	}

	h.record(providerKey, "processed")
	w.WriteHeader(http.StatusNoContent)
}

func (h Webhook) record(provider, result string) {
	if obs.PaymentWebhookTotal == nil {
		return
	}
	if provider == "" {
		provider = "unknown"
	}
	obs.PaymentWebhookTotal.WithLabelValues(provider, result).Inc()
}
