package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-digistore/internal/common"
	"github.com/noah-isme/backend-digistore/internal/events"
	"github.com/noah-isme/backend-digistore/internal/obs"
	"github.com/noah-isme/backend-digistore/internal/queue"
	"github.com/noah-isme/backend-digistore/internal/store"
)

// VerifyTaskKind is the queue kind for delayed purchase re-verification.
const VerifyTaskKind = "purchase:verify"

// PurchaseStore defines the persistence operations the purchase service needs.
type PurchaseStore interface {
	GetProductBySlug(ctx context.Context, slug string) (store.Product, error)
	GetProductByID(ctx context.Context, id pgtype.UUID) (store.Product, error)
	CreatePurchase(ctx context.Context, arg store.CreatePurchaseParams) (store.Purchase, error)
	GetPurchaseByTxnID(ctx context.Context, merchantTxnID string) (store.Purchase, error)
	UpdatePurchaseStatus(ctx context.Context, id pgtype.UUID, status string, payload []byte) (store.Purchase, error)
	SetPurchaseRedirectURL(ctx context.Context, id pgtype.UUID, redirectURL string) error
	InsertPurchaseEvent(ctx context.Context, purchaseID pgtype.UUID, status string, payload []byte) error
	GetFulfillmentGrant(ctx context.Context, merchantTxnID string) (store.FulfillmentGrant, error)
	ListPendingPurchases(ctx context.Context, createdBefore time.Time, limit int32) ([]store.Purchase, error)
}

// TaskEnqueuer schedules delayed verification tasks.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// InitiateInput is the validated request to open a checkout.
type InitiateInput struct {
	ProductSlug   string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	Provider      string
}

// InitiateOutput is returned to the storefront for the browser redirect.
type InitiateOutput struct {
	MerchantTxnID string
	Provider      string
	RedirectURL   string
	AmountMinor   int64
	Currency      string
}

// StatusOutput is the consolidated polling response.
type StatusOutput struct {
	MerchantTxnID string
	Provider      string
	Status        string
	ContentURL    string
}

// Service coordinates purchase initiation, verification and settlement.
type Service struct {
	Store           PurchaseStore
	Providers       map[string]Provider
	DefaultProvider string
	PublicBaseURL   string
	PurchaseTTL     time.Duration
	VerifyPollDelay time.Duration
	VerifyMaxPolls  int
	Gate            Gate
	Events          *events.Bus
	Queue           TaskEnqueuer
}

// Initiate prices the product server-side, persists the purchase and opens a
// hosted checkout with the configured provider.
func (s *Service) Initiate(ctx context.Context, in InitiateInput) (InitiateOutput, error) {
	var zero InitiateOutput
	if s == nil || s.Store == nil || len(s.Providers) == 0 {
		return zero, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Initiate")
	defer span.End()

	providerName := s.resolveProviderName(in.Provider)
	result := "error"
	start := time.Now()
	defer func() {
		span.SetAttributes(
			attribute.String("payment.provider", providerName),
			attribute.Float64("payment.initiate.duration_ms", obs.DurationMillis(time.Since(start))),
			attribute.String("payment.initiate.result", result),
		)
		if obs.PaymentInitiateTotal != nil {
			obs.PaymentInitiateTotal.WithLabelValues(providerName, result).Inc()
		}
	}()

	provider, ok := s.Providers[providerName]
	if !ok {
		return zero, common.NewAppError("PROVIDER_NOT_SUPPORTED", fmt.Sprintf("unknown provider %q", providerName), http.StatusBadRequest, nil)
	}

	product, err := s.Store.GetProductBySlug(ctx, strings.TrimSpace(in.ProductSlug))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, common.NewAppError("PRODUCT_NOT_FOUND", "product not found", http.StatusNotFound, nil)
		}
		return zero, err
	}
	if !product.Active {
		return zero, common.NewAppError("PRODUCT_NOT_FOUND", "product not available", http.StatusNotFound, nil)
	}
	if product.PriceMinor <= 0 {
		return zero, common.NewAppError("PRODUCT_NOT_PURCHASABLE", "product has no price", http.StatusUnprocessableEntity, nil)
	}

	merchantTxnID := NewMerchantTxnID()
	span.SetAttributes(attribute.String("payment.merchant_txn_id", merchantTxnID))

	purchase, err := s.Store.CreatePurchase(ctx, store.CreatePurchaseParams{
		MerchantTxnID: merchantTxnID,
		ProductID:     product.ID,
		Provider:      providerName,
		AmountMinor:   product.PriceMinor,
		Currency:      product.Currency,
		CustomerName:  strings.TrimSpace(in.CustomerName),
		CustomerEmail: strings.TrimSpace(in.CustomerEmail),
		CustomerPhone: strings.TrimSpace(in.CustomerPhone),
	})
	if err != nil {
		return zero, err
	}
	_ = s.Store.InsertPurchaseEvent(ctx, purchase.ID, store.PurchaseStatusPending, nil)
	if s.Events != nil {
		_, _ = s.Events.Emit(ctx, events.TopicPurchaseInitiated, purchase.ID, map[string]any{
			"merchantTxnId": merchantTxnID,
			"productTitle":  product.Title,
			"amountMinor":   product.PriceMinor,
		})
	}

	initiated, err := provider.Initiate(ctx, InitiateRequest{
		MerchantTxnID: merchantTxnID,
		AmountMinor:   product.PriceMinor,
		Currency:      product.Currency,
		CustomerName:  purchase.CustomerName,
		CustomerEmail: purchase.CustomerEmail,
		CustomerPhone: purchase.CustomerPhone,
		ReturnURL:     fmt.Sprintf("%s/api/v1/payments/return?merchantTransactionId=%s", s.PublicBaseURL, merchantTxnID),
		CallbackURL:   fmt.Sprintf("%s/api/v1/webhooks/payment/%s", s.PublicBaseURL, providerName),
	})
	if err != nil {
		span.RecordError(err)
		var rejection *ProviderRejection
		if errors.As(err, &rejection) {
			payload := toJSON(map[string]any{"code": rejection.Code, "message": rejection.Message})
			if updated, uerr := s.Store.UpdatePurchaseStatus(ctx, purchase.ID, store.PurchaseStatusFailed, payload); uerr == nil {
				_ = s.Store.InsertPurchaseEvent(ctx, updated.ID, store.PurchaseStatusFailed, payload)
			}
			result = "rejected"
		}
		return zero, err
	}

	if err := s.Store.SetPurchaseRedirectURL(ctx, purchase.ID, initiated.RedirectURL); err != nil {
		return zero, err
	}
	s.scheduleVerification(ctx, merchantTxnID, s.VerifyPollDelay)

	result = "success"
	return InitiateOutput{
		MerchantTxnID: merchantTxnID,
		Provider:      providerName,
		RedirectURL:   initiated.RedirectURL,
		AmountMinor:   product.PriceMinor,
		Currency:      product.Currency,
	}, nil
}

// Status returns the consolidated purchase status, re-verifying pending
// purchases against the provider.
func (s *Service) Status(ctx context.Context, merchantTxnID string) (StatusOutput, error) {
	purchase, verification, contentURL, err := s.VerifyAndSettle(ctx, merchantTxnID)
	if err != nil {
		var transport *TransportError
		var malformed *MalformedResponseError
		if purchase.ID.Valid && (errors.As(err, &transport) || errors.As(err, &malformed)) {
			// The provider could not be reached; report the last known state.
			return StatusOutput{
				MerchantTxnID: purchase.MerchantTxnID,
				Provider:      purchase.Provider,
				Status:        purchase.Status,
			}, nil
		}
		return StatusOutput{}, err
	}
	_ = verification
	return StatusOutput{
		MerchantTxnID: purchase.MerchantTxnID,
		Provider:      purchase.Provider,
		Status:        purchase.Status,
		ContentURL:    contentURL,
	}, nil
}

// VerifyAndSettle re-checks a purchase against the provider status API and
// applies the outcome: status transition, event log entry, and fulfillment for
// verified successes. It is idempotent; repeated calls converge on the same
// state and at most one fulfillment grant.
func (s *Service) VerifyAndSettle(ctx context.Context, merchantTxnID string) (store.Purchase, VerifyResult, string, error) {
	var zeroVR VerifyResult
	if s == nil || s.Store == nil {
		return store.Purchase{}, zeroVR, "", errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.VerifyAndSettle")
	defer span.End()

	purchase, err := s.Store.GetPurchaseByTxnID(ctx, strings.TrimSpace(merchantTxnID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Purchase{}, zeroVR, "", common.NewAppError("PURCHASE_NOT_FOUND", "purchase not found", http.StatusNotFound, nil)
		}
		return store.Purchase{}, zeroVR, "", err
	}
	span.SetAttributes(
		attribute.String("payment.merchant_txn_id", purchase.MerchantTxnID),
		attribute.String("payment.provider", purchase.Provider),
	)

	if purchase.Status == store.PurchaseStatusPaid {
		contentURL := ""
		if grant, gerr := s.Store.GetFulfillmentGrant(ctx, purchase.MerchantTxnID); gerr == nil {
			contentURL = grant.ContentURL
		}
		return purchase, VerifyResult{Verified: true, PaymentSuccess: true, Status: StatusPaid}, contentURL, nil
	}

	provider, ok := s.Providers[purchase.Provider]
	if !ok {
		return purchase, zeroVR, "", &ConfigError{Provider: purchase.Provider, Field: "adapter"}
	}

	verification, err := provider.Verify(ctx, purchase.MerchantTxnID)
	s.recordVerify(purchase.Provider, verification, err)
	if err != nil {
		span.RecordError(err)
		return purchase, verification, "", err
	}
	if !verification.Verified {
		return purchase, verification, "", nil
	}

	if verification.Status != StatusPending && verification.Status != purchase.Status {
		updated, uerr := s.Store.UpdatePurchaseStatus(ctx, purchase.ID, verification.Status, verification.Raw)
		switch {
		case uerr == nil:
			purchase = updated
			_ = s.Store.InsertPurchaseEvent(ctx, purchase.ID, purchase.Status, verification.Raw)
			s.emitTransition(ctx, purchase)
		case errors.Is(uerr, store.ErrStatusConflict):
			// Raced with another settle path; the stored row wins.
			if refreshed, rerr := s.Store.GetPurchaseByTxnID(ctx, purchase.MerchantTxnID); rerr == nil {
				purchase = refreshed
			}
		default:
			return purchase, verification, "", uerr
		}
	}

	contentURL := ""
	if verification.PaymentSuccess {
		contentURL, err = s.Gate.Unlock(ctx, purchase, verification)
		if err != nil {
			return purchase, verification, "", err
		}
	}
	return purchase, verification, contentURL, nil
}

// HandleVerifyTask is the queue handler for delayed re-verification. Pending
// purchases past the TTL are expired; otherwise a still-pending outcome returns
// an error so the queue retries with backoff.
func (s *Service) HandleVerifyTask(ctx context.Context, payload []byte) error {
	var task struct {
		MerchantTxnID string `json:"merchantTxnId"`
	}
	if err := json.Unmarshal(payload, &task); err != nil {
		return fmt.Errorf("decode verify task: %w", err)
	}
	purchase, verification, _, err := s.VerifyAndSettle(ctx, task.MerchantTxnID)
	if err != nil {
		var appErr *common.AppError
		if errors.As(err, &appErr) && appErr.HTTPStatus == http.StatusNotFound {
			return nil
		}
		return err
	}
	if purchase.Status != store.PurchaseStatusPending {
		return nil
	}
	if s.PurchaseTTL > 0 && purchase.CreatedAt.Valid && time.Since(purchase.CreatedAt.Time) > s.PurchaseTTL {
		return s.expire(ctx, purchase)
	}
	if !verification.Verified {
		return fmt.Errorf("purchase %s verification indeterminate", purchase.MerchantTxnID)
	}
	return fmt.Errorf("purchase %s still pending", purchase.MerchantTxnID)
}

// ExpireStalePending sweeps PENDING purchases past the TTL into EXPIRED. Used
// by the worker as a safety net for tasks lost from the queue.
func (s *Service) ExpireStalePending(ctx context.Context, limit int32) (int, error) {
	if s.PurchaseTTL <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-s.PurchaseTTL)
	stale, err := s.Store.ListPendingPurchases(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, purchase := range stale {
		// Re-verify once before expiring; a late success must win.
		refreshed, verification, _, verr := s.VerifyAndSettle(ctx, purchase.MerchantTxnID)
		if verr == nil && verification.Verified && refreshed.Status != store.PurchaseStatusPending {
			continue
		}
		if err := s.expire(ctx, purchase); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (s *Service) expire(ctx context.Context, purchase store.Purchase) error {
	updated, err := s.Store.UpdatePurchaseStatus(ctx, purchase.ID, store.PurchaseStatusExpired, nil)
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return nil
		}
		return err
	}
	_ = s.Store.InsertPurchaseEvent(ctx, updated.ID, store.PurchaseStatusExpired, nil)
	s.emitTransition(ctx, updated)
	return nil
}

func (s *Service) scheduleVerification(ctx context.Context, merchantTxnID string, delay time.Duration) {
	if s.Queue == nil {
		return
	}
	maxAttempts := s.VerifyMaxPolls
	if maxAttempts <= 0 {
		maxAttempts = 20
	}
	payload := toJSON(map[string]string{"merchantTxnId": merchantTxnID})
	_ = s.Queue.Enqueue(ctx, queue.Task{
		Kind:           VerifyTaskKind,
		Payload:        payload,
		IdempotencyKey: merchantTxnID,
		MaxAttempts:    maxAttempts,
		Delay:          delay,
	})
}

func (s *Service) emitTransition(ctx context.Context, purchase store.Purchase) {
	if s.Events == nil {
		return
	}
	payload := map[string]any{
		"merchantTxnId": purchase.MerchantTxnID,
		"email":         purchase.CustomerEmail,
		"status":        purchase.Status,
	}
	switch purchase.Status {
	case store.PurchaseStatusFailed:
		_, _ = s.Events.Emit(ctx, events.TopicPurchaseFailed, purchase.ID, payload)
	case store.PurchaseStatusExpired:
		_, _ = s.Events.Emit(ctx, events.TopicPurchaseExpired, purchase.ID, payload)
	}
}

func (s *Service) recordVerify(providerName string, verification VerifyResult, err error) {
	if obs.PaymentVerifyTotal == nil {
		return
	}
	result := "indeterminate"
	switch {
	case err != nil || !verification.Verified:
	case verification.PaymentSuccess:
		result = "success"
	default:
		result = "failure"
	}
	obs.PaymentVerifyTotal.WithLabelValues(providerName, result).Inc()
}

func (s *Service) resolveProviderName(override string) string {
	name := strings.ToLower(strings.TrimSpace(override))
	if name == "" {
		name = strings.ToLower(strings.TrimSpace(s.DefaultProvider))
	}
	return name
}

func toJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
