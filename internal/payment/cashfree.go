package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/noah-isme/backend-digistore/internal/obs"
	"github.com/noah-isme/backend-digistore/internal/resilience"
)

const cashfreeOrdersPath = "/pg/orders"

// Cashfree implements the Provider interface for the Cashfree PG orders flow.
type Cashfree struct {
	ClientID   string
	SecretKey  string
	BaseURL    string
	APIVersion string
	HTTP       *resilience.HTTPClient
}

// Name implements Provider.
func (c Cashfree) Name() string { return "cashfree" }

func (c Cashfree) checkConfig() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return &ConfigError{Provider: "cashfree", Field: "client id"}
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return &ConfigError{Provider: "cashfree", Field: "secret key"}
	}
	if c.HTTP == nil {
		return &ConfigError{Provider: "cashfree", Field: "http client"}
	}
	return nil
}

func (c Cashfree) apiVersion() string {
	if strings.TrimSpace(c.APIVersion) == "" {
		return "2023-08-01"
	}
	return c.APIVersion
}

func (c Cashfree) setAuthHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-client-id", c.ClientID)
	req.Header.Set("x-client-secret", c.SecretKey)
	req.Header.Set("x-api-version", c.apiVersion())
}

// Initiate creates a Cashfree order and returns the hosted payment link.
func (c Cashfree) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	if err := c.checkConfig(); err != nil {
		return InitiateResult{}, err
	}
	currency := req.Currency
	if currency == "" {
		currency = "INR"
	}
	body, err := json.Marshal(map[string]any{
		"order_id":       req.MerchantTxnID,
		"order_amount":   float64(req.AmountMinor) / 100,
		"order_currency": currency,
		"customer_details": map[string]any{
			"customer_id":    "CUST-" + req.MerchantTxnID,
			"customer_name":  req.CustomerName,
			"customer_email": req.CustomerEmail,
			"customer_phone": req.CustomerPhone,
		},
		"order_meta": map[string]any{
			"return_url": req.ReturnURL,
			"notify_url": req.CallbackURL,
		},
	})
	if err != nil {
		return InitiateResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+cashfreeOrdersPath, bytes.NewReader(body))
	if err != nil {
		return InitiateResult{}, err
	}
	c.setAuthHeaders(httpReq)

	raw, err := c.do(ctx, httpReq, "initiate")
	if err != nil {
		return InitiateResult{}, err
	}

	var parsed struct {
		OrderID          string `json:"order_id"`
		PaymentSessionID string `json:"payment_session_id"`
		PaymentLink      string `json:"payment_link"`
		OrderStatus      string `json:"order_status"`
		Code             string `json:"code"`
		Message          string `json:"message"`
		Type             string `json:"type"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return InitiateResult{}, &MalformedResponseError{Provider: "cashfree", RawBody: raw, Err: err}
	}
	if parsed.OrderID == "" && (parsed.Code != "" || parsed.Type != "") {
		return InitiateResult{}, &ProviderRejection{Provider: "cashfree", Code: parsed.Code, Message: parsed.Message}
	}
	redirectURL := strings.TrimSpace(parsed.PaymentLink)
	if redirectURL == "" {
		if parsed.PaymentSessionID == "" {
			return InitiateResult{}, &MalformedResponseError{Provider: "cashfree", RawBody: raw, Err: fmt.Errorf("missing payment link and session id")}
		}
		redirectURL = fmt.Sprintf("%s/pg/view/%s", strings.TrimRight(c.BaseURL, "/"), parsed.PaymentSessionID)
	}
	return InitiateResult{
		Provider:    "cashfree",
		RedirectURL: redirectURL,
		ProviderRef: parsed.PaymentSessionID,
		Raw:         raw,
	}, nil
}

// Verify fetches the order from Cashfree and maps its status.
func (c Cashfree) Verify(ctx context.Context, merchantTxnID string) (VerifyResult, error) {
	if err := c.checkConfig(); err != nil {
		return VerifyResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s%s/%s", strings.TrimRight(c.BaseURL, "/"), cashfreeOrdersPath, merchantTxnID), nil)
	if err != nil {
		return VerifyResult{}, err
	}
	c.setAuthHeaders(httpReq)

	raw, err := c.do(ctx, httpReq, "verify")
	if err != nil {
		return VerifyResult{}, err
	}

	var parsed struct {
		OrderID     string `json:"order_id"`
		OrderStatus string `json:"order_status"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return VerifyResult{Raw: raw}, &MalformedResponseError{Provider: "cashfree", RawBody: raw, Err: err}
	}
	result := VerifyResult{Verified: true, ProviderCode: parsed.OrderStatus, Raw: raw}
	switch strings.ToUpper(strings.TrimSpace(parsed.OrderStatus)) {
	case "PAID":
		result.PaymentSuccess = true
		result.Status = StatusPaid
	case "ACTIVE":
		result.Status = StatusPending
	case "EXPIRED":
		result.Status = StatusExpired
	case "FAILED", "TERMINATED", "TERMINATION_REQUESTED":
		result.Status = StatusFailed
	default:
		result.Verified = false
		result.Status = StatusPending
	}
	return result, nil
}

// VerifyWebhook validates the HMAC signature over timestamp+body and extracts
// the order hint.
func (c Cashfree) VerifyWebhook(r *http.Request, body []byte) (WebhookResult, error) {
	timestamp := strings.TrimSpace(r.Header.Get("x-webhook-timestamp"))
	received := strings.TrimSpace(r.Header.Get("x-webhook-signature"))
	if timestamp == "" || received == "" {
		return WebhookResult{Valid: false, Err: fmt.Errorf("missing signature headers")}, nil
	}
	mac := hmac.New(sha256.New, []byte(c.SecretKey))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(received), []byte(expected)) {
		return WebhookResult{Valid: false, Err: fmt.Errorf("invalid signature")}, nil
	}

	var payload struct {
		Type string `json:"type"`
		Data struct {
			Order struct {
				OrderID     string  `json:"order_id"`
				OrderAmount float64 `json:"order_amount"`
			} `json:"order"`
			Payment struct {
				PaymentStatus string `json:"payment_status"`
			} `json:"payment"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookResult{Valid: false, Err: err}, nil
	}
	if payload.Data.Order.OrderID == "" {
		return WebhookResult{Valid: false, Err: fmt.Errorf("missing order id")}, nil
	}
	status := StatusPending
	switch strings.ToUpper(strings.TrimSpace(payload.Data.Payment.PaymentStatus)) {
	case "SUCCESS":
		status = StatusPaid
	case "FAILED", "CANCELLED", "USER_DROPPED":
		status = StatusFailed
	case "EXPIRED":
		status = StatusExpired
	}
	amountMinor, err := ToMinorUnits(payload.Data.Order.OrderAmount)
	if err != nil {
		amountMinor = 0
	}
	return WebhookResult{
		Valid:         true,
		MerchantTxnID: payload.Data.Order.OrderID,
		AmountMinor:   amountMinor,
		Status:        status,
		Payload:       body,
	}, nil
}

func (c Cashfree) do(ctx context.Context, req *http.Request, op string) ([]byte, error) {
	start := time.Now()
	resp, err := c.HTTP.Do(ctx, req)
	if obs.ProviderCallLatency != nil {
		obs.ProviderCallLatency.WithLabelValues("cashfree", op).Observe(obs.DurationMillis(time.Since(start)))
	}
	if err != nil {
		return nil, &TransportError{Provider: "cashfree", Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Provider: "cashfree", Op: op, Err: err}
	}
	if resp.StatusCode >= 500 {
		return nil, &TransportError{Provider: "cashfree", Op: op, Err: fmt.Errorf("upstream status %d", resp.StatusCode)}
	}
	return raw, nil
}
