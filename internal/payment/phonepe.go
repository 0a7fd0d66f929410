package payment

import (
	"bytes"
	"context"
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

const (
	phonePePayPath    = "/pg/v1/pay"
	phonePeStatusPath = "/pg/v1/status"
)

// PhonePe implements the Provider interface for the PhonePe PG hosted flow.
type PhonePe struct {
	MerchantID string
	APIKey     string
	SaltKey    string
	SaltIndex  string
	BaseURL    string
	HTTP       *resilience.HTTPClient
}

// Name implements Provider.
func (p PhonePe) Name() string { return "phonepe" }

func (p PhonePe) checkConfig() error {
	if strings.TrimSpace(p.MerchantID) == "" {
		return &ConfigError{Provider: "phonepe", Field: "merchant id"}
	}
	if strings.TrimSpace(p.SaltKey) == "" {
		return &ConfigError{Provider: "phonepe", Field: "salt key"}
	}
	if p.HTTP == nil {
		return &ConfigError{Provider: "phonepe", Field: "http client"}
	}
	return nil
}

// Initiate opens a hosted PAY_PAGE checkout and returns the redirect URL.
func (p PhonePe) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	if err := p.checkConfig(); err != nil {
		return InitiateResult{}, err
	}
	payload := map[string]any{
		"merchantId":            p.MerchantID,
		"merchantTransactionId": req.MerchantTxnID,
		"merchantUserId":        "MUID-" + req.MerchantTxnID,
		"amount":                req.AmountMinor,
		"redirectUrl":           req.ReturnURL,
		"redirectMode":          "REDIRECT",
		"callbackUrl":           req.CallbackURL,
		"mobileNumber":          req.CustomerPhone,
		"paymentInstrument":     map[string]any{"type": "PAY_PAGE"},
	}
	encodedPayload, err := json.Marshal(payload)
	if err != nil {
		return InitiateResult{}, err
	}
	b64 := base64.StdEncoding.EncodeToString(encodedPayload)
	body, err := json.Marshal(map[string]string{"request": b64})
	if err != nil {
		return InitiateResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.BaseURL, "/")+phonePePayPath, bytes.NewReader(body))
	if err != nil {
		return InitiateResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-VERIFY", SignPayload(b64, phonePePayPath, p.SaltKey, p.SaltIndex))
	if p.APIKey != "" {
		httpReq.Header.Set("X-API-KEY", p.APIKey)
	}

	raw, err := p.do(ctx, httpReq, "initiate")
	if err != nil {
		return InitiateResult{}, err
	}

	var parsed struct {
		Success bool   `json:"success"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Data    struct {
			InstrumentResponse struct {
				RedirectInfo struct {
					URL string `json:"url"`
				} `json:"redirectInfo"`
			} `json:"instrumentResponse"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return InitiateResult{}, &MalformedResponseError{Provider: "phonepe", RawBody: raw, Err: err}
	}
	if !parsed.Success {
		return InitiateResult{}, &ProviderRejection{Provider: "phonepe", Code: parsed.Code, Message: parsed.Message}
	}
	redirectURL := strings.TrimSpace(parsed.Data.InstrumentResponse.RedirectInfo.URL)
	if redirectURL == "" {
		return InitiateResult{}, &MalformedResponseError{Provider: "phonepe", RawBody: raw, Err: fmt.Errorf("missing redirect url in %s response", parsed.Code)}
	}
	return InitiateResult{
		Provider:    "phonepe",
		RedirectURL: redirectURL,
		ProviderRef: req.MerchantTxnID,
		Raw:         raw,
	}, nil
}

// Verify checks the authoritative payment state through the status API.
// Transport and parse failures leave the result unverified.
func (p PhonePe) Verify(ctx context.Context, merchantTxnID string) (VerifyResult, error) {
	if err := p.checkConfig(); err != nil {
		return VerifyResult{}, err
	}
	path := fmt.Sprintf("%s/%s/%s", phonePeStatusPath, p.MerchantID, merchantTxnID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(p.BaseURL, "/")+path, nil)
	if err != nil {
		return VerifyResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-VERIFY", SignPath(path, p.SaltKey, p.SaltIndex))
	httpReq.Header.Set("X-MERCHANT-ID", p.MerchantID)

	raw, err := p.do(ctx, httpReq, "verify")
	if err != nil {
		return VerifyResult{}, err
	}

	var parsed struct {
		Success bool   `json:"success"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return VerifyResult{Raw: raw}, &MalformedResponseError{Provider: "phonepe", RawBody: raw, Err: err}
	}
	result := VerifyResult{Verified: true, ProviderCode: parsed.Code, Raw: raw}
	switch strings.ToUpper(strings.TrimSpace(parsed.Code)) {
	case "PAYMENT_SUCCESS":
		result.PaymentSuccess = true
		result.Status = StatusPaid
	case "PAYMENT_PENDING", "PAYMENT_INITIATED":
		result.Status = StatusPending
	case "TIMED_OUT", "PAYMENT_EXPIRED":
		result.Status = StatusExpired
	case "PAYMENT_ERROR", "PAYMENT_DECLINED", "INTERNAL_SERVER_ERROR", "BAD_REQUEST", "AUTHORIZATION_FAILED", "TRANSACTION_NOT_FOUND":
		result.Status = StatusFailed
	default:
		// An unrecognised code is not a definitive answer.
		result.Verified = false
		result.Status = StatusPending
	}
	return result, nil
}

// VerifyWebhook validates the X-VERIFY checksum over the base64 response body
// and extracts the transaction hint.
func (p PhonePe) VerifyWebhook(r *http.Request, body []byte) (WebhookResult, error) {
	var envelope struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return WebhookResult{Valid: false, Err: err}, nil
	}
	if strings.TrimSpace(envelope.Response) == "" {
		return WebhookResult{Valid: false, Err: fmt.Errorf("missing response field")}, nil
	}
	expected := SignPayload(envelope.Response, "", p.SaltKey, p.SaltIndex)
	if !VerifyChecksum(r.Header.Get("X-VERIFY"), expected) {
		return WebhookResult{Valid: false, Err: fmt.Errorf("invalid signature")}, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(envelope.Response)
	if err != nil {
		return WebhookResult{Valid: false, Err: err}, nil
	}
	var payload struct {
		Code string `json:"code"`
		Data struct {
			MerchantTransactionID string `json:"merchantTransactionId"`
			Amount                int64  `json:"amount"`
			State                 string `json:"state"`
		} `json:"data"`
	}
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return WebhookResult{Valid: false, Err: err}, nil
	}
	if payload.Data.MerchantTransactionID == "" {
		return WebhookResult{Valid: false, Err: fmt.Errorf("missing merchant transaction id")}, nil
	}
	status := StatusPending
	switch strings.ToUpper(strings.TrimSpace(payload.Code)) {
	case "PAYMENT_SUCCESS":
		status = StatusPaid
	case "PAYMENT_ERROR", "PAYMENT_DECLINED":
		status = StatusFailed
	case "TIMED_OUT", "PAYMENT_EXPIRED":
		status = StatusExpired
	}
	return WebhookResult{
		Valid:         true,
		MerchantTxnID: payload.Data.MerchantTransactionID,
		AmountMinor:   payload.Data.Amount,
		Status:        status,
		Payload:       decoded,
	}, nil
}

func (p PhonePe) do(ctx context.Context, req *http.Request, op string) ([]byte, error) {
	start := time.Now()
	resp, err := p.HTTP.Do(ctx, req)
	if obs.ProviderCallLatency != nil {
		obs.ProviderCallLatency.WithLabelValues("phonepe", op).Observe(obs.DurationMillis(time.Since(start)))
	}
	if err != nil {
		return nil, &TransportError{Provider: "phonepe", Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Provider: "phonepe", Op: op, Err: err}
	}
	if resp.StatusCode >= 500 {
		return nil, &TransportError{Provider: "phonepe", Op: op, Err: fmt.Errorf("upstream status %d", resp.StatusCode)}
	}
	return raw, nil
}
