package payment_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-digistore/internal/payment"
	"github.com/noah-isme/backend-digistore/internal/resilience"
)

func testHTTPClient() *resilience.HTTPClient {
	return &resilience.HTTPClient{
		Client:      &http.Client{Timeout: 5 * time.Second},
		Breaker:     resilience.NewBreaker(1000, 1.0, time.Second),
		MaxAttempts: 1,
	}
}

func testPhonePe(baseURL string) payment.PhonePe {
	return payment.PhonePe{
		MerchantID: "M-TEST",
		APIKey:     "test-api-key",
		SaltKey:    "test-salt",
		SaltIndex:  "1",
		BaseURL:    baseURL,
		HTTP:       testHTTPClient(),
	}
}

func TestPhonePeInitiateSendsSignedRequest(t *testing.T) {
	var gotVerify string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/pg/v1/pay", r.URL.Path)
		gotVerify = r.Header.Get("X-VERIFY")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"code":"PAYMENT_INITIATED","data":{"instrumentResponse":{"redirectInfo":{"url":"https://pay.example.com/tx/abc"}}}}`))
	}))
	defer srv.Close()

	provider := testPhonePe(srv.URL)
	result, err := provider.Initiate(context.Background(), payment.InitiateRequest{
		MerchantTxnID: "TXN-e2e",
		AmountMinor:   24900,
		CustomerPhone: "9876543210",
		ReturnURL:     "https://store.example.com/api/v1/payments/return?merchantTransactionId=TXN-e2e",
	})
	require.NoError(t, err)
	require.Equal(t, "https://pay.example.com/tx/abc", result.RedirectURL)
	require.Equal(t, "phonepe", result.Provider)

	require.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}###1$`), gotVerify)

	var envelope struct {
		Request string `json:"request"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &envelope))
	require.Equal(t, payment.SignPayload(envelope.Request, "/pg/v1/pay", "test-salt", "1"), gotVerify)

	decoded, err := base64.StdEncoding.DecodeString(envelope.Request)
	require.NoError(t, err)
	var payloadBody map[string]any
	require.NoError(t, json.Unmarshal(decoded, &payloadBody))
	require.Equal(t, "TXN-e2e", payloadBody["merchantTransactionId"])
	require.EqualValues(t, 24900, payloadBody["amount"])
	require.Equal(t, "9876543210", payloadBody["mobileNumber"])
}

func TestPhonePeInitiateProviderRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"code":"KEY_NOT_CONFIGURED","message":"merchant key missing"}`))
	}))
	defer srv.Close()

	_, err := testPhonePe(srv.URL).Initiate(context.Background(), payment.InitiateRequest{MerchantTxnID: "TXN-r"})
	var rejection *payment.ProviderRejection
	require.ErrorAs(t, err, &rejection)
	require.Equal(t, "KEY_NOT_CONFIGURED", rejection.Code)
}

func TestPhonePeInitiateMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`this is not json`))
	}))
	defer srv.Close()

	_, err := testPhonePe(srv.URL).Initiate(context.Background(), payment.InitiateRequest{MerchantTxnID: "TXN-m"})
	var malformed *payment.MalformedResponseError
	require.ErrorAs(t, err, &malformed)
	require.NotEmpty(t, malformed.RawBody)
}

func TestPhonePeInitiateRequiresConfig(t *testing.T) {
	provider := payment.PhonePe{HTTP: testHTTPClient()}
	_, err := provider.Initiate(context.Background(), payment.InitiateRequest{MerchantTxnID: "TXN-c"})
	var cfgErr *payment.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestPhonePeVerifyOutcomes(t *testing.T) {
	cases := []struct {
		name        string
		status      int
		body        string
		wantErr     bool
		verified    bool
		paySuccess  bool
		finalStatus string
	}{
		{"success", 200, `{"success":true,"code":"PAYMENT_SUCCESS"}`, false, true, true, payment.StatusPaid},
		{"error", 200, `{"success":false,"code":"PAYMENT_ERROR"}`, false, true, false, payment.StatusFailed},
		{"pending", 200, `{"success":true,"code":"PAYMENT_PENDING"}`, false, true, false, payment.StatusPending},
		{"timed out", 200, `{"success":false,"code":"TIMED_OUT"}`, false, true, false, payment.StatusExpired},
		{"server error", 500, `oops`, true, false, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gotPath, gotVerify string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotVerify = r.Header.Get("X-VERIFY")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			result, err := testPhonePe(srv.URL).Verify(context.Background(), "TXN-v")
			if tc.wantErr {
				var transport *payment.TransportError
				require.ErrorAs(t, err, &transport)
				require.False(t, result.Verified)
				require.False(t, result.PaymentSuccess)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.verified, result.Verified)
			require.Equal(t, tc.paySuccess, result.PaymentSuccess)
			require.Equal(t, tc.finalStatus, result.Status)
			require.Equal(t, "/pg/v1/status/M-TEST/TXN-v", gotPath)
			require.Equal(t, payment.SignPath("/pg/v1/status/M-TEST/TXN-v", "test-salt", "1"), gotVerify)
		})
	}
}

func TestPhonePeWebhookSignature(t *testing.T) {
	provider := testPhonePe("https://unused.example.com")

	inner := `{"code":"PAYMENT_SUCCESS","data":{"merchantTransactionId":"TXN-wh","amount":24900,"state":"COMPLETED"}}`
	encoded := base64.StdEncoding.EncodeToString([]byte(inner))
	body, _ := json.Marshal(map[string]string{"response": encoded})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment/phonepe", nil)
	req.Header.Set("X-VERIFY", payment.SignPayload(encoded, "", "test-salt", "1"))
	result, err := provider.VerifyWebhook(req, body)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, "TXN-wh", result.MerchantTxnID)
	require.EqualValues(t, 24900, result.AmountMinor)
	require.Equal(t, payment.StatusPaid, result.Status)

	req.Header.Set("X-VERIFY", "deadbeef###1")
	result, err = provider.VerifyWebhook(req, body)
	require.NoError(t, err)
	require.False(t, result.Valid)
}
