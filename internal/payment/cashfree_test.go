package payment_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-digistore/internal/payment"
)

func testCashfree(baseURL string) payment.Cashfree {
	return payment.Cashfree{
		ClientID:  "client-test",
		SecretKey: "secret-test",
		BaseURL:   baseURL,
		HTTP:      testHTTPClient(),
	}
}

func TestCashfreeInitiateCreatesOrder(t *testing.T) {
	var gotBody []byte
	var gotClientID, gotSecret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/pg/orders", r.URL.Path)
		gotClientID = r.Header.Get("x-client-id")
		gotSecret = r.Header.Get("x-client-secret")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"order_id":"TXN-cf","payment_session_id":"session_abc","payment_link":"https://payments.example.com/order/TXN-cf","order_status":"ACTIVE"}`))
	}))
	defer srv.Close()

	result, err := testCashfree(srv.URL).Initiate(context.Background(), payment.InitiateRequest{
		MerchantTxnID: "TXN-cf",
		AmountMinor:   24900,
		Currency:      "INR",
		CustomerName:  "Asha",
		CustomerEmail: "asha@example.com",
		CustomerPhone: "9876543210",
	})
	require.NoError(t, err)
	require.Equal(t, "https://payments.example.com/order/TXN-cf", result.RedirectURL)
	require.Equal(t, "client-test", gotClientID)
	require.Equal(t, "secret-test", gotSecret)

	var order map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &order))
	require.Equal(t, "TXN-cf", order["order_id"])
	require.EqualValues(t, 249.0, order["order_amount"])
}

func TestCashfreeVerifyMapsOrderStatus(t *testing.T) {
	cases := []struct {
		orderStatus string
		paySuccess  bool
		status      string
	}{
		{"PAID", true, payment.StatusPaid},
		{"ACTIVE", false, payment.StatusPending},
		{"EXPIRED", false, payment.StatusExpired},
		{"TERMINATED", false, payment.StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.orderStatus, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/pg/orders/TXN-cf", r.URL.Path)
				_, _ = w.Write([]byte(`{"order_id":"TXN-cf","order_status":"` + tc.orderStatus + `"}`))
			}))
			defer srv.Close()

			result, err := testCashfree(srv.URL).Verify(context.Background(), "TXN-cf")
			require.NoError(t, err)
			require.True(t, result.Verified)
			require.Equal(t, tc.paySuccess, result.PaymentSuccess)
			require.Equal(t, tc.status, result.Status)
		})
	}
}

func TestCashfreeWebhookSignature(t *testing.T) {
	provider := testCashfree("https://unused.example.com")
	body := []byte(`{"type":"PAYMENT_SUCCESS_WEBHOOK","data":{"order":{"order_id":"TXN-wh","order_amount":249.00},"payment":{"payment_status":"SUCCESS"}}}`)
	timestamp := "1724900000"

	mac := hmac.New(sha256.New, []byte("secret-test"))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment/cashfree", nil)
	req.Header.Set("x-webhook-timestamp", timestamp)
	req.Header.Set("x-webhook-signature", signature)

	result, err := provider.VerifyWebhook(req, body)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, "TXN-wh", result.MerchantTxnID)
	require.EqualValues(t, 24900, result.AmountMinor)
	require.Equal(t, payment.StatusPaid, result.Status)

	req.Header.Set("x-webhook-signature", "bm90LXRoZS1zaWduYXR1cmU=")
	result, err = provider.VerifyWebhook(req, body)
	require.NoError(t, err)
	require.False(t, result.Valid)
}
