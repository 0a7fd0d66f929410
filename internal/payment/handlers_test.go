package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-digistore/internal/payment"
	"github.com/noah-isme/backend-digistore/internal/store"
)

func newHandlerServer(t *testing.T, st *memStore, provider *fakeProvider) *httptest.Server {
	t.Helper()
	handler := &payment.Handler{
		Svc:      newTestService(st, provider, &captureQueue{}),
		Validate: validator.New(),
	}
	r := chi.NewRouter()
	r.Post("/api/v1/payments/initiate", handler.Initiate)
	r.Get("/api/v1/payments/{transactionId}/status", handler.Status)
	r.Get("/api/v1/payments/return", handler.Return)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestInitiateEndpointValidatesInput(t *testing.T) {
	st := newMemStore()
	st.addProduct("e-book", "E-Book", 9900, "")
	srv := newHandlerServer(t, st, &fakeProvider{initResult: payment.InitiateResult{RedirectURL: "https://pay.example.com/t"}})

	cases := []struct {
		name string
		body string
		want int
	}{
		{"valid", `{"productSlug":"e-book","name":"Asha","email":"asha@example.com","phone":"9876543210"}`, http.StatusOK},
		{"bad phone", `{"productSlug":"e-book","name":"Asha","email":"asha@example.com","phone":"12345"}`, http.StatusBadRequest},
		{"bad email", `{"productSlug":"e-book","name":"Asha","email":"nope","phone":"9876543210"}`, http.StatusBadRequest},
		{"missing slug", `{"name":"Asha","email":"asha@example.com","phone":"9876543210"}`, http.StatusBadRequest},
		{"unknown provider", `{"productSlug":"e-book","name":"Asha","email":"asha@example.com","phone":"9876543210","provider":"stripe"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/v1/payments/initiate", "application/json", bytes.NewBufferString(tc.body))
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			require.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestStatusEndpointReturnsConsolidatedState(t *testing.T) {
	st := newMemStore()
	product := st.addProduct("e-book", "E-Book", 9900, "https://cdn.example.com/e-book.pdf")
	_, err := st.CreatePurchase(context.Background(), store.CreatePurchaseParams{
		MerchantTxnID: "TXN-status",
		ProductID:     product.ID,
		Provider:      "phonepe",
		AmountMinor:   9900,
	})
	require.NoError(t, err)

	provider := &fakeProvider{verifyResult: payment.VerifyResult{Verified: true, PaymentSuccess: true, Status: payment.StatusPaid}}
	srv := newHandlerServer(t, st, provider)

	resp, err := http.Get(srv.URL + "/api/v1/payments/TXN-status/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data struct {
			Status     string `json:"status"`
			ContentURL string `json:"contentUrl"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, store.PurchaseStatusPaid, body.Data.Status)
	require.Equal(t, "https://cdn.example.com/e-book.pdf", body.Data.ContentURL)
}

func TestStatusEndpointUnknownPurchase(t *testing.T) {
	srv := newHandlerServer(t, newMemStore(), &fakeProvider{})
	resp, err := http.Get(srv.URL + "/api/v1/payments/TXN-none/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// The code query param from the provider redirect must never be trusted; a
// forged success hint still goes through server-side verification.
func TestReturnEndpointIgnoresCodeHint(t *testing.T) {
	st := newMemStore()
	product := st.addProduct("e-book", "E-Book", 9900, "https://cdn.example.com/e-book.pdf")
	_, err := st.CreatePurchase(context.Background(), store.CreatePurchaseParams{
		MerchantTxnID: "TXN-hint",
		ProductID:     product.ID,
		Provider:      "phonepe",
		AmountMinor:   9900,
	})
	require.NoError(t, err)

	provider := &fakeProvider{verifyResult: payment.VerifyResult{Verified: true, PaymentSuccess: false, Status: payment.StatusFailed}}
	srv := newHandlerServer(t, st, provider)

	resp, err := http.Get(srv.URL + "/api/v1/payments/return?merchantTransactionId=TXN-hint&code=PAYMENT_SUCCESS")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, store.PurchaseStatusFailed, body.Data.Status)
	require.Zero(t, st.grantInserts)
}

func TestReturnEndpointRedirectsToContentOnVerifiedSuccess(t *testing.T) {
	st := newMemStore()
	product := st.addProduct("e-book", "E-Book", 9900, "https://cdn.example.com/e-book.pdf")
	_, err := st.CreatePurchase(context.Background(), store.CreatePurchaseParams{
		MerchantTxnID: "TXN-redir",
		ProductID:     product.ID,
		Provider:      "phonepe",
		AmountMinor:   9900,
	})
	require.NoError(t, err)

	provider := &fakeProvider{verifyResult: payment.VerifyResult{Verified: true, PaymentSuccess: true, Status: payment.StatusPaid}}
	srv := newHandlerServer(t, st, provider)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(srv.URL + "/api/v1/payments/return?merchantTransactionId=TXN-redir")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "https://cdn.example.com/e-book.pdf", resp.Header.Get("Location"))
}
