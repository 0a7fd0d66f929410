package payment

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Provider status values normalised from provider-specific codes.
const (
	StatusPending = "PENDING"
	StatusPaid    = "PAID"
	StatusFailed  = "FAILED"
	StatusExpired = "EXPIRED"
)

// InitiateRequest captures everything a provider needs to open a hosted checkout.
type InitiateRequest struct {
	MerchantTxnID string
	AmountMinor   int64
	Currency      string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	// ReturnURL receives the buyer's browser after checkout; CallbackURL
	// receives the server-to-server notification.
	ReturnURL   string
	CallbackURL string
}

// InitiateResult is the normalised outcome of a successful initiation.
type InitiateResult struct {
	Provider    string
	RedirectURL string
	ProviderRef string
	Raw         []byte
}

// VerifyResult is the tri-state outcome of a server-side status check.
// Verified=false means the true payment state could not be determined
// (transport failure, unparseable response); such an outcome never unlocks
// anything. Only Verified && PaymentSuccess is proof of payment.
type VerifyResult struct {
	Verified       bool
	PaymentSuccess bool
	Status         string
	ProviderCode   string
	Raw            []byte
}

// WebhookResult contains the data extracted from a provider callback after
// signature verification. The embedded status is treated as a hint only; the
// caller re-verifies through the status API before changing state.
type WebhookResult struct {
	Valid         bool
	MerchantTxnID string
	AmountMinor   int64
	Status        string
	Payload       []byte
	Err           error
}

// Provider abstracts one upstream payment gateway.
type Provider interface {
	Name() string
	Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error)
	Verify(ctx context.Context, merchantTxnID string) (VerifyResult, error)
	VerifyWebhook(r *http.Request, body []byte) (WebhookResult, error)
}

// NewMerchantTxnID mints a fresh merchant transaction id. Every initiation
// attempt gets its own id so retries never collide at the provider.
func NewMerchantTxnID() string {
	return fmt.Sprintf("TXN-%s", uuid.NewString())
}
