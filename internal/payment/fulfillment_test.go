package payment_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-digistore/internal/lock"
	"github.com/noah-isme/backend-digistore/internal/payment"
	"github.com/noah-isme/backend-digistore/internal/store"
)

func TestGateDeniesNonSuccessOutcomes(t *testing.T) {
	st := newMemStore()
	product := st.addProduct("e-book", "E-Book", 9900, "https://cdn.example.com/e-book.pdf")
	purchase, err := st.CreatePurchase(context.Background(), store.CreatePurchaseParams{
		MerchantTxnID: "TXN-deny",
		ProductID:     product.ID,
		Provider:      "phonepe",
		AmountMinor:   9900,
	})
	require.NoError(t, err)

	gate := payment.Gate{Store: st}
	cases := []struct {
		name         string
		verification payment.VerifyResult
	}{
		{"indeterminate", payment.VerifyResult{Verified: false}},
		{"verified failure", payment.VerifyResult{Verified: true, PaymentSuccess: false, Status: payment.StatusFailed}},
		{"verified pending", payment.VerifyResult{Verified: true, PaymentSuccess: false, Status: payment.StatusPending}},
		{"verified expired", payment.VerifyResult{Verified: true, PaymentSuccess: false, Status: payment.StatusExpired}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			url, err := gate.Unlock(context.Background(), purchase, tc.verification)
			require.ErrorIs(t, err, payment.ErrFulfillmentDenied)
			require.Empty(t, url)
		})
	}
	require.Zero(t, st.grantInserts)
}

func TestGateUnlocksVerifiedSuccessOnce(t *testing.T) {
	st := newMemStore()
	product := st.addProduct("e-book", "E-Book", 9900, "https://cdn.example.com/e-book.pdf")
	purchase, err := st.CreatePurchase(context.Background(), store.CreatePurchaseParams{
		MerchantTxnID: "TXN-grant",
		ProductID:     product.ID,
		Provider:      "phonepe",
		AmountMinor:   9900,
	})
	require.NoError(t, err)

	gate := payment.Gate{Store: st}
	verification := payment.VerifyResult{Verified: true, PaymentSuccess: true, Status: payment.StatusPaid}

	url, err := gate.Unlock(context.Background(), purchase, verification)
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/e-book.pdf", url)

	again, err := gate.Unlock(context.Background(), purchase, verification)
	require.NoError(t, err)
	require.Equal(t, url, again)
	require.Equal(t, 1, st.grantInserts)
}

func TestGateFallsBackToDefaultContentURL(t *testing.T) {
	st := newMemStore()
	product := st.addProduct("no-file", "No File", 9900, "")
	purchase, err := st.CreatePurchase(context.Background(), store.CreatePurchaseParams{
		MerchantTxnID: "TXN-default",
		ProductID:     product.ID,
		Provider:      "phonepe",
		AmountMinor:   9900,
	})
	require.NoError(t, err)

	gate := payment.Gate{Store: st, DefaultContentURL: "https://store.example.com/thank-you"}
	url, err := gate.Unlock(context.Background(), purchase, payment.VerifyResult{Verified: true, PaymentSuccess: true, Status: payment.StatusPaid})
	require.NoError(t, err)
	require.Equal(t, "https://store.example.com/thank-you", url)
}

func TestGateConcurrentUnlockProducesSingleGrant(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := newMemStore()
	product := st.addProduct("e-book", "E-Book", 9900, "https://cdn.example.com/e-book.pdf")
	purchase, err := st.CreatePurchase(context.Background(), store.CreatePurchaseParams{
		MerchantTxnID: "TXN-race",
		ProductID:     product.ID,
		Provider:      "phonepe",
		AmountMinor:   9900,
	})
	require.NoError(t, err)

	gate := payment.Gate{
		Store:   st,
		Locker:  lock.Locker{R: client, RetryBackoff: 5 * time.Millisecond},
		LockTTL: time.Second,
	}
	verification := payment.VerifyResult{Verified: true, PaymentSuccess: true, Status: payment.StatusPaid}

	const racers = 8
	var wg sync.WaitGroup
	urls := make([]string, racers)
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			urls[i], errs[i] = gate.Unlock(context.Background(), purchase, verification)
		}(i)
	}
	wg.Wait()

	for i := 0; i < racers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "https://cdn.example.com/e-book.pdf", urls[i])
	}
	require.Equal(t, 1, st.grantInserts)
}
