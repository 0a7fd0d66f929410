package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/noah-isme/backend-digistore/internal/events"
	"github.com/noah-isme/backend-digistore/internal/lock"
	"github.com/noah-isme/backend-digistore/internal/obs"
	"github.com/noah-isme/backend-digistore/internal/store"
)

// GrantStore defines the persistence operations the fulfillment gate needs.
type GrantStore interface {
	GetProductByID(ctx context.Context, id pgtype.UUID) (store.Product, error)
	InsertFulfillmentGrant(ctx context.Context, purchaseID pgtype.UUID, merchantTxnID, contentURL string) (store.FulfillmentGrant, bool, error)
}

// Gate decides whether a purchase unlocks content. A fresh verified success is
// the only accepted proof; webhook hints and redirect query params never reach
// this code path directly.
type Gate struct {
	Store             GrantStore
	Locker            lock.Locker
	LockTTL           time.Duration
	DefaultContentURL string
	Events            *events.Bus
}

// Unlock returns the content URL for a paid purchase, or a denial. The grant is
// created at most once; the webhook and the browser redirect can both call this
// concurrently and converge on the same grant.
func (g Gate) Unlock(ctx context.Context, purchase store.Purchase, verification VerifyResult) (string, error) {
	if g.Store == nil {
		return "", errors.New("payment: fulfillment gate not configured")
	}
	if !verification.Verified {
		g.recordGrant("denied")
		return "", &DenialError{Reason: "verification indeterminate"}
	}
	if !verification.PaymentSuccess {
		g.recordGrant("denied")
		return "", &DenialError{Reason: fmt.Sprintf("payment not successful (%s)", verification.Status)}
	}

	contentURL := g.DefaultContentURL
	if product, err := g.Store.GetProductByID(ctx, purchase.ProductID); err == nil {
		if product.DownloadURL.Valid && product.DownloadURL.String != "" {
			contentURL = product.DownloadURL.String
		}
	}
	if contentURL == "" {
		g.recordGrant("denied")
		return "", &DenialError{Reason: "no content configured for product"}
	}

	var granted string
	var inserted bool
	unlock := func(ctx context.Context) error {
		grant, created, err := g.Store.InsertFulfillmentGrant(ctx, purchase.ID, purchase.MerchantTxnID, contentURL)
		if err != nil {
			return err
		}
		granted = grant.ContentURL
		inserted = created
		return nil
	}
	if g.Locker.R != nil {
		key := "fulfillment:" + purchase.MerchantTxnID
		if err := g.Locker.WithLock(ctx, key, g.lockTTL(), unlock); err != nil {
			return "", err
		}
	} else if err := unlock(ctx); err != nil {
		return "", err
	}

	if inserted {
		g.recordGrant("granted")
		if g.Events != nil {
			_, _ = g.Events.Emit(ctx, events.TopicPurchasePaid, purchase.ID, map[string]any{
				"merchantTxnId": purchase.MerchantTxnID,
				"email":         purchase.CustomerEmail,
				"contentUrl":    granted,
			})
		}
	} else {
		g.recordGrant("duplicate")
	}
	return granted, nil
}

func (g Gate) lockTTL() time.Duration {
	if g.LockTTL <= 0 {
		return 10 * time.Second
	}
	return g.LockTTL
}

func (g Gate) recordGrant(result string) {
	if obs.FulfillmentGrantsTotal != nil {
		obs.FulfillmentGrantsTotal.WithLabelValues(result).Inc()
	}
}
