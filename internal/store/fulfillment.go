package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

// InsertFulfillmentGrant records an unlock for a purchase. The insert is
// conditional on no existing row, so concurrent unlock attempts converge on a
// single grant. The returned bool reports whether this call created the row.
func (s *Store) InsertFulfillmentGrant(ctx context.Context, purchaseID pgtype.UUID, merchantTxnID, contentURL string) (FulfillmentGrant, bool, error) {
	tag, err := s.db.Exec(ctx, `INSERT INTO fulfillment_grants (purchase_id, merchant_txn_id, content_url)
VALUES ($1, $2, $3)
ON CONFLICT (purchase_id) DO NOTHING`, purchaseID, merchantTxnID, contentURL)
	if err != nil {
		return FulfillmentGrant{}, false, err
	}
	inserted := tag.RowsAffected() > 0
	grant, err := s.GetFulfillmentGrant(ctx, merchantTxnID)
	if err != nil {
		return FulfillmentGrant{}, false, err
	}
	return grant, inserted, nil
}

// GetFulfillmentGrant fetches the grant for a merchant transaction id, if any.
func (s *Store) GetFulfillmentGrant(ctx context.Context, merchantTxnID string) (FulfillmentGrant, error) {
	row := s.db.QueryRow(ctx, `SELECT purchase_id, merchant_txn_id, content_url, granted_at
FROM fulfillment_grants
WHERE merchant_txn_id = $1`, merchantTxnID)
	var g FulfillmentGrant
	err := row.Scan(&g.PurchaseID, &g.MerchantTxnID, &g.ContentURL, &g.GrantedAt)
	return g, err
}
