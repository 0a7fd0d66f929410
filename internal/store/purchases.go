package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// ErrStatusConflict is returned when a status update would regress a terminal purchase.
var ErrStatusConflict = errors.New("store: purchase already in a terminal status")

const purchaseColumns = `id, merchant_txn_id, product_id, provider, amount_minor, currency,
customer_name, customer_email, customer_phone, status, provider_payload, redirect_url,
created_at, updated_at`

// CreatePurchaseParams carries the fields for a new purchase row.
type CreatePurchaseParams struct {
	MerchantTxnID   string
	ProductID       pgtype.UUID
	Provider        string
	AmountMinor     int64
	Currency        string
	CustomerName    string
	CustomerEmail   string
	CustomerPhone   string
	ProviderPayload []byte
	RedirectURL     pgtype.Text
}

// CreatePurchase inserts a purchase in PENDING status.
func (s *Store) CreatePurchase(ctx context.Context, arg CreatePurchaseParams) (Purchase, error) {
	payload := arg.ProviderPayload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	row := s.db.QueryRow(ctx, `INSERT INTO purchases (
  merchant_txn_id, product_id, provider, amount_minor, currency,
  customer_name, customer_email, customer_phone, status, provider_payload, redirect_url
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'PENDING', $9, $10)
RETURNING `+purchaseColumns,
		arg.MerchantTxnID,
		arg.ProductID,
		arg.Provider,
		arg.AmountMinor,
		arg.Currency,
		arg.CustomerName,
		arg.CustomerEmail,
		arg.CustomerPhone,
		payload,
		arg.RedirectURL,
	)
	return scanPurchase(row)
}

// GetPurchaseByTxnID fetches a purchase by merchant transaction id.
func (s *Store) GetPurchaseByTxnID(ctx context.Context, merchantTxnID string) (Purchase, error) {
	row := s.db.QueryRow(ctx, `SELECT `+purchaseColumns+`
FROM purchases
WHERE merchant_txn_id = $1`, merchantTxnID)
	return scanPurchase(row)
}

// UpdatePurchaseStatus transitions a purchase and stores the latest provider payload.
// PENDING accepts any transition; a late PAID may overwrite FAILED or EXPIRED, but a
// PAID purchase is never downgraded. ErrStatusConflict reports a blocked transition.
func (s *Store) UpdatePurchaseStatus(ctx context.Context, id pgtype.UUID, status string, payload []byte) (Purchase, error) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	row := s.db.QueryRow(ctx, `UPDATE purchases
SET status = $2, provider_payload = $3, updated_at = now()
WHERE id = $1
  AND (status = 'PENDING' OR (status <> 'PAID' AND $2 = 'PAID'))
RETURNING `+purchaseColumns, id, status, payload)
	p, err := scanPurchase(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Purchase{}, ErrStatusConflict
	}
	return p, err
}

// SetPurchaseRedirectURL stores the hosted checkout URL returned by the provider.
func (s *Store) SetPurchaseRedirectURL(ctx context.Context, id pgtype.UUID, redirectURL string) error {
	_, err := s.db.Exec(ctx, `UPDATE purchases
SET redirect_url = $2, updated_at = now()
WHERE id = $1`, id, redirectURL)
	return err
}

// InsertPurchaseEvent appends a row to the purchase status log.
func (s *Store) InsertPurchaseEvent(ctx context.Context, purchaseID pgtype.UUID, status string, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.db.Exec(ctx, `INSERT INTO purchase_events (purchase_id, status, payload)
VALUES ($1, $2, $3)`, purchaseID, status, payload)
	return err
}

// ListPurchaseEvents returns the status log for a purchase, oldest first.
func (s *Store) ListPurchaseEvents(ctx context.Context, purchaseID pgtype.UUID) ([]PurchaseEvent, error) {
	rows, err := s.db.Query(ctx, `SELECT id, purchase_id, status, payload, created_at
FROM purchase_events
WHERE purchase_id = $1
ORDER BY created_at`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []PurchaseEvent
	for rows.Next() {
		var ev PurchaseEvent
		if err := rows.Scan(&ev.ID, &ev.PurchaseID, &ev.Status, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListPendingPurchases returns PENDING purchases created before the cutoff, oldest
// first, for background reconciliation.
func (s *Store) ListPendingPurchases(ctx context.Context, createdBefore time.Time, limit int32) ([]Purchase, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `SELECT `+purchaseColumns+`
FROM purchases
WHERE status = 'PENDING' AND created_at < $1
ORDER BY created_at
LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var purchases []Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

func scanPurchase(row pgx.Row) (Purchase, error) {
	var p Purchase
	err := row.Scan(
		&p.ID,
		&p.MerchantTxnID,
		&p.ProductID,
		&p.Provider,
		&p.AmountMinor,
		&p.Currency,
		&p.CustomerName,
		&p.CustomerEmail,
		&p.CustomerPhone,
		&p.Status,
		&p.ProviderPayload,
		&p.RedirectURL,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}
