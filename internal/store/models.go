package store

import (
	"github.com/jackc/pgx/v5/pgtype"
)

// Product is a digital product available for purchase.
type Product struct {
	ID          pgtype.UUID
	Slug        string
	Title       string
	Description pgtype.Text
	PriceMinor  int64
	Currency    string
	DownloadURL pgtype.Text
	Active      bool
	CreatedAt   pgtype.Timestamptz
	UpdatedAt   pgtype.Timestamptz
}

// Purchase is one payment attempt for a product. Every attempt carries a fresh
// merchant transaction id, so retried checkouts never collide at the provider.
type Purchase struct {
	ID              pgtype.UUID
	MerchantTxnID   string
	ProductID       pgtype.UUID
	Provider        string
	AmountMinor     int64
	Currency        string
	CustomerName    string
	CustomerEmail   string
	CustomerPhone   string
	Status          string
	ProviderPayload []byte
	RedirectURL     pgtype.Text
	CreatedAt       pgtype.Timestamptz
	UpdatedAt       pgtype.Timestamptz
}

// PurchaseEvent is one entry in the append-only purchase status log.
type PurchaseEvent struct {
	ID         pgtype.UUID
	PurchaseID pgtype.UUID
	Status     string
	Payload    []byte
	CreatedAt  pgtype.Timestamptz
}

// FulfillmentGrant records that content access was unlocked for a purchase.
// At most one row exists per purchase.
type FulfillmentGrant struct {
	PurchaseID    pgtype.UUID
	MerchantTxnID string
	ContentURL    string
	GrantedAt     pgtype.Timestamptz
}

// DomainEvent is a persisted integration event.
type DomainEvent struct {
	ID          pgtype.UUID
	Topic       string
	AggregateID pgtype.UUID
	Payload     []byte
	OccurredAt  pgtype.Timestamptz
}
