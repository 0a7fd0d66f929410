package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// Purchase status values persisted in Postgres.
const (
	PurchaseStatusPending = "PENDING"
	PurchaseStatusPaid    = "PAID"
	PurchaseStatusFailed  = "FAILED"
	PurchaseStatusExpired = "EXPIRED"
)

// IsTerminalStatus reports whether a purchase status admits no further transitions
// other than a late PAID confirmation.
func IsTerminalStatus(status string) bool {
	switch status {
	case PurchaseStatusPaid, PurchaseStatusFailed, PurchaseStatusExpired:
		return true
	default:
		return false
	}
}

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx alike so queries can run inside
// or outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store exposes all persistence operations for the storefront.
type Store struct {
	db DBTX
}

// New constructs a Store on top of a pool or transaction.
func New(db DBTX) *Store {
	return &Store{db: db}
}

// WithTx returns a Store bound to the provided transaction.
func (s *Store) WithTx(tx pgx.Tx) *Store {
	return &Store{db: tx}
}

// ToUUID parses a string identifier into a pgtype.UUID.
func ToUUID(id string) (pgtype.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return pgtype.UUID{}, fmt.Errorf("invalid uuid %q: %w", id, err)
	}
	return pgtype.UUID{Bytes: parsed, Valid: true}, nil
}

// UUIDString renders a pgtype.UUID as its canonical string form.
func UUIDString(id pgtype.UUID) string {
	if !id.Valid {
		return ""
	}
	return uuid.UUID(id.Bytes).String()
}
