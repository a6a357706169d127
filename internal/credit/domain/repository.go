package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type PendingFilter struct {
	Status string
	Limit  int
}

type Repository interface {
	// ClaimPayment inserts the ledger row unless one already exists for the
	// session. claimed is false when the row was already there.
	ClaimPayment(ctx context.Context, db *gorm.DB, record *PaymentRecord) (claimed bool, err error)
	FindPayment(ctx context.Context, db *gorm.DB, sessionID string) (*PaymentRecord, error)

	// InsertPending is idempotent per session id.
	InsertPending(ctx context.Context, db *gorm.DB, pending *PendingActivation) (inserted bool, err error)
	FindPending(ctx context.Context, db *gorm.DB, sessionID string) (*PendingActivation, error)
	ListPending(ctx context.Context, db *gorm.DB, filter PendingFilter) ([]PendingActivation, error)
	MarkPendingResolved(ctx context.Context, db *gorm.DB, sessionID, shopID, actor string, at time.Time) (bool, error)
}
