package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id string) (*Shop, error)
	// AddCredits increments the balance in a single statement and returns
	// ErrNotFound when no shop has the id.
	AddCredits(ctx context.Context, db *gorm.DB, id string, delta int64, at time.Time) error
}
