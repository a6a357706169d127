package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/shopcredits/internal/shop/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id string) (*domain.Shop, error) {
	var shop domain.Shop
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, credits, created_at, updated_at
		 FROM shops
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&shop).Error
	if err != nil {
		return nil, err
	}
	if shop.ID == "" {
		return nil, nil
	}
	return &shop, nil
}

func (r *repo) AddCredits(ctx context.Context, db *gorm.DB, id string, delta int64, at time.Time) error {
	if delta <= 0 {
		return domain.ErrInvalidAmount
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE shops
		 SET credits = credits + ?, updated_at = ?
		 WHERE id = ?`,
		delta,
		at,
		id,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
