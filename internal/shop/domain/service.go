package domain

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("shop_not_found")
	ErrInvalidShopID = errors.New("invalid_shop_id")
	ErrInvalidAmount = errors.New("invalid_credit_amount")
)

type Service interface {
	Get(ctx context.Context, id string) (Shop, error)
}
