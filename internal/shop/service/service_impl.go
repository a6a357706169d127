package service

import (
	"context"
	"strings"

	"github.com/smallbiznis/shopcredits/internal/shop/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("shop.service"),
		repo: p.Repo,
	}
}

func (s *Service) Get(ctx context.Context, id string) (domain.Shop, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Shop{}, domain.ErrInvalidShopID
	}

	shop, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Shop{}, err
	}
	if shop == nil {
		return domain.Shop{}, domain.ErrNotFound
	}
	return *shop, nil
}
