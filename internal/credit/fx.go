package credit

import (
	"github.com/smallbiznis/shopcredits/internal/credit/rates"
	"github.com/smallbiznis/shopcredits/internal/credit/repository"
	"github.com/smallbiznis/shopcredits/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.service",
	fx.Provide(rates.NewResolver),
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
