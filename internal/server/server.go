package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/shopcredits/internal/config"
	"github.com/smallbiznis/shopcredits/internal/credit"
	creditdomain "github.com/smallbiznis/shopcredits/internal/credit/domain"
	"github.com/smallbiznis/shopcredits/internal/inflight"
	"github.com/smallbiznis/shopcredits/internal/observability"
	obsmiddleware "github.com/smallbiznis/shopcredits/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/shopcredits/internal/observability/metrics"
	obstracing "github.com/smallbiznis/shopcredits/internal/observability/tracing"
	"github.com/smallbiznis/shopcredits/internal/shop"
	shopdomain "github.com/smallbiznis/shopcredits/internal/shop/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	inflight.Module,
	shop.Module,
	credit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Development(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine    *gin.Engine
	cfg       config.Config
	log       *zap.Logger
	creditSvc creditdomain.Service
	shopSvc   shopdomain.Service
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	Cfg       config.Config
	Log       *zap.Logger
	CreditSvc creditdomain.Service
	ShopSvc   shopdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:    p.Gin,
		cfg:       p.Cfg,
		log:       p.Log.Named("http.server"),
		creditSvc: p.CreditSvc,
		shopSvc:   p.ShopSvc,
	}

	svc.registerWebhookRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	webhooks := s.engine.Group("/api/webhooks")

	webhooks.GET("/stripe", s.StripeWebhookStatus)
	webhooks.POST("/stripe", s.HandleStripeWebhook)
}

// registerAdminRoutes exposes the operator API. It stays unregistered when
// no token hash is configured.
func (s *Server) registerAdminRoutes() {
	if s.cfg.Admin.TokenHash == "" {
		s.log.Info("ADMIN_API_TOKEN_HASH not set, operator routes disabled")
		return
	}

	admin := s.engine.Group("/admin", s.AdminRequired())

	admin.GET("/pending-activations", s.ListPendingActivations)
	admin.POST("/pending-activations/:session_id/resolve", s.ResolvePendingActivation)
	admin.GET("/shops/:id", s.GetShop)
	admin.POST("/shops/:id/credits", s.GrantShopCredits)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
