package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/settlement/internal/authorization"
	checkoutdomain "github.com/smallbiznis/settlement/internal/checkout/domain"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	ratedomain "github.com/smallbiznis/settlement/internal/exchangerate/domain"
	manualdomain "github.com/smallbiznis/settlement/internal/manualpayment/domain"
	mtdomain "github.com/smallbiznis/settlement/internal/mobiletransfer/domain"
	"github.com/smallbiznis/settlement/internal/observability"
	obslogger "github.com/smallbiznis/settlement/internal/observability/logger"
	obstracing "github.com/smallbiznis/settlement/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
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
	engine      *gin.Engine
	cfg         config.Config
	log         *zap.Logger
	clock       clock.Clock
	settings    *config.SettlementConfigHolder
	authzSvc    authorization.Service
	checkoutSvc checkoutdomain.Service
	transferSvc mtdomain.Service
	paymentSvc  paymentdomain.Service
	manualSvc   manualdomain.Service
	rateSvc     ratedomain.Service
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	Clock       clock.Clock
	Settings    *config.SettlementConfigHolder
	AuthzSvc    authorization.Service
	CheckoutSvc checkoutdomain.Service
	TransferSvc mtdomain.Service
	PaymentSvc  paymentdomain.Service
	ManualSvc   manualdomain.Service
	RateSvc     ratedomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		log:         p.Log.Named("http.server"),
		clock:       p.Clock,
		settings:    p.Settings,
		authzSvc:    p.AuthzSvc,
		checkoutSvc: p.CheckoutSvc,
		transferSvc: p.TransferSvc,
		paymentSvc:  p.PaymentSvc,
		manualSvc:   p.ManualSvc,
		rateSvc:     p.RateSvc,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Checkout --------
	api.POST("/checkout", s.Checkout)
	api.GET("/payments/:order", s.GetPayment)

	// -------- Mobile transfers --------
	api.GET("/mobile-transfers/banks", s.ListBanks)
	api.POST("/mobile-transfers", s.SubmitTransfer)
	api.GET("/mobile-transfers/:order", s.GetTransfer)

	// -------- Rates --------
	api.GET("/rates/current", s.GetCurrentRate)
	api.GET("/rates/at", s.GetRateAt)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandlePaymentWebhook)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.ActorRequired())

	// -------- Verifications --------
	admin.GET("/verifications", s.authorizeAction(authorization.ObjectVerification, authorization.ActionVerificationView), s.ListPendingTransfers)
	admin.GET("/verifications/overdue", s.authorizeAction(authorization.ObjectVerification, authorization.ActionVerificationView), s.ListOverdueTransfers)
	admin.POST("/verifications/decisions", s.DecideTransfers)
	admin.POST("/verifications/:id/decision", s.DecideTransfer)

	// -------- Manual payments --------
	admin.GET("/manual-payments", s.authorizeAction(authorization.ObjectPayment, authorization.ActionPaymentView), s.ListManualPayments)
	admin.POST("/manual-payments/confirm-all", s.ConfirmAllManualPayments)
	admin.POST("/manual-payments/:order/confirm", s.ConfirmManualPayment)

	// -------- Payments --------
	admin.POST("/payments/:order/refund", s.RefundPayment)

	// -------- Rates --------
	admin.GET("/rates/health", s.authorizeAction(authorization.ObjectRateAlert, authorization.ActionRateAlertView), s.GetRateHealth)
	admin.GET("/rates/history", s.authorizeAction(authorization.ObjectRateAlert, authorization.ActionRateAlertView), s.ListRateHistory)
	admin.GET("/rates/changes", s.authorizeAction(authorization.ObjectRateAlert, authorization.ActionRateAlertView), s.ListRateChanges)
	admin.POST("/rates/manual", s.authorizeAction(authorization.ObjectRate, authorization.ActionRateOverride), s.SetManualRate)
	admin.POST("/rates/refresh", s.authorizeAction(authorization.ObjectRate, authorization.ActionRateRefresh), s.RefreshRate)
	admin.GET("/rates/alerts", s.authorizeAction(authorization.ObjectRateAlert, authorization.ActionRateAlertView), s.ListRateAlerts)
	admin.POST("/rates/alerts/:id/ack", s.authorizeAction(authorization.ObjectRateAlert, authorization.ActionRateAlertAcknowledge), s.AcknowledgeRateAlert)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
