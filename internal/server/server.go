package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	billingdomain "github.com/opsboard/opsboard/internal/billingentity/domain"
	"github.com/opsboard/opsboard/internal/clock"
	"github.com/opsboard/opsboard/internal/config"
	invoicingdomain "github.com/opsboard/opsboard/internal/invoicing/domain"
	"github.com/opsboard/opsboard/internal/metering"
	obslogger "github.com/opsboard/opsboard/internal/observability/logger"
	obsmetrics "github.com/opsboard/opsboard/internal/observability/metrics"
	obstracing "github.com/opsboard/opsboard/internal/observability/tracing"
	"github.com/opsboard/opsboard/internal/ratelimit"
	storagedomain "github.com/opsboard/opsboard/internal/storage/domain"
	usagedomain "github.com/opsboard/opsboard/internal/usage/domain"
	workspacedomain "github.com/opsboard/opsboard/internal/workspace/domain"
	"github.com/opsboard/opsboard/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

type EngineParams struct {
	fx.In

	Log             *zap.Logger
	HTTPMetrics     *obsmetrics.HTTPMetrics
	MeteringMetrics *obsmetrics.MeteringMetrics
	Emitter         metering.Emitter
	Resolver        billingdomain.Resolver
	Clock           clock.Clock
}

func NewEngine(p EngineParams) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(p.Log))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(p.HTTPMetrics))
	r.Use(ErrorHandlingMiddleware())
	r.Use(Identity())
	r.Use(metering.Middleware(p.Emitter, p.Resolver, p.MeteringMetrics, p.Clock, p.Log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(p EngineParams) *gin.Engine {
	return NewEngine(p)
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	usageSvc    usagedomain.Service
	resolver    billingdomain.Resolver
	snapshotter storagedomain.Snapshotter
	invoices    invoicingdomain.Runner
	limiter     *ratelimit.IngestLimiter
	workspaces  repository.Repository[workspacedomain.Workspace]
	projects    repository.Repository[workspacedomain.Project]
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	UsageSvc    usagedomain.Service
	Resolver    billingdomain.Resolver
	Snapshotter storagedomain.Snapshotter
	Invoices    invoicingdomain.Runner
	Limiter     *ratelimit.IngestLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		db:          p.DB,
		log:         p.Log.Named("server"),
		genID:       p.GenID,
		clock:       p.Clock,
		usageSvc:    p.UsageSvc,
		resolver:    p.Resolver,
		snapshotter: p.Snapshotter,
		invoices:    p.Invoices,
		limiter:     p.Limiter,
		workspaces:  repository.ProvideStore[workspacedomain.Workspace](p.DB),
		projects:    repository.ProvideStore[workspacedomain.Project](p.DB),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	api := s.engine.Group("/api")

	api.POST("/usage", s.ingestUsage)
	api.GET("/usage", s.listUsage)

	api.GET("/workspaces", s.listWorkspaces)
	api.GET("/workspaces/:workspace_id", s.getWorkspace)
	api.GET("/workspaces/:workspace_id/projects", s.listProjects)
	api.GET("/workspaces/:workspace_id/snapshots/average", s.storageAverage)

	api.GET("/invoices", s.listInvoices)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
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
