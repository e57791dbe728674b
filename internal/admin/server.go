// Package admin serves the read-only HTTP surface of a running pipeline.
package admin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"liminal/internal/channel"
	"liminal/internal/config"
	"liminal/internal/logger"
	"liminal/internal/pipeline"
	"liminal/internal/processor"
	"liminal/pkg/errors"
	"liminal/pkg/health"
	"liminal/pkg/middleware"
	"liminal/pkg/ratelimit"
	"liminal/pkg/tracing"
)

// Pipeline is the view of the running pipeline the API reports on.
type Pipeline interface {
	Describe() pipeline.Description
	Stage(name string) (pipeline.StageInfo, bool)
	Channels() []channel.Stats
}

type Catalog interface {
	List() []processor.Info
}

type Handler struct {
	pipeline Pipeline
	catalog  Catalog
	health   *health.CheckerRegistry
	logger   logger.Logger
}

func NewHandler(p Pipeline, catalog Catalog, checks *health.CheckerRegistry, log logger.Logger) *Handler {
	return &Handler{pipeline: p, catalog: catalog, health: checks, logger: log}
}

// NewRouter builds the gin engine with the shared middleware chain. The
// rate limiter's cleanup loop lives as long as ctx.
func NewRouter(ctx context.Context, cfg *config.Config, h *Handler, log logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(cfg.Tracing.ServiceName))
	}
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.LoggerMiddleware(log))
	router.Use(middleware.RequestIDMiddleware())

	if rl := cfg.Admin.RateLimit; rl.Enabled {
		rateLimitConfig := ratelimit.RateLimitConfig{
			RPS:             rl.RPS,
			Burst:           rl.Burst,
			CleanupInterval: time.Duration(rl.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(rl.MaxAge) * time.Second,
		}
		router.Use(ratelimit.RateLimitMiddleware(ctx, rateLimitConfig))
		log.InfowCtx(ctx, "Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	h.RegisterRoutes(router)
	return router
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/stages", h.ListStages)
		v1.GET("/stages/:name", h.GetStage)
		v1.GET("/channels", h.ListChannels)
		v1.GET("/processors", h.ListProcessors)
	}
}

func (h *Handler) handleError(c *gin.Context, err error) {
	h.logger.WarnwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
}

func (h *Handler) Health(c *gin.Context) {
	result := h.health.Check(c.Request.Context())
	status := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, result)
}

func (h *Handler) ListStages(c *gin.Context) {
	c.JSON(http.StatusOK, h.pipeline.Describe())
}

func (h *Handler) GetStage(c *gin.Context) {
	name := c.Param("name")
	info, ok := h.pipeline.Stage(name)
	if !ok {
		h.handleError(c, errors.ErrNotFound.WithDetail("stage", name))
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handler) ListChannels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"channels": h.pipeline.Channels()})
}

func (h *Handler) ListProcessors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"processors": h.catalog.List()})
}

// NewServer wraps the router in an http.Server using the configured
// timeouts.
func NewServer(cfg config.ServerConfig, router http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
	}
}
