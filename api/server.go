// Package api exposes the sync engine over HTTP with gin.
package api

import (
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/vendsync/appctx"
	"github.com/mmdatafocus/vendsync/engine"
	"github.com/sirupsen/logrus"
)

const (
	headerCorrelationId = "x-correlation-id"
	headerActor         = "x-actor"
)

// Server serves 503 on app routes until an engine is attached, so the port
// can open before the database is reachable.
type Server struct {
	logger  *logrus.Logger
	engine  atomic.Pointer[engine.Engine]
	limiter *RateLimiter
}

func NewServer(logger *logrus.Logger) *Server {
	return &Server{logger: logger, limiter: rateLimiterFromEnv()}
}

func (s *Server) SetEngine(e *engine.Engine) {
	s.engine.Store(e)
}

func (s *Server) eng() *engine.Engine {
	return s.engine.Load()
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(correlationMiddleware())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.Use(s.readinessMiddleware())
	r.Use(cors.New(corsConfig()))
	r.Use(requestLogger(s.logger))
	r.Use(gin.Recovery())

	g := r.Group("/api/vendsync/:businessId", businessMiddleware(), s.rateLimitMiddleware())
	g.POST("/webhooks/telemetry", s.webhookHandler())
	g.POST("/sales", s.manualSaleHandler())

	g.GET("/catalog", s.listCatalogHandler())
	g.POST("/catalog", s.createCatalogItemHandler())
	g.POST("/catalog/:id/restock", s.restockHandler())
	g.POST("/catalog/:id/deactivate", s.deactivateHandler())
	g.POST("/machines", s.registerMachineHandler())

	g.GET("/mappings", s.listMappingsHandler())
	g.POST("/mappings", s.createMappingHandler())
	g.POST("/mappings/:id/confirm", s.confirmMappingHandler())
	g.POST("/mappings/:id/supersede", s.supersedeMappingHandler())
	g.GET("/suggestions", s.suggestionsHandler())

	g.POST("/reconcile", s.reconcileHandler())
	g.GET("/reviews", s.listReviewsHandler())
	g.POST("/reviews/:id/close", s.closeReviewHandler())

	g.GET("/health", s.healthHandler())
	g.GET("/health/export", s.healthExportHandler())
	g.GET("/sync-log", s.syncLogHandler())

	r.POST("/pubsub/vendsync-reconcile", s.pubSubPushHandler())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader(headerCorrelationId)
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header(headerCorrelationId, cid)
		c.Request = c.Request.WithContext(appctx.WithCorrelationId(c.Request.Context(), cid))
		c.Next()
	}
}

func (s *Server) readinessMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.eng() == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "not ready"})
			return
		}
		c.Next()
	}
}

// businessMiddleware scopes the request to the path business. Authentication
// happens upstream; the acting user arrives in x-actor.
func businessMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId := strings.TrimSpace(c.Param("businessId"))
		if businessId == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "business id is required"})
			return
		}
		ctx := appctx.WithBusinessId(c.Request.Context(), businessId)
		if actor := strings.TrimSpace(c.GetHeader(headerActor)); actor != "" {
			ctx = appctx.WithActor(ctx, actor)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// corsConfig allows every origin outside production. In production only
// CORS_ALLOWED_ORIGINS is allowed, and nothing when it is unset.
func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			cfg.AllowOrigins = []string{}
		} else {
			cfg.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	cfg.AddAllowHeaders("Origin", "Content-Type", "Authorization", headerCorrelationId, headerActor)
	cfg.AddExposeHeaders("Content-Length", headerCorrelationId)
	if !cfg.AllowAllOrigins {
		cfg.AllowCredentials = true
	}
	return cfg
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.FullPath(),
			"latency":        time.Since(start).String(),
			"correlation_id": appctx.CorrelationId(c.Request.Context()),
		}).Info("request")
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
