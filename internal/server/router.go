// Package server assembles the ledgerd HTTP surface.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/medaudit/internal/audit"
	"github.com/jmerrifield20/medaudit/internal/auditledger"
	"github.com/jmerrifield20/medaudit/internal/ingestauth"
	"github.com/jmerrifield20/medaudit/internal/server/handler"
	"github.com/jmerrifield20/medaudit/internal/webhooks"
	"go.uber.org/zap"
)

// maxBodyBytes caps request bodies. Audit facts are small.
const maxBodyBytes = 1 << 20

// Deps are the components the router serves.
type Deps struct {
	Service        *audit.Service
	Auth           *ingestauth.Authenticator
	Dispatcher     *webhooks.Dispatcher // nil = no alert routes
	CORSOrigins    []string
	RateLimitRPS   int // 0 = unlimited
	BlockCacheSize int
	// OnVerify receives every on-demand verification result.
	OnVerify func(auditledger.VerificationResult)
	Logger   *zap.Logger
}

// NewRouter builds the gin engine with middleware and all routes mounted.
func NewRouter(d Deps) *gin.Engine {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.RequestID())

	if len(d.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     d.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", ingestauth.HeaderAPIKey},
			ExposeHeaders:    []string{"Content-Length", handler.HeaderRequestID},
			AllowCredentials: !containsWildcard(d.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}

	router.Use(func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Cache-Control", "no-store")
		c.Next()
	})
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		c.Next()
	})
	if d.RateLimitRPS > 0 {
		router.Use(handler.RateLimiter(d.RateLimitRPS, d.RateLimitRPS*2))
	}
	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", func(c *gin.Context) {
		if !d.Service.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "loading"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	router.GET("/metrics", handler.MetricsHandler())

	guard := d.Auth.Require()

	v1 := router.Group("/api/v1")
	ledgerHandler := handler.NewLedgerHandler(d.Service, d.BlockCacheSize, logger)
	if d.OnVerify != nil {
		ledgerHandler.SetVerifyObserver(d.OnVerify)
	}
	ledgerHandler.Register(v1)
	handler.NewAuditHandler(d.Service, logger).Register(v1, guard)
	if d.Dispatcher != nil {
		webhooks.NewHandler(d.Dispatcher, logger).Register(v1, guard)
	}

	return router
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", handler.RequestIDFromCtx(c)),
		)
	}
}
