// Package admin exposes the broker's read-only operational surface
// over HTTP: liveness, point-in-time counters, and per-queue list
// sizes, for operators and the provisioning scripts around rqd.
// Non-goals (spec.md) exclude authentication, so unlike the teacher's
// metrics API this surface carries no auth middleware — only CORS and
// request logging survive the adaptation.
package admin

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/relayqueue/rqd/internal/broker"
)

// Logger is the structured logger every broker component is
// constructed with.
type Logger = *slog.Logger

// BrokerStats is the subset of *broker.Broker this package depends on,
// so admin's routes can be tested against a fake.
type BrokerStats interface {
	Stats() broker.Stats
	Queues() []broker.QueueInfo
}

// RegisterRoutes wires the admin surface onto engine, adapting the
// teacher's CORS+logging middleware pair from internal/metrics'
// gin_adapter.go.
func RegisterRoutes(engine *gin.Engine, broker BrokerStats, logger Logger) {
	cors := func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			origin = "*"
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Accept,Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}

	logging := func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	}

	engine.Use(cors, logging)

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	engine.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, broker.Stats())
	})

	engine.GET("/queues", func(c *gin.Context) {
		c.JSON(http.StatusOK, broker.Queues())
	})

	engine.GET("/queues/:name", func(c *gin.Context) {
		name := c.Param("name")
		for _, q := range broker.Queues() {
			if q.Name == name {
				c.JSON(http.StatusOK, q)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "queue not found"})
	})

	// Serve the admin API's OpenAPI document and a Swagger UI over it,
	// same two-route shape as the teacher's metrics service.
	engine.GET("/openapi.yaml", func(c *gin.Context) {
		pwd, err := os.Getwd()
		if err != nil {
			logger.Error("failed to get working directory", "error", err)
			c.Status(http.StatusInternalServerError)
			return
		}
		data, err := os.ReadFile(pwd + "/docs/admin-openapi.yaml")
		if err != nil {
			logger.Error("failed to read OpenAPI file", "error", err)
			c.Status(http.StatusNotFound)
			return
		}
		c.Data(http.StatusOK, "application/x-yaml", data)
	})
	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/openapi.yaml")))
}
