// Package http provides the JSON control surface for the scheduling engine:
// reminder and schedule operations, health, and metrics.
package http

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"andee/internal/logging"
	"andee/internal/metrics"
)

// RouterConfig configures the HTTP router.
type RouterConfig struct {
	Debug          bool
	AllowedOrigins []string
}

// NewRouter creates the gin engine with all control-surface routes.
func NewRouter(cfg RouterConfig, handlers *Handlers, m *metrics.Metrics, logger logging.Logger) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	logger = logging.OrNop(logger)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger))

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	engine.Use(cors.New(corsConfig))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(m.Handler()))

	api := engine.Group("/api")
	{
		reminders := api.Group("/reminders")
		reminders.POST("/schedule", handlers.ScheduleReminder)
		reminders.POST("/cancel", handlers.CancelReminder)
		reminders.POST("/complete", handlers.CompleteReminder)
		reminders.POST("/list", handlers.ListReminders)

		schedules := api.Group("/schedules")
		schedules.POST("/save", handlers.SaveScheduleConfig)
		schedules.POST("/get", handlers.GetScheduleConfig)
		schedules.POST("/execute", handlers.ExecuteSchedule)
		schedules.POST("/executions", handlers.ListExecutions)
	}

	return engine
}

// requestLogger logs each request line with latency at debug level.
func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP %d %s %s (%s)",
			c.Writer.Status(), c.Request.Method, c.Request.URL.Path, time.Since(start))
	}
}
