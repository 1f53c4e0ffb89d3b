package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lachwilkes/raceday/internal/api/handler"
	"github.com/lachwilkes/raceday/internal/api/middleware"
	"github.com/lachwilkes/raceday/internal/config"
	"github.com/lachwilkes/raceday/internal/logger"
)

// SetupRouter configures the Gin router with all routes
func SetupRouter(
	importHandler *handler.ImportHandler,
	cfg *config.ServerConfig,
	log *logger.Logger,
) *gin.Engine {
	// Set Gin mode
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.CORS.AllowAllOrigins,
	}))

	// Create handlers
	healthHandler := handler.NewHealthHandler()

	// Health check and metrics
	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Import trigger and run history
		v1.POST("/import/meetings", importHandler.TriggerImport)
		v1.GET("/import/meetings/status", importHandler.GetStatus)
		v1.GET("/import/meetings/test-connection", importHandler.TestConnection)
		v1.GET("/import/logs", importHandler.ListLogs)
	}

	return r
}
