package cmd

import (
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cloudfetch/config"
	"cloudfetch/handlers"
	"cloudfetch/middleware"
	"cloudfetch/services"
	"cloudfetch/websocket"
)

// StartWebServer starts the introspection and submission API on top of an
// already running queue manager.
func StartWebServer(port int, cfg config.Config, queue *services.QueueManager, hub websocket.Hub, logger *zap.Logger) error {
	if mode := os.Getenv("GIN_MODE"); mode != "" {
		gin.SetMode(mode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	queueHandler := handlers.NewQueueHandler(queue, hub, cfg.WatchDir, logger)
	fileHandler := handlers.NewFileHandler(cfg.DownloadLocation, logger)
	healthHandler := handlers.NewHealthHandler(cfg.DownloadLocation)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.Logging(logger))

	SetupRoutes(r, queueHandler, fileHandler, healthHandler)

	portStr := strconv.Itoa(port)
	if serverPort := os.Getenv("SERVER_PORT"); serverPort != "" {
		portStr = serverPort
	}

	logger.Info("web server starting", zap.String("port", portStr))
	return r.Run(":" + portStr)
}

// SetupRoutes configures all the HTTP routes
func SetupRoutes(r *gin.Engine, queueHandler *handlers.QueueHandler, fileHandler *handlers.FileHandler, healthHandler *handlers.HealthHandler) {
	r.GET("/health", healthHandler.HealthCheck)

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/status", healthHandler.APIStatus)

		queueGroup := apiGroup.Group("/queue")
		{
			queueGroup.GET("/stats", queueHandler.GetStats)
			queueGroup.GET("/jobs", queueHandler.GetJobs)
			queueGroup.GET("/jobs/:jobId", queueHandler.GetJob)
			queueGroup.POST("/magnet", queueHandler.QueueMagnet)
		}

		wsGroup := apiGroup.Group("/ws")
		{
			wsGroup.GET("/queue/:jobId", queueHandler.HandleWebSocketConnection)
			wsGroup.GET("/queue", queueHandler.HandleWebSocketAllConnection)
		}

		apiGroup.GET("/files", fileHandler.ListFiles)
	}
}
