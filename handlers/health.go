package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	downloadLocation string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(downloadLocation string) *HealthHandler {
	return &HealthHandler{downloadLocation: downloadLocation}
}

// HealthCheck returns the health status of the service
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "cloudfetch",
		"version":   "1.0.0",
		"timestamp": time.Now().Unix(),
	})
}

// APIStatus returns the status of the API
func (h *HealthHandler) APIStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":           "cloudfetch API is running",
		"download_location": h.downloadLocation,
	})
}
