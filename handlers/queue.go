package handlers

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cloudfetch/services"
	"cloudfetch/types"
	"cloudfetch/websocket"
)

// QueueHandler handles queue introspection and manual submission endpoints
type QueueHandler struct {
	queue    *services.QueueManager
	hub      websocket.Hub
	watchDir string
	logger   *zap.Logger
}

// NewQueueHandler creates a new queue handler
func NewQueueHandler(queue *services.QueueManager, hub websocket.Hub, watchDir string, logger *zap.Logger) *QueueHandler {
	return &QueueHandler{
		queue:    queue,
		hub:      hub,
		watchDir: watchDir,
		logger:   logger,
	}
}

// GetStats returns queue counters and the cached capacity estimate
func (h *QueueHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats": h.queue.Stats(),
	})
}

// GetJobs returns snapshots of all live jobs
func (h *QueueHandler) GetJobs(c *gin.Context) {
	jobs := h.queue.Jobs()
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// GetJob returns a single live job by ID
func (h *QueueHandler) GetJob(c *gin.Context) {
	jobID := c.Param("jobId")
	for _, job := range h.queue.Jobs() {
		if job.ID == jobID {
			c.JSON(http.StatusOK, gin.H{"job": job})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{
		"error": "job not found",
	})
}

type magnetRequest struct {
	Link string `json:"link" binding:"required"`
}

// QueueMagnet writes a magnet descriptor into the watch directory and
// enqueues it directly, so manual submissions flow through the same pipeline
// as dropped files.
func (h *QueueHandler) QueueMagnet(c *gin.Context) {
	var req magnetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "magnet link is required",
		})
		return
	}
	if !strings.HasPrefix(req.Link, "magnet:") {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "not a magnet link",
		})
		return
	}

	name := fmt.Sprintf("manual-%d.magnet", time.Now().UnixNano())
	path := filepath.Join(h.watchDir, name)
	if err := os.WriteFile(path, []byte(req.Link+"\n"), 0o644); err != nil {
		h.logger.Error("could not persist magnet descriptor", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "could not persist magnet descriptor",
		})
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "could not stat magnet descriptor",
		})
		return
	}

	descriptor := types.JobDescriptor{
		SourcePath:  path,
		Kind:        types.KindMagnet,
		Fingerprint: services.Fingerprint(path, info.Size(), info.ModTime()),
		Size:        info.Size(),
	}
	h.queue.AddToQueue(descriptor, nil)

	c.JSON(http.StatusCreated, gin.H{
		"message":    "magnet queued successfully",
		"descriptor": descriptor,
	})
}

// HandleWebSocketConnection upgrades to a WebSocket subscribed to one job
func (h *QueueHandler) HandleWebSocketConnection(c *gin.Context) {
	h.upgrade(c, c.Param("jobId"))
}

// HandleWebSocketAllConnection upgrades to a WebSocket receiving every update
func (h *QueueHandler) HandleWebSocketAllConnection(c *gin.Context) {
	h.upgrade(c, "all")
}

func (h *QueueHandler) upgrade(c *gin.Context, jobID string) {
	upgrader := websocket.GetUpgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := websocket.NewClient(h.hub, conn, jobID, h.logger)
	h.hub.RegisterClient(client)
	client.StartPumps()
}
