package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// FileHandler exposes the locally materialized artifacts
type FileHandler struct {
	downloadLocation string
	logger           *zap.Logger
}

// NewFileHandler creates a new file handler
func NewFileHandler(downloadLocation string, logger *zap.Logger) *FileHandler {
	return &FileHandler{downloadLocation: downloadLocation, logger: logger}
}

// artifactFile is one downloaded artifact on disk
type artifactFile struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Folder string `json:"folder"`
}

// ListFiles returns every artifact under the download location
func (h *FileHandler) ListFiles(c *gin.Context) {
	var files []artifactFile

	err := filepath.Walk(h.downloadLocation, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			h.logger.Debug("skipping unreadable path", zap.String("path", path), zap.Error(err))
			return nil // continue walking, don't fail the entire listing
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(h.downloadLocation, path)
		if err != nil {
			rel = path
		}
		files = append(files, artifactFile{
			Name:   info.Name(),
			Path:   rel,
			Size:   info.Size(),
			Folder: filepath.Dir(rel),
		})
		return nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "could not list downloads",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"files": files,
		"total": len(files),
	})
}
