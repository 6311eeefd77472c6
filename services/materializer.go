package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

// MaterializeResult lists which artifact URLs reached local storage.
type MaterializeResult struct {
	Success []string `json:"success"`
	Failed  []string `json:"failed"`
}

// Materializer downloads resolved artifact URLs into local storage.
type Materializer interface {
	Materialize(ctx context.Context, urls []string, folderHint string) (*MaterializeResult, error)
}

// httpMaterializer fetches artifacts over HTTP into a target directory,
// writing through a temp file and renaming on completion.
type httpMaterializer struct {
	targetDir    string
	http         *http.Client
	logger       *zap.Logger
	showProgress bool
}

// NewMaterializer creates a materializer rooted at targetDir. Progress bars
// are only rendered when showProgress is set (CLI mode).
func NewMaterializer(targetDir string, showProgress bool, logger *zap.Logger) Materializer {
	return &httpMaterializer{
		targetDir:    targetDir,
		http:         &http.Client{Timeout: 0}, // large artifact bodies, no client-level cap
		logger:       logger,
		showProgress: showProgress,
	}
}

func (m *httpMaterializer) Materialize(ctx context.Context, urls []string, folderHint string) (*MaterializeResult, error) {
	destDir := filepath.Join(m.targetDir, sanitizeFolder(folderHint))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", destDir, err)
	}

	result := &MaterializeResult{}
	for _, artifactURL := range urls {
		if err := m.fetchOne(ctx, artifactURL, destDir); err != nil {
			m.logger.Warn("artifact download failed",
				zap.String("url", artifactURL),
				zap.Error(err))
			result.Failed = append(result.Failed, artifactURL)
			continue
		}
		result.Success = append(result.Success, artifactURL)
	}

	if len(result.Failed) > 0 {
		return result, fmt.Errorf("%d of %d artifacts failed", len(result.Failed), len(urls))
	}
	return result, nil
}

func (m *httpMaterializer) fetchOne(ctx context.Context, artifactURL, destDir string) error {
	name := fileNameFromURL(artifactURL)
	dest := filepath.Join(destDir, name)

	// A finished file from an earlier attempt is good enough; retries of a
	// partially failed batch must not re-download completed members.
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(destDir, ".cloudfetch-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	var w io.Writer = tmp
	if m.showProgress {
		bar := progressbar.DefaultBytes(resp.ContentLength, name)
		w = io.MultiWriter(tmp, bar)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// fileNameFromURL extracts a usable file name from an artifact URL.
func fileNameFromURL(artifactURL string) string {
	if u, err := url.Parse(artifactURL); err == nil {
		if name, err := url.PathUnescape(path.Base(u.Path)); err == nil && name != "" && name != "/" && name != "." {
			return name
		}
	}
	return fmt.Sprintf("artifact-%d", time.Now().UnixNano())
}

// sanitizeFolder strips path separators so a remote-supplied hint can never
// escape the download root.
func sanitizeFolder(hint string) string {
	hint = strings.ReplaceAll(hint, "..", "")
	hint = strings.ReplaceAll(hint, "/", "_")
	hint = strings.ReplaceAll(hint, "\\", "_")
	if hint == "" {
		hint = "download"
	}
	return hint
}
