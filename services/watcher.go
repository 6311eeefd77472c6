package services

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"cloudfetch/types"
)

// Watcher polls a drop directory for descriptor files and feeds stable,
// supported ones into the queue manager. A file is stable once two
// consecutive scans observe the same size and mtime, so half-copied
// descriptors are never submitted.
type Watcher struct {
	dir    string
	queue  *QueueManager
	logger *zap.Logger

	seen map[string]fileSnapshot
}

type fileSnapshot struct {
	size    int64
	modTime time.Time
}

// NewWatcher creates a watcher over dir feeding queue.
func NewWatcher(dir string, queue *QueueManager, logger *zap.Logger) *Watcher {
	return &Watcher{
		dir:    dir,
		queue:  queue,
		logger: logger,
		seen:   make(map[string]fileSnapshot),
	}
}

// Run scans on the given interval until the context is cancelled, re-driving
// the queue after each pass.
func (w *Watcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.Scan()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Scan()
			w.queue.ProcessQueue()
		}
	}
}

// Scan walks the drop directory once and enqueues newly stable descriptors.
func (w *Watcher) Scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("watch directory unreadable", zap.String("dir", w.dir), zap.Error(err))
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		kind, ok := types.KindForPath(name)
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		path := filepath.Join(w.dir, name)
		snapshot := fileSnapshot{size: info.Size(), modTime: info.ModTime()}
		prev, known := w.seen[path]
		w.seen[path] = snapshot
		if !known || prev != snapshot {
			// First sighting or still changing; pick it up next pass.
			continue
		}

		descriptor := types.JobDescriptor{
			SourcePath:  path,
			Kind:        kind,
			Fingerprint: Fingerprint(path, info.Size(), info.ModTime()),
			Size:        info.Size(),
		}
		w.queue.AddToQueue(descriptor, nil)
	}

	// Forget files that disappeared so a re-dropped descriptor is treated
	// as new.
	for path := range w.seen {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			delete(w.seen, path)
		}
	}
}

// Fingerprint derives a content identity for a descriptor file: a hash of its
// bytes, falling back to size+mtime when the file cannot be read.
func Fingerprint(path string, size int64, modTime time.Time) string {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Sprintf("meta:%d:%d", size, modTime.UnixNano())
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Sprintf("meta:%d:%d", size, modTime.UnixNano())
	}
	return fmt.Sprintf("xxh:%016x", h.Sum64())
}
