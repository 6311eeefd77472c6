package types

import (
	"path/filepath"
	"strings"
	"time"
)

// DescriptorKind represents the kind of content reference a descriptor file holds
type DescriptorKind string

const (
	KindTorrent DescriptorKind = "torrent"
	KindMagnet  DescriptorKind = "magnet"
	KindNZB     DescriptorKind = "nzb"
)

// KindForPath maps a descriptor file extension to its kind.
// The second return value is false for unsupported files.
func KindForPath(path string) (DescriptorKind, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".torrent":
		return KindTorrent, true
	case ".magnet":
		return KindMagnet, true
	case ".nzb":
		return KindNZB, true
	}
	return "", false
}

// JobDescriptor is an immutable reference to content to be fetched,
// created by the discovery side before it enters the queue.
type JobDescriptor struct {
	SourcePath  string         `json:"sourcePath"`
	Kind        DescriptorKind `json:"kind"`
	Fingerprint string         `json:"fingerprint"`
	Size        int64          `json:"size"`
}

// ItemStatus represents the current status of a queued item
type ItemStatus string

const (
	ItemStatusQueued     ItemStatus = "queued"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusError      ItemStatus = "error"
)

// QueueItem wraps a descriptor while it waits for an admission slot.
// It is owned and mutated exclusively by the queue manager.
type QueueItem struct {
	Descriptor    JobDescriptor `json:"descriptor"`
	Priority      int           `json:"priority"`
	EnqueuedAt    time.Time     `json:"enqueuedAt"`
	Status        ItemStatus    `json:"status"`
	Retries       int           `json:"retries"`
	MaxRetries    int           `json:"maxRetries"`
	EstimatedSize int64         `json:"estimatedSize"`
}
