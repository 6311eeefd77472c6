package types

import "time"

// CapacityEstimate is a point-in-time guess at the remote service's free storage.
// The remote does not expose a reliable quota, so totals are assumed, not reported.
type CapacityEstimate struct {
	TotalBytes int64     `json:"totalBytes"`
	UsedBytes  int64     `json:"usedBytes"`
	FreeBytes  int64     `json:"freeBytes"`
	ComputedAt time.Time `json:"computedAt"`
}

// QueueStats is the read-only snapshot returned by the queue manager.
type QueueStats struct {
	QueueLength     int               `json:"queueLength"`
	ActiveDownloads int               `json:"activeDownloads"`
	PendingItems    int               `json:"pendingItems"`
	ProcessingItems int               `json:"processingItems"`
	ErrorItems      int               `json:"errorItems"`
	Capacity        *CapacityEstimate `json:"capacity,omitempty"`
	DedupMapSize    int               `json:"dedupMapSize"`
}
