package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"cloudfetch/api"
	"cloudfetch/types"
)

const (
	capacityTTL = 60 * time.Second
	// Admission applies a safety margin on top of the requested size because
	// descriptor-derived estimates routinely undershoot.
	capacitySafetyMargin = 1.2
)

// CapacityEstimator maintains a TTL-cached estimate of the remote service's
// free storage. The remote exposes no quota API, so the total is an assumed
// constant and usage is summed from the job history.
type CapacityEstimator struct {
	client       api.Client
	assumedTotal int64
	minReserved  int64
	logger       *zap.Logger

	mu       sync.Mutex
	estimate *types.CapacityEstimate
}

// NewCapacityEstimator creates an estimator backed by the given client.
func NewCapacityEstimator(client api.Client, assumedTotal, minReserved int64, logger *zap.Logger) *CapacityEstimator {
	return &CapacityEstimator{
		client:       client,
		assumedTotal: assumedTotal,
		minReserved:  minReserved,
		logger:       logger,
	}
}

// Refresh recomputes the estimate unless a cached value is still within its
// TTL. A failed history query keeps the last known estimate; with nothing
// cached it synthesizes a generous default so an unreachable remote never
// permanently blocks admission.
func (ce *CapacityEstimator) Refresh(ctx context.Context) *types.CapacityEstimate {
	ce.mu.Lock()
	if ce.estimate != nil && time.Since(ce.estimate.ComputedAt) < capacityTTL {
		est := ce.estimate
		ce.mu.Unlock()
		return est
	}
	ce.mu.Unlock()

	items, err := ce.client.ListHistory(ctx)
	if err != nil {
		ce.logger.Warn("capacity query failed, keeping previous estimate", zap.Error(err))
		ce.mu.Lock()
		defer ce.mu.Unlock()
		if ce.estimate == nil {
			ce.estimate = &types.CapacityEstimate{
				TotalBytes: ce.assumedTotal,
				UsedBytes:  0,
				FreeBytes:  ce.assumedTotal,
				ComputedAt: time.Now(),
			}
		}
		return ce.estimate
	}

	var used int64
	for _, item := range items {
		// Only jobs still parked on remote storage count against the quota.
		if item.Status == api.RemoteStatusDownloaded || item.Status == api.RemoteStatusDownloading {
			used += item.FileSize
		}
	}

	free := ce.assumedTotal - used
	if free < 0 {
		free = 0
	}

	ce.mu.Lock()
	defer ce.mu.Unlock()
	ce.estimate = &types.CapacityEstimate{
		TotalBytes: ce.assumedTotal,
		UsedBytes:  used,
		FreeBytes:  free,
		ComputedAt: time.Now(),
	}
	ce.logger.Debug("capacity refreshed",
		zap.Int64("usedBytes", used),
		zap.Int64("freeBytes", free))
	return ce.estimate
}

// HasCapacity reports whether the remote can hold estimatedSize more bytes,
// applying the safety margin and the configured minimum reserve. The boundary
// case is rejected.
func (ce *CapacityEstimator) HasCapacity(estimatedSize int64) bool {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	if ce.estimate == nil {
		return true
	}
	needed := float64(estimatedSize) * capacitySafetyMargin
	available := float64(ce.estimate.FreeBytes - ce.minReserved)
	return available > needed
}

// Invalidate drops the cached estimate so the next Refresh queries the remote.
func (ce *CapacityEstimator) Invalidate() {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	ce.estimate = nil
}

// Current returns the cached estimate without refreshing; may be nil.
func (ce *CapacityEstimator) Current() *types.CapacityEstimate {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return ce.estimate
}
