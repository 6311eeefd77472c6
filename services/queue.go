package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"cloudfetch/api"
	"cloudfetch/types"
)

const (
	defaultMaxRetries = 3
	defaultPriority   = 1

	// Descriptor files are a fraction of their true payload; until the remote
	// resolves the content the estimate is descriptor size times this factor.
	// Approximation by design of the original heuristic, never refined later.
	payloadSizeMultiplier = 1000

	// dedupWindow blocks re-admission of a fingerprint after completion.
	dedupWindow = time.Hour
	// dedupMaxAge and dedupMaxEntries bound the dedup table.
	dedupMaxAge     = 24 * time.Hour
	dedupMaxEntries = 1000

	// cleanupMinBacklog gates the opportunistic remote cleanup pass: it only
	// runs when this many items are starved for capacity.
	cleanupMinBacklog   = 5
	opportunisticMaxAge = 12 * time.Hour
	maintenanceMaxAge   = 24 * time.Hour
	redriveDelay        = 2 * time.Second
	processFnBaseDelay  = 5 * time.Second
	processFnMaxDelay   = 60 * time.Second
	// wallCleanupCooldown rate-limits the opportunistic cleanup while a
	// capacity wall persists across re-drives.
	wallCleanupCooldown = 5 * time.Minute
)

// ProcessFunc turns an admitted descriptor into a finished download. The
// default implementation runs the full job lifecycle against the remote.
type ProcessFunc func(ctx context.Context, descriptor types.JobDescriptor) error

// fingerprint lifecycle inside the dedup table; absent means idle.
type fpState string

const (
	fpQueued            fpState = "queued"
	fpProcessing        fpState = "processing"
	fpRecentlyCompleted fpState = "recently_completed"
)

type fpRecord struct {
	state     fpState
	updatedAt time.Time
}

// QueueManager holds pending descriptors and drives them through admission,
// processing, and cleanup while enforcing the concurrency cap and the
// capacity-aware admission policy.
type QueueManager struct {
	client        api.Client
	capacity      *CapacityEstimator
	materializer  Materializer
	hub           Broadcaster
	logger        *zap.Logger
	maxConcurrent int

	mu           sync.Mutex
	items        []*types.QueueItem
	fingerprints map[string]*fpRecord
	processors   map[string]ProcessFunc
	active       int
	isProcessing bool
	jobs         map[string]*Job // live jobs by fingerprint, polled on cadence
	slots        map[string]bool // fingerprints currently holding a slot
	// lastWallCleanup is when the opportunistic cleanup last ran against a
	// capacity wall.
	lastWallCleanup time.Time

	ctx         context.Context
	cancel      context.CancelFunc
	cleanupOnce sync.Once
	wg          sync.WaitGroup

	// requeueBase is a field so tests can shrink the requeue backoff.
	requeueBase time.Duration
}

// NewQueueManager creates a queue manager. hub may be nil.
func NewQueueManager(client api.Client, capacity *CapacityEstimator, materializer Materializer, hub Broadcaster, maxConcurrent int, logger *zap.Logger) *QueueManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &QueueManager{
		client:        client,
		capacity:      capacity,
		materializer:  materializer,
		hub:           hub,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		fingerprints:  make(map[string]*fpRecord),
		processors:    make(map[string]ProcessFunc),
		jobs:          make(map[string]*Job),
		slots:         make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
		requeueBase:   time.Second,
	}
}

// AddToQueue enqueues a descriptor unless its fingerprint is already live or
// completed within the dedup window. A nil processFn runs the default job
// lifecycle. Processing is triggered if the drive loop is idle.
func (q *QueueManager) AddToQueue(descriptor types.JobDescriptor, processFn ProcessFunc) {
	q.mu.Lock()
	if rec, ok := q.fingerprints[descriptor.Fingerprint]; ok {
		blocked := rec.state == fpQueued || rec.state == fpProcessing ||
			(rec.state == fpRecentlyCompleted && time.Since(rec.updatedAt) < dedupWindow)
		if blocked {
			q.mu.Unlock()
			q.logger.Debug("descriptor already tracked, skipping",
				zap.String("fingerprint", descriptor.Fingerprint),
				zap.String("file", descriptor.SourcePath))
			return
		}
	}

	item := &types.QueueItem{
		Descriptor:    descriptor,
		Priority:      defaultPriority,
		EnqueuedAt:    time.Now(),
		Status:        types.ItemStatusQueued,
		Retries:       0,
		MaxRetries:    defaultMaxRetries,
		EstimatedSize: estimatePayloadSize(descriptor),
	}
	q.items = append(q.items, item)
	q.fingerprints[descriptor.Fingerprint] = &fpRecord{state: fpQueued, updatedAt: time.Now()}
	if processFn == nil {
		processFn = q.runJob
	}
	q.processors[descriptor.Fingerprint] = processFn
	idle := !q.isProcessing
	q.mu.Unlock()

	q.logger.Info("descriptor enqueued",
		zap.String("file", descriptor.SourcePath),
		zap.String("kind", string(descriptor.Kind)),
		zap.Int64("estimatedSize", item.EstimatedSize))

	if idle {
		go q.ProcessQueue()
	}
}

// ProcessQueue drives admission until the queue drains, a capacity wall is
// hit, or all slots are busy. Single-flight: concurrent calls return
// immediately and a trailing re-drive is scheduled if items remain.
func (q *QueueManager) ProcessQueue() {
	// Cleanup cancels the context; a shut-down queue neither drives nor
	// re-arms its trailing timer.
	if q.ctx.Err() != nil {
		return
	}

	q.mu.Lock()
	if q.isProcessing {
		q.mu.Unlock()
		return
	}
	q.isProcessing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.isProcessing = false
		remaining := len(q.items)
		q.mu.Unlock()
		if remaining > 0 && q.ctx.Err() == nil {
			time.AfterFunc(redriveDelay, q.ProcessQueue)
		}
	}()

	q.capacity.Refresh(q.ctx)
	cleanupTried := false

	for {
		if q.ctx.Err() != nil {
			return
		}

		q.mu.Lock()
		if len(q.items) == 0 || q.active >= q.maxConcurrent {
			q.mu.Unlock()
			return
		}
		idx := q.nextIndex()
		item := q.items[idx]
		backlog := len(q.items)

		if !q.capacity.HasCapacity(item.EstimatedSize) {
			q.mu.Unlock()
			if !cleanupTried && backlog > cleanupMinBacklog && q.claimWallCleanup() {
				cleanupTried = true
				q.logger.Info("capacity exhausted, attempting opportunistic remote cleanup",
					zap.Int("backlog", backlog))
				q.cleanupRemote(q.ctx, opportunisticMaxAge)
				q.capacity.Invalidate()
				q.capacity.Refresh(q.ctx)
				continue
			}
			// Not an error: the item stays queued for the next pass.
			return
		}

		// Admit: bookkeeping happens before anything can suspend.
		q.items = append(q.items[:idx], q.items[idx+1:]...)
		item.Status = types.ItemStatusProcessing
		q.active++
		q.slots[item.Descriptor.Fingerprint] = true
		if rec, ok := q.fingerprints[item.Descriptor.Fingerprint]; ok {
			rec.state = fpProcessing
			rec.updatedAt = time.Now()
		}
		processFn := q.processors[item.Descriptor.Fingerprint]
		q.mu.Unlock()
		if processFn == nil {
			processFn = q.runJob
		}

		q.wg.Add(1)
		go q.runItem(item, processFn)
	}
}

// nextIndex picks the queued item with the lowest priority value, ties broken
// by age. Caller holds the lock and guarantees a non-empty queue.
func (q *QueueManager) nextIndex() int {
	best := 0
	for i := 1; i < len(q.items); i++ {
		cur, b := q.items[i], q.items[best]
		if cur.Priority < b.Priority ||
			(cur.Priority == b.Priority && cur.EnqueuedAt.Before(b.EnqueuedAt)) {
			best = i
		}
	}
	return best
}

// runItem executes one admitted item through the retry executor and handles
// the requeue-or-drop decision on failure. The slot is always released.
func (q *QueueManager) runItem(item *types.QueueItem, processFn ProcessFunc) {
	defer q.wg.Done()
	fingerprint := item.Descriptor.Fingerprint
	defer q.releaseSlot(fingerprint)

	remaining := item.MaxRetries - item.Retries
	if remaining < 0 {
		remaining = 0
	}
	err := Execute(q.ctx, RetryOptions{
		MaxRetries: remaining,
		BaseDelay:  processFnBaseDelay,
		MaxDelay:   processFnMaxDelay,
		Logger:     q.logger,
	}, func(ctx context.Context) error {
		return processFn(ctx, item.Descriptor)
	})

	if err == nil {
		q.mu.Lock()
		q.markCompleted(fingerprint)
		q.mu.Unlock()
		return
	}

	item.Retries++
	item.Status = types.ItemStatusError
	if item.Retries > item.MaxRetries {
		q.logger.Warn("item dropped, retry budget exhausted",
			zap.String("file", item.Descriptor.SourcePath),
			zap.Int("retries", item.Retries),
			zap.Error(err))
		q.mu.Lock()
		q.markCompleted(fingerprint)
		q.mu.Unlock()
		return
	}

	// Chronic failures drift back via the priority penalty instead of
	// starving fresh items.
	item.Priority++
	q.logger.Warn("item failed, requeueing",
		zap.String("file", item.Descriptor.SourcePath),
		zap.Int("retries", item.Retries),
		zap.Int("priority", item.Priority),
		zap.Error(err))

	// The backoff is a pure wait; the admission slot is freed first so other
	// queued items can use it meanwhile.
	q.releaseSlot(fingerprint)
	q.redrive()

	delay := backoffDelay(item.Retries, q.requeueBase, 30*time.Second)
	timer := time.NewTimer(delay)
	select {
	case <-q.ctx.Done():
		timer.Stop()
		return
	case <-timer.C:
	}

	q.mu.Lock()
	item.Status = types.ItemStatusError
	q.items = append(q.items, item)
	if rec, ok := q.fingerprints[fingerprint]; ok {
		rec.state = fpQueued
		rec.updatedAt = time.Now()
	}
	q.mu.Unlock()
	q.redrive()
}

// redrive kicks the drive loop unless it is already running.
func (q *QueueManager) redrive() {
	q.mu.Lock()
	idle := !q.isProcessing
	q.mu.Unlock()
	if idle {
		go q.ProcessQueue()
	}
}

// claimWallCleanup reports whether the opportunistic cleanup may run, stamping
// the cooldown when it does. Against a persistent capacity wall, every
// re-drive would otherwise hit the remote history again.
func (q *QueueManager) claimWallCleanup() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.lastWallCleanup.IsZero() && time.Since(q.lastWallCleanup) < wallCleanupCooldown {
		return false
	}
	q.lastWallCleanup = time.Now()
	return true
}

// markCompleted moves a fingerprint into the dedup window. Caller holds the lock.
func (q *QueueManager) markCompleted(fingerprint string) {
	q.fingerprints[fingerprint] = &fpRecord{state: fpRecentlyCompleted, updatedAt: time.Now()}
	delete(q.processors, fingerprint)
}

// releaseSlot frees the admission slot held by a fingerprint. Idempotent: the
// guaranteed cleanup in runItem and the job completion path can both call it.
func (q *QueueManager) releaseSlot(fingerprint string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.slots[fingerprint] {
		return
	}
	delete(q.slots, fingerprint)
	if q.active > 0 {
		q.active--
	}
}

// runJob is the default ProcessFunc: it runs the full lifecycle of one remote
// job and blocks until the job reaches its terminal state.
func (q *QueueManager) runJob(ctx context.Context, descriptor types.JobDescriptor) error {
	// The job's completion hook routes through the idempotent slot release,
	// never the clamped public DownloadCompleted, so the pair (completion
	// hook, guaranteed cleanup in runItem) frees the slot exactly once.
	onComplete := func() { q.jobCompleted(descriptor.Fingerprint) }
	job := NewJob(descriptor, q.client, q.materializer, q.hub, q.logger, onComplete)

	q.mu.Lock()
	q.jobs[descriptor.Fingerprint] = job
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.jobs, descriptor.Fingerprint)
		q.mu.Unlock()
	}()

	if err := job.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case result := <-job.Done():
		if !result.Succeeded {
			return fmt.Errorf("job %s failed: %s", result.JobID, result.Error)
		}
		return nil
	}
}

// jobCompleted frees a job's slot, invalidates the capacity estimate, and
// re-drives the queue.
func (q *QueueManager) jobCompleted(fingerprint string) {
	q.releaseSlot(fingerprint)
	q.capacity.Invalidate()

	q.mu.Lock()
	idle := !q.isProcessing
	q.mu.Unlock()
	if idle {
		time.AfterFunc(redriveDelay, q.ProcessQueue)
	}
}

// DownloadCompleted notifies the queue that an externally driven job reached
// its terminal state. The decrement is clamped so a spurious or duplicate
// call can never drive the active count negative.
func (q *QueueManager) DownloadCompleted() {
	q.mu.Lock()
	if q.active > 0 {
		q.active--
	}
	idle := !q.isProcessing
	q.mu.Unlock()

	q.capacity.Invalidate()
	if idle {
		time.AfterFunc(redriveDelay, q.ProcessQueue)
	}
}

// PollJobs drives one poll pass over all live jobs.
func (q *QueueManager) PollJobs(ctx context.Context) {
	q.mu.Lock()
	jobs := make([]*Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		jobs = append(jobs, job)
	}
	q.mu.Unlock()

	for _, job := range jobs {
		job.Poll(ctx)
	}
}

// Jobs returns snapshots of all live jobs.
func (q *QueueManager) Jobs() []types.JobView {
	q.mu.Lock()
	jobs := make([]*Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		jobs = append(jobs, job)
	}
	q.mu.Unlock()

	views := make([]types.JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, job.Snapshot())
	}
	return views
}

// cleanupRemote deletes remote jobs older than maxAge that are done or dead,
// reclaiming capacity. Returns the number of removals.
func (q *QueueManager) cleanupRemote(ctx context.Context, maxAge time.Duration) int {
	items, err := q.client.ListHistory(ctx)
	if err != nil {
		q.logger.Warn("remote cleanup skipped, history unavailable", zap.Error(err))
		return 0
	}

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, item := range items {
		if item.CreatedAt.After(cutoff) {
			continue
		}
		switch item.Status {
		case api.RemoteStatusDownloaded, api.RemoteStatusError, api.RemoteStatusCanceled:
		default:
			continue
		}
		if err := q.client.Remove(ctx, item.RequestID); err != nil {
			q.logger.Debug("remote cleanup removal failed",
				zap.String("requestId", item.RequestID),
				zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		q.logger.Info("remote cleanup reclaimed jobs", zap.Int("removed", removed))
	}
	return removed
}

// pruneDedup drops stale fingerprints and bounds the table size.
func (q *QueueManager) pruneDedup() {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-dedupMaxAge)
	for fp, rec := range q.fingerprints {
		if rec.state == fpRecentlyCompleted && rec.updatedAt.Before(cutoff) {
			delete(q.fingerprints, fp)
		}
	}

	for len(q.fingerprints) > dedupMaxEntries {
		oldestFp := ""
		var oldestAt time.Time
		for fp, rec := range q.fingerprints {
			if rec.state != fpRecentlyCompleted {
				continue
			}
			if oldestFp == "" || rec.updatedAt.Before(oldestAt) {
				oldestFp, oldestAt = fp, rec.updatedAt
			}
		}
		if oldestFp == "" {
			break
		}
		delete(q.fingerprints, oldestFp)
	}
}

// Maintenance runs one periodic maintenance pass: remote cleanup of old
// completed jobs and dedup table pruning.
func (q *QueueManager) Maintenance(ctx context.Context) {
	q.cleanupRemote(ctx, maintenanceMaxAge)
	q.pruneDedup()
}

// Start launches the periodic poll and maintenance loops.
func (q *QueueManager) Start(pollInterval, maintenanceInterval time.Duration) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-q.ctx.Done():
				return
			case <-ticker.C:
				q.PollJobs(q.ctx)
			}
		}
	}()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(maintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-q.ctx.Done():
				return
			case <-ticker.C:
				q.Maintenance(q.ctx)
			}
		}
	}()
}

// Cleanup cancels all periodic work. Idempotent, safe to call at shutdown.
func (q *QueueManager) Cleanup() {
	q.cleanupOnce.Do(func() {
		q.cancel()
	})
}

// Stats returns a read-only snapshot of queue state.
func (q *QueueManager) Stats() types.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := types.QueueStats{
		QueueLength:     len(q.items),
		ActiveDownloads: q.active,
		ProcessingItems: q.active,
		DedupMapSize:    len(q.fingerprints),
		Capacity:        q.capacity.Current(),
	}
	for _, item := range q.items {
		switch item.Status {
		case types.ItemStatusQueued:
			stats.PendingItems++
		case types.ItemStatusError:
			stats.ErrorItems++
		}
	}
	return stats
}

// estimatePayloadSize guesses the true payload of a descriptor. Descriptor
// files only hint at their content's size until the remote resolves it.
func estimatePayloadSize(descriptor types.JobDescriptor) int64 {
	switch descriptor.Kind {
	case types.KindTorrent, types.KindMagnet, types.KindNZB:
		return descriptor.Size * payloadSizeMultiplier
	}
	return descriptor.Size
}
