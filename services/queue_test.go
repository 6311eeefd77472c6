package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"cloudfetch/api"
	"cloudfetch/types"
)

func testDescriptor(fingerprint string) types.JobDescriptor {
	return types.JobDescriptor{
		SourcePath:  "/watch/" + fingerprint + ".torrent",
		Kind:        types.KindTorrent,
		Fingerprint: fingerprint,
		Size:        64,
	}
}

// pinProcessing parks the drive loop so enqueued items stay put for assertions.
func pinProcessing(q *QueueManager, pinned bool) {
	q.mu.Lock()
	q.isProcessing = pinned
	q.mu.Unlock()
}

func TestAddToQueueDeduplicatesByFingerprint(t *testing.T) {
	client := newFakeClient()
	q, _, _ := newTestQueue(client, 1, 1<<40, 0)
	defer q.Cleanup()
	pinProcessing(q, true)

	q.AddToQueue(testDescriptor("fp-1"), func(ctx context.Context, d types.JobDescriptor) error { return nil })
	q.AddToQueue(testDescriptor("fp-1"), func(ctx context.Context, d types.JobDescriptor) error { return nil })
	q.AddToQueue(testDescriptor("fp-2"), func(ctx context.Context, d types.JobDescriptor) error { return nil })

	stats := q.Stats()
	assert.Equal(t, 2, stats.QueueLength)
	assert.Equal(t, 2, stats.DedupMapSize)
}

func TestAddToQueueBlocksRecentlyCompleted(t *testing.T) {
	client := newFakeClient()
	q, _, _ := newTestQueue(client, 1, 1<<40, 0)
	defer q.Cleanup()
	pinProcessing(q, true)

	q.mu.Lock()
	q.fingerprints["fp-done"] = &fpRecord{state: fpRecentlyCompleted, updatedAt: time.Now()}
	q.mu.Unlock()

	q.AddToQueue(testDescriptor("fp-done"), nil)
	assert.Equal(t, 0, q.Stats().QueueLength, "completion inside the dedup window blocks re-admission")

	q.mu.Lock()
	q.fingerprints["fp-done"].updatedAt = time.Now().Add(-2 * dedupWindow)
	q.mu.Unlock()

	q.AddToQueue(testDescriptor("fp-done"), nil)
	assert.Equal(t, 1, q.Stats().QueueLength, "an expired dedup entry admits the fingerprint again")
}

func TestEstimatePayloadSizeMultipliesDescriptorSize(t *testing.T) {
	for _, kind := range []types.DescriptorKind{types.KindTorrent, types.KindMagnet, types.KindNZB} {
		d := types.JobDescriptor{Kind: kind, Size: 64}
		assert.Equal(t, int64(64000), estimatePayloadSize(d))
	}
}

func TestProcessQueueRespectsConcurrencyCap(t *testing.T) {
	client := newFakeClient()
	q, _, _ := newTestQueue(client, 2, 1<<40, 0)
	defer q.Cleanup()

	release := make(chan struct{})
	var mu sync.Mutex
	started := 0
	blockingFn := func(ctx context.Context, d types.JobDescriptor) error {
		mu.Lock()
		started++
		mu.Unlock()
		<-release
		return nil
	}

	for _, fp := range []string{"fp-a", "fp-b", "fp-c", "fp-d"} {
		q.AddToQueue(testDescriptor(fp), blockingFn)
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return started == 2
	}, 2*time.Second, 5*time.Millisecond)

	// Hold long enough for an over-admission to surface.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 2, started, "active work must never exceed the concurrency cap")
	mu.Unlock()
	assert.Equal(t, 2, q.Stats().ActiveDownloads)

	close(release)
	assert.Eventually(t, func() bool {
		stats := q.Stats()
		return stats.ActiveDownloads == 0 && stats.QueueLength == 0
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 4, started)
	mu.Unlock()
}

func TestNextIndexPrefersLowPriorityThenAge(t *testing.T) {
	client := newFakeClient()
	q, _, _ := newTestQueue(client, 1, 1<<40, 0)
	defer q.Cleanup()

	now := time.Now()
	itemA := &types.QueueItem{Descriptor: testDescriptor("fp-a"), Priority: 2, EnqueuedAt: now.Add(-3 * time.Minute)}
	itemB := &types.QueueItem{Descriptor: testDescriptor("fp-b"), Priority: 1, EnqueuedAt: now.Add(-2 * time.Minute)}
	itemC := &types.QueueItem{Descriptor: testDescriptor("fp-c"), Priority: 1, EnqueuedAt: now.Add(-1 * time.Minute)}

	q.mu.Lock()
	q.items = []*types.QueueItem{itemA, itemB, itemC}

	var order []string
	for len(q.items) > 0 {
		idx := q.nextIndex()
		order = append(order, q.items[idx].Descriptor.Fingerprint)
		q.items = append(q.items[:idx], q.items[idx+1:]...)
	}
	q.mu.Unlock()

	assert.Equal(t, []string{"fp-b", "fp-c", "fp-a"}, order)
}

func TestProcessQueueCapacityWallTriggersOneCleanupPass(t *testing.T) {
	client := newFakeClient()
	// Remote is full: one ancient downloaded job holds the entire assumed total.
	client.listHistoryFn = func() ([]api.HistoryItem, error) {
		return []api.HistoryItem{{
			RequestID: "req-old",
			Status:    api.RemoteStatusDownloaded,
			FileSize:  1000,
			CreatedAt: time.Now().Add(-48 * time.Hour),
		}}, nil
	}
	q, _, _ := newTestQueue(client, 3, 1000, 100)
	defer q.Cleanup()

	pinProcessing(q, true)
	fps := []string{"fp-1", "fp-2", "fp-3", "fp-4", "fp-5", "fp-6"}
	for _, fp := range fps {
		q.AddToQueue(testDescriptor(fp), func(ctx context.Context, d types.JobDescriptor) error {
			t.Errorf("no item should be admitted while capacity is exhausted")
			return nil
		})
	}
	pinProcessing(q, false)

	q.ProcessQueue()

	stats := q.Stats()
	assert.Equal(t, len(fps), stats.QueueLength, "starved items stay queued")
	assert.Equal(t, 0, stats.ActiveDownloads)
	assert.Equal(t, 1, client.callCount("remove"), "exactly one opportunistic cleanup pass per drive")
	// listHistory: initial refresh, the cleanup pass, and the forced re-estimate.
	assert.Equal(t, 3, client.callCount("listHistory"))
}

func TestProcessQueueSkipsCleanupForSmallBacklog(t *testing.T) {
	client := newFakeClient()
	client.listHistoryFn = func() ([]api.HistoryItem, error) {
		return []api.HistoryItem{{
			RequestID: "req-old",
			Status:    api.RemoteStatusDownloaded,
			FileSize:  1000,
			CreatedAt: time.Now().Add(-48 * time.Hour),
		}}, nil
	}
	q, _, _ := newTestQueue(client, 3, 1000, 100)
	defer q.Cleanup()

	pinProcessing(q, true)
	q.AddToQueue(testDescriptor("fp-1"), func(ctx context.Context, d types.JobDescriptor) error { return nil })
	pinProcessing(q, false)

	q.ProcessQueue()

	assert.Equal(t, 1, q.Stats().QueueLength)
	assert.Equal(t, 0, client.callCount("remove"), "a short backlog is not worth a cleanup pass")
}

func TestRunItemRequeuesWithPriorityPenaltyThenDrops(t *testing.T) {
	client := newFakeClient()
	q, _, _ := newTestQueue(client, 1, 1<<40, 0)
	defer q.Cleanup()

	var mu sync.Mutex
	calls := 0
	failing := func(ctx context.Context, d types.JobDescriptor) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("permanently broken")
	}

	q.AddToQueue(testDescriptor("fp-bad"), failing)

	// defaultMaxRetries attempts plus the original one, then the drop.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == defaultMaxRetries+1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		stats := q.Stats()
		return stats.QueueLength == 0 && stats.ActiveDownloads == 0
	}, 5*time.Second, 10*time.Millisecond)

	// The dropped fingerprint lands in the dedup window.
	q.AddToQueue(testDescriptor("fp-bad"), failing)
	assert.Equal(t, 0, q.Stats().QueueLength)
}

func TestDownloadCompletedNeverGoesNegative(t *testing.T) {
	client := newFakeClient()
	q, _, _ := newTestQueue(client, 2, 1<<40, 0)
	defer q.Cleanup()

	q.DownloadCompleted()
	q.DownloadCompleted()
	assert.Equal(t, 0, q.Stats().ActiveDownloads)
}

func TestReleaseSlotIsIdempotent(t *testing.T) {
	client := newFakeClient()
	q, _, _ := newTestQueue(client, 2, 1<<40, 0)
	defer q.Cleanup()

	q.mu.Lock()
	q.active = 2
	q.slots["fp-x"] = true
	q.slots["fp-y"] = true
	q.mu.Unlock()

	q.releaseSlot("fp-x")
	q.releaseSlot("fp-x")
	q.releaseSlot("fp-x")

	assert.Equal(t, 1, q.Stats().ActiveDownloads, "double release of one slot frees it once")
}

func TestDefaultProcessFnRunsFullJobLifecycle(t *testing.T) {
	magnet := writeDescriptor(t, "full.magnet", "magnet:?xt=urn:btih:full")
	client := newFakeClient()
	client.getStatusFn = func(requestID string) (*api.StatusResponse, error) {
		return &api.StatusResponse{RequestID: requestID, Status: api.RemoteStatusDownloaded, FileName: "full.bin"}, nil
	}
	q, _, materializer := newTestQueue(client, 1, 1<<40, 0)
	defer q.Cleanup()

	q.AddToQueue(magnet, nil)

	assert.Eventually(t, func() bool {
		return len(q.Jobs()) == 1
	}, 2*time.Second, 5*time.Millisecond, "default processor registers a live job")

	ctx := context.Background()
	assert.Eventually(t, func() bool {
		q.PollJobs(ctx)
		stats := q.Stats()
		return stats.ActiveDownloads == 0 && stats.QueueLength == 0
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, 1, materializer.callCount())
	assert.NoFileExists(t, magnet.SourcePath)
	assert.Empty(t, q.Jobs(), "finished jobs leave the live set")
}

func TestPruneDedupDropsStaleEntriesAndBoundsTable(t *testing.T) {
	client := newFakeClient()
	q, _, _ := newTestQueue(client, 1, 1<<40, 0)
	defer q.Cleanup()

	q.mu.Lock()
	q.fingerprints["fp-stale"] = &fpRecord{state: fpRecentlyCompleted, updatedAt: time.Now().Add(-2 * dedupMaxAge)}
	q.fingerprints["fp-fresh"] = &fpRecord{state: fpRecentlyCompleted, updatedAt: time.Now()}
	q.fingerprints["fp-live"] = &fpRecord{state: fpProcessing, updatedAt: time.Now().Add(-2 * dedupMaxAge)}
	q.mu.Unlock()

	q.pruneDedup()

	q.mu.Lock()
	_, stale := q.fingerprints["fp-stale"]
	_, fresh := q.fingerprints["fp-fresh"]
	_, live := q.fingerprints["fp-live"]
	q.mu.Unlock()

	assert.False(t, stale)
	assert.True(t, fresh)
	assert.True(t, live, "live fingerprints are never pruned, however old")
}

func TestMaintenanceCleansOldRemoteJobs(t *testing.T) {
	client := newFakeClient()
	client.listHistoryFn = func() ([]api.HistoryItem, error) {
		return []api.HistoryItem{
			{RequestID: "req-old-done", Status: api.RemoteStatusDownloaded, CreatedAt: time.Now().Add(-48 * time.Hour)},
			{RequestID: "req-old-err", Status: api.RemoteStatusError, CreatedAt: time.Now().Add(-48 * time.Hour)},
			{RequestID: "req-old-live", Status: api.RemoteStatusDownloading, CreatedAt: time.Now().Add(-48 * time.Hour)},
			{RequestID: "req-new-done", Status: api.RemoteStatusDownloaded, CreatedAt: time.Now().Add(-time.Hour)},
		}, nil
	}
	q, _, _ := newTestQueue(client, 1, 1<<40, 0)
	defer q.Cleanup()

	q.Maintenance(context.Background())

	assert.Equal(t, 2, client.callCount("remove"), "only old finished or dead jobs are reclaimed")
}

func TestCleanupStopsQueueDrive(t *testing.T) {
	client := newFakeClient()
	client.listHistoryFn = func() ([]api.HistoryItem, error) {
		return []api.HistoryItem{{
			RequestID: "req-full",
			Status:    api.RemoteStatusDownloaded,
			FileSize:  1000,
			CreatedAt: time.Now(),
		}}, nil
	}
	q, capacity, _ := newTestQueue(client, 1, 1000, 100)

	pinProcessing(q, true)
	q.AddToQueue(testDescriptor("fp-parked"), func(ctx context.Context, d types.JobDescriptor) error { return nil })
	pinProcessing(q, false)

	// Hits the capacity wall and arms the trailing re-drive timer.
	q.ProcessQueue()
	assert.Equal(t, 1, client.callCount("listHistory"))
	assert.Equal(t, 1, q.Stats().QueueLength)

	q.Cleanup()
	capacity.Invalidate() // a rogue re-drive would now query the remote again

	q.ProcessQueue()
	assert.Equal(t, 1, client.callCount("listHistory"), "a shut-down queue never drives")

	time.Sleep(redriveDelay + 300*time.Millisecond)
	assert.Equal(t, 1, client.callCount("listHistory"), "the pre-shutdown timer must not re-drive")
	assert.Equal(t, 1, q.Stats().QueueLength)
}

func TestFailingItemFreesSlotDuringRequeueBackoff(t *testing.T) {
	client := newFakeClient()
	q, _, _ := newTestQueue(client, 1, 1<<40, 0)
	defer q.Cleanup()
	q.requeueBase = time.Second

	var mu sync.Mutex
	ranSecond := false

	pinProcessing(q, true)
	q.AddToQueue(testDescriptor("fp-flaky"), func(ctx context.Context, d types.JobDescriptor) error {
		return errors.New("permanently broken")
	})
	q.AddToQueue(testDescriptor("fp-next"), func(ctx context.Context, d types.JobDescriptor) error {
		mu.Lock()
		ranSecond = true
		mu.Unlock()
		return nil
	})
	pinProcessing(q, false)

	go q.ProcessQueue()

	// The failing item's requeue backoff is two seconds; the freed slot must
	// admit the next item well before that.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ranSecond
	}, 500*time.Millisecond, 5*time.Millisecond,
		"slot held through the requeue backoff starved the next item")
}

func TestCapacityWallCleanupHasCooldown(t *testing.T) {
	client := newFakeClient()
	client.listHistoryFn = func() ([]api.HistoryItem, error) {
		return []api.HistoryItem{{
			RequestID: "req-old",
			Status:    api.RemoteStatusDownloaded,
			FileSize:  1000,
			CreatedAt: time.Now().Add(-48 * time.Hour),
		}}, nil
	}
	q, _, _ := newTestQueue(client, 3, 1000, 100)
	defer q.Cleanup()

	pinProcessing(q, true)
	for _, fp := range []string{"fp-1", "fp-2", "fp-3", "fp-4", "fp-5", "fp-6"} {
		q.AddToQueue(testDescriptor(fp), func(ctx context.Context, d types.JobDescriptor) error { return nil })
	}
	pinProcessing(q, false)

	q.ProcessQueue()
	assert.Equal(t, 1, client.callCount("remove"))

	q.ProcessQueue()
	assert.Equal(t, 1, client.callCount("remove"), "cleanup sits out its cooldown across re-drives")

	q.mu.Lock()
	q.lastWallCleanup = time.Now().Add(-2 * wallCleanupCooldown)
	q.mu.Unlock()

	q.ProcessQueue()
	assert.Equal(t, 2, client.callCount("remove"), "an expired cooldown allows another pass")
}

func TestCleanupIsIdempotent(t *testing.T) {
	client := newFakeClient()
	q, _, _ := newTestQueue(client, 1, 1<<40, 0)
	q.Cleanup()
	q.Cleanup()
	assert.Error(t, q.ctx.Err())
}
