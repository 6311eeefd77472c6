package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cloudfetch/api"
	"cloudfetch/types"
)

// Broadcaster is the slice of the websocket hub the lifecycle needs; a nil
// Broadcaster disables progress broadcasting.
type Broadcaster interface {
	BroadcastProgress(jobID, msgType, status, file, message string)
}

const (
	// maxUpdateRetries bounds consecutive poll failures before a job is
	// forced invalid.
	maxUpdateRetries = 5
	// pollSkipWindow is how long a job sits out after a failed poll; it
	// doubles per consecutive failure up to pollSkipMax.
	pollSkipWindow = 30 * time.Second
	pollSkipMax    = 60 * time.Second
)

// Job drives one remote submission from descriptor to local completion:
// pending -> queued -> downloading -> downloaded -> downloading_locally -> invalid,
// with a direct edge to invalid on remote error/cancel or poll exhaustion.
// invalid is terminal; reaching it fires the completion channel exactly once.
type Job struct {
	ID string

	client       api.Client
	materializer Materializer
	hub          Broadcaster
	logger       *zap.Logger

	mu             sync.Mutex
	descriptor     types.JobDescriptor
	status         types.JobStatus
	remoteID       string
	remoteURL      string
	fileName       string
	fileSize       int64
	isDirectory    bool
	lastPolledAt   time.Time
	lastPollFailed time.Time
	pollFailures   int
	lastError      string
	reachedLocal   bool
	createdAt      time.Time

	done     chan types.JobResult
	doneOnce sync.Once
	// onComplete notifies the queue manager that this job's slot is free.
	onComplete func()

	// retryBase and pollSkip are fields so tests can shrink them.
	retryBase time.Duration
	pollSkip  time.Duration
}

// NewJob creates a job in the pending state. The hub may be nil (no
// broadcasting) and onComplete may be nil.
func NewJob(descriptor types.JobDescriptor, client api.Client, materializer Materializer, hub Broadcaster, logger *zap.Logger, onComplete func()) *Job {
	id := uuid.New().String()
	return &Job{
		ID:           id,
		client:       client,
		materializer: materializer,
		hub:          hub,
		logger:       logger.With(zap.String("jobId", id), zap.String("file", descriptor.SourcePath)),
		descriptor:   descriptor,
		status:       types.JobStatusPending,
		createdAt:    time.Now(),
		done:         make(chan types.JobResult, 1),
		onComplete:   onComplete,
		retryBase:    2 * time.Second,
		pollSkip:     pollSkipWindow,
	}
}

// Done returns the channel that carries the single terminal result.
func (j *Job) Done() <-chan types.JobResult {
	return j.done
}

// Status returns the current lifecycle state.
func (j *Job) Status() types.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Snapshot returns a read-only view for the introspection API.
func (j *Job) Snapshot() types.JobView {
	j.mu.Lock()
	defer j.mu.Unlock()
	view := types.JobView{
		ID:           j.ID,
		LocalFile:    j.descriptor.SourcePath,
		Kind:         j.descriptor.Kind,
		Status:       j.status,
		RemoteID:     j.remoteID,
		RemoteURL:    j.remoteURL,
		IsDirectory:  j.isDirectory,
		PollFailures: j.pollFailures,
		LastError:    j.lastError,
		CreatedAt:    j.createdAt,
	}
	if !j.lastPolledAt.IsZero() {
		t := j.lastPolledAt
		view.LastPolledAt = &t
	}
	return view
}

// Start submits the descriptor to the remote service. Magnet links are
// submitted directly; torrent and nzb files are uploaded first and routed by
// extension. On success the job sits in the downloading state awaiting polls.
func (j *Job) Start(ctx context.Context) error {
	retryOpts := RetryOptions{
		MaxRetries: 3,
		BaseDelay:  j.retryBase,
		MaxDelay:   30 * time.Second,
		Logger:     j.logger,
	}

	var submitted *api.SubmitResponse
	var err error
	switch j.descriptor.Kind {
	case types.KindMagnet:
		submitted, err = j.submitMagnet(ctx, retryOpts)
	case types.KindTorrent, types.KindNZB:
		submitted, err = j.uploadAndSubmit(ctx, retryOpts)
	default:
		err = fmt.Errorf("unsupported descriptor kind %q", j.descriptor.Kind)
	}
	if err != nil {
		j.mu.Lock()
		j.lastError = err.Error()
		j.mu.Unlock()
		j.invalidate(ctx, false)
		return err
	}

	j.mu.Lock()
	j.remoteID = submitted.RequestID
	j.remoteURL = submitted.URL
	j.fileName = submitted.FileName
	j.mu.Unlock()

	j.setStatus(types.JobStatusQueued, "")
	j.logger.Info("job submitted", zap.String("remoteId", submitted.RequestID))
	return nil
}

func (j *Job) submitMagnet(ctx context.Context, retryOpts RetryOptions) (*api.SubmitResponse, error) {
	raw, err := os.ReadFile(j.descriptor.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("reading magnet descriptor: %w", err)
	}
	link := strings.TrimSpace(string(raw))

	var resp *api.SubmitResponse
	err = Execute(ctx, retryOpts, func(ctx context.Context) error {
		var callErr error
		resp, callErr = j.client.SubmitMagnet(ctx, link)
		return callErr
	})
	return resp, err
}

func (j *Job) uploadAndSubmit(ctx context.Context, retryOpts RetryOptions) (*api.SubmitResponse, error) {
	var uploaded *api.UploadResponse
	err := Execute(ctx, retryOpts, func(ctx context.Context) error {
		var callErr error
		uploaded, callErr = j.client.UploadFile(ctx, j.descriptor.SourcePath)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	var resp *api.SubmitResponse
	err = Execute(ctx, retryOpts, func(ctx context.Context) error {
		var callErr error
		if j.descriptor.Kind == types.KindNZB {
			resp, callErr = j.client.SubmitUsenet(ctx, uploaded.URL, uploaded.FileName)
		} else {
			resp, callErr = j.client.SubmitCloud(ctx, uploaded.URL)
		}
		return callErr
	})
	return resp, err
}

// Poll asks the remote for the job's status and advances the state machine.
// It is a no-op for terminal jobs and within the failure skip window.
func (j *Job) Poll(ctx context.Context) {
	j.mu.Lock()
	if j.status.Terminal() || j.status == types.JobStatusPending ||
		j.status == types.JobStatusDownloadingLocally {
		j.mu.Unlock()
		return
	}
	if !j.lastPollFailed.IsZero() && time.Since(j.lastPollFailed) < j.skipWindow() {
		j.mu.Unlock()
		return
	}
	remoteID := j.remoteID
	j.lastPolledAt = time.Now()
	j.mu.Unlock()

	status, err := j.client.GetStatus(ctx, remoteID)
	if err != nil {
		j.recordPollFailure(ctx, err)
		return
	}

	j.mu.Lock()
	j.pollFailures = 0
	j.lastPollFailed = time.Time{}
	if status.FileName != "" {
		j.fileName = status.FileName
	}
	j.fileSize = status.FileSize
	j.isDirectory = status.IsDirectory
	j.mu.Unlock()

	switch status.Status {
	case api.RemoteStatusError, api.RemoteStatusCanceled:
		j.mu.Lock()
		j.lastError = fmt.Sprintf("remote reported %s: %s", status.Status, status.Error)
		j.mu.Unlock()
		j.logger.Warn("remote terminated job",
			zap.String("remoteStatus", status.Status),
			zap.String("remoteError", status.Error))
		j.invalidate(ctx, false)
	case api.RemoteStatusDownloaded:
		j.mu.Lock()
		claimed := !j.reachedLocal
		j.reachedLocal = true
		j.mu.Unlock()
		// Materialization can take minutes; it runs on its own goroutine so
		// one slow download never stalls the poll pass over other jobs. The
		// claim keeps late polls from re-entering or rewinding the status.
		if claimed {
			j.setStatus(types.JobStatusDownloaded, "")
			go j.downloadLocally(ctx)
		}
	case api.RemoteStatusDownloading:
		if j.Status() == types.JobStatusQueued {
			j.setStatus(types.JobStatusDownloading, "")
		}
	default:
		// created/queued: still waiting for a remote worker.
	}
}

func (j *Job) skipWindow() time.Duration {
	window := j.pollSkip
	for i := 1; i < j.pollFailures; i++ {
		window *= 2
		if window >= pollSkipMax {
			return pollSkipMax
		}
	}
	return window
}

func (j *Job) recordPollFailure(ctx context.Context, err error) {
	j.mu.Lock()
	j.pollFailures++
	j.lastPollFailed = time.Now()
	j.lastError = err.Error()
	failures := j.pollFailures
	j.mu.Unlock()

	j.logger.Warn("status poll failed", zap.Int("failures", failures), zap.Error(err))
	if failures > maxUpdateRetries {
		j.invalidate(ctx, false)
	}
}

// downloadLocally resolves the remote content to artifact URLs and hands them
// to the materializer, then enters terminal cleanup. Entered at most once per
// job; Poll claims the transition before spawning it.
func (j *Job) downloadLocally(ctx context.Context) {
	j.setStatus(types.JobStatusDownloadingLocally, "")
	j.mu.Lock()
	remoteID, fileName, isDirectory := j.remoteID, j.fileName, j.isDirectory
	j.mu.Unlock()

	retryOpts := RetryOptions{
		MaxRetries: 3,
		BaseDelay:  j.retryBase,
		MaxDelay:   30 * time.Second,
		Logger:     j.logger,
	}

	urls := []string{j.client.DirectURL(remoteID, fileName)}
	if isDirectory {
		var members []string
		err := Execute(ctx, retryOpts, func(ctx context.Context) error {
			var callErr error
			members, callErr = j.client.Explore(ctx, remoteID)
			return callErr
		})
		switch {
		case errors.Is(err, api.ErrUnsupportedArchive):
			j.logger.Info("explore unsupported, falling back to blob download")
		case err != nil:
			j.mu.Lock()
			j.lastError = err.Error()
			j.mu.Unlock()
			j.invalidate(ctx, false)
			return
		default:
			urls = members
		}
	}

	err := Execute(ctx, retryOpts, func(ctx context.Context) error {
		_, callErr := j.materializer.Materialize(ctx, urls, folderHint(fileName, remoteID))
		return callErr
	})
	if err != nil {
		j.mu.Lock()
		j.lastError = err.Error()
		j.mu.Unlock()
		j.invalidate(ctx, false)
		return
	}

	j.invalidate(ctx, true)
}

// invalidate is the single entry into the terminal state. It removes the
// local descriptor best-effort, attempts the tiered remote delete, and fires
// the completion channel exactly once.
func (j *Job) invalidate(ctx context.Context, succeeded bool) {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return
	}
	j.status = types.JobStatusInvalid
	sourcePath := j.descriptor.SourcePath
	remoteID := j.remoteID
	lastError := j.lastError
	j.mu.Unlock()

	if err := os.Remove(sourcePath); err != nil && !os.IsNotExist(err) {
		j.logger.Warn("could not remove descriptor file", zap.Error(err))
	}

	if remoteID != "" {
		j.deleteRemote(ctx, remoteID)
	}

	if succeeded {
		j.logger.Info("job completed", zap.String("remoteId", remoteID))
		j.broadcast("complete", "download completed")
	} else {
		// The one distinctly tagged line separating genuine failures
		// from routine post-success cleanup.
		j.logger.Error("job failed terminally",
			zap.String("remoteId", remoteID),
			zap.String("lastError", lastError))
		j.broadcast("error", lastError)
	}

	j.doneOnce.Do(func() {
		j.done <- types.JobResult{
			JobID:       j.ID,
			Fingerprint: j.descriptor.Fingerprint,
			Succeeded:   succeeded,
			RemoteID:    remoteID,
			Error:       lastError,
			FinishedAt:  time.Now(),
		}
		close(j.done)
		if j.onComplete != nil {
			j.onComplete()
		}
	})
}

// deleteRemote walks the tiered delete strategies. If every strategy fails
// the deletion is treated as logically successful so the pipeline never
// stalls on a leaked remote resource.
func (j *Job) deleteRemote(ctx context.Context, remoteID string) {
	retryOpts := RetryOptions{
		MaxRetries: 2,
		BaseDelay:  j.retryBase,
		MaxDelay:   10 * time.Second,
		Logger:     j.logger,
	}

	strategies := []struct {
		name string
		call func(context.Context, string) error
	}{
		{"remove", j.client.Remove},
		{"postDelete", j.client.PostDelete},
		{"postRemove", j.client.PostRemove},
	}

	for _, strategy := range strategies {
		err := Execute(ctx, retryOpts, func(ctx context.Context) error {
			return strategy.call(ctx, remoteID)
		})
		if err == nil {
			return
		}
		j.logger.Debug("remote delete strategy failed",
			zap.String("strategy", strategy.name),
			zap.Error(err))
	}

	j.logger.Warn("all remote delete strategies failed, proceeding anyway",
		zap.String("remoteId", remoteID))
}

func (j *Job) setStatus(status types.JobStatus, message string) {
	j.mu.Lock()
	j.status = status
	j.mu.Unlock()
	j.broadcast("status", message)
}

func (j *Job) broadcast(msgType, message string) {
	if j.hub == nil {
		return
	}
	j.mu.Lock()
	status := string(j.status)
	file := j.descriptor.SourcePath
	j.mu.Unlock()
	j.hub.BroadcastProgress(j.ID, msgType, status, file, message)
}

// folderHint names the local folder a job's artifacts land in.
func folderHint(fileName, remoteID string) string {
	if fileName != "" {
		return fileName
	}
	return remoteID
}
