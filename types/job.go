package types

import "time"

// JobStatus represents the current state of a remote fetch job
type JobStatus string

const (
	JobStatusPending            JobStatus = "pending"
	JobStatusQueued             JobStatus = "queued"
	JobStatusDownloading        JobStatus = "downloading"
	JobStatusDownloaded         JobStatus = "downloaded"
	JobStatusDownloadingLocally JobStatus = "downloading_locally"
	JobStatusInvalid            JobStatus = "invalid"
)

// Terminal reports whether a job in this status will never transition again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusInvalid
}

// JobResult is delivered on a job's completion channel exactly once,
// when the job reaches its terminal state.
type JobResult struct {
	JobID       string    `json:"jobId"`
	Fingerprint string    `json:"fingerprint"`
	Succeeded   bool      `json:"succeeded"`
	RemoteID    string    `json:"remoteId,omitempty"`
	Error       string    `json:"error,omitempty"`
	FinishedAt  time.Time `json:"finishedAt"`
}

// JobView is the read-only snapshot of a job exposed over the API.
type JobView struct {
	ID           string         `json:"id"`
	LocalFile    string         `json:"localFile"`
	Kind         DescriptorKind `json:"kind"`
	Status       JobStatus      `json:"status"`
	RemoteID     string         `json:"remoteId,omitempty"`
	RemoteURL    string         `json:"remoteUrl,omitempty"`
	IsDirectory  bool           `json:"isDirectory"`
	LastPolledAt *time.Time     `json:"lastPolledAt,omitempty"`
	PollFailures int            `json:"pollFailures"`
	LastError    string         `json:"lastError,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}
