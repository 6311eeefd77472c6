package api

import "time"

// Remote job statuses as reported by the fetch service.
const (
	RemoteStatusCreated     = "created"
	RemoteStatusQueued      = "queued"
	RemoteStatusDownloading = "downloading"
	RemoteStatusDownloaded  = "downloaded"
	RemoteStatusError       = "error"
	RemoteStatusCanceled    = "canceled"
)

// SubmitResponse is returned when a link or uploaded file is handed to the
// remote service for fetching.
type SubmitResponse struct {
	RequestID string `json:"requestId"`
	URL       string `json:"url"`
	FileName  string `json:"fileName"`
	Status    string `json:"status"`
}

// UploadResponse is returned by the descriptor upload endpoint. The URL points
// at the hosted copy of the descriptor, ready for a follow-up submission.
type UploadResponse struct {
	URL      string `json:"url"`
	FileName string `json:"fileName"`
}

// StatusResponse is one poll's view of a remote job.
type StatusResponse struct {
	RequestID   string `json:"requestId"`
	Status      string `json:"status"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	IsDirectory bool   `json:"isDirectory"`
	Error       string `json:"error,omitempty"`
}

// HistoryItem is one entry of the remote job history listing.
type HistoryItem struct {
	RequestID   string    `json:"requestId"`
	Status      string    `json:"status"`
	FileName    string    `json:"fileName"`
	FileSize    int64     `json:"fileSize"`
	IsDirectory bool      `json:"isDirectory"`
	CreatedAt   time.Time `json:"createdOn"`
}
