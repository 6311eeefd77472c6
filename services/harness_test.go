package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"cloudfetch/api"
)

// fakeClient is a scriptable remote fetch-service client. Unset hooks succeed
// with benign defaults; every call is counted.
type fakeClient struct {
	mu sync.Mutex

	submitMagnetFn func(link string) (*api.SubmitResponse, error)
	uploadFileFn   func(path string) (*api.UploadResponse, error)
	submitCloudFn  func(url string) (*api.SubmitResponse, error)
	submitUsenetFn func(url, name string) (*api.SubmitResponse, error)
	getStatusFn    func(requestID string) (*api.StatusResponse, error)
	exploreFn      func(requestID string) ([]string, error)
	removeFn       func(requestID string) error
	postDeleteFn   func(requestID string) error
	postRemoveFn   func(requestID string) error
	listHistoryFn  func() ([]api.HistoryItem, error)

	calls map[string]int
}

func newFakeClient() *fakeClient {
	return &fakeClient{calls: make(map[string]int)}
}

func (f *fakeClient) count(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
}

func (f *fakeClient) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeClient) SubmitMagnet(ctx context.Context, link string) (*api.SubmitResponse, error) {
	f.count("submitMagnet")
	if f.submitMagnetFn != nil {
		return f.submitMagnetFn(link)
	}
	return &api.SubmitResponse{RequestID: "req-magnet", Status: api.RemoteStatusQueued}, nil
}

func (f *fakeClient) UploadFile(ctx context.Context, path string) (*api.UploadResponse, error) {
	f.count("uploadFile")
	if f.uploadFileFn != nil {
		return f.uploadFileFn(path)
	}
	return &api.UploadResponse{URL: "https://remote/hosted/file", FileName: "file"}, nil
}

func (f *fakeClient) SubmitCloud(ctx context.Context, url string) (*api.SubmitResponse, error) {
	f.count("submitCloud")
	if f.submitCloudFn != nil {
		return f.submitCloudFn(url)
	}
	return &api.SubmitResponse{RequestID: "req-cloud", Status: api.RemoteStatusQueued}, nil
}

func (f *fakeClient) SubmitUsenet(ctx context.Context, url, name string) (*api.SubmitResponse, error) {
	f.count("submitUsenet")
	if f.submitUsenetFn != nil {
		return f.submitUsenetFn(url, name)
	}
	return &api.SubmitResponse{RequestID: "req-usenet", Status: api.RemoteStatusQueued}, nil
}

func (f *fakeClient) GetStatus(ctx context.Context, requestID string) (*api.StatusResponse, error) {
	f.count("getStatus")
	if f.getStatusFn != nil {
		return f.getStatusFn(requestID)
	}
	return &api.StatusResponse{RequestID: requestID, Status: api.RemoteStatusQueued}, nil
}

func (f *fakeClient) Explore(ctx context.Context, requestID string) ([]string, error) {
	f.count("explore")
	if f.exploreFn != nil {
		return f.exploreFn(requestID)
	}
	return []string{"https://remote/cloud/download/" + requestID + "/member"}, nil
}

func (f *fakeClient) Remove(ctx context.Context, requestID string) error {
	f.count("remove")
	if f.removeFn != nil {
		return f.removeFn(requestID)
	}
	return nil
}

func (f *fakeClient) PostDelete(ctx context.Context, requestID string) error {
	f.count("postDelete")
	if f.postDeleteFn != nil {
		return f.postDeleteFn(requestID)
	}
	return nil
}

func (f *fakeClient) PostRemove(ctx context.Context, requestID string) error {
	f.count("postRemove")
	if f.postRemoveFn != nil {
		return f.postRemoveFn(requestID)
	}
	return nil
}

func (f *fakeClient) ListHistory(ctx context.Context) ([]api.HistoryItem, error) {
	f.count("listHistory")
	if f.listHistoryFn != nil {
		return f.listHistoryFn()
	}
	return nil, nil
}

func (f *fakeClient) DirectURL(requestID, fileName string) string {
	return "https://remote/cloud/download/" + requestID + "/" + fileName
}

// fakeMaterializer records every Materialize call.
type fakeMaterializer struct {
	mu            sync.Mutex
	materializeFn func(urls []string, folderHint string) (*MaterializeResult, error)
	calls         [][]string
}

func (f *fakeMaterializer) Materialize(ctx context.Context, urls []string, folderHint string) (*MaterializeResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, urls)
	f.mu.Unlock()
	if f.materializeFn != nil {
		return f.materializeFn(urls, folderHint)
	}
	return &MaterializeResult{Success: urls}, nil
}

func (f *fakeMaterializer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}

// newTestQueue builds a queue manager with fast backoffs for tests.
func newTestQueue(client *fakeClient, maxConcurrent int, assumedTotal, minReserved int64) (*QueueManager, *CapacityEstimator, *fakeMaterializer) {
	capacity := NewCapacityEstimator(client, assumedTotal, minReserved, testLogger())
	materializer := &fakeMaterializer{}
	q := NewQueueManager(client, capacity, materializer, nil, maxConcurrent, testLogger())
	q.requeueBase = time.Millisecond
	return q, capacity, materializer
}
