package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client is the capability interface onto the remote fetch service. Every call
// surfaces errors distinguishably as retryable or permanent (see IsRetryable).
type Client interface {
	SubmitMagnet(ctx context.Context, link string) (*SubmitResponse, error)
	UploadFile(ctx context.Context, path string) (*UploadResponse, error)
	SubmitCloud(ctx context.Context, url string) (*SubmitResponse, error)
	SubmitUsenet(ctx context.Context, url, name string) (*SubmitResponse, error)
	GetStatus(ctx context.Context, requestID string) (*StatusResponse, error)
	Explore(ctx context.Context, requestID string) ([]string, error)
	Remove(ctx context.Context, requestID string) error
	PostDelete(ctx context.Context, requestID string) error
	PostRemove(ctx context.Context, requestID string) error
	ListHistory(ctx context.Context) ([]HistoryItem, error)
	DirectURL(requestID, fileName string) string
}

// httpClient implements Client against the service's REST API.
type httpClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a remote fetch-service client.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) Client {
	return &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (c *httpClient) SubmitMagnet(ctx context.Context, link string) (*SubmitResponse, error) {
	var resp SubmitResponse
	err := c.postJSON(ctx, "cloud.download", "/api/cloud/download", map[string]string{"url": link}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *httpClient) SubmitCloud(ctx context.Context, fileURL string) (*SubmitResponse, error) {
	var resp SubmitResponse
	err := c.postJSON(ctx, "cloud.download", "/api/cloud/download", map[string]string{"url": fileURL}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *httpClient) SubmitUsenet(ctx context.Context, fileURL, name string) (*SubmitResponse, error) {
	var resp SubmitResponse
	body := map[string]string{"url": fileURL, "name": name}
	err := c.postJSON(ctx, "usenet.download", "/api/usenet/download", body, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadFile pushes a local descriptor file to the remote, which hosts it and
// returns a URL usable in a follow-up cloud or usenet submission.
func (c *httpClient) UploadFile(ctx context.Context, path string) (*UploadResponse, error) {
	const op = "torrent.upload"

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%s: opening %s: %w", op, path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("%s: reading %s: %w", op, path, err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/torrent/upload"), &buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp UploadResponse
	if err := c.do(req, op, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *httpClient) GetStatus(ctx context.Context, requestID string) (*StatusResponse, error) {
	var resp StatusResponse
	err := c.postJSON(ctx, "cloud.status", "/api/cloud/status", map[string]string{"requestId": requestID}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Explore enumerates the member file URLs of a directory download.
func (c *httpClient) Explore(ctx context.Context, requestID string) ([]string, error) {
	const op = "cloud.explore"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/cloud/explore/"+url.PathEscape(requestID)), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var urls []string
	if err := c.do(req, op, &urls); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && strings.Contains(strings.ToLower(apiErr.Message), "archive") {
			return nil, ErrUnsupportedArchive
		}
		return nil, err
	}
	return urls, nil
}

func (c *httpClient) Remove(ctx context.Context, requestID string) error {
	const op = "cloud.remove"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/cloud/remove/"+url.PathEscape(requestID)), nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return c.do(req, op, nil)
}

func (c *httpClient) PostDelete(ctx context.Context, requestID string) error {
	return c.postJSON(ctx, "cloud.delete", "/api/cloud/delete", map[string]string{"requestId": requestID}, nil)
}

func (c *httpClient) PostRemove(ctx context.Context, requestID string) error {
	return c.postJSON(ctx, "cloud.remove.post", "/api/cloud/remove", map[string]string{"requestId": requestID}, nil)
}

func (c *httpClient) ListHistory(ctx context.Context) ([]HistoryItem, error) {
	const op = "cloud.history"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/cloud/history"), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var items []HistoryItem
	if err := c.do(req, op, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// DirectURL builds the download URL for a single-file job from the reported
// file name.
func (c *httpClient) DirectURL(requestID, fileName string) string {
	return c.baseURL + "/cloud/download/" + url.PathEscape(requestID) + "/" + url.PathEscape(fileName)
}

func (c *httpClient) endpoint(path string) string {
	u := c.baseURL + path
	if c.apiKey != "" {
		u += "?key=" + url.QueryEscape(c.apiKey)
	}
	return u
}

func (c *httpClient) postJSON(ctx context.Context, op, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encoding request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, op, out)
}

func (c *httpClient) do(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := readErrorMessage(resp.Body)
		c.logger.Debug("remote call failed",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg))
		return &APIError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}

// readErrorMessage extracts an error string from a failed response body,
// tolerating both {"error": "..."} payloads and plain text.
func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(raw))
}
