package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"uplink/internal/agent"
)

// StatusError is returned for any non-2xx response. Callers classify it:
// 408/429/5xx are retryable, other 4xx are terminal for the attempt.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
}

// Retryable reports whether this status is worth retrying.
func (e *StatusError) Retryable() bool {
	switch e.Code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Timeouts holds the per-call-class deadlines. The chunk timeout is
// generous (satellite link), complete is shorter (server work is bounded),
// and the existence check is short so it can never stall the pipeline.
type Timeouts struct {
	Chunk    time.Duration
	Complete time.Duration
	Check    time.Duration
}

// DefaultTimeouts are used when a field is zero.
var DefaultTimeouts = Timeouts{
	Chunk:    10 * time.Minute,
	Complete: time.Minute,
	Check:    10 * time.Second,
}

// Client implements agent.CloudClient over the versioned JSON protocol.
// The bearer token is read from the secret store on every request so a
// rotated token takes effect without restarting the agent.
type Client struct {
	baseURL  string
	siteID   string
	secrets  agent.SecretStore
	http     *http.Client
	timeouts Timeouts
}

// NewClient creates a protocol client for the receiver at baseURL.
func NewClient(baseURL string, siteID string, secrets agent.SecretStore, timeouts Timeouts) *Client {
	if timeouts.Chunk == 0 {
		timeouts.Chunk = DefaultTimeouts.Chunk
	}
	if timeouts.Complete == 0 {
		timeouts.Complete = DefaultTimeouts.Complete
	}
	if timeouts.Check == 0 {
		timeouts.Check = DefaultTimeouts.Check
	}

	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		siteID:   siteID,
		secrets:  secrets,
		http:     &http.Client{}, // per-request deadlines via context
		timeouts: timeouts,
	}
}

type initRequest struct {
	Filename    string `json:"filename"`
	SHA256      string `json:"sha256"`
	SizeBytes   int64  `json:"size_bytes"`
	TotalChunks int64  `json:"total_chunks"`
}

type initResponse struct {
	UploadID       string `json:"upload_id"`
	ExpectedChunks int64  `json:"expected_chunks"`
}

// Init opens an upload session and returns the server-issued upload ID.
func (c *Client) Init(ctx context.Context, filename string, sha256 string, sizeBytes int64, totalChunks int64) (*agent.InitResult, error) {
	body := initRequest{
		Filename:    filename,
		SHA256:      sha256,
		SizeBytes:   sizeBytes,
		TotalChunks: totalChunks,
	}

	var resp initResponse
	err := c.doJSON(ctx, c.timeouts.Complete, http.MethodPost, "/uploads/init", body, &resp)
	if err != nil {
		return nil, fmt.Errorf("init upload: %w", err)
	}

	return &agent.InitResult{
		UploadID:       resp.UploadID,
		ExpectedChunks: resp.ExpectedChunks,
	}, nil
}

type chunkResponse struct {
	Status        string `json:"status"`
	ChunkIndex    int64  `json:"chunk_index"`
	BytesReceived int64  `json:"bytes_received"`
}

// UploadChunk transmits one chunk. The identifying metadata travels in
// headers so the body stays raw bytes; the receiver reassembles by the
// Chunk-Index header, never by arrival order. Compressed chunks carry a
// Chunk-Compressed header naming the codec so the receiver knows to
// decompress before verifying the file hash.
func (c *Client) UploadChunk(ctx context.Context, uploadID string, index int64, sha256 string, compressed bool, body io.Reader, sizeBytes int64) (*agent.ChunkResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Chunk)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+"/uploads/chunk", body)
	if err != nil {
		return nil, fmt.Errorf("building chunk request: %w", err)
	}
	req.ContentLength = sizeBytes
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Upload-ID", uploadID)
	req.Header.Set("Chunk-Index", strconv.FormatInt(index, 10))
	req.Header.Set("Chunk-SHA256", sha256)
	if compressed {
		req.Header.Set("Chunk-Compressed", "zstd")
	}
	if err := c.authorize(req); err != nil {
		return nil, err
	}

	var resp chunkResponse
	if err := c.send(req, &resp); err != nil {
		return nil, fmt.Errorf("upload chunk %d: %w", index, err)
	}

	return &agent.ChunkResult{
		ChunkIndex:    resp.ChunkIndex,
		BytesReceived: resp.BytesReceived,
	}, nil
}

type completeRequest struct {
	UploadID    string `json:"upload_id"`
	TotalChunks int64  `json:"total_chunks"`
	SHA256      string `json:"sha256"`
}

type completeResponse struct {
	Status       string `json:"status"` // "received" or "verification_failed"
	Verification struct {
		ChunksReceived int64 `json:"chunks_received"`
		ChunksExpected int64 `json:"chunks_expected"`
		SHA256Match    bool  `json:"sha256_match"`
	} `json:"verification"`
}

// Complete closes the session. A verification_failed status is not an
// error at this layer — the caller decides whether to re-chunk and retry.
func (c *Client) Complete(ctx context.Context, uploadID string, totalChunks int64, sha256 string) (*agent.CompleteResult, error) {
	body := completeRequest{
		UploadID:    uploadID,
		TotalChunks: totalChunks,
		SHA256:      sha256,
	}

	var resp completeResponse
	err := c.doJSON(ctx, c.timeouts.Complete, http.MethodPost, "/uploads/complete", body, &resp)
	if err != nil {
		return nil, fmt.Errorf("complete upload: %w", err)
	}

	return &agent.CompleteResult{
		Received: resp.Status == "received",
		Verification: agent.Verification{
			ChunksReceived: resp.Verification.ChunksReceived,
			ChunksExpected: resp.Verification.ChunksExpected,
			SHA256Match:    resp.Verification.SHA256Match,
		},
	}, nil
}

type checkResponse struct {
	Exists bool `json:"exists"`
}

// CheckExists reports whether the receiver already holds content with
// this hash for the site.
func (c *Client) CheckExists(ctx context.Context, sha256 string) (bool, error) {
	q := url.Values{"sha256": {sha256}}

	var resp checkResponse
	err := c.doJSON(ctx, c.timeouts.Check, http.MethodGet, "/documents/check?"+q.Encode(), nil, &resp)
	if err != nil {
		return false, fmt.Errorf("existence check: %w", err)
	}
	return resp.Exists, nil
}

// doJSON performs a JSON request/response round trip with the given timeout.
func (c *Client) doJSON(ctx context.Context, timeout time.Duration, method, path string, reqBody any, respBody any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(req); err != nil {
		return err
	}

	return c.send(req, respBody)
}

// authorize attaches the bearer token and site header. A missing token is
// not fatal here — the receiver rejects unauthenticated requests with a
// 401, which surfaces as a terminal StatusError.
func (c *Client) authorize(req *http.Request) error {
	req.Header.Set("X-Site-ID", c.siteID)

	token, err := c.secrets.Get(agent.SecretAPIToken)
	if err != nil {
		if errors.Is(err, agent.ErrSecretNotFound) {
			return nil
		}
		return fmt.Errorf("reading api token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Client) send(req *http.Request, respBody any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Bounded read keeps a misbehaving server from ballooning memory.
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if respBody == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Compile-time check that Client implements agent.CloudClient
var _ agent.CloudClient = (*Client)(nil)
