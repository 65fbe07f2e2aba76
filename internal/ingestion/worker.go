package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"docflow-backend/internal/shared/metrics"
)

const defaultWorkerTimeout = 5 * time.Second

// DispatchRequest is the body posted to the worker to start processing.
type DispatchRequest struct {
	DocumentID  int64            `json:"documentId"`
	IngestionID int64            `json:"ingestionId"`
	FilePath    string           `json:"filePath"`
	Metadata    DispatchMetadata `json:"metadata"`
}

type DispatchMetadata struct {
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// WorkerReply is the worker's answer to both dispatch and status calls.
type WorkerReply struct {
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Error    *string        `json:"error,omitempty"`
}

// Update converts the reply into a transition input.
func (r WorkerReply) Update() (Update, error) {
	state, ok := ParseState(r.Status)
	if !ok {
		return Update{}, fmt.Errorf("worker reported unknown status %q", r.Status)
	}
	return Update{State: state, Error: r.Error, Metadata: r.Metadata}, nil
}

// WorkerClient talks to the external ingestion worker.
type WorkerClient interface {
	Dispatch(ctx context.Context, req DispatchRequest) error
	Status(ctx context.Context, ingestionID int64) (Update, error)
}

// HTTPWorkerClient calls the worker's /ingest endpoints.
type HTTPWorkerClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPWorkerClient builds a client for baseURL. httpClient may carry auth
// (for example an oauth2 client); its timeout is overridden with timeout.
func NewHTTPWorkerClient(baseURL string, timeout time.Duration, httpClient *http.Client) (*HTTPWorkerClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("WORKER_BASE_URL is required for the http transport")
	}
	if timeout <= 0 {
		timeout = defaultWorkerTimeout
	}
	client := &http.Client{}
	if httpClient != nil {
		copied := *httpClient
		client = &copied
	}
	client.Timeout = timeout
	return &HTTPWorkerClient{baseURL: baseURL, httpClient: client}, nil
}

// Dispatch posts the work item. Any non-2xx answer is an error.
func (c *HTTPWorkerClient) Dispatch(ctx context.Context, req DispatchRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ingest", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if requestID := requestIDFromContext(ctx); requestID != "" {
		httpReq.Header.Set("X-Request-Id", requestID)
	}
	_, err = c.do(httpReq)
	return err
}

// Status asks the worker for the current state of one ingestion.
func (c *HTTPWorkerClient) Status(ctx context.Context, ingestionID int64) (Update, error) {
	url := c.baseURL + "/ingest/" + strconv.FormatInt(ingestionID, 10)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Update{}, err
	}
	if requestID := requestIDFromContext(ctx); requestID != "" {
		httpReq.Header.Set("X-Request-Id", requestID)
	}
	body, err := c.do(httpReq)
	if err != nil {
		return Update{}, err
	}
	var reply WorkerReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return Update{}, fmt.Errorf("worker response parse: %w", err)
	}
	return reply.Update()
}

func (c *HTTPWorkerClient) do(req *http.Request) ([]byte, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ObserveWorkerCallMs(float64(time.Since(start).Milliseconds()))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
			return nil, fmt.Errorf("worker request timeout: %w", err)
		}
		return nil, fmt.Errorf("worker request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("worker response read: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("worker http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

var _ WorkerClient = (*HTTPWorkerClient)(nil)
