// Package inference talks to the batch inference provider's HTTP API:
// JSONL request files are uploaded, a batch is created against the
// /v1/responses endpoint, and results are downloaded once the batch
// reaches a terminal state.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Sentinel errors for inference API failures.
var (
	ErrUnreachable = errors.New("inference api unreachable")
	ErrAPIError    = errors.New("inference api error")
	ErrTimeout     = errors.New("inference api timeout")
)

// Remote batch statuses. Completed and Failed are terminal; everything
// else means "check again later".
const (
	BatchCompleted  = "completed"
	BatchFailed     = "failed"
	BatchExpired    = "expired"
	BatchCancelled  = "cancelled"
	BatchInProgress = "in_progress"
)

// Client is the interface for asynchronous batch inference.
type Client interface {
	SubmitBatch(ctx context.Context, requests []BatchRequest, description string) (string, error)
	BatchStatus(ctx context.Context, batchID string) (*BatchStatus, error)
	DownloadResults(ctx context.Context, fileID string) (string, error)
}

// BatchRequest is one line of the JSONL file submitted to the provider.
type BatchRequest struct {
	CustomID string      `json:"custom_id"`
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Body     RequestBody `json:"body"`
}

// RequestBody is the model invocation carried by a batch request.
type RequestBody struct {
	Model           string     `json:"model"`
	Input           []Message  `json:"input"`
	Reasoning       *Reasoning `json:"reasoning,omitempty"`
	MaxOutputTokens int        `json:"max_output_tokens,omitempty"`
}

type Message struct {
	Role    string    `json:"role"`
	Content []Content `json:"content"`
}

// Content is one content part of a message: input_text or input_image.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type Reasoning struct {
	Effort string `json:"effort"`
}

// BatchStatus reports where a remote batch stands.
type BatchStatus struct {
	ID           string
	Status       string
	OutputFileID string
	ErrorFileID  string
}

// Terminal reports whether the batch will make no further progress.
func (s *BatchStatus) Terminal() bool {
	switch s.Status {
	case BatchCompleted, BatchFailed, BatchExpired, BatchCancelled:
		return true
	}
	return false
}

// HTTPClient implements Client against the provider's files/batches API.
type HTTPClient struct {
	baseURL          string
	apiKey           string
	completionWindow string
	client           *http.Client
}

// NewHTTPClient creates a new inference HTTP client.
func NewHTTPClient(baseURL, apiKey, completionWindow string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:          baseURL,
		apiKey:           apiKey,
		completionWindow: completionWindow,
		client:           &http.Client{Timeout: timeout},
	}
}

// SubmitBatch uploads the requests as a JSONL file and creates a batch
// over it. Returns the provider's batch id.
func (h *HTTPClient) SubmitBatch(ctx context.Context, requests []BatchRequest, description string) (string, error) {
	if len(requests) == 0 {
		return "", fmt.Errorf("%w: empty request set", ErrAPIError)
	}

	fileID, err := h.uploadFile(ctx, requests)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]any{
		"input_file_id":     fileID,
		"endpoint":          "/v1/responses",
		"completion_window": h.completionWindow,
		"metadata":          map[string]string{"description": description},
	})
	if err != nil {
		return "", fmt.Errorf("encoding batch create request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/batches", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apiError(resp)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decoding batch create response: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("%w: batch create response missing id", ErrAPIError)
	}
	return created.ID, nil
}

// BatchStatus fetches the current state of a batch.
func (h *HTTPClient) BatchStatus(ctx context.Context, batchID string) (*BatchStatus, error) {
	u := fmt.Sprintf("%s/v1/batches/%s", h.baseURL, url.PathEscape(batchID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.apiKey)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var body struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		OutputFileID string `json:"output_file_id"`
		ErrorFileID  string `json:"error_file_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding batch status response: %w", err)
	}

	return &BatchStatus{
		ID:           body.ID,
		Status:       body.Status,
		OutputFileID: body.OutputFileID,
		ErrorFileID:  body.ErrorFileID,
	}, nil
}

// DownloadResults returns the raw NDJSON content of a result file.
func (h *HTTPClient) DownloadResults(ctx context.Context, fileID string) (string, error) {
	u := fmt.Sprintf("%s/v1/files/%s/content", h.baseURL, url.PathEscape(fileID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.apiKey)

	resp, err := h.client.Do(req)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apiError(resp)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading result file: %w", err)
	}
	return string(content), nil
}

// uploadFile streams the requests as one JSON object per line and uploads
// them as a multipart file with purpose=batch. Returns the file id.
func (h *HTTPClient) uploadFile(ctx context.Context, requests []BatchRequest) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", fmt.Errorf("writing purpose field: %w", err)
	}
	fw, err := mw.CreateFormFile("file", "batch_requests.jsonl")
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	enc := json.NewEncoder(fw)
	for _, r := range requests {
		if err := enc.Encode(r); err != nil {
			return "", fmt.Errorf("encoding batch request %q: %w", r.CustomID, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finalizing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/files", &buf)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := h.client.Do(req)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apiError(resp)
	}

	var uploaded struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		return "", fmt.Errorf("decoding file upload response: %w", err)
	}
	if uploaded.ID == "" {
		return "", fmt.Errorf("%w: file upload response missing id", ErrAPIError)
	}
	return uploaded.ID, nil
}

// apiError folds a non-200 response into ErrAPIError with a short excerpt
// of the response body.
func apiError(resp *http.Response) error {
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%w: status %d: %s", ErrAPIError, resp.StatusCode, bytes.TrimSpace(excerpt))
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
