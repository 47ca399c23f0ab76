package inference_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mkravets/descgen/internal/inference"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRequests() []inference.BatchRequest {
	return []inference.BatchRequest{
		{
			CustomID: "vision:LOT-1",
			Method:   "POST",
			URL:      "/v1/responses",
			Body: inference.RequestBody{
				Model: "o4-mini",
				Input: []inference.Message{{
					Role: "user",
					Content: []inference.Content{
						{Type: "input_text", Text: "describe the damage"},
						{Type: "input_image", ImageURL: "https://img.example.com/1.jpg"},
					},
				}},
				Reasoning:       &inference.Reasoning{Effort: "medium"},
				MaxOutputTokens: 2048,
			},
		},
		{
			CustomID: "vision:LOT-2",
			Method:   "POST",
			URL:      "/v1/responses",
			Body: inference.RequestBody{
				Model: "o4-mini",
				Input: []inference.Message{{
					Role:    "user",
					Content: []inference.Content{{Type: "input_text", Text: "describe the damage"}},
				}},
			},
		},
	}
}

func TestSubmitBatch(t *testing.T) {
	var uploadedLines []string
	var batchCreate map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/files":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
			require.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Equal(t, "batch", r.FormValue("purpose"))

			f, _, err := r.FormFile("file")
			require.NoError(t, err)
			defer f.Close()
			sc := bufio.NewScanner(f)
			for sc.Scan() {
				uploadedLines = append(uploadedLines, sc.Text())
			}
			json.NewEncoder(w).Encode(map[string]string{"id": "file_123"})

		case "/v1/batches":
			assert.Equal(t, http.MethodPost, r.Method)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&batchCreate))
			json.NewEncoder(w).Encode(map[string]string{"id": "batch_456"})

		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := inference.NewHTTPClient(srv.URL, "test-key", "24h", 5*time.Second)
	batchID, err := c.SubmitBatch(context.Background(), sampleRequests(), "vision for job abc")
	require.NoError(t, err)
	assert.Equal(t, "batch_456", batchID)

	require.Len(t, uploadedLines, 2)
	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(uploadedLines[0]), &line))
	assert.Equal(t, "vision:LOT-1", line["custom_id"])
	assert.Equal(t, "POST", line["method"])
	assert.Equal(t, "/v1/responses", line["url"])

	assert.Equal(t, "file_123", batchCreate["input_file_id"])
	assert.Equal(t, "/v1/responses", batchCreate["endpoint"])
	assert.Equal(t, "24h", batchCreate["completion_window"])
	meta, ok := batchCreate["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "vision for job abc", meta["description"])
}

func TestSubmitBatch_EmptyRequestSet(t *testing.T) {
	c := inference.NewHTTPClient("http://localhost:0", "k", "24h", time.Second)
	_, err := c.SubmitBatch(context.Background(), nil, "noop")
	assert.ErrorIs(t, err, inference.ErrAPIError)
}

func TestSubmitBatch_UploadRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid file"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := inference.NewHTTPClient(srv.URL, "k", "24h", time.Second)
	_, err := c.SubmitBatch(context.Background(), sampleRequests(), "d")
	require.ErrorIs(t, err, inference.ErrAPIError)
	assert.Contains(t, err.Error(), "400")
}

func TestBatchStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/batches/batch_456", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{
			"id":             "batch_456",
			"status":         "completed",
			"output_file_id": "file_out",
			"error_file_id":  "file_err",
		})
	}))
	defer srv.Close()

	c := inference.NewHTTPClient(srv.URL, "k", "24h", time.Second)
	st, err := c.BatchStatus(context.Background(), "batch_456")
	require.NoError(t, err)
	assert.Equal(t, inference.BatchCompleted, st.Status)
	assert.Equal(t, "file_out", st.OutputFileID)
	assert.True(t, st.Terminal())
}

func TestBatchStatus_Terminal(t *testing.T) {
	terminal := []string{
		inference.BatchCompleted,
		inference.BatchFailed,
		inference.BatchExpired,
		inference.BatchCancelled,
	}
	for _, s := range terminal {
		assert.True(t, (&inference.BatchStatus{Status: s}).Terminal(), s)
	}
	assert.False(t, (&inference.BatchStatus{Status: inference.BatchInProgress}).Terminal())
	assert.False(t, (&inference.BatchStatus{Status: "validating"}).Terminal())
}

func TestDownloadResults(t *testing.T) {
	ndjson := `{"custom_id":"vision:LOT-1","response":{"status_code":200}}` + "\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/files/file_out/content", r.URL.Path)
		w.Write([]byte(ndjson))
	}))
	defer srv.Close()

	c := inference.NewHTTPClient(srv.URL, "k", "24h", time.Second)
	content, err := c.DownloadResults(context.Background(), "file_out")
	require.NoError(t, err)
	assert.Equal(t, ndjson, content)
}

func TestClient_Unreachable(t *testing.T) {
	c := inference.NewHTTPClient("http://127.0.0.1:1", "k", "24h", time.Second)
	_, err := c.BatchStatus(context.Background(), "batch_456")
	assert.ErrorIs(t, err, inference.ErrUnreachable)
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := inference.NewHTTPClient(srv.URL, "k", "24h", 50*time.Millisecond)
	_, err := c.BatchStatus(context.Background(), "batch_456")
	require.Error(t, err)
	assert.True(t,
		strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "deadline"),
		err.Error())
}
