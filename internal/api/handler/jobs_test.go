package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mkravets/descgen/internal/api/handler"
	"github.com/mkravets/descgen/internal/batch"
	"github.com/mkravets/descgen/internal/signature"
	"github.com/mkravets/descgen/internal/store"
	"github.com/mkravets/descgen/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSharedKey = "test-shared-key"

// --- stub orchestrator ---

type stubOrchestrator struct {
	createInput *batch.CreateJobInput
	createJob   *models.Job
	createErr   error

	statusJob  *models.Job
	statusLots []*models.Lot
	statusErr  error

	cancelErr error
	cancelled []uuid.UUID
}

func (s *stubOrchestrator) CreateJob(_ context.Context, input batch.CreateJobInput) (*models.Job, error) {
	s.createInput = &input
	return s.createJob, s.createErr
}

func (s *stubOrchestrator) GetStatus(context.Context, uuid.UUID) (*models.Job, []*models.Lot, error) {
	return s.statusJob, s.statusLots, s.statusErr
}

func (s *stubOrchestrator) Cancel(_ context.Context, jobID uuid.UUID, _ string) error {
	s.cancelled = append(s.cancelled, jobID)
	return s.cancelErr
}

// --- stub cache (job status only) ---

type stubCache struct {
	status string
	found  bool
}

func (c *stubCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (c *stubCache) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (c *stubCache) Delete(context.Context, string) error                     { return nil }
func (c *stubCache) Ping(context.Context) error                               { return nil }
func (c *stubCache) SetJobStatus(context.Context, uuid.UUID, string, time.Duration) error {
	return nil
}
func (c *stubCache) GetJobStatus(context.Context, uuid.UUID) (string, bool, error) {
	return c.status, c.found, nil
}
func (c *stubCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 1, nil
}

// --- helpers ---

func signLots(t *testing.T, lots any) string {
	t.Helper()
	sig, err := signature.NewSigner(testSharedKey).Sign(lots)
	require.NoError(t, err)
	return sig
}

func signedCreateBody(t *testing.T) []byte {
	t.Helper()
	lots := []map[string]any{{
		"lot_id": "LOT-1",
		"images": []map[string]string{{"url": "https://img.example.com/1.jpg"}},
	}}
	body := map[string]any{
		"signature": signLots(t, lots),
		"version":   "1.0.0",
		"languages": []string{"en", "fr"},
		"lots":      lots,
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

func postCreate(h http.HandlerFunc, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/api/v1/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)["code"].(string)
}

// ========================================
// Create
// ========================================

func TestCreateJob_Accepted(t *testing.T) {
	svc := &stubOrchestrator{createJob: &models.Job{
		ID:        uuid.New(),
		Status:    models.JobStatusProcessing,
		Languages: []string{"en", "fr"},
		TotalLots: 1,
	}}
	h := handler.NewCreateJobHandler(svc, signature.NewSigner(testSharedKey))

	w := postCreate(h, signedCreateBody(t))

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.NotNil(t, svc.createInput)
	assert.Equal(t, []string{"en", "fr"}, svc.createInput.Languages)
	require.Len(t, svc.createInput.Lots, 1)
	assert.Equal(t, "LOT-1", svc.createInput.Lots[0].LotID)
	assert.Equal(t, []string{"https://img.example.com/1.jpg"}, svc.createInput.Lots[0].ImageURLs)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]any)
	assert.Equal(t, "processing", data["status"])
	assert.NotEmpty(t, data["job_id"])
}

func TestCreateJob_BadSignature(t *testing.T) {
	svc := &stubOrchestrator{}
	h := handler.NewCreateJobHandler(svc, signature.NewSigner(testSharedKey))

	lots := []map[string]any{{"lot_id": "LOT-1", "images": []map[string]string{{"url": "u"}}}}
	body, _ := json.Marshal(map[string]any{
		"signature": "deadbeef",
		"languages": []string{"en"},
		"lots":      lots,
	})
	w := postCreate(h, body)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_SIGNATURE", errCode(t, w))
	assert.Nil(t, svc.createInput, "service must not be called with a bad signature")
}

func TestCreateJob_MissingSignature(t *testing.T) {
	h := handler.NewCreateJobHandler(&stubOrchestrator{}, signature.NewSigner(testSharedKey))

	body, _ := json.Marshal(map[string]any{
		"languages": []string{"en"},
		"lots":      []map[string]any{{"lot_id": "A", "images": []map[string]string{{"url": "u"}}}},
	})
	w := postCreate(h, body)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateJob_UnsupportedVersion(t *testing.T) {
	h := handler.NewCreateJobHandler(&stubOrchestrator{}, signature.NewSigner(testSharedKey))

	body, _ := json.Marshal(map[string]any{
		"signature": "x",
		"version":   "2.0.0",
		"languages": []string{"en"},
		"lots":      []map[string]any{{"lot_id": "A"}},
	})
	w := postCreate(h, body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "UNSUPPORTED_VERSION", errCode(t, w))
}

func TestCreateJob_ValidationErrors(t *testing.T) {
	h := handler.NewCreateJobHandler(&stubOrchestrator{}, signature.NewSigner(testSharedKey))

	cases := []struct {
		name string
		body map[string]any
	}{
		{"no lots", map[string]any{"signature": "x", "languages": []string{"en"}}},
		{"no languages", map[string]any{"signature": "x",
			"lots": []map[string]any{{"lot_id": "A"}}}},
		{"lot without id", map[string]any{"signature": "x", "languages": []string{"en"},
			"lots": []map[string]any{{"images": []map[string]string{{"url": "u"}}}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, _ := json.Marshal(tc.body)
			w := postCreate(h, raw)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "INVALID_REQUEST", errCode(t, w))
		})
	}
}

func TestCreateJob_InvalidJSON(t *testing.T) {
	h := handler.NewCreateJobHandler(&stubOrchestrator{}, signature.NewSigner(testSharedKey))

	w := postCreate(h, []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateJob_TooManyLots(t *testing.T) {
	svc := &stubOrchestrator{createErr: batch.ErrTooManyLots}
	h := handler.NewCreateJobHandler(svc, signature.NewSigner(testSharedKey))

	w := postCreate(h, signedCreateBody(t))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "TOO_MANY_LOTS", errCode(t, w))
}

func TestCreateJob_DuplicateLots(t *testing.T) {
	svc := &stubOrchestrator{createErr: store.ErrDuplicateKey}
	h := handler.NewCreateJobHandler(svc, signature.NewSigner(testSharedKey))

	w := postCreate(h, signedCreateBody(t))

	assert.Equal(t, http.StatusConflict, w.Code)
}

// ========================================
// Status
// ========================================

func statusRequest(h http.HandlerFunc, jobID, query string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Get("/api/v1/jobs/{jobID}", h)
	req := httptest.NewRequest("GET", "/api/v1/jobs/"+jobID+query, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJobStatus_FullDetail(t *testing.T) {
	jobID := uuid.New()
	errMsg := "no images provided"
	svc := &stubOrchestrator{
		statusJob: &models.Job{
			ID:            jobID,
			Status:        models.JobStatusCompleted,
			Languages:     []string{"en"},
			TotalLots:     2,
			ProcessedLots: 1,
			FailedLots:    1,
		},
		statusLots: []*models.Lot{
			{LotID: "A", Status: models.LotStatusCompleted},
			{LotID: "B", Status: models.LotStatusFailed, ErrorMessage: &errMsg},
		},
	}
	h := handler.NewJobStatusHandler(svc, &stubCache{})

	w := statusRequest(h, jobID.String(), "")

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]any)
	assert.Equal(t, "completed", data["status"])
	assert.Equal(t, float64(2), data["total_lots"])
	lots := data["lots"].([]any)
	require.Len(t, lots, 2)
	assert.Equal(t, "no images provided", lots[1].(map[string]any)["error_message"])
}

func TestJobStatus_CachedShortCircuit(t *testing.T) {
	jobID := uuid.New()
	svc := &stubOrchestrator{statusErr: store.ErrNotFound}
	h := handler.NewJobStatusHandler(svc, &stubCache{status: "translating", found: true})

	w := statusRequest(h, jobID.String(), "?detail=false")

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]any)
	assert.Equal(t, "translating", data["status"])
}

func TestJobStatus_NotFound(t *testing.T) {
	svc := &stubOrchestrator{statusErr: store.ErrNotFound}
	h := handler.NewJobStatusHandler(svc, &stubCache{})

	w := statusRequest(h, uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobStatus_BadUUID(t *testing.T) {
	h := handler.NewJobStatusHandler(&stubOrchestrator{}, &stubCache{})

	w := statusRequest(h, "not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ========================================
// Cancel
// ========================================

func cancelRequest(h http.HandlerFunc, jobID string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Post("/api/v1/jobs/{jobID}/cancel", h)
	req := httptest.NewRequest("POST", "/api/v1/jobs/"+jobID+"/cancel", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCancelJob_OK(t *testing.T) {
	jobID := uuid.New()
	svc := &stubOrchestrator{}
	h := handler.NewCancelJobHandler(svc)

	w := cancelRequest(h, jobID.String())

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, svc.cancelled, 1)
	assert.Equal(t, jobID, svc.cancelled[0])
}

func TestCancelJob_Terminal(t *testing.T) {
	svc := &stubOrchestrator{cancelErr: store.ErrInvalidTransition}
	h := handler.NewCancelJobHandler(svc)

	w := cancelRequest(h, uuid.NewString())
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE", errCode(t, w))
}

func TestCancelJob_NotFound(t *testing.T) {
	svc := &stubOrchestrator{cancelErr: store.ErrNotFound}
	h := handler.NewCancelJobHandler(svc)

	w := cancelRequest(h, uuid.NewString())
	assert.Equal(t, http.StatusNotFound, w.Code)
}
