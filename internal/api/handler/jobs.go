package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mkravets/descgen/internal/api/response"
	"github.com/mkravets/descgen/internal/batch"
	"github.com/mkravets/descgen/internal/cache"
	"github.com/mkravets/descgen/internal/signature"
	"github.com/mkravets/descgen/internal/store"
	"github.com/mkravets/descgen/pkg/models"

	"github.com/go-chi/chi/v5"
)

const requestVersion = "1.0.0"

// maxRequestBodyBytes bounds create requests; 50k lots with a handful of
// image URLs each fit comfortably.
const maxRequestBodyBytes = 64 << 20

// Orchestrator defines the job operations the handlers depend on.
type Orchestrator interface {
	CreateJob(ctx context.Context, input batch.CreateJobInput) (*models.Job, error)
	GetStatus(ctx context.Context, jobID uuid.UUID) (*models.Job, []*models.Lot, error)
	Cancel(ctx context.Context, jobID uuid.UUID, reason string) error
}

type createRequest struct {
	Signature  string   `json:"signature"`
	Version    string   `json:"version"`
	Languages  []string `json:"languages"`
	WebhookURL *string  `json:"webhook_url,omitempty"`
	// RawLots keeps the lots exactly as sent; the signature covers the
	// client's encoding, not this server's re-encoding.
	RawLots json.RawMessage `json:"lots"`
}

type lotEntry struct {
	LotID          string       `json:"lot_id"`
	AdditionalInfo string       `json:"additional_info,omitempty"`
	Webhook        *string      `json:"webhook,omitempty"`
	Images         []imageEntry `json:"images"`
}

type imageEntry struct {
	URL string `json:"url"`
}

// NewCreateJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// The request is authenticated by an HMAC signature over its lots array.
func NewCreateJobHandler(svc Orchestrator, signer *signature.Signer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)

		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.Version != "" && req.Version != requestVersion {
			response.Error(w, http.StatusBadRequest, "UNSUPPORTED_VERSION",
				"Unsupported request version", map[string]string{"supported": requestVersion})
			return
		}
		if req.Signature == "" {
			response.Error(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature is required", nil)
			return
		}

		var lots []lotEntry
		if len(req.RawLots) > 0 {
			if err := json.Unmarshal(req.RawLots, &lots); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "lots is malformed", nil)
				return
			}
		}
		if len(lots) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "lots is required", nil)
			return
		}
		if len(req.Languages) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "languages is required", nil)
			return
		}
		for _, lot := range lots {
			if lot.LotID == "" {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"every lot needs a lot_id", nil)
				return
			}
		}

		var signedLots any
		if err := json.Unmarshal(req.RawLots, &signedLots); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "lots is malformed", nil)
			return
		}
		ok, err := signer.Verify(signedLots, req.Signature)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to verify signature", nil)
			return
		}
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_SIGNATURE",
				"Signature does not match request body", nil)
			return
		}

		input := batch.CreateJobInput{
			Languages:  req.Languages,
			WebhookURL: req.WebhookURL,
			Lots:       make([]batch.LotInput, 0, len(lots)),
		}
		for _, lot := range lots {
			urls := make([]string, 0, len(lot.Images))
			for _, img := range lot.Images {
				if img.URL != "" {
					urls = append(urls, img.URL)
				}
			}
			input.Lots = append(input.Lots, batch.LotInput{
				LotID:          lot.LotID,
				AdditionalInfo: lot.AdditionalInfo,
				WebhookURL:     lot.Webhook,
				ImageURLs:      urls,
			})
		}

		job, err := svc.CreateJob(r.Context(), input)
		if err != nil {
			switch {
			case errors.Is(err, batch.ErrTooManyLots):
				response.Error(w, http.StatusRequestEntityTooLarge, "TOO_MANY_LOTS",
					"Request exceeds the lot limit", nil)
			case errors.Is(err, store.ErrDuplicateKey):
				response.Error(w, http.StatusConflict, "DUPLICATE_LOT",
					"Request contains duplicate lot ids", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.Accepted(w, jobResponse(job, nil))
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
// The cached status short-circuits the common polling case; full detail
// always comes from the store.
func NewJobStatusHandler(svc Orchestrator, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}

		if status, found, err := c.GetJobStatus(r.Context(), jobID); err == nil && found &&
			r.URL.Query().Get("detail") == "false" {
			response.JSON(w, map[string]any{"job_id": jobID, "status": status})
			return
		}

		job, lots, err := svc.GetStatus(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, jobResponse(job, lots))
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/cancel.
func NewCancelJobHandler(svc Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}

		if err := svc.Cancel(r.Context(), jobID, "cancelled by client"); err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			case errors.Is(err, store.ErrInvalidTransition):
				response.Error(w, http.StatusConflict, "INVALID_STATE",
					"Job is already in a terminal state", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.JSON(w, map[string]any{"job_id": jobID, "status": models.JobStatusCancelled})
	}
}

type jobStatusResponse struct {
	JobID         uuid.UUID  `json:"job_id"`
	Status        string     `json:"status"`
	Languages     []string   `json:"languages"`
	TotalLots     int        `json:"total_lots"`
	ProcessedLots int        `json:"processed_lots"`
	FailedLots    int        `json:"failed_lots"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Lots          []lotState `json:"lots,omitempty"`
}

type lotState struct {
	LotID        string  `json:"lot_id"`
	Status       string  `json:"status"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

func jobResponse(job *models.Job, lots []*models.Lot) jobStatusResponse {
	resp := jobStatusResponse{
		JobID:         job.ID,
		Status:        job.Status,
		Languages:     job.Languages,
		TotalLots:     job.TotalLots,
		ProcessedLots: job.ProcessedLots,
		FailedLots:    job.FailedLots,
		ErrorMessage:  job.ErrorMessage,
		CreatedAt:     job.CreatedAt,
		CompletedAt:   job.CompletedAt,
	}
	for _, lot := range lots {
		resp.Lots = append(resp.Lots, lotState{
			LotID:        lot.LotID,
			Status:       lot.Status,
			ErrorMessage: lot.ErrorMessage,
		})
	}
	return resp
}
