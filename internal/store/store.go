package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mkravets/descgen/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through
// here. Every state-changing method commits atomically: a job and its lots
// are never left partially updated.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job, lots []*models.Lot) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListLots(ctx context.Context, jobID uuid.UUID) ([]*models.Lot, error)
	// ActiveJobs returns jobs the reconciliation pass must poll: processing,
	// translating, and failed jobs that still hold a batch reference (the
	// recovery case).
	ActiveJobs(ctx context.Context) ([]*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	CancelJob(ctx context.Context, id uuid.UUID, reason string) error
	ApplyVisionResults(ctx context.Context, jobID uuid.UUID, updates []LotVisionUpdate) error
	ApplyTranslationResults(ctx context.Context, jobID uuid.UUID, updates []LotTranslationUpdate) error

	CreateDeliveries(ctx context.Context, deliveries []*models.WebhookDelivery) error
	HasDeliveries(ctx context.Context, jobID uuid.UUID) (bool, error)
	// DueDeliveries returns retryable deliveries whose next attempt time has
	// passed and whose attempt count is still below the maximum.
	DueDeliveries(ctx context.Context, now time.Time, maxAttempts int) ([]*models.WebhookDelivery, error)
	RecordDeliveryAttempt(ctx context.Context, id uuid.UUID, outcome DeliveryOutcome) error
	DeliveryMetrics(ctx context.Context, since time.Time, maxAttempts int) (*DeliveryMetrics, error)
	ListPermanentFailures(ctx context.Context, maxAttempts, limit int) ([]*models.WebhookDelivery, error)

	// PurgeJobsBefore deletes terminal jobs (completed, cancelled, failed)
	// last updated before cutoff. Lots and deliveries cascade.
	PurgeJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// LotVisionUpdate carries the per-lot outcome of a completed vision batch.
type LotVisionUpdate struct {
	LotID        string
	Status       string
	VisionResult *string
	ErrorMessage *string
}

// LotTranslationUpdate merges translated text into a lot and moves it to a
// terminal status.
type LotTranslationUpdate struct {
	LotID        string
	Status       string
	Translations map[string]string
}

// DeliveryOutcome records one webhook delivery attempt.
type DeliveryOutcome struct {
	Status         string
	AttemptCount   int
	NextAttemptAt  *time.Time
	ResponseStatus *int
	ResponseBody   *string
	ErrorMessage   *string
	DeliveredAt    *time.Time
}

// DeliveryMetrics summarizes webhook delivery health for a time window.
type DeliveryMetrics struct {
	Total           int     `json:"total_webhooks"`
	Delivered       int     `json:"delivered"`
	Failed          int     `json:"failed"`
	Pending         int     `json:"pending"`
	SuccessRate     float64 `json:"success_rate"`
	AverageAttempts float64 `json:"average_attempts"`
}

// JobUpdate collects the optional fields of an UpdateJobStatus call.
// Exported so Store fakes can evaluate options.
type JobUpdate struct {
	ErrorMessage       *string
	TranslationBatchID *string
}

type JobUpdateOption func(*JobUpdate)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorMessage = &msg
	}
}

func WithTranslationBatchID(id string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.TranslationBatchID = &id
	}
}
