package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending     = "pending"
	JobStatusProcessing  = "processing"
	JobStatusTranslating = "translating"
	JobStatusCompleted   = "completed"
	JobStatusFailed      = "failed"
	JobStatusCancelled   = "cancelled"
)

// Job tracks one client batch request through the vision -> translation
// pipeline. The API returns a job_id on POST /api/v1/jobs; the client
// polls GET /api/v1/jobs/{job_id} until status is terminal, or
// waits for the webhook.
type Job struct {
	ID                 uuid.UUID  `db:"id"                   json:"job_id"`
	Status             string     `db:"status"               json:"status"`
	Languages          []string   `db:"languages"            json:"languages"`
	WebhookURL         *string    `db:"webhook_url"          json:"webhook_url,omitempty"`
	VisionBatchID      *string    `db:"vision_batch_id"      json:"vision_batch_id,omitempty"`
	TranslationBatchID *string    `db:"translation_batch_id" json:"translation_batch_id,omitempty"`
	TotalLots          int        `db:"total_lots"           json:"total_lots"`
	ProcessedLots      int        `db:"processed_lots"       json:"processed_lots"`
	FailedLots         int        `db:"failed_lots"          json:"failed_lots"`
	ErrorMessage       *string    `db:"error_message"        json:"error_message,omitempty"`
	RetryCount         int        `db:"retry_count"          json:"retry_count"`
	CompletedAt        *time.Time `db:"completed_at"         json:"completed_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at"           json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"           json:"updated_at"`
}

// NonEnglishLanguages returns the requested target languages excluding
// English, preserving request order. English is always the source language.
func (j *Job) NonEnglishLanguages() []string {
	var out []string
	for _, lang := range j.Languages {
		if !strings.EqualFold(lang, "en") {
			out = append(out, lang)
		}
	}
	return out
}

// Terminal reports whether the job can no longer make progress on its own.
// Failed is deliberately excluded: a failed job with a live batch reference
// may still be recovered by reconciliation.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusCancelled
}
