package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	LotStatusPending    = "pending"
	LotStatusProcessing = "processing"
	LotStatusCompleted  = "completed"
	LotStatusFailed     = "failed"
)

// Lot is one unit of work (one vehicle) within a Job. The lot_id is
// client-supplied and unique within its job; the row id is ours.
type Lot struct {
	ID             uuid.UUID         `db:"id"              json:"-"`
	JobID          uuid.UUID         `db:"job_id"          json:"-"`
	LotID          string            `db:"lot_id"          json:"lot_id"`
	AdditionalInfo string            `db:"additional_info" json:"additional_info,omitempty"`
	ImageURLs      []string          `db:"image_urls"      json:"image_urls"`
	WebhookURL     *string           `db:"webhook_url"     json:"webhook_url,omitempty"`
	Status         string            `db:"status"          json:"status"`
	VisionResult   *string           `db:"vision_result"   json:"vision_result,omitempty"`
	Translations   map[string]string `db:"translations"    json:"translations,omitempty"`
	ErrorMessage   *string           `db:"error_message"   json:"error_message,omitempty"`
	MissingImages  []string          `db:"missing_images"  json:"missing_images,omitempty"`
	CreatedAt      time.Time         `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at"      json:"updated_at"`
}
