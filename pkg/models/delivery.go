package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	DeliveryStatusPending   = "pending"
	DeliveryStatusDelivered = "delivered"
	DeliveryStatusFailed    = "failed"
)

// WebhookDelivery is one delivery lineage for one (job, webhook URL)
// pairing. A delivery in status failed with attempt_count at the configured
// maximum is permanently failed and never rescheduled; delivered is
// terminal. Retained for audit until retention cleanup removes the job.
type WebhookDelivery struct {
	ID             uuid.UUID       `db:"id"              json:"id"`
	JobID          uuid.UUID       `db:"job_id"          json:"job_id"`
	WebhookURL     string          `db:"webhook_url"     json:"webhook_url"`
	Payload        json.RawMessage `db:"payload"         json:"payload"`
	Signature      string          `db:"signature"       json:"-"`
	Status         string          `db:"status"          json:"status"`
	AttemptCount   int             `db:"attempt_count"   json:"attempt_count"`
	LastAttemptAt  *time.Time      `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	NextAttemptAt  *time.Time      `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	ResponseStatus *int            `db:"response_status" json:"response_status,omitempty"`
	ResponseBody   *string         `db:"response_body"   json:"response_body,omitempty"`
	ErrorMessage   *string         `db:"error_message"   json:"error_message,omitempty"`
	CreatedAt      time.Time       `db:"created_at"      json:"created_at"`
	DeliveredAt    *time.Time      `db:"delivered_at"    json:"delivered_at,omitempty"`
}
