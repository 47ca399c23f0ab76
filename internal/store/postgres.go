package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mkravets/descgen/pkg/models"
)

const jobColumns = `id, status, languages, webhook_url, vision_batch_id, translation_batch_id,
	total_lots, processed_lots, failed_lots, error_message, retry_count, completed_at, created_at, updated_at`

const lotColumns = `id, job_id, lot_id, additional_info, image_urls, webhook_url, status,
	vision_result, translations, error_message, missing_images, created_at, updated_at`

const deliveryColumns = `id, job_id, webhook_url, payload, signature, status, attempt_count,
	last_attempt_at, next_attempt_at, response_status, response_body, error_message, created_at, delivered_at`

// validTransitions encodes the job state machine. Failed is semi-terminal:
// reconciliation may promote it back when the remote batch turns out to
// have succeeded.
var validTransitions = map[string][]string{
	models.JobStatusPending:     {models.JobStatusProcessing, models.JobStatusFailed, models.JobStatusCancelled},
	models.JobStatusProcessing:  {models.JobStatusTranslating, models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled},
	models.JobStatusTranslating: {models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled},
	models.JobStatusFailed:      {models.JobStatusProcessing, models.JobStatusTranslating},
}

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job, lots []*models.Lot) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO batch_jobs (id, status, languages, webhook_url, vision_batch_id, translation_batch_id,
			   total_lots, processed_lots, failed_lots, error_message, retry_count, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			job.ID, job.Status, job.Languages, job.WebhookURL, job.VisionBatchID, job.TranslationBatchID,
			job.TotalLots, job.ProcessedLots, job.FailedLots, job.ErrorMessage, job.RetryCount,
			job.CreatedAt, job.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		for _, lot := range lots {
			_, err := tx.Exec(ctx,
				`INSERT INTO batch_lots (id, job_id, lot_id, additional_info, image_urls, webhook_url, status,
				   vision_result, error_message, missing_images, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
				lot.ID, lot.JobID, lot.LotID, lot.AdditionalInfo, lot.ImageURLs, lot.WebhookURL, lot.Status,
				lot.VisionResult, lot.ErrorMessage, lot.MissingImages, lot.CreatedAt, lot.UpdatedAt)
			if err != nil {
				return fmt.Errorf("insert lot %q: %w", lot.LotID, err)
			}
		}
		return nil
	})
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM batch_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListLots(ctx context.Context, jobID uuid.UUID) ([]*models.Lot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lotColumns+` FROM batch_lots WHERE job_id = $1 ORDER BY created_at, lot_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list lots: %w", err)
	}
	defer rows.Close()

	var lots []*models.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func (s *PostgresStore) ActiveJobs(ctx context.Context) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM batch_jobs
		 WHERE status IN ($1, $2)
		    OR (status = $3 AND (vision_batch_id IS NOT NULL OR translation_batch_id IS NOT NULL))
		 ORDER BY created_at`,
		models.JobStatusProcessing, models.JobStatusTranslating, models.JobStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := &JobUpdate{}
	for _, opt := range opts {
		opt(params)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var currentStatus string
		err := tx.QueryRow(ctx,
			`SELECT status FROM batch_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&currentStatus)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get job status: %w", err)
		}

		if !transitionAllowed(currentStatus, status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, currentStatus, status)
		}

		now := time.Now().UTC()
		query := `UPDATE batch_jobs SET status = $2, updated_at = $3`
		args := []any{id, status, now}
		argIdx := 4

		if status == models.JobStatusCompleted {
			query += fmt.Sprintf(", completed_at = $%d", argIdx)
			args = append(args, now)
			argIdx++
		}
		if params.ErrorMessage != nil {
			query += fmt.Sprintf(", error_message = $%d", argIdx)
			args = append(args, *params.ErrorMessage)
			argIdx++
		}
		if params.TranslationBatchID != nil {
			query += fmt.Sprintf(", translation_batch_id = $%d", argIdx)
			args = append(args, *params.TranslationBatchID)
			argIdx++
		}
		// Recovery clears the prior local error.
		if currentStatus == models.JobStatusFailed && params.ErrorMessage == nil {
			query += ", error_message = NULL, retry_count = retry_count + 1"
		}

		query += " WHERE id = $1"

		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("update job status: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) CancelJob(ctx context.Context, id uuid.UUID, reason string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var currentStatus string
		err := tx.QueryRow(ctx,
			`SELECT status FROM batch_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&currentStatus)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get job status: %w", err)
		}

		switch currentStatus {
		case models.JobStatusPending, models.JobStatusProcessing, models.JobStatusTranslating:
		default:
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, currentStatus, models.JobStatusCancelled)
		}

		_, err = tx.Exec(ctx,
			`UPDATE batch_jobs SET status = $2, error_message = $3, updated_at = $4 WHERE id = $1`,
			id, models.JobStatusCancelled, reason, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ApplyVisionResults(ctx context.Context, jobID uuid.UUID, updates []LotVisionUpdate) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		for _, u := range updates {
			_, err := tx.Exec(ctx,
				`UPDATE batch_lots SET status = $3, vision_result = $4, error_message = $5, updated_at = $6
				 WHERE job_id = $1 AND lot_id = $2`,
				jobID, u.LotID, u.Status, u.VisionResult, u.ErrorMessage, now)
			if err != nil {
				return fmt.Errorf("update lot %q: %w", u.LotID, err)
			}
		}
		return refreshJobCounters(ctx, tx, jobID, now)
	})
}

func (s *PostgresStore) ApplyTranslationResults(ctx context.Context, jobID uuid.UUID, updates []LotTranslationUpdate) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		for _, u := range updates {
			_, err := tx.Exec(ctx,
				`UPDATE batch_lots SET status = $3, translations = $4, updated_at = $5
				 WHERE job_id = $1 AND lot_id = $2`,
				jobID, u.LotID, u.Status, u.Translations, now)
			if err != nil {
				return fmt.Errorf("update lot %q: %w", u.LotID, err)
			}
		}
		return refreshJobCounters(ctx, tx, jobID, now)
	})
}

// refreshJobCounters recomputes processed/failed lot counts from the lots
// table inside the same transaction as the lot updates.
func refreshJobCounters(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, now time.Time) error {
	_, err := tx.Exec(ctx,
		`UPDATE batch_jobs SET
		   processed_lots = (SELECT COUNT(*) FROM batch_lots WHERE job_id = $1 AND vision_result IS NOT NULL),
		   failed_lots = (SELECT COUNT(*) FROM batch_lots WHERE job_id = $1 AND status = $2),
		   updated_at = $3
		 WHERE id = $1`,
		jobID, models.LotStatusFailed, now)
	if err != nil {
		return fmt.Errorf("refresh job counters: %w", err)
	}
	return nil
}

// --- Webhook deliveries ---

func (s *PostgresStore) CreateDeliveries(ctx context.Context, deliveries []*models.WebhookDelivery) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, d := range deliveries {
			_, err := tx.Exec(ctx,
				`INSERT INTO webhook_deliveries (id, job_id, webhook_url, payload, signature, status,
				   attempt_count, next_attempt_at, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				d.ID, d.JobID, d.WebhookURL, d.Payload, d.Signature, d.Status,
				d.AttemptCount, d.NextAttemptAt, d.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert delivery for %s: %w", d.WebhookURL, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) HasDeliveries(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_deliveries WHERE job_id = $1)`, jobID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check deliveries: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) DueDeliveries(ctx context.Context, now time.Time, maxAttempts int) ([]*models.WebhookDelivery, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		 WHERE status IN ($1, $2) AND attempt_count < $3 AND next_attempt_at <= $4
		 ORDER BY next_attempt_at`,
		models.DeliveryStatusPending, models.DeliveryStatusFailed, maxAttempts, now)
	if err != nil {
		return nil, fmt.Errorf("list due deliveries: %w", err)
	}
	defer rows.Close()

	var out []*models.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordDeliveryAttempt(ctx context.Context, id uuid.UUID, outcome DeliveryOutcome) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_deliveries SET status = $2, attempt_count = $3, last_attempt_at = $4,
		   next_attempt_at = $5, response_status = $6, response_body = $7, error_message = $8, delivered_at = $9
		 WHERE id = $1`,
		id, outcome.Status, outcome.AttemptCount, now,
		outcome.NextAttemptAt, outcome.ResponseStatus, outcome.ResponseBody, outcome.ErrorMessage, outcome.DeliveredAt)
	if err != nil {
		return fmt.Errorf("record delivery attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeliveryMetrics(ctx context.Context, since time.Time, maxAttempts int) (*DeliveryMetrics, error) {
	m := &DeliveryMetrics{}
	err := s.pool.QueryRow(ctx,
		`SELECT
		   COUNT(*),
		   COUNT(*) FILTER (WHERE status = $2),
		   COUNT(*) FILTER (WHERE status = $3 AND attempt_count >= $4),
		   COUNT(*) FILTER (WHERE status IN ($5, $3) AND attempt_count < $4),
		   COALESCE(AVG(attempt_count) FILTER (WHERE status = $2), 0)
		 FROM webhook_deliveries WHERE created_at >= $1`,
		since, models.DeliveryStatusDelivered, models.DeliveryStatusFailed, maxAttempts,
		models.DeliveryStatusPending).
		Scan(&m.Total, &m.Delivered, &m.Failed, &m.Pending, &m.AverageAttempts)
	if err != nil {
		return nil, fmt.Errorf("delivery metrics: %w", err)
	}
	if m.Total > 0 {
		m.SuccessRate = float64(m.Delivered) / float64(m.Total) * 100
	}
	return m, nil
}

func (s *PostgresStore) ListPermanentFailures(ctx context.Context, maxAttempts, limit int) ([]*models.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		 WHERE status = $1 AND attempt_count >= $2
		 ORDER BY last_attempt_at DESC NULLS LAST LIMIT $3`,
		models.DeliveryStatusFailed, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed deliveries: %w", err)
	}
	defer rows.Close()

	var out []*models.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Retention ---

func (s *PostgresStore) PurgeJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM batch_jobs WHERE status IN ($1, $2, $3) AND updated_at < $4`,
		models.JobStatusCompleted, models.JobStatusCancelled, models.JobStatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Scan helpers ---

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Status, &j.Languages, &j.WebhookURL, &j.VisionBatchID, &j.TranslationBatchID,
		&j.TotalLots, &j.ProcessedLots, &j.FailedLots, &j.ErrorMessage, &j.RetryCount,
		&j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanLot(row pgx.Row) (*models.Lot, error) {
	var l models.Lot
	err := row.Scan(&l.ID, &l.JobID, &l.LotID, &l.AdditionalInfo, &l.ImageURLs, &l.WebhookURL, &l.Status,
		&l.VisionResult, &l.Translations, &l.ErrorMessage, &l.MissingImages, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func scanDelivery(row pgx.Row) (*models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	err := row.Scan(&d.ID, &d.JobID, &d.WebhookURL, &d.Payload, &d.Signature, &d.Status, &d.AttemptCount,
		&d.LastAttemptAt, &d.NextAttemptAt, &d.ResponseStatus, &d.ResponseBody, &d.ErrorMessage,
		&d.CreatedAt, &d.DeliveredAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func transitionAllowed(from, to string) bool {
	for _, a := range validTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
