package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mkravets/descgen/internal/config"
	"github.com/mkravets/descgen/internal/signature"
	"github.com/mkravets/descgen/internal/store"
	"github.com/mkravets/descgen/pkg/models"

	"github.com/google/uuid"
)

const (
	userAgent = "descgen-webhook/1.0"

	maxResponseBodyBytes = 1000
	maxErrorBytes        = 500
)

// Dispatcher schedules and performs webhook deliveries.
type Dispatcher struct {
	store  store.Store
	signer *signature.Signer
	client *http.Client
	cfg    config.WebhookConfig
	logger *slog.Logger
}

func NewDispatcher(st store.Store, signer *signature.Signer, cfg config.WebhookConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  st,
		signer: signer,
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
	}
}

// CreateDeliveries signs one payload per distinct webhook URL and stores
// them ready for immediate delivery. Jobs with no webhook URL anywhere
// produce no deliveries.
func (d *Dispatcher) CreateDeliveries(ctx context.Context, job *models.Job, lots []*models.Lot) error {
	payloads := BuildPayloads(job, lots)
	if len(payloads) == 0 {
		return nil
	}

	now := time.Now().UTC()
	deliveries := make([]*models.WebhookDelivery, 0, len(payloads))
	for url, payload := range payloads {
		canonical, err := signature.CanonicalJSON(payload)
		if err != nil {
			return fmt.Errorf("encoding payload for %s: %w", url, err)
		}
		sig, err := d.signer.Sign(payload)
		if err != nil {
			return fmt.Errorf("signing payload for %s: %w", url, err)
		}
		deliveries = append(deliveries, &models.WebhookDelivery{
			ID:            uuid.New(),
			JobID:         job.ID,
			WebhookURL:    url,
			Payload:       canonical,
			Signature:     sig,
			Status:        models.DeliveryStatusPending,
			NextAttemptAt: &now,
			CreatedAt:     now,
		})
	}

	if err := d.store.CreateDeliveries(ctx, deliveries); err != nil {
		return fmt.Errorf("storing deliveries: %w", err)
	}
	d.logger.Info("webhook deliveries scheduled", "job_id", job.ID, "count", len(deliveries))
	return nil
}

// ProcessDue attempts every delivery whose retry time has passed. One
// failing endpoint never blocks the rest.
func (d *Dispatcher) ProcessDue(ctx context.Context) error {
	due, err := d.store.DueDeliveries(ctx, time.Now().UTC(), d.cfg.MaxAttempts)
	if err != nil {
		return fmt.Errorf("listing due deliveries: %w", err)
	}

	for _, delivery := range due {
		if err := d.attempt(ctx, delivery); err != nil {
			d.logger.Error("delivery attempt bookkeeping failed",
				"delivery_id", delivery.ID, "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) attempt(ctx context.Context, delivery *models.WebhookDelivery) error {
	now := time.Now().UTC()
	attemptCount := delivery.AttemptCount + 1

	status, body, sendErr := d.send(ctx, delivery)

	outcome := store.DeliveryOutcome{AttemptCount: attemptCount}
	if status != 0 {
		outcome.ResponseStatus = &status
	}
	if body != "" {
		truncated := truncate(body, maxResponseBodyBytes)
		outcome.ResponseBody = &truncated
	}

	switch {
	case sendErr == nil && status >= 200 && status < 300:
		outcome.Status = models.DeliveryStatusDelivered
		outcome.DeliveredAt = &now
		d.logger.Info("webhook delivered",
			"delivery_id", delivery.ID, "job_id", delivery.JobID,
			"url", delivery.WebhookURL, "attempt", attemptCount)

	case attemptCount >= d.cfg.MaxAttempts:
		outcome.Status = models.DeliveryStatusFailed
		msg := truncate(attemptError(status, sendErr), maxErrorBytes)
		outcome.ErrorMessage = &msg
		d.logger.Error("webhook permanently failed",
			"delivery_id", delivery.ID, "job_id", delivery.JobID,
			"url", delivery.WebhookURL, "attempts", attemptCount)

	default:
		next := now.Add(d.backoff(attemptCount))
		outcome.Status = models.DeliveryStatusPending
		outcome.NextAttemptAt = &next
		msg := truncate(attemptError(status, sendErr), maxErrorBytes)
		outcome.ErrorMessage = &msg
		d.logger.Warn("webhook attempt failed, will retry",
			"delivery_id", delivery.ID, "job_id", delivery.JobID,
			"attempt", attemptCount, "next_attempt_at", next)
	}

	return d.store.RecordDeliveryAttempt(ctx, delivery.ID, outcome)
}

// send POSTs the stored payload and returns the response status and a
// body excerpt. A transport failure returns status 0.
func (d *Dispatcher) send(ctx context.Context, delivery *models.WebhookDelivery) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		delivery.WebhookURL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0, "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", delivery.Signature)
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	return resp.StatusCode, string(excerpt), nil
}

// backoff returns the delay before the given attempt number's retry:
// base doubled per completed attempt, capped at MaxDelay.
func (d *Dispatcher) backoff(attemptCount int) time.Duration {
	delay := d.cfg.BaseDelay
	for i := 1; i < attemptCount; i++ {
		delay *= 2
		if delay >= d.cfg.MaxDelay {
			return d.cfg.MaxDelay
		}
	}
	if delay > d.cfg.MaxDelay {
		return d.cfg.MaxDelay
	}
	return delay
}

func attemptError(status int, err error) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("endpoint returned HTTP %d", status)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
