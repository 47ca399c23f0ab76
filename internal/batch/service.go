// Package batch orchestrates description jobs: it submits vision and
// translation batches to the inference provider, reconciles their remote
// state into job and lot records, and hands completed jobs off for
// webhook delivery.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mkravets/descgen/internal/cache"
	"github.com/mkravets/descgen/internal/config"
	"github.com/mkravets/descgen/internal/inference"
	"github.com/mkravets/descgen/internal/store"
	"github.com/mkravets/descgen/pkg/models"
)

// Validation errors surfaced to the API layer.
var (
	ErrNoLots      = errors.New("job has no lots")
	ErrTooManyLots = errors.New("job exceeds lot limit")
	ErrNoLanguages = errors.New("job has no target languages")
)

// Notifier schedules webhook deliveries for a completed job.
type Notifier interface {
	CreateDeliveries(ctx context.Context, job *models.Job, lots []*models.Lot) error
}

// Orchestrator drives the two-phase batch pipeline.
type Orchestrator struct {
	store     store.Store
	inference inference.Client
	cache     cache.Cache
	notifier  Notifier
	cfg       config.InferenceConfig
	limits    config.LimitsConfig
	logger    *slog.Logger
}

func NewOrchestrator(st store.Store, inf inference.Client, c cache.Cache, n Notifier,
	cfg config.InferenceConfig, limits config.LimitsConfig, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     st,
		inference: inf,
		cache:     c,
		notifier:  n,
		cfg:       cfg,
		limits:    limits,
		logger:    logger,
	}
}

// LotInput is one lot of a job creation request.
type LotInput struct {
	LotID          string
	AdditionalInfo string
	WebhookURL     *string
	ImageURLs      []string
}

// CreateJobInput is a validated job creation request.
type CreateJobInput struct {
	Languages  []string
	WebhookURL *string
	Lots       []LotInput
}

// CreateJob persists a new job and submits its vision batch. A failed
// submission still produces a job record, marked failed, so the client
// can observe the outcome; only validation and storage errors are
// returned.
func (o *Orchestrator) CreateJob(ctx context.Context, input CreateJobInput) (*models.Job, error) {
	if len(input.Lots) == 0 {
		return nil, ErrNoLots
	}
	if len(input.Lots) > o.limits.MaxLots {
		return nil, fmt.Errorf("%w: %d lots, limit %d", ErrTooManyLots, len(input.Lots), o.limits.MaxLots)
	}
	if len(input.Languages) == 0 {
		return nil, ErrNoLanguages
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:         uuid.New(),
		Status:     models.JobStatusPending,
		Languages:  input.Languages,
		WebhookURL: input.WebhookURL,
		TotalLots:  len(input.Lots),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	lots := make([]*models.Lot, 0, len(input.Lots))
	var requests []inference.BatchRequest
	failedLots := 0
	for _, in := range input.Lots {
		lot := &models.Lot{
			ID:             uuid.New(),
			JobID:          job.ID,
			LotID:          in.LotID,
			AdditionalInfo: in.AdditionalInfo,
			ImageURLs:      in.ImageURLs,
			WebhookURL:     in.WebhookURL,
			Status:         models.LotStatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if len(in.ImageURLs) == 0 {
			msg := "no images provided"
			lot.Status = models.LotStatusFailed
			lot.ErrorMessage = &msg
			failedLots++
		} else {
			requests = append(requests, o.visionRequest(lot))
		}
		lots = append(lots, lot)
	}
	job.FailedLots = failedLots

	if len(requests) == 0 {
		msg := "no lots with images to process"
		job.Status = models.JobStatusFailed
		job.ErrorMessage = &msg
	} else {
		submitCtx, cancel := context.WithTimeout(ctx, o.limits.CreateTimeout)
		defer cancel()

		batchID, err := o.inference.SubmitBatch(submitCtx, requests, "vision job "+job.ID.String())
		if err != nil {
			o.logger.Error("vision batch submission failed", "job_id", job.ID, "error", err)
			msg := "batch submission failed: " + err.Error()
			job.Status = models.JobStatusFailed
			job.ErrorMessage = &msg
		} else {
			job.Status = models.JobStatusProcessing
			job.VisionBatchID = &batchID
			for _, lot := range lots {
				if lot.Status == models.LotStatusPending {
					lot.Status = models.LotStatusProcessing
				}
			}
		}
	}

	if err := o.store.CreateJob(ctx, job, lots); err != nil {
		return nil, fmt.Errorf("persisting job: %w", err)
	}
	o.cacheStatus(ctx, job.ID, job.Status)

	o.logger.Info("job created",
		"job_id", job.ID,
		"status", job.Status,
		"total_lots", job.TotalLots,
		"languages", job.Languages)
	return job, nil
}

// GetStatus returns a job and its lots without touching the provider.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID uuid.UUID) (*models.Job, []*models.Lot, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	lots, err := o.store.ListLots(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return job, lots, nil
}

// Cancel marks a non-terminal job cancelled. The remote batch keeps
// running; its results are discarded on the next reconcile pass.
func (o *Orchestrator) Cancel(ctx context.Context, jobID uuid.UUID, reason string) error {
	if err := o.store.CancelJob(ctx, jobID, reason); err != nil {
		return err
	}
	o.cacheStatus(ctx, jobID, models.JobStatusCancelled)
	return nil
}

// Reconcile advances every active job one step. Errors on one job never
// block the others.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	jobs, err := o.store.ActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("listing active jobs: %w", err)
	}

	for _, job := range jobs {
		if err := o.reconcileJob(ctx, job); err != nil {
			o.logger.Error("reconcile failed", "job_id", job.ID, "error", err)
			o.markFailed(ctx, job, err.Error())
		}
	}
	return nil
}

func (o *Orchestrator) reconcileJob(ctx context.Context, job *models.Job) error {
	switch {
	case job.TranslationBatchID != nil:
		return o.reconcileTranslation(ctx, job)
	case job.VisionBatchID != nil:
		return o.reconcileVision(ctx, job)
	default:
		return nil
	}
}

func (o *Orchestrator) reconcileVision(ctx context.Context, job *models.Job) error {
	st, err := o.inference.BatchStatus(ctx, *job.VisionBatchID)
	if err != nil {
		return fmt.Errorf("polling vision batch: %w", err)
	}
	if !st.Terminal() {
		return nil
	}
	if st.Status != inference.BatchCompleted {
		return fmt.Errorf("vision batch ended %s", st.Status)
	}
	if st.OutputFileID == "" {
		return fmt.Errorf("vision batch completed without an output file")
	}

	// A previously failed job whose batch finished after all: put it back
	// on the normal path before applying results.
	if job.Status == models.JobStatusFailed {
		if err := o.store.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing); err != nil {
			return fmt.Errorf("recovering job: %w", err)
		}
		job.Status = models.JobStatusProcessing
		o.cacheStatus(ctx, job.ID, job.Status)
		o.logger.Info("job recovered from failed state", "job_id", job.ID)
	}

	content, err := o.inference.DownloadResults(ctx, st.OutputFileID)
	if err != nil {
		return fmt.Errorf("downloading vision results: %w", err)
	}

	langs := job.NonEnglishLanguages()
	successStatus := models.LotStatusCompleted
	if len(langs) > 0 {
		successStatus = models.LotStatusProcessing
	}

	results := ParseResults(content)
	var updates []store.LotVisionUpdate
	succeeded := 0
	for _, res := range results {
		lotID, err := parseVisionCustomID(res.CustomID)
		if err != nil {
			o.logger.Warn("skipping result line", "job_id", job.ID, "error", err)
			continue
		}
		if res.Err != nil {
			msg := res.Err.Error()
			updates = append(updates, store.LotVisionUpdate{
				LotID:        lotID,
				Status:       models.LotStatusFailed,
				ErrorMessage: &msg,
			})
			continue
		}
		text := res.Text
		updates = append(updates, store.LotVisionUpdate{
			LotID:        lotID,
			Status:       successStatus,
			VisionResult: &text,
		})
		succeeded++
	}

	if len(updates) > 0 {
		if err := o.store.ApplyVisionResults(ctx, job.ID, updates); err != nil {
			return fmt.Errorf("applying vision results: %w", err)
		}
	}
	if succeeded == 0 {
		// Zero usable descriptions out of a completed batch points at a
		// response format mismatch rather than ordinary per-lot failures.
		// The job still completes, with every lot failed.
		o.logger.Error("vision batch produced no usable descriptions",
			"job_id", job.ID, "lines", len(results))
		return o.completeJob(ctx, job)
	}

	if len(langs) == 0 {
		return o.completeJob(ctx, job)
	}
	return o.submitTranslation(ctx, job, langs)
}

func (o *Orchestrator) submitTranslation(ctx context.Context, job *models.Job, langs []string) error {
	lots, err := o.store.ListLots(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("listing lots: %w", err)
	}

	var requests []inference.BatchRequest
	for _, lot := range lots {
		if lot.VisionResult == nil {
			continue
		}
		for _, lang := range langs {
			requests = append(requests, o.translationRequest(lot, lang))
		}
	}
	if len(requests) == 0 {
		return o.completeJob(ctx, job)
	}

	batchID, err := o.inference.SubmitBatch(ctx, requests, "translation job "+job.ID.String())
	if err != nil {
		return fmt.Errorf("submitting translation batch: %w", err)
	}
	if err := o.store.UpdateJobStatus(ctx, job.ID, models.JobStatusTranslating,
		store.WithTranslationBatchID(batchID)); err != nil {
		return fmt.Errorf("moving job to translating: %w", err)
	}
	job.Status = models.JobStatusTranslating
	o.cacheStatus(ctx, job.ID, job.Status)
	o.logger.Info("translation batch submitted",
		"job_id", job.ID, "batch_id", batchID, "requests", len(requests))
	return nil
}

func (o *Orchestrator) reconcileTranslation(ctx context.Context, job *models.Job) error {
	st, err := o.inference.BatchStatus(ctx, *job.TranslationBatchID)
	if err != nil {
		return fmt.Errorf("polling translation batch: %w", err)
	}
	if !st.Terminal() {
		return nil
	}
	if st.Status != inference.BatchCompleted {
		return fmt.Errorf("translation batch ended %s", st.Status)
	}
	if st.OutputFileID == "" {
		return fmt.Errorf("translation batch completed without an output file")
	}

	if job.Status == models.JobStatusFailed {
		if err := o.store.UpdateJobStatus(ctx, job.ID, models.JobStatusTranslating); err != nil {
			return fmt.Errorf("recovering job: %w", err)
		}
		job.Status = models.JobStatusTranslating
		o.cacheStatus(ctx, job.ID, job.Status)
		o.logger.Info("job recovered from failed state", "job_id", job.ID)
	}

	content, err := o.inference.DownloadResults(ctx, st.OutputFileID)
	if err != nil {
		return fmt.Errorf("downloading translation results: %w", err)
	}

	// Collect per-lot translations. Failed lines are logged and dropped;
	// the payload builder falls back to the English source text for any
	// language missing here.
	byLot := make(map[string]map[string]string)
	for _, res := range ParseResults(content) {
		lang, lotID, err := parseTranslationCustomID(res.CustomID)
		if err != nil {
			o.logger.Warn("skipping result line", "job_id", job.ID, "error", err)
			continue
		}
		if res.Err != nil {
			o.logger.Warn("translation failed for lot",
				"job_id", job.ID, "lot_id", lotID, "language", lang, "error", res.Err)
			continue
		}
		if byLot[lotID] == nil {
			byLot[lotID] = make(map[string]string)
		}
		byLot[lotID][lang] = res.Text
	}

	lots, err := o.store.ListLots(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("listing lots: %w", err)
	}
	var updates []store.LotTranslationUpdate
	for _, lot := range lots {
		if lot.VisionResult == nil {
			continue
		}
		updates = append(updates, store.LotTranslationUpdate{
			LotID:        lot.LotID,
			Status:       models.LotStatusCompleted,
			Translations: byLot[lot.LotID],
		})
	}
	if len(updates) > 0 {
		if err := o.store.ApplyTranslationResults(ctx, job.ID, updates); err != nil {
			return fmt.Errorf("applying translation results: %w", err)
		}
	}

	return o.completeJob(ctx, job)
}

// completeJob moves the job to completed and schedules webhook
// deliveries exactly once. Lots the provider never answered for are
// failed first: a completed job holds only terminal lots.
func (o *Orchestrator) completeJob(ctx context.Context, job *models.Job) error {
	if err := o.failUnresolvedLots(ctx, job); err != nil {
		return err
	}
	if err := o.store.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted); err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	job.Status = models.JobStatusCompleted
	o.cacheStatus(ctx, job.ID, job.Status)

	has, err := o.store.HasDeliveries(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("checking deliveries: %w", err)
	}
	if has {
		return nil
	}

	fresh, err := o.store.GetJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("reloading job: %w", err)
	}
	lots, err := o.store.ListLots(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("listing lots: %w", err)
	}
	if err := o.notifier.CreateDeliveries(ctx, fresh, lots); err != nil {
		return fmt.Errorf("scheduling deliveries: %w", err)
	}
	o.logger.Info("job completed", "job_id", job.ID, "total_lots", fresh.TotalLots,
		"processed_lots", fresh.ProcessedLots, "failed_lots", fresh.FailedLots)
	return nil
}

// failUnresolvedLots fails any lot still waiting on a provider result.
// A request can vanish from the output file when the provider routes
// its error to the batch's error file instead.
func (o *Orchestrator) failUnresolvedLots(ctx context.Context, job *models.Job) error {
	lots, err := o.store.ListLots(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("listing lots: %w", err)
	}

	var updates []store.LotVisionUpdate
	for _, lot := range lots {
		if lot.Status == models.LotStatusPending || lot.Status == models.LotStatusProcessing {
			msg := "no result returned by provider"
			updates = append(updates, store.LotVisionUpdate{
				LotID:        lot.LotID,
				Status:       models.LotStatusFailed,
				ErrorMessage: &msg,
			})
		}
	}
	if len(updates) == 0 {
		return nil
	}

	o.logger.Warn("provider returned no result for some lots",
		"job_id", job.ID, "lots", len(updates))
	if err := o.store.ApplyVisionResults(ctx, job.ID, updates); err != nil {
		return fmt.Errorf("failing unresolved lots: %w", err)
	}
	return nil
}

func (o *Orchestrator) markFailed(ctx context.Context, job *models.Job, msg string) {
	if job.Status == models.JobStatusFailed {
		return
	}
	err := o.store.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed, store.WithErrorMessage(msg))
	if err != nil {
		o.logger.Error("marking job failed", "job_id", job.ID, "error", err)
		return
	}
	o.cacheStatus(ctx, job.ID, models.JobStatusFailed)
}

func (o *Orchestrator) cacheStatus(ctx context.Context, jobID uuid.UUID, status string) {
	if err := o.cache.SetJobStatus(ctx, jobID, status, 10*time.Minute); err != nil {
		o.logger.Warn("caching job status", "job_id", jobID, "error", err)
	}
}

func (o *Orchestrator) visionRequest(lot *models.Lot) inference.BatchRequest {
	prompt := o.cfg.VisionPrompt
	if lot.AdditionalInfo != "" {
		prompt += "\n\nAdditional information about this vehicle: " + lot.AdditionalInfo
	}

	content := make([]inference.Content, 0, len(lot.ImageURLs)+1)
	content = append(content, inference.Content{Type: "input_text", Text: prompt})
	for _, u := range lot.ImageURLs {
		content = append(content, inference.Content{Type: "input_image", ImageURL: u})
	}

	return inference.BatchRequest{
		CustomID: visionCustomID(lot.LotID),
		Method:   "POST",
		URL:      "/v1/responses",
		Body: inference.RequestBody{
			Model:           o.cfg.VisionModel,
			Input:           []inference.Message{{Role: "user", Content: content}},
			Reasoning:       &inference.Reasoning{Effort: o.cfg.ReasoningEffort},
			MaxOutputTokens: o.cfg.MaxOutputTokens,
		},
	}
}

func (o *Orchestrator) translationRequest(lot *models.Lot, lang string) inference.BatchRequest {
	prompt := fmt.Sprintf(
		"Translate the following vehicle damage description into %s. "+
			"Keep the professional tone and all factual details. "+
			"Return only the translated text.\n\n%s",
		lang, *lot.VisionResult)

	return inference.BatchRequest{
		CustomID: translationCustomID(lang, lot.LotID),
		Method:   "POST",
		URL:      "/v1/responses",
		Body: inference.RequestBody{
			Model: o.cfg.TranslationModel,
			Input: []inference.Message{{
				Role:    "user",
				Content: []inference.Content{{Type: "input_text", Text: prompt}},
			}},
			MaxOutputTokens: o.cfg.MaxOutputTokens,
		},
	}
}
