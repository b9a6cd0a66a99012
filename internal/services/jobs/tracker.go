package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/imago/internal/common"
	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
)

// Tracker is the pipeline's face onto job state. Consumers report progress
// through it; it absorbs storage failures into logs because accounting must
// never fail the work it accounts for. Messages without a job id are legal
// (ad-hoc generations carry none) and every method tolerates them.
type Tracker struct {
	storage      interfaces.JobStorage
	eventService interfaces.EventService
	logger       arbor.ILogger
}

func NewTracker(storage interfaces.JobStorage, eventService interfaces.EventService, logger arbor.ILogger) *Tracker {
	return &Tracker{
		storage:      storage,
		eventService: eventService,
		logger:       logger,
	}
}

// CreateJob registers a new pending job and announces it.
func (t *Tracker) CreateJob(ctx context.Context, jobType models.JobType, collectionID string) (*models.ScanJob, error) {
	job := models.NewScanJob(common.NewJobID(), jobType, collectionID)
	if err := t.storage.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create %s job: %w", jobType, err)
	}

	t.eventService.Publish(ctx, interfaces.Event{
		Type: interfaces.EventJobCreated,
		Payload: map[string]interface{}{
			"job_id":        job.ID,
			"job_type":      string(jobType),
			"collection_id": collectionID,
		},
	})

	return job, nil
}

// InitStage writes a stage total before any message referencing the stage
// is published. Creation failures propagate: publishing against an
// uninitialized stage would strand every increment.
func (t *Tracker) InitStage(ctx context.Context, jobID, stage string, total int) error {
	if jobID == "" {
		return nil
	}
	if err := t.storage.InitStage(ctx, jobID, stage, total); err != nil {
		return fmt.Errorf("failed to init stage %s on job %s: %w", stage, jobID, err)
	}
	return nil
}

// StageProgress counts handled items against a stage. A missing stage is a
// pipeline bug (the publisher skipped InitStage); it is logged loudly and
// never retried, the monitor completes the job when counters allow.
func (t *Tracker) StageProgress(ctx context.Context, jobID, stage string, by int) {
	if jobID == "" || by == 0 {
		return
	}
	if err := t.storage.IncrementStageProgress(ctx, jobID, stage, by); err != nil {
		t.logIncrementFailure(ctx, jobID, stage, err)
	}
}

// StageFailed counts failures against a stage. Failed items also advance
// stage progress so the stage can reach its total.
func (t *Tracker) StageFailed(ctx context.Context, jobID, stage string, by int) {
	if jobID == "" || by == 0 {
		return
	}
	if err := t.storage.IncrementStageFailed(ctx, jobID, stage, by); err != nil {
		t.logIncrementFailure(ctx, jobID, stage, err)
		return
	}
	if err := t.storage.IncrementStageProgress(ctx, jobID, stage, by); err != nil {
		t.logIncrementFailure(ctx, jobID, stage, err)
	}
}

func (t *Tracker) logIncrementFailure(ctx context.Context, jobID, stage string, err error) {
	if errors.Is(err, interfaces.ErrNotFound) {
		// Either the stage was never initialized or the job was deleted
		// under a racing bulk operation.
		t.logger.Error().
			Str("job_id", jobID).
			Str("stage", stage).
			Msg("Stage increment targets a missing stage or job")
		t.Error(ctx, jobID, models.ErrorKindSchemaAbsent)
		return
	}
	t.logger.Warn().Err(err).
		Str("job_id", jobID).
		Str("stage", stage).
		Msg("Failed to increment stage counter")
}

// Completed counts one finished item on the job-level counters.
func (t *Tracker) Completed(ctx context.Context, jobID, imageID string, bytes int64) {
	if jobID == "" {
		return
	}
	if err := t.storage.IncrementCompleted(ctx, jobID, imageID, bytes); err != nil {
		t.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to increment completed count")
	}
}

func (t *Tracker) Failed(ctx context.Context, jobID, imageID string) {
	if jobID == "" {
		return
	}
	if err := t.storage.IncrementFailed(ctx, jobID, imageID); err != nil {
		t.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to increment failed count")
	}
}

func (t *Tracker) Skipped(ctx context.Context, jobID, imageID string) {
	if jobID == "" {
		return
	}
	if err := t.storage.IncrementSkipped(ctx, jobID, imageID); err != nil {
		t.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to increment skipped count")
	}
}

// Error buckets one fault by kind. Every tenth occurrence of a kind is
// surfaced as a warning; operators watch failed counts, not stack traces.
func (t *Tracker) Error(ctx context.Context, jobID, kind string) {
	if jobID == "" {
		return
	}
	count, err := t.storage.TrackError(ctx, jobID, kind)
	if err != nil {
		t.logger.Warn().Err(err).Str("job_id", jobID).Str("kind", kind).Msg("Failed to track error")
		return
	}
	if count%10 == 0 {
		t.logger.Warn().
			Str("job_id", jobID).
			Str("kind", kind).
			Int("count", count).
			Msg("Job error bucket crossed threshold")
	}
}

// EnsureRunning flips a pending job to running on its first observed
// activity. Long jobs would otherwise sit visibly pending while the
// generator grinds through them.
func (t *Tracker) EnsureRunning(ctx context.Context, jobID string) {
	if jobID == "" {
		return
	}
	job, err := t.storage.GetJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			t.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to load job for heartbeat")
		}
		return
	}
	if job.Status != models.JobStatusPending {
		return
	}
	if err := t.storage.SetJobStatus(ctx, jobID, models.JobStatusRunning); err != nil {
		t.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to mark job running")
	}
}

// CheckCompletion completes stages and the job greedily on the hot path so
// the monitor only has to catch stragglers. Safe to call after every batch.
func (t *Tracker) CheckCompletion(ctx context.Context, jobID string) {
	if jobID == "" {
		return
	}
	job, err := t.storage.GetJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			t.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to load job for completion check")
		}
		return
	}
	t.Complete(ctx, job)
}

// Complete applies the completion rules to an already-loaded job: each
// stage at its total is marked completed, and when every stage (or the
// global counters, for stageless jobs) has finished, the job completes.
func (t *Tracker) Complete(ctx context.Context, job *models.ScanJob) bool {
	if job.Status.IsTerminal() {
		return false
	}

	for name, stage := range job.Stages {
		if stage.Complete() && stage.Status != models.JobStatusCompleted {
			if err := t.storage.SetStageStatus(ctx, job.ID, name, models.JobStatusCompleted); err != nil {
				t.logger.Warn().Err(err).Str("job_id", job.ID).Str("stage", name).Msg("Failed to complete stage")
			}
		}
	}

	if !job.StagesComplete() {
		return false
	}

	if err := t.storage.SetJobStatus(ctx, job.ID, models.JobStatusCompleted); err != nil {
		t.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to complete job")
		return false
	}

	t.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Int("completed", job.CompletedItems).
		Int("failed", job.FailedItems).
		Int("skipped", job.SkippedItems).
		Msg("Job completed")

	t.eventService.Publish(ctx, interfaces.Event{
		Type: interfaces.EventJobCompleted,
		Payload: map[string]interface{}{
			"job_id":        job.ID,
			"job_type":      string(job.Type),
			"collection_id": job.CollectionID,
		},
	})

	return true
}

// Finish marks a dispatch-style job completed outright. Library scans and
// bulk deletes have no downstream consumers feeding counters back; their
// work ends when the handler returns.
func (t *Tracker) Finish(ctx context.Context, jobID string) {
	if jobID == "" {
		return
	}
	job, err := t.storage.GetJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			t.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to load job to finish")
		}
		return
	}
	if job.Status.IsTerminal() {
		return
	}
	if err := t.storage.SetJobStatus(ctx, jobID, models.JobStatusCompleted); err != nil {
		t.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to finish job")
		return
	}

	t.logger.Info().
		Str("job_id", jobID).
		Str("job_type", string(job.Type)).
		Int("completed", job.CompletedItems).
		Msg("Job finished")

	t.eventService.Publish(ctx, interfaces.Event{
		Type: interfaces.EventJobCompleted,
		Payload: map[string]interface{}{
			"job_id":        job.ID,
			"job_type":      string(job.Type),
			"collection_id": job.CollectionID,
		},
	})
}

// Fail marks a job failed with a concise reason.
func (t *Tracker) Fail(ctx context.Context, jobID, reason string) {
	if jobID == "" {
		return
	}
	if err := t.storage.SetJobError(ctx, jobID, reason); err != nil {
		t.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to record job error")
	}
	if err := t.storage.SetJobStatus(ctx, jobID, models.JobStatusFailed); err != nil {
		t.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to mark job failed")
	}
}
