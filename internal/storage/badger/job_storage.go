package badger

import (
	"context"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// JobStorage implements the JobStorage interface for Badger.
//
// Counter operations are unconditional increments inside a conflict-retried
// transaction: redelivered messages increment again, so counters can
// overshoot their totals. That overshoot is tolerated and visible rather
// than hidden behind exactly-once bookkeeping.
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

// update applies mutate to the stored job inside one transaction, retrying
// when a concurrent writer wins the commit. Counter bumps arrive from every
// consumer in parallel, so conflicts here are routine.
func (s *JobStorage) update(jobID string, mutate func(*models.ScanJob) error) error {
	for attempt := 0; ; attempt++ {
		err := s.db.Store().Badger().Update(func(tx *badgerdb.Txn) error {
			var job models.ScanJob
			if err := s.db.Store().TxGet(tx, jobID, &job); err != nil {
				if err == badgerhold.ErrNotFound {
					return fmt.Errorf("job %s: %w", jobID, interfaces.ErrNotFound)
				}
				return err
			}
			if err := mutate(&job); err != nil {
				return err
			}
			return s.db.Store().TxUpdate(tx, jobID, job)
		})
		if err == badgerdb.ErrConflict && attempt < maxTxnRetries {
			time.Sleep(time.Duration(attempt+1) * time.Millisecond)
			continue
		}
		return err
	}
}

func (s *JobStorage) CreateJob(ctx context.Context, job *models.ScanJob) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	if err := s.db.Store().Insert(job.ID, *job); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Debug().
		Str("job_id", job.ID).
		Str("type", string(job.Type)).
		Str("collection_id", job.CollectionID).
		Msg("Scan job created")
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.ScanJob, error) {
	var job models.ScanJob
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job %s: %w", jobID, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) ListJobsByStatus(ctx context.Context, statuses []models.JobStatus, types []models.JobType) ([]*models.ScanJob, error) {
	query := badgerhold.Where("ID").Ne("")
	if len(statuses) > 0 {
		vals := make([]interface{}, len(statuses))
		for i, status := range statuses {
			vals[i] = status
		}
		query = badgerhold.Where("Status").In(vals...)
	}
	if len(types) > 0 {
		vals := make([]interface{}, len(types))
		for i, jobType := range types {
			vals[i] = jobType
		}
		query = query.And("Type").In(vals...)
	}

	var jobs []models.ScanJob
	if err := s.db.Store().Find(&jobs, query.SortBy("CreatedAt").Reverse()); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.ScanJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) DeleteJob(ctx context.Context, jobID string) error {
	if err := s.db.Store().Delete(jobID, &models.ScanJob{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// InitStage creates or resizes a stage and folds the total delta into the
// job total, keeping the job total equal to the sum of its stage totals even
// when a scan message is redelivered. Must run before any message
// referencing the stage is published, otherwise the progress increments have
// no field to target.
func (s *JobStorage) InitStage(ctx context.Context, jobID string, stage string, totalItems int) error {
	return s.update(jobID, func(job *models.ScanJob) error {
		if job.Stages == nil {
			job.Stages = make(map[string]*models.JobStage)
		}
		existing, ok := job.Stages[stage]
		if !ok {
			job.Stages[stage] = &models.JobStage{
				TotalItems: totalItems,
				Status:     models.JobStatusPending,
			}
			job.TotalItems += totalItems
		} else {
			job.TotalItems += totalItems - existing.TotalItems
			existing.TotalItems = totalItems
		}
		job.LastProgressAt = time.Now()
		return nil
	})
}

// IncrementStageProgress bumps the stage completed counter. An increment
// against a stage that was never initialized returns ErrNotFound; the caller
// logs it loudly and moves on, because there is no field to target and a
// retry cannot fix that.
func (s *JobStorage) IncrementStageProgress(ctx context.Context, jobID string, stage string, by int) error {
	return s.update(jobID, func(job *models.ScanJob) error {
		st := job.Stage(stage)
		if st == nil {
			return fmt.Errorf("job %s stage %q: %w", jobID, stage, interfaces.ErrNotFound)
		}
		st.CompletedItems += by
		job.LastProgressAt = time.Now()
		return nil
	})
}

func (s *JobStorage) IncrementStageFailed(ctx context.Context, jobID string, stage string, by int) error {
	return s.update(jobID, func(job *models.ScanJob) error {
		st := job.Stage(stage)
		if st == nil {
			return fmt.Errorf("job %s stage %q: %w", jobID, stage, interfaces.ErrNotFound)
		}
		st.FailedItems += by
		job.LastProgressAt = time.Now()
		return nil
	})
}

func (s *JobStorage) IncrementCompleted(ctx context.Context, jobID string, imageID string, bytes int64) error {
	err := s.update(jobID, func(job *models.ScanJob) error {
		job.CompletedItems++
		job.BytesProcessed += bytes
		job.LastProgressAt = time.Now()
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Trace().
		Str("job_id", jobID).
		Str("image_id", imageID).
		Int64("bytes", bytes).
		Msg("Job item completed")
	return nil
}

func (s *JobStorage) IncrementFailed(ctx context.Context, jobID string, imageID string) error {
	err := s.update(jobID, func(job *models.ScanJob) error {
		job.FailedItems++
		job.LastProgressAt = time.Now()
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Trace().
		Str("job_id", jobID).
		Str("image_id", imageID).
		Msg("Job item failed")
	return nil
}

func (s *JobStorage) IncrementSkipped(ctx context.Context, jobID string, imageID string) error {
	return s.update(jobID, func(job *models.ScanJob) error {
		job.SkippedItems++
		job.LastProgressAt = time.Now()
		return nil
	})
}

// TrackError bumps the per-kind error bucket and returns the new count so
// the caller can decide when to escalate log severity.
func (s *JobStorage) TrackError(ctx context.Context, jobID string, kind string) (int, error) {
	count := 0
	err := s.update(jobID, func(job *models.ScanJob) error {
		if job.ErrorCounts == nil {
			job.ErrorCounts = make(map[string]int)
		}
		job.ErrorCounts[kind]++
		count = job.ErrorCounts[kind]
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// SetJobStatus transitions the job. Transitions out of a terminal status are
// ignored, so a late heartbeat cannot resurrect a completed job.
func (s *JobStorage) SetJobStatus(ctx context.Context, jobID string, status models.JobStatus) error {
	refused := false
	err := s.update(jobID, func(job *models.ScanJob) error {
		refused = false
		if job.Status == status {
			return nil
		}
		if job.Status.IsTerminal() {
			refused = true
			return nil
		}

		job.Status = status
		now := time.Now()
		if status == models.JobStatusRunning && job.StartedAt.IsZero() {
			job.StartedAt = now
		} else if status.IsTerminal() {
			job.CompletedAt = now
			if job.StartedAt.IsZero() {
				job.StartedAt = job.CreatedAt
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if refused {
		s.logger.Debug().
			Str("job_id", jobID).
			Str("requested_status", string(status)).
			Msg("Ignoring status transition on terminal job")
	}
	return nil
}

func (s *JobStorage) SetStageStatus(ctx context.Context, jobID string, stage string, status models.JobStatus) error {
	return s.update(jobID, func(job *models.ScanJob) error {
		st := job.Stage(stage)
		if st == nil {
			return fmt.Errorf("job %s stage %q: %w", jobID, stage, interfaces.ErrNotFound)
		}
		st.Status = status
		return nil
	})
}

// SetStalled flips the monitor's stall observation flag. Not a status; a
// stalled job keeps accepting increments and un-stalls on the next progress.
func (s *JobStorage) SetStalled(ctx context.Context, jobID string, stalled bool) error {
	return s.update(jobID, func(job *models.ScanJob) error {
		job.Stalled = stalled
		return nil
	})
}

func (s *JobStorage) SetJobError(ctx context.Context, jobID string, message string) error {
	return s.update(jobID, func(job *models.ScanJob) error {
		job.Error = message
		return nil
	})
}
