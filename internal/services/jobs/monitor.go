package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/imago/internal/common"
	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
)

// Monitor is the correctness backstop for job completion. The hot path
// completes jobs greedily on the last increment, but some paths skip their
// own completion check (a sentinel-writing oversize failure, a cheap
// re-register); the monitor catches those, and flags jobs whose counters
// have stopped moving.
type Monitor struct {
	storage      interfaces.JobStorage
	tracker      *Tracker
	eventService interfaces.EventService
	interval     time.Duration
	stallAfter   time.Duration
	logger       arbor.ILogger
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

func NewMonitor(storage interfaces.JobStorage, tracker *Tracker, eventService interfaces.EventService, cfg *common.MonitorConfig, logger arbor.ILogger) *Monitor {
	return &Monitor{
		storage:      storage,
		tracker:      tracker,
		eventService: eventService,
		interval:     common.DurationOr(cfg.Interval, 5*time.Second),
		stallAfter:   common.DurationOr(cfg.StallAfter, 30*time.Second),
		logger:       logger,
	}
}

// Start launches the periodic sweep.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	common.SafeGo(m.logger, "job-monitor", func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	})

	m.logger.Info().
		Str("interval", m.interval.String()).
		Str("stall_after", m.stallAfter.String()).
		Msg("Job monitor started")
}

// Stop halts the sweep loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info().Msg("Job monitor stopped")
}

func (m *Monitor) sweep(ctx context.Context) {
	jobs, err := m.storage.ListJobsByStatus(ctx,
		[]models.JobStatus{models.JobStatusPending, models.JobStatusRunning},
		[]models.JobType{models.JobTypeCollectionScan, models.JobTypeResume},
	)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to list in-progress jobs")
		return
	}

	for _, job := range jobs {
		if m.tracker.Complete(ctx, job) {
			continue
		}
		m.checkStalled(ctx, job)
	}
}

// checkStalled flags jobs whose counters stopped moving. Observation only:
// the status stays untouched so a revived pipeline can finish the job.
func (m *Monitor) checkStalled(ctx context.Context, job *models.ScanJob) {
	// A job still enumerating has no totals yet; silence is expected.
	if job.TotalItems <= 0 {
		return
	}

	idle := time.Since(job.LastProgressAt)

	if !job.Stalled && idle >= m.stallAfter {
		if err := m.storage.SetStalled(ctx, job.ID, true); err != nil {
			m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to flag stalled job")
			return
		}
		m.logger.Warn().
			Str("job_id", job.ID).
			Str("job_type", string(job.Type)).
			Float64("idle_sec", idle.Seconds()).
			Int("completed", job.CompletedItems).
			Int("total", job.TotalItems).
			Msg("Job stalled: no progress")

		m.eventService.Publish(ctx, interfaces.Event{
			Type: interfaces.EventJobStalled,
			Payload: map[string]interface{}{
				"job_id":        job.ID,
				"collection_id": job.CollectionID,
			},
		})
		return
	}

	if job.Stalled && idle < m.stallAfter {
		if err := m.storage.SetStalled(ctx, job.ID, false); err != nil {
			m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to clear stalled flag")
			return
		}
		m.logger.Info().
			Str("job_id", job.ID).
			Msg("Job resumed progress, stalled flag cleared")
	}
}
