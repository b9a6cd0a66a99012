package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/imago/internal/common"
	"github.com/ternarybob/imago/internal/interfaces"
)

// Service implements SchedulerService: a cron-driven trigger for scanning
// every auto-scan library. One scan cycle at a time; a cycle that overruns
// its schedule makes the next tick skip instead of stack.
type Service struct {
	scanService interfaces.ScanService
	cron        *cron.Cron
	schedule    string
	logger      arbor.ILogger
	mu          sync.Mutex // Protects scanning
	scanning    bool
	running     bool
}

// NewService creates a new scheduler service
func NewService(scanService interfaces.ScanService, cfg *common.SchedulerConfig, logger arbor.ILogger) interfaces.SchedulerService {
	return &Service{
		scanService: scanService,
		cron:        cron.New(),
		schedule:    cfg.Schedule,
		logger:      logger,
	}
}

// Start begins the scheduler with the configured cron expression
func (s *Service) Start() error {
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	schedule := s.schedule
	if schedule == "" {
		schedule = "@hourly"
	}

	if _, err := s.cron.AddFunc(schedule, s.runScheduledScan); err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", schedule).
		Msg("Scheduler started")
	return nil
}

// Stop halts the scheduler
func (s *Service) Stop() error {
	if !s.running {
		return nil
	}

	s.cron.Stop()
	s.running = false

	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// IsRunning returns true if the scheduler is active
func (s *Service) IsRunning() bool {
	return s.running
}

// TriggerScanNow manually triggers a scan of all auto-scan libraries
func (s *Service) TriggerScanNow() error {
	s.logger.Info().Msg("Manual scan trigger requested")

	if !s.beginScan() {
		return fmt.Errorf("a scan cycle is already in progress")
	}
	defer s.endScan()

	jobIDs, err := s.scanService.ScanAllLibraries(context.Background())
	if err != nil {
		return fmt.Errorf("failed to trigger scan: %w", err)
	}

	s.logger.Info().
		Int("jobs", len(jobIDs)).
		Msg("Manual scan dispatched")
	return nil
}

// runScheduledScan executes one scheduled scan cycle
func (s *Service) runScheduledScan() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("PANIC RECOVERED in scheduled scan")
		}
	}()

	if !s.beginScan() {
		s.logger.Debug().Msg("Previous scan cycle still in progress, skipping")
		return
	}
	defer s.endScan()

	s.logger.Info().Msg("Scheduled library scan starting")

	jobIDs, err := s.scanService.ScanAllLibraries(context.Background())
	if err != nil {
		s.logger.Error().Err(err).Msg("Scheduled scan failed")
		return
	}

	s.logger.Info().
		Int("jobs", len(jobIDs)).
		Msg("Scheduled library scan dispatched")
}

func (s *Service) beginScan() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanning {
		return false
	}
	s.scanning = true
	return true
}

func (s *Service) endScan() {
	s.mu.Lock()
	s.scanning = false
	s.mu.Unlock()
}
