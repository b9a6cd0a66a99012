package workers

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
	"github.com/ternarybob/imago/internal/queue"
	"github.com/ternarybob/imago/internal/services/jobs"
)

// ScanService turns scan requests into tracked jobs and queue traffic. It
// touches no filesystem itself; the consumers carry the pipeline from the
// first message onward.
type ScanService struct {
	libraries   interfaces.LibraryStorage
	collections interfaces.CollectionStorage
	tracker     *jobs.Tracker
	publisher   interfaces.Publisher
	logger      arbor.ILogger
}

func NewScanService(libraries interfaces.LibraryStorage, collections interfaces.CollectionStorage, tracker *jobs.Tracker, publisher interfaces.Publisher, logger arbor.ILogger) interfaces.ScanService {
	return &ScanService{
		libraries:   libraries,
		collections: collections,
		tracker:     tracker,
		publisher:   publisher,
		logger:      logger,
	}
}

func (s *ScanService) ScanLibrary(ctx context.Context, libraryID string) (string, error) {
	library, err := s.libraries.Get(ctx, libraryID)
	if err != nil {
		return "", fmt.Errorf("failed to load library %s: %w", libraryID, err)
	}

	job, err := s.tracker.CreateJob(ctx, models.JobTypeLibraryScan, "")
	if err != nil {
		return "", err
	}

	msg := models.LibraryScanMessage{
		LibraryID:   library.ID,
		LibraryPath: library.RootPath,
		ScanJobID:   job.ID,
	}
	if err := queue.PublishMessage(ctx, s.publisher, models.MessageTypeLibraryScan, msg); err != nil {
		s.tracker.Fail(ctx, job.ID, "failed to publish library scan")
		return "", fmt.Errorf("failed to publish library scan for %s: %w", libraryID, err)
	}

	s.logger.Info().
		Str("library_id", library.ID).
		Str("library_path", library.RootPath).
		Str("job_id", job.ID).
		Msg("Library scan queued")

	return job.ID, nil
}

func (s *ScanService) ScanAllLibraries(ctx context.Context) ([]string, error) {
	libraries, err := s.libraries.ListAutoScan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list auto-scan libraries: %w", err)
	}

	jobIDs := make([]string, 0, len(libraries))
	for _, library := range libraries {
		jobID, err := s.ScanLibrary(ctx, library.ID)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("library_id", library.ID).
				Msg("Failed to queue library scan, continuing with remaining libraries")
			continue
		}
		jobIDs = append(jobIDs, jobID)
	}

	s.logger.Info().
		Int("libraries", len(libraries)).
		Int("queued", len(jobIDs)).
		Msg("Auto-scan sweep queued")

	return jobIDs, nil
}

func (s *ScanService) ScanCollection(ctx context.Context, collectionID string) (string, error) {
	collection, err := s.collections.Get(ctx, collectionID)
	if err != nil {
		return "", fmt.Errorf("failed to load collection %s: %w", collectionID, err)
	}

	job, err := s.tracker.CreateJob(ctx, models.JobTypeCollectionScan, collection.ID)
	if err != nil {
		return "", err
	}

	msg := models.CollectionScanMessage{
		CollectionID:   collection.ID,
		CollectionPath: collection.Path,
		ScanJobID:      job.ID,
	}
	if err := queue.PublishMessage(ctx, s.publisher, models.MessageTypeCollectionScan, msg); err != nil {
		s.tracker.Fail(ctx, job.ID, "failed to publish collection scan")
		return "", fmt.Errorf("failed to publish collection scan for %s: %w", collectionID, err)
	}

	s.logger.Info().
		Str("collection_id", collection.ID).
		Str("collection_name", collection.Name).
		Str("job_id", job.ID).
		Msg("Collection scan queued")

	return job.ID, nil
}
