package resume

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
	"github.com/ternarybob/imago/internal/queue"
	"github.com/ternarybob/imago/internal/services/jobs"
)

// Coordinator brings a collection to full artifact coverage without
// regenerating anything whose bytes already exist. It only schedules work;
// the generation consumers carry the idempotence rules that make repeated
// resumes cheap.
type Coordinator struct {
	collections interfaces.CollectionStorage
	tracker     *jobs.Tracker
	publisher   interfaces.Publisher
	logger      arbor.ILogger
}

func NewCoordinator(collections interfaces.CollectionStorage, tracker *jobs.Tracker, publisher interfaces.Publisher, logger arbor.ILogger) interfaces.ResumeCoordinator {
	return &Coordinator{
		collections: collections,
		tracker:     tracker,
		publisher:   publisher,
		logger:      logger,
	}
}

// ResumeCollection partitions missing coverage and schedules generation for
// it. Returns "" when the collection needs nothing.
func (c *Coordinator) ResumeCollection(ctx context.Context, collectionID string) (string, error) {
	collection, err := c.collections.Get(ctx, collectionID)
	if err != nil {
		return "", fmt.Errorf("failed to load collection %s: %w", collectionID, err)
	}

	direct := collection.Settings.UseDirectFileAccess && collection.Type == models.CollectionTypeFolder

	needsThumb, needsCache := c.partition(collection, direct)
	if len(needsThumb) == 0 && len(needsCache) == 0 {
		c.logger.Debug().
			Str("collection_id", collectionID).
			Msg("Collection already complete, nothing to resume")
		return "", nil
	}

	job, err := c.tracker.CreateJob(ctx, models.JobTypeResume, collectionID)
	if err != nil {
		return "", err
	}

	// Stages must exist before the first consumer increment can arrive.
	if err := c.tracker.InitStage(ctx, job.ID, models.StageThumbnail, len(needsThumb)); err != nil {
		return "", err
	}
	if err := c.tracker.InitStage(ctx, job.ID, models.StageCache, len(needsCache)); err != nil {
		return "", err
	}

	if direct {
		if err := c.registerDirectReferences(ctx, collection, job.ID, needsThumb, needsCache); err != nil {
			c.tracker.Fail(ctx, job.ID, fmt.Sprintf("Resume: %v", err))
			return job.ID, err
		}
		c.tracker.CheckCompletion(ctx, job.ID)
		c.logger.Info().
			Str("job_id", job.ID).
			Str("collection_id", collectionID).
			Int("thumbnail_refs", len(needsThumb)).
			Int("cache_refs", len(needsCache)).
			Msg("Collection resumed with direct file references")
		return job.ID, nil
	}

	published := c.publishGenerations(ctx, collection, job.ID, needsThumb, needsCache)

	c.logger.Info().
		Str("job_id", job.ID).
		Str("collection_id", collectionID).
		Int("needs_thumbnail", len(needsThumb)).
		Int("needs_cache", len(needsCache)).
		Int("published", published).
		Msg("Collection resume scheduled")

	return job.ID, nil
}

// ResumeAll sweeps every collection. One broken collection does not stop the
// sweep; failures are logged and the rest proceed.
func (c *Coordinator) ResumeAll(ctx context.Context) ([]string, error) {
	collections, err := c.collections.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}

	var jobIDs []string
	for _, collection := range collections {
		jobID, err := c.ResumeCollection(ctx, collection.ID)
		if err != nil {
			c.logger.Warn().Err(err).
				Str("collection_id", collection.ID).
				Msg("Failed to resume collection")
			continue
		}
		if jobID != "" {
			jobIDs = append(jobIDs, jobID)
		}
	}

	c.logger.Info().
		Int("collections", len(collections)).
		Int("jobs", len(jobIDs)).
		Msg("Resume sweep finished")
	return jobIDs, nil
}

// partition splits images into those missing thumbnail coverage and those
// missing cache coverage. Sentinels count as covered: a permanent failure is
// handled, not missing. Direct mode ignores recorded dimensions because
// reference entries carry source dimensions, not render settings.
func (c *Coordinator) partition(collection *models.Collection, direct bool) (needsThumb, needsCache []*models.Image) {
	settings := collection.Settings
	for idx := range collection.Images {
		img := &collection.Images[idx]
		if direct {
			if !hasAnyThumbnail(collection, img.ID) {
				needsThumb = append(needsThumb, img)
			}
			if !collection.HasCacheFor(img.ID) {
				needsCache = append(needsCache, img)
			}
			continue
		}
		if settings.GenerateThumbnails && !collection.HasThumbnailFor(img.ID, settings.ThumbnailWidth, settings.ThumbnailHeight) {
			needsThumb = append(needsThumb, img)
		}
		if settings.GenerateCache && !collection.HasCacheFor(img.ID) {
			needsCache = append(needsCache, img)
		}
	}
	return needsThumb, needsCache
}

func hasAnyThumbnail(collection *models.Collection, imageID string) bool {
	for idx := range collection.Thumbnails {
		if collection.Thumbnails[idx].ImageID == imageID {
			return true
		}
	}
	return false
}

// registerDirectReferences materializes coverage as pointers at the source
// images. No messages, no artifacts; the stage counters move by the batch
// counts and the job completes in the same call.
func (c *Coordinator) registerDirectReferences(ctx context.Context, collection *models.Collection, jobID string, needsThumb, needsCache []*models.Image) error {
	now := time.Now()

	if len(needsThumb) > 0 {
		entries := make([]models.ThumbnailEntry, 0, len(needsThumb))
		for _, img := range needsThumb {
			entries = append(entries, models.ThumbnailEntry{
				ImageID:   img.ID,
				Path:      models.NormalizeSourcePath(img.SourcePath(collection)),
				Width:     img.Width,
				Height:    img.Height,
				Format:    img.Format,
				Quality:   100,
				SizeBytes: img.SizeBytes,
				CreatedAt: now,
			})
		}
		if _, err := c.collections.AtomicAddThumbnails(ctx, collection.ID, entries); err != nil {
			return fmt.Errorf("failed to add direct thumbnail references: %w", err)
		}
		c.tracker.StageProgress(ctx, jobID, models.StageThumbnail, len(entries))
	}

	if len(needsCache) > 0 {
		entries := make([]models.CacheEntry, 0, len(needsCache))
		for _, img := range needsCache {
			entries = append(entries, models.CacheEntry{
				ImageID:   img.ID,
				Path:      models.NormalizeSourcePath(img.SourcePath(collection)),
				Width:     img.Width,
				Height:    img.Height,
				Format:    img.Format,
				Quality:   100,
				SizeBytes: img.SizeBytes,
				CreatedAt: now,
			})
		}
		if _, err := c.collections.AtomicAddCacheImages(ctx, collection.ID, entries); err != nil {
			return fmt.Errorf("failed to add direct cache references: %w", err)
		}
		c.tracker.StageProgress(ctx, jobID, models.StageCache, len(entries))
	}

	return nil
}

// publishGenerations enqueues one message per needed artifact. A publish
// failure counts against the stage so the job can still reach its totals.
func (c *Coordinator) publishGenerations(ctx context.Context, collection *models.Collection, jobID string, needsThumb, needsCache []*models.Image) int {
	settings := collection.Settings
	published := 0

	for _, img := range needsThumb {
		msg := models.ThumbnailGenerationMessage{
			CollectionID:  collection.ID,
			ImageID:       img.ID,
			ImagePath:     models.NormalizeSourcePath(img.SourcePath(collection)),
			ImageFilename: img.Filename,
			Width:         settings.ThumbnailWidth,
			Height:        settings.ThumbnailHeight,
			JobID:         jobID,
			ScanJobID:     jobID,
		}
		if err := queue.PublishMessage(ctx, c.publisher, models.MessageTypeThumbnailGeneration, msg); err != nil {
			c.logger.Warn().Err(err).
				Str("image_id", img.ID).
				Msg("Failed to publish thumbnail generation")
			c.tracker.StageFailed(ctx, jobID, models.StageThumbnail, 1)
			continue
		}
		published++
	}

	for _, img := range needsCache {
		msg := models.CacheGenerationMessage{
			CollectionID: collection.ID,
			ImageID:      img.ID,
			ImagePath:    models.NormalizeSourcePath(img.SourcePath(collection)),
			Width:        settings.CacheWidth,
			Height:       settings.CacheHeight,
			Format:       settings.CacheFormat,
			Quality:      settings.CacheQuality,
			JobID:        jobID,
			ScanJobID:    jobID,
		}
		if err := queue.PublishMessage(ctx, c.publisher, models.MessageTypeCacheGeneration, msg); err != nil {
			c.logger.Warn().Err(err).
				Str("image_id", img.ID).
				Msg("Failed to publish cache generation")
			c.tracker.StageFailed(ctx, jobID, models.StageCache, 1)
			continue
		}
		published++
	}

	return published
}
