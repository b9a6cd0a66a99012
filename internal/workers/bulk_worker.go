package workers

import (
	"context"
	"errors"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
	"github.com/ternarybob/imago/internal/queue"
	"github.com/ternarybob/imago/internal/services/jobs"
)

// BulkWorker consumes bulk.operation: coarse operations that span a whole
// collection or the whole library set. Deletes tear down storage, artifacts,
// and the read index together; regenerates republish generation traffic;
// resume ops delegate to the coordinator.
type BulkWorker struct {
	collections   interfaces.CollectionStorage
	artifacts     interfaces.ArtifactStore
	indexNotifier interfaces.IndexNotifier
	resume        interfaces.ResumeCoordinator
	tracker       *jobs.Tracker
	publisher     interfaces.Publisher
	logger        arbor.ILogger
}

func NewBulkWorker(collections interfaces.CollectionStorage, artifacts interfaces.ArtifactStore, indexNotifier interfaces.IndexNotifier, resume interfaces.ResumeCoordinator, tracker *jobs.Tracker, publisher interfaces.Publisher, logger arbor.ILogger) *BulkWorker {
	return &BulkWorker{
		collections:   collections,
		artifacts:     artifacts,
		indexNotifier: indexNotifier,
		resume:        resume,
		tracker:       tracker,
		publisher:     publisher,
		logger:        logger,
	}
}

func (w *BulkWorker) Handle(ctx context.Context, delivery *interfaces.Delivery) queue.Outcome {
	var msg models.BulkOperationMessage
	if err := models.DecodeMessage(delivery.Body, &msg); err != nil {
		w.logger.Error().Err(err).Str("message_id", delivery.ID).Msg("Malformed bulk operation message")
		return queue.OutcomeDrop
	}

	switch msg.OpType {
	case models.BulkOpDeleteCollection:
		return w.deleteCollection(ctx, msg.Param("collection_id"))
	case models.BulkOpRegenerateCollection:
		return w.regenerateCollection(ctx, msg.Param("collection_id"))
	case models.BulkOpResumeCollection:
		return w.resumeCollection(ctx, msg.Param("collection_id"))
	case models.BulkOpResumeAll:
		return w.resumeAll(ctx)
	default:
		w.logger.Error().Str("op_type", string(msg.OpType)).Msg("Unknown bulk operation")
		return queue.OutcomeDrop
	}
}

// deleteCollection removes the collection document, its artifact tree, and
// its read-index entry. The storage row is the contract; artifact and index
// cleanup are best-effort and logged when they misbehave.
func (w *BulkWorker) deleteCollection(ctx context.Context, collectionID string) queue.Outcome {
	if collectionID == "" {
		w.logger.Error().Msg("Bulk delete without collection_id")
		return queue.OutcomeDrop
	}

	collection, err := w.collections.Get(ctx, collectionID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			w.logger.Debug().Str("collection_id", collectionID).Msg("Collection already deleted")
			return queue.OutcomeAck
		}
		w.logger.Warn().Err(err).Str("collection_id", collectionID).Msg("Failed to load collection, will retry")
		return queue.OutcomeRequeue
	}

	if err := w.collections.Delete(ctx, collectionID); err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		w.logger.Warn().Err(err).Str("collection_id", collectionID).Msg("Failed to delete collection, will retry")
		return queue.OutcomeRequeue
	}

	if err := w.artifacts.RemoveCollection(collectionID); err != nil {
		w.logger.Warn().Err(err).Str("collection_id", collectionID).Msg("Failed to remove artifact tree, orphaned files remain")
	}
	if err := w.indexNotifier.CollectionDeleted(ctx, collectionID); err != nil {
		w.logger.Warn().Err(err).Str("collection_id", collectionID).Msg("Failed to notify index of deletion")
	}

	// The job is an audit record of the completed delete.
	if job, err := w.tracker.CreateJob(ctx, models.JobTypeBulkOperation, collectionID); err == nil {
		w.tracker.Finish(ctx, job.ID)
	}

	w.logger.Info().
		Str("collection_id", collectionID).
		Str("collection_name", collection.Name).
		Int("images", len(collection.Images)).
		Msg("Collection deleted")

	return queue.OutcomeAck
}

// regenerateCollection republishes generation messages for every image. Cache
// renders carry ForceRegenerate so existing bytes are overwritten; thumbnails
// are dimension-keyed, so regeneration takes effect when settings changed.
func (w *BulkWorker) regenerateCollection(ctx context.Context, collectionID string) queue.Outcome {
	if collectionID == "" {
		w.logger.Error().Msg("Bulk regenerate without collection_id")
		return queue.OutcomeDrop
	}

	collection, err := w.collections.Get(ctx, collectionID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			w.logger.Debug().Str("collection_id", collectionID).Msg("Collection gone, nothing to regenerate")
			return queue.OutcomeAck
		}
		w.logger.Warn().Err(err).Str("collection_id", collectionID).Msg("Failed to load collection, will retry")
		return queue.OutcomeRequeue
	}

	settings := collection.Settings
	if len(collection.Images) == 0 || (!settings.GenerateThumbnails && !settings.GenerateCache) {
		w.logger.Debug().Str("collection_id", collectionID).Msg("Nothing to regenerate")
		return queue.OutcomeAck
	}

	job, err := w.tracker.CreateJob(ctx, models.JobTypeBulkOperation, collectionID)
	if err != nil {
		w.logger.Warn().Err(err).Str("collection_id", collectionID).Msg("Failed to create regeneration job, will retry")
		return queue.OutcomeRequeue
	}

	if settings.GenerateThumbnails {
		if err := w.tracker.InitStage(ctx, job.ID, models.StageThumbnail, len(collection.Images)); err != nil {
			w.tracker.Fail(ctx, job.ID, "failed to init thumbnail stage")
			return queue.OutcomeRequeue
		}
	}
	if settings.GenerateCache {
		if err := w.tracker.InitStage(ctx, job.ID, models.StageCache, len(collection.Images)); err != nil {
			w.tracker.Fail(ctx, job.ID, "failed to init cache stage")
			return queue.OutcomeRequeue
		}
	}

	published := 0
	for i := range collection.Images {
		img := &collection.Images[i]
		sourcePath := img.SourcePath(collection)

		if settings.GenerateThumbnails {
			tmsg := models.ThumbnailGenerationMessage{
				CollectionID:  collection.ID,
				ImageID:       img.ID,
				ImagePath:     sourcePath,
				ImageFilename: img.Filename,
				Width:         settings.ThumbnailWidth,
				Height:        settings.ThumbnailHeight,
				JobID:         job.ID,
				ScanJobID:     job.ID,
			}
			if err := queue.PublishMessage(ctx, w.publisher, models.MessageTypeThumbnailGeneration, tmsg); err != nil {
				w.logger.Warn().Err(err).Str("image_id", img.ID).Msg("Failed to publish thumbnail regeneration")
				w.tracker.StageFailed(ctx, job.ID, models.StageThumbnail, 1)
				w.tracker.Failed(ctx, job.ID, img.ID)
			} else {
				published++
			}
		}
		if settings.GenerateCache {
			cmsg := models.CacheGenerationMessage{
				CollectionID:    collection.ID,
				ImageID:         img.ID,
				ImagePath:       sourcePath,
				Width:           settings.CacheWidth,
				Height:          settings.CacheHeight,
				Format:          settings.CacheFormat,
				Quality:         settings.CacheQuality,
				ForceRegenerate: true,
				JobID:           job.ID,
				ScanJobID:       job.ID,
			}
			if err := queue.PublishMessage(ctx, w.publisher, models.MessageTypeCacheGeneration, cmsg); err != nil {
				w.logger.Warn().Err(err).Str("image_id", img.ID).Msg("Failed to publish cache regeneration")
				w.tracker.StageFailed(ctx, job.ID, models.StageCache, 1)
				w.tracker.Failed(ctx, job.ID, img.ID)
			} else {
				published++
			}
		}
	}

	w.logger.Info().
		Str("collection_id", collection.ID).
		Str("job_id", job.ID).
		Int("images", len(collection.Images)).
		Int("published", published).
		Msg("Collection regeneration queued")

	return queue.OutcomeAck
}

func (w *BulkWorker) resumeCollection(ctx context.Context, collectionID string) queue.Outcome {
	if collectionID == "" {
		w.logger.Error().Msg("Bulk resume without collection_id")
		return queue.OutcomeDrop
	}

	jobID, err := w.resume.ResumeCollection(ctx, collectionID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			w.logger.Warn().Str("collection_id", collectionID).Msg("Collection gone, nothing to resume")
			return queue.OutcomeAck
		}
		w.logger.Warn().Err(err).Str("collection_id", collectionID).Msg("Resume failed, will retry")
		return queue.OutcomeRequeue
	}

	if jobID == "" {
		w.logger.Debug().Str("collection_id", collectionID).Msg("Collection already complete")
	} else {
		w.logger.Info().Str("collection_id", collectionID).Str("job_id", jobID).Msg("Collection resume queued")
	}
	return queue.OutcomeAck
}

func (w *BulkWorker) resumeAll(ctx context.Context) queue.Outcome {
	jobIDs, err := w.resume.ResumeAll(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Resume sweep failed, will retry")
		return queue.OutcomeRequeue
	}
	w.logger.Info().Int("jobs", len(jobIDs)).Msg("Resume sweep queued")
	return queue.OutcomeAck
}
