package workers

import (
	"archive/zip"
	"context"
	"errors"
	"io/fs"
	"path"
	"path/filepath"
	"sort"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/imago/internal/archive"
	"github.com/ternarybob/imago/internal/common"
	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
	"github.com/ternarybob/imago/internal/queue"
	"github.com/ternarybob/imago/internal/services/jobs"
)

// sourceImage is one enumerated source entry before registration.
type sourceImage struct {
	relPath   string
	sizeBytes int64
}

// CollectionScanWorker consumes collection.scan. It enumerates a collection's
// source images, registers new ones, and fans out image.processing messages.
// Job stages are initialized before the first message goes out so no
// downstream increment can land against a missing stage.
type CollectionScanWorker struct {
	collections   interfaces.CollectionStorage
	indexNotifier interfaces.IndexNotifier
	tracker       *jobs.Tracker
	publisher     interfaces.Publisher
	maxEntrySize  int64
	logger        arbor.ILogger
}

func NewCollectionScanWorker(collections interfaces.CollectionStorage, indexNotifier interfaces.IndexNotifier, tracker *jobs.Tracker, publisher interfaces.Publisher, limits *common.LimitsConfig, logger arbor.ILogger) *CollectionScanWorker {
	var maxEntry int64
	if limits != nil {
		maxEntry = limits.MaxZipEntrySizeBytes
	}
	if maxEntry <= 0 {
		maxEntry = common.NewDefaultConfig().Limits.MaxZipEntrySizeBytes
	}
	return &CollectionScanWorker{
		collections:   collections,
		indexNotifier: indexNotifier,
		tracker:       tracker,
		publisher:     publisher,
		maxEntrySize:  maxEntry,
		logger:        logger,
	}
}

func (w *CollectionScanWorker) Handle(ctx context.Context, delivery *interfaces.Delivery) queue.Outcome {
	var msg models.CollectionScanMessage
	if err := models.DecodeMessage(delivery.Body, &msg); err != nil {
		w.logger.Error().Err(err).Str("message_id", delivery.ID).Msg("Malformed collection scan message")
		return queue.OutcomeDrop
	}

	w.tracker.EnsureRunning(ctx, msg.ScanJobID)

	collection, err := w.collections.Get(ctx, msg.CollectionID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			w.logger.Warn().Str("collection_id", msg.CollectionID).Msg("Collection deleted before its scan ran")
			return queue.OutcomeDrop
		}
		w.logger.Warn().Err(err).Str("collection_id", msg.CollectionID).Msg("Failed to load collection, will retry")
		return queue.OutcomeRequeue
	}

	var valid, oversized []sourceImage
	switch collection.Type {
	case models.CollectionTypeFolder:
		valid, err = enumerateFolder(collection.Path)
	case models.CollectionTypeArchive:
		valid, oversized, err = enumerateArchive(collection.Path, w.maxEntrySize)
	default:
		w.logger.Error().Str("collection_id", collection.ID).Str("type", string(collection.Type)).Msg("Unknown collection type")
		return queue.OutcomeDrop
	}
	if err != nil {
		// A missing source or a file that is not a ZIP cannot improve on
		// redelivery.
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, zip.ErrFormat) {
			w.logger.Error().Err(err).Str("collection_path", collection.Path).Msg("Collection source missing or unreadable")
			w.tracker.Fail(ctx, msg.ScanJobID, "collection source unusable: "+collection.Path)
			return queue.OutcomeDrop
		}
		w.logger.Warn().Err(err).Str("collection_path", collection.Path).Msg("Failed to enumerate collection, will retry")
		w.tracker.Error(ctx, msg.ScanJobID, models.ErrorKindTransientIO)
		return queue.OutcomeRequeue
	}

	// Stages must exist before the first consumer increment can arrive.
	// Thumbnail and cache totals count every image: the generator, the skip
	// paths, and the failure paths each account their share.
	if err := w.tracker.InitStage(ctx, msg.ScanJobID, models.StageImages, len(valid)+len(oversized)); err != nil {
		w.logger.Warn().Err(err).Str("job_id", msg.ScanJobID).Msg("Failed to init images stage, will retry")
		return queue.OutcomeRequeue
	}
	if collection.Settings.GenerateThumbnails {
		if err := w.tracker.InitStage(ctx, msg.ScanJobID, models.StageThumbnail, len(valid)); err != nil {
			w.logger.Warn().Err(err).Str("job_id", msg.ScanJobID).Msg("Failed to init thumbnail stage, will retry")
			return queue.OutcomeRequeue
		}
	}
	if collection.Settings.GenerateCache {
		if err := w.tracker.InitStage(ctx, msg.ScanJobID, models.StageCache, len(valid)); err != nil {
			w.logger.Warn().Err(err).Str("job_id", msg.ScanJobID).Msg("Failed to init cache stage, will retry")
			return queue.OutcomeRequeue
		}
	}

	for _, over := range oversized {
		w.logger.Warn().
			Str("collection_id", collection.ID).
			Str("entry", over.relPath).
			Int64("size_bytes", over.sizeBytes).
			Int64("max_size_bytes", w.maxEntrySize).
			Msg("Archive entry exceeds size ceiling, skipped")
		w.tracker.StageFailed(ctx, msg.ScanJobID, models.StageImages, 1)
		w.tracker.Failed(ctx, msg.ScanJobID, over.relPath)
		w.tracker.Error(ctx, msg.ScanJobID, models.ErrorKindOversizeSource)
	}

	var newImages []models.Image
	pending := make([]models.Image, 0, len(valid))
	already := 0
	for _, src := range valid {
		if existing := collection.FindImageByRelativePath(src.relPath); existing != nil {
			if existing.Width > 0 {
				// Fully processed on an earlier scan: account for it across
				// every stage this job is waiting on.
				already++
				w.tracker.StageProgress(ctx, msg.ScanJobID, models.StageImages, 1)
				w.tracker.Skipped(ctx, msg.ScanJobID, existing.ID)
				creditGenerationStages(ctx, w.tracker, msg.ScanJobID, collection.Settings, 1)
				continue
			}
			// Registered but never measured; the processing message was lost.
			pending = append(pending, *existing)
			continue
		}
		newImages = append(newImages, models.Image{
			ID:           common.NewImageID(),
			Filename:     path.Base(src.relPath),
			RelativePath: src.relPath,
			SizeBytes:    src.sizeBytes,
		})
	}
	pending = append(pending, newImages...)

	if len(newImages) > 0 {
		if _, err := w.collections.AddImages(ctx, collection.ID, newImages); err != nil {
			w.logger.Warn().Err(err).Str("collection_id", collection.ID).Msg("Failed to register images, will retry")
			return queue.OutcomeRequeue
		}
	}

	published := 0
	for i := range pending {
		img := &pending[i]
		pmsg := models.ImageProcessingMessage{
			CollectionID: collection.ID,
			ImageID:      img.ID,
			ImagePath:    img.SourcePath(collection),
			ScanJobID:    msg.ScanJobID,
		}
		if err := queue.PublishMessage(ctx, w.publisher, models.MessageTypeImageProcessing, pmsg); err != nil {
			w.logger.Warn().Err(err).Str("image_id", img.ID).Msg("Failed to publish image processing")
			w.tracker.StageFailed(ctx, msg.ScanJobID, models.StageImages, 1)
			w.tracker.Failed(ctx, msg.ScanJobID, img.ID)
			failGenerationStages(ctx, w.tracker, msg.ScanJobID, collection.Settings, 1)
			continue
		}
		published++
	}

	if updated, err := w.collections.Get(ctx, collection.ID); err == nil {
		if err := w.indexNotifier.CollectionUpdated(ctx, updated); err != nil {
			w.logger.Warn().Err(err).Str("collection_id", collection.ID).Msg("Failed to notify index of collection update")
		}
	}

	// Empty and fully-processed collections have no downstream consumers
	// left to close their stages.
	w.tracker.CheckCompletion(ctx, msg.ScanJobID)

	w.logger.Info().
		Str("collection_id", collection.ID).
		Str("collection_type", string(collection.Type)).
		Int("discovered", len(valid)).
		Int("new", len(newImages)).
		Int("already_processed", already).
		Int("oversized", len(oversized)).
		Int("published", published).
		Msg("Collection scan finished")

	return queue.OutcomeAck
}

// creditGenerationStages advances the generation stages for images whose
// artifacts will not flow through the generator under this job.
func creditGenerationStages(ctx context.Context, tracker *jobs.Tracker, jobID string, settings models.CollectionSettings, by int) {
	if settings.GenerateThumbnails {
		tracker.StageProgress(ctx, jobID, models.StageThumbnail, by)
	}
	if settings.GenerateCache {
		tracker.StageProgress(ctx, jobID, models.StageCache, by)
	}
}

// failGenerationStages fails the generation stages for images that will
// never reach the generator.
func failGenerationStages(ctx context.Context, tracker *jobs.Tracker, jobID string, settings models.CollectionSettings, by int) {
	if settings.GenerateThumbnails {
		tracker.StageFailed(ctx, jobID, models.StageThumbnail, by)
	}
	if settings.GenerateCache {
		tracker.StageFailed(ctx, jobID, models.StageCache, by)
	}
}

// enumerateFolder walks a folder collection recursively and returns its image
// files ordered by relative path. Entries that vanish mid-walk are dropped.
func enumerateFolder(root string) ([]sourceImage, error) {
	var found []sourceImage
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !models.IsImageFile(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		found = append(found, sourceImage{
			relPath:   filepath.ToSlash(rel),
			sizeBytes: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(found, func(i, j int) bool { return found[i].relPath < found[j].relPath })
	return found, nil
}

// enumerateArchive lists an archive's image entries from the central
// directory, splitting off entries over the size ceiling.
func enumerateArchive(archivePath string, maxEntrySize int64) (valid, oversized []sourceImage, err error) {
	entries, err := archive.ListImages(archivePath)
	if err != nil {
		return nil, nil, err
	}
	for _, entry := range entries {
		src := sourceImage{relPath: entry.Path, sizeBytes: entry.SizeBytes}
		if entry.SizeBytes > maxEntrySize {
			oversized = append(oversized, src)
			continue
		}
		valid = append(valid, src)
	}
	return valid, oversized, nil
}
