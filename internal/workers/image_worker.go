package workers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/imago/internal/archive"
	"github.com/ternarybob/imago/internal/imaging"
	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
	"github.com/ternarybob/imago/internal/queue"
	"github.com/ternarybob/imago/internal/services/jobs"
)

// measurement holds what the metadata pass learns about one source image.
type measurement struct {
	width     int
	height    int
	format    string
	sizeBytes int64
	takenAt   *time.Time
}

// ImageWorker consumes image.processing. It measures one source image
// header-only (dimensions, format), stats its size, pulls the EXIF capture
// time for JPEGs, persists the metadata, and fans out the generation
// messages the collection settings ask for. Pixel data is never decoded
// here; that cost belongs to the generator.
type ImageWorker struct {
	collections interfaces.CollectionStorage
	tracker     *jobs.Tracker
	publisher   interfaces.Publisher
	logger      arbor.ILogger
}

func NewImageWorker(collections interfaces.CollectionStorage, tracker *jobs.Tracker, publisher interfaces.Publisher, logger arbor.ILogger) *ImageWorker {
	return &ImageWorker{
		collections: collections,
		tracker:     tracker,
		publisher:   publisher,
		logger:      logger,
	}
}

func (w *ImageWorker) Handle(ctx context.Context, delivery *interfaces.Delivery) queue.Outcome {
	var msg models.ImageProcessingMessage
	if err := models.DecodeMessage(delivery.Body, &msg); err != nil {
		w.logger.Error().Err(err).Str("message_id", delivery.ID).Msg("Malformed image processing message")
		return queue.OutcomeDrop
	}

	w.tracker.EnsureRunning(ctx, msg.ScanJobID)

	collection, err := w.collections.Get(ctx, msg.CollectionID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			w.logger.Warn().Str("collection_id", msg.CollectionID).Msg("Collection deleted before image processing")
			return queue.OutcomeDrop
		}
		w.logger.Warn().Err(err).Str("collection_id", msg.CollectionID).Msg("Failed to load collection, will retry")
		return queue.OutcomeRequeue
	}

	img := collection.FindImage(msg.ImageID)
	if img == nil {
		w.logger.Warn().
			Str("collection_id", msg.CollectionID).
			Str("image_id", msg.ImageID).
			Msg("Image no longer in collection, skipping")
		w.skipImage(ctx, msg.ScanJobID, msg.ImageID, collection.Settings)
		return queue.OutcomeAck
	}

	measured, err := measureSource(msg.ImagePath)
	if err != nil {
		return w.measureFailure(ctx, &msg, collection.Settings, err)
	}

	updated := *img
	updated.Width = measured.width
	updated.Height = measured.height
	updated.Format = measured.format
	updated.SizeBytes = measured.sizeBytes
	updated.TakenAt = measured.takenAt

	if err := w.collections.UpdateImageMeta(ctx, collection.ID, updated); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			w.skipImage(ctx, msg.ScanJobID, msg.ImageID, collection.Settings)
			return queue.OutcomeAck
		}
		w.logger.Warn().Err(err).Str("image_id", msg.ImageID).Msg("Failed to persist image metadata, will retry")
		return queue.OutcomeRequeue
	}

	w.tracker.StageProgress(ctx, msg.ScanJobID, models.StageImages, 1)
	w.tracker.Completed(ctx, msg.ScanJobID, msg.ImageID, 0)

	settings := collection.Settings
	if settings.GenerateThumbnails {
		tmsg := models.ThumbnailGenerationMessage{
			CollectionID:  collection.ID,
			ImageID:       updated.ID,
			ImagePath:     msg.ImagePath,
			ImageFilename: updated.Filename,
			Width:         settings.ThumbnailWidth,
			Height:        settings.ThumbnailHeight,
			ScanJobID:     msg.ScanJobID,
		}
		if err := queue.PublishMessage(ctx, w.publisher, models.MessageTypeThumbnailGeneration, tmsg); err != nil {
			w.logger.Warn().Err(err).Str("image_id", updated.ID).Msg("Failed to publish thumbnail generation")
			w.tracker.StageFailed(ctx, msg.ScanJobID, models.StageThumbnail, 1)
			w.tracker.Failed(ctx, msg.ScanJobID, updated.ID)
		}
	}
	if settings.GenerateCache {
		cmsg := models.CacheGenerationMessage{
			CollectionID: collection.ID,
			ImageID:      updated.ID,
			ImagePath:    msg.ImagePath,
			Width:        settings.CacheWidth,
			Height:       settings.CacheHeight,
			Format:       settings.CacheFormat,
			Quality:      settings.CacheQuality,
			ScanJobID:    msg.ScanJobID,
		}
		if err := queue.PublishMessage(ctx, w.publisher, models.MessageTypeCacheGeneration, cmsg); err != nil {
			w.logger.Warn().Err(err).Str("image_id", updated.ID).Msg("Failed to publish cache generation")
			w.tracker.StageFailed(ctx, msg.ScanJobID, models.StageCache, 1)
			w.tracker.Failed(ctx, msg.ScanJobID, updated.ID)
		}
	}

	w.logger.Debug().
		Str("image_id", updated.ID).
		Int("width", updated.Width).
		Int("height", updated.Height).
		Str("format", updated.Format).
		Msg("Image metadata recorded")

	return queue.OutcomeAck
}

// skipImage settles a vanished image across every stage the job is counting.
func (w *ImageWorker) skipImage(ctx context.Context, jobID, imageID string, settings models.CollectionSettings) {
	w.tracker.StageProgress(ctx, jobID, models.StageImages, 1)
	w.tracker.Skipped(ctx, jobID, imageID)
	creditGenerationStages(ctx, w.tracker, jobID, settings, 1)
}

// measureFailure classifies a measurement error. Missing sources and
// undecodable headers are permanent: they are counted and acknowledged, and
// the next scan retries them if the source reappears. Everything else is
// treated as transient and redelivered.
func (w *ImageWorker) measureFailure(ctx context.Context, msg *models.ImageProcessingMessage, settings models.CollectionSettings, err error) queue.Outcome {
	var kind string
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = models.ErrorKindTransientIO
		w.logger.Warn().Err(err).
			Str("image_id", msg.ImageID).
			Str("image_path", msg.ImagePath).
			Msg("Image source missing")
	case errors.As(err, new(*decodeError)):
		kind = models.ErrorKindDecodeFailure
		w.logger.Warn().Err(err).
			Str("image_id", msg.ImageID).
			Str("image_path", msg.ImagePath).
			Msg("Image header not decodable")
	default:
		w.logger.Warn().Err(err).
			Str("image_id", msg.ImageID).
			Str("image_path", msg.ImagePath).
			Msg("Failed to read image source, will retry")
		w.tracker.Error(ctx, msg.ScanJobID, models.ErrorKindTransientIO)
		return queue.OutcomeRequeue
	}

	w.tracker.Error(ctx, msg.ScanJobID, kind)
	w.tracker.StageFailed(ctx, msg.ScanJobID, models.StageImages, 1)
	w.tracker.Failed(ctx, msg.ScanJobID, msg.ImageID)
	failGenerationStages(ctx, w.tracker, msg.ScanJobID, settings, 1)
	return queue.OutcomeAck
}

// decodeError marks a header that could not be parsed as an image.
type decodeError struct {
	err error
}

func (e *decodeError) Error() string { return e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// measureSource reads one source image's header and size. Archive members
// are decompressed lazily from the central directory; plain files are read
// straight off disk. JPEG sources get a second pass for the EXIF capture
// time because the header sniff consumes the stream.
func measureSource(sourcePath string) (*measurement, error) {
	if archivePath, entryPath, ok := models.SplitArchivePath(sourcePath); ok {
		return measureArchiveEntry(archivePath, entryPath)
	}
	return measureFile(sourcePath)
}

func measureFile(path string) (*measurement, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	info, err := imaging.Sniff(f)
	if err != nil {
		return nil, &decodeError{err: err}
	}

	m := &measurement{
		width:     info.Width,
		height:    info.Height,
		format:    info.Format,
		sizeBytes: fi.Size(),
	}
	if info.Format == "jpeg" {
		if exifFile, err := os.Open(path); err == nil {
			m.takenAt = imaging.CaptureTime(exifFile)
			exifFile.Close()
		}
	}
	return m, nil
}

func measureArchiveEntry(archivePath, entryPath string) (*measurement, error) {
	r, err := archive.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	size, ok := r.Size(entryPath)
	if !ok {
		return nil, fmt.Errorf("entry %s gone from archive %s: %w", entryPath, archivePath, fs.ErrNotExist)
	}

	rc, err := r.OpenEntry(entryPath)
	if err != nil {
		return nil, err
	}
	info, err := imaging.Sniff(rc)
	rc.Close()
	if err != nil {
		return nil, &decodeError{err: err}
	}

	m := &measurement{
		width:     info.Width,
		height:    info.Height,
		format:    info.Format,
		sizeBytes: size,
	}
	if info.Format == "jpeg" {
		if exifRC, err := r.OpenEntry(entryPath); err == nil {
			m.takenAt = imaging.CaptureTime(exifRC)
			exifRC.Close()
		}
	}
	return m, nil
}
