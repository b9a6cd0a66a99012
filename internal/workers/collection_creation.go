package workers

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
	"github.com/ternarybob/imago/internal/queue"
	"github.com/ternarybob/imago/internal/services/jobs"
)

// CollectionCreationWorker consumes collection.creation: external surfaces
// register a single collection directly, bypassing library classification.
// The collection is upserted with library defaults when its library is known,
// falling back to the service defaults, then chained into a scan.
type CollectionCreationWorker struct {
	libraries       interfaces.LibraryStorage
	registrar       *registrar
	tracker         *jobs.Tracker
	defaultSettings models.CollectionSettings
	logger          arbor.ILogger
}

func NewCollectionCreationWorker(libraries interfaces.LibraryStorage, collections interfaces.CollectionStorage, indexNotifier interfaces.IndexNotifier, tracker *jobs.Tracker, publisher interfaces.Publisher, defaultSettings models.CollectionSettings, logger arbor.ILogger) *CollectionCreationWorker {
	return &CollectionCreationWorker{
		libraries: libraries,
		registrar: &registrar{
			collections:   collections,
			indexNotifier: indexNotifier,
			publisher:     publisher,
			logger:        logger,
		},
		tracker:         tracker,
		defaultSettings: defaultSettings,
		logger:          logger,
	}
}

func (w *CollectionCreationWorker) Handle(ctx context.Context, delivery *interfaces.Delivery) queue.Outcome {
	var msg models.CollectionCreationMessage
	if err := models.DecodeMessage(delivery.Body, &msg); err != nil {
		w.logger.Error().Err(err).Str("message_id", delivery.ID).Msg("Malformed collection creation message")
		return queue.OutcomeDrop
	}
	if msg.Type != models.CollectionTypeFolder && msg.Type != models.CollectionTypeArchive {
		w.logger.Error().Str("type", string(msg.Type)).Str("path", msg.Path).Msg("Unknown collection type")
		return queue.OutcomeDrop
	}

	w.tracker.EnsureRunning(ctx, msg.ScanJobID)

	if _, err := os.Stat(msg.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			w.logger.Error().Str("path", msg.Path).Msg("Collection path does not exist")
			return queue.OutcomeDrop
		}
		w.logger.Warn().Err(err).Str("path", msg.Path).Msg("Failed to stat collection path, will retry")
		return queue.OutcomeRequeue
	}

	settings := w.defaultSettings
	if msg.LibraryID != "" {
		library, err := w.libraries.Get(ctx, msg.LibraryID)
		switch {
		case err == nil:
			settings = library.DefaultSettings
		case errors.Is(err, interfaces.ErrNotFound):
			// Library gone; the collection still stands on its own.
		default:
			w.logger.Warn().Err(err).Str("library_id", msg.LibraryID).Msg("Failed to load library, will retry")
			return queue.OutcomeRequeue
		}
	}

	name := msg.Name
	if name == "" {
		name = collectionName(filepath.Base(msg.Path), msg.Type)
	}

	collection, created, err := w.registrar.register(ctx, msg.LibraryID, name, msg.Path, msg.Type, settings, msg.ScanJobID)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", msg.Path).Msg("Failed to register collection, will retry")
		return queue.OutcomeRequeue
	}

	w.logger.Info().
		Str("collection_id", collection.ID).
		Str("collection_name", collection.Name).
		Bool("created", created).
		Msg("Collection creation handled")

	return queue.OutcomeAck
}
