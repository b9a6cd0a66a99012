package workers

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
	"github.com/ternarybob/imago/internal/queue"
	"github.com/ternarybob/imago/internal/services/jobs"
)

// LibraryScanWorker consumes library.scan. It classifies the immediate
// children of a library root into collections and chains a collection scan
// for each one: directories holding at least one image file become folder
// collections, archive files become archive collections, everything else is
// ignored.
type LibraryScanWorker struct {
	libraries interfaces.LibraryStorage
	registrar *registrar
	tracker   *jobs.Tracker
	logger    arbor.ILogger
}

func NewLibraryScanWorker(libraries interfaces.LibraryStorage, collections interfaces.CollectionStorage, indexNotifier interfaces.IndexNotifier, tracker *jobs.Tracker, publisher interfaces.Publisher, logger arbor.ILogger) *LibraryScanWorker {
	return &LibraryScanWorker{
		libraries: libraries,
		registrar: &registrar{
			collections:   collections,
			indexNotifier: indexNotifier,
			publisher:     publisher,
			logger:        logger,
		},
		tracker: tracker,
		logger:  logger,
	}
}

func (w *LibraryScanWorker) Handle(ctx context.Context, delivery *interfaces.Delivery) queue.Outcome {
	var msg models.LibraryScanMessage
	if err := models.DecodeMessage(delivery.Body, &msg); err != nil {
		w.logger.Error().Err(err).Str("message_id", delivery.ID).Msg("Malformed library scan message")
		return queue.OutcomeDrop
	}

	w.tracker.EnsureRunning(ctx, msg.ScanJobID)

	library, err := w.libraries.Get(ctx, msg.LibraryID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			w.logger.Warn().Str("library_id", msg.LibraryID).Msg("Library removed before its scan ran")
			w.tracker.Fail(ctx, msg.ScanJobID, "library removed")
			return queue.OutcomeDrop
		}
		w.logger.Warn().Err(err).Str("library_id", msg.LibraryID).Msg("Failed to load library, will retry")
		return queue.OutcomeRequeue
	}

	entries, err := os.ReadDir(library.RootPath)
	if err != nil {
		if os.IsNotExist(err) {
			w.logger.Error().Str("library_path", library.RootPath).Msg("Library root does not exist")
			w.tracker.Fail(ctx, msg.ScanJobID, "library root missing: "+library.RootPath)
			return queue.OutcomeDrop
		}
		w.logger.Warn().Err(err).Str("library_path", library.RootPath).Msg("Failed to read library root, will retry")
		w.tracker.Error(ctx, msg.ScanJobID, models.ErrorKindTransientIO)
		return queue.OutcomeRequeue
	}

	discovered := 0
	for _, entry := range entries {
		childPath := filepath.Join(library.RootPath, entry.Name())

		var colType models.CollectionType
		switch {
		case entry.IsDir():
			if !containsImages(childPath) {
				continue
			}
			colType = models.CollectionTypeFolder
		case models.IsArchiveFile(entry.Name()):
			colType = models.CollectionTypeArchive
		default:
			continue
		}

		collection, created, err := w.registrar.register(ctx, library.ID, collectionName(entry.Name(), colType), childPath, colType, library.DefaultSettings, msg.ScanJobID)
		if err != nil {
			w.logger.Warn().Err(err).Str("path", childPath).Msg("Failed to register collection, library scan will retry")
			w.tracker.Error(ctx, msg.ScanJobID, models.ErrorKindTransientIO)
			return queue.OutcomeRequeue
		}

		discovered++
		w.tracker.Completed(ctx, msg.ScanJobID, collection.ID, 0)
		w.logger.Debug().
			Str("collection_id", collection.ID).
			Str("collection_type", string(colType)).
			Bool("created", created).
			Msg("Collection registered from library scan")
	}

	w.tracker.Finish(ctx, msg.ScanJobID)
	w.logger.Info().
		Str("library_id", library.ID).
		Str("library_path", library.RootPath).
		Int("collections", discovered).
		Msg("Library scan finished")

	return queue.OutcomeAck
}

// collectionName derives a display name: folders keep the directory name,
// archives drop the file extension.
func collectionName(base string, colType models.CollectionType) string {
	if colType == models.CollectionTypeArchive {
		return strings.TrimSuffix(base, filepath.Ext(base))
	}
	return base
}

// containsImages reports whether any file under dir carries an allowed image
// extension. The walk stops at the first hit; unreadable subtrees are skipped
// rather than failing the classification.
func containsImages(dir string) bool {
	found := false
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if models.IsImageFile(d.Name()) {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	return found
}
