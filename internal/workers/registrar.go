package workers

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/imago/internal/common"
	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
	"github.com/ternarybob/imago/internal/queue"
)

// registrar is the shared upsert-then-chain step. Library classification and
// external creation requests both funnel through it so a collection is
// registered exactly one way regardless of who found it.
type registrar struct {
	collections   interfaces.CollectionStorage
	indexNotifier interfaces.IndexNotifier
	publisher     interfaces.Publisher
	logger        arbor.ILogger
}

// register upserts a collection keyed by path and publishes its scan message.
// New collections adopt the supplied settings; existing ones keep their image
// and artifact arrays, refresh name and settings, and never lose a direct
// file access grant they already hold.
func (r *registrar) register(ctx context.Context, libraryID, name, path string, colType models.CollectionType, settings models.CollectionSettings, scanJobID string) (*models.Collection, bool, error) {
	collection, err := r.collections.GetByPath(ctx, path)
	created := false
	switch {
	case err == nil:
		direct := collection.Settings.UseDirectFileAccess
		collection.LibraryID = libraryID
		collection.Name = name
		collection.Type = colType
		collection.Settings = settings
		if direct {
			collection.Settings.UseDirectFileAccess = true
		}
	case errors.Is(err, interfaces.ErrNotFound):
		created = true
		collection = &models.Collection{
			ID:        common.NewCollectionID(),
			LibraryID: libraryID,
			Name:      name,
			Path:      path,
			Type:      colType,
			Settings:  settings,
		}
	default:
		return nil, false, fmt.Errorf("failed to look up collection at %s: %w", path, err)
	}

	if err := r.collections.Upsert(ctx, collection); err != nil {
		return nil, created, fmt.Errorf("failed to upsert collection at %s: %w", path, err)
	}

	if created {
		if err := r.indexNotifier.CollectionCreated(ctx, collection); err != nil {
			r.logger.Warn().Err(err).
				Str("collection_id", collection.ID).
				Msg("Failed to notify index of new collection")
		}
	}

	msg := models.CollectionScanMessage{
		CollectionID:   collection.ID,
		CollectionPath: collection.Path,
		ScanJobID:      scanJobID,
	}
	if err := queue.PublishMessage(ctx, r.publisher, models.MessageTypeCollectionScan, msg); err != nil {
		return collection, created, fmt.Errorf("failed to publish collection scan for %s: %w", collection.ID, err)
	}

	return collection, created, nil
}
