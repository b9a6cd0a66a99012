package index

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
)

// Notifier bridges collection lifecycle changes onto the event bus. The
// read-side listing index is an eventually-consistent projection maintained
// outside this service; subscribers forward these signals to it.
type Notifier struct {
	eventService interfaces.EventService
	logger       arbor.ILogger
}

func NewNotifier(eventService interfaces.EventService, logger arbor.ILogger) interfaces.IndexNotifier {
	return &Notifier{
		eventService: eventService,
		logger:       logger,
	}
}

func (n *Notifier) CollectionCreated(ctx context.Context, collection *models.Collection) error {
	n.logger.Debug().
		Str("collection_id", collection.ID).
		Str("path", collection.Path).
		Msg("Index notified: collection created")

	return n.eventService.Publish(ctx, interfaces.Event{
		Type:    interfaces.EventCollectionCreated,
		Payload: collectionPayload(collection),
	})
}

func (n *Notifier) CollectionUpdated(ctx context.Context, collection *models.Collection) error {
	n.logger.Debug().
		Str("collection_id", collection.ID).
		Int("images", len(collection.Images)).
		Msg("Index notified: collection updated")

	return n.eventService.Publish(ctx, interfaces.Event{
		Type:    interfaces.EventCollectionUpdated,
		Payload: collectionPayload(collection),
	})
}

func (n *Notifier) CollectionDeleted(ctx context.Context, collectionID string) error {
	n.logger.Debug().
		Str("collection_id", collectionID).
		Msg("Index notified: collection deleted")

	return n.eventService.Publish(ctx, interfaces.Event{
		Type: interfaces.EventCollectionDeleted,
		Payload: map[string]interface{}{
			"collection_id": collectionID,
		},
	})
}

func collectionPayload(collection *models.Collection) map[string]interface{} {
	return map[string]interface{}{
		"collection_id": collection.ID,
		"library_id":    collection.LibraryID,
		"name":          collection.Name,
		"path":          collection.Path,
		"type":          string(collection.Type),
		"images":        len(collection.Images),
		"thumbnails":    len(collection.Thumbnails),
		"cache_images":  len(collection.CacheImages),
	}
}
