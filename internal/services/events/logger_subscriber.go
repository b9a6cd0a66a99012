package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/imago/internal/interfaces"
)

// NewLoggerSubscriber creates an event handler that logs every event it
// sees, pulling the ids pipeline events usually carry.
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		var jobID, collectionID string
		if payload, ok := event.Payload.(map[string]interface{}); ok {
			if id, ok := payload["job_id"].(string); ok {
				jobID = id
			}
			if id, ok := payload["collection_id"].(string); ok {
				collectionID = id
			}
		}

		logEvent := logger.Debug().
			Str("event_type", string(event.Type))

		if jobID != "" {
			logEvent = logEvent.Str("job_id", jobID)
		}
		if collectionID != "" {
			logEvent = logEvent.Str("collection_id", collectionID)
		}

		logEvent.Msg("Event published")

		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to all known event types
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	eventTypes := []interfaces.EventType{
		interfaces.EventJobCreated,
		interfaces.EventJobCompleted,
		interfaces.EventJobStalled,
		interfaces.EventCollectionCreated,
		interfaces.EventCollectionUpdated,
		interfaces.EventCollectionDeleted,
		interfaces.EventBatchCommitted,
		interfaces.EventRecoveryFinished,
	}

	for _, eventType := range eventTypes {
		if err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
	}

	logger.Info().
		Int("event_type_count", len(eventTypes)).
		Msg("Logger subscribed to all event types")

	return nil
}
