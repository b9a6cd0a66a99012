package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	EventJobCreated        EventType = "job_created"
	EventJobCompleted      EventType = "job_completed"
	EventJobStalled        EventType = "job_stalled"
	EventCollectionCreated EventType = "collection_created"
	EventCollectionUpdated EventType = "collection_updated"
	EventCollectionDeleted EventType = "collection_deleted"
	EventBatchCommitted    EventType = "batch_committed"
	EventRecoveryFinished  EventType = "recovery_finished"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Unsubscribe from an event type
	Unsubscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
