package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
)

var messageValidate = validator.New()

// PublishMessage validates and publishes a typed payload on its routing
// key, stamping the MessageType header. All pipeline producers go through
// here so malformed messages are rejected at the publish site rather than
// cycling through consumers into the dead-letter queue.
func PublishMessage(ctx context.Context, publisher interfaces.Publisher, messageType models.MessageType, payload interface{}) error {
	routingKey, ok := models.RoutingKeyForMessageType(messageType)
	if !ok {
		return fmt.Errorf("no routing key for message type %s", messageType)
	}

	if err := messageValidate.Struct(payload); err != nil {
		return fmt.Errorf("invalid %s message: %w", messageType, err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", messageType, err)
	}

	headers := map[string]string{
		models.HeaderMessageType: string(messageType),
	}

	return publisher.Publish(ctx, routingKey, body, headers)
}
