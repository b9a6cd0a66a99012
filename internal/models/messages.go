package models

import (
	"encoding/json"
	"errors"
)

// ErrNoMessage is returned when the queue is empty
var ErrNoMessage = errors.New("no messages in queue")

// HeaderMessageType is stamped on every published message and read back by
// dead-letter recovery to find the original routing key.
const HeaderMessageType = "MessageType"

// MessageType tags the closed set of pipeline message kinds.
type MessageType string

const (
	MessageTypeLibraryScan         MessageType = "LibraryScan"
	MessageTypeCollectionCreation  MessageType = "CollectionCreation"
	MessageTypeCollectionScan      MessageType = "CollectionScan"
	MessageTypeImageProcessing     MessageType = "ImageProcessing"
	MessageTypeThumbnailGeneration MessageType = "ThumbnailGeneration"
	MessageTypeCacheGeneration     MessageType = "CacheGeneration"
	MessageTypeBulkOperation       MessageType = "BulkOperation"
)

// Queue routing keys. One durable queue per key.
const (
	QueueLibraryScan         = "library.scan"
	QueueCollectionCreation  = "collection.creation"
	QueueCollectionScan      = "collection.scan"
	QueueImageProcessing     = "image.processing"
	QueueThumbnailGeneration = "thumbnail.generation"
	QueueCacheGeneration     = "cache.generation"
	QueueBulkOperation       = "bulk.operation"
	QueueDeadLetter          = "dead-letter"
)

// messageTypeRoutes is the canonical registry mapping message types to their
// routing keys. Dead-letter recovery and queue declaration both consult it;
// adding a message type means extending this table in one place.
var messageTypeRoutes = map[MessageType]string{
	MessageTypeLibraryScan:         QueueLibraryScan,
	MessageTypeCollectionCreation:  QueueCollectionCreation,
	MessageTypeCollectionScan:      QueueCollectionScan,
	MessageTypeImageProcessing:     QueueImageProcessing,
	MessageTypeThumbnailGeneration: QueueThumbnailGeneration,
	MessageTypeCacheGeneration:     QueueCacheGeneration,
	MessageTypeBulkOperation:       QueueBulkOperation,
}

// RoutingKeyForMessageType maps a message type to its routing key.
func RoutingKeyForMessageType(mt MessageType) (string, bool) {
	key, ok := messageTypeRoutes[mt]
	return key, ok
}

// MessageTypeForRoutingKey maps a routing key back to its message type.
func MessageTypeForRoutingKey(routingKey string) (MessageType, bool) {
	for mt, key := range messageTypeRoutes {
		if key == routingKey {
			return mt, true
		}
	}
	return "", false
}

// MessageTypes returns the closed set of known message types.
func MessageTypes() []MessageType {
	types := make([]MessageType, 0, len(messageTypeRoutes))
	for mt := range messageTypeRoutes {
		types = append(types, mt)
	}
	return types
}

// LibraryScanMessage asks for one library root to be classified into
// collections.
type LibraryScanMessage struct {
	LibraryID   string `json:"library_id" validate:"required"`
	LibraryPath string `json:"library_path" validate:"required"`
	ScanJobID   string `json:"scan_job_id"`
}

// CollectionCreationMessage registers a single collection (fed by external
// surfaces) and chains into a collection scan.
type CollectionCreationMessage struct {
	LibraryID string         `json:"library_id"`
	Name      string         `json:"name" validate:"required"`
	Path      string         `json:"path" validate:"required"`
	Type      CollectionType `json:"type" validate:"required,oneof=folder archive"`
	ScanJobID string         `json:"scan_job_id"`
}

// CollectionScanMessage asks for one collection's images to be enumerated.
type CollectionScanMessage struct {
	CollectionID   string `json:"collection_id" validate:"required"`
	CollectionPath string `json:"collection_path" validate:"required"`
	ScanJobID      string `json:"scan_job_id"`
}

// ImageProcessingMessage asks for one image's metadata to be materialized.
type ImageProcessingMessage struct {
	CollectionID string `json:"collection_id" validate:"required"`
	ImageID      string `json:"image_id" validate:"required"`
	ImagePath    string `json:"image_path" validate:"required"`
	ScanJobID    string `json:"scan_job_id"`
}

// ThumbnailGenerationMessage asks for one thumbnail artifact. Dimensions are
// carried for audit; the generator resolves effective render settings from
// persisted runtime settings at startup.
type ThumbnailGenerationMessage struct {
	CollectionID  string `json:"collection_id" validate:"required"`
	ImageID       string `json:"image_id" validate:"required"`
	ImagePath     string `json:"image_path" validate:"required"`
	ImageFilename string `json:"image_filename"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	JobID         string `json:"job_id"`
	ScanJobID     string `json:"scan_job_id"`
}

// CacheGenerationMessage asks for one cache render.
type CacheGenerationMessage struct {
	CollectionID     string `json:"collection_id" validate:"required"`
	ImageID          string `json:"image_id" validate:"required"`
	ImagePath        string `json:"image_path" validate:"required"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	Format           string `json:"format"`
	Quality          int    `json:"quality"`
	PreserveOriginal bool   `json:"preserve_original"`
	ForceRegenerate  bool   `json:"force_regenerate"`
	JobID            string `json:"job_id"`
	ScanJobID        string `json:"scan_job_id"`
}

// BulkOpType enumerates multi-item operations accepted on the bulk queue.
type BulkOpType string

const (
	BulkOpDeleteCollection     BulkOpType = "delete-collection"
	BulkOpRegenerateCollection BulkOpType = "regenerate-collection"
	BulkOpResumeCollection     BulkOpType = "resume-collection"
	BulkOpResumeAll            BulkOpType = "resume-all"
)

// BulkOperationMessage carries one bulk operation and its parameters.
// Parameters are op-specific: delete-collection and regenerate-collection
// take "collection_id"; resume-collection takes "collection_id";
// resume-all takes none.
type BulkOperationMessage struct {
	OpType     BulkOpType        `json:"op_type" validate:"required"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Param returns a named parameter, or "".
func (m *BulkOperationMessage) Param(name string) string {
	if m.Parameters == nil {
		return ""
	}
	return m.Parameters[name]
}

// DecodeMessage unmarshals a JSON message body into out.
func DecodeMessage(body []byte, out interface{}) error {
	return json.Unmarshal(body, out)
}
