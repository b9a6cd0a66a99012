package interfaces

import (
	"github.com/ternarybob/imago/internal/models"
)

// ArtifactStore - filesystem-backed store for thumbnail and cache bytes,
// organized by collection id: <root>/<kind>/<collection-id>/<image-id>.<ext>.
type ArtifactStore interface {
	// Root returns the artifact tree root.
	Root() string

	// ArtifactPath builds the expected path for an artifact without touching
	// the filesystem.
	ArtifactPath(kind models.ArtifactKind, collectionID, imageID, format string) string

	// EnsureCollectionDir creates <root>/<kind>/<collection-id>/ if needed
	// and returns it.
	EnsureCollectionDir(kind models.ArtifactKind, collectionID string) (string, error)

	// WriteArtifact writes bytes to their final path.
	WriteArtifact(path string, data []byte) error

	// Stat reports an artifact's size on disk, or exists=false.
	Stat(path string) (size int64, exists bool)

	// RemoveCollection deletes a collection's directories under every kind.
	RemoveCollection(collectionID string) error
}
