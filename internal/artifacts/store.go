package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/imago/internal/common"
	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
)

// Store lays derived artifacts out as
// <root>/<kind>/<collection-id>/<image-id>.<ext>. Collection directories
// are created once per batch by the caller, not per write.
type Store struct {
	root   string
	logger arbor.ILogger
}

func NewStore(cfg *common.ArtifactsConfig, logger arbor.ILogger) (interfaces.ArtifactStore, error) {
	if cfg.Root == "" {
		return nil, errors.New("artifacts root is required")
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifacts root %s: %w", cfg.Root, err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts root %s: %w", root, err)
	}

	logger.Info().Str("root", root).Msg("Artifact store initialized")

	return &Store{root: root, logger: logger}, nil
}

// extForFormat maps an image format name to its file extension. The only
// divergence is jpeg, which ships as .jpg.
func extForFormat(format string) string {
	if format == "" || format == "jpeg" {
		return "jpg"
	}
	return format
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) ArtifactPath(kind models.ArtifactKind, collectionID, imageID, format string) string {
	return filepath.Join(s.root, string(kind), collectionID, imageID+"."+extForFormat(format))
}

func (s *Store) EnsureCollectionDir(kind models.ArtifactKind, collectionID string) (string, error) {
	dir := filepath.Join(s.root, string(kind), collectionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
	}
	return dir, nil
}

func (s *Store) WriteArtifact(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", path, err)
	}
	return nil
}

// Stat reports an artifact's on-disk size. A directory at the path counts
// as absent.
func (s *Store) Stat(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return 0, false
	}
	return info.Size(), true
}

// RemoveCollection deletes the collection's directory under every kind.
// Missing directories are fine: a collection that never generated anything
// still removes cleanly.
func (s *Store) RemoveCollection(collectionID string) error {
	if collectionID == "" {
		return errors.New("collection id is required")
	}

	var firstErr error
	for _, kind := range []models.ArtifactKind{models.ArtifactKindThumbnail, models.ArtifactKindCache} {
		dir := filepath.Join(s.root, string(kind), collectionID)
		if err := os.RemoveAll(dir); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}
	if firstErr != nil {
		return firstErr
	}

	s.logger.Debug().
		Str("collection_id", collectionID).
		Msg("Collection artifacts removed")

	return nil
}
