package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// LibraryStorage implements the LibraryStorage interface for Badger.
// Libraries are seeded from configuration at startup, so writes are rare and
// plain upserts suffice.
type LibraryStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewLibraryStorage creates a new LibraryStorage instance
func NewLibraryStorage(db *BadgerDB, logger arbor.ILogger) interfaces.LibraryStorage {
	return &LibraryStorage{
		db:     db,
		logger: logger,
	}
}

func (s *LibraryStorage) Upsert(ctx context.Context, library *models.Library) error {
	if library.ID == "" {
		return fmt.Errorf("library ID is required")
	}

	var existing models.Library
	if err := s.db.Store().Get(library.ID, &existing); err == nil {
		library.CreatedAt = existing.CreatedAt
	} else if library.CreatedAt.IsZero() {
		library.CreatedAt = time.Now()
	}
	library.UpdatedAt = time.Now()

	if err := s.db.Store().Upsert(library.ID, *library); err != nil {
		return fmt.Errorf("failed to upsert library: %w", err)
	}
	return nil
}

func (s *LibraryStorage) Get(ctx context.Context, id string) (*models.Library, error) {
	var library models.Library
	if err := s.db.Store().Get(id, &library); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("library %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get library: %w", err)
	}
	return &library, nil
}

func (s *LibraryStorage) GetByPath(ctx context.Context, rootPath string) (*models.Library, error) {
	var libraries []models.Library
	if err := s.db.Store().Find(&libraries, badgerhold.Where("RootPath").Eq(rootPath)); err != nil {
		return nil, fmt.Errorf("failed to find library by path: %w", err)
	}
	if len(libraries) == 0 {
		return nil, fmt.Errorf("library at %s: %w", rootPath, interfaces.ErrNotFound)
	}
	return &libraries[0], nil
}

func (s *LibraryStorage) List(ctx context.Context) ([]*models.Library, error) {
	var libraries []models.Library
	if err := s.db.Store().Find(&libraries, nil); err != nil {
		return nil, fmt.Errorf("failed to list libraries: %w", err)
	}

	result := make([]*models.Library, len(libraries))
	for i := range libraries {
		result[i] = &libraries[i]
	}
	return result, nil
}

func (s *LibraryStorage) ListAutoScan(ctx context.Context) ([]*models.Library, error) {
	var libraries []models.Library
	if err := s.db.Store().Find(&libraries, badgerhold.Where("AutoScan").Eq(true)); err != nil {
		return nil, fmt.Errorf("failed to list auto-scan libraries: %w", err)
	}

	result := make([]*models.Library, len(libraries))
	for i := range libraries {
		result[i] = &libraries[i]
	}
	return result, nil
}

func (s *LibraryStorage) Delete(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Library{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete library: %w", err)
	}
	return nil
}
