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

// runtimeSettingsKey is the fixed key of the single RuntimeSettings record.
const runtimeSettingsKey = "runtime"

// SettingsStorage implements the SettingsStorage interface for Badger
type SettingsStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewSettingsStorage creates a new SettingsStorage instance
func NewSettingsStorage(db *BadgerDB, logger arbor.ILogger) interfaces.SettingsStorage {
	return &SettingsStorage{
		db:     db,
		logger: logger,
	}
}

func (s *SettingsStorage) GetRuntimeSettings(ctx context.Context) (*models.RuntimeSettings, error) {
	var settings models.RuntimeSettings
	if err := s.db.Store().Get(runtimeSettingsKey, &settings); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("runtime settings: %w", interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get runtime settings: %w", err)
	}
	return &settings, nil
}

func (s *SettingsStorage) SaveRuntimeSettings(ctx context.Context, settings *models.RuntimeSettings) error {
	settings.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(runtimeSettingsKey, *settings); err != nil {
		return fmt.Errorf("failed to save runtime settings: %w", err)
	}

	s.logger.Debug().
		Int("thumbnail_width", settings.ThumbnailWidth).
		Int("thumbnail_height", settings.ThumbnailHeight).
		Str("cache_format", settings.CacheFormat).
		Int("cache_quality", settings.CacheQuality).
		Msg("Runtime render settings saved")
	return nil
}
