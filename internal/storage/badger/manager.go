package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/imago/internal/common"
	"github.com/ternarybob/imago/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db         *BadgerDB
	collection interfaces.CollectionStorage
	job        interfaces.JobStorage
	library    interfaces.LibraryStorage
	settings   interfaces.SettingsStorage
	logger     arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:         db,
		collection: NewCollectionStorage(db, logger),
		job:        NewJobStorage(db, logger),
		library:    NewLibraryStorage(db, logger),
		settings:   NewSettingsStorage(db, logger),
		logger:     logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// CollectionStorage returns the Collection storage interface
func (m *Manager) CollectionStorage() interfaces.CollectionStorage {
	return m.collection
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// LibraryStorage returns the Library storage interface
func (m *Manager) LibraryStorage() interfaces.LibraryStorage {
	return m.library
}

// SettingsStorage returns the Settings storage interface
func (m *Manager) SettingsStorage() interfaces.SettingsStorage {
	return m.settings
}

// DB returns the underlying database connection
func (m *Manager) DB() interface{} {
	if m.db != nil {
		return m.db.Store()
	}
	return nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
