package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/imago/internal/models"
)

// ErrNotFound is returned by storage getters when the requested record does
// not exist. Consumers racing against deletes branch on it with errors.Is
// and drop the message instead of retrying.
var ErrNotFound = errors.New("record not found")

// CollectionStorage - interface for collection persistence.
// Every mutation is a single-document atomic update; the array-add
// operations enforce the embedded-array uniqueness keys under concurrent
// writers and return the number of entries actually added.
type CollectionStorage interface {
	// Upsert creates the collection or refreshes its mutable attributes
	// (name, settings, timestamps). Embedded arrays are preserved on update.
	Upsert(ctx context.Context, collection *models.Collection) error
	Get(ctx context.Context, id string) (*models.Collection, error)
	GetByPath(ctx context.Context, path string) (*models.Collection, error)
	List(ctx context.Context) ([]*models.Collection, error)
	ListByLibrary(ctx context.Context, libraryID string) ([]*models.Collection, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)

	// AddImages set-inserts images keyed by relative path. Existing paths are
	// left alone.
	AddImages(ctx context.Context, id string, images []models.Image) (int, error)

	// UpdateImageMeta fills in the measured attributes of one image.
	UpdateImageMeta(ctx context.Context, id string, image models.Image) error

	// AtomicAddThumbnails set-inserts entries keyed by (image id, width,
	// height). One round-trip per batch.
	AtomicAddThumbnails(ctx context.Context, id string, entries []models.ThumbnailEntry) (int, error)

	// AtomicAddCacheImages set-inserts entries keyed by image id.
	AtomicAddCacheImages(ctx context.Context, id string, entries []models.CacheEntry) (int, error)

	// AtomicReplaceCacheImages upserts entries keyed by image id. Forced
	// regeneration rewrites bytes in place; the recorded size and quality
	// must follow.
	AtomicReplaceCacheImages(ctx context.Context, id string, entries []models.CacheEntry) error

	// IncrementCacheSize bumps the collection's cumulative artifact size.
	IncrementCacheSize(ctx context.Context, id string, delta int64) error

	// PullImage removes one image and its dependent thumbnail/cache entries.
	PullImage(ctx context.Context, id string, imageID string) error
}

// JobStorage - interface for scan-job state persistence.
// Counter operations are unconditional atomic increments; a retried
// message can overshoot a counter.
type JobStorage interface {
	CreateJob(ctx context.Context, job *models.ScanJob) error
	GetJob(ctx context.Context, jobID string) (*models.ScanJob, error)
	ListJobsByStatus(ctx context.Context, statuses []models.JobStatus, types []models.JobType) ([]*models.ScanJob, error)
	DeleteJob(ctx context.Context, jobID string) error

	// InitStage creates or resizes the named stage and folds the total delta
	// into the job total. Must run before any message referencing the stage
	// is published.
	InitStage(ctx context.Context, jobID string, stage string, totalItems int) error

	// IncrementStageProgress bumps the stage completed counter. A missing
	// stage is a no-op returning models-level absence via the returned error.
	IncrementStageProgress(ctx context.Context, jobID string, stage string, by int) error
	IncrementStageFailed(ctx context.Context, jobID string, stage string, by int) error

	IncrementCompleted(ctx context.Context, jobID string, imageID string, bytes int64) error
	IncrementFailed(ctx context.Context, jobID string, imageID string) error
	IncrementSkipped(ctx context.Context, jobID string, imageID string) error

	// TrackError bumps the error-kind bucket and returns the new count.
	TrackError(ctx context.Context, jobID string, kind string) (int, error)

	SetJobStatus(ctx context.Context, jobID string, status models.JobStatus) error
	SetStageStatus(ctx context.Context, jobID string, stage string, status models.JobStatus) error
	SetStalled(ctx context.Context, jobID string, stalled bool) error
	SetJobError(ctx context.Context, jobID string, message string) error
}

// LibraryStorage - interface for library registration
type LibraryStorage interface {
	Upsert(ctx context.Context, library *models.Library) error
	Get(ctx context.Context, id string) (*models.Library, error)
	GetByPath(ctx context.Context, rootPath string) (*models.Library, error)
	List(ctx context.Context) ([]*models.Library, error)
	ListAutoScan(ctx context.Context) ([]*models.Library, error)
	Delete(ctx context.Context, id string) error
}

// SettingsStorage - interface for persisted runtime render settings
type SettingsStorage interface {
	GetRuntimeSettings(ctx context.Context) (*models.RuntimeSettings, error)
	SaveRuntimeSettings(ctx context.Context, settings *models.RuntimeSettings) error
}

// StorageManager provides access to all storage implementations over one
// database handle.
type StorageManager interface {
	CollectionStorage() CollectionStorage
	JobStorage() JobStorage
	LibraryStorage() LibraryStorage
	SettingsStorage() SettingsStorage

	// DB exposes the underlying database handle so the message bus can share
	// the same badger instance. Returns *badgerhold.Store for the badger
	// implementation.
	DB() interface{}

	Close() error
}
