package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/imago/internal/models"
)

// IndexNotifier is the hook into the read-side listing index. The index is an
// eventually-consistent projection maintained outside this service; the
// pipeline only signals create/update/delete.
type IndexNotifier interface {
	CollectionCreated(ctx context.Context, collection *models.Collection) error
	CollectionUpdated(ctx context.Context, collection *models.Collection) error
	CollectionDeleted(ctx context.Context, collectionID string) error
}

// ScanService is the trigger surface for pipeline operations. External
// callers (API, scheduler) enqueue work through it and receive the tracking
// job id.
type ScanService interface {
	// ScanLibrary creates a library-scan job and publishes the scan message.
	ScanLibrary(ctx context.Context, libraryID string) (string, error)

	// ScanAllLibraries scans every registered auto-scan library.
	ScanAllLibraries(ctx context.Context) ([]string, error)

	// ScanCollection creates a collection-scan job for one collection.
	ScanCollection(ctx context.Context, collectionID string) (string, error)
}

// ResumeCoordinator reconciles a collection's desired artifact coverage with
// its observed state, without regenerating artifacts whose bytes exist.
type ResumeCoordinator interface {
	// ResumeCollection partitions missing coverage, creates a
	// resume-collection job with initialized stages, and publishes the
	// needed generation messages. Returns the job id ("" when the
	// collection was already complete).
	ResumeCollection(ctx context.Context, collectionID string) (string, error)

	// ResumeAll runs ResumeCollection over every collection.
	ResumeAll(ctx context.Context) ([]string, error)
}

// RecoverySummary reports the outcome of one dead-letter drain.
type RecoverySummary struct {
	Recovered int
	Skipped   int
	Elapsed   time.Duration
}

// RecoveryService drains the dead-letter queue back onto the original
// routing keys with publish-before-ack semantics.
type RecoveryService interface {
	Run(ctx context.Context) (*RecoverySummary, error)
}

// SchedulerService manages cron-based auto-scan triggering
type SchedulerService interface {
	Start() error
	Stop() error
	IsRunning() bool

	// TriggerScanNow manually triggers a scan of all auto-scan libraries
	TriggerScanNow() error
}
