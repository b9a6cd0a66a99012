package queue

import (
	"github.com/ternarybob/imago/internal/common"
	"github.com/ternarybob/imago/internal/models"
)

// Spec fixes one queue's consumption envelope: how many messages may be
// buffered ahead of processing (prefetch) and how many handlers run in
// parallel (concurrency).
type Spec struct {
	Name        string
	Prefetch    int
	Concurrency int
}

// DefaultSpecs returns the declared envelope for every pipeline queue.
// Scan queues stay narrow so a library scan cannot starve generation;
// the per-image queues run wide because their work is short and parallel.
func DefaultSpecs() []Spec {
	return []Spec{
		{Name: models.QueueLibraryScan, Prefetch: 10, Concurrency: 2},
		{Name: models.QueueCollectionCreation, Prefetch: 10, Concurrency: 2},
		{Name: models.QueueCollectionScan, Prefetch: 20, Concurrency: 4},
		{Name: models.QueueImageProcessing, Prefetch: 100, Concurrency: 8},
		{Name: models.QueueThumbnailGeneration, Prefetch: 100, Concurrency: 8},
		{Name: models.QueueCacheGeneration, Prefetch: 100, Concurrency: 8},
		{Name: models.QueueBulkOperation, Prefetch: 10, Concurrency: 2},
		{Name: models.QueueDeadLetter, Prefetch: 1, Concurrency: 1},
	}
}

// SpecsFromConfig overlays per-queue configuration overrides onto the
// defaults. Zero or negative overrides are ignored.
func SpecsFromConfig(cfg *common.QueueConfig) []Spec {
	specs := DefaultSpecs()
	for i := range specs {
		if v, ok := cfg.Prefetch[specs[i].Name]; ok && v > 0 {
			specs[i].Prefetch = v
		}
		if v, ok := cfg.Concurrency[specs[i].Name]; ok && v > 0 {
			specs[i].Concurrency = v
		}
	}
	return specs
}

// SpecFor returns the effective envelope for one queue.
func SpecFor(cfg *common.QueueConfig, queue string) Spec {
	for _, spec := range SpecsFromConfig(cfg) {
		if spec.Name == queue {
			return spec
		}
	}
	return Spec{Name: queue, Prefetch: 1, Concurrency: 1}
}
