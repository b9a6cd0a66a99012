package generator

import (
	"sync"
	"time"

	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
)

// task is one buffered render request. Thumbnail and cache messages are
// normalized at enqueue so the flush path works a single shape.
type task struct {
	kind         models.ArtifactKind
	collectionID string
	imageID      string
	imagePath    string
	width        int
	height       int
	format       string
	quality      int
	force        bool
	jobID        string
	delivery     *interfaces.Delivery
}

type bucket struct {
	tasks  []task
	oldest time.Time
}

// batcher pins incoming tasks to per-collection buckets. A bucket leaves the
// map when it reaches maxSize, when its oldest task has waited past the
// timeout, or on drain; each batch is owned by exactly one flush after that.
type batcher struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	maxSize int
	timeout time.Duration
}

func newBatcher(maxSize int, timeout time.Duration) *batcher {
	return &batcher{
		buckets: make(map[string]*bucket),
		maxSize: maxSize,
		timeout: timeout,
	}
}

// Add buffers one task. When the bucket reaches the size trigger it is
// removed and returned for flushing; otherwise nil.
func (b *batcher) Add(t task) []task {
	b.mu.Lock()
	defer b.mu.Unlock()

	bk := b.buckets[t.collectionID]
	if bk == nil {
		bk = &bucket{oldest: time.Now()}
		b.buckets[t.collectionID] = bk
	}
	bk.tasks = append(bk.tasks, t)

	if len(bk.tasks) >= b.maxSize {
		delete(b.buckets, t.collectionID)
		return bk.tasks
	}
	return nil
}

// Expired removes and returns every bucket whose oldest task has been
// buffered for at least the timeout.
func (b *batcher) Expired(now time.Time) [][]task {
	b.mu.Lock()
	defer b.mu.Unlock()

	var due [][]task
	for id, bk := range b.buckets {
		if now.Sub(bk.oldest) >= b.timeout {
			due = append(due, bk.tasks)
			delete(b.buckets, id)
		}
	}
	return due
}

// Drain removes and returns every bucket regardless of age. Used at
// shutdown so buffered deliveries commit instead of timing out back onto
// the queue.
func (b *batcher) Drain() [][]task {
	b.mu.Lock()
	defer b.mu.Unlock()

	var all [][]task
	for id, bk := range b.buckets {
		all = append(all, bk.tasks)
		delete(b.buckets, id)
	}
	return all
}

// Pending counts buffered tasks across all buckets.
func (b *batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, bk := range b.buckets {
		n += len(bk.tasks)
	}
	return n
}
