package generator

import (
	"archive/zip"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/imago/internal/artifacts"
	"github.com/ternarybob/imago/internal/common"
	"github.com/ternarybob/imago/internal/imaging"
	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
	"github.com/ternarybob/imago/internal/queue"
	"github.com/ternarybob/imago/internal/services/events"
	"github.com/ternarybob/imago/internal/services/jobs"
	badgerstorage "github.com/ternarybob/imago/internal/storage/badger"
)

type testEnv struct {
	collections interfaces.CollectionStorage
	jobStorage  interfaces.JobStorage
	settings    interfaces.SettingsStorage
	bus         *queue.Bus
	tracker     *jobs.Tracker
	events      interfaces.EventService
	store       interfaces.ArtifactStore
	logger      arbor.ILogger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := arbor.NewLogger()
	manager, err := badgerstorage.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { manager.Close() })

	db := manager.DB().(*badgerhold.Store).Badger()
	bus, err := queue.NewBus(db, &common.QueueConfig{
		VisibilityTimeout: "5m",
		MessageTTL:        "24h",
		MaxReceive:        3,
	}, logger)
	if err != nil {
		t.Fatalf("failed to open bus: %v", err)
	}

	eventService := events.NewService(logger)
	t.Cleanup(func() { eventService.Close() })

	store, err := artifacts.NewStore(&common.ArtifactsConfig{Root: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("failed to open artifact store: %v", err)
	}

	return &testEnv{
		collections: manager.CollectionStorage(),
		jobStorage:  manager.JobStorage(),
		settings:    manager.SettingsStorage(),
		bus:         bus,
		tracker:     jobs.NewTracker(manager.JobStorage(), eventService, logger),
		events:      eventService,
		store:       store,
		logger:      logger,
	}
}

func newGenerator(t *testing.T, env *testEnv, batchSize int) *Service {
	t.Helper()
	return NewService(
		env.collections, env.settings, env.store, env.tracker, env.bus, env.events,
		&common.BatchConfig{MaxBatchSize: batchSize, BatchTimeoutSeconds: 60, MaxConcurrentBatches: 2},
		&common.MemoryConfig{MaxMemoryUsageMB: 256, MaxConcurrentProcessing: 4, PoolSize: 4, BufferSizeBytes: 1 << 20},
		&common.LimitsConfig{MaxImageSizeBytes: 500 << 20, MaxZipEntrySizeBytes: 500 << 20},
		env.logger,
	)
}

// runBatch feeds real bus deliveries through the handler and blocks until
// every launched flush has committed.
func runBatch(t *testing.T, svc *Service, handler queue.Handler, deliveries []*interfaces.Delivery) {
	t.Helper()
	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start generator: %v", err)
	}
	for _, d := range deliveries {
		if got := handler(ctx, d); got != queue.OutcomeRetained {
			t.Fatalf("handler outcome = %v, want retained", got)
		}
	}
	svc.Stop()
}

func publishGeneration(t *testing.T, env *testEnv, messageType models.MessageType, payload interface{}) {
	t.Helper()
	if err := queue.PublishMessage(context.Background(), env.bus, messageType, payload); err != nil {
		t.Fatalf("publish %s: %v", messageType, err)
	}
}

func receiveAll(t *testing.T, env *testEnv, queueName string, n int) []*interfaces.Delivery {
	t.Helper()
	deliveries := make([]*interfaces.Delivery, 0, n)
	for i := 0; i < n; i++ {
		d, err := env.bus.Receive(context.Background(), queueName)
		if err != nil {
			t.Fatalf("receive %d on %s failed: %v", i, queueName, err)
		}
		deliveries = append(deliveries, d)
	}
	return deliveries
}

func assertQueueEmpty(t *testing.T, env *testEnv, queueName string) {
	t.Helper()
	if _, err := env.bus.Receive(context.Background(), queueName); err != models.ErrNoMessage {
		t.Fatalf("queue %s not empty, receive returned %v", queueName, err)
	}
}

func getCollection(t *testing.T, env *testEnv, id string) *models.Collection {
	t.Helper()
	c, err := env.collections.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get collection %s: %v", id, err)
	}
	return c
}

func getJob(t *testing.T, env *testEnv, jobID string) *models.ScanJob {
	t.Helper()
	job, err := env.jobStorage.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get job %s: %v", jobID, err)
	}
	return job
}

// seedJob creates a job with the given stage totals.
func seedJob(t *testing.T, env *testEnv, collectionID string, stages map[string]int) string {
	t.Helper()
	ctx := context.Background()
	job, err := env.tracker.CreateJob(ctx, models.JobTypeCollectionScan, collectionID)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	for stage, total := range stages {
		if err := env.tracker.InitStage(ctx, job.ID, stage, total); err != nil {
			t.Fatalf("init stage %s: %v", stage, err)
		}
	}
	return job.ID
}

func testPattern(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x*7 + y*13) % 256),
				G: uint8((x*3 + y*5) % 256),
				B: uint8((x*11 + y*2) % 256),
				A: 255,
			})
		}
	}
	return img
}

func writePNG(t *testing.T, path string, width, height int) int64 {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, testPattern(width, height)); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	writeFile(t, path, buf.Bytes())
	return int64(buf.Len())
}

func writeJPEG(t *testing.T, path string, width, height, quality int) int64 {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, testPattern(width, height), &jpeg.Options{Quality: quality}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	writeFile(t, path, buf.Bytes())
	return int64(buf.Len())
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func countFiles(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	return n
}

func TestThumbnailBatchRendersAndCommits(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()

	sizeA := writePNG(t, filepath.Join(dir, "a.png"), 64, 48)
	sizeB := writePNG(t, filepath.Join(dir, "b.png"), 80, 60)

	collection := &models.Collection{
		ID:   "col_1",
		Name: "album",
		Path: dir,
		Type: models.CollectionTypeFolder,
		Images: []models.Image{
			{ID: "img_a", Filename: "a.png", RelativePath: "a.png", Width: 64, Height: 48, Format: "png", SizeBytes: sizeA},
			{ID: "img_b", Filename: "b.png", RelativePath: "b.png", Width: 80, Height: 60, Format: "png", SizeBytes: sizeB},
		},
	}
	if err := env.collections.Upsert(context.Background(), collection); err != nil {
		t.Fatalf("seed collection: %v", err)
	}
	jobID := seedJob(t, env, "col_1", map[string]int{models.StageThumbnail: 2})

	committed := make(chan interfaces.Event, 1)
	if err := env.events.Subscribe(interfaces.EventBatchCommitted, func(ctx context.Context, e interfaces.Event) error {
		select {
		case committed <- e:
		default:
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for _, imageID := range []string{"img_a", "img_b"} {
		img := collection.FindImage(imageID)
		publishGeneration(t, env, models.MessageTypeThumbnailGeneration, models.ThumbnailGenerationMessage{
			CollectionID: "col_1",
			ImageID:      imageID,
			ImagePath:    img.SourcePath(collection),
			Width:        200,
			Height:       200,
			ScanJobID:    jobID,
		})
	}

	svc := newGenerator(t, env, 2)
	runBatch(t, svc, svc.ThumbnailHandler(), receiveAll(t, env, models.QueueThumbnailGeneration, 2))

	updated := getCollection(t, env, "col_1")
	if len(updated.Thumbnails) != 2 {
		t.Fatalf("thumbnail entries = %d, want 2", len(updated.Thumbnails))
	}
	for _, entry := range updated.Thumbnails {
		if entry.Width != 200 || entry.Height != 200 {
			t.Errorf("entry %s box = %dx%d, want 200x200", entry.ImageID, entry.Width, entry.Height)
		}
		if entry.Format != "jpeg" || entry.Quality != 85 {
			t.Errorf("entry %s encode = %s q%d, want jpeg q85", entry.ImageID, entry.Format, entry.Quality)
		}
		if entry.SizeBytes <= 0 {
			t.Errorf("entry %s has no recorded size", entry.ImageID)
		}
		size, ok := env.store.Stat(entry.Path)
		if !ok || size != entry.SizeBytes {
			t.Errorf("artifact %s on disk = %d bytes (present %v), entry records %d", entry.Path, size, ok, entry.SizeBytes)
		}
	}

	job := getJob(t, env, jobID)
	stage := job.Stage(models.StageThumbnail)
	if stage == nil || stage.CompletedItems != 2 || stage.FailedItems != 0 {
		t.Fatalf("thumbnail stage = %+v, want 2 completed 0 failed", stage)
	}
	if job.CompletedItems != 2 {
		t.Errorf("job completed = %d, want 2", job.CompletedItems)
	}
	if job.Status != models.JobStatusCompleted {
		t.Errorf("job status = %s, want completed", job.Status)
	}
	if job.BytesProcessed <= 0 {
		t.Errorf("job bytes processed = %d, want > 0", job.BytesProcessed)
	}

	assertQueueEmpty(t, env, models.QueueThumbnailGeneration)
	assertQueueEmpty(t, env, models.QueueDeadLetter)

	select {
	case e := <-committed:
		payload := e.Payload.(map[string]interface{})
		if payload["rendered"].(int) != 2 {
			t.Errorf("event rendered = %v, want 2", payload["rendered"])
		}
		if payload["collection_id"].(string) != "col_1" {
			t.Errorf("event collection = %v", payload["collection_id"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no batch event observed")
	}
}

func TestCacheQualityFollowsSourceDensity(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()

	bigSize := writeJPEG(t, filepath.Join(dir, "big.jpg"), 800, 600, 30)
	smallSize := writePNG(t, filepath.Join(dir, "small.png"), 100, 80)

	collection := &models.Collection{
		ID:   "col_1",
		Name: "album",
		Path: dir,
		Type: models.CollectionTypeFolder,
		Images: []models.Image{
			{ID: "img_big", Filename: "big.jpg", RelativePath: "big.jpg", Width: 800, Height: 600, Format: "jpeg", SizeBytes: bigSize},
			{ID: "img_small", Filename: "small.png", RelativePath: "small.png", Width: 100, Height: 80, Format: "png", SizeBytes: smallSize},
		},
	}
	if err := env.collections.Upsert(context.Background(), collection); err != nil {
		t.Fatalf("seed collection: %v", err)
	}
	jobID := seedJob(t, env, "col_1", map[string]int{models.StageCache: 2})

	for _, imageID := range []string{"img_big", "img_small"} {
		img := collection.FindImage(imageID)
		publishGeneration(t, env, models.MessageTypeCacheGeneration, models.CacheGenerationMessage{
			CollectionID: "col_1",
			ImageID:      imageID,
			ImagePath:    img.SourcePath(collection),
			Width:        400,
			Height:       400,
			Format:       "jpeg",
			Quality:      85,
			ScanJobID:    jobID,
		})
	}

	svc := newGenerator(t, env, 2)
	runBatch(t, svc, svc.CacheHandler(), receiveAll(t, env, models.QueueCacheGeneration, 2))

	updated := getCollection(t, env, "col_1")
	if len(updated.CacheImages) != 2 {
		t.Fatalf("cache entries = %d, want 2", len(updated.CacheImages))
	}

	big := updated.FindCacheImage("img_big")
	wantQuality := imaging.EstimateSourceQuality(bigSize, 800, 600)
	if wantQuality > 85 {
		wantQuality = 85
	}
	if big == nil || big.Quality != wantQuality {
		t.Fatalf("big cache quality = %+v, want %d", big, wantQuality)
	}
	if big.Width != 400 || big.Height != 300 {
		t.Errorf("big cache dims = %dx%d, want 400x300", big.Width, big.Height)
	}

	small := updated.FindCacheImage("img_small")
	if small == nil || small.Quality != 100 {
		t.Fatalf("small cache quality = %+v, want 100 passthrough", small)
	}
	if small.Width != 100 || small.Height != 80 {
		t.Errorf("small cache dims = %dx%d, want source 100x80", small.Width, small.Height)
	}

	var wantTotal int64
	for _, entry := range updated.CacheImages {
		wantTotal += entry.SizeBytes
	}
	if updated.CacheSizeBytes != wantTotal {
		t.Errorf("cache size counter = %d, want %d", updated.CacheSizeBytes, wantTotal)
	}

	job := getJob(t, env, jobID)
	if stage := job.Stage(models.StageCache); stage == nil || stage.CompletedItems != 2 {
		t.Fatalf("cache stage = %+v, want 2 completed", stage)
	}
	if job.Status != models.JobStatusCompleted {
		t.Errorf("job status = %s, want completed", job.Status)
	}
}

func TestIdempotenceSkipsAndReregisters(t *testing.T) {
	env := newTestEnv(t)

	// Sources deliberately point nowhere: any render attempt would fail
	// and show up in the counters.
	liveArtifact := filepath.Join(t.TempDir(), "a.jpg")
	writeFile(t, liveArtifact, []byte("existing-thumb"))

	collection := &models.Collection{
		ID:   "col_1",
		Name: "album",
		Path: "/missing",
		Type: models.CollectionTypeFolder,
		Images: []models.Image{
			{ID: "img_a", Filename: "a.png", RelativePath: "a.png", Width: 64, Height: 48, Format: "png", SizeBytes: 10},
			{ID: "img_b", Filename: "b.png", RelativePath: "b.png", Width: 64, Height: 48, Format: "png", SizeBytes: 10},
		},
		Thumbnails: []models.ThumbnailEntry{
			{ImageID: "img_a", Path: liveArtifact, Width: 200, Height: 200, Format: "jpeg", Quality: 85, SizeBytes: 14, CreatedAt: time.Now()},
		},
	}
	if err := env.collections.Upsert(context.Background(), collection); err != nil {
		t.Fatalf("seed collection: %v", err)
	}

	// img_b's bytes exist at the expected artifact path but the entry was
	// lost, the state a crash between write and commit leaves behind.
	if _, err := env.store.EnsureCollectionDir(models.ArtifactKindThumbnail, "col_1"); err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	orphanPath := env.store.ArtifactPath(models.ArtifactKindThumbnail, "col_1", "img_b", "jpeg")
	writeFile(t, orphanPath, []byte("orphaned-bytes"))

	jobID := seedJob(t, env, "col_1", map[string]int{models.StageThumbnail: 2})

	for _, imageID := range []string{"img_a", "img_b"} {
		publishGeneration(t, env, models.MessageTypeThumbnailGeneration, models.ThumbnailGenerationMessage{
			CollectionID: "col_1",
			ImageID:      imageID,
			ImagePath:    "/missing/" + imageID + ".png",
			Width:        200,
			Height:       200,
			ScanJobID:    jobID,
		})
	}

	svc := newGenerator(t, env, 2)
	runBatch(t, svc, svc.ThumbnailHandler(), receiveAll(t, env, models.QueueThumbnailGeneration, 2))

	updated := getCollection(t, env, "col_1")
	if len(updated.Thumbnails) != 2 {
		t.Fatalf("thumbnail entries = %d, want 2", len(updated.Thumbnails))
	}
	reregistered := updated.FindThumbnail("img_b", 200, 200)
	if reregistered == nil {
		t.Fatal("img_b was not re-registered")
	}
	if reregistered.SizeBytes != int64(len("orphaned-bytes")) {
		t.Errorf("re-registered size = %d, want stat of existing bytes", reregistered.SizeBytes)
	}

	job := getJob(t, env, jobID)
	if job.FailedItems != 0 {
		t.Fatalf("failed items = %d, want 0 (nothing should have rendered)", job.FailedItems)
	}
	if stage := job.Stage(models.StageThumbnail); stage == nil || stage.CompletedItems != 2 {
		t.Fatalf("thumbnail stage = %+v, want 2 completed", stage)
	}
	if job.Status != models.JobStatusCompleted {
		t.Errorf("job status = %s, want completed", job.Status)
	}
}

func TestUndecodableSourceWritesSentinel(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bad.png"), []byte("this is not an image"))

	collection := &models.Collection{
		ID:   "col_1",
		Name: "album",
		Path: dir,
		Type: models.CollectionTypeFolder,
		Images: []models.Image{
			{ID: "img_bad", Filename: "bad.png", RelativePath: "bad.png", Width: 10, Height: 10, Format: "png", SizeBytes: 20},
		},
	}
	if err := env.collections.Upsert(context.Background(), collection); err != nil {
		t.Fatalf("seed collection: %v", err)
	}
	jobID := seedJob(t, env, "col_1", map[string]int{models.StageThumbnail: 1})

	publishGeneration(t, env, models.MessageTypeThumbnailGeneration, models.ThumbnailGenerationMessage{
		CollectionID: "col_1",
		ImageID:      "img_bad",
		ImagePath:    filepath.Join(dir, "bad.png"),
		Width:        200,
		Height:       200,
		ScanJobID:    jobID,
	})

	svc := newGenerator(t, env, 1)
	runBatch(t, svc, svc.ThumbnailHandler(), receiveAll(t, env, models.QueueThumbnailGeneration, 1))

	updated := getCollection(t, env, "col_1")
	if len(updated.Thumbnails) != 1 {
		t.Fatalf("thumbnail entries = %d, want 1 sentinel", len(updated.Thumbnails))
	}
	if !updated.Thumbnails[0].IsSentinel() {
		t.Fatalf("entry = %+v, want sentinel", updated.Thumbnails[0])
	}

	job := getJob(t, env, jobID)
	stage := job.Stage(models.StageThumbnail)
	if stage == nil || stage.CompletedItems != 1 || stage.FailedItems != 1 {
		t.Fatalf("thumbnail stage = %+v, want 1 completed 1 failed", stage)
	}
	if job.FailedItems != 1 {
		t.Errorf("job failed = %d, want 1", job.FailedItems)
	}
	if job.ErrorCounts[models.ErrorKindDecodeFailure] != 1 {
		t.Errorf("error counts = %v, want one decode failure", job.ErrorCounts)
	}
	if job.Status != models.JobStatusCompleted {
		t.Errorf("job status = %s, want completed (failures still settle the stage)", job.Status)
	}

	assertQueueEmpty(t, env, models.QueueThumbnailGeneration)
	assertQueueEmpty(t, env, models.QueueDeadLetter)
}

func TestOversizeSourceFailsPermanently(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "huge.png"), 64, 48)

	collection := &models.Collection{
		ID:   "col_1",
		Name: "album",
		Path: dir,
		Type: models.CollectionTypeFolder,
		Images: []models.Image{
			{ID: "img_huge", Filename: "huge.png", RelativePath: "huge.png", Width: 64, Height: 48, Format: "png", SizeBytes: 999},
		},
	}
	if err := env.collections.Upsert(context.Background(), collection); err != nil {
		t.Fatalf("seed collection: %v", err)
	}
	jobID := seedJob(t, env, "col_1", map[string]int{models.StageCache: 1})

	publishGeneration(t, env, models.MessageTypeCacheGeneration, models.CacheGenerationMessage{
		CollectionID: "col_1",
		ImageID:      "img_huge",
		ImagePath:    filepath.Join(dir, "huge.png"),
		Width:        400,
		Height:       400,
		Format:       "jpeg",
		Quality:      85,
		ScanJobID:    jobID,
	})

	svc := NewService(
		env.collections, env.settings, env.store, env.tracker, env.bus, env.events,
		&common.BatchConfig{MaxBatchSize: 1, BatchTimeoutSeconds: 60, MaxConcurrentBatches: 1},
		&common.MemoryConfig{MaxMemoryUsageMB: 64, MaxConcurrentProcessing: 2, PoolSize: 2, BufferSizeBytes: 1 << 16},
		&common.LimitsConfig{MaxImageSizeBytes: 10, MaxZipEntrySizeBytes: 10},
		env.logger,
	)
	runBatch(t, svc, svc.CacheHandler(), receiveAll(t, env, models.QueueCacheGeneration, 1))

	updated := getCollection(t, env, "col_1")
	if len(updated.CacheImages) != 1 || !updated.CacheImages[0].IsSentinel() {
		t.Fatalf("cache entries = %+v, want one sentinel", updated.CacheImages)
	}

	job := getJob(t, env, jobID)
	if job.ErrorCounts[models.ErrorKindOversizeSource] != 1 {
		t.Errorf("error counts = %v, want one oversize", job.ErrorCounts)
	}
	if stage := job.Stage(models.StageCache); stage == nil || stage.FailedItems != 1 {
		t.Fatalf("cache stage = %+v, want 1 failed", stage)
	}
}

func TestForceRegenerateRewritesEntry(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	srcSize := writeJPEG(t, filepath.Join(dir, "p.jpg"), 800, 600, 30)

	if _, err := env.store.EnsureCollectionDir(models.ArtifactKindCache, "col_1"); err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	stalePath := env.store.ArtifactPath(models.ArtifactKindCache, "col_1", "img_p", "jpeg")
	writeFile(t, stalePath, []byte("stale"))

	collection := &models.Collection{
		ID:   "col_1",
		Name: "album",
		Path: dir,
		Type: models.CollectionTypeFolder,
		Images: []models.Image{
			{ID: "img_p", Filename: "p.jpg", RelativePath: "p.jpg", Width: 800, Height: 600, Format: "jpeg", SizeBytes: srcSize},
		},
		CacheImages: []models.CacheEntry{
			{ImageID: "img_p", Path: stalePath, Width: 400, Height: 300, Format: "jpeg", Quality: 85, SizeBytes: 5, CreatedAt: time.Now()},
		},
		CacheSizeBytes: 5,
	}
	if err := env.collections.Upsert(context.Background(), collection); err != nil {
		t.Fatalf("seed collection: %v", err)
	}
	jobID := seedJob(t, env, "col_1", map[string]int{models.StageCache: 1})

	publishGeneration(t, env, models.MessageTypeCacheGeneration, models.CacheGenerationMessage{
		CollectionID:    "col_1",
		ImageID:         "img_p",
		ImagePath:       filepath.Join(dir, "p.jpg"),
		Width:           400,
		Height:          400,
		Format:          "jpeg",
		Quality:         85,
		ForceRegenerate: true,
		ScanJobID:       jobID,
	})

	svc := newGenerator(t, env, 1)
	runBatch(t, svc, svc.CacheHandler(), receiveAll(t, env, models.QueueCacheGeneration, 1))

	updated := getCollection(t, env, "col_1")
	if len(updated.CacheImages) != 1 {
		t.Fatalf("cache entries = %d, want the one replaced entry", len(updated.CacheImages))
	}
	entry := updated.CacheImages[0]
	if entry.SizeBytes == 5 {
		t.Fatal("entry size unchanged, regeneration did not replace the record")
	}
	size, ok := env.store.Stat(stalePath)
	if !ok || size != entry.SizeBytes || size == int64(len("stale")) {
		t.Fatalf("artifact = %d bytes (present %v), want rewritten to %d", size, ok, entry.SizeBytes)
	}

	wantQuality := imaging.EstimateSourceQuality(srcSize, 800, 600)
	if wantQuality > 85 {
		wantQuality = 85
	}
	if entry.Quality != wantQuality {
		t.Errorf("entry quality = %d, want %d", entry.Quality, wantQuality)
	}

	if updated.CacheSizeBytes != entry.SizeBytes {
		t.Errorf("cache size counter = %d, want %d after replacing 5 recorded bytes", updated.CacheSizeBytes, entry.SizeBytes)
	}
}

func TestDirectCollectionRegistersReferences(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "photo.png")
	writePNG(t, srcPath, 64, 48)

	collection := &models.Collection{
		ID:   "col_1",
		Name: "album",
		Path: dir,
		Type: models.CollectionTypeFolder,
		Settings: models.CollectionSettings{
			GenerateThumbnails:  true,
			GenerateCache:       true,
			UseDirectFileAccess: true,
		},
		Images: []models.Image{
			{ID: "img_1", Filename: "photo.png", RelativePath: "photo.png", Width: 64, Height: 48, Format: "png", SizeBytes: 1234},
		},
	}
	if err := env.collections.Upsert(context.Background(), collection); err != nil {
		t.Fatalf("seed collection: %v", err)
	}
	jobID := seedJob(t, env, "col_1", map[string]int{models.StageThumbnail: 1, models.StageCache: 1})

	publishGeneration(t, env, models.MessageTypeThumbnailGeneration, models.ThumbnailGenerationMessage{
		CollectionID: "col_1", ImageID: "img_1", ImagePath: srcPath,
		Width: 200, Height: 200, ScanJobID: jobID,
	})
	publishGeneration(t, env, models.MessageTypeCacheGeneration, models.CacheGenerationMessage{
		CollectionID: "col_1", ImageID: "img_1", ImagePath: srcPath,
		Width: 400, Height: 400, Format: "jpeg", Quality: 85, ScanJobID: jobID,
	})

	svc := newGenerator(t, env, 2)
	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start generator: %v", err)
	}
	thumbDelivery := receiveAll(t, env, models.QueueThumbnailGeneration, 1)[0]
	cacheDelivery := receiveAll(t, env, models.QueueCacheGeneration, 1)[0]
	if got := svc.ThumbnailHandler()(ctx, thumbDelivery); got != queue.OutcomeRetained {
		t.Fatalf("thumbnail outcome = %v", got)
	}
	if got := svc.CacheHandler()(ctx, cacheDelivery); got != queue.OutcomeRetained {
		t.Fatalf("cache outcome = %v", got)
	}
	svc.Stop()

	updated := getCollection(t, env, "col_1")
	if len(updated.Thumbnails) != 1 || len(updated.CacheImages) != 1 {
		t.Fatalf("entries = %d thumb %d cache, want 1 and 1", len(updated.Thumbnails), len(updated.CacheImages))
	}
	thumb := updated.Thumbnails[0]
	if thumb.Path != srcPath || thumb.Quality != 100 || thumb.SizeBytes != 1234 {
		t.Errorf("thumb reference = %+v, want source path at quality 100", thumb)
	}
	cache := updated.CacheImages[0]
	if cache.Path != srcPath || cache.Quality != 100 {
		t.Errorf("cache reference = %+v, want source path at quality 100", cache)
	}
	if updated.CacheSizeBytes != 0 {
		t.Errorf("cache size counter = %d, want 0 for direct references", updated.CacheSizeBytes)
	}
	if n := countFiles(t, env.store.Root()); n != 0 {
		t.Errorf("artifact files = %d, want none for direct mode", n)
	}

	job := getJob(t, env, jobID)
	if job.Status != models.JobStatusCompleted {
		t.Errorf("job status = %s, want completed", job.Status)
	}
}

func TestWriteFailureRequeuesOnlyThatItem(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), 64, 48)
	writePNG(t, filepath.Join(dir, "b.png"), 64, 48)

	collection := &models.Collection{
		ID:   "col_1",
		Name: "album",
		Path: dir,
		Type: models.CollectionTypeFolder,
		Images: []models.Image{
			{ID: "img_a", Filename: "a.png", RelativePath: "a.png", Width: 64, Height: 48, Format: "png", SizeBytes: 10},
			{ID: "img_b", Filename: "b.png", RelativePath: "b.png", Width: 64, Height: 48, Format: "png", SizeBytes: 10},
		},
	}
	if err := env.collections.Upsert(context.Background(), collection); err != nil {
		t.Fatalf("seed collection: %v", err)
	}
	jobID := seedJob(t, env, "col_1", map[string]int{models.StageThumbnail: 2})

	// A directory squatting on img_b's artifact path makes every write
	// fail while img_a's commits normally.
	blockedPath := env.store.ArtifactPath(models.ArtifactKindThumbnail, "col_1", "img_b", "jpeg")
	if err := os.MkdirAll(blockedPath, 0755); err != nil {
		t.Fatalf("block path: %v", err)
	}

	for _, imageID := range []string{"img_a", "img_b"} {
		publishGeneration(t, env, models.MessageTypeThumbnailGeneration, models.ThumbnailGenerationMessage{
			CollectionID: "col_1",
			ImageID:      imageID,
			ImagePath:    filepath.Join(dir, imageID[4:]+".png"),
			Width:        200,
			Height:       200,
			ScanJobID:    jobID,
		})
	}

	svc := newGenerator(t, env, 2)
	runBatch(t, svc, svc.ThumbnailHandler(), receiveAll(t, env, models.QueueThumbnailGeneration, 2))

	updated := getCollection(t, env, "col_1")
	if len(updated.Thumbnails) != 1 || updated.Thumbnails[0].ImageID != "img_a" {
		t.Fatalf("entries = %+v, want only img_a committed", updated.Thumbnails)
	}

	job := getJob(t, env, jobID)
	stage := job.Stage(models.StageThumbnail)
	if stage == nil || stage.CompletedItems != 1 || stage.FailedItems != 0 {
		t.Fatalf("thumbnail stage = %+v, want 1 completed 0 failed", stage)
	}
	if job.Status != models.JobStatusRunning {
		t.Errorf("job status = %s, want still running", job.Status)
	}

	redelivered, err := env.bus.Receive(context.Background(), models.QueueThumbnailGeneration)
	if err != nil {
		t.Fatalf("expected requeued message: %v", err)
	}
	var msg models.ThumbnailGenerationMessage
	if err := models.DecodeMessage(redelivered.Body, &msg); err != nil {
		t.Fatalf("decode redelivered: %v", err)
	}
	if msg.ImageID != "img_b" {
		t.Errorf("requeued image = %s, want img_b", msg.ImageID)
	}
	if redelivered.ReceiveCount != 2 {
		t.Errorf("receive count = %d, want 2", redelivered.ReceiveCount)
	}
	assertQueueEmpty(t, env, models.QueueThumbnailGeneration)
}

func TestCollectionGoneDeadLettersBatch(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 2; i++ {
		publishGeneration(t, env, models.MessageTypeThumbnailGeneration, models.ThumbnailGenerationMessage{
			CollectionID: "col_missing",
			ImageID:      "img_x",
			ImagePath:    "/nowhere.png",
			Width:        200,
			Height:       200,
		})
	}

	svc := newGenerator(t, env, 2)
	runBatch(t, svc, svc.ThumbnailHandler(), receiveAll(t, env, models.QueueThumbnailGeneration, 2))

	assertQueueEmpty(t, env, models.QueueThumbnailGeneration)
	dead := receiveAll(t, env, models.QueueDeadLetter, 2)
	if len(dead) != 2 {
		t.Fatalf("dead letters = %d, want 2", len(dead))
	}
}

func TestArchiveSourceRenders(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()

	var pngBuf bytes.Buffer
	if err := png.Encode(&pngBuf, testPattern(64, 48)); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	zipPath := filepath.Join(dir, "comic.zip")
	zf, err := os.Create(zipPath)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	zw := zip.NewWriter(zf)
	w, err := zw.Create("pages/p1.png")
	if err != nil {
		t.Fatalf("zip entry: %v", err)
	}
	if _, err := w.Write(pngBuf.Bytes()); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := zf.Close(); err != nil {
		t.Fatalf("zip file close: %v", err)
	}

	collection := &models.Collection{
		ID:   "col_1",
		Name: "comic",
		Path: zipPath,
		Type: models.CollectionTypeArchive,
		Images: []models.Image{
			{ID: "img_1", Filename: "p1.png", RelativePath: "pages/p1.png", Width: 64, Height: 48, Format: "png", SizeBytes: int64(pngBuf.Len())},
		},
	}
	if err := env.collections.Upsert(context.Background(), collection); err != nil {
		t.Fatalf("seed collection: %v", err)
	}
	jobID := seedJob(t, env, "col_1", map[string]int{models.StageThumbnail: 1})

	publishGeneration(t, env, models.MessageTypeThumbnailGeneration, models.ThumbnailGenerationMessage{
		CollectionID: "col_1",
		ImageID:      "img_1",
		ImagePath:    models.JoinArchivePath(zipPath, "pages/p1.png"),
		Width:        200,
		Height:       200,
		ScanJobID:    jobID,
	})

	svc := newGenerator(t, env, 1)
	runBatch(t, svc, svc.ThumbnailHandler(), receiveAll(t, env, models.QueueThumbnailGeneration, 1))

	updated := getCollection(t, env, "col_1")
	if len(updated.Thumbnails) != 1 || updated.Thumbnails[0].IsSentinel() {
		t.Fatalf("thumbnails = %+v, want one live render", updated.Thumbnails)
	}
	if _, ok := env.store.Stat(updated.Thumbnails[0].Path); !ok {
		t.Fatalf("artifact missing at %s", updated.Thumbnails[0].Path)
	}
	if job := getJob(t, env, jobID); job.Status != models.JobStatusCompleted {
		t.Errorf("job status = %s, want completed", job.Status)
	}
}
