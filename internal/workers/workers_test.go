package workers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/imago/internal/common"
	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
	"github.com/ternarybob/imago/internal/queue"
	"github.com/ternarybob/imago/internal/services/events"
	"github.com/ternarybob/imago/internal/services/index"
	"github.com/ternarybob/imago/internal/services/jobs"
	badgerstorage "github.com/ternarybob/imago/internal/storage/badger"
)

type testEnv struct {
	libraries   interfaces.LibraryStorage
	collections interfaces.CollectionStorage
	jobStorage  interfaces.JobStorage
	bus         *queue.Bus
	tracker     *jobs.Tracker
	events      interfaces.EventService
	notifier    interfaces.IndexNotifier
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

	return &testEnv{
		libraries:   manager.LibraryStorage(),
		collections: manager.CollectionStorage(),
		jobStorage:  manager.JobStorage(),
		bus:         bus,
		tracker:     jobs.NewTracker(manager.JobStorage(), eventService, logger),
		events:      eventService,
		notifier:    index.NewNotifier(eventService, logger),
		logger:      logger,
	}
}

func defaultSettings() models.CollectionSettings {
	return models.CollectionSettings{
		GenerateThumbnails: true,
		GenerateCache:      true,
		ThumbnailWidth:     200,
		ThumbnailHeight:    200,
		CacheWidth:         1200,
		CacheHeight:        1200,
		CacheFormat:        "jpeg",
		CacheQuality:       85,
	}
}

// delivery wraps a message the way the dispatcher would hand it over.
func delivery(t *testing.T, msg interface{}) *interfaces.Delivery {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	return &interfaces.Delivery{ID: "test-delivery", Body: body}
}

func drainQueue(t *testing.T, env *testEnv, queueName string) []*interfaces.Delivery {
	t.Helper()
	ctx := context.Background()
	var deliveries []*interfaces.Delivery
	for {
		d, err := env.bus.Receive(ctx, queueName)
		if err == models.ErrNoMessage {
			return deliveries
		}
		if err != nil {
			t.Fatalf("receive on %s failed: %v", queueName, err)
		}
		if err := env.bus.Ack(ctx, d); err != nil {
			t.Fatalf("ack on %s failed: %v", queueName, err)
		}
		deliveries = append(deliveries, d)
	}
}

func decodeBody(t *testing.T, d *interfaces.Delivery, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(d.Body, out); err != nil {
		t.Fatalf("decode delivery body: %v", err)
	}
}

func getJob(t *testing.T, env *testEnv, jobID string) *models.ScanJob {
	t.Helper()
	job, err := env.jobStorage.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("load job %s: %v", jobID, err)
	}
	return job
}

func getCollection(t *testing.T, env *testEnv, id string) *models.Collection {
	t.Helper()
	collection, err := env.collections.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("load collection %s: %v", id, err)
	}
	return collection
}

func testPattern(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x*7 + y*13) % 251),
				G: uint8((x*3 + y*29) % 239),
				B: uint8((x*17 + y*5) % 233),
				A: 255,
			})
		}
	}
	return img
}

// writePNG writes a real decodable PNG and returns its on-disk size.
func writePNG(t *testing.T, path string, width, height int) int64 {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, testPattern(width, height)); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	writeFile(t, path, buf.Bytes())
	return int64(buf.Len())
}

func encodeJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, testPattern(width, height), &jpeg.Options{Quality: 85}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// writeArchive builds a real ZIP at path with the given name → content
// entries.
func writeArchive(t *testing.T, path string, entries map[string][]byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create entry %s: %v", name, err)
		}
		if _, err := w.Write(content); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
}
