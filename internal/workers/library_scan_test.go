package workers

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
	"github.com/ternarybob/imago/internal/queue"
)

func newLibraryScanWorker(env *testEnv) *LibraryScanWorker {
	return NewLibraryScanWorker(env.libraries, env.collections, env.notifier, env.tracker, env.bus, env.logger)
}

func TestLibraryScanClassifiesChildren(t *testing.T) {
	env := newTestEnv(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "album1", "a.jpg"), []byte("jpg-bytes"))
	writeFile(t, filepath.Join(root, "album2", "nested", "b.png"), []byte("png-bytes"))
	writeFile(t, filepath.Join(root, "docs", "readme.txt"), []byte("text"))
	writeFile(t, filepath.Join(root, "notes.txt"), []byte("text"))
	writeArchive(t, filepath.Join(root, "comic.cbz"), map[string][]byte{"p1.jpg": []byte("page")})

	settings := defaultSettings()
	seedLibrary(t, env, &models.Library{
		ID:              "lib_1",
		Name:            "Photos",
		RootPath:        root,
		AutoScan:        true,
		DefaultSettings: settings,
	})

	svc := newScanService(env)
	jobID, err := svc.ScanLibrary(context.Background(), "lib_1")
	if err != nil {
		t.Fatalf("scan library: %v", err)
	}
	deliveries := drainQueue(t, env, models.QueueLibraryScan)
	if len(deliveries) != 1 {
		t.Fatalf("got %d library.scan messages, want 1", len(deliveries))
	}

	worker := newLibraryScanWorker(env)
	if outcome := worker.Handle(context.Background(), deliveries[0]); outcome != queue.OutcomeAck {
		t.Fatalf("outcome = %v, want ack", outcome)
	}

	collections, err := env.collections.List(context.Background())
	if err != nil {
		t.Fatalf("list collections: %v", err)
	}
	if len(collections) != 3 {
		t.Fatalf("got %d collections, want 3", len(collections))
	}
	sort.Slice(collections, func(i, j int) bool { return collections[i].Name < collections[j].Name })

	wantNames := []string{"album1", "album2", "comic"}
	wantTypes := []models.CollectionType{models.CollectionTypeFolder, models.CollectionTypeFolder, models.CollectionTypeArchive}
	for i, c := range collections {
		if c.Name != wantNames[i] || c.Type != wantTypes[i] {
			t.Errorf("collection[%d] = %s (%s), want %s (%s)", i, c.Name, c.Type, wantNames[i], wantTypes[i])
		}
		if c.LibraryID != "lib_1" {
			t.Errorf("collection %s library = %s", c.Name, c.LibraryID)
		}
		if c.Settings.ThumbnailWidth != settings.ThumbnailWidth {
			t.Errorf("collection %s did not adopt library defaults", c.Name)
		}
	}

	scans := drainQueue(t, env, models.QueueCollectionScan)
	if len(scans) != 3 {
		t.Fatalf("got %d collection.scan messages, want 3", len(scans))
	}
	for _, d := range scans {
		var msg models.CollectionScanMessage
		decodeBody(t, d, &msg)
		if msg.ScanJobID != jobID {
			t.Errorf("chained scan carries job %q, want %q", msg.ScanJobID, jobID)
		}
	}

	job := getJob(t, env, jobID)
	if job.Status != models.JobStatusCompleted {
		t.Errorf("job status = %s, want completed", job.Status)
	}
	if job.CompletedItems != 3 {
		t.Errorf("job completed = %d, want 3", job.CompletedItems)
	}
}

func TestLibraryScanRefreshKeepsArraysAndDirectFlag(t *testing.T) {
	env := newTestEnv(t)
	root := t.TempDir()
	albumPath := filepath.Join(root, "album1")
	writeFile(t, filepath.Join(albumPath, "a.jpg"), []byte("jpg-bytes"))

	libSettings := defaultSettings()
	libSettings.ThumbnailWidth = 640
	seedLibrary(t, env, &models.Library{
		ID: "lib_1", Name: "Photos", RootPath: root, AutoScan: true,
		DefaultSettings: libSettings,
	})

	oldSettings := defaultSettings()
	oldSettings.UseDirectFileAccess = true
	existing := &models.Collection{
		ID:       "col_old",
		Name:     "Old Name",
		Path:     albumPath,
		Type:     models.CollectionTypeFolder,
		Settings: oldSettings,
		Images: []models.Image{
			{ID: "img_1", Filename: "a.jpg", RelativePath: "a.jpg", Width: 640, Height: 480, Format: "jpeg"},
		},
	}
	if err := env.collections.Upsert(context.Background(), existing); err != nil {
		t.Fatalf("seed collection: %v", err)
	}

	svc := newScanService(env)
	if _, err := svc.ScanLibrary(context.Background(), "lib_1"); err != nil {
		t.Fatalf("scan library: %v", err)
	}
	deliveries := drainQueue(t, env, models.QueueLibraryScan)
	worker := newLibraryScanWorker(env)
	if outcome := worker.Handle(context.Background(), deliveries[0]); outcome != queue.OutcomeAck {
		t.Fatalf("outcome = %v, want ack", outcome)
	}

	refreshed := getCollection(t, env, "col_old")
	if refreshed.Name != "album1" {
		t.Errorf("name = %q, want refreshed to album1", refreshed.Name)
	}
	if len(refreshed.Images) != 1 || refreshed.Images[0].ID != "img_1" {
		t.Errorf("images array was not preserved: %+v", refreshed.Images)
	}
	if !refreshed.Settings.UseDirectFileAccess {
		t.Error("direct file access flag was lost on refresh")
	}
	if refreshed.Settings.ThumbnailWidth != 640 {
		t.Errorf("thumbnail width = %d, want library default 640", refreshed.Settings.ThumbnailWidth)
	}
}

func TestLibraryScanMissingRootFailsJob(t *testing.T) {
	env := newTestEnv(t)
	seedLibrary(t, env, &models.Library{
		ID: "lib_1", Name: "Gone", RootPath: filepath.Join(t.TempDir(), "never-created"), AutoScan: true,
	})

	job, err := env.tracker.CreateJob(context.Background(), models.JobTypeLibraryScan, "")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	worker := newLibraryScanWorker(env)
	d := delivery(t, models.LibraryScanMessage{
		LibraryID:   "lib_1",
		LibraryPath: "ignored",
		ScanJobID:   job.ID,
	})
	if outcome := worker.Handle(context.Background(), d); outcome != queue.OutcomeDrop {
		t.Fatalf("outcome = %v, want drop", outcome)
	}

	failed := getJob(t, env, job.ID)
	if failed.Status != models.JobStatusFailed {
		t.Errorf("job status = %s, want failed", failed.Status)
	}
}

func TestLibraryScanMalformedMessageDrops(t *testing.T) {
	env := newTestEnv(t)
	worker := newLibraryScanWorker(env)

	d := &interfaces.Delivery{ID: "junk", Body: []byte("{not json")}
	if outcome := worker.Handle(context.Background(), d); outcome != queue.OutcomeDrop {
		t.Fatalf("outcome = %v, want drop", outcome)
	}
}
