package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()

	tmpDir := t.TempDir()
	options := badgerhold.DefaultOptions
	options.Dir = tmpDir
	options.ValueDir = tmpDir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	return &BadgerDB{store: store}
}

func TestCollectionUpsertPreservesArrays(t *testing.T) {
	db := newTestDB(t)
	storage := NewCollectionStorage(db, arbor.NewLogger())
	ctx := context.Background()

	collection := &models.Collection{
		ID:        "col_1",
		LibraryID: "lib_1",
		Name:      "holiday",
		Path:      "/photos/holiday",
		Type:      models.CollectionTypeFolder,
	}
	if err := storage.Upsert(ctx, collection); err != nil {
		t.Fatalf("Failed to create collection: %v", err)
	}

	added, err := storage.AddImages(ctx, "col_1", []models.Image{
		{ID: "img_a", Filename: "a.jpg", RelativePath: "a.jpg"},
		{ID: "img_b", Filename: "b.jpg", RelativePath: "b.jpg"},
	})
	if err != nil {
		t.Fatalf("Failed to add images: %v", err)
	}
	if added != 2 {
		t.Errorf("Expected 2 images added, got %d", added)
	}

	// A re-scan upserts the same collection with refreshed settings
	update := &models.Collection{
		ID:        "col_1",
		LibraryID: "lib_1",
		Name:      "holiday-renamed",
		Path:      "/photos/holiday",
		Type:      models.CollectionTypeFolder,
		Settings: models.CollectionSettings{
			GenerateThumbnails: true,
			ThumbnailWidth:     300,
			ThumbnailHeight:    300,
		},
	}
	if err := storage.Upsert(ctx, update); err != nil {
		t.Fatalf("Failed to upsert collection: %v", err)
	}

	got, err := storage.Get(ctx, "col_1")
	if err != nil {
		t.Fatalf("Failed to get collection: %v", err)
	}
	if got.Name != "holiday-renamed" {
		t.Errorf("Expected updated name, got %q", got.Name)
	}
	if len(got.Images) != 2 {
		t.Errorf("Expected images preserved across upsert, got %d", len(got.Images))
	}
	if !got.Settings.GenerateThumbnails {
		t.Error("Expected settings refreshed on upsert")
	}
	if got.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt set on create")
	}

	// The caller's struct is refreshed with the stored arrays
	if len(update.Images) != 2 {
		t.Errorf("Expected upsert to refresh caller struct with stored images, got %d", len(update.Images))
	}
}

func TestAddImagesKeyedByRelativePath(t *testing.T) {
	db := newTestDB(t)
	storage := NewCollectionStorage(db, arbor.NewLogger())
	ctx := context.Background()

	collection := &models.Collection{ID: "col_1", Name: "c", Path: "/photos/c", Type: models.CollectionTypeFolder}
	if err := storage.Upsert(ctx, collection); err != nil {
		t.Fatal(err)
	}

	added, err := storage.AddImages(ctx, "col_1", []models.Image{
		{ID: "img_a", RelativePath: "a.jpg"},
		{ID: "img_b", RelativePath: "sub/b.jpg"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if added != 2 {
		t.Fatalf("Expected 2 added, got %d", added)
	}

	// Second scan discovers the same paths under fresh IDs plus one new file
	added, err = storage.AddImages(ctx, "col_1", []models.Image{
		{ID: "img_a2", RelativePath: "a.jpg"},
		{ID: "img_c", RelativePath: "c.jpg"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Errorf("Expected 1 added on re-scan, got %d", added)
	}

	got, err := storage.Get(ctx, "col_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Images) != 3 {
		t.Fatalf("Expected 3 images, got %d", len(got.Images))
	}
	img := got.FindImageByRelativePath("a.jpg")
	if img == nil || img.ID != "img_a" {
		t.Errorf("Expected image at a.jpg to keep its original ID, got %+v", img)
	}
}

func TestAtomicAddEntriesDeduplicate(t *testing.T) {
	db := newTestDB(t)
	storage := NewCollectionStorage(db, arbor.NewLogger())
	ctx := context.Background()

	collection := &models.Collection{ID: "col_1", Name: "c", Path: "/photos/c", Type: models.CollectionTypeFolder}
	if err := storage.Upsert(ctx, collection); err != nil {
		t.Fatal(err)
	}

	entries := []models.ThumbnailEntry{
		{ImageID: "img_a", Path: "/t/a.jpg", Width: 300, Height: 300, SizeBytes: 100},
		{ImageID: "img_a", Path: "/t/a.jpg", Width: 300, Height: 300, SizeBytes: 100}, // duplicate within batch
	}
	added, err := storage.AtomicAddThumbnails(ctx, "col_1", entries)
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Errorf("Expected in-batch duplicate to collapse, got %d added", added)
	}

	// Redelivered batch adds nothing
	added, err = storage.AtomicAddThumbnails(ctx, "col_1", entries[:1])
	if err != nil {
		t.Fatal(err)
	}
	if added != 0 {
		t.Errorf("Expected 0 added on redelivery, got %d", added)
	}

	// Same image at different dimensions is a distinct entry
	added, err = storage.AtomicAddThumbnails(ctx, "col_1", []models.ThumbnailEntry{
		{ImageID: "img_a", Path: "/t/a_600.jpg", Width: 600, Height: 600, SizeBytes: 200},
	})
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Errorf("Expected new dimensions to add, got %d", added)
	}

	// Cache entries key on image id alone
	added, err = storage.AtomicAddCacheImages(ctx, "col_1", []models.CacheEntry{
		{ImageID: "img_a", Path: "/c/a.jpg", Width: 1920, Height: 1080, SizeBytes: 500},
	})
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Errorf("Expected cache entry added, got %d", added)
	}
	added, err = storage.AtomicAddCacheImages(ctx, "col_1", []models.CacheEntry{
		{ImageID: "img_a", Path: "/c/a_other.jpg", Width: 800, Height: 600, SizeBytes: 300},
	})
	if err != nil {
		t.Fatal(err)
	}
	if added != 0 {
		t.Errorf("Expected second cache entry for same image to collapse, got %d", added)
	}
}

func TestConcurrentEntryAdds(t *testing.T) {
	db := newTestDB(t)
	storage := NewCollectionStorage(db, arbor.NewLogger())
	ctx := context.Background()

	collection := &models.Collection{ID: "col_1", Name: "c", Path: "/photos/c", Type: models.CollectionTypeFolder}
	if err := storage.Upsert(ctx, collection); err != nil {
		t.Fatal(err)
	}

	const writers = 8
	const perWriter = 5

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			entries := make([]models.ThumbnailEntry, perWriter)
			for i := range entries {
				id := fmt.Sprintf("img_%d_%d", w, i)
				entries[i] = models.ThumbnailEntry{ImageID: id, Path: "/t/" + id + ".jpg", Width: 300, Height: 300, SizeBytes: 1}
			}
			if _, err := storage.AtomicAddThumbnails(ctx, "col_1", entries); err != nil {
				errs <- err
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Concurrent add failed: %v", err)
	}

	got, err := storage.Get(ctx, "col_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Thumbnails) != writers*perWriter {
		t.Errorf("Expected %d thumbnail entries after concurrent adds, got %d", writers*perWriter, len(got.Thumbnails))
	}
}

func TestPullImageRemovesDependentEntries(t *testing.T) {
	db := newTestDB(t)
	storage := NewCollectionStorage(db, arbor.NewLogger())
	ctx := context.Background()

	collection := &models.Collection{ID: "col_1", Name: "c", Path: "/photos/c", Type: models.CollectionTypeFolder}
	if err := storage.Upsert(ctx, collection); err != nil {
		t.Fatal(err)
	}
	if _, err := storage.AddImages(ctx, "col_1", []models.Image{
		{ID: "img_a", RelativePath: "a.jpg"},
		{ID: "img_b", RelativePath: "b.jpg"},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := storage.AtomicAddThumbnails(ctx, "col_1", []models.ThumbnailEntry{
		{ImageID: "img_a", Path: "/t/a.jpg", Width: 300, Height: 300, SizeBytes: 100},
		{ImageID: "img_b", Path: "/t/b.jpg", Width: 300, Height: 300, SizeBytes: 150},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := storage.AtomicAddCacheImages(ctx, "col_1", []models.CacheEntry{
		{ImageID: "img_a", Path: "/c/a.jpg", Width: 1920, Height: 1080, SizeBytes: 400},
	}); err != nil {
		t.Fatal(err)
	}
	if err := storage.IncrementCacheSize(ctx, "col_1", 650); err != nil {
		t.Fatal(err)
	}

	if err := storage.PullImage(ctx, "col_1", "img_a"); err != nil {
		t.Fatalf("Failed to pull image: %v", err)
	}

	got, err := storage.Get(ctx, "col_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Images) != 1 || got.Images[0].ID != "img_b" {
		t.Errorf("Expected only img_b to remain, got %+v", got.Images)
	}
	if len(got.Thumbnails) != 1 || got.Thumbnails[0].ImageID != "img_b" {
		t.Errorf("Expected img_a thumbnail removed, got %+v", got.Thumbnails)
	}
	if len(got.CacheImages) != 0 {
		t.Errorf("Expected img_a cache entry removed, got %+v", got.CacheImages)
	}
	// 650 committed, 100+400 reclaimed with img_a
	if got.CacheSizeBytes != 150 {
		t.Errorf("Expected cache size 150 after reclaim, got %d", got.CacheSizeBytes)
	}

	// Pulling an image that is already gone is a no-op
	if err := storage.PullImage(ctx, "col_1", "img_a"); err != nil {
		t.Errorf("Expected pull of missing image to succeed, got %v", err)
	}
}

func TestGetByPathNotFound(t *testing.T) {
	db := newTestDB(t)
	storage := NewCollectionStorage(db, arbor.NewLogger())
	ctx := context.Background()

	_, err := storage.GetByPath(ctx, "/photos/missing")
	if !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := storage.Delete(ctx, "col_missing"); err != nil {
		t.Errorf("Expected delete of missing collection to succeed, got %v", err)
	}
}
