package badger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/imago/internal/common"
	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
)

func TestManagerRoundTrip(t *testing.T) {
	cfg := &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "data")}
	manager, err := NewManager(arbor.NewLogger(), cfg)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer manager.Close()

	ctx := context.Background()

	// Libraries
	library := &models.Library{
		ID:       "lib_1",
		Name:     "photos",
		RootPath: "/photos",
		AutoScan: true,
	}
	if err := manager.LibraryStorage().Upsert(ctx, library); err != nil {
		t.Fatalf("Failed to upsert library: %v", err)
	}
	got, err := manager.LibraryStorage().GetByPath(ctx, "/photos")
	if err != nil {
		t.Fatalf("Failed to get library by path: %v", err)
	}
	if got.ID != "lib_1" {
		t.Errorf("Expected lib_1, got %s", got.ID)
	}

	auto, err := manager.LibraryStorage().ListAutoScan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(auto) != 1 {
		t.Errorf("Expected 1 auto-scan library, got %d", len(auto))
	}

	// Runtime settings are absent until seeded
	if _, err := manager.SettingsStorage().GetRuntimeSettings(ctx); !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("Expected ErrNotFound before seeding, got %v", err)
	}

	settings := &models.RuntimeSettings{
		ThumbnailWidth:  300,
		ThumbnailHeight: 300,
		CacheWidth:      1920,
		CacheHeight:     1080,
		CacheFormat:     "jpeg",
		CacheQuality:    85,
	}
	if err := manager.SettingsStorage().SaveRuntimeSettings(ctx, settings); err != nil {
		t.Fatalf("Failed to save settings: %v", err)
	}
	loaded, err := manager.SettingsStorage().GetRuntimeSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.CacheQuality != 85 || loaded.CacheFormat != "jpeg" {
		t.Errorf("Expected saved settings back, got %+v", loaded)
	}
	if loaded.UpdatedAt.IsZero() {
		t.Error("Expected UpdatedAt stamped on save")
	}

	// The bus shares the same database handle
	if manager.DB() == nil {
		t.Error("Expected DB handle exposed for the message bus")
	}
}
