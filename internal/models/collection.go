package models

import (
	"path/filepath"
	"time"
)

// CollectionType distinguishes directory collections from archive files
type CollectionType string

const (
	CollectionTypeFolder  CollectionType = "folder"
	CollectionTypeArchive CollectionType = "archive"
)

// CollectionSettings controls what derived artifacts are produced for a
// collection and how. Settings are snapshot onto the collection at creation
// and refreshed on library re-scan.
type CollectionSettings struct {
	GenerateThumbnails  bool   `json:"generate_thumbnails"`
	GenerateCache       bool   `json:"generate_cache"`
	UseDirectFileAccess bool   `json:"use_direct_file_access"` // Folder collections only: reference originals instead of rendering
	ThumbnailWidth      int    `json:"thumbnail_width"`
	ThumbnailHeight     int    `json:"thumbnail_height"`
	CacheWidth          int    `json:"cache_width"`
	CacheHeight         int    `json:"cache_height"`
	CacheFormat         string `json:"cache_format"`
	CacheQuality        int    `json:"cache_quality"`
}

// Collection is one unit of images: a directory or a single archive file.
// Images and their derived-artifact entries are embedded so a collection is
// always read and mutated as one document.
//
// Array invariants:
//   - Images are unique by id and by relative path.
//   - Thumbnails are unique by (image id, width, height).
//   - CacheImages are unique by image id.
//   - Every entry's image id references a member of Images.
//
// Arrays grow only through the storage layer's atomic add operations, which
// enforce the uniqueness keys under concurrent writers.
type Collection struct {
	ID             string             `json:"id" badgerhold:"key"`
	LibraryID      string             `json:"library_id" badgerhold:"index"`
	Name           string             `json:"name"`
	Path           string             `json:"path" badgerhold:"index"`
	Type           CollectionType     `json:"type"`
	Settings       CollectionSettings `json:"settings"`
	Images         []Image            `json:"images"`
	Thumbnails     []ThumbnailEntry   `json:"thumbnails"`
	CacheImages    []CacheEntry       `json:"cache_images"`
	CacheSizeBytes int64              `json:"cache_size_bytes"` // Cumulative bytes of committed artifacts
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Image is one source image within a collection. Dimensions, size and format
// are filled in by the image-processing consumer after discovery.
type Image struct {
	ID           string     `json:"id"`
	Filename     string     `json:"filename"`
	RelativePath string     `json:"relative_path"` // Within the collection, forward-slash separators
	SizeBytes    int64      `json:"size_bytes"`
	Width        int        `json:"width"`
	Height       int        `json:"height"`
	Format       string     `json:"format"`             // "jpeg", "png", ...
	TakenAt      *time.Time `json:"taken_at,omitempty"` // EXIF capture time when available
}

// SourcePath resolves the image's full source path. Folder collections join
// the collection path with the relative path; archive collections produce the
// composite <archive-path>#<entry-path> form.
func (i *Image) SourcePath(c *Collection) string {
	if c.Type == CollectionTypeArchive {
		return JoinArchivePath(c.Path, i.RelativePath)
	}
	return filepath.Join(c.Path, filepath.FromSlash(i.RelativePath))
}

// ThumbnailEntry records one thumbnail artifact for an image. An entry with
// empty path and zero size is a sentinel marking a permanent generation
// failure; it counts as handled and is never retried.
type ThumbnailEntry struct {
	ImageID   string    `json:"image_id"`
	Path      string    `json:"path"` // Absolute artifact path; empty for sentinels and direct references resolve to the source
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Format    string    `json:"format"`
	Quality   int       `json:"quality"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// IsSentinel reports whether the entry marks a permanent failure.
func (t ThumbnailEntry) IsSentinel() bool {
	return t.Path == "" && t.SizeBytes == 0
}

// CacheEntry records the cache render for an image; at most one per image.
// Sentinel semantics match ThumbnailEntry.
type CacheEntry struct {
	ImageID   string    `json:"image_id"`
	Path      string    `json:"path"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Format    string    `json:"format"`
	Quality   int       `json:"quality"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// IsSentinel reports whether the entry marks a permanent failure.
func (c CacheEntry) IsSentinel() bool {
	return c.Path == "" && c.SizeBytes == 0
}

// NewSentinelThumbnail builds a permanent-failure marker for an image at the
// requested dimensions.
func NewSentinelThumbnail(imageID string, width, height int) ThumbnailEntry {
	return ThumbnailEntry{
		ImageID:   imageID,
		Width:     width,
		Height:    height,
		CreatedAt: time.Now(),
	}
}

// NewSentinelCache builds a permanent-failure marker for an image's cache render.
func NewSentinelCache(imageID string) CacheEntry {
	return CacheEntry{
		ImageID:   imageID,
		CreatedAt: time.Now(),
	}
}

// FindImage returns the image with the given id, or nil.
func (c *Collection) FindImage(imageID string) *Image {
	for idx := range c.Images {
		if c.Images[idx].ID == imageID {
			return &c.Images[idx]
		}
	}
	return nil
}

// FindImageByRelativePath returns the image at the given relative path, or nil.
// Relative paths are the stable identity across repeated scans.
func (c *Collection) FindImageByRelativePath(relPath string) *Image {
	for idx := range c.Images {
		if c.Images[idx].RelativePath == relPath {
			return &c.Images[idx]
		}
	}
	return nil
}

// FindThumbnail returns the thumbnail entry exactly matching (imageID, width,
// height), or nil. Sentinel entries match too when their recorded dimensions
// agree.
func (c *Collection) FindThumbnail(imageID string, width, height int) *ThumbnailEntry {
	for idx := range c.Thumbnails {
		t := &c.Thumbnails[idx]
		if t.ImageID == imageID && t.Width == width && t.Height == height {
			return t
		}
	}
	return nil
}

// HasThumbnailFor reports whether the image is covered for the thumbnail kind:
// either a live entry at the given dimensions or any sentinel for the image.
func (c *Collection) HasThumbnailFor(imageID string, width, height int) bool {
	for idx := range c.Thumbnails {
		t := &c.Thumbnails[idx]
		if t.ImageID != imageID {
			continue
		}
		if t.IsSentinel() {
			return true
		}
		if t.Width == width && t.Height == height {
			return true
		}
	}
	return false
}

// FindCacheImage returns the cache entry for the image, or nil.
func (c *Collection) FindCacheImage(imageID string) *CacheEntry {
	for idx := range c.CacheImages {
		if c.CacheImages[idx].ImageID == imageID {
			return &c.CacheImages[idx]
		}
	}
	return nil
}

// HasCacheFor reports whether the image is covered for the cache kind (live
// entry or sentinel).
func (c *Collection) HasCacheFor(imageID string) bool {
	return c.FindCacheImage(imageID) != nil
}
