package badger

import (
	"context"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// CollectionStorage implements the CollectionStorage interface for Badger.
//
// A collection is one document with embedded image and artifact arrays, so
// every array mutation runs its read-modify-write inside a single badger
// transaction and retries on commit conflict. Concurrent batch commits from
// the generation workers land here; without the transaction they would
// overwrite each other's entries.
type CollectionStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCollectionStorage creates a new CollectionStorage instance
func NewCollectionStorage(db *BadgerDB, logger arbor.ILogger) interfaces.CollectionStorage {
	return &CollectionStorage{
		db:     db,
		logger: logger,
	}
}

// update applies mutate to the stored collection inside one transaction,
// retrying when a concurrent writer wins the commit.
func (s *CollectionStorage) update(id string, mutate func(*models.Collection) error) error {
	for attempt := 0; ; attempt++ {
		err := s.db.Store().Badger().Update(func(tx *badgerdb.Txn) error {
			var collection models.Collection
			if err := s.db.Store().TxGet(tx, id, &collection); err != nil {
				if err == badgerhold.ErrNotFound {
					return fmt.Errorf("collection %s: %w", id, interfaces.ErrNotFound)
				}
				return err
			}
			if err := mutate(&collection); err != nil {
				return err
			}
			collection.UpdatedAt = time.Now()
			return s.db.Store().TxUpdate(tx, id, collection)
		})
		if err == badgerdb.ErrConflict && attempt < maxTxnRetries {
			time.Sleep(time.Duration(attempt+1) * time.Millisecond)
			continue
		}
		return err
	}
}

// Upsert creates the collection or refreshes its mutable attributes. The
// embedded arrays and the cache-size counter are owned by the atomic add
// operations and survive re-scans untouched; on update the caller's struct is
// refreshed with the stored arrays.
func (s *CollectionStorage) Upsert(ctx context.Context, collection *models.Collection) error {
	if collection.ID == "" {
		return fmt.Errorf("collection ID is required")
	}

	for attempt := 0; ; attempt++ {
		err := s.db.Store().Badger().Update(func(tx *badgerdb.Txn) error {
			var existing models.Collection
			err := s.db.Store().TxGet(tx, collection.ID, &existing)
			if err == badgerhold.ErrNotFound {
				now := time.Now()
				if collection.CreatedAt.IsZero() {
					collection.CreatedAt = now
				}
				collection.UpdatedAt = now
				return s.db.Store().TxInsert(tx, collection.ID, *collection)
			}
			if err != nil {
				return err
			}

			existing.LibraryID = collection.LibraryID
			existing.Name = collection.Name
			existing.Path = collection.Path
			existing.Type = collection.Type
			existing.Settings = collection.Settings
			existing.UpdatedAt = time.Now()
			if err := s.db.Store().TxUpdate(tx, collection.ID, existing); err != nil {
				return err
			}
			*collection = existing
			return nil
		})
		if err == badgerdb.ErrConflict && attempt < maxTxnRetries {
			time.Sleep(time.Duration(attempt+1) * time.Millisecond)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to upsert collection: %w", err)
		}
		return nil
	}
}

func (s *CollectionStorage) Get(ctx context.Context, id string) (*models.Collection, error) {
	var collection models.Collection
	if err := s.db.Store().Get(id, &collection); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("collection %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}
	return &collection, nil
}

func (s *CollectionStorage) GetByPath(ctx context.Context, path string) (*models.Collection, error) {
	var collections []models.Collection
	if err := s.db.Store().Find(&collections, badgerhold.Where("Path").Eq(path)); err != nil {
		return nil, fmt.Errorf("failed to find collection by path: %w", err)
	}
	if len(collections) == 0 {
		return nil, fmt.Errorf("collection at %s: %w", path, interfaces.ErrNotFound)
	}
	return &collections[0], nil
}

func (s *CollectionStorage) List(ctx context.Context) ([]*models.Collection, error) {
	var collections []models.Collection
	if err := s.db.Store().Find(&collections, nil); err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}

	result := make([]*models.Collection, len(collections))
	for i := range collections {
		result[i] = &collections[i]
	}
	return result, nil
}

func (s *CollectionStorage) ListByLibrary(ctx context.Context, libraryID string) ([]*models.Collection, error) {
	var collections []models.Collection
	if err := s.db.Store().Find(&collections, badgerhold.Where("LibraryID").Eq(libraryID)); err != nil {
		return nil, fmt.Errorf("failed to list collections by library: %w", err)
	}

	result := make([]*models.Collection, len(collections))
	for i := range collections {
		result[i] = &collections[i]
	}
	return result, nil
}

func (s *CollectionStorage) Delete(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Collection{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return nil
}

func (s *CollectionStorage) Count(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.Collection{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count collections: %w", err)
	}
	return int(count), nil
}

// AddImages set-inserts images keyed by relative path. Re-scans deliver the
// same discoveries again; already-present paths are left alone so image IDs
// stay stable across scans.
func (s *CollectionStorage) AddImages(ctx context.Context, id string, images []models.Image) (int, error) {
	if len(images) == 0 {
		return 0, nil
	}

	added := 0
	err := s.update(id, func(c *models.Collection) error {
		added = 0
		seen := make(map[string]struct{}, len(c.Images))
		for idx := range c.Images {
			seen[c.Images[idx].RelativePath] = struct{}{}
		}
		for _, img := range images {
			if _, ok := seen[img.RelativePath]; ok {
				continue
			}
			seen[img.RelativePath] = struct{}{}
			c.Images = append(c.Images, img)
			added++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to add images: %w", err)
	}

	if added < len(images) {
		s.logger.Debug().
			Str("collection_id", id).
			Int("requested", len(images)).
			Int("added", added).
			Msg("Skipped images already present in collection")
	}
	return added, nil
}

// UpdateImageMeta fills in the measured attributes of one image after the
// processing consumer has probed the source.
func (s *CollectionStorage) UpdateImageMeta(ctx context.Context, id string, image models.Image) error {
	return s.update(id, func(c *models.Collection) error {
		img := c.FindImage(image.ID)
		if img == nil {
			return fmt.Errorf("image %s in collection %s: %w", image.ID, id, interfaces.ErrNotFound)
		}
		img.SizeBytes = image.SizeBytes
		img.Width = image.Width
		img.Height = image.Height
		img.Format = image.Format
		if image.TakenAt != nil {
			img.TakenAt = image.TakenAt
		}
		return nil
	})
}

// AtomicAddThumbnails set-inserts entries keyed by (image id, width, height).
// One round-trip per committed batch; duplicates inside the batch and
// duplicates already stored both collapse.
func (s *CollectionStorage) AtomicAddThumbnails(ctx context.Context, id string, entries []models.ThumbnailEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	added := 0
	err := s.update(id, func(c *models.Collection) error {
		added = 0
		for _, entry := range entries {
			if c.FindThumbnail(entry.ImageID, entry.Width, entry.Height) != nil {
				continue
			}
			c.Thumbnails = append(c.Thumbnails, entry)
			added++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to add thumbnail entries: %w", err)
	}

	s.logger.Trace().
		Str("collection_id", id).
		Int("requested", len(entries)).
		Int("added", added).
		Msg("Thumbnail entries committed")
	return added, nil
}

// AtomicAddCacheImages set-inserts entries keyed by image id (at most one
// cache render per image).
func (s *CollectionStorage) AtomicAddCacheImages(ctx context.Context, id string, entries []models.CacheEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	added := 0
	err := s.update(id, func(c *models.Collection) error {
		added = 0
		for _, entry := range entries {
			if c.FindCacheImage(entry.ImageID) != nil {
				continue
			}
			c.CacheImages = append(c.CacheImages, entry)
			added++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to add cache entries: %w", err)
	}

	s.logger.Trace().
		Str("collection_id", id).
		Int("requested", len(entries)).
		Int("added", added).
		Msg("Cache entries committed")
	return added, nil
}

// AtomicReplaceCacheImages upserts entries keyed by image id, overwriting
// any existing record for the same image. One round-trip per batch.
func (s *CollectionStorage) AtomicReplaceCacheImages(ctx context.Context, id string, entries []models.CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}

	err := s.update(id, func(c *models.Collection) error {
		for _, entry := range entries {
			if existing := c.FindCacheImage(entry.ImageID); existing != nil {
				*existing = entry
				continue
			}
			c.CacheImages = append(c.CacheImages, entry)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replace cache entries: %w", err)
	}

	s.logger.Trace().
		Str("collection_id", id).
		Int("replaced", len(entries)).
		Msg("Cache entries replaced")
	return nil
}

// IncrementCacheSize bumps the collection's cumulative artifact size.
func (s *CollectionStorage) IncrementCacheSize(ctx context.Context, id string, delta int64) error {
	if delta == 0 {
		return nil
	}
	return s.update(id, func(c *models.Collection) error {
		c.CacheSizeBytes += delta
		if c.CacheSizeBytes < 0 {
			c.CacheSizeBytes = 0
		}
		return nil
	})
}

// PullImage removes one image and its dependent thumbnail/cache entries,
// reclaiming their recorded bytes from the cache-size counter. Removing an
// image that is already gone is a no-op.
func (s *CollectionStorage) PullImage(ctx context.Context, id string, imageID string) error {
	return s.update(id, func(c *models.Collection) error {
		images := make([]models.Image, 0, len(c.Images))
		for _, img := range c.Images {
			if img.ID != imageID {
				images = append(images, img)
			}
		}
		c.Images = images

		var reclaimed int64
		thumbnails := make([]models.ThumbnailEntry, 0, len(c.Thumbnails))
		for _, entry := range c.Thumbnails {
			if entry.ImageID != imageID {
				thumbnails = append(thumbnails, entry)
				continue
			}
			reclaimed += entry.SizeBytes
		}
		c.Thumbnails = thumbnails

		cacheImages := make([]models.CacheEntry, 0, len(c.CacheImages))
		for _, entry := range c.CacheImages {
			if entry.ImageID != imageID {
				cacheImages = append(cacheImages, entry)
				continue
			}
			reclaimed += entry.SizeBytes
		}
		c.CacheImages = cacheImages

		c.CacheSizeBytes -= reclaimed
		if c.CacheSizeBytes < 0 {
			c.CacheSizeBytes = 0
		}
		return nil
	})
}
