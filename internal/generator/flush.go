package generator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ternarybob/imago/internal/archive"
	"github.com/ternarybob/imago/internal/imaging"
	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
)

type verdict int

const (
	verdictPending verdict = iota
	verdictRendered
	verdictReregistered
	verdictSkippedLive
	verdictSkippedQuiet
	verdictFailed
	verdictSourceLost
	verdictWriteFailed
)

// itemResult carries one task through classify, render and commit.
type itemResult struct {
	t       task
	verdict verdict
	thumb   *models.ThumbnailEntry
	cache   *models.CacheEntry
	data    []byte
	path    string
	errKind string
	written int64
	oldSize int64
	replace bool
}

type counterKey struct {
	jobID string
	stage string
}

// flush commits one per-collection batch. The collection is loaded once;
// every decision inside the batch works off that snapshot.
func (s *Service) flush(batch []task) {
	ctx := context.Background()
	collectionID := batch[0].collectionID
	started := time.Now()

	collection, err := s.collections.Get(ctx, collectionID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			s.logger.Warn().
				Str("collection_id", collectionID).
				Int("batch_size", len(batch)).
				Msg("Collection gone before generation, dead-lettering batch")
			s.settleBatch(ctx, batch, false)
			return
		}
		s.logger.Warn().Err(err).
			Str("collection_id", collectionID).
			Msg("Failed to load collection, requeueing batch")
		s.settleBatch(ctx, batch, true)
		return
	}

	if collection.Settings.UseDirectFileAccess && collection.Type == models.CollectionTypeFolder {
		s.flushDirect(ctx, collection, batch, started)
		return
	}

	results := s.classify(collection, batch)
	s.render(collection, results)
	s.commit(ctx, collection, results, started)
}

func (s *Service) settleBatch(ctx context.Context, batch []task, requeue bool) {
	for _, t := range batch {
		if err := s.bus.Nack(ctx, t.delivery, requeue); err != nil {
			s.logger.Warn().Err(err).Str("message_id", t.delivery.ID).Msg("Failed to settle delivery")
		}
	}
}

// classify applies the idempotence rules against the collection snapshot.
// Tasks that come back verdictPending need a render.
func (s *Service) classify(c *models.Collection, batch []task) []*itemResult {
	results := make([]*itemResult, 0, len(batch))
	for _, t := range batch {
		results = append(results, s.classifyOne(c, t))
	}
	return results
}

func (s *Service) classifyOne(c *models.Collection, t task) *itemResult {
	r := &itemResult{t: t, verdict: verdictPending}

	if c.FindImage(t.imageID) == nil {
		r.verdict = verdictSkippedQuiet
		return r
	}

	switch t.kind {
	case models.ArtifactKindThumbnail:
		if entry := c.FindThumbnail(t.imageID, t.width, t.height); entry != nil {
			switch {
			case entry.IsSentinel():
				r.verdict = verdictSkippedQuiet
			case s.exists(entry.Path):
				r.verdict = verdictSkippedLive
			}
			// A live entry whose bytes are gone renders again; the
			// add collapses into the existing entry.
			return r
		}
		path := s.artifacts.ArtifactPath(t.kind, c.ID, t.imageID, thumbnailFormat)
		if size, ok := s.artifacts.Stat(path); ok {
			r.verdict = verdictReregistered
			r.path = path
			r.thumb = &models.ThumbnailEntry{
				ImageID:   t.imageID,
				Path:      path,
				Width:     t.width,
				Height:    t.height,
				Format:    thumbnailFormat,
				Quality:   thumbnailQuality,
				SizeBytes: size,
				CreatedAt: time.Now(),
			}
		}

	case models.ArtifactKindCache:
		if entry := c.FindCacheImage(t.imageID); entry != nil {
			if t.force {
				r.replace = true
				r.oldSize = entry.SizeBytes
				return r
			}
			switch {
			case entry.IsSentinel():
				r.verdict = verdictSkippedQuiet
			case s.exists(entry.Path):
				r.verdict = verdictSkippedLive
			default:
				r.replace = true
				r.oldSize = entry.SizeBytes
			}
			return r
		}
		path := s.artifacts.ArtifactPath(t.kind, c.ID, t.imageID, t.format)
		if size, ok := s.artifacts.Stat(path); ok {
			r.verdict = verdictReregistered
			r.path = path
			r.cache = &models.CacheEntry{
				ImageID:   t.imageID,
				Path:      path,
				Width:     t.width,
				Height:    t.height,
				Format:    t.format,
				Quality:   t.quality,
				SizeBytes: size,
				CreatedAt: time.Now(),
			}
		}
	}
	return r
}

func (s *Service) exists(path string) bool {
	if path == "" {
		return false
	}
	_, ok := s.artifacts.Stat(path)
	return ok
}

// render runs the pending tasks with bounded fanout. Archive collections
// open their archive once per flush and share the reader across workers.
func (s *Service) render(c *models.Collection, results []*itemResult) {
	var pending []*itemResult
	for _, r := range results {
		if r.verdict == verdictPending {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		return
	}

	var ar *archive.Reader
	if c.Type == models.CollectionTypeArchive {
		opened, err := archive.Open(c.Path)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("collection_id", c.ID).
				Str("path", c.Path).
				Msg("Archive unreadable at render time")
			for _, r := range pending {
				r.verdict = verdictSourceLost
				r.errKind = models.ErrorKindTransientIO
			}
			return
		}
		ar = opened
		defer ar.Close()
	}

	sem := make(chan struct{}, s.fanout)
	var wg sync.WaitGroup
	for _, r := range pending {
		wg.Add(1)
		sem <- struct{}{}
		go func(r *itemResult) {
			defer wg.Done()
			defer func() { <-sem }()
			s.renderOne(c, ar, r)
		}(r)
	}
	wg.Wait()
}

func (s *Service) renderOne(c *models.Collection, ar *archive.Reader, r *itemResult) {
	t := r.t

	_, entryPath, inArchive := models.SplitArchivePath(t.imagePath)

	var size, limit int64
	if inArchive {
		if ar == nil {
			s.lost(r)
			return
		}
		sz, ok := ar.Size(entryPath)
		if !ok {
			s.lost(r)
			return
		}
		size = sz
		limit = s.limits.MaxZipEntrySizeBytes
	} else {
		fi, err := os.Stat(t.imagePath)
		if err != nil {
			s.lost(r)
			return
		}
		size = fi.Size()
		limit = s.limits.MaxImageSizeBytes
	}

	if size > limit {
		s.sentinel(r, models.ErrorKindOversizeSource)
		return
	}

	scratch := s.pool.Buffer()
	defer s.pool.Recycle(scratch)

	src, err := readSource(ar, t.imagePath, entryPath, inArchive, size, scratch)
	if err != nil {
		s.lost(r)
		return
	}

	info, err := imaging.Sniff(bytes.NewReader(src))
	if err != nil {
		s.sentinel(r, models.ErrorKindDecodeFailure)
		return
	}

	quality := t.quality
	resize := true
	if t.kind == models.ArtifactKindCache {
		quality, resize = imaging.CachePlan(t.quality, size, info.Width, info.Height, t.width, t.height)
	}

	reserve := int64(info.Width) * int64(info.Height) * 4
	s.pool.Reserve(reserve)
	defer s.pool.Release(reserve)

	img, err := imaging.Decode(bytes.NewReader(src))
	if err != nil {
		s.sentinel(r, models.ErrorKindDecodeFailure)
		return
	}

	if resize {
		img = imaging.FitWithin(img, t.width, t.height)
	}

	data, err := imaging.Encode(img, t.format, quality)
	if err != nil {
		s.sentinel(r, models.ErrorKindEncodeFailure)
		return
	}

	now := time.Now()
	path := s.artifacts.ArtifactPath(t.kind, c.ID, t.imageID, t.format)
	r.verdict = verdictRendered
	r.data = data
	r.path = path
	r.written = int64(len(data))

	if t.kind == models.ArtifactKindThumbnail {
		// Thumbnail entries record the requested box, which is the
		// dedupe key; the artifact's real dimensions live in the file.
		r.thumb = &models.ThumbnailEntry{
			ImageID:   t.imageID,
			Path:      path,
			Width:     t.width,
			Height:    t.height,
			Format:    t.format,
			Quality:   quality,
			SizeBytes: int64(len(data)),
			CreatedAt: now,
		}
	} else {
		bounds := img.Bounds()
		r.cache = &models.CacheEntry{
			ImageID:   t.imageID,
			Path:      path,
			Width:     bounds.Dx(),
			Height:    bounds.Dy(),
			Format:    t.format,
			Quality:   quality,
			SizeBytes: int64(len(data)),
			CreatedAt: now,
		}
	}
}

// lost marks a task whose source could not be read. No sentinel is written,
// so the image stays claimable by a later resume once the source is back.
func (s *Service) lost(r *itemResult) {
	r.verdict = verdictSourceLost
	r.errKind = models.ErrorKindTransientIO
}

// sentinel marks a permanent render failure. A failed render never
// overwrites an existing live entry; the previous bytes keep serving.
func (s *Service) sentinel(r *itemResult, kind string) {
	r.verdict = verdictFailed
	r.errKind = kind
	if r.replace {
		return
	}
	if r.t.kind == models.ArtifactKindThumbnail {
		entry := models.NewSentinelThumbnail(r.t.imageID, r.t.width, r.t.height)
		r.thumb = &entry
	} else {
		entry := models.NewSentinelCache(r.t.imageID)
		r.cache = &entry
	}
}

func readSource(ar *archive.Reader, path, entryPath string, inArchive bool, size int64, scratch []byte) ([]byte, error) {
	var rc io.ReadCloser
	var err error
	if inArchive {
		rc, err = ar.OpenEntry(entryPath)
	} else {
		rc, err = os.Open(path)
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	buf := bytes.NewBuffer(scratch)
	if size > 0 && size < int64(1<<31) {
		buf.Grow(int(size))
	}
	if _, err := io.Copy(buf, rc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// commit writes artifacts sequentially, pushes the entry arrays with one
// atomic add per kind, moves the counters and settles every delivery.
func (s *Service) commit(ctx context.Context, c *models.Collection, results []*itemResult, started time.Time) {
	needDir := map[models.ArtifactKind]bool{}
	for _, r := range results {
		if r.verdict == verdictRendered {
			needDir[r.t.kind] = true
		}
	}
	for kind := range needDir {
		if _, err := s.artifacts.EnsureCollectionDir(kind, c.ID); err != nil {
			s.logger.Error().Err(err).
				Str("collection_id", c.ID).
				Str("kind", string(kind)).
				Msg("Failed to create artifact directory")
			for _, r := range results {
				if r.verdict == verdictRendered && r.t.kind == kind {
					r.verdict = verdictWriteFailed
				}
			}
		}
	}

	for _, r := range results {
		if r.verdict != verdictRendered {
			continue
		}
		err := s.artifacts.WriteArtifact(r.path, r.data)
		if err != nil {
			err = s.artifacts.WriteArtifact(r.path, r.data)
		}
		if err != nil {
			s.logger.Warn().Err(err).
				Str("path", r.path).
				Msg("Artifact write failed twice, requeueing message")
			r.verdict = verdictWriteFailed
		}
	}

	var thumbs []models.ThumbnailEntry
	var cacheAdds, cacheReplaces []models.CacheEntry
	var cacheDelta int64
	for _, r := range results {
		switch r.verdict {
		case verdictRendered, verdictReregistered, verdictFailed:
		default:
			continue
		}
		if r.thumb != nil {
			thumbs = append(thumbs, *r.thumb)
		}
		if r.cache != nil {
			if r.replace {
				cacheReplaces = append(cacheReplaces, *r.cache)
				cacheDelta += r.cache.SizeBytes - r.oldSize
			} else {
				cacheAdds = append(cacheAdds, *r.cache)
				cacheDelta += r.cache.SizeBytes
			}
		}
	}

	if len(thumbs) > 0 {
		if _, err := s.collections.AtomicAddThumbnails(ctx, c.ID, thumbs); err != nil {
			s.logger.Error().Err(err).
				Str("collection_id", c.ID).
				Msg("Thumbnail entry commit failed, requeueing contributors")
			requeueContributors(results, models.ArtifactKindThumbnail)
		}
	}

	cachePushFailed := false
	if len(cacheAdds) > 0 {
		if _, err := s.collections.AtomicAddCacheImages(ctx, c.ID, cacheAdds); err != nil {
			cachePushFailed = true
		}
	}
	if len(cacheReplaces) > 0 {
		if err := s.collections.AtomicReplaceCacheImages(ctx, c.ID, cacheReplaces); err != nil {
			cachePushFailed = true
		}
	}
	if cachePushFailed {
		s.logger.Error().
			Str("collection_id", c.ID).
			Msg("Cache entry commit failed, requeueing contributors")
		requeueContributors(results, models.ArtifactKindCache)
	} else if cacheDelta != 0 {
		if err := s.collections.IncrementCacheSize(ctx, c.ID, cacheDelta); err != nil {
			s.logger.Warn().Err(err).Str("collection_id", c.ID).Msg("Failed to update cache size counter")
		}
	}

	tally := s.applyCounters(ctx, results)
	s.settle(ctx, results)

	if err := s.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventBatchCommitted,
		Payload: map[string]interface{}{
			"collection_id": c.ID,
			"batch_size":    len(results),
			"rendered":      tally.rendered,
			"reregistered":  tally.reregistered,
			"skipped":       tally.skipped,
			"failed":        tally.failed,
			"requeued":      tally.requeued,
		},
	}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to publish batch event")
	}

	s.logger.Info().
		Str("collection_id", c.ID).
		Int("batch_size", len(results)).
		Int("rendered", tally.rendered).
		Int("reregistered", tally.reregistered).
		Int("skipped", tally.skipped).
		Int("failed", tally.failed).
		Int("requeued", tally.requeued).
		Int64("duration_ms", time.Since(started).Milliseconds()).
		Msg("Batch committed")
}

// requeueContributors downgrades every result that fed entries of the kind
// into the failed push. Redelivery finds their bytes on disk and takes the
// cheap re-register path.
func requeueContributors(results []*itemResult, kind models.ArtifactKind) {
	for _, r := range results {
		if r.t.kind != kind {
			continue
		}
		switch r.verdict {
		case verdictRendered, verdictReregistered, verdictFailed:
			r.verdict = verdictWriteFailed
		}
	}
}

type batchTally struct {
	rendered     int
	reregistered int
	skipped      int
	failed       int
	requeued     int
}

// applyCounters moves job state for every settled item: one aggregated
// stage increment per job and stage, per-item job totals, then a completion
// check for each job the batch touched.
func (s *Service) applyCounters(ctx context.Context, results []*itemResult) batchTally {
	var tally batchTally
	progress := map[counterKey]int{}
	failed := map[counterKey]int{}
	jobsSeen := map[string]struct{}{}

	for _, r := range results {
		t := r.t
		key := counterKey{jobID: t.jobID, stage: t.kind.StageName()}
		if t.jobID != "" {
			jobsSeen[t.jobID] = struct{}{}
		}

		switch r.verdict {
		case verdictRendered:
			progress[key]++
			s.tracker.Completed(ctx, t.jobID, t.imageID, r.written)
			tally.rendered++
		case verdictReregistered:
			progress[key]++
			s.tracker.Completed(ctx, t.jobID, t.imageID, 0)
			tally.reregistered++
		case verdictSkippedLive:
			progress[key]++
			s.tracker.Completed(ctx, t.jobID, t.imageID, 0)
			tally.skipped++
		case verdictSkippedQuiet:
			progress[key]++
			s.tracker.Skipped(ctx, t.jobID, t.imageID)
			tally.skipped++
		case verdictFailed, verdictSourceLost:
			failed[key]++
			s.tracker.Failed(ctx, t.jobID, t.imageID)
			s.tracker.Error(ctx, t.jobID, r.errKind)
			tally.failed++
		case verdictWriteFailed:
			tally.requeued++
		}
	}

	for key, n := range progress {
		s.tracker.StageProgress(ctx, key.jobID, key.stage, n)
	}
	for key, n := range failed {
		s.tracker.StageFailed(ctx, key.jobID, key.stage, n)
	}
	for jobID := range jobsSeen {
		s.tracker.CheckCompletion(ctx, jobID)
	}
	return tally
}

// settle acks everything except write failures, which requeue.
func (s *Service) settle(ctx context.Context, results []*itemResult) {
	for _, r := range results {
		var err error
		if r.verdict == verdictWriteFailed {
			err = s.bus.Nack(ctx, r.t.delivery, true)
		} else {
			err = s.bus.Ack(ctx, r.t.delivery)
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("message_id", r.t.delivery.ID).Msg("Failed to settle delivery")
		}
	}
}

// flushDirect materializes coverage for a direct-file-access collection as
// references at the source images. Nothing is rendered and nothing counts
// against the cache folder.
func (s *Service) flushDirect(ctx context.Context, c *models.Collection, batch []task, started time.Time) {
	now := time.Now()
	results := make([]*itemResult, 0, len(batch))

	for _, t := range batch {
		r := &itemResult{t: t}
		results = append(results, r)

		img := c.FindImage(t.imageID)
		if img == nil {
			r.verdict = verdictSkippedQuiet
			continue
		}

		covered := false
		if t.kind == models.ArtifactKindThumbnail {
			covered = hasThumbEntry(c, t.imageID)
		} else {
			covered = c.FindCacheImage(t.imageID) != nil
		}
		if covered {
			r.verdict = verdictSkippedLive
			continue
		}

		src := models.NormalizeSourcePath(img.SourcePath(c))
		r.verdict = verdictReregistered
		r.path = src
		if t.kind == models.ArtifactKindThumbnail {
			r.thumb = &models.ThumbnailEntry{
				ImageID:   img.ID,
				Path:      src,
				Width:     img.Width,
				Height:    img.Height,
				Format:    img.Format,
				Quality:   100,
				SizeBytes: img.SizeBytes,
				CreatedAt: now,
			}
		} else {
			r.cache = &models.CacheEntry{
				ImageID:   img.ID,
				Path:      src,
				Width:     img.Width,
				Height:    img.Height,
				Format:    img.Format,
				Quality:   100,
				SizeBytes: img.SizeBytes,
				CreatedAt: now,
			}
		}
	}

	var thumbs []models.ThumbnailEntry
	var caches []models.CacheEntry
	for _, r := range results {
		if r.verdict != verdictReregistered {
			continue
		}
		if r.thumb != nil {
			thumbs = append(thumbs, *r.thumb)
		}
		if r.cache != nil {
			caches = append(caches, *r.cache)
		}
	}

	if len(thumbs) > 0 {
		if _, err := s.collections.AtomicAddThumbnails(ctx, c.ID, thumbs); err != nil {
			s.logger.Error().Err(err).Str("collection_id", c.ID).Msg("Direct thumbnail commit failed, requeueing contributors")
			requeueContributors(results, models.ArtifactKindThumbnail)
		}
	}
	if len(caches) > 0 {
		if _, err := s.collections.AtomicAddCacheImages(ctx, c.ID, caches); err != nil {
			s.logger.Error().Err(err).Str("collection_id", c.ID).Msg("Direct cache commit failed, requeueing contributors")
			requeueContributors(results, models.ArtifactKindCache)
		}
	}

	tally := s.applyCounters(ctx, results)
	s.settle(ctx, results)

	if err := s.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventBatchCommitted,
		Payload: map[string]interface{}{
			"collection_id": c.ID,
			"batch_size":    len(results),
			"rendered":      0,
			"reregistered":  tally.reregistered,
			"skipped":       tally.skipped,
			"failed":        tally.failed,
			"requeued":      tally.requeued,
		},
	}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to publish batch event")
	}

	s.logger.Info().
		Str("collection_id", c.ID).
		Int("batch_size", len(results)).
		Int("references", tally.reregistered).
		Int("skipped", tally.skipped).
		Int64("duration_ms", time.Since(started).Milliseconds()).
		Msg("Direct references committed")
}

func hasThumbEntry(c *models.Collection, imageID string) bool {
	for i := range c.Thumbnails {
		if c.Thumbnails[i].ImageID == imageID {
			return true
		}
	}
	return false
}
