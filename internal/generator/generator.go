package generator

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/imago/internal/common"
	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
	"github.com/ternarybob/imago/internal/queue"
	"github.com/ternarybob/imago/internal/services/jobs"
)

const (
	thumbnailFormat  = "jpeg"
	thumbnailQuality = 85

	sweepInterval = time.Second
)

// Service is the batch thumbnail and cache generator. Incoming generation
// messages are buffered per collection and committed in one pass: render in
// memory, write artifacts sequentially, push entries with one atomic add per
// kind, then move the job counters by the batch size. Deliveries are retained
// while buffered and settled only after their batch commits, so a crash
// mid-batch redelivers and the idempotence checks collapse the rerun.
type Service struct {
	collections interfaces.CollectionStorage
	settings    interfaces.SettingsStorage
	artifacts   interfaces.ArtifactStore
	tracker     *jobs.Tracker
	bus         interfaces.MessageBus
	events      interfaces.EventService
	logger      arbor.ILogger

	batcher    *batcher
	pool       *memoryPool
	flushSlots chan struct{}
	fanout     int
	limits     common.LimitsConfig
	runtime    models.RuntimeSettings

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewService(
	collections interfaces.CollectionStorage,
	settings interfaces.SettingsStorage,
	store interfaces.ArtifactStore,
	tracker *jobs.Tracker,
	bus interfaces.MessageBus,
	events interfaces.EventService,
	batchCfg *common.BatchConfig,
	memCfg *common.MemoryConfig,
	limits *common.LimitsConfig,
	logger arbor.ILogger,
) *Service {
	defaults := common.NewDefaultConfig()
	if batchCfg == nil || batchCfg.MaxBatchSize <= 0 {
		batchCfg = &defaults.Batch
	}
	if memCfg == nil || memCfg.MaxMemoryUsageMB <= 0 {
		memCfg = &defaults.Memory
	}
	if limits == nil || limits.MaxImageSizeBytes <= 0 {
		limits = &defaults.Limits
	}

	concurrent := batchCfg.MaxConcurrentBatches
	if concurrent <= 0 {
		concurrent = 1
	}
	fanout := memCfg.MaxConcurrentProcessing
	if fanout <= 0 {
		fanout = 1
	}

	return &Service{
		collections: collections,
		settings:    settings,
		artifacts:   store,
		tracker:     tracker,
		bus:         bus,
		events:      events,
		logger:      logger,
		batcher:     newBatcher(batchCfg.MaxBatchSize, time.Duration(batchCfg.BatchTimeoutSeconds)*time.Second),
		pool:        newMemoryPool(int64(memCfg.MaxMemoryUsageMB)*1024*1024, memCfg.PoolSize, memCfg.BufferSizeBytes),
		flushSlots:  make(chan struct{}, concurrent),
		fanout:      fanout,
		limits:      *limits,
	}
}

// Start resolves the runtime render settings and begins the timeout sweep.
// Settings are read once; collections carry their own overrides in every
// message, so a stale snapshot only affects messages with blank fields.
func (s *Service) Start(ctx context.Context) error {
	rs, err := s.settings.GetRuntimeSettings(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Runtime settings unavailable, using message values only")
	} else {
		s.runtime = *rs
	}

	s.stop = make(chan struct{})
	s.wg.Add(1)
	common.SafeGo(s.logger, "generator.sweep", func() {
		defer s.wg.Done()
		s.sweepLoop()
	})

	s.logger.Info().
		Int("max_batch_size", s.batcher.maxSize).
		Int("max_concurrent_batches", cap(s.flushSlots)).
		Int("fanout", s.fanout).
		Msg("Batch generator started")
	return nil
}

// Stop drains every buffered bucket and blocks until the flushes commit.
// The dispatcher must already be stopped so no new tasks arrive.
func (s *Service) Stop() {
	if s.stop != nil {
		close(s.stop)
	}
	for _, batch := range s.batcher.Drain() {
		s.launch(batch)
	}
	s.wg.Wait()
	s.logger.Info().Msg("Batch generator stopped")
}

// ThumbnailHandler returns the consumer for the thumbnail generation queue.
// Accepted messages are retained until their batch commits.
func (s *Service) ThumbnailHandler() queue.Handler {
	return func(ctx context.Context, delivery *interfaces.Delivery) queue.Outcome {
		var msg models.ThumbnailGenerationMessage
		if err := models.DecodeMessage(delivery.Body, &msg); err != nil {
			s.logger.Error().Err(err).Str("message_id", delivery.ID).Msg("Malformed thumbnail generation message")
			return queue.OutcomeDrop
		}

		s.enqueue(ctx, task{
			kind:         models.ArtifactKindThumbnail,
			collectionID: msg.CollectionID,
			imageID:      msg.ImageID,
			imagePath:    models.NormalizeSourcePath(msg.ImagePath),
			width:        intOr(msg.Width, intOr(s.runtime.ThumbnailWidth, 300)),
			height:       intOr(msg.Height, intOr(s.runtime.ThumbnailHeight, 300)),
			format:       thumbnailFormat,
			quality:      thumbnailQuality,
			jobID:        msg.ScanJobID,
			delivery:     delivery,
		})
		return queue.OutcomeRetained
	}
}

// CacheHandler returns the consumer for the cache generation queue.
func (s *Service) CacheHandler() queue.Handler {
	return func(ctx context.Context, delivery *interfaces.Delivery) queue.Outcome {
		var msg models.CacheGenerationMessage
		if err := models.DecodeMessage(delivery.Body, &msg); err != nil {
			s.logger.Error().Err(err).Str("message_id", delivery.ID).Msg("Malformed cache generation message")
			return queue.OutcomeDrop
		}

		s.enqueue(ctx, task{
			kind:         models.ArtifactKindCache,
			collectionID: msg.CollectionID,
			imageID:      msg.ImageID,
			imagePath:    models.NormalizeSourcePath(msg.ImagePath),
			width:        intOr(msg.Width, intOr(s.runtime.CacheWidth, 1200)),
			height:       intOr(msg.Height, intOr(s.runtime.CacheHeight, 1200)),
			format:       strOr(msg.Format, strOr(s.runtime.CacheFormat, "jpeg")),
			quality:      intOr(msg.Quality, intOr(s.runtime.CacheQuality, 85)),
			force:        msg.ForceRegenerate,
			jobID:        msg.ScanJobID,
			delivery:     delivery,
		})
		return queue.OutcomeRetained
	}
}

func (s *Service) enqueue(ctx context.Context, t task) {
	s.tracker.EnsureRunning(ctx, t.jobID)
	if batch := s.batcher.Add(t); batch != nil {
		s.launch(batch)
	}
}

// launch runs one flush under the concurrent-batch cap.
func (s *Service) launch(batch []task) {
	s.wg.Add(1)
	common.SafeGo(s.logger, "generator.flush", func() {
		defer s.wg.Done()
		s.flushSlots <- struct{}{}
		defer func() { <-s.flushSlots }()
		s.flush(batch)
	})
}

func (s *Service) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			for _, batch := range s.batcher.Expired(now) {
				s.launch(batch)
			}
		}
	}
}

func intOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func strOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
