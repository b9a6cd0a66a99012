package recovery

import (
	"context"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/imago/internal/common"
	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
	"github.com/ternarybob/imago/internal/queue"
)

const (
	// Confirmation window for the zero-depth termination rule: the queue must
	// read empty twice this far apart before the drain stops.
	zeroDepthWindow = 5 * time.Second

	receivePoll = 250 * time.Millisecond
)

// Service drains the dead-letter queue back onto the original routing keys.
// One message in flight at a time, publish before ack: a crash mid-recovery
// leaves the message in the dead-letter queue and the duplicate republish is
// absorbed by consumer idempotence.
type Service struct {
	bus          interfaces.MessageBus
	eventService interfaces.EventService
	limiter      *rate.Limiter
	idleTimeout  time.Duration
	hardCap      time.Duration
	logger       arbor.ILogger
}

func NewService(bus interfaces.MessageBus, eventService interfaces.EventService, cfg *common.RecoveryConfig, logger arbor.ILogger) interfaces.RecoveryService {
	publishRate := cfg.PublishRate
	if publishRate <= 0 {
		publishRate = 200
	}
	return &Service{
		bus:          bus,
		eventService: eventService,
		limiter:      rate.NewLimiter(rate.Limit(publishRate), 1),
		idleTimeout:  common.DurationOr(cfg.IdleTimeout, 10*time.Second),
		hardCap:      common.DurationOr(cfg.HardCap, 30*time.Minute),
		logger:       logger,
	}
}

// Run drains the dead-letter queue until it is confirmed empty, the drain
// goes idle, or the hard cap expires. Unroutable messages are requeued and
// counted as skipped; they stay behind for manual review.
func (s *Service) Run(ctx context.Context) (*interfaces.RecoverySummary, error) {
	start := time.Now()
	summary := &interfaces.RecoverySummary{}

	depth, err := s.bus.Depth(ctx, models.QueueDeadLetter)
	if err != nil {
		return nil, err
	}
	if depth == 0 {
		summary.Elapsed = time.Since(start)
		s.logger.Debug().Msg("Dead-letter queue empty, nothing to recover")
		return summary, nil
	}

	s.logger.Info().
		Int("depth", depth).
		Msg("Dead-letter recovery started")

	runCtx, cancel := context.WithTimeout(ctx, s.hardCap)
	defer cancel()

	// Requeued unroutables cycle back; seeing one a second time means only
	// unroutable messages remain.
	seen := make(map[string]bool)
	lastDelivery := time.Now()
	var zeroDepthAt time.Time

drain:
	for {
		delivery, err := s.bus.Receive(runCtx, models.QueueDeadLetter)
		switch {
		case err == models.ErrNoMessage:
			empty, derr := s.queueEmpty(runCtx)
			if derr == nil && empty {
				if zeroDepthAt.IsZero() {
					zeroDepthAt = time.Now()
				} else if time.Since(zeroDepthAt) >= zeroDepthWindow {
					break drain
				}
			} else {
				zeroDepthAt = time.Time{}
			}
			if time.Since(lastDelivery) >= s.idleTimeout {
				break drain
			}
			select {
			case <-runCtx.Done():
				break drain
			case <-time.After(receivePoll):
			}
			continue

		case err != nil:
			if runCtx.Err() != nil {
				break drain
			}
			s.logger.Warn().Err(err).Msg("Dead-letter receive failed")
			select {
			case <-runCtx.Done():
				break drain
			case <-time.After(receivePoll):
			}
			continue
		}

		zeroDepthAt = time.Time{}
		lastDelivery = time.Now()

		routingKey, ok := s.routingKeyFor(delivery)
		if !ok {
			// Never drop: requeue for manual review.
			if nerr := s.bus.Nack(runCtx, delivery, true); nerr != nil {
				s.logger.Warn().Err(nerr).Str("message_id", delivery.ID).Msg("Failed to requeue unroutable message")
			}
			if seen[delivery.ID] {
				break drain
			}
			seen[delivery.ID] = true
			summary.Skipped++
			s.logger.Warn().
				Str("message_id", delivery.ID).
				Str("origin_queue", delivery.Header(queue.HeaderDeathQueue)).
				Msg("Dead-letter message has no recoverable route, kept for review")
			continue
		}

		if err := s.limiter.Wait(runCtx); err != nil {
			s.bus.Nack(context.Background(), delivery, true)
			break drain
		}

		if s.republish(runCtx, delivery, routingKey) {
			summary.Recovered++
		}
	}

	summary.Elapsed = time.Since(start)

	s.logger.Info().
		Int("recovered", summary.Recovered).
		Int("skipped", summary.Skipped).
		Str("elapsed", summary.Elapsed.Round(time.Millisecond).String()).
		Msg("Dead-letter recovery finished")

	s.eventService.Publish(ctx, interfaces.Event{
		Type: interfaces.EventRecoveryFinished,
		Payload: map[string]interface{}{
			"recovered": summary.Recovered,
			"skipped":   summary.Skipped,
		},
	})

	return summary, nil
}

// republish moves one message back to its origin queue. Publish first, ack
// second; an ack failure only means a duplicate on the next pass.
func (s *Service) republish(ctx context.Context, delivery *interfaces.Delivery, routingKey string) bool {
	headers := stripDeathHeaders(delivery.Headers)

	if err := s.bus.Publish(ctx, routingKey, delivery.Body, headers); err != nil {
		s.logger.Warn().Err(err).
			Str("message_id", delivery.ID).
			Str("routing_key", routingKey).
			Msg("Failed to republish dead-letter message")
		if nerr := s.bus.Nack(ctx, delivery, true); nerr != nil {
			s.logger.Warn().Err(nerr).Str("message_id", delivery.ID).Msg("Failed to requeue after republish failure")
		}
		return false
	}

	if err := s.bus.Ack(ctx, delivery); err != nil {
		s.logger.Warn().Err(err).
			Str("message_id", delivery.ID).
			Msg("Republished but ack failed; duplicate delivery possible")
	}

	s.logger.Debug().
		Str("message_id", delivery.ID).
		Str("routing_key", routingKey).
		Msg("Dead-letter message recovered")
	return true
}

// routingKeyFor resolves the original routing key from the MessageType
// header, falling back to the recorded death routing key. Both resolve
// through the closed message-type table; an unknown key is unroutable.
func (s *Service) routingKeyFor(delivery *interfaces.Delivery) (string, bool) {
	if mt := delivery.Header(models.HeaderMessageType); mt != "" {
		if key, ok := models.RoutingKeyForMessageType(models.MessageType(mt)); ok {
			return key, true
		}
	}
	if rk := delivery.Header(queue.HeaderDeathRoutingKey); rk != "" {
		if _, ok := models.MessageTypeForRoutingKey(rk); ok {
			return rk, true
		}
	}
	return "", false
}

func (s *Service) queueEmpty(ctx context.Context) (bool, error) {
	depth, err := s.bus.Depth(ctx, models.QueueDeadLetter)
	if err != nil {
		return false, err
	}
	return depth == 0, nil
}

// stripDeathHeaders copies headers minus the death metadata so a recovered
// message re-enters its queue clean.
func stripDeathHeaders(headers map[string]string) map[string]string {
	clean := make(map[string]string, len(headers))
	for k, v := range headers {
		if strings.HasPrefix(k, "x-death") {
			continue
		}
		clean[k] = v
	}
	return clean
}
