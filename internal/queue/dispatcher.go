package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/imago/internal/common"
	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
)

// Outcome tells the dispatcher how to settle a delivery.
type Outcome int

const (
	// OutcomeAck settles the message as handled.
	OutcomeAck Outcome = iota
	// OutcomeRequeue makes the message visible again for redelivery.
	OutcomeRequeue
	// OutcomeDrop moves the message to the dead-letter queue.
	OutcomeDrop
	// OutcomeRetained hands settlement to the handler. The batching
	// generator returns this: it acks only after a batch commits.
	OutcomeRetained
)

// Handler consumes one delivery and reports how to settle it.
type Handler func(ctx context.Context, delivery *interfaces.Delivery) Outcome

// Dispatcher polls the pipeline queues and fans deliveries out to
// registered handlers. Each queue gets its own worker pool sized by its
// concurrency envelope, with starts staggered across the poll interval so
// an idle process does not hit the bus in lockstep.
type Dispatcher struct {
	bus          interfaces.MessageBus
	specs        map[string]Spec
	handlers     map[string]Handler
	pollInterval time.Duration
	logger       arbor.ILogger
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	started      bool
	mu           sync.Mutex
}

func NewDispatcher(bus interfaces.MessageBus, cfg *common.QueueConfig, logger arbor.ILogger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	specs := make(map[string]Spec)
	for _, spec := range SpecsFromConfig(cfg) {
		specs[spec.Name] = spec
	}

	return &Dispatcher{
		bus:          bus,
		specs:        specs,
		handlers:     make(map[string]Handler),
		pollInterval: common.DurationOr(cfg.PollInterval, 250*time.Millisecond),
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// RegisterHandler binds a queue to its consumer. Must be called before
// Start; registrations after that are ignored.
func (d *Dispatcher) RegisterHandler(queue string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		d.logger.Warn().Str("queue", queue).Msg("Handler registered after dispatcher start, ignoring")
		return
	}
	d.handlers[queue] = handler
	d.logger.Debug().Str("queue", queue).Msg("Queue handler registered")
}

// Start launches a worker pool per registered queue.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return errors.New("dispatcher already started")
	}
	d.started = true

	for queue := range d.handlers {
		spec, ok := d.specs[queue]
		if !ok {
			spec = Spec{Name: queue, Prefetch: 1, Concurrency: 1}
		}

		for i := 0; i < spec.Concurrency; i++ {
			d.wg.Add(1)
			workerID := i
			queueName := queue
			common.SafeGo(d.logger, fmt.Sprintf("dispatcher-%s-%d", queueName, workerID), func() {
				defer d.wg.Done()
				d.worker(queueName, workerID, spec.Concurrency)
			})
		}

		d.logger.Info().
			Str("queue", queue).
			Int("concurrency", spec.Concurrency).
			Int("prefetch", spec.Prefetch).
			Msg("Queue consumers started")
	}

	return nil
}

func (d *Dispatcher) worker(queue string, workerID, concurrency int) {
	// Spread worker wake-ups across the poll interval.
	stagger := d.pollInterval / time.Duration(concurrency) * time.Duration(workerID)
	if stagger > 0 {
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(stagger):
		}
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.drain(queue, workerID)
		}
	}
}

// drain consumes until the queue reads empty, so a deep queue is not
// limited to one message per tick.
func (d *Dispatcher) drain(queue string, workerID int) {
	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		delivery, err := d.bus.Receive(d.ctx, queue)
		if err != nil {
			if !errors.Is(err, models.ErrNoMessage) && !errors.Is(err, context.Canceled) {
				d.logger.Warn().Err(err).
					Str("queue", queue).
					Int("worker_id", workerID).
					Msg("Failed to receive message")
			}
			return
		}

		d.dispatch(queue, workerID, delivery)
	}
}

func (d *Dispatcher) dispatch(queue string, workerID int, delivery *interfaces.Delivery) {
	handler := d.handlers[queue]

	start := time.Now()
	outcome := d.runHandler(handler, delivery)

	switch outcome {
	case OutcomeAck:
		if err := d.bus.Ack(d.ctx, delivery); err != nil {
			d.logger.Warn().Err(err).
				Str("queue", queue).
				Str("message_id", delivery.ID).
				Msg("Failed to ack message")
			return
		}
		d.logger.Debug().
			Str("queue", queue).
			Str("message_id", delivery.ID).
			Int("worker_id", workerID).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("Message handled")

	case OutcomeRequeue:
		if err := d.bus.Nack(d.ctx, delivery, true); err != nil {
			d.logger.Warn().Err(err).
				Str("queue", queue).
				Str("message_id", delivery.ID).
				Msg("Failed to requeue message")
			return
		}
		d.logger.Warn().
			Str("queue", queue).
			Str("message_id", delivery.ID).
			Int("receive_count", delivery.ReceiveCount).
			Msg("Message requeued for retry")

	case OutcomeDrop:
		if err := d.bus.Nack(d.ctx, delivery, false); err != nil {
			d.logger.Warn().Err(err).
				Str("queue", queue).
				Str("message_id", delivery.ID).
				Msg("Failed to dead-letter message")
		}

	case OutcomeRetained:
		// Settlement transferred to the handler.
	}
}

// runHandler isolates handler panics: a panicking consumer requeues its
// message instead of taking down the worker pool.
func (d *Dispatcher) runHandler(handler Handler, delivery *interfaces.Delivery) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("queue", delivery.Queue).
				Str("message_id", delivery.ID).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Handler panicked, requeueing message")
			outcome = OutcomeRequeue
		}
	}()
	return handler(d.ctx, delivery)
}

// Stop cancels the poll loops and waits up to the grace period for
// in-flight handlers. Messages still unacked after that redeliver via the
// visibility timeout.
func (d *Dispatcher) Stop(grace time.Duration) {
	d.logger.Info().Msg("Stopping queue dispatcher")
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info().Msg("Queue dispatcher stopped")
	case <-time.After(grace):
		d.logger.Warn().
			Str("grace", grace.String()).
			Msg("Dispatcher stop timed out, in-flight messages will redeliver")
	}
}
