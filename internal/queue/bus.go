// -----------------------------------------------------------------------
// Last Modified: Tuesday, 14th July 2026 9:21:48 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/imago/internal/common"
	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
)

// Death metadata stamped onto a message when it moves to the dead-letter
// queue. Recovery reads the routing key back out of these headers and strips
// the whole group before republishing.
const (
	HeaderDeathQueue      = "x-death-queue"
	HeaderDeathRoutingKey = "x-death-routing-key"
	HeaderDeathReason     = "x-death-reason"
	HeaderDeathCount      = "x-death-count"
	HeaderDeathTime       = "x-death-time"
)

// Reasons recorded in the x-death-reason header.
const (
	DeathReasonExpired    = "expired"
	DeathReasonRejected   = "rejected"
	DeathReasonMaxReceive = "max-receive"
)

// receiveRetries bounds the internal rescan when a claim transaction loses a
// conflict to a sibling worker. After the retries are spent the queue reads
// empty and the caller's next poll tries again.
const receiveRetries = 5

// storedMessage is the durable form of one queued message.
type storedMessage struct {
	ID           string            `json:"id"`
	Queue        string            `json:"queue"`
	Body         json.RawMessage   `json:"body"`
	Headers      map[string]string `json:"headers,omitempty"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
	VisibleAt    time.Time         `json:"visible_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	ReceiveCount int               `json:"receive_count"`
}

// Bus is a persistent message bus on BadgerDB. Each queue owns two key
// prefixes: queue:{name}:msg:{id} holds the message, and
// queue:{name}:index:{visibleAt}:{id} orders it for claim scans. Claiming a
// message moves its index key past the visibility timeout, so an unacked
// message reappears on its own once the timeout lapses.
type Bus struct {
	db                *badger.DB
	visibilityTimeout time.Duration
	messageTTL        time.Duration
	maxReceive        int
	logger            arbor.ILogger
}

// NewBus creates a bus on an existing badger handle. The handle is shared
// with the repositories and remains owned by the caller; Close on the bus
// does not close it.
func NewBus(db *badger.DB, cfg *common.QueueConfig, logger arbor.ILogger) (*Bus, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}

	maxReceive := cfg.MaxReceive
	if maxReceive <= 0 {
		maxReceive = 3
	}

	return &Bus{
		db:                db,
		visibilityTimeout: common.DurationOr(cfg.VisibilityTimeout, 5*time.Minute),
		messageTTL:        common.DurationOr(cfg.MessageTTL, 24*time.Hour),
		maxReceive:        maxReceive,
		logger:            logger,
	}, nil
}

func msgKey(queue, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", queue, id))
}

func msgPrefix(queue string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:", queue))
}

// indexKey encodes the visibility time as zero-padded nanoseconds so the
// keys sort chronologically under badger's lexicographic ordering.
func indexKey(queue string, visibleAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", queue, visibleAt.UnixNano(), id))
}

func indexPrefix(queue string) []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", queue))
}

func parseIndexKey(queue string, key []byte) (time.Time, string, error) {
	prefix := fmt.Sprintf("queue:%s:index:", queue)
	suffix := string(key[len(prefix):])
	if len(suffix) < 22 {
		return time.Time{}, "", fmt.Errorf("malformed index key %q", key)
	}
	nanos, err := strconv.ParseInt(suffix[:20], 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed index key %q: %w", key, err)
	}
	return time.Unix(0, nanos), suffix[21:], nil
}

// Publish appends a message to the queue named by the routing key. The
// MessageType header is stamped from the routing key when the caller did not
// set it, so every message carries its type for dead-letter recovery.
func (b *Bus) Publish(ctx context.Context, routingKey string, body []byte, headers map[string]string) error {
	if routingKey == "" {
		return errors.New("routing key is required")
	}

	msgHeaders := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		msgHeaders[k] = v
	}
	if msgHeaders[models.HeaderMessageType] == "" {
		if mt, ok := models.MessageTypeForRoutingKey(routingKey); ok {
			msgHeaders[models.HeaderMessageType] = string(mt)
		}
	}

	now := time.Now()
	msg := storedMessage{
		ID:         common.NewMessageID(),
		Queue:      routingKey,
		Body:       body,
		Headers:    msgHeaders,
		EnqueuedAt: now,
		VisibleAt:  now,
		ExpiresAt:  now.Add(b.messageTTL),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message for queue %s: %w", routingKey, err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(msgKey(routingKey, msg.ID), data); err != nil {
			return err
		}
		return txn.Set(indexKey(routingKey, msg.VisibleAt, msg.ID), nil)
	})
	if err != nil {
		return fmt.Errorf("failed to publish to queue %s: %w", routingKey, err)
	}

	b.logger.Trace().
		Str("queue", routingKey).
		Str("message_id", msg.ID).
		Msg("Message published")

	return nil
}

// Receive claims the oldest visible message on the queue and hides it for
// the visibility timeout. Returns models.ErrNoMessage when nothing is ready.
// Expired and over-delivered messages found during the scan move to the
// dead-letter queue instead of being returned.
func (b *Bus) Receive(ctx context.Context, queue string) (*interfaces.Delivery, error) {
	for attempt := 0; attempt < receiveRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		delivery, err := b.receiveOnce(queue)
		if errors.Is(err, badger.ErrConflict) {
			// A sibling worker claimed our candidate. Rescan for the next one.
			continue
		}
		return delivery, err
	}
	return nil, models.ErrNoMessage
}

func (b *Bus) receiveOnce(queue string) (*interfaces.Delivery, error) {
	var claimed storedMessage

	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		prefix := indexPrefix(queue)

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			idxKey := it.Item().KeyCopy(nil)

			visibleAt, id, err := parseIndexKey(queue, idxKey)
			if err != nil {
				continue
			}
			if visibleAt.After(now) {
				// Index keys sort by visibility time, so nothing past this
				// point is ready yet.
				break
			}

			item, err := txn.Get(msgKey(queue, id))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					// Orphaned index entry from an interrupted settle.
					if err := txn.Delete(idxKey); err != nil {
						return err
					}
					continue
				}
				return err
			}

			var msg storedMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}

			// The dead-letter queue is exempt from expiry and delivery caps:
			// messages parked there wait for recovery however long it takes.
			if queue != models.QueueDeadLetter {
				if now.After(msg.ExpiresAt) {
					if err := b.deadLetter(txn, idxKey, &msg, DeathReasonExpired); err != nil {
						return err
					}
					continue
				}
				if msg.ReceiveCount >= b.maxReceive {
					if err := b.deadLetter(txn, idxKey, &msg, DeathReasonMaxReceive); err != nil {
						return err
					}
					continue
				}
			}

			msg.ReceiveCount++
			msg.VisibleAt = now.Add(b.visibilityTimeout)

			data, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			if err := txn.Set(msgKey(queue, id), data); err != nil {
				return err
			}
			if err := txn.Delete(idxKey); err != nil {
				return err
			}
			if err := txn.Set(indexKey(queue, msg.VisibleAt, id), nil); err != nil {
				return err
			}

			claimed = msg
			return nil
		}

		return models.ErrNoMessage
	})
	if err != nil {
		return nil, err
	}

	return &interfaces.Delivery{
		ID:           claimed.ID,
		Queue:        queue,
		Body:         claimed.Body,
		Headers:      claimed.Headers,
		ReceiveCount: claimed.ReceiveCount,
		EnqueuedAt:   claimed.EnqueuedAt,
	}, nil
}

// Ack deletes a settled message. Acking a message that is already gone is
// not an error: redelivered duplicates settle twice.
func (b *Bus) Ack(ctx context.Context, delivery *interfaces.Delivery) error {
	err := b.settle(delivery, func(txn *badger.Txn, idxKey []byte, msg *storedMessage) error {
		if err := txn.Delete(msgKey(delivery.Queue, delivery.ID)); err != nil {
			return err
		}
		return txn.Delete(idxKey)
	})
	if err != nil {
		return fmt.Errorf("failed to ack message %s on queue %s: %w", delivery.ID, delivery.Queue, err)
	}
	return nil
}

// Nack settles a message negatively. With requeue the message becomes
// visible again immediately; without it the message moves to the
// dead-letter queue carrying death metadata.
func (b *Bus) Nack(ctx context.Context, delivery *interfaces.Delivery, requeue bool) error {
	err := b.settle(delivery, func(txn *badger.Txn, idxKey []byte, msg *storedMessage) error {
		if !requeue {
			return b.deadLetter(txn, idxKey, msg, DeathReasonRejected)
		}

		msg.VisibleAt = time.Now()
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := txn.Set(msgKey(delivery.Queue, delivery.ID), data); err != nil {
			return err
		}
		if err := txn.Delete(idxKey); err != nil {
			return err
		}
		return txn.Set(indexKey(delivery.Queue, msg.VisibleAt, delivery.ID), nil)
	})
	if err != nil {
		return fmt.Errorf("failed to nack message %s on queue %s: %w", delivery.ID, delivery.Queue, err)
	}
	return nil
}

// settle loads a delivery's stored message and index key, then applies fn in
// the same transaction. Conflicts with concurrent claim scans retry a few
// times before surfacing.
func (b *Bus) settle(delivery *interfaces.Delivery, fn func(txn *badger.Txn, idxKey []byte, msg *storedMessage) error) error {
	var lastErr error
	for attempt := 0; attempt < receiveRetries; attempt++ {
		lastErr = b.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(msgKey(delivery.Queue, delivery.ID))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return nil
				}
				return err
			}

			var msg storedMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}

			return fn(txn, indexKey(delivery.Queue, msg.VisibleAt, delivery.ID), &msg)
		})
		if !errors.Is(lastErr, badger.ErrConflict) {
			return lastErr
		}
		time.Sleep(time.Duration(attempt+1) * time.Millisecond)
	}
	return lastErr
}

// deadLetter moves a message onto the dead-letter queue inside the caller's
// transaction, stamping the death headers recovery needs to route it home.
func (b *Bus) deadLetter(txn *badger.Txn, idxKey []byte, msg *storedMessage, reason string) error {
	headers := make(map[string]string, len(msg.Headers)+5)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderDeathQueue] = msg.Queue
	headers[HeaderDeathRoutingKey] = msg.Queue
	headers[HeaderDeathReason] = reason
	headers[HeaderDeathCount] = strconv.Itoa(msg.ReceiveCount)
	headers[HeaderDeathTime] = time.Now().UTC().Format(time.RFC3339)

	now := time.Now()
	dead := storedMessage{
		ID:         msg.ID,
		Queue:      models.QueueDeadLetter,
		Body:       msg.Body,
		Headers:    headers,
		EnqueuedAt: msg.EnqueuedAt,
		VisibleAt:  now,
		ExpiresAt:  now.Add(b.messageTTL),
	}
	data, err := json.Marshal(dead)
	if err != nil {
		return err
	}

	if err := txn.Set(msgKey(models.QueueDeadLetter, dead.ID), data); err != nil {
		return err
	}
	if err := txn.Set(indexKey(models.QueueDeadLetter, dead.VisibleAt, dead.ID), nil); err != nil {
		return err
	}
	if err := txn.Delete(msgKey(msg.Queue, msg.ID)); err != nil {
		return err
	}
	if err := txn.Delete(idxKey); err != nil {
		return err
	}

	b.logger.Warn().
		Str("queue", msg.Queue).
		Str("message_id", msg.ID).
		Str("reason", reason).
		Int("receive_count", msg.ReceiveCount).
		Msg("Message dead-lettered")

	return nil
}

// Depth counts every message on the queue, visible or in flight.
func (b *Bus) Depth(ctx context.Context, queue string) (int, error) {
	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := msgPrefix(queue)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count queue %s: %w", queue, err)
	}
	return count, nil
}

// Close releases the bus. The badger handle belongs to the storage manager,
// so there is nothing to tear down here.
func (b *Bus) Close() error {
	return nil
}
