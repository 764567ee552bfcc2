package queue

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tacedge/tacedge/pkg/config"
	"github.com/tacedge/tacedge/pkg/log"
	"github.com/tacedge/tacedge/pkg/metrics"
	"github.com/tacedge/tacedge/pkg/storage"
	"github.com/tacedge/tacedge/pkg/types"
)

var (
	// ErrEmpty is returned by Peek when the partition has no entries.
	ErrEmpty = errors.New("partition empty")

	// ErrQueueFull is returned by Enqueue when the partition is above its
	// watermark. Depth must drop below 90% of the watermark before the
	// partition accepts again.
	ErrQueueFull = errors.New("queue full")

	// ErrBadTransition is returned when a status change would violate the
	// message state machine.
	ErrBadTransition = errors.New("invalid status transition")
)

// partition serializes mutations of one precedence level and mirrors its
// depth in an atomic counter so Depths never takes a lock.
type partition struct {
	mu        sync.Mutex
	depth     atomic.Int64
	saturated atomic.Bool
}

// Queue is the four-partition durable precedence queue. All mutations go
// through the backing store inside one transaction; the in-memory counters
// are a read-fast mirror and may be slightly stale.
type Queue struct {
	store      storage.Store
	cfg        config.QueueConfig
	partitions map[types.Precedence]*partition
	logger     zerolog.Logger

	flashKick chan struct{}
}

// New opens the queue over the given store and rebuilds the depth counters
// from the partitions, so a restart resumes with correct depths.
func New(store storage.Store, cfg config.QueueConfig) (*Queue, error) {
	q := &Queue{
		store:      store,
		cfg:        cfg,
		partitions: make(map[types.Precedence]*partition, 4),
		logger:     log.WithComponent("queue"),
		flashKick:  make(chan struct{}, 1),
	}
	for _, p := range types.DispatchOrder() {
		q.partitions[p] = &partition{}
	}

	counts, err := store.PartitionCounts()
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild queue depths: %w", err)
	}
	for p, n := range counts {
		q.partitions[p].depth.Store(int64(n))
		metrics.QueueDepth.WithLabelValues(string(p)).Set(float64(n))
	}
	return q, nil
}

// FlashKick signals when a FLASH message is enqueued so the dispatcher can
// short-circuit its tick wait.
func (q *Queue) FlashKick() <-chan struct{} {
	return q.flashKick
}

// Enqueue places the message at the tail of its partition. The message
// must carry a valid precedence; status is forced to QUEUED. Returns
// ErrQueueFull under backpressure.
func (q *Queue) Enqueue(msg *types.Message) error {
	part, ok := q.partitions[msg.Precedence]
	if !ok {
		return fmt.Errorf("unknown precedence: %s", msg.Precedence)
	}

	part.mu.Lock()
	defer part.mu.Unlock()

	if q.overWatermark(msg.Precedence, part) {
		return ErrQueueFull
	}

	msg.Status = types.StatusQueued
	if err := q.store.Enqueue(msg); err != nil {
		return fmt.Errorf("failed to enqueue message %s: %w", msg.ID, err)
	}
	q.adjustDepth(msg.Precedence, part, 1)

	if msg.Precedence == types.PrecedenceFlash {
		select {
		case q.flashKick <- struct{}{}:
		default:
		}
	}

	q.logger.Debug().
		Str("message_id", msg.ID).
		Str("precedence", string(msg.Precedence)).
		Msg("message enqueued")
	return nil
}

// overWatermark applies the backpressure hysteresis: a partition that hit
// its watermark stays closed until depth drops below 90% of it.
func (q *Queue) overWatermark(p types.Precedence, part *partition) bool {
	watermark := q.cfg.Watermark(p)
	depth := int(part.depth.Load())

	if depth >= watermark {
		part.saturated.Store(true)
		return true
	}
	if part.saturated.Load() {
		if depth*10 >= watermark*9 {
			return true
		}
		part.saturated.Store(false)
	}
	return false
}

// Peek returns the head of a partition without removing it.
func (q *Queue) Peek(p types.Precedence) (*types.Message, error) {
	msg, err := q.store.Peek(p)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrEmpty
	}
	return msg, err
}

// MarkInFlight transitions the peeked head from QUEUED to IN_FLIGHT. The
// entry stays in its partition until acknowledged or rejected, so depth is
// unchanged.
func (q *Queue) MarkInFlight(id string) (*types.Message, error) {
	return q.store.UpdateMessage(id, func(m *types.Message) error {
		if !m.Status.CanTransition(types.StatusInFlight) {
			return fmt.Errorf("%w: %s -> IN_FLIGHT", ErrBadTransition, m.Status)
		}
		m.Status = types.StatusInFlight
		return nil
	})
}

// Ack removes a delivered message from its partition and marks it
// DELIVERED. Acknowledgment is idempotent at the caller level: a second
// ack finds no queue entry and reports ErrNotFound.
func (q *Queue) Ack(id string, deliveredAt time.Time) (*types.Message, error) {
	msg, err := q.dequeue(id, func(m *types.Message) error {
		if !m.Status.CanTransition(types.StatusDelivered) {
			return fmt.Errorf("%w: %s -> DELIVERED", ErrBadTransition, m.Status)
		}
		m.Status = types.StatusDelivered
		m.DeliveredAt = deliveredAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.logger.Debug().Str("message_id", id).Msg("message acknowledged")
	return msg, nil
}

// Requeue returns the message to the tail of its partition with the next
// attempt scheduled after delay, incrementing attempt_count. A requeued
// message dispatches after everything already queued.
func (q *Queue) Requeue(id string, delay time.Duration) (*types.Message, error) {
	msg, err := q.store.GetMessage(id)
	if err != nil {
		return nil, err
	}
	part := q.partitions[msg.Precedence]

	part.mu.Lock()
	defer part.mu.Unlock()

	msg, err = q.store.Requeue(id, time.Now().Add(delay))
	if err != nil {
		return nil, fmt.Errorf("failed to requeue message %s: %w", id, err)
	}
	q.logger.Debug().
		Str("message_id", id).
		Int("attempt_count", msg.AttemptCount).
		Dur("delay", delay).
		Msg("message requeued")
	return msg, nil
}

// Reject removes the message from its partition with a terminal status of
// FAILED or EXPIRED.
func (q *Queue) Reject(id string, terminal types.MessageStatus) (*types.Message, error) {
	if terminal != types.StatusFailed && terminal != types.StatusExpired {
		return nil, fmt.Errorf("reject requires FAILED or EXPIRED, got %s", terminal)
	}
	msg, err := q.dequeue(id, func(m *types.Message) error {
		if !m.Status.CanTransition(terminal) {
			return fmt.Errorf("%w: %s -> %s", ErrBadTransition, m.Status, terminal)
		}
		m.Status = terminal
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.logger.Info().
		Str("message_id", id).
		Str("status", string(terminal)).
		Msg("message rejected")
	return msg, nil
}

func (q *Queue) dequeue(id string, fn func(*types.Message) error) (*types.Message, error) {
	msg, err := q.store.GetMessage(id)
	if err != nil {
		return nil, err
	}
	part := q.partitions[msg.Precedence]

	part.mu.Lock()
	defer part.mu.Unlock()

	msg, err = q.store.Dequeue(id, fn)
	if err != nil {
		return nil, err
	}
	q.adjustDepth(msg.Precedence, part, -1)
	return msg, nil
}

func (q *Queue) adjustDepth(p types.Precedence, part *partition, delta int64) {
	depth := part.depth.Add(delta)
	metrics.QueueDepth.WithLabelValues(string(p)).Set(float64(depth))
}

// Depth returns the entry count of one partition (QUEUED plus IN_FLIGHT).
func (q *Queue) Depth(p types.Precedence) int {
	part, ok := q.partitions[p]
	if !ok {
		return 0
	}
	return int(part.depth.Load())
}

// Depths returns all partition depths without locking.
func (q *Queue) Depths() map[types.Precedence]int {
	depths := make(map[types.Precedence]int, len(q.partitions))
	for p, part := range q.partitions {
		depths[p] = int(part.depth.Load())
	}
	return depths
}

// ScanExpired returns ids of queued messages whose TTL elapsed at now.
func (q *Queue) ScanExpired(now time.Time) ([]string, error) {
	return q.store.ScanExpired(now)
}

// GetMessage retrieves a message record by id.
func (q *Queue) GetMessage(id string) (*types.Message, error) {
	return q.store.GetMessage(id)
}
