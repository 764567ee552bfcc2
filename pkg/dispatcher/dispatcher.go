package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tacedge/tacedge/pkg/audit"
	"github.com/tacedge/tacedge/pkg/config"
	"github.com/tacedge/tacedge/pkg/log"
	"github.com/tacedge/tacedge/pkg/metrics"
	"github.com/tacedge/tacedge/pkg/nodes"
	"github.com/tacedge/tacedge/pkg/queue"
	"github.com/tacedge/tacedge/pkg/transport"
	"github.com/tacedge/tacedge/pkg/types"
)

// Dispatcher is the single delivery worker. Each cycle it evicts expired
// messages, then drains partitions in strict precedence order: a lower
// precedence message dispatches only when every higher partition has no
// ready head.
type Dispatcher struct {
	queue     *queue.Queue
	registry  *nodes.Registry
	transport transport.Transport
	auditLog  *audit.Logger
	cfg       config.DispatcherConfig
	nodeID    string
	logger    zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a dispatcher. Start must be called to begin dispatching.
func New(q *queue.Queue, reg *nodes.Registry, tr transport.Transport, auditLog *audit.Logger, cfg config.DispatcherConfig, nodeID string) *Dispatcher {
	return &Dispatcher{
		queue:     q,
		registry:  reg,
		transport: tr,
		auditLog:  auditLog,
		cfg:       cfg,
		nodeID:    nodeID,
		logger:    log.WithComponent("dispatcher"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start() {
	go d.run()
	d.logger.Info().Dur("tick", d.cfg.Tick()).Msg("dispatcher started")
}

// Stop halts the loop after the current delivery attempt completes.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.doneCh
	d.logger.Info().Msg("dispatcher stopped")
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.cfg.Tick())
	defer ticker.Stop()

	d.cycle()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.cycle()
		case <-d.queue.FlashKick():
			d.cycle()
		}
	}
}

// cycle runs one full eviction and drain pass.
func (d *Dispatcher) cycle() {
	d.evictExpired()

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}
		if !d.dispatchNext() {
			return
		}
	}
}

// dispatchNext delivers the highest-precedence ready message. It reports
// false when no partition has a ready head.
func (d *Dispatcher) dispatchNext() bool {
	now := time.Now()
	for _, p := range types.DispatchOrder() {
		msg, err := d.queue.Peek(p)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			d.logger.Error().Err(err).Str("precedence", string(p)).Msg("peek failed")
			continue
		}
		if msg.Expired(now) {
			d.expire(msg)
			return true
		}
		// The partition is FIFO: a head still in backoff blocks the
		// whole partition, not just itself.
		if msg.NextAttemptAt.After(now) {
			continue
		}
		d.attempt(msg)
		return true
	}
	return false
}

// attempt runs one delivery attempt for the message.
func (d *Dispatcher) attempt(msg *types.Message) {
	id := msg.ID
	msg, err := d.queue.MarkInFlight(id)
	if err != nil {
		d.logger.Error().Err(err).Str("message_id", id).Msg("failed to mark in flight")
		return
	}

	// An unregistered recipient or a missing capability is transient:
	// the node may register or re-advertise while the message waits.
	node, err := d.registry.Get(msg.Recipient)
	if err != nil {
		d.retry(msg, fmt.Sprintf("recipient node not registered: %s", msg.Recipient))
		return
	}
	if !node.CanReceive(msg.Precedence) {
		d.retry(msg, fmt.Sprintf("node %s does not accept %s traffic", node.ID, msg.Precedence))
		return
	}
	if d.registry.Status(node, time.Now()) != types.NodeConnected {
		d.retry(msg, fmt.Sprintf("node %s disconnected", node.ID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.AttemptTimeout(msg.Precedence))
	err = d.transport.Deliver(ctx, node, msg)
	cancel()

	switch {
	case err == nil:
		d.delivered(msg)
	case transport.IsPermanent(err):
		d.fail(msg, err.Error())
	default:
		d.retry(msg, err.Error())
	}
}

func (d *Dispatcher) delivered(msg *types.Message) {
	id := msg.ID
	deliveredAt := time.Now().UTC()
	msg, err := d.queue.Ack(id, deliveredAt)
	if err != nil {
		d.logger.Error().Err(err).Str("message_id", id).Msg("failed to ack delivered message")
		return
	}

	latency := deliveredAt.Sub(msg.SubmittedAt)
	metrics.DispatchAttemptsTotal.WithLabelValues(string(msg.Precedence), "success").Inc()
	metrics.MessagesTotal.WithLabelValues(string(msg.Precedence), "delivered").Inc()
	metrics.MessageLatency.WithLabelValues(string(msg.Precedence)).Observe(latency.Seconds())

	ev := d.logger.Info().
		Str("message_id", msg.ID).
		Str("precedence", string(msg.Precedence)).
		Str("recipient", msg.Recipient).
		Dur("latency", latency)
	if latency > msg.Precedence.MaxLatency() {
		ev.Bool("latency_target_missed", true)
	}
	ev.Msg("message delivered")

	d.auditLog.Emit(audit.NewEvent(audit.EventMessageDelivered,
		types.Actor{NodeID: d.nodeID, Role: "service"},
		types.Action{Operation: "DELIVER", Resource: msg.ID, Outcome: types.OutcomeSuccess},
		map[string]string{
			"precedence": string(msg.Precedence),
			"recipient":  msg.Recipient,
			"latency_ms": fmt.Sprintf("%d", latency.Milliseconds()),
		},
	))
}

// retry requeues a transiently failed message with exponential backoff, or
// fails it when attempts are exhausted.
func (d *Dispatcher) retry(msg *types.Message, reason string) {
	metrics.DispatchAttemptsTotal.WithLabelValues(string(msg.Precedence), "failure").Inc()

	// The attempt being recorded now is AttemptCount+1.
	if msg.AttemptCount+1 >= d.cfg.MaxAttempts {
		d.fail(msg, fmt.Sprintf("attempts exhausted: %s", reason))
		return
	}

	delay := d.backoff(msg.AttemptCount)
	if _, err := d.queue.Requeue(msg.ID, delay); err != nil {
		d.logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to requeue message")
		return
	}
	d.logger.Warn().
		Str("message_id", msg.ID).
		Str("reason", reason).
		Dur("retry_in", delay).
		Msg("delivery attempt failed, requeued")

	d.auditLog.Emit(audit.NewEvent(audit.EventMessageDelivered,
		types.Actor{NodeID: d.nodeID, Role: "service"},
		types.Action{Operation: "DELIVER", Resource: msg.ID, Outcome: types.OutcomeFailure},
		map[string]string{
			"precedence": string(msg.Precedence),
			"recipient":  msg.Recipient,
			"reason":     reason,
			"retry_in":   delay.String(),
		},
	))
}

// backoff returns min(base * 2^attempts, max).
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.cfg.BackoffBase()
	for i := 0; i < attempts && delay < d.cfg.BackoffMax(); i++ {
		delay *= 2
	}
	if delay > d.cfg.BackoffMax() {
		delay = d.cfg.BackoffMax()
	}
	return delay
}

func (d *Dispatcher) fail(msg *types.Message, reason string) {
	id := msg.ID
	msg, err := d.queue.Reject(id, types.StatusFailed)
	if err != nil {
		d.logger.Error().Err(err).Str("message_id", id).Msg("failed to mark message failed")
		return
	}
	metrics.MessagesTotal.WithLabelValues(string(msg.Precedence), "failed").Inc()
	d.logger.Error().
		Str("message_id", msg.ID).
		Str("precedence", string(msg.Precedence)).
		Str("reason", reason).
		Msg("message failed")

	d.auditLog.Emit(audit.NewEvent(audit.EventMessageFailed,
		types.Actor{NodeID: d.nodeID, Role: "service"},
		types.Action{Operation: "DELIVER", Resource: msg.ID, Outcome: types.OutcomeFailure},
		map[string]string{
			"precedence": string(msg.Precedence),
			"recipient":  msg.Recipient,
			"reason":     reason,
		},
	))
}

// evictExpired removes every queued message whose TTL elapsed.
func (d *Dispatcher) evictExpired() {
	ids, err := d.queue.ScanExpired(time.Now())
	if err != nil {
		d.logger.Error().Err(err).Msg("expiry scan failed")
		return
	}
	for _, id := range ids {
		msg, err := d.queue.GetMessage(id)
		if err != nil {
			continue
		}
		d.expire(msg)
	}
}

func (d *Dispatcher) expire(msg *types.Message) {
	id := msg.ID
	msg, err := d.queue.Reject(id, types.StatusExpired)
	if err != nil {
		d.logger.Error().Err(err).Str("message_id", id).Msg("failed to expire message")
		return
	}
	metrics.MessagesExpiredTotal.Inc()
	metrics.MessagesTotal.WithLabelValues(string(msg.Precedence), "expired").Inc()
	d.logger.Warn().
		Str("message_id", msg.ID).
		Str("precedence", string(msg.Precedence)).
		Time("expires_at", msg.ExpiresAt).
		Msg("message expired before delivery")

	d.auditLog.Emit(audit.NewEvent(audit.EventMessageExpired,
		types.Actor{NodeID: d.nodeID, Role: "service"},
		types.Action{Operation: "EXPIRE", Resource: msg.ID, Outcome: types.OutcomeFailure},
		map[string]string{
			"precedence": string(msg.Precedence),
			"recipient":  msg.Recipient,
		},
	))
}
