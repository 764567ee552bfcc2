package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tacedge/tacedge/pkg/log"
	"github.com/tacedge/tacedge/pkg/metrics"
	"github.com/tacedge/tacedge/pkg/storage"
	"github.com/tacedge/tacedge/pkg/types"
)

// Event type catalog. Each type belongs to exactly one control family.
const (
	// AC - Access Control
	EventRBACCheck        = "RBAC_CHECK"
	EventPermissionDenied = "PERMISSION_DENIED"
	EventRateLimited      = "RATE_LIMITED"

	// AU - Audit and Accountability
	EventAuditStart       = "AUDIT_START"
	EventQueueFull        = "QUEUE_FULL"
	EventMessageSubmitted = "MESSAGE_SUBMITTED"
	EventMessageDelivered = "MESSAGE_DELIVERED"
	EventMessageFailed    = "MESSAGE_FAILED"
	EventMessageExpired   = "MESSAGE_EXPIRED"

	// IA - Identification and Authentication
	EventAuthSuccess = "AUTH_SUCCESS"
	EventAuthFailure = "AUTH_FAILURE"
	EventTokenIssued = "TOKEN_ISSUED"

	// SC - System and Communications Protection
	EventEncrypt   = "ENCRYPT"
	EventDecrypt   = "DECRYPT"
	EventKeyRotate = "KEY_ROTATE"

	// SI - System and Information Integrity
	EventIntegrityCheck    = "INTEGRITY_CHECK"
	EventValidationFailure = "VALIDATION_FAILURE"
	EventInternalError     = "INTERNAL_ERROR"
)

var eventFamilies = map[string]types.ControlFamily{
	EventRBACCheck:         types.FamilyAccessControl,
	EventPermissionDenied:  types.FamilyAccessControl,
	EventRateLimited:       types.FamilyAccessControl,
	EventAuditStart:        types.FamilyAudit,
	EventQueueFull:         types.FamilyAudit,
	EventMessageSubmitted:  types.FamilyAudit,
	EventMessageDelivered:  types.FamilyAudit,
	EventMessageFailed:     types.FamilyAudit,
	EventMessageExpired:    types.FamilyAudit,
	EventAuthSuccess:       types.FamilyIdentAuth,
	EventAuthFailure:       types.FamilyIdentAuth,
	EventTokenIssued:       types.FamilyIdentAuth,
	EventEncrypt:           types.FamilySysComms,
	EventDecrypt:           types.FamilySysComms,
	EventKeyRotate:         types.FamilySysComms,
	EventIntegrityCheck:    types.FamilySysIntegrity,
	EventValidationFailure: types.FamilySysIntegrity,
	EventInternalError:     types.FamilySysIntegrity,
}

// FamilyOf returns the control family an event type belongs to.
func FamilyOf(eventType string) types.ControlFamily {
	if f, ok := eventFamilies[eventType]; ok {
		return f
	}
	return types.FamilySysIntegrity
}

// NewEvent builds a populated audit event. The timestamp and event id are
// assigned here so emitters never have to.
func NewEvent(eventType string, actor types.Actor, action types.Action, ctx map[string]string) *types.AuditEvent {
	return &types.AuditEvent{
		EventID:       "evt-" + uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		ControlFamily: FamilyOf(eventType),
		EventType:     eventType,
		Actor:         actor,
		Action:        action,
		Context:       ctx,
	}
}

// Logger is the append-only audit log. Append is durable before it returns
// and is required on the submission path; Emit is best-effort and buffered
// for everything else.
type Logger struct {
	store  storage.Store
	logger zerolog.Logger

	mu     sync.Mutex // serializes appends so timestamps are monotonic
	lastNS int64

	buf      chan *types.AuditEvent
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewLogger creates an audit logger over the given store and starts the
// background drain for best-effort events.
func NewLogger(store storage.Store) *Logger {
	l := &Logger{
		store:  store,
		logger: log.WithComponent("audit"),
		buf:    make(chan *types.AuditEvent, 256),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go l.drain()
	return l
}

// Append durably records one event. Timestamps are nudged forward under the
// lock so append order and timestamp order agree within the process.
func (l *Logger) Append(ev *types.AuditEvent) error {
	l.mu.Lock()
	ns := ev.Timestamp.UnixNano()
	if ns <= l.lastNS {
		ns = l.lastNS + 1
		ev.Timestamp = time.Unix(0, ns).UTC()
	}
	l.lastNS = ns
	err := l.store.AppendAuditEvent(ev)
	l.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	metrics.AuditEventsTotal.WithLabelValues(string(ev.ControlFamily)).Inc()
	l.logger.Debug().
		Str("event_id", ev.EventID).
		Str("event_type", ev.EventType).
		Str("control_family", string(ev.ControlFamily)).
		Msg("audit event recorded")
	return nil
}

// Emit records one event best-effort. It never blocks the caller; if the
// buffer is full the event is dropped and counted.
func (l *Logger) Emit(ev *types.AuditEvent) {
	select {
	case l.buf <- ev:
	default:
		metrics.AuditDroppedTotal.Inc()
		l.logger.Warn().Str("event_type", ev.EventType).Msg("audit buffer full, event dropped")
	}
}

func (l *Logger) drain() {
	defer close(l.doneCh)
	for {
		select {
		case ev := <-l.buf:
			if err := l.Append(ev); err != nil {
				l.logger.Error().Err(err).Str("event_type", ev.EventType).Msg("best-effort audit append failed")
			}
		case <-l.stopCh:
			// Flush whatever is buffered before exiting.
			for {
				select {
				case ev := <-l.buf:
					if err := l.Append(ev); err != nil {
						l.logger.Error().Err(err).Msg("audit flush failed")
					}
				default:
					return
				}
			}
		}
	}
}

// Close flushes buffered events and stops the drain goroutine. Safe to
// call more than once.
func (l *Logger) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
}

// Query returns matching events newest-first up to the filter limit.
func (l *Logger) Query(f storage.AuditFilter) ([]*types.AuditEvent, error) {
	return l.store.QueryAuditEvents(f)
}

// Stats aggregates the audit log.
func (l *Logger) Stats() (*storage.AuditStats, error) {
	return l.store.AuditStatistics()
}

// RecordStart appends the AUDIT_START marker. Called once at process start.
func (l *Logger) RecordStart(nodeID string) error {
	return l.Append(NewEvent(EventAuditStart,
		types.Actor{NodeID: nodeID, Role: "service"},
		types.Action{Operation: "START_AUDIT", Resource: "audit_log", Outcome: types.OutcomeSuccess},
		nil,
	))
}
