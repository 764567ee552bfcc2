package storage

import (
	"errors"
	"time"

	"github.com/tacedge/tacedge/pkg/types"
)

// ErrNotFound is returned when a message, node, or queue entry does not exist.
var ErrNotFound = errors.New("not found")

// AuditFilter narrows an audit query. Zero values match everything.
type AuditFilter struct {
	ControlFamily types.ControlFamily
	EventType     string
	NodeID        string
	Resource      string
	StartTime     time.Time
	EndTime       time.Time
	Limit         int
}

// AuditStats aggregates the audit log for the stats endpoint.
type AuditStats struct {
	TotalEvents     int                           `json:"total_events"`
	ByControlFamily map[types.ControlFamily]int   `json:"by_control_family"`
	ByOutcome       map[types.Outcome]int         `json:"by_outcome"`
	TopActors       []ActorCount                  `json:"top_actors"`
}

// ActorCount is one entry of the top-actors ranking.
type ActorCount struct {
	NodeID string `json:"node_id"`
	Count  int    `json:"count"`
}

// Store defines durable state storage for the relay: message records, the
// four precedence partitions, the append-only audit log, and the node
// registry. Implemented by BoltStore.
type Store interface {
	// Messages
	GetMessage(id string) (*types.Message, error)
	// UpdateMessage applies fn to the stored record inside one transaction.
	UpdateMessage(id string, fn func(*types.Message) error) (*types.Message, error)

	// Queue partitions. Enqueue persists the record and places it at the
	// partition tail atomically; it returns only after the write is durable.
	Enqueue(msg *types.Message) error
	// Peek returns the head of a partition without removing it.
	Peek(p types.Precedence) (*types.Message, error)
	// Dequeue removes the message from its partition and applies fn to the
	// record in the same transaction (terminal status, delivery timestamp).
	Dequeue(id string, fn func(*types.Message) error) (*types.Message, error)
	// Requeue moves the message to the tail of its partition, increments
	// attempt_count, and schedules the next attempt.
	Requeue(id string, nextAttempt time.Time) (*types.Message, error)
	// PartitionCounts returns the number of entries in each partition.
	PartitionCounts() (map[types.Precedence]int, error)
	// ScanExpired returns ids of queued messages whose lifetime elapsed.
	ScanExpired(now time.Time) ([]string, error)

	// Audit log (append-only)
	AppendAuditEvent(ev *types.AuditEvent) error
	QueryAuditEvents(f AuditFilter) ([]*types.AuditEvent, error)
	AuditStatistics() (*AuditStats, error)

	// Nodes
	PutNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)

	// Utility
	Close() error
}
