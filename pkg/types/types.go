package types

import (
	"time"
)

// Precedence is the military message precedence level. Lower rank means
// higher priority.
type Precedence string

const (
	PrecedenceFlash     Precedence = "FLASH"
	PrecedenceImmediate Precedence = "IMMEDIATE"
	PrecedencePriority  Precedence = "PRIORITY"
	PrecedenceRoutine   Precedence = "ROUTINE"
)

// DispatchOrder returns all precedences in strict dispatch order,
// highest priority first.
func DispatchOrder() []Precedence {
	return []Precedence{
		PrecedenceFlash,
		PrecedenceImmediate,
		PrecedencePriority,
		PrecedenceRoutine,
	}
}

// Valid reports whether p is a known precedence level.
func (p Precedence) Valid() bool {
	switch p {
	case PrecedenceFlash, PrecedenceImmediate, PrecedencePriority, PrecedenceRoutine:
		return true
	}
	return false
}

// Rank returns the numeric priority (1 = FLASH .. 4 = ROUTINE).
func (p Precedence) Rank() int {
	switch p {
	case PrecedenceFlash:
		return 1
	case PrecedenceImmediate:
		return 2
	case PrecedencePriority:
		return 3
	case PrecedenceRoutine:
		return 4
	}
	return 4
}

// MaxLatency is the delivery latency target for the precedence.
func (p Precedence) MaxLatency() time.Duration {
	switch p {
	case PrecedenceFlash:
		return 100 * time.Millisecond
	case PrecedenceImmediate:
		return 500 * time.Millisecond
	case PrecedencePriority:
		return 2 * time.Second
	}
	return 10 * time.Second
}

// DefaultTTL is the message lifetime applied when a submission omits one.
func (p Precedence) DefaultTTL() time.Duration {
	switch p {
	case PrecedenceFlash:
		return 5 * time.Minute
	case PrecedenceImmediate:
		return 15 * time.Minute
	case PrecedencePriority:
		return time.Hour
	}
	return 24 * time.Hour
}

// Classification is the security classification label of a message.
type Classification string

const (
	ClassificationUnclassified Classification = "UNCLASSIFIED"
	ClassificationConfidential Classification = "CONFIDENTIAL"
	ClassificationSecret       Classification = "SECRET"
	ClassificationTopSecret    Classification = "TOP_SECRET"
)

// Valid reports whether c is a known classification.
func (c Classification) Valid() bool {
	switch c {
	case ClassificationUnclassified, ClassificationConfidential,
		ClassificationSecret, ClassificationTopSecret:
		return true
	}
	return false
}

// Level returns the position of c in the classification hierarchy
// (0 = UNCLASSIFIED .. 3 = TOP_SECRET).
func (c Classification) Level() int {
	switch c {
	case ClassificationConfidential:
		return 1
	case ClassificationSecret:
		return 2
	case ClassificationTopSecret:
		return 3
	}
	return 0
}

// MessageStatus is the lifecycle state of a message.
type MessageStatus string

const (
	StatusQueued    MessageStatus = "QUEUED"
	StatusInFlight  MessageStatus = "IN_FLIGHT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusFailed    MessageStatus = "FAILED"
	StatusExpired   MessageStatus = "EXPIRED"
)

// Terminal reports whether s is a terminal state.
func (s MessageStatus) Terminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether the status may move from s to next.
// Terminal states never regress.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	switch s {
	case StatusQueued:
		return next == StatusInFlight || next == StatusExpired || next == StatusFailed
	case StatusInFlight:
		return next == StatusQueued || next == StatusDelivered ||
			next == StatusFailed || next == StatusExpired
	}
	return false
}

// Message is a single tactical message submission.
type Message struct {
	ID             string         `json:"id"`
	Precedence     Precedence     `json:"precedence"`
	Classification Classification `json:"classification"`
	Sender         string         `json:"sender"`
	Recipient      string         `json:"recipient"`
	SealedPayload  []byte         `json:"sealed_payload,omitempty"`
	SubmittedAt    time.Time      `json:"submitted_at"`
	TTLSeconds     int            `json:"ttl_seconds"`
	ExpiresAt      time.Time      `json:"expires_at"`
	Status         MessageStatus  `json:"status"`
	AttemptCount   int            `json:"attempt_count"`
	NextAttemptAt  time.Time      `json:"next_attempt_at"`
	DeliveredAt    time.Time      `json:"delivered_at,omitzero"`
}

// Expired reports whether the message lifetime has elapsed at now.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.After(now)
}

// View is the external representation of a message. The sealed payload is
// never included.
type View struct {
	ID             string         `json:"message_id"`
	Precedence     Precedence     `json:"precedence"`
	Classification Classification `json:"classification"`
	Sender         string         `json:"sender"`
	Recipient      string         `json:"recipient"`
	SubmittedAt    time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	Status         MessageStatus  `json:"status"`
	AttemptCount   int            `json:"attempt_count"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	Encrypted      bool           `json:"encrypted"`
}

// ViewOf builds the external view of a message.
func ViewOf(m *Message) *View {
	v := &View{
		ID:             m.ID,
		Precedence:     m.Precedence,
		Classification: m.Classification,
		Sender:         m.Sender,
		Recipient:      m.Recipient,
		SubmittedAt:    m.SubmittedAt,
		ExpiresAt:      m.ExpiresAt,
		Status:         m.Status,
		AttemptCount:   m.AttemptCount,
		Encrypted:      len(m.SealedPayload) > 0,
	}
	if !m.DeliveredAt.IsZero() {
		t := m.DeliveredAt
		v.DeliveredAt = &t
	}
	return v
}

// NodeStatus is the computed liveness of a node.
type NodeStatus string

const (
	NodeConnected    NodeStatus = "CONNECTED"
	NodeDisconnected NodeStatus = "DISCONNECTED"
)

// Node is a registered tactical node.
type Node struct {
	ID           string       `json:"node_id"`
	Address      string       `json:"address"`
	LastSeen     time.Time    `json:"last_seen"`
	Capabilities []Precedence `json:"capabilities"`
	RegisteredAt time.Time    `json:"registered_at"`
}

// StatusAt computes node liveness from last_seen against the heartbeat
// threshold. Liveness is derived, never stored.
func (n *Node) StatusAt(now time.Time, threshold time.Duration) NodeStatus {
	if !n.LastSeen.IsZero() && now.Sub(n.LastSeen) <= threshold {
		return NodeConnected
	}
	return NodeDisconnected
}

// CanReceive reports whether the node advertises the given precedence.
func (n *Node) CanReceive(p Precedence) bool {
	for _, c := range n.Capabilities {
		if c == p {
			return true
		}
	}
	return false
}

// ControlFamily is the NIST 800-53 control family an audit event belongs to.
type ControlFamily string

const (
	FamilyAccessControl ControlFamily = "AC"
	FamilyAudit         ControlFamily = "AU"
	FamilyIdentAuth     ControlFamily = "IA"
	FamilySysComms      ControlFamily = "SC"
	FamilySysIntegrity  ControlFamily = "SI"
)

// Outcome is the result recorded on an audit action.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
)

// Actor identifies who performed an audited operation.
type Actor struct {
	NodeID        string `json:"node_id"`
	Role          string `json:"role,omitempty"`
	SourceAddress string `json:"source_address,omitempty"`
}

// Action describes what was done and how it turned out.
type Action struct {
	Operation string  `json:"operation"`
	Resource  string  `json:"resource"`
	Outcome   Outcome `json:"outcome"`
}

// AuditEvent is a single append-only audit record.
type AuditEvent struct {
	EventID       string            `json:"event_id"`
	Timestamp     time.Time         `json:"timestamp"`
	ControlFamily ControlFamily     `json:"control_family"`
	EventType     string            `json:"event_type"`
	Actor         Actor             `json:"actor"`
	Action        Action            `json:"action"`
	Context       map[string]string `json:"context,omitempty"`
}
