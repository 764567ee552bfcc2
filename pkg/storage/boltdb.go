package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tacedge/tacedge/pkg/types"
)

var (
	// Bucket names
	bucketMessages   = []byte("messages")
	bucketQueueIndex = []byte("queue_index")
	bucketAudit      = []byte("audit")
	bucketNodes      = []byte("nodes")

	partitionBuckets = map[types.Precedence][]byte{
		types.PrecedenceFlash:     []byte("queue:flash"),
		types.PrecedenceImmediate: []byte("queue:immediate"),
		types.PrecedencePriority:  []byte("queue:priority"),
		types.PrecedenceRoutine:   []byte("queue:routine"),
	}
)

// queueRef locates a message inside a partition bucket.
type queueRef struct {
	Partition types.Precedence `json:"partition"`
	Seq       uint64           `json:"seq"`
}

// BoltStore implements Store using BoltDB. Every mutation commits a single
// transaction, so an enqueue that returns nil is durable on disk.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "tacedge.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketMessages, bucketQueueIndex, bucketAudit, bucketNodes}
		for _, b := range partitionBuckets {
			buckets = append(buckets, b)
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func putMessage(tx *bolt.Tx, msg *types.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketMessages).Put([]byte(msg.ID), data)
}

func getMessage(tx *bolt.Tx, id string) (*types.Message, error) {
	data := tx.Bucket(bucketMessages).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func getQueueRef(tx *bolt.Tx, id string) (*queueRef, error) {
	data := tx.Bucket(bucketQueueIndex).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("queue entry %s: %w", id, ErrNotFound)
	}
	var ref queueRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

// appendToPartition places id at the tail of its partition and records the
// index entry, all inside the caller's transaction.
func appendToPartition(tx *bolt.Tx, p types.Precedence, id string) error {
	pb := tx.Bucket(partitionBuckets[p])
	seq, err := pb.NextSequence()
	if err != nil {
		return err
	}
	if err := pb.Put(seqKey(seq), []byte(id)); err != nil {
		return err
	}
	ref, err := json.Marshal(queueRef{Partition: p, Seq: seq})
	if err != nil {
		return err
	}
	return tx.Bucket(bucketQueueIndex).Put([]byte(id), ref)
}

// removeFromPartition deletes the queue entry and index for id. Returns
// ErrNotFound if the message is not queued.
func removeFromPartition(tx *bolt.Tx, id string) (*queueRef, error) {
	ref, err := getQueueRef(tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Bucket(partitionBuckets[ref.Partition]).Delete(seqKey(ref.Seq)); err != nil {
		return nil, err
	}
	if err := tx.Bucket(bucketQueueIndex).Delete([]byte(id)); err != nil {
		return nil, err
	}
	return ref, nil
}

// GetMessage retrieves a message record by id.
func (s *BoltStore) GetMessage(id string) (*types.Message, error) {
	var msg *types.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		msg, err = getMessage(tx, id)
		return err
	})
	return msg, err
}

// UpdateMessage applies fn to the stored record inside one transaction.
func (s *BoltStore) UpdateMessage(id string, fn func(*types.Message) error) (*types.Message, error) {
	var msg *types.Message
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		msg, err = getMessage(tx, id)
		if err != nil {
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
		return putMessage(tx, msg)
	})
	return msg, err
}

// Enqueue persists the message and places it at the tail of its partition
// in a single transaction.
func (s *BoltStore) Enqueue(msg *types.Message) error {
	if _, ok := partitionBuckets[msg.Precedence]; !ok {
		return fmt.Errorf("unknown partition: %s", msg.Precedence)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketMessages).Get([]byte(msg.ID)) != nil {
			return fmt.Errorf("message %s already exists", msg.ID)
		}
		if err := putMessage(tx, msg); err != nil {
			return err
		}
		return appendToPartition(tx, msg.Precedence, msg.ID)
	})
}

// Peek returns the head of a partition without removing it.
func (s *BoltStore) Peek(p types.Precedence) (*types.Message, error) {
	var msg *types.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(partitionBuckets[p]).Cursor()
		k, v := c.First()
		if k == nil {
			return ErrNotFound
		}
		var err error
		msg, err = getMessage(tx, string(v))
		return err
	})
	return msg, err
}

// Dequeue removes the message from its partition and applies fn to the
// record in the same transaction.
func (s *BoltStore) Dequeue(id string, fn func(*types.Message) error) (*types.Message, error) {
	var msg *types.Message
	err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := removeFromPartition(tx, id); err != nil {
			return err
		}
		var err error
		msg, err = getMessage(tx, id)
		if err != nil {
			return err
		}
		if fn != nil {
			if err := fn(msg); err != nil {
				return err
			}
		}
		return putMessage(tx, msg)
	})
	return msg, err
}

// Requeue moves the message to the tail of its partition, increments
// attempt_count, and schedules the next attempt.
func (s *BoltStore) Requeue(id string, nextAttempt time.Time) (*types.Message, error) {
	var msg *types.Message
	err := s.db.Update(func(tx *bolt.Tx) error {
		ref, err := removeFromPartition(tx, id)
		if err != nil {
			return err
		}
		msg, err = getMessage(tx, id)
		if err != nil {
			return err
		}
		msg.Status = types.StatusQueued
		msg.AttemptCount++
		msg.NextAttemptAt = nextAttempt
		if err := putMessage(tx, msg); err != nil {
			return err
		}
		return appendToPartition(tx, ref.Partition, id)
	})
	return msg, err
}

// PartitionCounts returns the number of entries in each partition.
func (s *BoltStore) PartitionCounts() (map[types.Precedence]int, error) {
	counts := make(map[types.Precedence]int, len(partitionBuckets))
	err := s.db.View(func(tx *bolt.Tx) error {
		for p, name := range partitionBuckets {
			counts[p] = tx.Bucket(name).Stats().KeyN
		}
		return nil
	})
	return counts, err
}

// ScanExpired returns ids of queued messages whose lifetime elapsed at now,
// in partition order.
func (s *BoltStore) ScanExpired(now time.Time) ([]string, error) {
	var expired []string
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, p := range types.DispatchOrder() {
			c := tx.Bucket(partitionBuckets[p]).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				msg, err := getMessage(tx, string(v))
				if err != nil {
					return err
				}
				if msg.Expired(now) {
					expired = append(expired, msg.ID)
				}
			}
		}
		return nil
	})
	return expired, err
}

// auditKey orders events by timestamp; the event id suffix breaks ties so
// concurrent appends in the same nanosecond never collide.
func auditKey(ev *types.AuditEvent) []byte {
	key := make([]byte, 8, 8+len(ev.EventID))
	binary.BigEndian.PutUint64(key, uint64(ev.Timestamp.UnixNano()))
	return append(key, ev.EventID...)
}

// AppendAuditEvent durably appends one audit event. Events are immutable
// once written; there is no update or delete path.
func (s *BoltStore) AppendAuditEvent(ev *types.AuditEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudit).Put(auditKey(ev), data)
	})
}

// QueryAuditEvents returns matching events newest-first up to the limit.
func (s *BoltStore) QueryAuditEvents(f AuditFilter) ([]*types.AuditEvent, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var events []*types.AuditEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()

		// Walk backwards from the end (or the end-time bound) so results
		// come out newest-first without a sort.
		var k, v []byte
		if !f.EndTime.IsZero() {
			bound := seqKey(uint64(f.EndTime.UnixNano() + 1))
			k, v = c.Seek(bound)
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		} else {
			k, v = c.Last()
		}

		for ; k != nil && len(events) < limit; k, v = c.Prev() {
			var ev types.AuditEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if !f.StartTime.IsZero() && ev.Timestamp.Before(f.StartTime) {
				break
			}
			if !f.EndTime.IsZero() && ev.Timestamp.After(f.EndTime) {
				continue
			}
			if f.ControlFamily != "" && ev.ControlFamily != f.ControlFamily {
				continue
			}
			if f.EventType != "" && ev.EventType != f.EventType {
				continue
			}
			if f.NodeID != "" && ev.Actor.NodeID != f.NodeID {
				continue
			}
			if f.Resource != "" && ev.Action.Resource != f.Resource {
				continue
			}
			events = append(events, &ev)
		}
		return nil
	})
	return events, err
}

// AuditStatistics aggregates the whole audit log.
func (s *BoltStore) AuditStatistics() (*AuditStats, error) {
	stats := &AuditStats{
		ByControlFamily: make(map[types.ControlFamily]int),
		ByOutcome:       make(map[types.Outcome]int),
	}
	actorCounts := make(map[string]int)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudit).ForEach(func(k, v []byte) error {
			var ev types.AuditEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			stats.TotalEvents++
			stats.ByControlFamily[ev.ControlFamily]++
			if ev.Action.Outcome != "" {
				stats.ByOutcome[ev.Action.Outcome]++
			}
			if ev.Actor.NodeID != "" {
				actorCounts[ev.Actor.NodeID]++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	for nodeID, count := range actorCounts {
		stats.TopActors = append(stats.TopActors, ActorCount{NodeID: nodeID, Count: count})
	}
	sort.Slice(stats.TopActors, func(i, j int) bool {
		if stats.TopActors[i].Count != stats.TopActors[j].Count {
			return stats.TopActors[i].Count > stats.TopActors[j].Count
		}
		return stats.TopActors[i].NodeID < stats.TopActors[j].NodeID
	})
	if len(stats.TopActors) > 10 {
		stats.TopActors = stats.TopActors[:10]
	}
	return stats, nil
}

// PutNode creates or updates a node registration.
func (s *BoltStore) PutNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put([]byte(node.ID), data)
	})
}

// GetNode retrieves a node by id.
func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("node %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// ListNodes returns all registered nodes sorted by id.
func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, err
}
