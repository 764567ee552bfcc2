// Package storage provides durable state for the relay on top of BoltDB:
// message records, the four precedence partitions as ordered buckets, the
// append-only audit log, and the node registry.
//
// Partition entries are keyed by a monotonically increasing sequence number
// so cursor order is enqueue order; a side index maps message id to its
// partition and sequence for acknowledgment and requeue by id. Every
// mutation commits one transaction, so a nil return means the write is on
// disk.
package storage
