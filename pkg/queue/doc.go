// Package queue implements the durable precedence queue: four independent
// FIFO partitions, one per precedence level, over the BoltDB store.
//
// Within a partition, dispatch order is enqueue order; a requeued message
// re-enters at the tail. Each partition is serialized by its own mutex and
// mirrors its depth in an atomic counter so depth reads never block
// writers. Enqueue applies per-partition watermark backpressure with a 90%
// reopen threshold.
package queue
