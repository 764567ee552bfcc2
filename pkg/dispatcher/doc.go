// Package dispatcher runs the single delivery worker. It wakes on a fixed
// tick or a FLASH enqueue, evicts expired messages, and drains the queue
// in strict precedence order with exponential backoff on transient
// delivery failures.
package dispatcher
