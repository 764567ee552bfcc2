// Package transport moves sealed payloads from the relay to tactical
// nodes. Failures carry a transient/permanent classification that drives
// the dispatcher's retry decision.
package transport
