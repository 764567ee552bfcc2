// Package audit implements the append-only audit log: NIST 800-53 style
// events tagged by control family, durably stored and queryable by family,
// type, actor, and time window.
//
// Append blocks until the event is on disk and is used on the submission
// path. Emit is buffered and best-effort for everything else; a full buffer
// drops the event rather than stalling the caller.
package audit
