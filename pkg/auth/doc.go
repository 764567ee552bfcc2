// Package auth issues and verifies HS256 bearer tokens. Tokens carry the
// caller's role, its materialized permission set, and a classification
// ceiling for reading message content. Verification tolerates a small
// clock skew on the time-based claims.
package auth
