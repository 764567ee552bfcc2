// Package gateway is the HTTP/JSON ingress of the relay. Every request
// under /api/v1 except token issuance passes request id assignment,
// access logging, bearer token verification, a permission check, and a
// per-token rate limit before reaching its handler. Errors use a uniform
// envelope carrying a stable code and the request id.
package gateway
