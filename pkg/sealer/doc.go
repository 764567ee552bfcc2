// Package sealer provides authenticated encryption of message payloads
// with AES-256-GCM. Sealed payloads carry a format version, a key version
// for rotation, a random 96-bit nonce, and the GCM authentication tag.
// Opening a payload sealed under a retired key version keeps working after
// rotation.
package sealer
