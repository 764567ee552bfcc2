package sealer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tacedge/tacedge/pkg/audit"
	"github.com/tacedge/tacedge/pkg/types"
)

const (
	// formatVersion identifies the envelope layout for forward compatibility.
	formatVersion = 0x01

	nonceSize = 12 // 96 bits, GCM standard
	tagSize   = 16 // 128 bits
	keySize   = 32 // AES-256

	headerSize = 2 // format version + key version
)

// ErrIntegrity is returned when the authentication tag does not verify.
// No plaintext is ever returned alongside it.
var ErrIntegrity = errors.New("message authentication failed")

// Recorder receives the SC/SI audit events the sealer produces. Satisfied
// by *audit.Logger.
type Recorder interface {
	Emit(ev *types.AuditEvent)
}

// Sealer performs AES-256-GCM authenticated encryption of message payloads.
//
// Envelope layout: [format version | key version | 12-byte nonce |
// ciphertext || 16-byte tag]. Nonces are random per message and never
// reused under a (key, nonce) pair; rotating the key version resets the
// collision budget.
type Sealer struct {
	mu       sync.RWMutex
	keys     map[uint8]cipher.AEAD // retained versions, still valid for open
	active   uint8
	recorder Recorder
	nodeID   string
}

// New creates a sealer holding a single active key version. The key is
// derived from the passphrase with SHA-256, matching the deployment's key
// distribution scheme.
func New(passphrase string, version uint8, recorder Recorder, nodeID string) (*Sealer, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("encryption passphrase cannot be empty")
	}
	aead, err := newAEAD(deriveKey(passphrase))
	if err != nil {
		return nil, err
	}
	return &Sealer{
		keys:     map[uint8]cipher.AEAD{version: aead},
		active:   version,
		recorder: recorder,
		nodeID:   nodeID,
	}, nil
}

func deriveKey(passphrase string) []byte {
	hash := sha256.Sum256([]byte(passphrase))
	return hash[:]
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must be %d bytes for AES-256, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// ActiveVersion returns the key version new payloads are sealed under.
func (s *Sealer) ActiveVersion() uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Rotate installs a new active key version. Previous versions stay
// available for opening already-sealed payloads.
func (s *Sealer) Rotate(passphrase string, version uint8) error {
	if passphrase == "" {
		return fmt.Errorf("encryption passphrase cannot be empty")
	}
	aead, err := newAEAD(deriveKey(passphrase))
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.keys[version]; exists {
		s.mu.Unlock()
		return fmt.Errorf("key version %d already in use", version)
	}
	s.keys[version] = aead
	s.active = version
	s.mu.Unlock()

	s.record(audit.EventKeyRotate, "key_ring", types.OutcomeSuccess, map[string]string{
		"key_version": fmt.Sprintf("%d", version),
	})
	return nil
}

// Seal encrypts plaintext under the active key with a fresh random nonce.
func (s *Sealer) Seal(plaintext []byte, classification types.Classification) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot seal empty payload")
	}

	s.mu.RLock()
	version := s.active
	aead := s.keys[version]
	s.mu.RUnlock()

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := make([]byte, headerSize, headerSize+nonceSize+len(plaintext)+tagSize)
	sealed[0] = formatVersion
	sealed[1] = version
	sealed = append(sealed, nonce...)
	sealed = aead.Seal(sealed, nonce, plaintext, nil)

	s.record(audit.EventEncrypt, "payload", types.OutcomeSuccess, map[string]string{
		"classification": string(classification),
		"key_version":    fmt.Sprintf("%d", version),
	})
	return sealed, nil
}

// Open verifies and decrypts a sealed payload. A tag mismatch returns
// ErrIntegrity and emits an INTEGRITY_CHECK failure event.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < headerSize+nonceSize+tagSize {
		s.recordIntegrityFailure("sealed payload too short")
		return nil, ErrIntegrity
	}
	if sealed[0] != formatVersion {
		s.recordIntegrityFailure("unknown envelope format")
		return nil, ErrIntegrity
	}

	version := sealed[1]
	s.mu.RLock()
	aead, ok := s.keys[version]
	s.mu.RUnlock()
	if !ok {
		s.recordIntegrityFailure("unknown key version")
		return nil, ErrIntegrity
	}

	nonce := sealed[headerSize : headerSize+nonceSize]
	ciphertext := sealed[headerSize+nonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		s.recordIntegrityFailure("authentication tag mismatch")
		return nil, ErrIntegrity
	}

	s.record(audit.EventDecrypt, "payload", types.OutcomeSuccess, map[string]string{
		"key_version": fmt.Sprintf("%d", version),
	})
	return plaintext, nil
}

// Verify checks payload integrity without returning plaintext.
func (s *Sealer) Verify(sealed []byte) bool {
	_, err := s.Open(sealed)
	return err == nil
}

func (s *Sealer) record(eventType, resource string, outcome types.Outcome, ctx map[string]string) {
	if s.recorder == nil {
		return
	}
	s.recorder.Emit(audit.NewEvent(eventType,
		types.Actor{NodeID: s.nodeID, Role: "service"},
		types.Action{Operation: eventType, Resource: resource, Outcome: outcome},
		ctx,
	))
}

func (s *Sealer) recordIntegrityFailure(reason string) {
	s.record(audit.EventIntegrityCheck, "payload", types.OutcomeFailure, map[string]string{
		"reason": reason,
	})
}
