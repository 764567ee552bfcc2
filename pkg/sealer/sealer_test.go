package sealer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tacedge/tacedge/pkg/types"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		passphrase string
		wantErr    bool
	}{
		{
			name:       "valid passphrase",
			passphrase: "field-key-alpha",
			wantErr:    false,
		},
		{
			name:       "empty passphrase",
			passphrase: "",
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.passphrase, 1, nil, "relay-01")
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && s == nil {
				t.Error("New() returned nil without error")
			}
		})
	}
}

func TestSealOpenRoundtrip(t *testing.T) {
	s, err := New("field-key-alpha", 1, nil, "relay-01")
	if err != nil {
		t.Fatalf("Failed to create sealer: %v", err)
	}

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{
			name:      "simple string",
			plaintext: []byte("movement order 7"),
		},
		{
			name:      "json data",
			plaintext: []byte(`{"grid":"38SMB454154","time":"0400Z"}`),
		},
		{
			name:      "binary data",
			plaintext: []byte{0x00, 0x01, 0xFF, 0xFE, 0x80},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := s.Seal(tt.plaintext, types.ClassificationSecret)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			if bytes.Contains(sealed, tt.plaintext) {
				t.Error("sealed payload contains plaintext")
			}

			opened, err := s.Open(sealed)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if !bytes.Equal(opened, tt.plaintext) {
				t.Errorf("Open() = %q, want %q", opened, tt.plaintext)
			}
		})
	}
}

func TestSealEmptyPayload(t *testing.T) {
	s, err := New("field-key-alpha", 1, nil, "relay-01")
	if err != nil {
		t.Fatalf("Failed to create sealer: %v", err)
	}
	if _, err := s.Seal(nil, types.ClassificationUnclassified); err == nil {
		t.Error("Seal() accepted empty payload")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	s, err := New("field-key-alpha", 1, nil, "relay-01")
	if err != nil {
		t.Fatalf("Failed to create sealer: %v", err)
	}
	sealed, err := s.Seal([]byte("movement order 7"), types.ClassificationSecret)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{
			name: "flipped ciphertext bit",
			mutate: func(b []byte) []byte {
				b[len(b)/2] ^= 0x01
				return b
			},
		},
		{
			name: "flipped tag bit",
			mutate: func(b []byte) []byte {
				b[len(b)-1] ^= 0x01
				return b
			},
		},
		{
			name: "unknown format version",
			mutate: func(b []byte) []byte {
				b[0] = 0x7F
				return b
			},
		},
		{
			name: "unknown key version",
			mutate: func(b []byte) []byte {
				b[1] = 99
				return b
			},
		},
		{
			name: "truncated",
			mutate: func(b []byte) []byte {
				return b[:headerSize+nonceSize]
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := tt.mutate(append([]byte(nil), sealed...))
			plaintext, err := s.Open(mutated)
			if !errors.Is(err, ErrIntegrity) {
				t.Errorf("Open() error = %v, want ErrIntegrity", err)
			}
			if plaintext != nil {
				t.Error("Open() returned plaintext from tampered payload")
			}
		})
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	s1, _ := New("field-key-alpha", 1, nil, "relay-01")
	s2, _ := New("field-key-bravo", 1, nil, "relay-01")

	sealed, err := s1.Seal([]byte("movement order 7"), types.ClassificationSecret)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := s2.Open(sealed); !errors.Is(err, ErrIntegrity) {
		t.Errorf("Open() with wrong key error = %v, want ErrIntegrity", err)
	}
}

func TestRotate(t *testing.T) {
	s, err := New("field-key-alpha", 1, nil, "relay-01")
	if err != nil {
		t.Fatalf("Failed to create sealer: %v", err)
	}

	oldSealed, err := s.Seal([]byte("pre-rotation"), types.ClassificationConfidential)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	if err := s.Rotate("field-key-bravo", 2); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if got := s.ActiveVersion(); got != 2 {
		t.Errorf("ActiveVersion() = %d, want 2", got)
	}

	// New payloads seal under the new version.
	newSealed, err := s.Seal([]byte("post-rotation"), types.ClassificationConfidential)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if newSealed[1] != 2 {
		t.Errorf("sealed key version = %d, want 2", newSealed[1])
	}

	// Payloads sealed under the retired version still open.
	opened, err := s.Open(oldSealed)
	if err != nil {
		t.Fatalf("Open() of pre-rotation payload error = %v", err)
	}
	if string(opened) != "pre-rotation" {
		t.Errorf("Open() = %q, want %q", opened, "pre-rotation")
	}

	// A version collision is refused.
	if err := s.Rotate("field-key-charlie", 1); err == nil {
		t.Error("Rotate() accepted a key version already in use")
	}
}

func TestVerify(t *testing.T) {
	s, err := New("field-key-alpha", 1, nil, "relay-01")
	if err != nil {
		t.Fatalf("Failed to create sealer: %v", err)
	}
	sealed, err := s.Seal([]byte("movement order 7"), types.ClassificationSecret)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	if !s.Verify(sealed) {
		t.Error("Verify() = false for intact payload")
	}
	sealed[len(sealed)-1] ^= 0x01
	if s.Verify(sealed) {
		t.Error("Verify() = true for tampered payload")
	}
}
