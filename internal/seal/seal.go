// Package seal implements the per-session event encryption overlay: inner
// events are serialized and AES-GCM sealed; the outer envelope carries the
// key id, nonce, and ciphertext, and keeps the inner event's sequence
// number.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/agentfront/enclave/pkg/wire"
)

const nonceSize = 12 // 8 random prefix bytes + 4 counter bytes

var (
	// ErrNonceExhausted means the per-key nonce ceiling was hit. This is a
	// hard error at this layer; rotation is the caller's problem.
	ErrNonceExhausted = errors.New("seal: nonce space exhausted for key")

	// ErrKeyMismatch means the payload was sealed under a different key id.
	ErrKeyMismatch = errors.New("seal: key id mismatch")

	// ErrInvalidKeySize means the key is not 16, 24, or 32 bytes.
	ErrInvalidKeySize = errors.New("seal: key must be 16, 24, or 32 bytes")
)

// Config configures a Sealer.
type Config struct {
	// Key is the opaque per-session AES key (16, 24, or 32 bytes).
	Key []byte

	// KID names the key on the wire. Defaults to "default".
	KID string

	// MaxNonces caps how many seals a single key may perform. Defaults to
	// the full 4-byte counter space.
	MaxNonces uint64
}

// Sealer is per-session mutable state: an AEAD plus a nonce counter with the
// invariant counter < MaxNonces at every encrypt.
type Sealer struct {
	mu        sync.Mutex
	aead      cipher.AEAD
	kid       string
	prefix    [8]byte
	counter   uint64
	maxNonces uint64
}

// New creates a Sealer for the given key. The 8-byte nonce prefix is drawn
// once from crypto/rand; the low 4 bytes count seals.
func New(cfg Config) (*Sealer, error) {
	switch len(cfg.Key) {
	case 16, 24, 32:
	default:
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}

	s := &Sealer{
		aead:      aead,
		kid:       cfg.KID,
		maxNonces: cfg.MaxNonces,
	}
	if s.kid == "" {
		s.kid = "default"
	}
	if s.maxNonces == 0 {
		s.maxNonces = math.MaxUint32
	}
	if _, err := rand.Read(s.prefix[:]); err != nil {
		return nil, fmt.Errorf("seal: read nonce prefix: %w", err)
	}
	return s, nil
}

// KID returns the key id stamped on sealed payloads.
func (s *Sealer) KID() string {
	return s.kid
}

// Seal encrypts plaintext under the next nonce.
func (s *Sealer) Seal(plaintext []byte) (*wire.EncryptedPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.counter >= s.maxNonces {
		return nil, ErrNonceExhausted
	}
	var nonce [nonceSize]byte
	copy(nonce[:8], s.prefix[:])
	binary.BigEndian.PutUint32(nonce[8:], uint32(s.counter))
	s.counter++

	ct := s.aead.Seal(nil, nonce[:], plaintext, nil)
	return &wire.EncryptedPayload{
		KID:           s.kid,
		NonceB64:      base64.StdEncoding.EncodeToString(nonce[:]),
		CiphertextB64: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// Open decrypts a sealed payload produced under the same key.
func (s *Sealer) Open(p *wire.EncryptedPayload) ([]byte, error) {
	if p.KID != s.kid {
		return nil, fmt.Errorf("%w: got %q, have %q", ErrKeyMismatch, p.KID, s.kid)
	}
	nonce, err := base64.StdEncoding.DecodeString(p.NonceB64)
	if err != nil {
		return nil, fmt.Errorf("seal: decode nonce: %w", err)
	}
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("seal: nonce is %d bytes, want %d", len(nonce), nonceSize)
	}
	ct, err := base64.StdEncoding.DecodeString(p.CiphertextB64)
	if err != nil {
		return nil, fmt.Errorf("seal: decode ciphertext: %w", err)
	}
	pt, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("seal: open: %w", err)
	}
	return pt, nil
}

// SealEvent wraps an event into an encrypted envelope carrying the same
// session id and sequence number.
func (s *Sealer) SealEvent(ev *wire.Event) (*wire.Event, error) {
	inner, err := wireMarshal(ev)
	if err != nil {
		return nil, err
	}
	payload, err := s.Seal(inner)
	if err != nil {
		return nil, err
	}
	return &wire.Event{
		ProtocolVersion: ev.ProtocolVersion,
		SessionID:       ev.SessionID,
		Seq:             ev.Seq,
		Type:            wire.EventEncrypted,
		Payload:         *payload,
	}, nil
}

// OpenEvent unwraps an encrypted envelope back into the inner event.
func (s *Sealer) OpenEvent(outer *wire.Event) (*wire.Event, error) {
	if outer.Type != wire.EventEncrypted {
		return nil, fmt.Errorf("seal: event type %q is not encrypted", outer.Type)
	}
	var payload wire.EncryptedPayload
	if err := wire.DecodePayload(outer, &payload); err != nil {
		return nil, err
	}
	pt, err := s.Open(&payload)
	if err != nil {
		return nil, err
	}
	return wire.UnmarshalLine(pt)
}

// RotationNeeded reports whether the counter crossed 90% of the ceiling.
// Callers log it; this layer never rotates.
func (s *Sealer) RotationNeeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter*10 >= s.maxNonces*9
}

// SealCount returns how many payloads were sealed so far.
func (s *Sealer) SealCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

func wireMarshal(ev *wire.Event) ([]byte, error) {
	line, err := wire.MarshalLine(ev)
	if err != nil {
		return nil, err
	}
	// Strip the NDJSON newline; the ciphertext carries a bare object.
	return line[:len(line)-1], nil
}
