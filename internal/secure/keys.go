package secure

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// SessionKey is the per-tunnel symmetric key.
type SessionKey [KeySize]byte

// NewSessionKey draws a fresh random session key.
func NewSessionKey() (SessionKey, error) {
	var k SessionKey
	if _, err := rand.Read(k[:]); err != nil {
		return SessionKey{}, fmt.Errorf("secure: generate session key: %w", err)
	}
	return k, nil
}

// ---------------------------------------------------------------------------
// Master key
// ---------------------------------------------------------------------------

// MasterKey is the long-lived shared secret. It is only used to seal and
// unseal session keys during the tunnel handshake.
type MasterKey struct {
	aead cipher.AEAD
}

// ParseMasterKey builds a MasterKey from its 64-character hex form.
func ParseMasterKey(s string, suite Suite) (*MasterKey, error) {
	if len(s) != 2*KeySize {
		return nil, ErrInvalidKeyFormat
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidKeyFormat
	}
	aead, err := suite.aead(raw)
	if err != nil {
		return nil, err
	}
	return &MasterKey{aead: aead}, nil
}

// SealSessionKey wraps k for transport inside a handshake.
func (m *MasterKey) SealSessionKey(k SessionKey) (Sealed, error) {
	return seal(m.aead, k[:])
}

// UnsealSessionKey recovers a session key sealed by a peer holding the
// same master key.
func (m *MasterKey) UnsealSessionKey(msg Sealed) (SessionKey, error) {
	raw, err := open(m.aead, msg)
	if err != nil {
		return SessionKey{}, err
	}
	if len(raw) != KeySize {
		return SessionKey{}, ErrKeySize
	}
	var k SessionKey
	copy(k[:], raw)
	return k, nil
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

// Session seals and opens data frames for one tunnel. It is bound to a
// single SessionKey for its whole lifetime; there is no way to rekey it.
// Session is safe for concurrent use.
type Session struct {
	key  SessionKey
	aead cipher.AEAD
}

// NewSession binds a Session to key.
func NewSession(suite Suite, key SessionKey) (*Session, error) {
	aead, err := suite.aead(key[:])
	if err != nil {
		return nil, err
	}
	return &Session{key: key, aead: aead}, nil
}

// Key returns a copy of the bound session key.
func (s *Session) Key() SessionKey { return s.key }

// Seal encrypts p with a fresh IV.
func (s *Session) Seal(p []byte) (Sealed, error) { return seal(s.aead, p) }

// Open authenticates and decrypts msg.
func (s *Session) Open(msg Sealed) ([]byte, error) { return open(s.aead, msg) }
