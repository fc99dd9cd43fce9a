// Package secure implements the AEAD layer of a tunnel: sealing opaque
// payloads under a 256-bit key, and bootstrapping per-tunnel session keys
// under a long-lived master key.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sizes shared by every supported suite.
const (
	KeySize   = 32 // 256-bit key
	NonceSize = 12 // 96-bit IV
	TagSize   = 16 // 128-bit authentication tag
)

var (
	// ErrAuthentication reports a tag mismatch. No plaintext is ever
	// returned alongside it.
	ErrAuthentication = errors.New("secure: message authentication failed")

	// ErrInvalidKeyFormat reports a master key that is not 64 hex characters.
	ErrInvalidKeyFormat = errors.New("secure: key must be 64 hex characters")

	// ErrKeySize reports raw key material of the wrong length.
	ErrKeySize = errors.New("secure: key must be 32 bytes")

	errUnknownSuite = errors.New("secure: unknown cipher suite")
)

// Suite names an AEAD construction.
type Suite string

const (
	AES256GCM        Suite = "aes-256-gcm"
	ChaCha20Poly1305 Suite = "chacha20-poly1305"
)

// DefaultSuite is the suite used when none is configured.
const DefaultSuite = AES256GCM

// ParseSuite validates a suite name. The empty string selects DefaultSuite.
func ParseSuite(name string) (Suite, error) {
	switch Suite(name) {
	case "":
		return DefaultSuite, nil
	case AES256GCM, ChaCha20Poly1305:
		return Suite(name), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownSuite, name)
	}
}

func (s Suite) aead(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	switch s {
	case AES256GCM, "":
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownSuite, string(s))
	}
}

// Sealed is the text form of one AEAD message as it travels inside an
// envelope: a hex IV and the base64 ciphertext with the tag appended.
type Sealed struct {
	IV   string `json:"iv"`
	Data string `json:"data"`
}

// Encrypt seals plaintext under key with a fresh random IV.
func Encrypt(suite Suite, plaintext, key []byte) (Sealed, error) {
	aead, err := suite.aead(key)
	if err != nil {
		return Sealed{}, err
	}
	return seal(aead, plaintext)
}

// Decrypt opens a Sealed message under key. Any tampering, a wrong key or
// a malformed IV yields ErrAuthentication.
func Decrypt(suite Suite, msg Sealed, key []byte) ([]byte, error) {
	aead, err := suite.aead(key)
	if err != nil {
		return nil, err
	}
	return open(aead, msg)
}

func seal(aead cipher.AEAD, plaintext []byte) (Sealed, error) {
	iv := make([]byte, NonceSize)
	if _, err := rand.Read(iv); err != nil {
		return Sealed{}, fmt.Errorf("secure: generate iv: %w", err)
	}
	ct := aead.Seal(nil, iv, plaintext, nil)
	return Sealed{
		IV:   hex.EncodeToString(iv),
		Data: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

func open(aead cipher.AEAD, msg Sealed) ([]byte, error) {
	iv, err := hex.DecodeString(msg.IV)
	if err != nil || len(iv) != NonceSize {
		return nil, fmt.Errorf("%w: bad iv", ErrAuthentication)
	}
	ct, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil || len(ct) < TagSize {
		return nil, fmt.Errorf("%w: bad ciphertext", ErrAuthentication)
	}
	pt, err := aead.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return pt, nil
}
