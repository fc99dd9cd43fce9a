package secure

import (
	"bytes"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
)

const testMasterHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func randomKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	for _, suite := range []Suite{AES256GCM, ChaCha20Poly1305} {
		t.Run(string(suite), func(t *testing.T) {
			key := randomKey(t)
			for _, size := range []int{0, 1, 31, 1024, 16 * 1024} {
				plain := make([]byte, size)
				rand.Read(plain)

				msg, err := Encrypt(suite, plain, key)
				if err != nil {
					t.Fatalf("Encrypt(%d bytes): %v", size, err)
				}
				if len(msg.IV) != 2*NonceSize {
					t.Fatalf("IV hex length = %d, want %d", len(msg.IV), 2*NonceSize)
				}

				got, err := Decrypt(suite, msg, key)
				if err != nil {
					t.Fatalf("Decrypt(%d bytes): %v", size, err)
				}
				if !bytes.Equal(got, plain) {
					t.Fatalf("round trip mismatch for %d bytes", size)
				}
			}
		})
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	k1, k2 := randomKey(t), randomKey(t)

	msg, err := Encrypt(AES256GCM, []byte("hello tunnel"), k1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decrypt(AES256GCM, msg, k2); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Decrypt with wrong key: err = %v, want ErrAuthentication", err)
	}
}

func TestDecryptTamperedFails(t *testing.T) {
	key := randomKey(t)
	msg, err := Encrypt(AES256GCM, []byte("payload"), key)
	if err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		name string
		msg  Sealed
	}{
		{"flipped iv", Sealed{IV: flipHex(msg.IV), Data: msg.Data}},
		{"short iv", Sealed{IV: msg.IV[:10], Data: msg.Data}},
		{"non-hex iv", Sealed{IV: strings.Repeat("zz", NonceSize), Data: msg.Data}},
		{"bad base64", Sealed{IV: msg.IV, Data: "!!!"}},
		{"truncated", Sealed{IV: msg.IV, Data: "AAAA"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decrypt(AES256GCM, tc.msg, key); !errors.Is(err, ErrAuthentication) {
				t.Fatalf("err = %v, want ErrAuthentication", err)
			}
		})
	}
}

func flipHex(s string) string {
	b := []byte(s)
	if b[0] == '0' {
		b[0] = '1'
	} else {
		b[0] = '0'
	}
	return string(b)
}

func TestIVNeverRepeats(t *testing.T) {
	var key SessionKey
	copy(key[:], randomKey(t))
	s, err := NewSession(AES256GCM, key)
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		msg, err := s.Seal([]byte("x"))
		if err != nil {
			t.Fatal(err)
		}
		if seen[msg.IV] {
			t.Fatalf("IV %s repeated after %d seals", msg.IV, i)
		}
		seen[msg.IV] = true
	}
}

func TestParseMasterKey(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		ok   bool
	}{
		{"valid lower", testMasterHex, true},
		{"valid upper", strings.ToUpper(testMasterHex), true},
		{"too short", testMasterHex[:62], false},
		{"too long", testMasterHex + "00", false},
		{"non hex", strings.Repeat("g", 64), false},
		{"empty", "", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMasterKey(tc.in, AES256GCM)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidKeyFormat) {
				t.Fatalf("err = %v, want ErrInvalidKeyFormat", err)
			}
		})
	}
}

func TestSessionKeySealUnseal(t *testing.T) {
	for _, suite := range []Suite{AES256GCM, ChaCha20Poly1305} {
		t.Run(string(suite), func(t *testing.T) {
			mk, err := ParseMasterKey(testMasterHex, suite)
			if err != nil {
				t.Fatal(err)
			}
			ks, err := NewSessionKey()
			if err != nil {
				t.Fatal(err)
			}

			sealed, err := mk.SealSessionKey(ks)
			if err != nil {
				t.Fatal(err)
			}
			got, err := mk.UnsealSessionKey(sealed)
			if err != nil {
				t.Fatal(err)
			}
			if got != ks {
				t.Fatal("unsealed session key differs")
			}

			other, _ := ParseMasterKey(strings.Repeat("ab", 32), suite)
			if _, err := other.UnsealSessionKey(sealed); !errors.Is(err, ErrAuthentication) {
				t.Fatalf("unseal with other master key: err = %v", err)
			}
		})
	}
}

func TestSessionKeysAreFresh(t *testing.T) {
	a, _ := NewSessionKey()
	b, _ := NewSessionKey()
	if a == b {
		t.Fatal("two session keys are equal")
	}
}

func TestParseSuite(t *testing.T) {
	if s, err := ParseSuite(""); err != nil || s != DefaultSuite {
		t.Fatalf("ParseSuite(\"\") = %q, %v", s, err)
	}
	if s, err := ParseSuite("chacha20-poly1305"); err != nil || s != ChaCha20Poly1305 {
		t.Fatalf("ParseSuite(chacha) = %q, %v", s, err)
	}
	if _, err := ParseSuite("rot13"); err == nil {
		t.Fatal("expected error for unknown suite")
	}
}
