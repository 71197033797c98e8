// Package channel seals small messages under a shared symmetric key with
// XChaCha20-Poly1305. Local-network beacons use it so foreign machines
// cannot read or forge cache announcements.
package channel

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Key is a 32-byte symmetric channel key.
type Key [32]byte

// NewRandomKey generates a fresh channel key.
func NewRandomKey() (Key, error) {
	var k Key
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return Key{}, err
	}
	return k, nil
}

// KeyToHex encodes a key for sharing.
func KeyToHex(k Key) string {
	return hex.EncodeToString(k[:])
}

// ParseKeyHex parses a hex string into a Key.
func ParseKeyHex(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, err
	}
	if len(b) != 32 {
		return Key{}, fmt.Errorf("expected 32-byte key, got %d", len(b))
	}
	var k Key
	copy(k[:], b)
	return k, nil
}

// Seal encrypts plaintext and returns nonce || ciphertext.
func Seal(key Key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a message produced by Seal.
func Open(key Key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("sealed message too short")
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, nil)
}
