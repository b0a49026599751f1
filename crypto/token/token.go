// Package token seals chat messages under the room key.
//
// A token is the unpadded base64url encoding of
//
//	version (1 byte) | nonce (24 bytes) | XChaCha20-Poly1305 ciphertext and tag
//
// The version byte is authenticated as associated data.
package token

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// Version is the current token format.
	Version byte = 0x01

	// KeySize is the only accepted key size.
	KeySize = chacha20poly1305.KeySize

	headerSize = 1 + chacha20poly1305.NonceSizeX
	minSize    = headerSize + chacha20poly1305.Overhead
)

var (
	ErrCipher = errors.New("cipher failure")

	errInvalidToken = errors.New("invalid or corrupted token")
)

var encoding = base64.RawURLEncoding

// Cipher seals and opens tokens. It holds no mutable state and is safe for
// concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, errors.Join(ErrCipher, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key)))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Join(ErrCipher, err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext with a fresh random nonce.
func (c *Cipher) Seal(plaintext string) (string, error) {
	buf := make([]byte, headerSize, minSize+len(plaintext))
	buf[0] = Version
	if _, err := rand.Read(buf[1:headerSize]); err != nil {
		return "", errors.Join(ErrCipher, err)
	}
	buf = c.aead.Seal(buf, buf[1:headerSize], []byte(plaintext), buf[:1])
	return encoding.EncodeToString(buf), nil
}

// Open authenticates and decrypts a token produced by Seal under the same key.
func (c *Cipher) Open(tok string) (string, error) {
	raw, err := encoding.DecodeString(tok)
	if err != nil {
		return "", errors.Join(ErrCipher, errInvalidToken)
	}
	if len(raw) < minSize || raw[0] != Version {
		return "", errors.Join(ErrCipher, errInvalidToken)
	}
	plaintext, err := c.aead.Open(nil, raw[1:headerSize], raw[headerSize:], raw[:1])
	if err != nil {
		return "", errors.Join(ErrCipher, errInvalidToken)
	}
	if !utf8.Valid(plaintext) {
		return "", errors.Join(ErrCipher, errInvalidToken)
	}
	return string(plaintext), nil
}
