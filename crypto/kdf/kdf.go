// Package kdf derives the room key from the room secret and the room salt.
package kdf

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// Info is the HKDF context label bound into every room key.
	Info = "cmd-chat-room-key"

	// MinSaltSize is the smallest accepted salt.
	MinSaltSize = 16

	// KeySize is the room key size used by the message cipher.
	KeySize = 32
)

// HashFunc is the hash used by the HKDF construction.
var HashFunc = sha256.New

var ErrKDF = errors.New("room key derivation failed")

// Derive returns a length byte key for password and salt.
// Allowed lengths are 16, 32 and 64.
func Derive(password string, salt []byte, length int) ([]byte, error) {
	if password == "" {
		return nil, errors.Join(ErrKDF, errors.New("password cannot be empty"))
	}
	if len(salt) < MinSaltSize {
		return nil, errors.Join(ErrKDF, fmt.Errorf("salt should be at least %d bytes, got %d", MinSaltSize, len(salt)))
	}
	switch length {
	case 16, 32, 64:
	default:
		return nil, errors.Join(ErrKDF, fmt.Errorf("key length must be 16, 32, or 64 bytes, got %d", length))
	}

	kdfReader := hkdf.New(HashFunc, []byte(password), salt, []byte(Info))
	key := make([]byte, length)
	if _, err := io.ReadFull(kdfReader, key); err != nil {
		return nil, errors.Join(ErrKDF, err)
	}
	return key, nil
}

// RoomKey is Derive with KeySize.
func RoomKey(password string, salt []byte) ([]byte, error) {
	return Derive(password, salt, KeySize)
}
