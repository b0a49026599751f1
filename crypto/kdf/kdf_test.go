package kdf

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"
)

var testSalt = bytes.Repeat([]byte{0x42}, 16)

func TestDeriveDeterministic(t *testing.T) {
	for _, length := range []int{16, 32, 64} {
		k1, err := Derive("secret123", testSalt, length)
		require.NoError(t, err)
		k2, err := Derive("secret123", testSalt, length)
		require.NoError(t, err)

		assert.Len(t, k1, length)
		assert.Equal(t, k1, k2)
	}
}

func TestDeriveDependsOnInputs(t *testing.T) {
	salt2 := bytes.Repeat([]byte{0x43}, 16)

	base, err := RoomKey("secret123", testSalt)
	require.NoError(t, err)

	otherSalt, err := RoomKey("secret123", salt2)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherSalt)

	otherPassword, err := RoomKey("secret124", testSalt)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherPassword)
}

func TestDeriveBindsInfoLabel(t *testing.T) {
	key, err := RoomKey("secret123", testSalt)
	require.NoError(t, err)

	unlabeled := make([]byte, KeySize)
	_, err = io.ReadFull(hkdf.New(sha256.New, []byte("secret123"), testSalt, nil), unlabeled)
	require.NoError(t, err)
	assert.NotEqual(t, unlabeled, key)

	labeled := make([]byte, KeySize)
	_, err = io.ReadFull(hkdf.New(sha256.New, []byte("secret123"), testSalt, []byte("cmd-chat-room-key")), labeled)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(labeled), hex.EncodeToString(key))
}

func TestDeriveErrors(t *testing.T) {
	_, err := Derive("", testSalt, 32)
	assert.ErrorIs(t, err, ErrKDF)

	_, err = Derive("secret123", testSalt[:15], 32)
	assert.ErrorIs(t, err, ErrKDF)

	_, err = Derive("secret123", nil, 32)
	assert.ErrorIs(t, err, ErrKDF)

	for _, length := range []int{0, 8, 24, 48, 128} {
		_, err = Derive("secret123", testSalt, length)
		assert.ErrorIs(t, err, ErrKDF, "length %d", length)
	}
}

func TestDeriveAcceptsLongSalt(t *testing.T) {
	key, err := Derive("secret123", bytes.Repeat([]byte{1}, 64), 32)
	require.NoError(t, err)
	assert.Len(t, key, 32)
}
