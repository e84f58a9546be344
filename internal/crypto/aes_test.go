// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey(t *testing.T) {
	t.Parallel()

	key := DeriveKey("some-secret")
	assert.Len(t, key, 32)

	// Deterministic for the same secret, distinct otherwise.
	assert.Equal(t, key, DeriveKey("some-secret"))
	assert.NotEqual(t, key, DeriveKey("other-secret"))
}

func TestNewAESEncryptorRejectsBadKeySize(t *testing.T) {
	t.Parallel()

	_, err := NewAESEncryptor([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	enc, err := NewAESEncryptor(DeriveKey("test-secret"))
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext string
	}{
		{name: "qbittorrent password", plaintext: "hunter2"},
		{name: "plex token", plaintext: "xyzzy-plex-token-123"},
		{name: "empty string", plaintext: ""},
		{name: "unicode", plaintext: "pässwörd-ñ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ciphertext, err := enc.Encrypt(tt.plaintext)
			require.NoError(t, err)
			assert.NotEqual(t, tt.plaintext, ciphertext)

			decrypted, err := enc.Decrypt(ciphertext)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, decrypted)
		})
	}
}

func TestEncryptProducesUniqueCiphertexts(t *testing.T) {
	t.Parallel()

	enc, err := NewAESEncryptor(DeriveKey("test-secret"))
	require.NoError(t, err)

	first, err := enc.Encrypt("same input")
	require.NoError(t, err)
	second, err := enc.Encrypt("same input")
	require.NoError(t, err)

	// Random nonces mean identical plaintexts never share ciphertext.
	assert.NotEqual(t, first, second)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	t.Parallel()

	enc, err := NewAESEncryptor(DeriveKey("key-one"))
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt("credentials")
	require.NoError(t, err)

	other, err := NewAESEncryptor(DeriveKey("key-two"))
	require.NoError(t, err)

	_, err = other.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	t.Parallel()

	enc, err := NewAESEncryptor(DeriveKey("test-secret"))
	require.NoError(t, err)

	_, err = enc.Decrypt("not-base64!!!")
	assert.Error(t, err)

	// Valid base64 but shorter than a GCM nonce.
	_, err = enc.Decrypt("AAECAw==")
	assert.ErrorIs(t, err, ErrMalformedCiphertext)
}

func TestGenerateSecureToken(t *testing.T) {
	t.Parallel()

	token, err := GenerateSecureToken(16)
	require.NoError(t, err)
	assert.Len(t, token, 32) // hex doubles the byte length

	other, err := GenerateSecureToken(16)
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}
