package keystore

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestRoundTrip(t *testing.T) {
	ct, err := Encrypt("correct horse battery staple", []byte(testKey))
	require.NoError(t, err)
	assert.NotContains(t, ct, testKey)

	pt, err := Decrypt("correct horse battery staple", ct)
	require.NoError(t, err)
	assert.Equal(t, testKey, string(pt))
}

func TestEncryptIsRandomized(t *testing.T) {
	a, err := Encrypt("master", []byte(testKey))
	require.NoError(t, err)
	b, err := Encrypt("master", []byte(testKey))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptFailures(t *testing.T) {
	ct, err := Encrypt("master", []byte(testKey))
	require.NoError(t, err)

	t.Run("wrong master key", func(t *testing.T) {
		_, err := Decrypt("other", ct)
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("tampered", func(t *testing.T) {
		raw, _ := base64.StdEncoding.DecodeString(ct)
		raw[len(raw)-1] ^= 0xff
		_, err := Decrypt("master", base64.StdEncoding.EncodeToString(raw))
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("not base64", func(t *testing.T) {
		_, err := Decrypt("master", "%%%")
		assert.ErrorIs(t, err, ErrCiphertext)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := Decrypt("master", base64.StdEncoding.EncodeToString([]byte("short")))
		assert.ErrorIs(t, err, ErrCiphertext)
	})

	t.Run("empty master", func(t *testing.T) {
		_, err := Decrypt("", ct)
		assert.ErrorIs(t, err, ErrEmptyMasterKey)
		_, err = Encrypt("", []byte(testKey))
		assert.ErrorIs(t, err, ErrEmptyMasterKey)
	})
}
