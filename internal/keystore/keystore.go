// Package keystore encrypts the relayer private key at rest.
//
// The AES-256-GCM key is derived from a master secret with HKDF-SHA256, so
// the master secret can be any high-entropy string. Ciphertexts are
// base64(salt || nonce || sealed).
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	saltSize = 16
	keySize  = 32
	hkdfInfo = "x402-relayer-key"
)

var (
	ErrEmptyMasterKey = errors.New("keystore: master key is empty")
	ErrCiphertext     = errors.New("keystore: malformed ciphertext")
	ErrDecrypt        = errors.New("keystore: decryption failed")
)

func deriveKey(master, salt []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, master, salt, []byte(hkdfInfo))
	out := make([]byte, keySize)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, err
	}
	return out, nil
}

func newGCM(master string, salt []byte) (cipher.AEAD, error) {
	if master == "" {
		return nil, ErrEmptyMasterKey
	}
	key, err := deriveKey([]byte(master), salt)
	if err != nil {
		return nil, fmt.Errorf("keystore: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under a key derived from master with a fresh salt.
func Encrypt(master string, plaintext []byte) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	gcm, err := newGCM(master, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, salt)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. A wrong master key or a tampered ciphertext
// yields ErrDecrypt.
func Decrypt(master, ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrCiphertext
	}
	if len(raw) < saltSize {
		return nil, ErrCiphertext
	}
	salt := raw[:saltSize]

	gcm, err := newGCM(master, salt)
	if err != nil {
		return nil, err
	}
	if len(raw) < saltSize+gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrCiphertext
	}
	nonce := raw[saltSize : saltSize+gcm.NonceSize()]
	sealed := raw[saltSize+gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, salt)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
