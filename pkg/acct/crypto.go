package acct

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
)

// GenerateKey returns a fresh random key, base64 encoded for transport
// through environment variables.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt seals plaintext under the base64 encoded key. The random
// nonce is prepended to the ciphertext.
func Encrypt(plain []byte, key string) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

// Decrypt opens data produced by Encrypt.
func Decrypt(data []byte, key string) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(data) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed data is truncated")
	}
	nonce, box := data[:aead.NonceSize()], data[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plain, nil
}

// EncryptFile seals a plaintext profiles file into outputFile. The
// input must parse as a profiles document. An empty key generates a
// fresh one; the key in use is returned either way so the caller can
// show it. It is printed for the operator, never logged.
func EncryptFile(inputFile, outputFile, key string) (string, error) {
	raw, err := os.ReadFile(inputFile)
	if err != nil {
		return "", fmt.Errorf("failed to read credentials file: %w", err)
	}
	if _, err := ParseProfiles(raw); err != nil {
		return "", fmt.Errorf("refusing to seal %s: %w", inputFile, err)
	}

	if key == "" {
		key, err = GenerateKey()
		if err != nil {
			return "", err
		}
	}
	sealed, err := Encrypt(raw, key)
	if err != nil {
		return "", err
	}

	if outputFile == "" {
		outputFile = inputFile + ".sealed"
	}
	if err := os.WriteFile(outputFile, sealed, 0o600); err != nil {
		return "", fmt.Errorf("failed to write sealed file: %w", err)
	}
	return key, nil
}

// newAEAD builds the XChaCha20-Poly1305 cipher for a base64 key. The X
// variant takes a nonce wide enough to draw randomly.
func newAEAD(key string) (cipher.AEAD, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("credentials key is not base64: %w", err)
	}
	if len(raw) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("credentials key must be %d bytes, got %d", chacha20poly1305.KeySize, len(raw))
	}
	return chacha20poly1305.NewX(raw)
}
