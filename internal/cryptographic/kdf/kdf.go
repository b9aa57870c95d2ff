package kdf

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey stretches a shared secret into size bytes of key material with
// HKDF-SHA256.
func DeriveKey(secret, salt, info []byte, size int) ([]byte, error) {
	key := make([]byte, size)
	h := hkdf.New(sha256.New, secret, salt, info)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}
