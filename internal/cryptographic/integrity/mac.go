// Package integrity implements the chunk integrity codec: per-chunk digests,
// the chained MAC-of-Macs over them, and streaming Ed25519ph signing and
// verification wrappers for whole payloads.
package integrity

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
)

var (
	// ErrCryptoContext marks a failure inside a digest or signature engine.
	// It is never caused by the data being processed.
	ErrCryptoContext = errors.New("crypto context failure")

	ErrChunkMac     = errors.New("chunk mac mismatch")
	ErrMacOfMacs    = errors.New("mac of macs mismatch")
	ErrChunkOrder   = errors.New("chunk out of order")
	ErrWriterClosed = errors.New("writer closed")
)

type (
	digestConfig struct {
		newHash func() hash.Hash
	}

	Option func(*digestConfig)
)

// WithKey switches chunk digests from SHA-256 to HMAC-SHA-256 under key.
func WithKey(key []byte) Option {
	k := append([]byte(nil), key...)
	return func(c *digestConfig) {
		c.newHash = func() hash.Hash { return hmac.New(sha256.New, k) }
	}
}

func newDigestConfig(opts []Option) *digestConfig {
	c := &digestConfig{newHash: sha256.New}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *digestConfig) digest(data []byte) ([]byte, error) {
	h := c.newHash()
	if _, err := h.Write(data); err != nil {
		return nil, fmt.Errorf("%w: chunk digest: %v", ErrCryptoContext, err)
	}
	return h.Sum(nil), nil
}

// ChunkMac is the unkeyed chunk digest used on the relay wire.
func ChunkMac(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// VerifyChunkMac compares mac with the unkeyed digest of data.
func VerifyChunkMac(data, mac []byte) bool {
	return equalMac(ChunkMac(data), mac)
}

// MacOfMacs chains chunk digests: mom[0] = mac[0],
// mom[i] = SHA256(mac[i] || mom[i-1]).
type MacOfMacs struct {
	sum    []byte
	seeded bool
}

func (m *MacOfMacs) Fold(mac []byte) error {
	if !m.seeded {
		m.sum = append([]byte{}, mac...)
		m.seeded = true
		return nil
	}
	h := sha256.New()
	if _, err := h.Write(mac); err != nil {
		return fmt.Errorf("%w: mac of macs: %v", ErrCryptoContext, err)
	}
	if _, err := h.Write(m.sum); err != nil {
		return fmt.Errorf("%w: mac of macs: %v", ErrCryptoContext, err)
	}
	m.sum = h.Sum(nil)
	return nil
}

// Sum returns a copy of the accumulated value, nil before the first Fold.
func (m *MacOfMacs) Sum() []byte {
	if !m.seeded {
		return nil
	}
	return append([]byte{}, m.sum...)
}

func (m *MacOfMacs) Equal(other []byte) bool {
	return m.seeded && bytes.Equal(m.sum, other)
}

func (m *MacOfMacs) Reset() {
	m.sum = nil
	m.seeded = false
}

// ComputeMacOfMacs folds macs in order.
func ComputeMacOfMacs(macs [][]byte) ([]byte, error) {
	var m MacOfMacs
	for _, mac := range macs {
		if err := m.Fold(mac); err != nil {
			return nil, err
		}
	}
	return m.Sum(), nil
}

func equalMac(a, b []byte) bool {
	return hmac.Equal(a, b)
}
