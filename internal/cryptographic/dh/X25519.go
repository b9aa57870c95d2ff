package dh

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const KeySize = curve25519.ScalarSize

var ErrKeySize = errors.New("x25519 key must be 32 bytes")

// Generate a new X25519 key pair
func NewX25519KeyPair() (priv, pub []byte, err error) {
	priv = make([]byte, KeySize)
	if _, err = rand.Read(priv); err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	pub, err = PublicKey(priv)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

func PublicKey(priv []byte) ([]byte, error) {
	if len(priv) != KeySize {
		return nil, ErrKeySize
	}
	return curve25519.X25519(priv, curve25519.Basepoint)
}

// Perform X25519 scalar multiplication: priv * pub
func X25519SharedSecret(priv, pub []byte) ([]byte, error) {
	if len(priv) != KeySize || len(pub) != KeySize {
		return nil, ErrKeySize
	}
	return curve25519.X25519(priv, pub)
}
