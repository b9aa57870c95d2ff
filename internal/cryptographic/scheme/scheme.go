// Package scheme maps payload encryption scheme identifiers to sealers.
//
// Every scheme seals to a receiver's X25519 session key: an ephemeral key
// pair is generated per message, HKDF-SHA256 turns the shared secret into an
// AEAD key, and the output is ephemeralPub || nonce || ciphertext.
package scheme

import (
	"errors"
	"fmt"
	"sort"
	"tdmx_relay/internal/cryptographic/dh"
	"tdmx_relay/internal/cryptographic/encryption"
	"tdmx_relay/internal/cryptographic/kdf"
)

const (
	X25519AESGCM           = "x25519-hkdf-aes256gcm"
	X25519ChaCha20Poly1305 = "x25519-hkdf-chacha20poly1305"
)

var ErrUnknownScheme = errors.New("unknown encryption scheme")

type (
	Scheme interface {
		ID() string
		Seal(recipientPub, plaintext, aad []byte) ([]byte, error)
		Open(recipientPriv, sealed, aad []byte) ([]byte, error)
	}

	sealer struct {
		id      string
		newAEAD encryption.NewAEADFunc
	}
)

var table = map[string]func() Scheme{
	X25519AESGCM: func() Scheme {
		return &sealer{id: X25519AESGCM, newAEAD: encryption.NewAESGCM}
	},
	X25519ChaCha20Poly1305: func() Scheme {
		return &sealer{id: X25519ChaCha20Poly1305, newAEAD: encryption.NewChaCha20Poly1305}
	},
}

func Lookup(id string) (Scheme, error) {
	ctor, ok := table[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, id)
	}
	return ctor(), nil
}

func Supported() []string {
	ids := make([]string, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *sealer) ID() string {
	return s.id
}

func (s *sealer) key(secret, ephemeralPub, recipientPub []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephemeralPub)+len(recipientPub))
	salt = append(salt, ephemeralPub...)
	salt = append(salt, recipientPub...)
	return kdf.DeriveKey(secret, salt, []byte(s.id), encryption.KeySize)
}

func (s *sealer) Seal(recipientPub, plaintext, aad []byte) ([]byte, error) {
	ephPriv, ephPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}
	secret, err := dh.X25519SharedSecret(ephPriv, recipientPub)
	if err != nil {
		return nil, err
	}
	key, err := s.key(secret, ephPub, recipientPub)
	if err != nil {
		return nil, err
	}
	aead, err := s.newAEAD(key)
	if err != nil {
		return nil, err
	}
	ct, err := encryption.Seal(aead, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return append(ephPub, ct...), nil
}

func (s *sealer) Open(recipientPriv, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < dh.KeySize {
		return nil, encryption.ErrCiphertextTooShort
	}
	ephPub := sealed[:dh.KeySize]
	recipientPub, err := dh.PublicKey(recipientPriv)
	if err != nil {
		return nil, err
	}
	secret, err := dh.X25519SharedSecret(recipientPriv, ephPub)
	if err != nil {
		return nil, err
	}
	key, err := s.key(secret, ephPub, recipientPub)
	if err != nil {
		return nil, err
	}
	aead, err := s.newAEAD(key)
	if err != nil {
		return nil, err
	}
	return encryption.Open(aead, sealed[dh.KeySize:], aad)
}
