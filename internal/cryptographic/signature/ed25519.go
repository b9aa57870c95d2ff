package signature

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

var ErrInvalidKey = errors.New("invalid ed25519 key")

// phOptions selects Ed25519ph, which signs a SHA-512 digest and so lets
// large payloads be signed as a stream.
var phOptions = &ed25519.Options{Hash: crypto.SHA512}

var canonicalMode = sync.OnceValues(func() (cbor.EncMode, error) {
	return cbor.CoreDetEncOptions().EncMode()
})

func NewEd25519Keypair() ([]byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func ED25519Sign(privKeyBytes []byte, message []byte) []byte {
	privKey := ed25519.PrivateKey(privKeyBytes)
	return ed25519.Sign(privKey, message)
}

func ED25519Verify(pubKeyBytes []byte, message []byte, signature []byte) bool {
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return false
	}
	pubKey := ed25519.PublicKey(pubKeyBytes)
	return ed25519.Verify(pubKey, message, signature)
}

// ED25519phSign signs a SHA-512 digest.
func ED25519phSign(privKeyBytes []byte, digest []byte) ([]byte, error) {
	if len(privKeyBytes) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKey
	}
	return ed25519.PrivateKey(privKeyBytes).Sign(nil, digest, phOptions)
}

func ED25519phVerify(pubKeyBytes []byte, digest []byte, signature []byte) bool {
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.VerifyWithOptions(ed25519.PublicKey(pubKeyBytes), digest, signature, phOptions) == nil
}

// Canonical returns the deterministic CBOR encoding of v. Both signer and
// verifier must derive signed bytes through it.
func Canonical(v any) ([]byte, error) {
	em, err := canonicalMode()
	if err != nil {
		return nil, fmt.Errorf("cbor enc mode: %w", err)
	}
	return em.Marshal(v)
}

func SignCanonical(privKeyBytes []byte, v any) ([]byte, error) {
	if len(privKeyBytes) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKey
	}
	data, err := Canonical(v)
	if err != nil {
		return nil, err
	}
	return ED25519Sign(privKeyBytes, data), nil
}

func VerifyCanonical(pubKeyBytes []byte, v any, sig []byte) (bool, error) {
	data, err := Canonical(v)
	if err != nil {
		return false, err
	}
	return ED25519Verify(pubKeyBytes, data, sig), nil
}
