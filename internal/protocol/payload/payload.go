// Package payload builds and opens the end-to-end part of a relayed
// message: the plaintext sealed to the destination session key, followed by
// the sending user's Ed25519ph signature over the sealed bytes and their
// length. Relays never look inside; they only check chunk MACs.
package payload

import (
	"errors"
	"fmt"
	"io"
	"tdmx_relay/internal/cryptographic/integrity"
	"tdmx_relay/internal/cryptographic/scheme"
)

var (
	ErrSenderSignature = errors.New("payload not signed by sender")
	ErrTrailingData    = errors.New("payload longer than declared")
	ErrShortPayload    = errors.New("payload shorter than its signature")
)

// AAD binds a sealed payload to its message id.
func AAD(msgID string) []byte {
	return []byte("tdmx/payload/" + msgID)
}

// Seal encrypts plaintext for recipientPub and writes it, signed by
// senderPriv, to w. It does not close w.
func Seal(w io.Writer, sch scheme.Scheme, senderPriv, recipientPub, plaintext, aad []byte) error {
	sealed, err := sch.Seal(recipientPub, plaintext, aad)
	if err != nil {
		return fmt.Errorf("seal payload: %w", err)
	}
	sw := integrity.NewSigningWriter(w, senderPriv, integrity.BindLength(), integrity.AppendSignature())
	if _, err := sw.Write(sealed); err != nil {
		return err
	}
	return sw.Close()
}

// Open reads a payload of length bytes from r, checks the sender signature
// and decrypts it with recipientPriv.
func Open(r io.Reader, length int64, sch scheme.Scheme, senderPub, recipientPriv, aad []byte) ([]byte, error) {
	if length < integrity.SignatureSize {
		return nil, ErrShortPayload
	}

	vr := integrity.NewVerifyingReader(r, senderPub, length-integrity.SignatureSize, integrity.BindLength())
	sealed, err := io.ReadAll(vr)
	if err != nil {
		return nil, err
	}
	if !vr.SignatureValid() {
		return nil, ErrSenderSignature
	}

	// Drain r so a chunked source gets to check its MAC-of-Macs.
	var one [1]byte
	n, err := r.Read(one[:])
	if n > 0 {
		return nil, ErrTrailingData
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	plaintext, err := sch.Open(recipientPriv, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", err)
	}
	return plaintext, nil
}
