// Package credential implements the compact identity chains domains use to
// sign channel state: Ed25519 keys certified leaf to root, CBOR encoded.
//
// A domain's chain is rooted in a self-signed Authority credential. The
// authority certifies DomainAdministrator credentials, and administrators
// certify User credentials. Every credential in a chain belongs to the same
// domain.
package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"tdmx_relay/internal/cryptographic/signature"
	"time"

	"github.com/fxamacker/cbor/v2"
)

type Kind string

const (
	KindAuthority           Kind = "AUTHORITY"
	KindDomainAdministrator Kind = "DOMAIN_ADMINISTRATOR"
	KindUser                Kind = "USER"
)

var (
	ErrEmptyChain      = errors.New("empty credential chain")
	ErrMalformed       = errors.New("malformed credential chain")
	ErrIssuerSignature = errors.New("credential not signed by its issuer")
	ErrIssuerKind      = errors.New("issuer may not certify this kind")
	ErrDomainMismatch  = errors.New("credential chain spans domains")
	ErrNotRoot         = errors.New("chain does not end in a self-signed authority")
)

type (
	Credential struct {
		Kind      Kind   `cbor:"1,keyasint"`
		Domain    string `cbor:"2,keyasint"`
		Name      string `cbor:"3,keyasint"`
		Serial    int64  `cbor:"4,keyasint"`
		PublicKey []byte `cbor:"5,keyasint"`
		// NotBefore and NotAfter are Unix milliseconds.
		NotBefore       int64  `cbor:"6,keyasint"`
		NotAfter        int64  `cbor:"7,keyasint"`
		IssuerSignature []byte `cbor:"8,keyasint,omitempty"`
	}

	// Descriptor is a decoded chain whose issuer signatures have been
	// checked. It says nothing about validity periods or trust anchoring.
	Descriptor struct {
		Leaf            Credential
		Chain           []Credential
		RootFingerprint string
	}
)

// issuerMay lists which kinds each kind is allowed to certify.
var issuerMay = map[Kind]map[Kind]bool{
	KindAuthority:           {KindAuthority: true, KindDomainAdministrator: true},
	KindDomainAdministrator: {KindUser: true},
}

func (c Credential) tbs() Credential {
	c.IssuerSignature = nil
	return c
}

func (c Credential) ValidAt(now time.Time) bool {
	ms := now.UnixMilli()
	return ms >= c.NotBefore && ms < c.NotAfter
}

func (d *Descriptor) Kind() Kind {
	return d.Leaf.Kind
}

func (d *Descriptor) Domain() string {
	return d.Leaf.Domain
}

func (d *Descriptor) Serial() int64 {
	return d.Leaf.Serial
}

func (d *Descriptor) PublicKey() []byte {
	return d.Leaf.PublicKey
}

func (d *Descriptor) Root() Credential {
	return d.Chain[len(d.Chain)-1]
}

func Fingerprint(c Credential) (string, error) {
	data, err := signature.Canonical(c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func EncodeChain(chain []Credential) ([]byte, error) {
	if len(chain) == 0 {
		return nil, ErrEmptyChain
	}
	return signature.Canonical(chain)
}

func DecodeChain(data []byte) ([]Credential, error) {
	if len(data) == 0 {
		return nil, ErrEmptyChain
	}
	var chain []Credential
	if err := cbor.Unmarshal(data, &chain); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(chain) == 0 {
		return nil, ErrEmptyChain
	}
	return chain, nil
}
