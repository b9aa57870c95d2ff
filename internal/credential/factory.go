package credential

import (
	"fmt"
	"tdmx_relay/internal/cryptographic/signature"
	"time"
)

type (
	// Factory turns encoded chains into descriptors.
	Factory struct{}

	// Validator checks a descriptor against the clock. Every credential in
	// the chain must be inside its validity period.
	Validator struct {
		now func() time.Time
	}
)

func NewFactory() *Factory {
	return &Factory{}
}

// Decode parses a leaf-first chain and checks every issuer signature up to
// a self-signed authority root.
func (f *Factory) Decode(data []byte) (*Descriptor, error) {
	chain, err := DecodeChain(data)
	if err != nil {
		return nil, err
	}

	for i := range chain {
		c := chain[i]
		issuer := c
		if i+1 < len(chain) {
			issuer = chain[i+1]
			if !issuerMay[issuer.Kind][c.Kind] {
				return nil, fmt.Errorf("%w: %s by %s", ErrIssuerKind, c.Kind, issuer.Kind)
			}
		} else if c.Kind != KindAuthority {
			return nil, ErrNotRoot
		}
		if c.Domain != chain[0].Domain {
			return nil, ErrDomainMismatch
		}

		ok, err := signature.VerifyCanonical(issuer.PublicKey, c.tbs(), c.IssuerSignature)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if !ok {
			if i+1 == len(chain) {
				return nil, ErrNotRoot
			}
			return nil, fmt.Errorf("%w: %s/%d", ErrIssuerSignature, c.Name, c.Serial)
		}
	}

	fp, err := Fingerprint(chain[len(chain)-1])
	if err != nil {
		return nil, err
	}
	return &Descriptor{
		Leaf:            chain[0],
		Chain:           chain,
		RootFingerprint: fp,
	}, nil
}

func NewValidator(now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{now: now}
}

func (v *Validator) IsValid(d *Descriptor) bool {
	if d == nil {
		return false
	}
	now := v.now()
	for _, c := range d.Chain {
		if !c.ValidAt(now) {
			return false
		}
	}
	return true
}
