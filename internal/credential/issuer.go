package credential

import (
	"os"
	"tdmx_relay/internal/cryptographic/signature"
	"time"

	"github.com/fxamacker/cbor/v2"
)

type (
	// Issuer holds a credential together with its private key and the chain
	// that certifies it. Issuers sign channel state and certify the next
	// level down.
	Issuer struct {
		Credential Credential   `cbor:"1,keyasint"`
		PrivateKey []byte       `cbor:"2,keyasint"`
		Parents    []Credential `cbor:"3,keyasint,omitempty"`
	}
)

// NewAuthority creates a self-signed domain root.
func NewAuthority(domain string, serial int64, notBefore, notAfter time.Time) (*Issuer, error) {
	pub, priv, err := signature.NewEd25519Keypair()
	if err != nil {
		return nil, err
	}
	c := Credential{
		Kind:      KindAuthority,
		Domain:    domain,
		Name:      domain,
		Serial:    serial,
		PublicKey: pub,
		NotBefore: notBefore.UnixMilli(),
		NotAfter:  notAfter.UnixMilli(),
	}
	c.IssuerSignature, err = signature.SignCanonical(priv, c.tbs())
	if err != nil {
		return nil, err
	}
	return &Issuer{Credential: c, PrivateKey: priv}, nil
}

// Issue certifies a fresh key pair of the given kind in the issuer's domain.
func (i *Issuer) Issue(kind Kind, name string, serial int64, notBefore, notAfter time.Time) (*Issuer, error) {
	if !issuerMay[i.Credential.Kind][kind] {
		return nil, ErrIssuerKind
	}
	pub, priv, err := signature.NewEd25519Keypair()
	if err != nil {
		return nil, err
	}
	c := Credential{
		Kind:      kind,
		Domain:    i.Credential.Domain,
		Name:      name,
		Serial:    serial,
		PublicKey: pub,
		NotBefore: notBefore.UnixMilli(),
		NotAfter:  notAfter.UnixMilli(),
	}
	c.IssuerSignature, err = signature.SignCanonical(i.PrivateKey, c.tbs())
	if err != nil {
		return nil, err
	}
	return &Issuer{
		Credential: c,
		PrivateKey: priv,
		Parents:    i.Chain(),
	}, nil
}

func (i *Issuer) Chain() []Credential {
	chain := make([]Credential, 0, len(i.Parents)+1)
	chain = append(chain, i.Credential)
	return append(chain, i.Parents...)
}

func (i *Issuer) EncodedChain() ([]byte, error) {
	return EncodeChain(i.Chain())
}

func (i *Issuer) Sign(v any) ([]byte, error) {
	return signature.SignCanonical(i.PrivateKey, v)
}

func (i *Issuer) Save(path string) error {
	data, err := cbor.Marshal(i)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func LoadIssuer(path string) (*Issuer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var i Issuer
	if err := cbor.Unmarshal(data, &i); err != nil {
		return nil, err
	}
	return &i, nil
}
