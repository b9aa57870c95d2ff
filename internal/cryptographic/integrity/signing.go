package integrity

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"tdmx_relay/internal/cryptographic/signature"
)

const SignatureSize = ed25519.SignatureSize

type (
	signConfig struct {
		bindLength bool
		appendSig  bool
		expected   []byte
	}

	SignOption func(*signConfig)
)

// BindLength mixes the big-endian 8-byte payload length into the signature.
func BindLength() SignOption {
	return func(c *signConfig) { c.bindLength = true }
}

// AppendSignature makes a SigningWriter emit the signature after the data.
func AppendSignature() SignOption {
	return func(c *signConfig) { c.appendSig = true }
}

// ExpectSignature gives a VerifyingReader the signature up front instead of
// reading it from the stream.
func ExpectSignature(sig []byte) SignOption {
	s := append([]byte(nil), sig...)
	return func(c *signConfig) { c.expected = s }
}

func newSignConfig(opts []SignOption) *signConfig {
	c := &signConfig{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func updateDigest(h hash.Hash, p []byte) error {
	if _, err := h.Write(p); err != nil {
		return fmt.Errorf("%w: signature digest: %v", ErrCryptoContext, err)
	}
	return nil
}

func finalDigest(h hash.Hash, n int64, bindLength bool) ([]byte, error) {
	if bindLength {
		var l [8]byte
		binary.BigEndian.PutUint64(l[:], uint64(n))
		if err := updateDigest(h, l[:]); err != nil {
			return nil, err
		}
	}
	return h.Sum(nil), nil
}

// SigningWriter signs everything written through it. Close finalizes the
// signature; it does not close the wrapped writer.
type SigningWriter struct {
	w    io.Writer
	priv []byte
	cfg  *signConfig
	h    hash.Hash
	n    int64
	sig  []byte
}

func NewSigningWriter(w io.Writer, priv []byte, opts ...SignOption) *SigningWriter {
	return &SigningWriter{
		w:    w,
		priv: priv,
		cfg:  newSignConfig(opts),
		h:    sha512.New(),
	}
}

func (s *SigningWriter) Write(p []byte) (int, error) {
	if s.sig != nil {
		return 0, ErrWriterClosed
	}
	n, err := s.w.Write(p)
	if herr := updateDigest(s.h, p[:n]); herr != nil {
		return n, herr
	}
	s.n += int64(n)
	return n, err
}

func (s *SigningWriter) Close() error {
	if s.sig != nil {
		return nil
	}
	digest, err := finalDigest(s.h, s.n, s.cfg.bindLength)
	if err != nil {
		return err
	}
	sig, err := signature.ED25519phSign(s.priv, digest)
	if err != nil {
		return fmt.Errorf("%w: sign: %v", ErrCryptoContext, err)
	}
	s.sig = sig
	if s.cfg.appendSig {
		if _, err := s.w.Write(sig); err != nil {
			return err
		}
	}
	return nil
}

// Signature is nil until Close.
func (s *SigningWriter) Signature() []byte {
	return s.sig
}

// Size is the number of signed payload bytes, excluding an appended signature.
func (s *SigningWriter) Size() int64 {
	return s.n
}

// VerifyingReader passes through exactly expectedSize bytes of its source,
// then verifies them against either the trailing signature in the source or
// one supplied with ExpectSignature.
type VerifyingReader struct {
	r        io.Reader
	pub      []byte
	expected int64
	cfg      *signConfig
	h        hash.Hash

	read  int64
	done  bool
	valid bool
	sig   []byte
}

func NewVerifyingReader(r io.Reader, pub []byte, expectedSize int64, opts ...SignOption) *VerifyingReader {
	return &VerifyingReader{
		r:        r,
		pub:      pub,
		expected: expectedSize,
		cfg:      newSignConfig(opts),
		h:        sha512.New(),
	}
}

func (v *VerifyingReader) Read(p []byte) (int, error) {
	if v.done {
		return 0, io.EOF
	}
	if v.read == v.expected {
		if err := v.finish(); err != nil {
			return 0, err
		}
		return 0, io.EOF
	}

	if remaining := v.expected - v.read; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := v.r.Read(p)
	if herr := updateDigest(v.h, p[:n]); herr != nil {
		return n, herr
	}
	v.read += int64(n)

	if v.read == v.expected {
		if ferr := v.finish(); ferr != nil {
			return n, ferr
		}
		return n, nil
	}
	if errors.Is(err, io.EOF) {
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}

func (v *VerifyingReader) finish() error {
	v.done = true
	sig := v.cfg.expected
	if sig == nil {
		sig = make([]byte, SignatureSize)
		if _, err := io.ReadFull(v.r, sig); err != nil {
			return fmt.Errorf("read trailing signature: %w", err)
		}
	}
	v.sig = sig
	digest, err := finalDigest(v.h, v.read, v.cfg.bindLength)
	if err != nil {
		return err
	}
	v.valid = signature.ED25519phVerify(v.pub, digest, sig)
	return nil
}

// SignatureValid is meaningful once the expected size has been consumed.
func (v *VerifyingReader) SignatureValid() bool {
	return v.valid
}

// Signature returns the raw signature once the boundary has been crossed.
func (v *VerifyingReader) Signature() []byte {
	return v.sig
}
