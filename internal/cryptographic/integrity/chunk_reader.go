package integrity

import (
	"fmt"
	"io"
)

type (
	ChunkSource interface {
		ReadChunk(pos int) (mac, data []byte, err error)
	}

	ChunkSourceFunc func(pos int) (mac, data []byte, err error)
)

func (f ChunkSourceFunc) ReadChunk(pos int) ([]byte, []byte, error) {
	return f(pos)
}

// ChunkReader streams a chunked payload back in order, checking every chunk
// digest and, at the end, the MAC-of-Macs.
type ChunkReader struct {
	src       ChunkSource
	n         int
	macOfMacs []byte
	digest    *digestConfig

	pos int
	buf []byte
	mom MacOfMacs
	err error
}

func NewChunkReader(src ChunkSource, numberOfChunks int, macOfMacs []byte, opts ...Option) *ChunkReader {
	return &ChunkReader{
		src:       src,
		n:         numberOfChunks,
		macOfMacs: macOfMacs,
		digest:    newDigestConfig(opts),
	}
}

func (r *ChunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.pos == r.n {
			if !r.mom.Equal(r.macOfMacs) {
				r.err = ErrMacOfMacs
			} else {
				r.err = io.EOF
			}
			return 0, r.err
		}
		if err := r.next(); err != nil {
			r.err = err
			return 0, err
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *ChunkReader) next() error {
	mac, data, err := r.src.ReadChunk(r.pos)
	if err != nil {
		return fmt.Errorf("read chunk %d: %w", r.pos, err)
	}
	want, err := r.digest.digest(data)
	if err != nil {
		return err
	}
	if !equalMac(want, mac) {
		return fmt.Errorf("chunk %d: %w", r.pos, ErrChunkMac)
	}
	if err := r.mom.Fold(mac); err != nil {
		return err
	}
	r.buf = data
	r.pos++
	return nil
}
