package integrity

import (
	"errors"
)

type (
	ChunkSink interface {
		WriteChunk(pos int, mac, data []byte) error
	}

	ChunkSinkFunc func(pos int, mac, data []byte) error
)

func (f ChunkSinkFunc) WriteChunk(pos int, mac, data []byte) error {
	return f(pos, mac, data)
}

// ChunkWriter cuts a byte stream into fixed size chunks, digests each one,
// folds the digests into a MAC-of-Macs and writes every chunk through to
// the sink. The final chunk may be short; an empty stream yields one empty
// chunk so every message has at least one.
type ChunkWriter struct {
	sink   ChunkSink
	size   int
	digest *digestConfig

	buf    []byte
	macs   [][]byte
	mom    MacOfMacs
	total  int64
	closed bool
}

func NewChunkWriter(sink ChunkSink, chunkSize int, opts ...Option) (*ChunkWriter, error) {
	if chunkSize <= 0 {
		return nil, errors.New("chunk size must be positive")
	}
	return &ChunkWriter{
		sink:   sink,
		size:   chunkSize,
		digest: newDigestConfig(opts),
		buf:    make([]byte, 0, chunkSize),
	}, nil
}

func (w *ChunkWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	written := 0
	for len(p) > 0 {
		n := min(w.size-len(w.buf), len(p))
		w.buf = append(w.buf, p[:n]...)
		p = p[n:]
		written += n
		w.total += int64(n)
		if len(w.buf) == w.size {
			if err := w.flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Close emits the trailing partial chunk. It does not close the sink.
func (w *ChunkWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if len(w.buf) > 0 || len(w.macs) == 0 {
		return w.flush()
	}
	return nil
}

func (w *ChunkWriter) flush() error {
	data := append([]byte(nil), w.buf...)
	w.buf = w.buf[:0]

	mac, err := w.digest.digest(data)
	if err != nil {
		return err
	}
	if err := w.mom.Fold(mac); err != nil {
		return err
	}
	pos := len(w.macs)
	w.macs = append(w.macs, mac)
	return w.sink.WriteChunk(pos, mac, data)
}

func (w *ChunkWriter) Size() int64 {
	return w.total
}

func (w *ChunkWriter) NumberOfChunks() int {
	return len(w.macs)
}

func (w *ChunkWriter) Macs() [][]byte {
	out := make([][]byte, len(w.macs))
	copy(out, w.macs)
	return out
}

func (w *ChunkWriter) MacOfMacs() []byte {
	return w.mom.Sum()
}
