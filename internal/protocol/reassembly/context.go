// Package reassembly tracks the in-order arrival of one message's chunks.
package reassembly

import (
	"bytes"
	"sync"
	"tdmx_relay/internal/cryptographic/integrity"
	"time"
)

type (
	// Context is the relay-side state of a message being reassembled. It is
	// safe for concurrent use, but a message is expected to be fed by one
	// sender at a time.
	Context struct {
		mu sync.Mutex

		msgID          string
		numberOfChunks int
		macOfMacs      []byte
		payloadLength  int64
		now            func() time.Time

		currentPos  int
		lastMac     []byte
		received    int64
		overrun     bool
		running     integrity.MacOfMacs
		lastChunkAt time.Time
		failed      bool
		err         error
	}

	Option func(*Context)
)

func WithClock(now func() time.Time) Option {
	return func(c *Context) { c.now = now }
}

// WithPayloadLength bounds the bytes the chunks may carry in total.
func WithPayloadLength(n int64) Option {
	return func(c *Context) { c.payloadLength = n }
}

func NewContext(msgID string, numberOfChunks int, macOfMacs []byte, opts ...Option) *Context {
	c := &Context{
		msgID:          msgID,
		numberOfChunks: numberOfChunks,
		macOfMacs:      append([]byte(nil), macOfMacs...),
		payloadLength:  -1,
		now:            time.Now,
		currentPos:     -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastChunkAt = c.now()
	return c
}

func (c *Context) MsgID() string {
	return c.msgID
}

// SetChunkReceived accepts the next chunk, size bytes long, or an identical
// retry of the last one. Anything else fails the context for good, as does a
// chunk that carries the total past the payload length.
func (c *Context) SetChunkReceived(pos int, mac []byte, size int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed {
		return false
	}
	switch {
	case pos == c.currentPos && pos >= 0:
		if !bytes.Equal(mac, c.lastMac) {
			c.failed = true
			return false
		}
	case pos == c.currentPos+1 && pos < c.numberOfChunks:
		if c.payloadLength >= 0 && int64(size) > c.payloadLength-c.received {
			c.failed = true
			c.overrun = true
			return false
		}
		if err := c.running.Fold(mac); err != nil {
			c.failed = true
			c.err = err
			return false
		}
		c.currentPos = pos
		c.received += int64(size)
		c.lastMac = append([]byte(nil), mac...)
	default:
		c.failed = true
		return false
	}
	c.lastChunkAt = c.now()
	return true
}

func (c *Context) CurrentPos() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentPos
}

// ReceivedBytes is the size of the chunks accepted so far, retries counted
// once.
func (c *Context) ReceivedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received
}

// Overrun reports a failure caused by chunks exceeding the payload length.
func (c *Context) Overrun() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overrun
}

func (c *Context) IsComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.failed && c.currentPos == c.numberOfChunks-1
}

// IsCorrect compares the accumulated MAC-of-Macs with the declared one.
func (c *Context) IsCorrect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running.Equal(c.macOfMacs)
}

func (c *Context) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// Err reports a digest engine fault, as opposed to an ordering rejection.
func (c *Context) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// TryExpire fails the context when no chunk arrived within idle. It gives up
// without waiting if a chunk is being accepted right now.
func (c *Context) TryExpire(now time.Time, idle time.Duration) bool {
	if !c.mu.TryLock() {
		return false
	}
	defer c.mu.Unlock()

	if c.failed {
		return true
	}
	if now.Sub(c.lastChunkAt) < idle {
		return false
	}
	c.failed = true
	return true
}
