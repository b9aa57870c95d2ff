package relay

import (
	"bytes"
	"sync"
	"sync/atomic"
	"tdmx_relay/internal/model"
	"tdmx_relay/internal/protocol/reassembly"
	"tdmx_relay/internal/protocol/trust"
	"time"
)

type (
	// Session is one peer domain relaying into one channel. Calls on the
	// same session may run concurrently; each message has its own
	// reassembly context.
	Session struct {
		ID         string
		PeerDomain string
		Name       model.ChannelName
		OpenedAt   time.Time

		channel atomic.Pointer[model.ChannelRef]

		mu       sync.Mutex
		inflight map[string]*inflight
		// completed remembers the last chunk of recently relayed messages so
		// a retry of it is answered with success.
		completed map[string]*completion
	}

	completion struct {
		pos    int
		mac    []byte
		status model.RelayStatus
		at     time.Time
	}

	// inflight is a message whose chunks are still arriving.
	inflight struct {
		rc        *reassembly.Context
		msg       *model.RelayMessage
		signers   *trust.MessageSigners
		channelID string
		status    model.RelayStatus
	}
)

func newSession(id, peer string, name model.ChannelName, ref *model.ChannelRef, now time.Time) *Session {
	s := &Session{
		ID:         id,
		PeerDomain: peer,
		Name:       name,
		OpenedAt:   now,
		inflight:   make(map[string]*inflight),
		completed:  make(map[string]*completion),
	}
	s.channel.Store(ref)
	return s
}

// Channel is the channel the session currently relays into.
func (s *Session) Channel() model.ChannelRef {
	return *s.channel.Load()
}

// swapChannel replaces old with next unless another call already did.
func (s *Session) swapChannel(old, next *model.ChannelRef) bool {
	return s.channel.CompareAndSwap(old, next)
}

func (s *Session) lookup(msgID string) (*inflight, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.inflight[msgID]
	return f, ok
}

// start registers f unless a context for the same message exists.
func (s *Session) start(msgID string, f *inflight) (*inflight, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.inflight[msgID]; ok {
		return existing, false
	}
	s.inflight[msgID] = f
	return f, true
}

// drop removes msgID if it is still bound to f.
func (s *Session) drop(msgID string, f *inflight) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.inflight[msgID]; ok && cur == f {
		delete(s.inflight, msgID)
		return true
	}
	return false
}

func (s *Session) complete(msgID string, pos int, mac []byte, status model.RelayStatus, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[msgID] = &completion{pos: pos, mac: append([]byte(nil), mac...), status: status, at: now}
}

// completedLast reports whether pos and mac are the last chunk of a message
// this session already relayed.
func (s *Session) completedLast(msgID string, pos int, mac []byte) (model.RelayStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.completed[msgID]
	if !ok || c.pos != pos || !bytes.Equal(c.mac, mac) {
		return model.RelayStatus{}, false
	}
	return c.status, true
}

// expire removes and returns the ids of contexts idle for longer than idle.
// Contexts busy accepting a chunk are left alone. Completions older than idle
// are forgotten.
func (s *Session) expire(now time.Time, idle time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, c := range s.completed {
		if now.Sub(c.at) >= idle {
			delete(s.completed, id)
		}
	}

	var ids []string
	for id, f := range s.inflight {
		if f.rc.TryExpire(now, idle) {
			delete(s.inflight, id)
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Session) drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.inflight))
	for id := range s.inflight {
		ids = append(ids, id)
	}
	s.inflight = make(map[string]*inflight)
	return ids
}

func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}
