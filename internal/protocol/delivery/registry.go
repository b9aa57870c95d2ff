package delivery

import (
	"context"
	"encoding/json"
	"sync"
	"tdmx_relay/internal/utils/log"
	"time"

	"go.uber.org/zap"
)

const ArrivalsChannel = "tdmx:arrivals"

type (
	// ArrivalBus spreads arrival announcements to every relay node.
	ArrivalBus interface {
		Publish(ctx context.Context, channel string, payload string) error
		Subscribe(ctx context.Context, channel string) (<-chan string, func() error)
	}

	Arrival struct {
		Destination string `json:"destination"`
		MsgID       string `json:"msgId"`
	}

	// Registry owns the receiver contexts of this node, keyed by destination.
	Registry struct {
		capacity int
		safety   time.Duration
		now      func() time.Time
		bus      ArrivalBus

		mu       sync.Mutex
		contexts map[string]*ReceiverContext
	}
)

// NewRegistry builds a registry. bus may be nil for a single node.
func NewRegistry(capacity int, safetyInterval time.Duration, bus ArrivalBus, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		capacity: capacity,
		safety:   safetyInterval,
		now:      now,
		bus:      bus,
		contexts: make(map[string]*ReceiverContext),
	}
}

// Get returns the context of destination, creating it on first use.
func (r *Registry) Get(destination string) *ReceiverContext {
	r.mu.Lock()
	defer r.mu.Unlock()

	rc, ok := r.contexts[destination]
	if !ok {
		rc = NewReceiverContext(destination, r.capacity, r.safety, r.now)
		r.contexts[destination] = rc
	}
	return rc
}

func (r *Registry) Lookup(destination string) (*ReceiverContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.contexts[destination]
	return rc, ok
}

// Offer queues msgID directly on a receiver already known to this node.
func (r *Registry) Offer(destination, msgID string) bool {
	rc, ok := r.Lookup(destination)
	if !ok {
		return false
	}
	rc.AddPendingMessages([]string{msgID}, false)
	return true
}

// Announce marks destination dirty here and on every node listening on the
// bus.
func (r *Registry) Announce(ctx context.Context, destination, msgID string) error {
	if rc, ok := r.Lookup(destination); ok {
		rc.MarkDirty()
	}
	if r.bus == nil {
		return nil
	}
	data, err := json.Marshal(&Arrival{Destination: destination, MsgID: msgID})
	if err != nil {
		return err
	}
	return r.bus.Publish(ctx, ArrivalsChannel, string(data))
}

// Run follows the arrival bus until ctx ends.
func (r *Registry) Run(ctx context.Context) {
	if r.bus == nil {
		<-ctx.Done()
		return
	}
	ch, closeFn := r.bus.Subscribe(ctx, ArrivalsChannel)
	defer func() {
		if err := closeFn(); err != nil {
			log.Debug("close arrival subscription", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			var a Arrival
			if err := json.Unmarshal([]byte(payload), &a); err != nil {
				log.Warn("drop malformed arrival", zap.Error(err))
				continue
			}
			if rc, ok := r.Lookup(a.Destination); ok {
				rc.MarkDirty()
			}
		}
	}
}

func (r *Registry) Contexts() []*ReceiverContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ReceiverContext, 0, len(r.contexts))
	for _, rc := range r.contexts {
		out = append(out, rc)
	}
	return out
}

func (r *Registry) findTransaction(txID string) (*ReceiverContext, bool) {
	for _, rc := range r.Contexts() {
		if rc.HasTransaction(txID) {
			return rc, true
		}
	}
	return nil, false
}
