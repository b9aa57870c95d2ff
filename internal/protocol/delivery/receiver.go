// Package delivery hands relayed messages to final receivers, one
// transaction per message.
package delivery

import (
	"context"
	"errors"
	"sync"
	"tdmx_relay/internal/model"
	"time"
)

var (
	ErrMessageInFlight     = errors.New("message already bound to a transaction")
	ErrTransactionExists   = errors.New("transaction id already in use")
	ErrUnknownTransaction  = errors.New("unknown transaction")
	ErrTransactionBusy     = errors.New("transaction is being completed")
	ErrTransactionPrepared = errors.New("transaction already prepared")
	ErrNotPrepared         = errors.New("transaction not prepared")
)

type (
	// MessageContext is a message out for delivery plus its attempt history.
	MessageContext struct {
		MsgID          string
		Message        *model.ChannelMessage
		NumDeliveries  int
		RedeliverAfter time.Time
	}

	TransactionContext struct {
		TxID      string
		TimeoutAt time.Time
		Message   *MessageContext
		Prepared  bool

		busy bool
	}

	// ReceiverContext holds the delivery state of one destination: ids waiting
	// to be handed out, messages bound to open transactions, and when the
	// store should be asked for more.
	ReceiverContext struct {
		destination    string
		safetyInterval time.Duration
		now            func() time.Time

		// pending is the queue receivers block on; queued mirrors its content.
		pending chan string
		// wake interrupts a waiting receiver when the store has news.
		wake chan struct{}

		mu        sync.Mutex
		queued    map[string]struct{}
		unacked   map[string]*MessageContext
		txs       map[string]*TransactionContext
		backoff   map[string]time.Time
		dirty     bool
		lastFetch time.Time
	}
)

func NewReceiverContext(destination string, capacity int, safetyInterval time.Duration, now func() time.Time) *ReceiverContext {
	if now == nil {
		now = time.Now
	}
	return &ReceiverContext{
		destination:    destination,
		safetyInterval: safetyInterval,
		now:            now,
		pending:        make(chan string, capacity),
		wake:           make(chan struct{}, 1),
		queued:         make(map[string]struct{}),
		unacked:        make(map[string]*MessageContext),
		txs:            make(map[string]*TransactionContext),
		backoff:        make(map[string]time.Time),
		// A fresh context has never fetched.
		dirty: true,
	}
}

func (r *ReceiverContext) Destination() string {
	return r.destination
}

// IsFetchRequired holds when nothing is queued and either new messages were
// announced, a redelivery backoff ran out, or the safety interval passed
// since the last fetch. A true answer clears the dirty flag.
func (r *ReceiverContext) IsFetchRequired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queued) > 0 {
		return false
	}
	now := r.now()
	elapsed := r.pruneBackoff(now)
	if !r.dirty && now.Sub(r.lastFetch) < r.safetyInterval && !elapsed {
		return false
	}
	r.dirty = false
	r.lastFetch = now
	return true
}

// pruneBackoff forgets redelivery delays that have run out and reports
// whether there were any.
func (r *ReceiverContext) pruneBackoff(now time.Time) bool {
	elapsed := false
	for id, at := range r.backoff {
		if !now.Before(at) {
			delete(r.backoff, id)
			elapsed = true
		}
	}
	return elapsed
}

// AddPendingMessages queues ids that are neither in flight, already queued
// nor backing off. Blocked receivers wake up as ids arrive.
func (r *ReceiverContext) AddPendingMessages(ids []string, moreAvailable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, id := range ids {
		if _, ok := r.unacked[id]; ok {
			continue
		}
		if _, ok := r.queued[id]; ok {
			continue
		}
		if at, ok := r.backoff[id]; ok {
			if now.Before(at) {
				continue
			}
			delete(r.backoff, id)
		}
		select {
		case r.pending <- id:
			r.queued[id] = struct{}{}
		default:
			// Full: leave the rest in the store for the next fetch.
			r.dirty = true
			return
		}
	}
	if moreAvailable {
		r.dirty = true
	}
}

// GetNextPendingStateID waits up to maxWait for a queued id. It returns
// false on timeout or when ctx ends.
func (r *ReceiverContext) GetNextPendingStateID(ctx context.Context, maxWait time.Duration) (string, bool) {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	id, _, ok := r.next(ctx, timer.C, nil)
	return id, ok
}

// next takes one id off the queue. With a non-nil wake channel it also
// returns, with woke set, when the context is marked dirty.
func (r *ReceiverContext) next(ctx context.Context, timeout <-chan time.Time, wake <-chan struct{}) (id string, woke bool, ok bool) {
	for {
		select {
		case id := <-r.pending:
			r.mu.Lock()
			delete(r.queued, id)
			_, inFlight := r.unacked[id]
			r.mu.Unlock()
			if inFlight {
				continue
			}
			return id, false, true
		case <-wake:
			return "", true, false
		case <-timeout:
			return "", false, false
		case <-ctx.Done():
			return "", false, false
		}
	}
}

func (r *ReceiverContext) MarkDirty() {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// StartTransaction binds mc to txID. A message can be bound to only one
// transaction at a time.
func (r *ReceiverContext) StartTransaction(txID string, mc *MessageContext, timeoutAt time.Time) (*TransactionContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.unacked[mc.MsgID]; ok {
		return nil, ErrMessageInFlight
	}
	if _, ok := r.txs[txID]; ok {
		return nil, ErrTransactionExists
	}
	tx := &TransactionContext{TxID: txID, TimeoutAt: timeoutAt, Message: mc}
	r.unacked[mc.MsgID] = mc
	r.txs[txID] = tx
	return tx, nil
}

// EndTransaction is the only way a message stops being in flight.
func (r *ReceiverContext) EndTransaction(txID string) (*MessageContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.txs[txID]
	if !ok {
		return nil, false
	}
	delete(r.txs, txID)
	delete(r.unacked, tx.Message.MsgID)
	return tx.Message, true
}

// DeferRedelivery keeps msgID out of the queue until at.
func (r *ReceiverContext) DeferRedelivery(msgID string, at time.Time) {
	r.mu.Lock()
	r.backoff[msgID] = at
	r.mu.Unlock()
}

func (r *ReceiverContext) InFlight(msgID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.unacked[msgID]
	return ok
}

func (r *ReceiverContext) HasTransaction(txID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.txs[txID]
	return ok
}

func (r *ReceiverContext) attach(tx *TransactionContext, msg *model.ChannelMessage) {
	r.mu.Lock()
	tx.Message.Message = msg
	tx.Message.NumDeliveries = msg.State.DeliveryCount
	r.mu.Unlock()
}

// acquire marks a transaction busy for the duration of a completion step.
func (r *ReceiverContext) acquire(txID string) (*TransactionContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.txs[txID]
	if !ok {
		return nil, ErrUnknownTransaction
	}
	if tx.busy {
		return nil, ErrTransactionBusy
	}
	tx.busy = true
	return tx, nil
}

func (r *ReceiverContext) release(tx *TransactionContext) {
	r.mu.Lock()
	tx.busy = false
	r.mu.Unlock()
}

func (r *ReceiverContext) setPrepared(tx *TransactionContext) {
	r.mu.Lock()
	tx.Prepared = true
	r.mu.Unlock()
}

// claimExpired marks busy and returns the transactions past their timeout
// that are neither prepared nor being completed.
func (r *ReceiverContext) claimExpired(now time.Time) []*TransactionContext {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*TransactionContext
	for _, tx := range r.txs {
		if tx.busy || tx.Prepared || now.Before(tx.TimeoutAt) {
			continue
		}
		tx.busy = true
		out = append(out, tx)
	}
	return out
}

// Stats is a point-in-time view for diagnostics.
type Stats struct {
	Queued       int  `json:"queued"`
	InFlight     int  `json:"inFlight"`
	Transactions int  `json:"transactions"`
	Dirty        bool `json:"dirty"`
}

func (r *ReceiverContext) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Queued:       len(r.queued),
		InFlight:     len(r.unacked),
		Transactions: len(r.txs),
		Dirty:        r.dirty,
	}
}
