package delivery

import (
	"context"
	"errors"
	"fmt"
	"tdmx_relay/internal/model"
	"tdmx_relay/internal/utils/log"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxBackoffShift caps redelivery backoff at 64 times the base delay.
const maxBackoffShift = 6

type (
	// Store is the persistent side of delivery. Every call that names a
	// txID only applies while the message is still bound to it.
	Store interface {
		FetchPending(ctx context.Context, destination string, limit int) ([]string, bool, error)
		// BeginDelivery binds a READY message to txID and counts the attempt.
		// It returns nil when the message is no longer available.
		BeginDelivery(ctx context.Context, msgID, txID string) (*model.ChannelMessage, error)
		MarkPrepared(ctx context.Context, msgID, txID string) error
		// MarkProcessed completes delivery and gives the quota back.
		MarkProcessed(ctx context.Context, msgID, txID string) error
		ReleaseDelivery(ctx context.Context, msgID, txID string) error
		// MarkFailed dead-letters the message and gives the quota back.
		MarkFailed(ctx context.Context, msgID, txID string) error
		PreparedDeliveries(ctx context.Context, destination string) ([]*model.ChannelMessage, error)
		ReleaseStaleDeliveries(ctx context.Context, startedBefore time.Time) (int64, error)
	}

	CoordinatorConfig struct {
		TxTimeout         time.Duration
		RedeliveryBackoff time.Duration
		MaxDeliveries     int
		FetchLimit        int
	}

	// Delivery is what a receiver gets from Begin.
	Delivery struct {
		TxID      string                `json:"txId"`
		TimeoutAt time.Time             `json:"timeoutAt"`
		Message   *model.ChannelMessage `json:"message"`
	}

	Coordinator struct {
		store    Store
		registry *Registry
		cfg      CoordinatorConfig
		now      func() time.Time
		newTxID  func() string
	}
)

func NewCoordinator(store Store, registry *Registry, cfg CoordinatorConfig, now func() time.Time) *Coordinator {
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:    store,
		registry: registry,
		cfg:      cfg,
		now:      now,
		newTxID:  uuid.NewString,
	}
}

func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Begin waits up to maxWait for a message for destination and binds it to
// a new transaction. It returns nil, nil when nothing arrived in time.
func (c *Coordinator) Begin(ctx context.Context, destination string, maxWait time.Duration) (*Delivery, error) {
	rc := c.registry.Get(destination)
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for {
		if rc.IsFetchRequired() {
			ids, more, err := c.store.FetchPending(ctx, destination, c.cfg.FetchLimit)
			if err != nil {
				rc.MarkDirty()
				return nil, fmt.Errorf("fetch pending for %s: %w", destination, err)
			}
			rc.AddPendingMessages(ids, more)
		}

		msgID, woke, ok := rc.next(ctx, timer.C, rc.wake)
		if woke {
			continue
		}
		if !ok {
			return nil, ctx.Err()
		}

		d, err := c.bind(ctx, rc, msgID)
		if errors.Is(err, ErrMessageInFlight) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
	}
}

func (c *Coordinator) bind(ctx context.Context, rc *ReceiverContext, msgID string) (*Delivery, error) {
	txID := c.newTxID()
	timeoutAt := c.now().Add(c.cfg.TxTimeout)
	tx, err := rc.StartTransaction(txID, &MessageContext{MsgID: msgID}, timeoutAt)
	if err != nil {
		return nil, err
	}
	if _, err := rc.acquire(txID); err != nil {
		return nil, err
	}
	defer rc.release(tx)

	msg, err := c.store.BeginDelivery(ctx, msgID, txID)
	if err != nil {
		rc.EndTransaction(txID)
		rc.MarkDirty()
		return nil, fmt.Errorf("begin delivery of %s: %w", msgID, err)
	}
	if msg == nil {
		// Taken by another node or no longer READY.
		rc.EndTransaction(txID)
		return nil, nil
	}
	rc.attach(tx, msg)

	log.Debug("delivery started",
		zap.String("destination", rc.Destination()),
		zap.String("msgId", msgID),
		zap.String("txId", txID),
		zap.Int("attempt", msg.State.DeliveryCount),
	)
	return &Delivery{TxID: txID, TimeoutAt: timeoutAt, Message: msg}, nil
}

func (c *Coordinator) acquire(txID string) (*ReceiverContext, *TransactionContext, error) {
	rc, ok := c.registry.findTransaction(txID)
	if !ok {
		return nil, nil, ErrUnknownTransaction
	}
	tx, err := rc.acquire(txID)
	if err != nil {
		return nil, nil, err
	}
	return rc, tx, nil
}

func (c *Coordinator) Prepare(ctx context.Context, txID string) error {
	rc, tx, err := c.acquire(txID)
	if err != nil {
		return err
	}
	defer rc.release(tx)

	if tx.Prepared {
		return nil
	}
	if err := c.store.MarkPrepared(ctx, tx.Message.MsgID, txID); err != nil {
		return fmt.Errorf("prepare %s: %w", txID, err)
	}
	rc.setPrepared(tx)
	return nil
}

// Commit finishes delivery. Without onePhase the transaction must have been
// prepared first.
func (c *Coordinator) Commit(ctx context.Context, txID string, onePhase bool) error {
	rc, tx, err := c.acquire(txID)
	if err != nil {
		return err
	}
	defer rc.release(tx)

	if !onePhase && !tx.Prepared {
		return ErrNotPrepared
	}
	if err := c.store.MarkProcessed(ctx, tx.Message.MsgID, txID); err != nil {
		return fmt.Errorf("commit %s: %w", txID, err)
	}
	rc.EndTransaction(txID)
	log.Debug("delivery committed", zap.String("msgId", tx.Message.MsgID), zap.String("txId", txID))
	return nil
}

func (c *Coordinator) Rollback(ctx context.Context, txID string) error {
	rc, tx, err := c.acquire(txID)
	if err != nil {
		return err
	}
	defer rc.release(tx)
	return c.rollback(ctx, rc, tx)
}

// Forget drops a transaction without counting it against the message; the
// message is immediately deliverable again.
func (c *Coordinator) Forget(ctx context.Context, txID string) error {
	rc, tx, err := c.acquire(txID)
	if err != nil {
		return err
	}
	defer rc.release(tx)

	if err := c.store.ReleaseDelivery(ctx, tx.Message.MsgID, txID); err != nil {
		return fmt.Errorf("forget %s: %w", txID, err)
	}
	rc.EndTransaction(txID)
	rc.MarkDirty()
	return nil
}

// Recover lists the prepared transactions of destination and adopts those
// this node does not know yet, so they can be committed or rolled back.
func (c *Coordinator) Recover(ctx context.Context, destination string) ([]string, error) {
	msgs, err := c.store.PreparedDeliveries(ctx, destination)
	if err != nil {
		return nil, fmt.Errorf("recover %s: %w", destination, err)
	}

	rc := c.registry.Get(destination)
	txIDs := make([]string, 0, len(msgs))
	for _, m := range msgs {
		txID := m.State.TxID
		if !rc.HasTransaction(txID) {
			mc := &MessageContext{MsgID: m.ID, Message: m, NumDeliveries: m.State.DeliveryCount}
			tx, err := rc.StartTransaction(txID, mc, c.now().Add(c.cfg.TxTimeout))
			if err != nil {
				log.Warn("cannot adopt prepared transaction", zap.String("txId", txID), zap.Error(err))
				continue
			}
			rc.setPrepared(tx)
		}
		txIDs = append(txIDs, txID)
	}
	return txIDs, nil
}

// Reclaim rolls back transactions that timed out before being prepared.
// Prepared transactions are left to their owner and Recover.
func (c *Coordinator) Reclaim(ctx context.Context) (int, error) {
	now := c.now()
	var (
		n        int
		firstErr error
	)
	for _, rc := range c.registry.Contexts() {
		for _, tx := range rc.claimExpired(now) {
			err := c.rollback(ctx, rc, tx)
			rc.release(tx)
			if err != nil {
				log.Warn("reclaim transaction failed", zap.String("txId", tx.TxID), zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			n++
		}
	}
	return n, firstErr
}

// ReclaimOrphaned frees deliveries bound by a node that went away. The
// cutoff is twice the transaction timeout so live nodes reclaim their own
// transactions first.
func (c *Coordinator) ReclaimOrphaned(ctx context.Context) (int64, error) {
	return c.store.ReleaseStaleDeliveries(ctx, c.now().Add(-2*c.cfg.TxTimeout))
}

func (c *Coordinator) rollback(ctx context.Context, rc *ReceiverContext, tx *TransactionContext) error {
	mc := tx.Message
	if mc.NumDeliveries >= c.cfg.MaxDeliveries {
		if err := c.store.MarkFailed(ctx, mc.MsgID, tx.TxID); err != nil {
			return fmt.Errorf("fail %s: %w", mc.MsgID, err)
		}
		rc.EndTransaction(tx.TxID)
		log.Warn("message exceeded max deliveries",
			zap.String("msgId", mc.MsgID),
			zap.Int("deliveries", mc.NumDeliveries),
		)
		return nil
	}

	if err := c.store.ReleaseDelivery(ctx, mc.MsgID, tx.TxID); err != nil {
		return fmt.Errorf("rollback %s: %w", tx.TxID, err)
	}
	mc.RedeliverAfter = c.now().Add(c.backoff(mc.NumDeliveries))
	rc.DeferRedelivery(mc.MsgID, mc.RedeliverAfter)
	rc.EndTransaction(tx.TxID)
	return nil
}

// backoff doubles the base delay with every attempt already made.
func (c *Coordinator) backoff(deliveries int) time.Duration {
	shift := max(deliveries-1, 0)
	shift = min(shift, maxBackoffShift)
	return c.cfg.RedeliveryBackoff << shift
}
