package app

import (
	"context"
	"errors"
	"fmt"
	"tdmx_relay/internal/credential"
	"tdmx_relay/internal/cryptographic/integrity"
	"tdmx_relay/internal/cryptographic/scheme"
	"tdmx_relay/internal/model"
	"tdmx_relay/internal/protocol/payload"
	"tdmx_relay/internal/service/sender"
	"time"
)

var ErrUnknownContext = errors.New("no session for encryption context")

// ensureSession reuses the stored destination session of the incoming
// channel while it has at least half its lifetime left, and otherwise
// publishes a fresh one to the peer node.
func (c *App) ensureSession(ctx context.Context) (*sessionState, error) {
	endpoint := c.opts.Incoming.Destination.String()
	st, err := c.getCurrentSession(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if st != nil && st.Session.ValidUntil.Sub(now) > c.opts.SessionTTL/2 {
		return st, nil
	}

	ds, priv, err := sender.NewDestinationSession(c.user, c.opts.Incoming.Destination.ServiceName, c.opts.Scheme, now.Add(c.opts.SessionTTL), now)
	if err != nil {
		return nil, err
	}
	st = &sessionState{Session: ds, PrivateKey: priv}
	if err := c.withSession(ctx, &c.inSID, c.opts.Incoming, func(sid string) error {
		return c.snd.SendDestinationSession(ctx, sid, ds)
	}); err != nil {
		return nil, fmt.Errorf("publish destination session: %w", err)
	}
	if err := c.saveSession(ctx, endpoint, st); err != nil {
		return nil, err
	}
	return st, nil
}

// withSession runs fn on the relay session for name at the peer node,
// reopening it once if the node has expired it.
func (c *App) withSession(ctx context.Context, sid *string, name model.ChannelName, fn func(sid string) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if *sid == "" {
			id, err := c.peer.OpenSession(ctx, name, c.user.Credential.Domain)
			if err != nil {
				return err
			}
			*sid = id
		}
		err := fn(*sid)
		if attempt == 0 && model.HasCode(err, model.InvalidRelaySession) {
			*sid = ""
			continue
		}
		return err
	}
}

// openMessage streams a delivered message from the local node and
// decrypts it.
func (c *App) openMessage(ctx context.Context, msg *model.ChannelMessage) ([]byte, *credential.Descriptor, error) {
	from, err := c.factory.Decode(msg.Header.From)
	if err != nil {
		return nil, nil, fmt.Errorf("sender credential: %w", err)
	}
	st, err := c.getSession(ctx, msg.Header.EncryptionContextID)
	if err != nil {
		return nil, nil, err
	}
	if st == nil {
		return nil, nil, fmt.Errorf("%w %q", ErrUnknownContext, msg.Header.EncryptionContextID)
	}
	sch, err := scheme.Lookup(msg.Payload.Scheme)
	if err != nil {
		return nil, nil, err
	}

	r := integrity.NewChunkReader(integrity.ChunkSourceFunc(func(pos int) ([]byte, []byte, error) {
		chunk, err := c.getChunk(ctx, msg.ID, pos)
		if err != nil {
			return nil, nil, err
		}
		return chunk.Mac, chunk.Data, nil
	}), msg.Payload.NumberOfChunks, msg.Payload.MacOfMacs)

	plaintext, err := payload.Open(r, msg.Payload.PayloadLength, sch, from.PublicKey(), st.PrivateKey, payload.AAD(msg.ID))
	if err != nil {
		return nil, nil, err
	}
	return plaintext, from, nil
}
