// Package sender is the origin side of a channel: it seals, chunks and
// signs messages and relays them, together with the control payloads,
// to the destination domain's node.
package sender

import (
	"context"
	"errors"
	"fmt"
	"tdmx_relay/internal/credential"
	"tdmx_relay/internal/cryptographic/integrity"
	"tdmx_relay/internal/cryptographic/scheme"
	"tdmx_relay/internal/model"
	"tdmx_relay/internal/protocol/payload"
	"tdmx_relay/internal/utils/log"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNoSession = errors.New("channel has no usable destination session")

type (
	// Relayer is the transport to the peer node.
	Relayer interface {
		Relay(ctx context.Context, sessionID string, req *model.RelayRequest) (*model.RelayResponse, error)
	}

	Config struct {
		ChunkSize   int
		MaxAttempts int
		RetryDelay  time.Duration
	}

	Sender struct {
		relayer Relayer
		user    *credential.Issuer
		cfg     Config
		now     func() time.Time
	}

	Outgoing struct {
		Message *model.RelayMessage
		Chunks  []*model.Chunk
	}
)

func NewSender(relayer Relayer, user *credential.Issuer, cfg Config, now func() time.Time) *Sender {
	if now == nil {
		now = time.Now
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 64 << 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Sender{
		relayer: relayer,
		user:    user,
		cfg:     cfg,
		now:     now,
	}
}

// Compose seals plaintext to the destination session and cuts it into
// chunks. to is the receiving user's encoded credential chain.
func (s *Sender) Compose(name model.ChannelName, to []byte, session *model.DestinationSession, plaintext []byte) (*Outgoing, error) {
	now := s.now()
	if session == nil || len(session.SessionKey) == 0 {
		return nil, ErrNoSession
	}
	if !session.ValidUntil.IsZero() && now.After(session.ValidUntil) {
		return nil, fmt.Errorf("%w: expired at %s", ErrNoSession, session.ValidUntil)
	}
	sch, err := scheme.Lookup(session.Scheme)
	if err != nil {
		return nil, err
	}
	from, err := s.user.EncodedChain()
	if err != nil {
		return nil, err
	}

	msgID := uuid.NewString()
	out := &Outgoing{}
	w, err := integrity.NewChunkWriter(integrity.ChunkSinkFunc(func(pos int, mac, data []byte) error {
		out.Chunks = append(out.Chunks, &model.Chunk{
			MsgID:    msgID,
			Position: pos,
			Mac:      mac,
			Data:     append([]byte(nil), data...),
		})
		return nil
	}), s.cfg.ChunkSize)
	if err != nil {
		return nil, err
	}
	if err := payload.Seal(w, sch, s.user.PrivateKey, session.SessionKey, plaintext, payload.AAD(msgID)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	out.Message = &model.RelayMessage{
		Header: model.MessageHeader{
			MsgID:               msgID,
			Channel:             name,
			From:                from,
			To:                  to,
			EncryptionContextID: session.EncryptionContextID,
			SentAt:              now,
		},
		Payload: model.MessagePayload{
			NumberOfChunks: w.NumberOfChunks(),
			PayloadLength:  w.Size(),
			MacOfMacs:      w.MacOfMacs(),
			Scheme:         sch.ID(),
		},
	}
	out.Message.Header.UserSignature, err = s.user.Sign(out.Message.Content())
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Outgoing) request(pos int) *model.RelayRequest {
	req := &model.RelayRequest{Chunk: o.Chunks[pos]}
	if pos == 0 {
		req.Message = o.Message
	}
	return req
}

// Send relays every chunk of out in order. Rejections the peer marks as
// retryable are retried after a delay; ordering and MAC-of-Macs failures
// restart the message from its first chunk.
func (s *Sender) Send(ctx context.Context, sessionID string, out *Outgoing) (*model.RelayStatus, error) {
	attempts := 0
	var status *model.RelayStatus
	for pos := 0; pos < len(out.Chunks); {
		resp, err := s.relayer.Relay(ctx, sessionID, out.request(pos))
		if err != nil {
			return nil, err
		}
		if resp.RelayStatus != nil {
			status = resp.RelayStatus
		}
		if resp.Success {
			pos++
			attempts = 0
			continue
		}

		re := resp.Error
		if re == nil {
			return status, fmt.Errorf("chunk %d rejected without error", pos)
		}
		attempts++
		if !re.Retryable() || re.Code == model.SubmitMessageTooLarge || attempts >= s.cfg.MaxAttempts {
			return status, re
		}

		log.Debug("relay chunk rejected, retrying",
			zap.String("msgId", out.Message.Header.MsgID),
			zap.Int("pos", pos),
			zap.String("code", string(re.Code)),
			zap.Int("attempt", attempts),
		)
		switch re.Code {
		case model.InvalidChunkOrder, model.InvalidMessageMacOfMac:
			pos = 0
		case model.InvalidChunkMac:
		default:
			if err := s.wait(ctx, attempts); err != nil {
				return status, err
			}
		}
	}
	return status, nil
}

func (s *Sender) wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(s.cfg.RetryDelay * time.Duration(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// relayOne sends a single control payload.
func (s *Sender) relayOne(ctx context.Context, sessionID string, req *model.RelayRequest) (*model.RelayStatus, error) {
	resp, err := s.relayer.Relay(ctx, sessionID, req)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		if resp.Error == nil {
			return resp.RelayStatus, fmt.Errorf("%s rejected without error", req.Kind())
		}
		return resp.RelayStatus, resp.Error
	}
	return resp.RelayStatus, nil
}

func (s *Sender) SendPermission(ctx context.Context, sessionID string, p *model.EndpointPermission) (*model.RelayStatus, error) {
	return s.relayOne(ctx, sessionID, &model.RelayRequest{Permission: p})
}

func (s *Sender) SendDestinationSession(ctx context.Context, sessionID string, ds *model.DestinationSession) error {
	_, err := s.relayOne(ctx, sessionID, &model.RelayRequest{DestinationSession: ds})
	return err
}

func (s *Sender) SendReceipt(ctx context.Context, sessionID string, r *model.DeliveryReceipt) error {
	_, err := s.relayOne(ctx, sessionID, &model.RelayRequest{DeliveryReceipt: r})
	return err
}

func (s *Sender) SendStatus(ctx context.Context, sessionID string, name model.ChannelName, status model.RelayStatus) error {
	_, err := s.relayOne(ctx, sessionID, &model.RelayRequest{
		RelayStatusUpdate: &model.RelayStatusUpdate{ChannelName: name, Status: status},
	})
	return err
}
