package relay

import (
	"context"
	"fmt"
	"tdmx_relay/internal/cryptographic/integrity"
	"tdmx_relay/internal/model"
	"tdmx_relay/internal/protocol/reassembly"
	"tdmx_relay/internal/utils/log"

	"go.uber.org/zap"
)

// relayChunk takes one chunk of a message. The first chunk carries the
// message header, which is verified and admitted before anything is
// written. Chunks are written through as they arrive; on completion the
// message is persisted together with its quota reservation.
func (s *Service) relayChunk(ctx context.Context, sess *Session, msg *model.RelayMessage, chunk *model.Chunk) (*model.RelayResponse, error) {
	if chunk == nil {
		return nil, model.NewRelayError(model.InvalidMessagePayload, "message without chunk")
	}
	if msg != nil && msg.Header.MsgID != chunk.MsgID {
		return nil, model.NewRelayError(model.InvalidMsgId, "chunk of %s sent with header of %s", chunk.MsgID, msg.Header.MsgID)
	}
	if !integrity.VerifyChunkMac(chunk.Data, chunk.Mac) {
		return nil, model.NewRelayError(model.InvalidChunkMac, "chunk %d of %s", chunk.Position, chunk.MsgID)
	}

	f, ok := sess.lookup(chunk.MsgID)
	if !ok {
		if status, done := sess.completedLast(chunk.MsgID, chunk.Position, chunk.Mac); done {
			return model.Succeeded(&status), nil
		}
		if chunk.Position != 0 {
			return nil, model.NewRelayError(model.InvalidChunkOrder, "no transfer of %s in progress, restart from chunk 0", chunk.MsgID)
		}
		if msg == nil {
			return nil, model.NewRelayError(model.InvalidMessagePayload, "first chunk of %s without message header", chunk.MsgID)
		}
		var resp *model.RelayResponse
		var err error
		f, resp, err = s.admit(ctx, sess, msg)
		if err != nil || resp != nil {
			return resp, err
		}
		if existing, started := sess.start(chunk.MsgID, f); !started {
			f = existing
		}
	}

	if !f.rc.SetChunkReceived(chunk.Position, chunk.Mac, len(chunk.Data)) {
		sess.drop(chunk.MsgID, f)
		s.retract(ctx, chunk.MsgID)
		if err := f.rc.Err(); err != nil {
			return nil, fmt.Errorf("fold chunk mac of %s: %w", chunk.MsgID, err)
		}
		if f.rc.Overrun() {
			return nil, model.NewRelayError(model.InvalidMessagePayload, "chunks of %s exceed payload length %d", chunk.MsgID, f.msg.Payload.PayloadLength)
		}
		return nil, model.NewRelayError(model.InvalidChunkOrder, "chunk %d of %s, restart from chunk 0", chunk.Position, chunk.MsgID)
	}

	if err := s.store.PersistChunk(ctx, chunk); err != nil {
		return nil, fmt.Errorf("persist chunk %d of %s: %w", chunk.Position, chunk.MsgID, err)
	}

	if !f.rc.IsComplete() {
		status := f.status
		return model.Succeeded(&status), nil
	}
	if !sess.drop(chunk.MsgID, f) {
		// A concurrent retry of the last chunk; the other call completes it.
		status := f.status
		return model.Succeeded(&status), nil
	}
	resp, err := s.complete(ctx, f)
	if err == nil && resp.Success {
		sess.complete(chunk.MsgID, chunk.Position, chunk.Mac, *resp.RelayStatus, s.now())
	}
	return resp, err
}

// admit verifies a message header and checks the channel can take it. A
// non-nil response is an admission rejection carrying the relay status.
func (s *Service) admit(ctx context.Context, sess *Session, msg *model.RelayMessage) (*inflight, *model.RelayResponse, error) {
	ref := sess.channel.Load()
	if ref.Temporary || sess.Name.Destination.Domain != s.cfg.Domain {
		return nil, nil, model.NewRelayError(model.ReceiveChannelClosed, "channel %s is not open for receiving", sess.Name)
	}
	if msg.Header.Channel != sess.Name {
		return nil, nil, model.NewRelayError(model.InvalidMessagePayload, "message for %s on session of %s", msg.Header.Channel, sess.Name)
	}

	signers, err := s.verifier.VerifyMessage(ctx, msg)
	if err != nil {
		return nil, nil, err
	}
	exists, err := s.store.MessageExists(ctx, msg.Header.MsgID)
	if err != nil {
		return nil, nil, err
	}
	if exists {
		return nil, nil, model.NewRelayError(model.InvalidMsgId, "message %s already relayed", msg.Header.MsgID)
	}

	d, err := s.gate.Admit(ctx, ref.ID, msg.Payload.PayloadLength)
	if err != nil {
		return nil, nil, err
	}
	if !d.Admitted() {
		status := d.Status
		log.Debug("message not admitted",
			zap.String("msgId", msg.Header.MsgID),
			zap.Stringer("result", d.Result),
			zap.Int64("length", msg.Payload.PayloadLength),
		)
		return nil, model.Failed(d.Err(), &status), nil
	}

	return &inflight{
		rc: reassembly.NewContext(msg.Header.MsgID, msg.Payload.NumberOfChunks, msg.Payload.MacOfMacs,
			reassembly.WithClock(s.now),
			reassembly.WithPayloadLength(msg.Payload.PayloadLength),
		),
		msg:       msg,
		signers:   signers,
		channelID: ref.ID,
		status:    d.Status,
	}, nil, nil
}

// complete checks the received length and the MAC-of-Macs and hands the message to the store, which
// reserves quota in the same step.
func (s *Service) complete(ctx context.Context, f *inflight) (*model.RelayResponse, error) {
	msgID := f.msg.Header.MsgID
	if n := f.rc.ReceivedBytes(); n != f.msg.Payload.PayloadLength {
		s.retract(ctx, msgID)
		return nil, model.NewRelayError(model.InvalidMessagePayload, "message %s carried %d bytes, declared %d", msgID, n, f.msg.Payload.PayloadLength)
	}
	if !f.rc.IsCorrect() {
		s.retract(ctx, msgID)
		return nil, model.NewRelayError(model.InvalidMessageMacOfMac, "message %s", msgID)
	}

	cm := &model.ChannelMessage{
		ID:          msgID,
		ChannelID:   f.channelID,
		Destination: f.msg.Header.Destination(),
		Header:      f.msg.Header,
		Payload:     f.msg.Payload,
		State: model.MessageState{
			OriginSerial:      f.signers.From.Serial(),
			DestinationSerial: f.signers.To.Serial(),
		},
	}
	d, err := s.store.ReserveAndPersistMessage(ctx, cm)
	if err != nil {
		if _, ok := model.AsRelayError(err); !ok {
			err = fmt.Errorf("persist message %s: %w", msgID, err)
		}
		return nil, err
	}
	if !d.Admitted() {
		s.retract(ctx, msgID)
		status := d.Status
		return model.Failed(d.Err(), &status), nil
	}

	log.Info("message relayed",
		zap.String("msgId", msgID),
		zap.String("destination", cm.Destination),
		zap.Int("chunks", cm.Payload.NumberOfChunks),
		zap.Int64("length", cm.Payload.PayloadLength),
	)
	if err := s.announcer.Announce(ctx, cm.Destination, msgID); err != nil {
		log.Warn("announce arrival failed", zap.String("msgId", msgID), zap.Error(err))
	}
	s.notifier.Notify(ctx, cm.ChannelID, cm.Destination, msgID)

	status := d.Status
	return model.Succeeded(&status), nil
}
