package relay

import (
	"context"
	"fmt"
	"tdmx_relay/internal/model"
	"tdmx_relay/internal/utils/log"

	"go.uber.org/zap"
)

// relayPermission installs the peer administrator's decision for the peer's
// end of the channel. The first permission on a temporary channel promotes
// it, and the session moves over to the established channel.
func (s *Service) relayPermission(ctx context.Context, sess *Session, perm *model.EndpointPermission) (*model.RelayResponse, error) {
	side := sess.Name.PeerSide(s.cfg.Domain)
	if _, err := s.verifier.VerifyPermission(ctx, sess.Name, side, perm); err != nil {
		return nil, err
	}

	ch, err := s.applyPermission(ctx, sess, side, perm)
	if err != nil {
		return nil, err
	}
	log.Info("peer permission applied",
		zap.String("channel", sess.Name.String()),
		zap.String("side", string(side)),
		zap.String("grant", string(perm.Grant)),
	)

	if ch.IsReceiving(s.cfg.Domain) {
		status := ch.RelayStatus(s.now())
		return model.Succeeded(&status), nil
	}
	return model.Succeeded(nil), nil
}

func (s *Service) applyPermission(ctx context.Context, sess *Session, side model.Side, perm *model.EndpointPermission) (*model.Channel, error) {
	ref := sess.channel.Load()
	if !ref.Temporary {
		ch, err := s.store.ApplyPermission(ctx, ref.ID, side, perm)
		if notFound(err) {
			return nil, model.NewRelayError(model.ChannelNotFound, "channel %s", ref.ID)
		}
		return ch, err
	}

	ch, err := s.store.PromoteTemporaryChannel(ctx, ref.ID, side, perm, s.cfg.Defaults)
	if notFound(err) {
		// Promoted by a concurrent call on another session.
		existing, ferr := s.store.FindChannel(ctx, sess.Name)
		if ferr != nil {
			return nil, ferr
		}
		if existing == nil {
			return nil, model.NewRelayError(model.ChannelNotFound, "channel %s", sess.Name)
		}
		ch, err = s.store.ApplyPermission(ctx, existing.ID, side, perm)
	}
	if err != nil {
		return nil, err
	}

	if sess.swapChannel(ref, &model.ChannelRef{ID: ch.ID}) {
		log.Info("temporary channel promoted",
			zap.String("sessionId", sess.ID),
			zap.String("temporaryId", ref.ID),
			zap.String("channelId", ch.ID),
		)
	}
	return ch, nil
}

// relayDestinationSession stores the session a receiving user published, so
// local senders can encrypt for it. Senders get no flow-control feedback
// here.
func (s *Service) relayDestinationSession(ctx context.Context, sess *Session, ds *model.DestinationSession) (*model.RelayResponse, error) {
	if sess.Name.Origin.Domain != s.cfg.Domain {
		return nil, model.NewRelayError(model.InvalidDestinationSession, "destination sessions are relayed to the origin domain")
	}
	signer, err := s.verifier.VerifyDestinationSession(ctx, sess.Name.Destination.ServiceName, ds)
	if err != nil {
		return nil, err
	}
	if signer.Domain() != sess.Name.Destination.Domain {
		return nil, model.NewRelayError(model.ChannelDestinationUserDomainMismatch, "session signed in %s", signer.Domain())
	}

	ref := sess.channel.Load()
	if ref.Temporary {
		return nil, model.NewRelayError(model.ChannelNotFound, "channel %s is not authorized", sess.Name)
	}

	c := *ds
	c.SignerSerial = signer.Serial()
	stored, err := s.store.StoreDestinationSession(ctx, ref.ID, &c)
	if notFound(err) {
		return nil, model.NewRelayError(model.ChannelNotFound, "channel %s", ref.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("store destination session: %w", err)
	}
	if !stored {
		log.Debug("destination session not newer than stored one",
			zap.String("channel", sess.Name.String()),
			zap.Int64("serial", c.SignerSerial),
		)
	}
	return model.Succeeded(nil), nil
}

// relayReceipt records that the receiver in the peer domain committed a
// message sent from here.
func (s *Service) relayReceipt(ctx context.Context, sess *Session, receipt *model.DeliveryReceipt) (*model.RelayResponse, error) {
	if sess.Name.Origin.Domain != s.cfg.Domain {
		return nil, model.NewRelayError(model.InvalidDeliveryReceipt, "receipts are relayed to the origin domain")
	}
	if _, err := s.verifier.VerifyReceipt(ctx, sess.Name, receipt); err != nil {
		return nil, err
	}
	if err := s.store.RecordReceipt(ctx, receipt); err != nil {
		return nil, fmt.Errorf("record receipt: %w", err)
	}
	return model.Succeeded(nil), nil
}

// relayStatusUpdate records the receive status the destination domain
// reports, for throttling local senders.
func (s *Service) relayStatusUpdate(ctx context.Context, sess *Session, u *model.RelayStatusUpdate) (*model.RelayResponse, error) {
	if sess.Name.Origin.Domain != s.cfg.Domain || u.ChannelName != sess.Name {
		return nil, model.NewRelayError(model.InvalidRelaySession, "status update for %s on session of %s", u.ChannelName, sess.Name)
	}
	err := s.store.UpdatePeerStatus(ctx, u.ChannelName, u.Status)
	if notFound(err) {
		return nil, model.NewRelayError(model.ChannelNotFound, "channel %s", u.ChannelName)
	}
	if err != nil {
		return nil, fmt.Errorf("update peer status: %w", err)
	}
	return model.Succeeded(nil), nil
}
