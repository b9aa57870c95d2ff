// Package relay serves the inbound side of a channel: a peer domain opens
// a session and relays permissions, destination sessions, messages,
// receipts and status updates through it.
package relay

import (
	"context"
	"errors"
	"sync"
	"tdmx_relay/internal/credential"
	"tdmx_relay/internal/model"
	"tdmx_relay/internal/protocol/flowcontrol"
	"tdmx_relay/internal/protocol/trust"
	"tdmx_relay/internal/repository/channel"
	"tdmx_relay/internal/utils/log"
	"time"

	"github.com/ReneKroon/ttlcache"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type (
	Store interface {
		flowcontrol.ChannelGetter
		FindChannel(ctx context.Context, name model.ChannelName) (*model.Channel, error)
		CreateTemporaryChannel(ctx context.Context, name model.ChannelName) (*model.TemporaryChannel, error)
		PromoteTemporaryChannel(ctx context.Context, tempID string, side model.Side, perm *model.EndpointPermission, defaults channel.Defaults) (*model.Channel, error)
		ApplyPermission(ctx context.Context, channelID string, side model.Side, perm *model.EndpointPermission) (*model.Channel, error)
		StoreDestinationSession(ctx context.Context, channelID string, session *model.DestinationSession) (bool, error)
		UpdatePeerStatus(ctx context.Context, name model.ChannelName, status model.RelayStatus) error
		RecordReceipt(ctx context.Context, receipt *model.DeliveryReceipt) error
		ReserveAndPersistMessage(ctx context.Context, msg *model.ChannelMessage) (flowcontrol.Decision, error)
		MessageExists(ctx context.Context, msgID string) (bool, error)
		PersistChunk(ctx context.Context, chunk *model.Chunk) error
		DeleteChunks(ctx context.Context, msgID string) (int64, error)
	}

	Verifier interface {
		VerifyPermission(ctx context.Context, channel model.ChannelName, side model.Side, perm *model.EndpointPermission) (*credential.Descriptor, error)
		VerifyDestinationSession(ctx context.Context, serviceName string, session *model.DestinationSession) (*credential.Descriptor, error)
		VerifyMessage(ctx context.Context, msg *model.RelayMessage) (*trust.MessageSigners, error)
		VerifyReceipt(ctx context.Context, channel model.ChannelName, receipt *model.DeliveryReceipt) (*credential.Descriptor, error)
	}

	// Announcer tells receivers, on any node, that a message is ready.
	Announcer interface {
		Announce(ctx context.Context, destination, msgID string) error
	}

	Notifier interface {
		Notify(ctx context.Context, channelID, destination, stateID string) bool
	}

	Config struct {
		Domain           string
		ChunkIdleTimeout time.Duration
		SessionIdleTime  time.Duration
		Defaults         channel.Defaults
	}

	Service struct {
		store     Store
		verifier  Verifier
		gate      *flowcontrol.Gate
		announcer Announcer
		notifier  Notifier
		cfg       Config
		now       func() time.Time

		sessions *ttlcache.Cache
		// open mirrors sessions for the idle sweep, which must not extend
		// their lifetime.
		mu   sync.Mutex
		open map[string]*Session
	}
)

func NewService(store Store, verifier Verifier, announcer Announcer, notifier Notifier, cfg Config, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	s := &Service{
		store:     store,
		verifier:  verifier,
		gate:      flowcontrol.NewGate(store, now),
		announcer: announcer,
		notifier:  notifier,
		cfg:       cfg,
		now:       now,
		sessions:  ttlcache.NewCache(),
		open:      make(map[string]*Session),
	}
	s.sessions.SetTTL(cfg.SessionIdleTime)
	s.sessions.SetExpirationCallback(func(key string, value interface{}) {
		s.forget(key)
		s.purge(context.Background(), value.(*Session))
	})
	return s
}

// Close stops session expiry. Open sessions are dropped without purging.
func (s *Service) Close() {
	s.sessions.Close()
}

// OpenSession starts relaying from peerDomain into name. A channel not yet
// authorized locally gets a temporary placeholder.
func (s *Service) OpenSession(ctx context.Context, req *model.OpenSessionRequest) (*Session, error) {
	name := req.Channel
	if !name.IsComplete() {
		return nil, model.NewRelayError(model.InvalidRelaySession, "incomplete channel name")
	}
	local := s.cfg.Domain
	if name.Origin.Domain != local && name.Destination.Domain != local {
		return nil, model.NewRelayError(model.InvalidRelaySession, "channel %s does not involve %s", name, local)
	}
	if req.PeerDomain == local || name.Endpoint(name.PeerSide(local)).Domain != req.PeerDomain {
		return nil, model.NewRelayError(model.InvalidRelaySession, "%s is not the peer of %s", req.PeerDomain, name)
	}

	var ref *model.ChannelRef
	ch, err := s.store.FindChannel(ctx, name)
	if err != nil {
		return nil, err
	}
	if ch != nil {
		ref = &model.ChannelRef{ID: ch.ID}
	} else {
		tc, err := s.store.CreateTemporaryChannel(ctx, name)
		if err != nil {
			return nil, err
		}
		ref = &model.ChannelRef{ID: tc.ID, Temporary: true}
	}

	sess := newSession(uuid.NewString(), req.PeerDomain, name, ref, s.now())
	s.mu.Lock()
	s.open[sess.ID] = sess
	s.mu.Unlock()
	s.sessions.Set(sess.ID, sess)

	log.Info("relay session opened",
		zap.String("sessionId", sess.ID),
		zap.String("peer", req.PeerDomain),
		zap.String("channel", name.String()),
		zap.Bool("temporary", ref.Temporary),
	)
	return sess, nil
}

// Session looks up an open session and extends its lifetime.
func (s *Service) Session(id string) (*Session, bool) {
	v, ok := s.sessions.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// CloseSession ends a session and retracts the chunks of unfinished
// messages.
func (s *Service) CloseSession(ctx context.Context, id string) bool {
	sess, ok := s.Session(id)
	if !ok {
		return false
	}
	s.forget(id)
	s.sessions.Remove(id)
	s.purge(ctx, sess)
	return true
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	delete(s.open, id)
	s.mu.Unlock()
}

func (s *Service) purge(ctx context.Context, sess *Session) {
	for _, msgID := range sess.drain() {
		s.retract(ctx, msgID)
	}
}

func (s *Service) openSessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.open))
	for _, sess := range s.open {
		out = append(out, sess)
	}
	return out
}

// Relay handles one request on session sid. Rejections come back as a
// response; only local faults are returned as errors.
func (s *Service) Relay(ctx context.Context, sid string, req *model.RelayRequest) (*model.RelayResponse, error) {
	sess, ok := s.Session(sid)
	if !ok {
		return model.Failed(model.NewRelayError(model.InvalidRelaySession, "session %s", sid), nil), nil
	}

	switch n := req.PayloadCount(); {
	case n == 0:
		return model.Failed(model.NewRelayError(model.MissingRelayPayload, "empty relay request"), nil), nil
	case n > 1:
		return model.Failed(model.NewRelayError(model.MultipleRelayPayloads, "%d payloads", n), nil), nil
	}

	var (
		resp *model.RelayResponse
		err  error
	)
	switch {
	case req.Permission != nil:
		resp, err = s.relayPermission(ctx, sess, req.Permission)
	case req.DestinationSession != nil:
		resp, err = s.relayDestinationSession(ctx, sess, req.DestinationSession)
	case req.Chunk != nil || req.Message != nil:
		resp, err = s.relayChunk(ctx, sess, req.Message, req.Chunk)
	case req.DeliveryReceipt != nil:
		resp, err = s.relayReceipt(ctx, sess, req.DeliveryReceipt)
	case req.RelayStatusUpdate != nil:
		resp, err = s.relayStatusUpdate(ctx, sess, req.RelayStatusUpdate)
	}
	if err == nil {
		return resp, nil
	}

	if re, ok := model.AsRelayError(err); ok {
		log.Debug("relay rejected",
			zap.String("sessionId", sid),
			zap.String("payload", req.Kind()),
			zap.String("code", string(re.Code)),
			zap.String("reason", re.Message),
		)
		return model.Failed(re, nil), nil
	}
	log.Error("relay failed", zap.String("sessionId", sid), zap.String("payload", req.Kind()), zap.Error(err))
	return nil, err
}

// Sweep fails reassembly contexts that stopped receiving chunks and
// retracts what they wrote.
func (s *Service) Sweep(ctx context.Context) int {
	now := s.now()
	n := 0
	for _, sess := range s.openSessions() {
		for _, msgID := range sess.expire(now, s.cfg.ChunkIdleTimeout) {
			log.Info("reassembly timed out", zap.String("sessionId", sess.ID), zap.String("msgId", msgID))
			s.retract(ctx, msgID)
			n++
		}
	}
	return n
}

func (s *Service) retract(ctx context.Context, msgID string) {
	n, err := s.store.DeleteChunks(ctx, msgID)
	if err != nil {
		// Left for the orphan chunk collection.
		log.Warn("retract chunks failed", zap.String("msgId", msgID), zap.Error(err))
		return
	}
	log.Debug("chunks retracted", zap.String("msgId", msgID), zap.Int64("count", n))
}

func notFound(err error) bool {
	return errors.Is(err, channel.ErrChannelNotFound)
}
