package channel

import (
	"context"
	"sort"
	"sync"
	"tdmx_relay/internal/model"
	"tdmx_relay/internal/protocol/flowcontrol"
	"time"

	"github.com/google/uuid"
)

type chunkKey struct {
	msgID string
	pos   int
}

// MemoryStore keeps everything in maps behind one mutex, which gives it
// the same atomicity as the transactions of MongoStore. It backs tests and
// single-process setups.
type MemoryStore struct {
	mu        sync.Mutex
	now       func() time.Time
	channels  map[string]*model.Channel
	temporary map[string]*model.TemporaryChannel
	messages  map[string]*model.ChannelMessage
	chunks    map[chunkKey]*model.Chunk
	receipts  map[string]*model.DeliveryReceipt
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:       now,
		channels:  make(map[string]*model.Channel),
		temporary: make(map[string]*model.TemporaryChannel),
		messages:  make(map[string]*model.ChannelMessage),
		chunks:    make(map[chunkKey]*model.Chunk),
		receipts:  make(map[string]*model.DeliveryReceipt),
	}
}

func cloneChannel(ch *model.Channel) *model.Channel {
	c := *ch
	if ch.Authorization != nil {
		a := *ch.Authorization
		c.Authorization = &a
	}
	if ch.Session != nil {
		s := *ch.Session
		c.Session = &s
	}
	if ch.PeerStatus != nil {
		p := *ch.PeerStatus
		c.PeerStatus = &p
	}
	return &c
}

func cloneMessage(m *model.ChannelMessage) *model.ChannelMessage {
	c := *m
	return &c
}

// PutChannel stores ch as is.
func (s *MemoryStore) PutChannel(ch *model.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.ID] = cloneChannel(ch)
}

func (s *MemoryStore) GetChannel(_ context.Context, id string) (*model.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, nil
	}
	return cloneChannel(ch), nil
}

func (s *MemoryStore) findChannel(name model.ChannelName) *model.Channel {
	for _, ch := range s.channels {
		if ch.Name == name {
			return ch
		}
	}
	return nil
}

func (s *MemoryStore) FindChannel(_ context.Context, name model.ChannelName) (*model.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch := s.findChannel(name); ch != nil {
		return cloneChannel(ch), nil
	}
	return nil, nil
}

func (s *MemoryStore) GetTemporaryChannel(_ context.Context, id string) (*model.TemporaryChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.temporary[id]
	if !ok {
		return nil, nil
	}
	c := *tc
	return &c, nil
}

func (s *MemoryStore) CreateTemporaryChannel(_ context.Context, name model.ChannelName) (*model.TemporaryChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tc := range s.temporary {
		if tc.Name == name {
			c := *tc
			return &c, nil
		}
	}
	tc := &model.TemporaryChannel{ID: uuid.NewString(), Name: name, CreatedAt: s.now()}
	s.temporary[tc.ID] = tc
	c := *tc
	return &c, nil
}

func (s *MemoryStore) PromoteTemporaryChannel(_ context.Context, tempID string, side model.Side, perm *model.EndpointPermission, defaults Defaults) (*model.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tc, ok := s.temporary[tempID]
	if !ok {
		return nil, ErrChannelNotFound
	}
	delete(s.temporary, tempID)

	ch := s.findChannel(tc.Name)
	if ch == nil {
		ch = newChannel(tc.ID, tc.Name, defaults)
		s.channels[ch.ID] = ch
	}
	ch.Authorization.ApplyPermission(side, perm)
	return cloneChannel(ch), nil
}

func (s *MemoryStore) ApplyPermission(_ context.Context, channelID string, side model.Side, perm *model.EndpointPermission) (*model.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return nil, ErrChannelNotFound
	}
	if ch.Authorization == nil {
		ch.Authorization = &model.ChannelAuthorization{}
	}
	ch.Authorization.ApplyPermission(side, perm)
	return cloneChannel(ch), nil
}

func (s *MemoryStore) ConfirmLocalPermission(_ context.Context, name model.ChannelName, side model.Side, perm *model.EndpointPermission, defaults Defaults) (*model.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.findChannel(name)
	if ch == nil {
		ch = newChannel(uuid.NewString(), name, defaults)
		s.channels[ch.ID] = ch
	}
	if ch.Authorization == nil {
		ch.Authorization = &model.ChannelAuthorization{}
	}
	ch.Authorization.ApplyPermission(side, perm)
	ch.Authorization.MaxMessageBytes = defaults.MaxMessageBytes
	ch.Quota.ReceiveLimit = defaults.Limit
	return cloneChannel(ch), nil
}

func (s *MemoryStore) StoreDestinationSession(_ context.Context, channelID string, session *model.DestinationSession) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return false, ErrChannelNotFound
	}
	if ch.Session != nil && ch.Session.SignerSerial >= session.SignerSerial {
		return false, nil
	}
	c := *session
	ch.Session = &c
	return true, nil
}

func (s *MemoryStore) UpdatePeerStatus(_ context.Context, name model.ChannelName, status model.RelayStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.findChannel(name)
	if ch == nil {
		return ErrChannelNotFound
	}
	ch.PeerStatus = &status
	return nil
}

func (s *MemoryStore) RecordReceipt(_ context.Context, receipt *model.DeliveryReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *receipt
	s.receipts[receipt.MsgID] = &c
	return nil
}

func (s *MemoryStore) GetReceipt(_ context.Context, msgID string) (*model.DeliveryReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[msgID]
	if !ok {
		return nil, nil
	}
	c := *r
	return &c, nil
}

func (s *MemoryStore) ReserveAndPersistMessage(_ context.Context, msg *model.ChannelMessage) (flowcontrol.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[msg.ChannelID]
	if !ok {
		return flowcontrol.Decision{}, ErrChannelNotFound
	}
	now := s.now()
	d := flowcontrol.Evaluate(ch, msg.Payload.PayloadLength, now)
	if !d.Admitted() {
		return d, nil
	}
	if _, ok := s.messages[msg.ID]; ok {
		return flowcontrol.Decision{}, model.NewRelayError(model.InvalidMsgId, "message %s already relayed", msg.ID)
	}

	ch.Quota.Reserve(msg.Payload.PayloadLength)
	msg.State.Status = model.StatusReady
	msg.State.ReceivedAt = now
	s.messages[msg.ID] = cloneMessage(msg)
	d.Status = ch.RelayStatus(now)
	return d, nil
}

func (s *MemoryStore) MessageExists(_ context.Context, msgID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.messages[msgID]
	return ok, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, msgID string) (*model.ChannelMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[msgID]
	if !ok {
		return nil, nil
	}
	return cloneMessage(m), nil
}

func (s *MemoryStore) FetchPending(_ context.Context, destination string, limit int) ([]string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*model.ChannelMessage
	for _, m := range s.messages {
		if m.Destination == destination && m.State.Status == model.StatusReady && m.State.TxID == "" {
			ready = append(ready, m)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].State.ReceivedAt.Equal(ready[j].State.ReceivedAt) {
			return ready[i].ID < ready[j].ID
		}
		return ready[i].State.ReceivedAt.Before(ready[j].State.ReceivedAt)
	})

	more := len(ready) > limit
	if more {
		ready = ready[:limit]
	}
	ids := make([]string, len(ready))
	for i, m := range ready {
		ids[i] = m.ID
	}
	return ids, more, nil
}

func (s *MemoryStore) BeginDelivery(_ context.Context, msgID, txID string) (*model.ChannelMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[msgID]
	if !ok || m.State.Status != model.StatusReady || m.State.TxID != "" {
		return nil, nil
	}
	m.State.TxID = txID
	m.State.TxPrepared = false
	m.State.TxStartedAt = s.now()
	m.State.DeliveryCount++
	return cloneMessage(m), nil
}

func (s *MemoryStore) bound(msgID, txID string) (*model.ChannelMessage, error) {
	m, ok := s.messages[msgID]
	if !ok || m.State.TxID != txID || m.State.Status != model.StatusReady {
		return nil, ErrDeliveryNotFound
	}
	return m, nil
}

func (s *MemoryStore) MarkPrepared(_ context.Context, msgID, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.bound(msgID, txID)
	if err != nil {
		return err
	}
	m.State.TxPrepared = true
	return nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, msgID, txID string) error {
	return s.finish(msgID, txID, model.StatusProcessed)
}

func (s *MemoryStore) MarkFailed(_ context.Context, msgID, txID string) error {
	return s.finish(msgID, txID, model.StatusFailed)
}

func (s *MemoryStore) finish(msgID, txID string, status model.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.bound(msgID, txID)
	if err != nil {
		return err
	}
	m.State.Status = status
	if ch, ok := s.channels[m.ChannelID]; ok {
		ch.Quota.Release(m.Payload.PayloadLength)
	}
	for k := range s.chunks {
		if k.msgID == msgID {
			delete(s.chunks, k)
		}
	}
	return nil
}

func (s *MemoryStore) ReleaseDelivery(_ context.Context, msgID, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[msgID]
	if !ok || m.State.TxID != txID {
		return ErrDeliveryNotFound
	}
	m.State.TxID = ""
	m.State.TxPrepared = false
	m.State.TxStartedAt = time.Time{}
	return nil
}

func (s *MemoryStore) PreparedDeliveries(_ context.Context, destination string) ([]*model.ChannelMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.ChannelMessage
	for _, m := range s.messages {
		if m.Destination == destination && m.State.Status == model.StatusReady && m.State.TxPrepared {
			out = append(out, cloneMessage(m))
		}
	}
	return out, nil
}

func (s *MemoryStore) ReleaseStaleDeliveries(_ context.Context, startedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.messages {
		if m.State.Status == model.StatusReady && m.State.TxID != "" && !m.State.TxPrepared && m.State.TxStartedAt.Before(startedBefore) {
			m.State.TxID = ""
			m.State.TxStartedAt = time.Time{}
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PersistChunk(_ context.Context, chunk *model.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *chunk
	c.WrittenAt = s.now()
	s.chunks[chunkKey{chunk.MsgID, chunk.Position}] = &c
	return nil
}

func (s *MemoryStore) GetChunk(_ context.Context, msgID string, pos int) (*model.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[chunkKey{msgID, pos}]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) DeleteChunks(_ context.Context, msgID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k := range s.chunks {
		if k.msgID == msgID {
			delete(s.chunks, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteOrphanChunks(_ context.Context, writtenBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newest := make(map[string]time.Time)
	for k, c := range s.chunks {
		if c.WrittenAt.After(newest[k.msgID]) {
			newest[k.msgID] = c.WrittenAt
		}
	}
	var n int64
	for k := range s.chunks {
		if _, ok := s.messages[k.msgID]; ok || !newest[k.msgID].Before(writtenBefore) {
			continue
		}
		delete(s.chunks, k)
		n++
	}
	return n, nil
}

// ChunkCount is used by tests to observe retraction.
func (s *MemoryStore) ChunkCount(msgID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.chunks {
		if k.msgID == msgID {
			n++
		}
	}
	return n
}
