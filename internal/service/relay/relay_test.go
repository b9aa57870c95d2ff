package relay_test

import (
	"bytes"
	"context"
	"sync"
	"tdmx_relay/internal/credential"
	"tdmx_relay/internal/cryptographic/integrity"
	"tdmx_relay/internal/model"
	"tdmx_relay/internal/protocol/trust"
	"tdmx_relay/internal/repository/channel"
	trustRepo "tdmx_relay/internal/repository/trust"
	"tdmx_relay/internal/service/relay"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	start = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	name  = model.ChannelName{
		Origin:      model.ChannelEndpoint{LocalName: "alice", Domain: "a.example", ServiceName: "chat"},
		Destination: model.ChannelEndpoint{LocalName: "bob", Domain: "b.example", ServiceName: "chat"},
	}
	defaults = channel.Defaults{
		Limit:           model.FlowLimit{HighMarkBytes: 10_000, LowMarkBytes: 1_000},
		MaxMessageBytes: 5_000,
	}
)

type (
	domain struct {
		admin, user *credential.Issuer
		fp          string
	}

	clock struct {
		mu  sync.Mutex
		now time.Time
	}

	announcer struct {
		mu  sync.Mutex
		ids []string
	}

	notifier struct {
		mu  sync.Mutex
		ids []string
	}

	fixture struct {
		clk      *clock
		store    *channel.MemoryStore
		svc      *relay.Service
		a, b     *domain
		notified *notifier
		arrived  *announcer
	}
)

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (a *announcer) Announce(_ context.Context, _, msgID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, msgID)
	return nil
}

func (n *notifier) Notify(_ context.Context, _, _, stateID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, stateID)
	return false
}

func newDomain(t *testing.T, name, user string) *domain {
	t.Helper()
	nb, na := start.Add(-time.Hour), start.Add(24*time.Hour)
	root, err := credential.NewAuthority(name, 1, nb, na)
	require.NoError(t, err)
	admin, err := root.Issue(credential.KindDomainAdministrator, "admin", 2, nb, na)
	require.NoError(t, err)
	u, err := admin.Issue(credential.KindUser, user, 3, nb, na)
	require.NoError(t, err)
	fp, err := credential.Fingerprint(root.Credential)
	require.NoError(t, err)
	return &domain{admin: admin, user: u, fp: fp}
}

// newFixture runs the relay of local, which is one end of name.
func newFixture(t *testing.T, local string) *fixture {
	t.Helper()
	clk := &clock{now: start}
	a := newDomain(t, "a.example", "alice")
	b := newDomain(t, "b.example", "bob")
	store := channel.NewMemoryStore(clk.Now)
	verifier := trust.NewVerifier(
		credential.NewFactory(),
		credential.NewValidator(clk.Now),
		credential.NewStaticAnchors(map[string]string{"a.example": a.fp, "b.example": b.fp}),
		trustRepo.NewMemoryRepo(),
	)
	f := &fixture{clk: clk, store: store, a: a, b: b, notified: &notifier{}, arrived: &announcer{}}
	f.svc = relay.NewService(store, verifier, f.arrived, f.notified, relay.Config{
		Domain:           local,
		ChunkIdleTimeout: 2 * time.Minute,
		SessionIdleTime:  time.Hour,
		Defaults:         defaults,
	}, clk.Now)
	t.Cleanup(f.svc.Close)
	return f
}

func encodedChain(t *testing.T, i *credential.Issuer) []byte {
	t.Helper()
	data, err := i.EncodedChain()
	require.NoError(t, err)
	return data
}

func permission(t *testing.T, signer *credential.Issuer, side model.Side) *model.EndpointPermission {
	t.Helper()
	p := &model.EndpointPermission{
		Grant:                 model.GrantAllow,
		MaxPlaintextSizeBytes: 1 << 20,
		ValidUntil:            start.Add(12 * time.Hour),
		Signature:             &model.AdministratorSignature{Credential: encodedChain(t, signer), SignedAt: start},
	}
	sig, err := signer.Sign(p.Content(name, side))
	require.NoError(t, err)
	p.Signature.Signature = sig
	return p
}

func (f *fixture) open(t *testing.T, peer string) *relay.Session {
	t.Helper()
	sess, err := f.svc.OpenSession(context.Background(), &model.OpenSessionRequest{Channel: name, PeerDomain: peer})
	require.NoError(t, err)
	return sess
}

func (f *fixture) relay(t *testing.T, sess *relay.Session, req *model.RelayRequest) *model.RelayResponse {
	t.Helper()
	resp, err := f.svc.Relay(context.Background(), sess.ID, req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	return resp
}

func requireCode(t *testing.T, resp *model.RelayResponse, code model.ErrorCode) {
	t.Helper()
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, code, resp.Error.Code)
}

// openReceiving opens a session from a.example into b.example and makes
// the channel open on both ends.
func (f *fixture) openReceiving(t *testing.T) *relay.Session {
	t.Helper()
	sess := f.open(t, "a.example")
	resp := f.relay(t, sess, &model.RelayRequest{Permission: permission(t, f.a.admin, model.SideOrigin)})
	require.True(t, resp.Success, "%v", resp.Error)
	_, err := f.store.ConfirmLocalPermission(context.Background(), name, model.SideDestination, permission(t, f.b.admin, model.SideDestination), defaults)
	require.NoError(t, err)
	return sess
}

type outgoing struct {
	msg    *model.RelayMessage
	chunks []*model.Chunk
}

// compose cuts payload into chunks and signs the header as alice. A
// non-nil mom overrides the declared MAC-of-Macs.
func (f *fixture) compose(t *testing.T, msgID string, payload []byte, chunkSize int, mom []byte) *outgoing {
	t.Helper()
	out := &outgoing{}
	w, err := integrity.NewChunkWriter(integrity.ChunkSinkFunc(func(pos int, mac, data []byte) error {
		out.chunks = append(out.chunks, &model.Chunk{MsgID: msgID, Position: pos, Mac: mac, Data: data})
		return nil
	}), chunkSize)
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	if mom == nil {
		mom = w.MacOfMacs()
	}

	out.msg = &model.RelayMessage{
		Header: model.MessageHeader{
			MsgID:               msgID,
			Channel:             name,
			From:                encodedChain(t, f.a.user),
			To:                  encodedChain(t, f.b.user),
			EncryptionContextID: "ctx-1",
			SentAt:              start,
		},
		Payload: model.MessagePayload{
			NumberOfChunks: w.NumberOfChunks(),
			PayloadLength:  w.Size(),
			MacOfMacs:      mom,
			Scheme:         "x25519-hkdf-aes256gcm",
		},
	}
	sig, err := f.a.user.Sign(out.msg.Content())
	require.NoError(t, err)
	out.msg.Header.UserSignature = sig
	return out
}

func (o *outgoing) request(pos int) *model.RelayRequest {
	req := &model.RelayRequest{Chunk: o.chunks[pos]}
	if pos == 0 {
		req.Message = o.msg
	}
	return req
}

func TestRelayRejectsMalformedRequests(t *testing.T) {
	f := newFixture(t, "b.example")
	sess := f.open(t, "a.example")

	resp, err := f.svc.Relay(context.Background(), "no-such-session", &model.RelayRequest{})
	require.NoError(t, err)
	requireCode(t, resp, model.InvalidRelaySession)

	requireCode(t, f.relay(t, sess, &model.RelayRequest{}), model.MissingRelayPayload)
	requireCode(t, f.relay(t, sess, &model.RelayRequest{
		Permission:      permission(t, f.a.admin, model.SideOrigin),
		DeliveryReceipt: &model.DeliveryReceipt{MsgID: "m1"},
	}), model.MultipleRelayPayloads)
}

func TestOpenSessionChecksPeer(t *testing.T) {
	f := newFixture(t, "b.example")
	ctx := context.Background()

	_, err := f.svc.OpenSession(ctx, &model.OpenSessionRequest{Channel: name, PeerDomain: "c.example"})
	assert.True(t, model.HasCode(err, model.InvalidRelaySession))

	_, err = f.svc.OpenSession(ctx, &model.OpenSessionRequest{Channel: name, PeerDomain: "b.example"})
	assert.True(t, model.HasCode(err, model.InvalidRelaySession))

	other := newFixture(t, "c.example")
	_, err = other.svc.OpenSession(ctx, &model.OpenSessionRequest{Channel: name, PeerDomain: "a.example"})
	assert.True(t, model.HasCode(err, model.InvalidRelaySession))
}

func TestFirstPermissionPromotesTemporaryChannel(t *testing.T) {
	f := newFixture(t, "b.example")
	ctx := context.Background()
	sess := f.open(t, "a.example")
	before := sess.Channel()
	require.True(t, before.Temporary)

	resp := f.relay(t, sess, &model.RelayRequest{Permission: permission(t, f.a.admin, model.SideOrigin)})
	require.True(t, resp.Success, "%v", resp.Error)
	require.NotNil(t, resp.RelayStatus, "receiving side reports its status")
	assert.False(t, resp.RelayStatus.ChannelOpen, "local end not confirmed yet")

	after := sess.Channel()
	assert.False(t, after.Temporary)
	ch, err := f.store.FindChannel(ctx, name)
	require.NoError(t, err)
	require.NotNil(t, ch)
	assert.Equal(t, ch.ID, after.ID)
	assert.Equal(t, model.GrantAllow, ch.Authorization.Origin.Grant)
	assert.Equal(t, defaults.Limit, ch.Quota.ReceiveLimit)

	// Later permissions update the established channel.
	deny := permission(t, f.a.admin, model.SideOrigin)
	deny.Grant = model.GrantDeny
	sig, err := f.a.admin.Sign(deny.Content(name, model.SideOrigin))
	require.NoError(t, err)
	deny.Signature.Signature = sig
	resp = f.relay(t, sess, &model.RelayRequest{Permission: deny})
	require.True(t, resp.Success, "%v", resp.Error)
	assert.Equal(t, after, sess.Channel())

	ch, err = f.store.GetChannel(ctx, after.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GrantDeny, ch.Authorization.Origin.Grant)

	assert.False(t, f.open(t, "a.example").Channel().Temporary)
}

func TestPermissionSignedByWrongKeyIsRejected(t *testing.T) {
	f := newFixture(t, "b.example")
	sess := f.open(t, "a.example")

	p := permission(t, f.a.admin, model.SideOrigin)
	p.MaxPlaintextSizeBytes++
	requireCode(t, f.relay(t, sess, &model.RelayRequest{Permission: p}), model.InvalidSignatureEndpointPermission)

	p = permission(t, f.a.user, model.SideOrigin)
	requireCode(t, f.relay(t, sess, &model.RelayRequest{Permission: p}), model.InvalidDomainAdministratorCredentials)

	assert.True(t, sess.Channel().Temporary)
}

func TestMessageRelayedInOrder(t *testing.T) {
	f := newFixture(t, "b.example")
	ctx := context.Background()
	sess := f.openReceiving(t)

	out := f.compose(t, "m1", bytes.Repeat([]byte("x"), 250), 100, nil)
	require.Len(t, out.chunks, 3)

	for pos := range out.chunks {
		resp := f.relay(t, sess, out.request(pos))
		require.True(t, resp.Success, "chunk %d: %v", pos, resp.Error)
		require.NotNil(t, resp.RelayStatus)
		if pos < 2 {
			assert.Equal(t, 1, sess.InFlight())
		}
	}
	assert.Zero(t, sess.InFlight())

	m, err := f.store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, model.StatusReady, m.State.Status)
	assert.Equal(t, int64(3), m.State.OriginSerial)
	assert.Equal(t, name.Destination.String(), m.Destination)
	assert.Equal(t, 3, f.store.ChunkCount("m1"))

	ch, err := f.store.FindChannel(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, int64(250), ch.Quota.UndeliveredBytes)

	assert.Equal(t, []string{"m1"}, f.arrived.ids)
	assert.Equal(t, []string{"m1"}, f.notified.ids)

	resp := f.relay(t, sess, out.request(0))
	requireCode(t, resp, model.InvalidMsgId)
}

func TestRetryOfLastChunkIsAccepted(t *testing.T) {
	f := newFixture(t, "b.example")
	sess := f.openReceiving(t)
	out := f.compose(t, "m1", bytes.Repeat([]byte("y"), 150), 100, nil)

	require.True(t, f.relay(t, sess, out.request(0)).Success)
	require.True(t, f.relay(t, sess, out.request(0)).Success, "retry")
	require.True(t, f.relay(t, sess, out.request(1)).Success)
	assert.Equal(t, 2, f.store.ChunkCount("m1"))
}

func TestLastChunkRetryAfterCompletionSucceeds(t *testing.T) {
	f := newFixture(t, "b.example")
	ctx := context.Background()
	sess := f.openReceiving(t)
	out := f.compose(t, "m1", bytes.Repeat([]byte("r"), 150), 100, nil)

	for pos := range out.chunks {
		require.True(t, f.relay(t, sess, out.request(pos)).Success)
	}
	resp := f.relay(t, sess, out.request(1))
	require.True(t, resp.Success, "%v", resp.Error)
	require.NotNil(t, resp.RelayStatus)
	assert.Equal(t, int64(150), resp.RelayStatus.UndeliveredBytes)
	assert.Len(t, f.arrived.ids, 1, "not relayed twice")

	bad := *out.chunks[0]
	bad.Position = 1
	requireCode(t, f.relay(t, sess, &model.RelayRequest{Chunk: &bad}), model.InvalidChunkOrder)

	f.clk.Advance(3 * time.Minute)
	f.svc.Sweep(ctx)
	requireCode(t, f.relay(t, sess, out.request(1)), model.InvalidChunkOrder)
}

// resign declares length for out and signs the header again.
func (f *fixture) resign(t *testing.T, out *outgoing, length int64) {
	t.Helper()
	out.msg.Payload.PayloadLength = length
	sig, err := f.a.user.Sign(out.msg.Content())
	require.NoError(t, err)
	out.msg.Header.UserSignature = sig
}

func TestChunksMustMatchDeclaredLength(t *testing.T) {
	ctx := context.Background()

	t.Run("more bytes than declared", func(t *testing.T) {
		f := newFixture(t, "b.example")
		sess := f.openReceiving(t)
		out := f.compose(t, "m1", bytes.Repeat([]byte("l"), 4_900), 100, nil)
		f.resign(t, out, 1)

		requireCode(t, f.relay(t, sess, out.request(0)), model.InvalidMessagePayload)
		assert.Zero(t, sess.InFlight())
		assert.Zero(t, f.store.ChunkCount("m1"))
		requireCode(t, f.relay(t, sess, out.request(1)), model.InvalidChunkOrder)

		ch, err := f.store.FindChannel(ctx, name)
		require.NoError(t, err)
		assert.Zero(t, ch.Quota.UndeliveredBytes)
	})

	t.Run("fewer bytes than declared", func(t *testing.T) {
		f := newFixture(t, "b.example")
		sess := f.openReceiving(t)
		out := f.compose(t, "m1", bytes.Repeat([]byte("l"), 250), 100, nil)
		f.resign(t, out, 300)

		require.True(t, f.relay(t, sess, out.request(0)).Success)
		require.True(t, f.relay(t, sess, out.request(1)).Success)
		requireCode(t, f.relay(t, sess, out.request(2)), model.InvalidMessagePayload)

		exists, err := f.store.MessageExists(ctx, "m1")
		require.NoError(t, err)
		assert.False(t, exists)
		assert.Zero(t, f.store.ChunkCount("m1"))
		assert.Empty(t, f.arrived.ids)

		ch, err := f.store.FindChannel(ctx, name)
		require.NoError(t, err)
		assert.Zero(t, ch.Quota.UndeliveredBytes)
	})
}

func TestQuotaRejectionCarriesStatus(t *testing.T) {
	f := newFixture(t, "b.example")
	sess := f.openReceiving(t)
	out := f.compose(t, "big", bytes.Repeat([]byte("z"), 6_000), 1_000, nil)

	resp := f.relay(t, sess, out.request(0))
	requireCode(t, resp, model.SubmitMessageTooLarge)
	require.NotNil(t, resp.RelayStatus)

	ctx := context.Background()
	ch, err := f.store.FindChannel(ctx, name)
	require.NoError(t, err)
	ch.Quota.UndeliveredBytes = 9_900
	f.store.PutChannel(ch)

	out = f.compose(t, "m2", bytes.Repeat([]byte("z"), 200), 100, nil)
	resp = f.relay(t, sess, out.request(0))
	requireCode(t, resp, model.SubmitQuotaNotSufficient)
	require.NotNil(t, resp.RelayStatus)
	assert.Equal(t, int64(9_900), resp.RelayStatus.UndeliveredBytes)
	assert.Equal(t, int64(10_000), resp.RelayStatus.HighMarkBytes)
	assert.Zero(t, f.store.ChunkCount("m2"))
	assert.Zero(t, sess.InFlight())
}

func TestOutOfOrderChunkRestartsTransfer(t *testing.T) {
	f := newFixture(t, "b.example")
	sess := f.openReceiving(t)
	out := f.compose(t, "m1", bytes.Repeat([]byte("o"), 300), 100, nil)

	require.True(t, f.relay(t, sess, out.request(0)).Success)
	requireCode(t, f.relay(t, sess, out.request(2)), model.InvalidChunkOrder)
	assert.Zero(t, f.store.ChunkCount("m1"), "written chunks are retracted")
	requireCode(t, f.relay(t, sess, out.request(1)), model.InvalidChunkOrder)

	for pos := range out.chunks {
		require.True(t, f.relay(t, sess, out.request(pos)).Success, "restart chunk %d", pos)
	}
}

func TestCorruptChunkIsRejectedWithoutFailingTransfer(t *testing.T) {
	f := newFixture(t, "b.example")
	sess := f.openReceiving(t)
	out := f.compose(t, "m1", bytes.Repeat([]byte("c"), 200), 100, nil)

	require.True(t, f.relay(t, sess, out.request(0)).Success)

	bad := *out.chunks[1]
	bad.Data = append([]byte("C"), bad.Data[1:]...)
	requireCode(t, f.relay(t, sess, &model.RelayRequest{Chunk: &bad}), model.InvalidChunkMac)

	require.True(t, f.relay(t, sess, out.request(1)).Success)
}

func TestMacOfMacsMismatchDiscardsMessage(t *testing.T) {
	f := newFixture(t, "b.example")
	ctx := context.Background()
	sess := f.openReceiving(t)
	out := f.compose(t, "m1", bytes.Repeat([]byte("m"), 200), 100, bytes.Repeat([]byte{1}, 32))

	require.True(t, f.relay(t, sess, out.request(0)).Success)
	requireCode(t, f.relay(t, sess, out.request(1)), model.InvalidMessageMacOfMac)

	exists, err := f.store.MessageExists(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Zero(t, f.store.ChunkCount("m1"))
	assert.Empty(t, f.arrived.ids)
}

func TestChunksRejectedOnTemporaryChannel(t *testing.T) {
	f := newFixture(t, "b.example")
	sess := f.open(t, "a.example")
	out := f.compose(t, "m1", []byte("hi"), 100, nil)

	requireCode(t, f.relay(t, sess, out.request(0)), model.ReceiveChannelClosed)
}

func TestSweepExpiresIdleReassembly(t *testing.T) {
	f := newFixture(t, "b.example")
	ctx := context.Background()
	sess := f.openReceiving(t)
	out := f.compose(t, "m1", bytes.Repeat([]byte("s"), 200), 100, nil)
	require.True(t, f.relay(t, sess, out.request(0)).Success)

	assert.Zero(t, f.svc.Sweep(ctx))
	f.clk.Advance(3 * time.Minute)
	assert.Equal(t, 1, f.svc.Sweep(ctx))
	assert.Zero(t, sess.InFlight())
	assert.Zero(t, f.store.ChunkCount("m1"))

	requireCode(t, f.relay(t, sess, out.request(1)), model.InvalidChunkOrder)
}

func TestCloseSessionRetractsUnfinishedMessages(t *testing.T) {
	f := newFixture(t, "b.example")
	ctx := context.Background()
	sess := f.openReceiving(t)
	out := f.compose(t, "m1", bytes.Repeat([]byte("q"), 200), 100, nil)
	require.True(t, f.relay(t, sess, out.request(0)).Success)

	assert.True(t, f.svc.CloseSession(ctx, sess.ID))
	assert.False(t, f.svc.CloseSession(ctx, sess.ID))
	assert.Zero(t, f.store.ChunkCount("m1"))

	_, ok := f.svc.Session(sess.ID)
	assert.False(t, ok)
}

func (f *fixture) session(t *testing.T, signer *credential.Issuer, serial string) *model.DestinationSession {
	t.Helper()
	ds := &model.DestinationSession{
		EncryptionContextID: "ctx-" + serial,
		Scheme:              "x25519-hkdf-aes256gcm",
		SessionKey:          bytes.Repeat([]byte{7}, 32),
		ValidUntil:          start.Add(time.Hour),
		Signature:           &model.UserSignature{Credential: encodedChain(t, signer), SignedAt: start},
	}
	sig, err := signer.Sign(ds.Content(name.Destination.ServiceName))
	require.NoError(t, err)
	ds.Signature.Signature = sig
	return ds
}

// openSending runs the origin side: a.example relays out, b.example relays
// sessions, receipts and status back in.
func openSending(t *testing.T) (*fixture, *relay.Session) {
	t.Helper()
	f := newFixture(t, "a.example")
	_, err := f.store.ConfirmLocalPermission(context.Background(), name, model.SideOrigin, permission(t, f.a.admin, model.SideOrigin), defaults)
	require.NoError(t, err)
	sess := f.open(t, "b.example")
	require.False(t, sess.Channel().Temporary)
	return f, sess
}

func TestDestinationSessionIsStored(t *testing.T) {
	f, sess := openSending(t)
	ctx := context.Background()

	resp := f.relay(t, sess, &model.RelayRequest{DestinationSession: f.session(t, f.b.user, "1")})
	require.True(t, resp.Success, "%v", resp.Error)
	assert.Nil(t, resp.RelayStatus, "senders get no status for sessions")

	ch, err := f.store.GetChannel(ctx, sess.Channel().ID)
	require.NoError(t, err)
	require.NotNil(t, ch.Session)
	assert.Equal(t, "ctx-1", ch.Session.EncryptionContextID)
	assert.Equal(t, int64(3), ch.Session.SignerSerial)

	// Same signer serial does not supersede.
	resp = f.relay(t, sess, &model.RelayRequest{DestinationSession: f.session(t, f.b.user, "2")})
	require.True(t, resp.Success)
	ch, err = f.store.GetChannel(ctx, sess.Channel().ID)
	require.NoError(t, err)
	assert.Equal(t, "ctx-1", ch.Session.EncryptionContextID)

	requireCode(t, f.relay(t, sess, &model.RelayRequest{DestinationSession: f.session(t, f.a.user, "3")}), model.ChannelDestinationUserDomainMismatch)
	requireCode(t, f.relay(t, sess, &model.RelayRequest{DestinationSession: f.session(t, f.b.admin, "4")}), model.InvalidUserCredentials)
}

func TestDestinationSessionRejectedOnReceivingSide(t *testing.T) {
	f := newFixture(t, "b.example")
	sess := f.openReceiving(t)
	requireCode(t, f.relay(t, sess, &model.RelayRequest{DestinationSession: f.session(t, f.b.user, "1")}), model.InvalidDestinationSession)
}

func TestReceiptAndStatusUpdate(t *testing.T) {
	f, sess := openSending(t)
	ctx := context.Background()

	r := &model.DeliveryReceipt{MsgID: "m1", MacOfMacs: []byte{1, 2, 3}, DeliveredAt: start}
	sig, err := f.b.user.Sign(r.Content())
	require.NoError(t, err)
	r.Signature = &model.UserSignature{Credential: encodedChain(t, f.b.user), Signature: sig, SignedAt: start}

	require.True(t, f.relay(t, sess, &model.RelayRequest{DeliveryReceipt: r}).Success)
	got, err := f.store.GetReceipt(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, start, got.DeliveredAt)

	forged := *r
	forged.MsgID = "m2"
	requireCode(t, f.relay(t, sess, &model.RelayRequest{DeliveryReceipt: &forged}), model.InvalidDeliveryReceipt)

	status := model.RelayStatus{ChannelOpen: true, FlowControl: model.FlowClosed, UndeliveredBytes: 900, HighMarkBytes: 1000}
	require.True(t, f.relay(t, sess, &model.RelayRequest{RelayStatusUpdate: &model.RelayStatusUpdate{ChannelName: name, Status: status}}).Success)
	ch, err := f.store.FindChannel(ctx, name)
	require.NoError(t, err)
	require.NotNil(t, ch.PeerStatus)
	assert.Equal(t, status, *ch.PeerStatus)
}
