package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"tdmx_relay/internal/model"
	"tdmx_relay/internal/protocol/delivery"
	"tdmx_relay/internal/repository/channel"
	"tdmx_relay/internal/service/notifier"
	"tdmx_relay/internal/service/relay"
	"tdmx_relay/internal/service/server"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var name = model.ChannelName{
	Origin:      model.ChannelEndpoint{LocalName: "alice", Domain: "a.example", ServiceName: "chat"},
	Destination: model.ChannelEndpoint{LocalName: "bob", Domain: "b.example", ServiceName: "chat"},
}

var dest = name.Destination.String()

type node struct {
	store *channel.MemoryStore
	reg   *delivery.Registry
	hub   *server.Hub
	cache *notifier.MemoryEndpointCache
	ts    *httptest.Server
}

func newNode(t *testing.T, opts server.Options) *node {
	t.Helper()
	store := channel.NewMemoryStore(time.Now)
	allow := &model.EndpointPermission{Grant: model.GrantAllow}
	store.PutChannel(&model.Channel{
		ID:   "ch-1",
		Name: name,
		Authorization: &model.ChannelAuthorization{
			Origin: allow, Destination: allow,
		},
		Quota: model.FlowQuota{
			ReceiveLimit:   model.FlowLimit{HighMarkBytes: 10_000, LowMarkBytes: 1_000},
			ReceiverStatus: model.FlowOpen,
		},
	})

	reg := delivery.NewRegistry(16, time.Hour, nil, time.Now)
	coord := delivery.NewCoordinator(store, reg, delivery.CoordinatorConfig{
		TxTimeout:         30 * time.Second,
		RedeliveryBackoff: time.Second,
		MaxDeliveries:     5,
		FetchLimit:        10,
	}, time.Now)

	cache := notifier.NewMemoryEndpointCache(time.Minute)
	t.Cleanup(cache.Close)
	hub := server.NewHub()
	t.Cleanup(hub.Close)

	relaySvc := relay.NewService(store, nil, reg, notifier.NewNotifier(cache, nil), relay.Config{
		Domain:           "b.example",
		ChunkIdleTimeout: time.Minute,
		SessionIdleTime:  time.Minute,
	}, time.Now)
	t.Cleanup(relaySvc.Close)

	if opts.MaxWait == 0 {
		opts.MaxWait = time.Second
	}
	opts.PublicAddr = "node-1:8080"
	local := notifier.NewLocalTransferer(opts.PublicAddr, reg, hub)
	srv := server.NewHttpServer(relaySvc, coord, store, hub, local, cache, opts)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &node{store: store, reg: reg, hub: hub, cache: cache, ts: ts}
}

func (n *node) seed(t *testing.T, id string) {
	t.Helper()
	d, err := n.store.ReserveAndPersistMessage(context.Background(), &model.ChannelMessage{
		ID:          id,
		ChannelID:   "ch-1",
		Destination: dest,
		Payload:     model.MessagePayload{NumberOfChunks: 1, PayloadLength: 100},
	})
	require.NoError(t, err)
	require.True(t, d.Admitted())
	require.NoError(t, n.reg.Announce(context.Background(), dest, id))
}

func (n *node) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(n.ts.URL+path, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (n *node) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(n.ts.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) *T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return &v
}

func TestOpenSessionAndRelayUnknownSession(t *testing.T) {
	n := newNode(t, server.Options{})

	resp := n.post(t, "/relay/sessions", &model.OpenSessionRequest{Channel: name, PeerDomain: "a.example"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	opened := decode[model.OpenSessionResponse](t, resp)
	require.NotEmpty(t, opened.SessionID)

	resp = n.post(t, "/relay/sessions/nope", &model.RelayRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rr := decode[model.RelayResponse](t, resp)
	assert.False(t, rr.Success)
	require.NotNil(t, rr.Error)
	assert.Equal(t, model.InvalidRelaySession, rr.Error.Code)

	req, err := http.NewRequest(http.MethodDelete, n.ts.URL+"/relay/sessions/"+opened.SessionID, nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)

	del, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	assert.Equal(t, http.StatusNotFound, del.StatusCode)
}

func TestOpenSessionRejectsWrongPeer(t *testing.T) {
	n := newNode(t, server.Options{})

	resp := n.post(t, "/relay/sessions", &model.OpenSessionRequest{Channel: name, PeerDomain: "c.example"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rr := decode[model.RelayResponse](t, resp)
	require.NotNil(t, rr.Error)
	assert.Equal(t, model.InvalidRelaySession, rr.Error.Code)

	resp = n.post(t, "/relay/sessions", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelayIsRateLimited(t *testing.T) {
	n := newNode(t, server.Options{RateLimit: 0.001, RateBurst: 2})

	for i := 0; i < 2; i++ {
		resp := n.post(t, "/relay/sessions", &model.OpenSessionRequest{Channel: name, PeerDomain: "a.example"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := n.post(t, "/relay/sessions", &model.OpenSessionRequest{Channel: name, PeerDomain: "a.example"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Receivers are not behind the peer limiter.
	resp = n.get(t, "/receive/"+url.PathEscape(dest)+"?wait=1ms")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestReceiveAndCommit(t *testing.T) {
	n := newNode(t, server.Options{})

	resp := n.get(t, "/receive/"+url.PathEscape(dest)+"?wait=10ms")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	ep, err := n.cache.Get(context.Background(), dest)
	require.NoError(t, err)
	require.NotNil(t, ep)
	assert.Equal(t, "node-1:8080", ep.Address)

	n.seed(t, "m1")
	resp = n.get(t, "/receive/"+url.PathEscape(dest)+"?wait=1s")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decode[delivery.Delivery](t, resp)
	require.NotNil(t, d.Message)
	assert.Equal(t, "m1", d.Message.ID)

	resp = n.post(t, "/tx/"+d.TxID+"/commit", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "two-phase commit without prepare")

	resp = n.post(t, "/tx/"+d.TxID+"/prepare", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = n.get(t, "/tx?destination="+url.QueryEscape(dest))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{d.TxID}, *decode[[]string](t, resp))

	resp = n.post(t, "/tx/"+d.TxID+"/commit", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = n.post(t, "/tx/"+d.TxID+"/commit?onePhase=true", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReceiveValidatesWait(t *testing.T) {
	n := newNode(t, server.Options{})

	resp := n.get(t, "/receive/"+url.PathEscape(dest)+"?wait=soon")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = n.get(t, "/tx")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReadSideLookups(t *testing.T) {
	n := newNode(t, server.Options{})

	assert.Equal(t, http.StatusNotFound, n.get(t, "/messages/m1/chunks/0").StatusCode)
	assert.Equal(t, http.StatusNotFound, n.get(t, "/channels/ch-1/session").StatusCode)
	assert.Equal(t, http.StatusNotFound, n.get(t, "/channels/nope/session").StatusCode)
	assert.Equal(t, http.StatusNotFound, n.get(t, "/receipts/m1").StatusCode)

	require.NoError(t, n.store.PersistChunk(context.Background(), &model.Chunk{MsgID: "m1", Position: 0, Data: []byte("abc")}))
	resp := n.get(t, "/messages/m1/chunks/0")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte("abc"), decode[model.Chunk](t, resp).Data)
}

func TestTransferWithoutReceiver(t *testing.T) {
	n := newNode(t, server.Options{})

	resp := n.post(t, "/transfer", &notifier.Transfer{ChannelID: "ch-1", Destination: dest, MsgID: "m1"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = n.post(t, "/transfer", &notifier.Transfer{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLiveReceiverGetsTransfers(t *testing.T) {
	n := newNode(t, server.Options{})

	wsURL := "ws" + strings.TrimPrefix(n.ts.URL, "http") + "/live?destination=" + url.QueryEscape(dest)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return n.hub.Len() == 1 }, time.Second, 5*time.Millisecond)
	ep, err := n.cache.Get(context.Background(), dest)
	require.NoError(t, err)
	require.NotNil(t, ep)
	assert.NotEmpty(t, ep.SessionID)

	resp := n.post(t, "/transfer", &notifier.Transfer{ChannelID: "ch-1", Destination: dest, MsgID: "m1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ep.SessionID, decode[notifier.Endpoint](t, resp).SessionID)

	var pushed notifier.Transfer
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&pushed))
	assert.Equal(t, "m1", pushed.MsgID)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		ep, err := n.cache.Get(context.Background(), dest)
		return err == nil && ep == nil && n.hub.Len() == 0
	}, time.Second, 5*time.Millisecond)
}
