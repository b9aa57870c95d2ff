package notifier_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"tdmx_relay/internal/service/notifier"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTransferer struct {
	mu    sync.Mutex
	calls []*notifier.Transfer
	reply *notifier.Endpoint
	err   error
}

func (f *fakeTransferer) Transfer(_ context.Context, ep *notifier.Endpoint, t *notifier.Transfer) (*notifier.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, t)
	if f.err != nil {
		return nil, f.err
	}
	if f.reply != nil {
		return f.reply, nil
	}
	return ep, nil
}

func newCache(t *testing.T) *notifier.MemoryEndpointCache {
	c := notifier.NewMemoryEndpointCache(time.Minute)
	t.Cleanup(c.Close)
	return c
}

func TestNotifyWithoutEndpointDoesNothing(t *testing.T) {
	tr := &fakeTransferer{}
	n := notifier.NewNotifier(newCache(t), tr)

	assert.False(t, n.Notify(context.Background(), "ch-1", "bob@b#chat", "m1"))
	assert.Empty(t, tr.calls)
}

func TestNotifyUpdatesCacheOnSessionChange(t *testing.T) {
	ctx := context.Background()
	cache := newCache(t)
	require.NoError(t, cache.Put(ctx, "bob@b#chat", &notifier.Endpoint{Address: "n1:9090", SessionID: "s1"}))

	tr := &fakeTransferer{reply: &notifier.Endpoint{Address: "n1:9090", SessionID: "s2"}}
	n := notifier.NewNotifier(cache, tr)

	assert.True(t, n.Notify(ctx, "ch-1", "bob@b#chat", "m1"))
	require.Len(t, tr.calls, 1)
	assert.Equal(t, "m1", tr.calls[0].MsgID)
	assert.Equal(t, "s1", tr.calls[0].SessionID)

	ep, err := cache.Get(ctx, "bob@b#chat")
	require.NoError(t, err)
	assert.Equal(t, "s2", ep.SessionID)
}

func TestNotifyNoSessionKeepsCache(t *testing.T) {
	ctx := context.Background()
	cache := newCache(t)
	require.NoError(t, cache.Put(ctx, "d", &notifier.Endpoint{Address: "n1", SessionID: "s1"}))

	n := notifier.NewNotifier(cache, &fakeTransferer{err: notifier.ErrNoSuchSession})
	assert.False(t, n.Notify(ctx, "ch-1", "d", "m1"))

	ep, err := cache.Get(ctx, "d")
	require.NoError(t, err)
	assert.NotNil(t, ep)
}

func TestNotifyFailureClearsCache(t *testing.T) {
	ctx := context.Background()
	cache := newCache(t)
	require.NoError(t, cache.Put(ctx, "d", &notifier.Endpoint{Address: "n1", SessionID: "s1"}))

	n := notifier.NewNotifier(cache, &fakeTransferer{err: errors.New("connection refused")})
	assert.False(t, n.Notify(ctx, "ch-1", "d", "m1"))

	ep, err := cache.Get(ctx, "d")
	require.NoError(t, err)
	assert.Nil(t, ep)
}

type offerer map[string][]string

func (o offerer) Offer(destination, msgID string) bool {
	if _, ok := o[destination]; !ok {
		return false
	}
	o[destination] = append(o[destination], msgID)
	return true
}

type live struct{ sessions map[string]string }

func (l *live) Push(destination string, _ *notifier.Transfer) (string, bool) {
	sid, ok := l.sessions[destination]
	return sid, ok
}

func TestLocalTransferer(t *testing.T) {
	ctx := context.Background()
	reg := offerer{"waiting": nil}
	lt := notifier.NewLocalTransferer("self:9090", reg, &live{sessions: map[string]string{"ws": "s9"}})

	ep, err := lt.Transfer(ctx, nil, &notifier.Transfer{Destination: "waiting", MsgID: "m1", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, &notifier.Endpoint{Address: "self:9090", SessionID: "s1"}, ep)
	assert.Equal(t, []string{"m1"}, reg["waiting"])

	ep, err = lt.Transfer(ctx, nil, &notifier.Transfer{Destination: "ws", MsgID: "m2"})
	require.NoError(t, err)
	assert.Equal(t, "s9", ep.SessionID)

	_, err = lt.Transfer(ctx, nil, &notifier.Transfer{Destination: "nobody", MsgID: "m3"})
	assert.ErrorIs(t, err, notifier.ErrNoSuchSession)
}

func TestHTTPTransferer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transfer", r.URL.Path)
		var tr notifier.Transfer
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&tr))
		if tr.Destination == "gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if tr.Destination == "broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(&notifier.Endpoint{Address: r.Host, SessionID: "s7"})
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	ht := notifier.NewHTTPTransferer(time.Second)
	ctx := context.Background()
	ep := &notifier.Endpoint{Address: addr}

	got, err := ht.Transfer(ctx, ep, &notifier.Transfer{Destination: "bob", MsgID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "s7", got.SessionID)

	_, err = ht.Transfer(ctx, ep, &notifier.Transfer{Destination: "gone"})
	assert.ErrorIs(t, err, notifier.ErrNoSuchSession)

	_, err = ht.Transfer(ctx, ep, &notifier.Transfer{Destination: "broken"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, notifier.ErrNoSuchSession)

	ht.CloseIdleConnections()
}

func TestRouterPicksLocalForOwnAddress(t *testing.T) {
	local := &fakeTransferer{}
	remote := &fakeTransferer{}
	r := notifier.NewRouter("self:9090", local, remote)
	ctx := context.Background()

	_, err := r.Transfer(ctx, &notifier.Endpoint{Address: "self:9090"}, &notifier.Transfer{MsgID: "a"})
	require.NoError(t, err)
	_, err = r.Transfer(ctx, &notifier.Endpoint{Address: "other:9090"}, &notifier.Transfer{MsgID: "b"})
	require.NoError(t, err)

	assert.Len(t, local.calls, 1)
	assert.Len(t, remote.calls, 1)
}

type mapKV struct {
	mu sync.Mutex
	m  map[string]string
}

func (k *mapKV) Get(_ context.Context, key string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.m[key], nil
}

func (k *mapKV) Set(_ context.Context, key string, value any, _ time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = value.(string)
	return nil
}

func (k *mapKV) Del(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.m, key)
	return nil
}

func TestRedisEndpointCacheEncoding(t *testing.T) {
	ctx := context.Background()
	kv := &mapKV{m: map[string]string{}}
	c := notifier.NewRedisEndpointCache(kv, time.Minute)

	ep, err := c.Get(ctx, "d")
	require.NoError(t, err)
	assert.Nil(t, ep)

	require.NoError(t, c.Put(ctx, "d", &notifier.Endpoint{Address: "n1", SessionID: "s1"}))
	assert.Contains(t, kv.m, "tdmx:endpoint:d")

	ep, err = c.Get(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "s1", ep.SessionID)

	require.NoError(t, c.Clear(ctx, "d"))
	ep, err = c.Get(ctx, "d")
	require.NoError(t, err)
	assert.Nil(t, ep)
}
