package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

type (
	// Offerer is a local delivery registry.
	Offerer interface {
		Offer(destination, msgID string) bool
	}

	// LiveSessions pushes to receivers connected to this node and returns
	// the session that took the push.
	LiveSessions interface {
		Push(destination string, t *Transfer) (string, bool)
	}

	// LocalTransferer delivers to receivers attached to this node, either
	// blocked in a receive call or connected on the live channel.
	LocalTransferer struct {
		address  string
		registry Offerer
		live     LiveSessions
	}

	// HTTPTransferer forwards to the node at ep.Address.
	HTTPTransferer struct {
		client *http.Client
	}

	// Router picks the local transferer for this node's own address.
	Router struct {
		self   string
		local  Transferer
		remote Transferer
	}
)

func NewLocalTransferer(address string, registry Offerer, live LiveSessions) *LocalTransferer {
	return &LocalTransferer{
		address:  address,
		registry: registry,
		live:     live,
	}
}

func (l *LocalTransferer) Transfer(_ context.Context, _ *Endpoint, t *Transfer) (*Endpoint, error) {
	offered := l.registry.Offer(t.Destination, t.MsgID)

	sessionID := t.SessionID
	pushed := false
	if l.live != nil {
		var sid string
		if sid, pushed = l.live.Push(t.Destination, t); pushed {
			sessionID = sid
		}
	}
	if !offered && !pushed {
		return nil, ErrNoSuchSession
	}
	return &Endpoint{Address: l.address, SessionID: sessionID}, nil
}

func NewHTTPTransferer(timeout time.Duration) *HTTPTransferer {
	return &HTTPTransferer{
		client: &http.Client{Timeout: timeout},
	}
}

func (h *HTTPTransferer) Transfer(ctx context.Context, ep *Endpoint, t *Transfer) (*Endpoint, error) {
	u := url.URL{
		Scheme: "http",
		Host:   ep.Address,
		Path:   "/transfer",
	}

	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNoSuchSession
	default:
		return nil, fmt.Errorf("transfer to %s: status %d", ep.Address, resp.StatusCode)
	}

	var got Endpoint
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		return nil, fmt.Errorf("decode transfer response: %w", err)
	}
	return &got, nil
}

func NewRouter(self string, local, remote Transferer) *Router {
	return &Router{
		self:   self,
		local:  local,
		remote: remote,
	}
}

func (r *Router) Transfer(ctx context.Context, ep *Endpoint, t *Transfer) (*Endpoint, error) {
	if ep.Address == r.self {
		return r.local.Transfer(ctx, ep, t)
	}
	return r.remote.Transfer(ctx, ep, t)
}

func (h *HTTPTransferer) CloseIdleConnections() {
	h.client.CloseIdleConnections()
}
