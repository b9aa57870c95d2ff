package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"tdmx_relay/internal/model"
	"time"
)

var ErrNotFound = errors.New("not found")

type (
	// Client talks to a relay node over its HTTP binding.
	Client struct {
		host string
		http *http.Client
	}
)

func NewClient(host string, timeout time.Duration) *Client {
	return &Client{
		host: host,
		http: &http.Client{Timeout: timeout},
	}
}

func (c *Client) url(path string, query url.Values) string {
	u := url.URL{
		Scheme:   "http",
		Host:     c.host,
		Path:     path,
		RawQuery: query.Encode(),
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), rd)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, ErrNotFound
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(msg))
	case out != nil && resp.StatusCode != http.StatusNoContent:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

// OpenSession starts a relay session into name on the peer node. A
// rejection comes back as a *model.RelayError.
func (c *Client) OpenSession(ctx context.Context, name model.ChannelName, localDomain string) (string, error) {
	var raw json.RawMessage
	if _, err := c.do(ctx, http.MethodPost, "/relay/sessions", nil, &model.OpenSessionRequest{Channel: name, PeerDomain: localDomain}, &raw); err != nil {
		return "", err
	}

	var failed model.RelayResponse
	if err := json.Unmarshal(raw, &failed); err == nil && failed.Error != nil {
		return "", failed.Error
	}
	var opened model.OpenSessionResponse
	if err := json.Unmarshal(raw, &opened); err != nil {
		return "", err
	}
	return opened.SessionID, nil
}

func (c *Client) Relay(ctx context.Context, sessionID string, req *model.RelayRequest) (*model.RelayResponse, error) {
	var resp model.RelayResponse
	if _, err := c.do(ctx, http.MethodPost, "/relay/sessions/"+url.PathEscape(sessionID), nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/relay/sessions/"+url.PathEscape(sessionID), nil, nil, nil)
	return err
}

// DestinationSession fetches the session a receiver published for a
// channel, as stored on the node serving the channel's origin.
func (c *Client) DestinationSession(ctx context.Context, channelID string) (*model.DestinationSession, error) {
	var s model.DestinationSession
	if _, err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(channelID)+"/session", nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) Receipt(ctx context.Context, msgID string) (*model.DeliveryReceipt, error) {
	var r model.DeliveryReceipt
	if _, err := c.do(ctx, http.MethodGet, "/receipts/"+url.PathEscape(msgID), nil, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
