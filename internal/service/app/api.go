package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"tdmx_relay/internal/model"
	"tdmx_relay/internal/protocol/delivery"
	"time"

	"github.com/gorilla/websocket"
)

// receive long-polls the local node. It returns nil when nothing arrived
// within wait.
func (c *App) receive(ctx context.Context, destination string, wait time.Duration) (*delivery.Delivery, error) {
	u := url.URL{
		Scheme:   "http",
		Host:     c.opts.LocalHost,
		Path:     "/receive/" + destination,
		RawQuery: url.Values{"wait": []string{wait.String()}}.Encode(),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("receive: %s", resp.Status)
	}

	var d delivery.Delivery
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *App) getChunk(ctx context.Context, msgID string, pos int) (*model.Chunk, error) {
	u := url.URL{
		Scheme: "http",
		Host:   c.opts.LocalHost,
		Path:   fmt.Sprintf("/messages/%s/chunks/%d", msgID, pos),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chunk %d of %s: %s", pos, msgID, resp.Status)
	}
	var chunk model.Chunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return nil, err
	}
	return &chunk, nil
}

// complete runs op (commit or rollback) on a delivery transaction.
func (c *App) complete(ctx context.Context, txID, op string) error {
	u := url.URL{
		Scheme: "http",
		Host:   c.opts.LocalHost,
		Path:   fmt.Sprintf("/tx/%s/%s", txID, op),
	}
	if op == "commit" {
		u.RawQuery = url.Values{"onePhase": []string{strconv.FormatBool(true)}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%s %s: %s", op, txID, resp.Status)
	}
	return nil
}

func (c *App) initLive(destination string) (*websocket.Conn, error) {
	params := url.Values{
		"destination": []string{destination},
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     c.opts.LocalHost,
		Path:     "/live",
		RawQuery: params.Encode(),
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}

	return conn, nil
}
