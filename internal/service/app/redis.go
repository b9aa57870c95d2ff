package app

import (
	"context"
	"encoding/json"
	"tdmx_relay/internal/model"
	"time"
)

type sessionState struct {
	Session    *model.DestinationSession `json:"session"`
	PrivateKey []byte                    `json:"privateKey"`
}

func currentKey(endpoint string) string {
	return "tdmx:client:current:" + endpoint
}

func sessionKey(contextID string) string {
	return "tdmx:client:session:" + contextID
}

// saveSession keeps the session until it stops being valid. Messages
// sealed to it may still be waiting after a newer one is published, so
// every session is stored under its own context id.
func (c *App) saveSession(ctx context.Context, endpoint string, st *sessionState) error {
	ttl := time.Until(st.Session.ValidUntil)
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := c.redisService.Set(ctx, sessionKey(st.Session.EncryptionContextID), data, ttl); err != nil {
		return err
	}
	return c.redisService.Set(ctx, currentKey(endpoint), st.Session.EncryptionContextID, ttl)
}

func (c *App) getSession(ctx context.Context, contextID string) (*sessionState, error) {
	v, err := c.redisService.Get(ctx, sessionKey(contextID))
	if err != nil || v == "" {
		return nil, err
	}

	var st sessionState
	if err := json.Unmarshal([]byte(v), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *App) getCurrentSession(ctx context.Context, endpoint string) (*sessionState, error) {
	id, err := c.redisService.Get(ctx, currentKey(endpoint))
	if err != nil || id == "" {
		return nil, err
	}
	return c.getSession(ctx, id)
}
