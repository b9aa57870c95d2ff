// Package notifier pushes the id of a freshly relayed message to the node
// where its receiver is connected, so it does not wait for the next poll.
package notifier

import (
	"context"
	"errors"
	"tdmx_relay/internal/utils/log"

	"go.uber.org/zap"
)

// ErrNoSuchSession means the receiver is not connected anymore. It is the
// normal outcome when nobody is listening.
var ErrNoSuchSession = errors.New("no such live session")

type (
	// Endpoint is where a destination's live receiver was last seen.
	Endpoint struct {
		Address   string `json:"address"`
		SessionID string `json:"sessionId"`
	}

	Transfer struct {
		ChannelID   string `json:"channelId"`
		Destination string `json:"destination"`
		MsgID       string `json:"msgId"`
		// SessionID is the live session the sender expects to reach.
		SessionID string `json:"sessionId,omitempty"`
	}

	// Transferer hands t to the receiver behind ep and reports the endpoint
	// that actually took it.
	Transferer interface {
		Transfer(ctx context.Context, ep *Endpoint, t *Transfer) (*Endpoint, error)
	}

	EndpointCache interface {
		Get(ctx context.Context, destination string) (*Endpoint, error)
		Put(ctx context.Context, destination string, ep *Endpoint) error
		Clear(ctx context.Context, destination string) error
	}

	Notifier struct {
		cache      EndpointCache
		transferer Transferer
	}
)

func NewNotifier(cache EndpointCache, transferer Transferer) *Notifier {
	return &Notifier{
		cache:      cache,
		transferer: transferer,
	}
}

// Notify makes one attempt and reports whether it reached a receiver.
// Failures are never returned: the receiver still finds the message in the
// store.
func (n *Notifier) Notify(ctx context.Context, channelID, destination, stateID string) bool {
	ep, err := n.cache.Get(ctx, destination)
	if err != nil {
		log.Warn("endpoint cache lookup failed", zap.String("destination", destination), zap.Error(err))
		return false
	}
	if ep == nil {
		return false
	}

	t := &Transfer{ChannelID: channelID, Destination: destination, MsgID: stateID, SessionID: ep.SessionID}
	got, err := n.transferer.Transfer(ctx, ep, t)
	if errors.Is(err, ErrNoSuchSession) {
		return false
	}
	if err != nil {
		log.Warn("fast transfer failed",
			zap.String("destination", destination),
			zap.String("address", ep.Address),
			zap.String("msgId", stateID),
			zap.Error(err),
		)
		if err := n.cache.Clear(ctx, destination); err != nil {
			log.Warn("clear endpoint cache", zap.Error(err))
		}
		return false
	}

	if got != nil && *got != *ep {
		if err := n.cache.Put(ctx, destination, got); err != nil {
			log.Warn("update endpoint cache", zap.Error(err))
		}
	}
	return true
}
