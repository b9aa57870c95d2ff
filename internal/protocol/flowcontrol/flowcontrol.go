// Package flowcontrol decides whether a channel can take another message.
package flowcontrol

import (
	"context"
	"fmt"
	"tdmx_relay/internal/model"
	"time"
)

type Result int

const (
	OK Result = iota
	ChannelClosed
	FlowControlClosed
	MessageTooLarge
	NotEnoughQuota
)

var codes = map[Result]model.ErrorCode{
	ChannelClosed:     model.ReceiveChannelClosed,
	FlowControlClosed: model.ReceiveFlowControlClosed,
	MessageTooLarge:   model.SubmitMessageTooLarge,
	NotEnoughQuota:    model.SubmitQuotaNotSufficient,
}

func (r Result) String() string {
	switch r {
	case OK:
		return "OK"
	case ChannelClosed:
		return "CHANNEL_CLOSED"
	case FlowControlClosed:
		return "FLOW_CONTROL_CLOSED"
	case MessageTooLarge:
		return "MESSAGE_TOO_LARGE"
	case NotEnoughQuota:
		return "NOT_ENOUGH_QUOTA_AVAILABLE"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

type (
	// Decision is a Result together with the channel status it was based on.
	Decision struct {
		Result Result
		Status model.RelayStatus
	}

	ChannelGetter interface {
		GetChannel(ctx context.Context, id string) (*model.Channel, error)
	}

	// Gate answers admission questions from the store without reserving.
	Gate struct {
		channels ChannelGetter
		now      func() time.Time
	}
)

// Evaluate checks, in order, whether the channel is closed, flow control is
// closed, the message is larger than allowed, or the remaining quota is too
// small.
func Evaluate(ch *model.Channel, length int64, now time.Time) Decision {
	d := Decision{Status: ch.RelayStatus(now)}
	q := ch.Quota
	switch {
	case !ch.IsOpen(now):
		d.Result = ChannelClosed
	case q.ReceiverStatus == model.FlowClosed:
		d.Result = FlowControlClosed
	case ch.MaxMessageBytes() > 0 && length > ch.MaxMessageBytes():
		d.Result = MessageTooLarge
	case length > q.ReceiveLimit.HighMarkBytes-q.UndeliveredBytes:
		d.Result = NotEnoughQuota
	}
	return d
}

func (d Decision) Admitted() bool {
	return d.Result == OK
}

// Err is nil for an admitted message.
func (d Decision) Err() *model.RelayError {
	if d.Result == OK {
		return nil
	}
	return model.NewRelayError(codes[d.Result], "%s", d.Result)
}

func NewGate(channels ChannelGetter, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{channels: channels, now: now}
}

// Admit evaluates a message of length bytes against the current state of
// the channel. The store reserves quota later, when the message is complete.
func (g *Gate) Admit(ctx context.Context, channelID string, length int64) (Decision, error) {
	ch, err := g.channels.GetChannel(ctx, channelID)
	if err != nil {
		return Decision{}, fmt.Errorf("load channel %s: %w", channelID, err)
	}
	if ch == nil {
		return Decision{}, model.NewRelayError(model.ChannelNotFound, "channel %s", channelID)
	}
	return Evaluate(ch, length, g.now()), nil
}
