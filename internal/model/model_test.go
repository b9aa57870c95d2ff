package model_test

import (
	"errors"
	"fmt"
	"tdmx_relay/internal/model"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	e, err := model.ParseEndpoint("bob@b.example#chat")
	require.NoError(t, err)
	assert.Equal(t, model.ChannelEndpoint{LocalName: "bob", Domain: "b.example", ServiceName: "chat"}, e)
	assert.Equal(t, "bob@b.example#chat", e.String())

	e, err = model.ParseEndpoint("alice@a.example")
	require.NoError(t, err)
	assert.Empty(t, e.ServiceName)

	for _, bad := range []string{"", "alice", "@a.example", "alice@", "#chat"} {
		_, err := model.ParseEndpoint(bad)
		assert.Error(t, err, bad)
	}
}

func TestSides(t *testing.T) {
	n := model.ChannelName{
		Origin:      model.ChannelEndpoint{LocalName: "alice", Domain: "a.example"},
		Destination: model.ChannelEndpoint{LocalName: "bob", Domain: "b.example", ServiceName: "chat"},
	}
	assert.True(t, n.IsComplete())
	assert.Equal(t, model.SideDestination, n.LocalSide("b.example"))
	assert.Equal(t, model.SideOrigin, n.PeerSide("b.example"))
	assert.Equal(t, model.SideOrigin, n.LocalSide("a.example"))
	assert.Equal(t, n.Origin, n.Endpoint(model.SideOrigin))

	n.Destination.ServiceName = ""
	assert.False(t, n.IsComplete())
}

func TestQuotaHysteresis(t *testing.T) {
	q := model.FlowQuota{
		ReceiveLimit:   model.FlowLimit{HighMarkBytes: 100, LowMarkBytes: 20},
		ReceiverStatus: model.FlowOpen,
	}
	q.Reserve(60)
	assert.Equal(t, model.FlowOpen, q.ReceiverStatus)
	q.Reserve(40)
	assert.Equal(t, model.FlowClosed, q.ReceiverStatus)

	q.Release(50)
	assert.Equal(t, model.FlowClosed, q.ReceiverStatus, "stays closed above the low mark")
	q.Release(30)
	assert.Equal(t, model.FlowOpen, q.ReceiverStatus)
	q.Release(500)
	assert.Zero(t, q.UndeliveredBytes)
}

func TestChannelOpenNeedsBothSides(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	allow := &model.EndpointPermission{Grant: model.GrantAllow, ValidUntil: now.Add(time.Hour)}
	ch := &model.Channel{Authorization: &model.ChannelAuthorization{Origin: allow}}
	assert.False(t, ch.IsOpen(now))

	ch.Authorization.ApplyPermission(model.SideDestination, allow)
	assert.True(t, ch.IsOpen(now))
	assert.False(t, ch.IsOpen(now.Add(2*time.Hour)), "expired permission")

	ch.Authorization.SetUnconfirmed(model.SideOrigin, &model.EndpointPermission{Grant: model.GrantDeny})
	ch.Authorization.ApplyPermission(model.SideOrigin, &model.EndpointPermission{Grant: model.GrantDeny})
	assert.Nil(t, ch.Authorization.UnconfirmedOrigin)
	assert.False(t, ch.IsOpen(now))
}

func TestRelayErrorClasses(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", model.NewRelayError(model.ReceiveFlowControlClosed, "quota at %d", 10))
	re, ok := model.AsRelayError(err)
	require.True(t, ok)
	assert.Equal(t, model.ClassAdmission, re.Class)
	assert.True(t, re.Retryable())
	assert.True(t, model.HasCode(err, model.ReceiveFlowControlClosed))

	assert.False(t, model.NewRelayError(model.NonTrustedDomainRoot, "").Retryable())
	assert.Equal(t, "NonTrustedDomainRoot", model.NewRelayError(model.NonTrustedDomainRoot, "").Error())
	assert.False(t, model.HasCode(errors.New("plain"), model.InvalidMsgId))
}
