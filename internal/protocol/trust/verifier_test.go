package trust_test

import (
	"context"
	"tdmx_relay/internal/credential"
	"tdmx_relay/internal/model"
	"tdmx_relay/internal/protocol/trust"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	now     = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	channel = model.ChannelName{
		Origin:      model.ChannelEndpoint{LocalName: "alice", Domain: "a.example", ServiceName: "chat"},
		Destination: model.ChannelEndpoint{LocalName: "bob", Domain: "b.example", ServiceName: "chat"},
	}
)

type (
	domainKeys struct {
		root, admin, user *credential.Issuer
		fp                string
	}

	history map[string]string
)

func (h history) RecordedRoot(_ context.Context, domain string) (string, bool, error) {
	fp, ok := h[domain]
	return fp, ok, nil
}

func (h history) RecordRoot(_ context.Context, domain, fp string) error {
	h[domain] = fp
	return nil
}

func newDomain(t *testing.T, domain, user string) *domainKeys {
	t.Helper()
	nb, na := now.Add(-time.Hour), now.Add(24*time.Hour)
	root, err := credential.NewAuthority(domain, 1, nb, na)
	require.NoError(t, err)
	admin, err := root.Issue(credential.KindDomainAdministrator, "admin", 2, nb, na)
	require.NoError(t, err)
	u, err := admin.Issue(credential.KindUser, user, 3, nb, na)
	require.NoError(t, err)
	fp, err := credential.Fingerprint(root.Credential)
	require.NoError(t, err)
	return &domainKeys{root: root, admin: admin, user: u, fp: fp}
}

func chain(t *testing.T, i *credential.Issuer) []byte {
	t.Helper()
	data, err := i.EncodedChain()
	require.NoError(t, err)
	return data
}

func newVerifier(h history, anchors map[string]string) *trust.Verifier {
	return trust.NewVerifier(
		credential.NewFactory(),
		credential.NewValidator(func() time.Time { return now }),
		credential.NewStaticAnchors(anchors),
		h,
	)
}

func signedPermission(t *testing.T, signer *credential.Issuer, side model.Side) *model.EndpointPermission {
	t.Helper()
	p := &model.EndpointPermission{
		Grant:                 model.GrantAllow,
		MaxPlaintextSizeBytes: 1 << 20,
		ValidUntil:            now.Add(time.Hour),
		Signature:             &model.AdministratorSignature{Credential: chain(t, signer), SignedAt: now},
	}
	sig, err := signer.Sign(p.Content(channel, side))
	require.NoError(t, err)
	p.Signature.Signature = sig
	return p
}

func relayCode(t *testing.T, err error) model.ErrorCode {
	t.Helper()
	re, ok := model.AsRelayError(err)
	require.True(t, ok, "expected relay error, got %v", err)
	return re.Code
}

func TestVerifyPermission(t *testing.T) {
	a := newDomain(t, "a.example", "alice")
	h := history{}
	v := newVerifier(h, map[string]string{"a.example": a.fp})

	d, err := v.VerifyPermission(context.Background(), channel, model.SideOrigin, signedPermission(t, a.admin, model.SideOrigin))
	require.NoError(t, err)
	assert.Equal(t, credential.KindDomainAdministrator, d.Kind())
	assert.Equal(t, a.fp, h["a.example"], "verified root is recorded")
}

func TestVerifyPermissionRejections(t *testing.T) {
	a := newDomain(t, "a.example", "alice")
	b := newDomain(t, "b.example", "bob")
	anchors := map[string]string{"a.example": a.fp, "b.example": b.fp}

	cases := map[string]struct {
		perm func() *model.EndpointPermission
		side model.Side
		code model.ErrorCode
	}{
		"missing signature": {
			perm: func() *model.EndpointPermission { return &model.EndpointPermission{Grant: model.GrantAllow} },
			side: model.SideOrigin, code: model.InvalidEndpointPermission,
		},
		"bound to other side": {
			perm: func() *model.EndpointPermission { return signedPermission(t, a.admin, model.SideDestination) },
			side: model.SideOrigin, code: model.InvalidSignatureEndpointPermission,
		},
		"tampered grant": {
			perm: func() *model.EndpointPermission {
				p := signedPermission(t, a.admin, model.SideOrigin)
				p.MaxPlaintextSizeBytes++
				return p
			},
			side: model.SideOrigin, code: model.InvalidSignatureEndpointPermission,
		},
		"user instead of administrator": {
			perm: func() *model.EndpointPermission { return signedPermission(t, a.user, model.SideOrigin) },
			side: model.SideOrigin, code: model.InvalidDomainAdministratorCredentials,
		},
		"administrator of the other domain": {
			perm: func() *model.EndpointPermission { return signedPermission(t, b.admin, model.SideOrigin) },
			side: model.SideOrigin, code: model.InvalidDomainAdministratorCredentials,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			v := newVerifier(history{}, anchors)
			_, err := v.VerifyPermission(context.Background(), channel, tc.side, tc.perm())
			assert.Equal(t, tc.code, relayCode(t, err))
		})
	}
}

func TestExpiredAdministratorRejected(t *testing.T) {
	root, err := credential.NewAuthority("a.example", 1, now.Add(-48*time.Hour), now.Add(48*time.Hour))
	require.NoError(t, err)
	admin, err := root.Issue(credential.KindDomainAdministrator, "admin", 2, now.Add(-48*time.Hour), now.Add(-time.Hour))
	require.NoError(t, err)
	fp, _ := credential.Fingerprint(root.Credential)

	v := newVerifier(history{}, map[string]string{"a.example": fp})
	_, err = v.VerifyPermission(context.Background(), channel, model.SideOrigin, signedPermission(t, admin, model.SideOrigin))
	assert.Equal(t, model.InvalidDomainAdministratorCredentials, relayCode(t, err))
}

func TestRootAnchoring(t *testing.T) {
	a := newDomain(t, "a.example", "alice")
	rolled := newDomain(t, "a.example", "alice")
	ctx := context.Background()

	t.Run("no anchor and no history distrusts", func(t *testing.T) {
		v := newVerifier(history{}, nil)
		_, err := v.VerifyPermission(ctx, channel, model.SideOrigin, signedPermission(t, a.admin, model.SideOrigin))
		assert.Equal(t, model.NonTrustedDomainRoot, relayCode(t, err))
	})

	t.Run("anchor mismatch with continuity only warns", func(t *testing.T) {
		h := history{"a.example": a.fp}
		v := newVerifier(h, map[string]string{"a.example": rolled.fp})
		_, err := v.VerifyPermission(ctx, channel, model.SideOrigin, signedPermission(t, a.admin, model.SideOrigin))
		require.NoError(t, err)
		assert.Equal(t, a.fp, h["a.example"])
	})

	t.Run("anchor match updates history after rollover", func(t *testing.T) {
		h := history{"a.example": a.fp}
		v := newVerifier(h, map[string]string{"a.example": rolled.fp})
		_, err := v.VerifyPermission(ctx, channel, model.SideOrigin, signedPermission(t, rolled.admin, model.SideOrigin))
		require.NoError(t, err)
		assert.Equal(t, rolled.fp, h["a.example"])
	})

	t.Run("both fail", func(t *testing.T) {
		h := history{"a.example": a.fp}
		v := newVerifier(h, map[string]string{"a.example": a.fp})
		_, err := v.VerifyPermission(ctx, channel, model.SideOrigin, signedPermission(t, rolled.admin, model.SideOrigin))
		assert.Equal(t, model.NonTrustedDomainRoot, relayCode(t, err))
		assert.Equal(t, a.fp, h["a.example"])
	})
}

func signedSession(t *testing.T, signer *credential.Issuer, service string) *model.DestinationSession {
	t.Helper()
	s := &model.DestinationSession{
		EncryptionContextID: "ctx-1",
		Scheme:              "x25519-hkdf-aes256gcm",
		SessionKey:          make([]byte, 32),
		ValidUntil:          now.Add(time.Hour),
		Signature:           &model.UserSignature{Credential: chain(t, signer), SignedAt: now},
	}
	sig, err := signer.Sign(s.Content(service))
	require.NoError(t, err)
	s.Signature.Signature = sig
	return s
}

func TestVerifyDestinationSession(t *testing.T) {
	b := newDomain(t, "b.example", "bob")
	v := newVerifier(history{}, map[string]string{"b.example": b.fp})
	ctx := context.Background()

	d, err := v.VerifyDestinationSession(ctx, "chat", signedSession(t, b.user, "chat"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), d.Serial())

	_, err = v.VerifyDestinationSession(ctx, "mail", signedSession(t, b.user, "chat"))
	assert.Equal(t, model.InvalidSignatureDestinationSession, relayCode(t, err))

	_, err = v.VerifyDestinationSession(ctx, "chat", signedSession(t, b.admin, "chat"))
	assert.Equal(t, model.InvalidUserCredentials, relayCode(t, err))

	incomplete := signedSession(t, b.user, "chat")
	incomplete.SessionKey = nil
	_, err = v.VerifyDestinationSession(ctx, "chat", incomplete)
	assert.Equal(t, model.InvalidDestinationSession, relayCode(t, err))
}

func signedMessage(t *testing.T, from, to *credential.Issuer, name model.ChannelName) *model.RelayMessage {
	t.Helper()
	m := &model.RelayMessage{
		Header: model.MessageHeader{
			MsgID:   "msg-1",
			Channel: name,
			From:    chain(t, from),
			To:      chain(t, to),
			SentAt:  now,
		},
		Payload: model.MessagePayload{NumberOfChunks: 1, PayloadLength: 3, MacOfMacs: []byte{1}, Scheme: "s"},
	}
	sig, err := from.Sign(m.Content())
	require.NoError(t, err)
	m.Header.UserSignature = sig
	return m
}

func TestVerifyMessage(t *testing.T) {
	a := newDomain(t, "a.example", "alice")
	b := newDomain(t, "b.example", "bob")
	c := newDomain(t, "c.example", "carol")
	anchors := map[string]string{"a.example": a.fp, "b.example": b.fp, "c.example": c.fp}
	ctx := context.Background()

	v := newVerifier(history{}, anchors)
	signers, err := v.VerifyMessage(ctx, signedMessage(t, a.user, b.user, channel))
	require.NoError(t, err)
	assert.Equal(t, "a.example", signers.From.Domain())
	assert.Equal(t, "b.example", signers.To.Domain())

	tampered := signedMessage(t, a.user, b.user, channel)
	tampered.Payload.PayloadLength = 4
	_, err = v.VerifyMessage(ctx, tampered)
	assert.Equal(t, model.InvalidSignatureMessage, relayCode(t, err))

	_, err = v.VerifyMessage(ctx, signedMessage(t, c.user, b.user, channel))
	assert.Equal(t, model.ChannelOriginUserDomainMismatch, relayCode(t, err))

	_, err = v.VerifyMessage(ctx, signedMessage(t, a.user, c.user, channel))
	assert.Equal(t, model.ChannelDestinationUserDomainMismatch, relayCode(t, err))

	noID := signedMessage(t, a.user, b.user, channel)
	noID.Header.MsgID = ""
	_, err = v.VerifyMessage(ctx, noID)
	assert.Equal(t, model.InvalidMsgId, relayCode(t, err))

	_, err = v.VerifyMessage(ctx, signedMessage(t, a.admin, b.user, channel))
	assert.Equal(t, model.InvalidUserCredentials, relayCode(t, err))
}

func TestVerifyReceipt(t *testing.T) {
	b := newDomain(t, "b.example", "bob")
	v := newVerifier(history{}, map[string]string{"b.example": b.fp})

	r := &model.DeliveryReceipt{MsgID: "msg-1", MacOfMacs: []byte{1}, DeliveredAt: now}
	r.Signature = &model.UserSignature{Credential: chain(t, b.user), SignedAt: now}
	sig, err := b.user.Sign(r.Content())
	require.NoError(t, err)
	r.Signature.Signature = sig

	_, err = v.VerifyReceipt(context.Background(), channel, r)
	require.NoError(t, err)

	r.MsgID = "msg-2"
	_, err = v.VerifyReceipt(context.Background(), channel, r)
	assert.Equal(t, model.InvalidDeliveryReceipt, relayCode(t, err))
}
