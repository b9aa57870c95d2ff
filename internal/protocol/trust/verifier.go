// Package trust verifies the signed channel state and messages a peer
// domain relays in, and anchors the signers' roots.
package trust

import (
	"context"
	"fmt"
	"tdmx_relay/internal/credential"
	"tdmx_relay/internal/cryptographic/signature"
	"tdmx_relay/internal/model"
	"tdmx_relay/internal/utils/log"

	"go.uber.org/zap"
)

type (
	CredentialFactory interface {
		Decode(chain []byte) (*credential.Descriptor, error)
	}

	CredentialValidator interface {
		IsValid(d *credential.Descriptor) bool
	}

	// TrustAnchors answers with the root fingerprint a domain publishes.
	TrustAnchors interface {
		RootFingerprint(ctx context.Context, domain string) (string, bool, error)
	}

	// TrustHistory remembers the last root that passed verification for
	// each domain.
	TrustHistory interface {
		RecordedRoot(ctx context.Context, domain string) (string, bool, error)
		RecordRoot(ctx context.Context, domain, fingerprint string) error
	}

	Verifier struct {
		factory   CredentialFactory
		validator CredentialValidator
		anchors   TrustAnchors
		history   TrustHistory
	}

	// MessageSigners are the verified credentials named in a message header.
	MessageSigners struct {
		From *credential.Descriptor
		To   *credential.Descriptor
	}
)

func NewVerifier(factory CredentialFactory, validator CredentialValidator, anchors TrustAnchors, history TrustHistory) *Verifier {
	return &Verifier{
		factory:   factory,
		validator: validator,
		anchors:   anchors,
		history:   history,
	}
}

// VerifyPermission checks a permission a peer administrator signed for one
// end of channel.
func (v *Verifier) VerifyPermission(ctx context.Context, channel model.ChannelName, side model.Side, perm *model.EndpointPermission) (*credential.Descriptor, error) {
	if perm == nil || perm.Signature == nil || len(perm.Signature.Credential) == 0 || len(perm.Signature.Signature) == 0 {
		return nil, model.NewRelayError(model.InvalidEndpointPermission, "missing permission signature")
	}
	if perm.Grant != model.GrantAllow && perm.Grant != model.GrantDeny {
		return nil, model.NewRelayError(model.InvalidEndpointPermission, "grant %q", perm.Grant)
	}
	if !channel.IsComplete() {
		return nil, model.NewRelayError(model.InvalidEndpointPermission, "incomplete channel name")
	}

	signer, err := v.factory.Decode(perm.Signature.Credential)
	if err != nil {
		return nil, model.NewRelayError(model.InvalidDomainAdministratorCredentials, "%v", err)
	}
	ok, err := signature.VerifyCanonical(signer.PublicKey(), perm.Content(channel, side), perm.Signature.Signature)
	if err != nil {
		return nil, fmt.Errorf("encode permission: %w", err)
	}
	if !ok {
		return nil, model.NewRelayError(model.InvalidSignatureEndpointPermission, "%s permission of %s", side, channel)
	}

	domain := channel.Endpoint(side).Domain
	if signer.Kind() != credential.KindDomainAdministrator || signer.Domain() != domain || !v.validator.IsValid(signer) {
		return nil, model.NewRelayError(model.InvalidDomainAdministratorCredentials, "%s %s/%d for %s", signer.Kind(), signer.Domain(), signer.Serial(), domain)
	}
	if err := v.anchor(ctx, signer); err != nil {
		return nil, err
	}
	return signer, nil
}

// VerifyDestinationSession checks a session a receiving user signed for
// serviceName.
func (v *Verifier) VerifyDestinationSession(ctx context.Context, serviceName string, session *model.DestinationSession) (*credential.Descriptor, error) {
	if session == nil || session.EncryptionContextID == "" || session.Scheme == "" || len(session.SessionKey) == 0 {
		return nil, model.NewRelayError(model.InvalidDestinationSession, "incomplete session")
	}
	if session.Signature == nil || len(session.Signature.Credential) == 0 || len(session.Signature.Signature) == 0 {
		return nil, model.NewRelayError(model.InvalidDestinationSession, "missing session signature")
	}
	if serviceName == "" {
		return nil, model.NewRelayError(model.InvalidDestinationSession, "missing service name")
	}

	signer, err := v.factory.Decode(session.Signature.Credential)
	if err != nil {
		return nil, model.NewRelayError(model.InvalidUserCredentials, "%v", err)
	}
	ok, err := signature.VerifyCanonical(signer.PublicKey(), session.Content(serviceName), session.Signature.Signature)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	if !ok {
		return nil, model.NewRelayError(model.InvalidSignatureDestinationSession, "session %s for %s", session.EncryptionContextID, serviceName)
	}
	if err := v.requireUser(signer); err != nil {
		return nil, err
	}
	if err := v.anchor(ctx, signer); err != nil {
		return nil, err
	}
	return signer, nil
}

// VerifyMessage checks a message header before any of its chunks is taken.
func (v *Verifier) VerifyMessage(ctx context.Context, msg *model.RelayMessage) (*MessageSigners, error) {
	if msg == nil || msg.Header.MsgID == "" {
		return nil, model.NewRelayError(model.InvalidMsgId, "missing message id")
	}
	p := msg.Payload
	if p.NumberOfChunks < 1 || p.PayloadLength < 0 || len(p.MacOfMacs) == 0 || p.Scheme == "" {
		return nil, model.NewRelayError(model.InvalidMessagePayload, "message %s", msg.Header.MsgID)
	}
	if len(msg.Header.UserSignature) == 0 {
		return nil, model.NewRelayError(model.InvalidSignatureMessage, "message %s is unsigned", msg.Header.MsgID)
	}

	from, err := v.factory.Decode(msg.Header.From)
	if err != nil {
		return nil, model.NewRelayError(model.InvalidUserCredentials, "sender: %v", err)
	}
	ok, err := signature.VerifyCanonical(from.PublicKey(), msg.Content(), msg.Header.UserSignature)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if !ok {
		return nil, model.NewRelayError(model.InvalidSignatureMessage, "message %s", msg.Header.MsgID)
	}
	if err := v.requireUser(from); err != nil {
		return nil, err
	}
	if from.Domain() != msg.Header.Channel.Origin.Domain {
		return nil, model.NewRelayError(model.ChannelOriginUserDomainMismatch, "sender in %s, channel origin %s", from.Domain(), msg.Header.Channel.Origin.Domain)
	}

	to, err := v.factory.Decode(msg.Header.To)
	if err != nil {
		return nil, model.NewRelayError(model.InvalidUserCredentials, "receiver: %v", err)
	}
	if err := v.requireUser(to); err != nil {
		return nil, err
	}
	if to.Domain() != msg.Header.Channel.Destination.Domain {
		return nil, model.NewRelayError(model.ChannelDestinationUserDomainMismatch, "receiver in %s, channel destination %s", to.Domain(), msg.Header.Channel.Destination.Domain)
	}

	if err := v.anchor(ctx, from); err != nil {
		return nil, err
	}
	if err := v.anchor(ctx, to); err != nil {
		return nil, err
	}
	return &MessageSigners{From: from, To: to}, nil
}

// VerifyReceipt checks a delivery receipt signed by the receiving user of
// channel.
func (v *Verifier) VerifyReceipt(ctx context.Context, channel model.ChannelName, receipt *model.DeliveryReceipt) (*credential.Descriptor, error) {
	if receipt == nil || receipt.MsgID == "" || len(receipt.MacOfMacs) == 0 ||
		receipt.Signature == nil || len(receipt.Signature.Credential) == 0 {
		return nil, model.NewRelayError(model.InvalidDeliveryReceipt, "incomplete receipt")
	}
	signer, err := v.factory.Decode(receipt.Signature.Credential)
	if err != nil {
		return nil, model.NewRelayError(model.InvalidUserCredentials, "%v", err)
	}
	ok, err := signature.VerifyCanonical(signer.PublicKey(), receipt.Content(), receipt.Signature.Signature)
	if err != nil {
		return nil, fmt.Errorf("encode receipt: %w", err)
	}
	if !ok {
		return nil, model.NewRelayError(model.InvalidDeliveryReceipt, "bad signature on receipt for %s", receipt.MsgID)
	}
	if err := v.requireUser(signer); err != nil {
		return nil, err
	}
	if signer.Domain() != channel.Destination.Domain {
		return nil, model.NewRelayError(model.ChannelDestinationUserDomainMismatch, "receipt signed in %s", signer.Domain())
	}
	if err := v.anchor(ctx, signer); err != nil {
		return nil, err
	}
	return signer, nil
}

func (v *Verifier) requireUser(d *credential.Descriptor) error {
	if d.Kind() != credential.KindUser || !v.validator.IsValid(d) {
		return model.NewRelayError(model.InvalidUserCredentials, "%s %s/%d", d.Kind(), d.Domain(), d.Serial())
	}
	return nil
}

// anchor accepts the signer's root when it matches the DNS anchor or the
// root previously trusted for the domain. Only when both fail is the root
// distrusted.
func (v *Verifier) anchor(ctx context.Context, d *credential.Descriptor) error {
	domain := d.Domain()
	fp := d.RootFingerprint

	published, found, err := v.anchors.RootFingerprint(ctx, domain)
	if err != nil {
		return fmt.Errorf("lookup trust anchor for %s: %w", domain, err)
	}
	dnsOK := found && published == fp
	if !dnsOK {
		log.Warn("root fingerprint does not match trust anchor",
			zap.String("domain", domain),
			zap.String("root", fp),
			zap.String("anchor", published),
		)
	}

	recorded, known, err := v.history.RecordedRoot(ctx, domain)
	if err != nil {
		return fmt.Errorf("load trusted root for %s: %w", domain, err)
	}
	historyOK := known && recorded == fp

	if !dnsOK && !historyOK {
		return model.NewRelayError(model.NonTrustedDomainRoot, "root %s of %s", fp, domain)
	}
	if !historyOK {
		if err := v.history.RecordRoot(ctx, domain, fp); err != nil {
			return fmt.Errorf("record trusted root for %s: %w", domain, err)
		}
	}
	return nil
}
