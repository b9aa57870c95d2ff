package sender

import (
	"tdmx_relay/internal/credential"
	"tdmx_relay/internal/cryptographic/dh"
	"tdmx_relay/internal/cryptographic/scheme"
	"tdmx_relay/internal/model"
	"time"

	"github.com/google/uuid"
)

// SignPermission is what a domain administrator publishes for its side of
// a channel.
func SignPermission(admin *credential.Issuer, name model.ChannelName, side model.Side, grant model.Grant, maxPlaintext int64, validUntil, now time.Time) (*model.EndpointPermission, error) {
	chain, err := admin.EncodedChain()
	if err != nil {
		return nil, err
	}
	p := &model.EndpointPermission{
		Grant:                 grant,
		MaxPlaintextSizeBytes: maxPlaintext,
		ValidUntil:            validUntil,
		Signature:             &model.AdministratorSignature{Credential: chain, SignedAt: now},
	}
	if p.Signature.Signature, err = admin.Sign(p.Content(name, side)); err != nil {
		return nil, err
	}
	return p, nil
}

// NewDestinationSession generates a fresh session key pair for a receiving
// user. The private half stays with the receiver.
func NewDestinationSession(user *credential.Issuer, serviceName, schemeID string, validUntil, now time.Time) (*model.DestinationSession, []byte, error) {
	if _, err := scheme.Lookup(schemeID); err != nil {
		return nil, nil, err
	}
	priv, pub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, nil, err
	}
	chain, err := user.EncodedChain()
	if err != nil {
		return nil, nil, err
	}
	ds := &model.DestinationSession{
		EncryptionContextID: uuid.NewString(),
		Scheme:              schemeID,
		SessionKey:          pub,
		ValidUntil:          validUntil,
		Signature:           &model.UserSignature{Credential: chain, SignedAt: now},
	}
	if ds.Signature.Signature, err = user.Sign(ds.Content(serviceName)); err != nil {
		return nil, nil, err
	}
	return ds, priv, nil
}

// NewReceipt acknowledges a committed message back to its origin.
func NewReceipt(user *credential.Issuer, msg *model.ChannelMessage, now time.Time) (*model.DeliveryReceipt, error) {
	chain, err := user.EncodedChain()
	if err != nil {
		return nil, err
	}
	r := &model.DeliveryReceipt{
		MsgID:       msg.ID,
		MacOfMacs:   msg.Payload.MacOfMacs,
		DeliveredAt: now,
		Signature:   &model.UserSignature{Credential: chain, SignedAt: now},
	}
	if r.Signature.Signature, err = user.Sign(r.Content()); err != nil {
		return nil, err
	}
	return r, nil
}
