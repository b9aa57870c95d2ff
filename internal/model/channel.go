package model

import (
	"fmt"
	"strings"
	"time"
)

type (
	FlowControlStatus string
	Grant             string
	Side              string
)

const (
	FlowOpen   FlowControlStatus = "OPEN"
	FlowClosed FlowControlStatus = "CLOSED"

	GrantAllow Grant = "ALLOW"
	GrantDeny  Grant = "DENY"

	SideOrigin      Side = "ORIGIN"
	SideDestination Side = "DESTINATION"
)

type (
	// ChannelEndpoint addresses one end of a channel: a user within a domain
	// talking to a service.
	ChannelEndpoint struct {
		LocalName   string `json:"localName" bson:"local_name" cbor:"1,keyasint"`
		Domain      string `json:"domain" bson:"domain" cbor:"2,keyasint"`
		ServiceName string `json:"serviceName" bson:"service_name" cbor:"3,keyasint"`
	}

	ChannelName struct {
		Origin      ChannelEndpoint `json:"origin" bson:"origin" cbor:"1,keyasint"`
		Destination ChannelEndpoint `json:"destination" bson:"destination" cbor:"2,keyasint"`
	}

	FlowLimit struct {
		HighMarkBytes int64 `json:"highMarkBytes" bson:"high_mark_bytes"`
		LowMarkBytes  int64 `json:"lowMarkBytes" bson:"low_mark_bytes"`
	}

	// FlowQuota tracks the bytes relayed into this domain but not yet
	// delivered to the final receiver.
	FlowQuota struct {
		ReceiveLimit     FlowLimit         `json:"receiveLimit" bson:"receive_limit"`
		UndeliveredBytes int64             `json:"undeliveredBytes" bson:"undelivered_bytes"`
		ReceiverStatus   FlowControlStatus `json:"receiverStatus" bson:"receiver_status"`
	}

	// RelayStatus is the back-pressure signal handed to a sending peer.
	RelayStatus struct {
		ChannelOpen      bool              `json:"channelOpen"`
		FlowControl      FlowControlStatus `json:"flowControl"`
		UndeliveredBytes int64             `json:"undeliveredBytes"`
		HighMarkBytes    int64             `json:"highMarkBytes"`
	}

	AdministratorSignature struct {
		// Credential is the encoded credential chain of the signing administrator.
		Credential []byte    `json:"credential" bson:"credential"`
		Signature  []byte    `json:"signature" bson:"signature"`
		SignedAt   time.Time `json:"signedAt" bson:"signed_at"`
	}

	EndpointPermission struct {
		Grant                 Grant                   `json:"grant" bson:"grant"`
		MaxPlaintextSizeBytes int64                   `json:"maxPlaintextSizeBytes" bson:"max_plaintext_size_bytes"`
		ValidUntil            time.Time               `json:"validUntil" bson:"valid_until"`
		Signature             *AdministratorSignature `json:"signature" bson:"signature"`
	}

	// ChannelAuthorization holds the confirmed permissions of both ends plus
	// the latest permission relayed by the peer that a local administrator
	// has not confirmed yet.
	ChannelAuthorization struct {
		Origin                 *EndpointPermission `json:"origin,omitempty" bson:"origin,omitempty"`
		Destination            *EndpointPermission `json:"destination,omitempty" bson:"destination,omitempty"`
		UnconfirmedOrigin      *EndpointPermission `json:"unconfirmedOrigin,omitempty" bson:"unconfirmed_origin,omitempty"`
		UnconfirmedDestination *EndpointPermission `json:"unconfirmedDestination,omitempty" bson:"unconfirmed_destination,omitempty"`
		MaxMessageBytes        int64               `json:"maxMessageBytes" bson:"max_message_bytes"`
	}

	UserSignature struct {
		Credential []byte    `json:"credential" bson:"credential"`
		Signature  []byte    `json:"signature" bson:"signature"`
		SignedAt   time.Time `json:"signedAt" bson:"signed_at"`
	}

	// DestinationSession binds a service's current decryption context to the
	// receiving user who published it.
	DestinationSession struct {
		EncryptionContextID string         `json:"encryptionContextId" bson:"encryption_context_id"`
		Scheme              string         `json:"scheme" bson:"scheme"`
		SessionKey          []byte         `json:"sessionKey" bson:"session_key"`
		ValidUntil          time.Time      `json:"validUntil" bson:"valid_until"`
		Signature           *UserSignature `json:"signature" bson:"signature"`
		// SignerSerial is filled in by the relay after the signature checks out.
		SignerSerial int64 `json:"signerSerial,omitempty" bson:"signer_serial"`
	}

	Channel struct {
		ID            string                `json:"id" bson:"_id"`
		Name          ChannelName           `json:"name" bson:"name"`
		Authorization *ChannelAuthorization `json:"authorization,omitempty" bson:"authorization,omitempty"`
		Session       *DestinationSession   `json:"session,omitempty" bson:"session,omitempty"`
		Quota         FlowQuota             `json:"quota" bson:"quota"`
		// PeerStatus is the receive status last reported by the destination
		// domain, used to throttle local senders.
		PeerStatus *RelayStatus `json:"peerStatus,omitempty" bson:"peer_status,omitempty"`
	}

	// TemporaryChannel is a placeholder for a channel a peer relays into
	// before it has been authorized locally.
	TemporaryChannel struct {
		ID         string              `json:"id" bson:"_id"`
		Name       ChannelName         `json:"name" bson:"name"`
		Permission *EndpointPermission `json:"permission,omitempty" bson:"permission,omitempty"`
		Side       Side                `json:"side,omitempty" bson:"side,omitempty"`
		CreatedAt  time.Time           `json:"createdAt" bson:"created_at"`
	}

	// ChannelRef is how sessions point at a channel without owning it.
	ChannelRef struct {
		ID        string
		Temporary bool
	}
)

func (e ChannelEndpoint) String() string {
	if e.ServiceName == "" {
		return fmt.Sprintf("%s@%s", e.LocalName, e.Domain)
	}
	return fmt.Sprintf("%s@%s#%s", e.LocalName, e.Domain, e.ServiceName)
}

// ParseEndpoint reads the user@domain#service form produced by String.
// The service part is optional.
func ParseEndpoint(s string) (ChannelEndpoint, error) {
	var e ChannelEndpoint
	rest, service, _ := strings.Cut(s, "#")
	local, domain, ok := strings.Cut(rest, "@")
	if !ok || local == "" || domain == "" {
		return e, fmt.Errorf("malformed endpoint %q", s)
	}
	e.LocalName, e.Domain, e.ServiceName = local, domain, service
	return e, nil
}

func (n ChannelName) String() string {
	return n.Origin.String() + "->" + n.Destination.String()
}

func (n ChannelName) IsComplete() bool {
	return n.Origin.LocalName != "" && n.Origin.Domain != "" &&
		n.Destination.LocalName != "" && n.Destination.Domain != "" &&
		n.Destination.ServiceName != ""
}

// PeerSide returns the end of the channel owned by the other domain.
func (n ChannelName) PeerSide(localDomain string) Side {
	if n.Destination.Domain == localDomain {
		return SideOrigin
	}
	return SideDestination
}

func (n ChannelName) LocalSide(localDomain string) Side {
	if n.Destination.Domain == localDomain {
		return SideDestination
	}
	return SideOrigin
}

func (n ChannelName) Endpoint(side Side) ChannelEndpoint {
	if side == SideOrigin {
		return n.Origin
	}
	return n.Destination
}

// IsReceiving reports whether the local domain is the destination of the channel.
func (c *Channel) IsReceiving(localDomain string) bool {
	return c.Name.Destination.Domain == localDomain
}

// IsOpen holds when both confirmed permissions allow the channel.
func (c *Channel) IsOpen(now time.Time) bool {
	a := c.Authorization
	if a == nil || a.Origin == nil || a.Destination == nil {
		return false
	}
	return a.Origin.allows(now) && a.Destination.allows(now)
}

func (c *Channel) MaxMessageBytes() int64 {
	if c.Authorization == nil {
		return 0
	}
	return c.Authorization.MaxMessageBytes
}

func (c *Channel) RelayStatus(now time.Time) RelayStatus {
	return RelayStatus{
		ChannelOpen:      c.IsOpen(now),
		FlowControl:      c.Quota.ReceiverStatus,
		UndeliveredBytes: c.Quota.UndeliveredBytes,
		HighMarkBytes:    c.Quota.ReceiveLimit.HighMarkBytes,
	}
}

func (p *EndpointPermission) allows(now time.Time) bool {
	if p.Grant != GrantAllow {
		return false
	}
	return p.ValidUntil.IsZero() || now.Before(p.ValidUntil)
}

// SetUnconfirmed records the permission a local administrator requested for
// the peer's end until the peer relays its own signed decision.
func (a *ChannelAuthorization) SetUnconfirmed(side Side, p *EndpointPermission) {
	if side == SideOrigin {
		a.UnconfirmedOrigin = p
		return
	}
	a.UnconfirmedDestination = p
}

// ApplyPermission installs a signed permission for side and drops whatever
// unconfirmed request was pending for it.
func (a *ChannelAuthorization) ApplyPermission(side Side, p *EndpointPermission) {
	if side == SideOrigin {
		a.Origin = p
		a.UnconfirmedOrigin = nil
		return
	}
	a.Destination = p
	a.UnconfirmedDestination = nil
}

func (a *ChannelAuthorization) Permission(side Side) *EndpointPermission {
	if side == SideOrigin {
		return a.Origin
	}
	return a.Destination
}

// Reserve adds length to the undelivered bytes and closes flow control at
// the high mark.
func (q *FlowQuota) Reserve(length int64) {
	q.UndeliveredBytes += length
	if q.UndeliveredBytes >= q.ReceiveLimit.HighMarkBytes {
		q.ReceiverStatus = FlowClosed
	}
}

// Release gives back length bytes and reopens flow control at the low mark.
func (q *FlowQuota) Release(length int64) {
	q.UndeliveredBytes -= length
	if q.UndeliveredBytes < 0 {
		q.UndeliveredBytes = 0
	}
	if q.UndeliveredBytes <= q.ReceiveLimit.LowMarkBytes {
		q.ReceiverStatus = FlowOpen
	}
}
