package model

type (
	// RelayStatusUpdate is sent by a receiving domain to tell the sending
	// domain the current receive status of a channel.
	RelayStatusUpdate struct {
		ChannelName ChannelName `json:"channel"`
		Status      RelayStatus `json:"status"`
	}

	// RelayRequest carries exactly one payload.
	RelayRequest struct {
		Permission         *EndpointPermission `json:"permission,omitempty"`
		DestinationSession *DestinationSession `json:"destinationSession,omitempty"`
		Message            *RelayMessage       `json:"message,omitempty"`
		Chunk              *Chunk              `json:"chunk,omitempty"`
		DeliveryReceipt    *DeliveryReceipt    `json:"deliveryReceipt,omitempty"`
		RelayStatusUpdate  *RelayStatusUpdate  `json:"relayStatusUpdate,omitempty"`
	}

	RelayMessage struct {
		Header  MessageHeader  `json:"header"`
		Payload MessagePayload `json:"payload"`
	}

	RelayResponse struct {
		Success     bool         `json:"success"`
		RelayStatus *RelayStatus `json:"relayStatus,omitempty"`
		Error       *RelayError  `json:"error,omitempty"`
	}

	OpenSessionRequest struct {
		Channel    ChannelName `json:"channel"`
		PeerDomain string      `json:"peerDomain"`
	}

	OpenSessionResponse struct {
		SessionID string `json:"sessionId"`
	}
)

// Kind names the payload for logging; it does not check exclusivity.
func (r *RelayRequest) Kind() string {
	switch {
	case r.Permission != nil:
		return "permission"
	case r.DestinationSession != nil:
		return "destinationSession"
	case r.Message != nil || r.Chunk != nil:
		return "chunk"
	case r.DeliveryReceipt != nil:
		return "deliveryReceipt"
	case r.RelayStatusUpdate != nil:
		return "relayStatusUpdate"
	}
	return ""
}

// PayloadCount counts the mutually exclusive payloads present. A message
// header and its chunk count as one.
func (r *RelayRequest) PayloadCount() int {
	n := 0
	if r.Permission != nil {
		n++
	}
	if r.DestinationSession != nil {
		n++
	}
	if r.Chunk != nil || r.Message != nil {
		n++
	}
	if r.DeliveryReceipt != nil {
		n++
	}
	if r.RelayStatusUpdate != nil {
		n++
	}
	return n
}

func Succeeded(status *RelayStatus) *RelayResponse {
	return &RelayResponse{Success: true, RelayStatus: status}
}

func Failed(err *RelayError, status *RelayStatus) *RelayResponse {
	return &RelayResponse{Error: err, RelayStatus: status}
}
