package model

import "time"

type MessageStatus string

const (
	StatusReady     MessageStatus = "READY"
	StatusProcessed MessageStatus = "PROCESSED"
	StatusFailed    MessageStatus = "FAILED"
	StatusDelivered MessageStatus = "DELIVERED"
)

type (
	MessageHeader struct {
		MsgID   string      `json:"msgId" bson:"msg_id"`
		Channel ChannelName `json:"channel" bson:"channel"`
		// From and To are the encoded credential chains of the sending and
		// receiving users.
		From                []byte    `json:"from" bson:"from"`
		To                  []byte    `json:"to" bson:"to"`
		EncryptionContextID string    `json:"encryptionContextId" bson:"encryption_context_id"`
		SentAt              time.Time `json:"sentAt" bson:"sent_at"`
		UserSignature       []byte    `json:"userSignature" bson:"user_signature"`
	}

	MessagePayload struct {
		NumberOfChunks int    `json:"numberOfChunks" bson:"number_of_chunks"`
		PayloadLength  int64  `json:"payloadLength" bson:"payload_length"`
		MacOfMacs      []byte `json:"macOfMacs" bson:"mac_of_macs"`
		Scheme         string `json:"scheme" bson:"scheme"`
	}

	MessageState struct {
		Status            MessageStatus `json:"status" bson:"status"`
		OriginSerial      int64         `json:"originSerial" bson:"origin_serial"`
		DestinationSerial int64         `json:"destinationSerial" bson:"destination_serial"`
		DeliveryCount     int           `json:"deliveryCount" bson:"delivery_count"`
		TxID              string        `json:"txId,omitempty" bson:"tx_id,omitempty"`
		TxPrepared        bool          `json:"txPrepared,omitempty" bson:"tx_prepared"`
		TxStartedAt       time.Time     `json:"txStartedAt,omitempty" bson:"tx_started_at,omitempty"`
		ReceivedAt        time.Time     `json:"receivedAt" bson:"received_at"`
	}

	ChannelMessage struct {
		ID          string         `json:"id" bson:"_id"`
		ChannelID   string         `json:"channelId" bson:"channel_id"`
		Destination string         `json:"destination" bson:"destination"`
		Header      MessageHeader  `json:"header" bson:"header"`
		Payload     MessagePayload `json:"payload" bson:"payload"`
		State       MessageState   `json:"state" bson:"state"`
	}

	Chunk struct {
		MsgID     string    `json:"msgId" bson:"msg_id"`
		Position  int       `json:"position" bson:"position"`
		Mac       []byte    `json:"mac" bson:"mac"`
		Data      []byte    `json:"data" bson:"data"`
		WrittenAt time.Time `json:"-" bson:"written_at"`
	}

	// DeliveryReceipt is relayed back to the origin domain once the final
	// receiver has committed the message.
	DeliveryReceipt struct {
		MsgID       string    `json:"msgId" bson:"msg_id"`
		MacOfMacs   []byte    `json:"macOfMacs" bson:"mac_of_macs"`
		DeliveredAt time.Time `json:"deliveredAt" bson:"delivered_at"`
		// Signature is the receiving user's signature.
		Signature *UserSignature `json:"signature" bson:"signature"`
	}
)

// Destination key used for receiver queues.
func (h *MessageHeader) Destination() string {
	return h.Channel.Destination.String()
}
