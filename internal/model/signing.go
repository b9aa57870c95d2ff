package model

// The *Content types are the exact values signers commit to. They are
// encoded canonically before signing, so field order and types are part of
// the wire contract. Times are carried as Unix milliseconds.

type (
	PermissionContent struct {
		Channel               ChannelName
		Side                  Side
		Grant                 Grant
		MaxPlaintextSizeBytes int64
		ValidUntil            int64
		SignedAt              int64
	}

	SessionContent struct {
		ServiceName         string
		EncryptionContextID string
		Scheme              string
		SessionKey          []byte
		ValidUntil          int64
		SignedAt            int64
	}

	MessageContent struct {
		MsgID               string
		Channel             ChannelName
		From                []byte
		To                  []byte
		EncryptionContextID string
		SentAt              int64
		NumberOfChunks      int
		PayloadLength       int64
		MacOfMacs           []byte
		Scheme              string
	}

	ReceiptContent struct {
		MsgID       string
		MacOfMacs   []byte
		DeliveredAt int64
	}
)

func (p *EndpointPermission) Content(channel ChannelName, side Side) PermissionContent {
	c := PermissionContent{
		Channel:               channel,
		Side:                  side,
		Grant:                 p.Grant,
		MaxPlaintextSizeBytes: p.MaxPlaintextSizeBytes,
	}
	if !p.ValidUntil.IsZero() {
		c.ValidUntil = p.ValidUntil.UnixMilli()
	}
	if p.Signature != nil {
		c.SignedAt = p.Signature.SignedAt.UnixMilli()
	}
	return c
}

func (s *DestinationSession) Content(serviceName string) SessionContent {
	c := SessionContent{
		ServiceName:         serviceName,
		EncryptionContextID: s.EncryptionContextID,
		Scheme:              s.Scheme,
		SessionKey:          s.SessionKey,
	}
	if !s.ValidUntil.IsZero() {
		c.ValidUntil = s.ValidUntil.UnixMilli()
	}
	if s.Signature != nil {
		c.SignedAt = s.Signature.SignedAt.UnixMilli()
	}
	return c
}

func (m *RelayMessage) Content() MessageContent {
	return MessageContent{
		MsgID:               m.Header.MsgID,
		Channel:             m.Header.Channel,
		From:                m.Header.From,
		To:                  m.Header.To,
		EncryptionContextID: m.Header.EncryptionContextID,
		SentAt:              m.Header.SentAt.UnixMilli(),
		NumberOfChunks:      m.Payload.NumberOfChunks,
		PayloadLength:       m.Payload.PayloadLength,
		MacOfMacs:           m.Payload.MacOfMacs,
		Scheme:              m.Payload.Scheme,
	}
}

func (r *DeliveryReceipt) Content() ReceiptContent {
	return ReceiptContent{
		MsgID:       r.MsgID,
		MacOfMacs:   r.MacOfMacs,
		DeliveredAt: r.DeliveredAt.UnixMilli(),
	}
}
