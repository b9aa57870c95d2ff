package model

import (
	"errors"
	"fmt"
)

type (
	ErrorCode  string
	ErrorClass string
)

const (
	ClassProtocol  ErrorClass = "protocol"
	ClassTrust     ErrorClass = "trust"
	ClassOrdering  ErrorClass = "ordering"
	ClassAdmission ErrorClass = "admission"
	ClassIntegrity ErrorClass = "integrity"
)

const (
	MissingRelayPayload   ErrorCode = "MissingRelayPayload"
	MultipleRelayPayloads ErrorCode = "MultipleRelayPayloads"
	InvalidRelaySession   ErrorCode = "InvalidRelaySession"
	ChannelNotFound       ErrorCode = "ChannelNotFound"

	InvalidEndpointPermission             ErrorCode = "InvalidEndpointPermission"
	InvalidSignatureEndpointPermission    ErrorCode = "InvalidSignatureEndpointPermission"
	InvalidDomainAdministratorCredentials ErrorCode = "InvalidDomainAdministratorCredentials"
	InvalidDestinationSession             ErrorCode = "InvalidDestinationSession"
	InvalidSignatureDestinationSession    ErrorCode = "InvalidSignatureDestinationSession"
	InvalidUserCredentials                ErrorCode = "InvalidUserCredentials"
	NonTrustedDomainRoot                  ErrorCode = "NonTrustedDomainRoot"

	InvalidMsgId                         ErrorCode = "InvalidMsgId"
	InvalidMessagePayload                ErrorCode = "InvalidMessagePayload"
	InvalidSignatureMessage              ErrorCode = "InvalidSignatureMessage"
	ChannelOriginUserDomainMismatch      ErrorCode = "ChannelOriginUserDomainMismatch"
	ChannelDestinationUserDomainMismatch ErrorCode = "ChannelDestinationUserDomainMismatch"
	InvalidDeliveryReceipt               ErrorCode = "InvalidDeliveryReceipt"

	ReceiveFlowControlClosed ErrorCode = "ReceiveFlowControlClosed"
	ReceiveChannelClosed     ErrorCode = "ReceiveChannelClosed"
	SubmitMessageTooLarge    ErrorCode = "SubmitMessageTooLarge"
	SubmitQuotaNotSufficient ErrorCode = "SubmitQuotaNotSufficient"

	InvalidChunkOrder      ErrorCode = "InvalidChunkOrder"
	InvalidChunkMac        ErrorCode = "InvalidChunkMac"
	InvalidMessageMacOfMac ErrorCode = "InvalidMessageMacOfMac"
)

var classes = map[ErrorCode]ErrorClass{
	MissingRelayPayload:   ClassProtocol,
	MultipleRelayPayloads: ClassProtocol,
	InvalidRelaySession:   ClassProtocol,
	ChannelNotFound:       ClassProtocol,

	InvalidEndpointPermission:             ClassProtocol,
	InvalidDestinationSession:             ClassProtocol,
	InvalidMsgId:                          ClassProtocol,
	InvalidMessagePayload:                 ClassProtocol,
	InvalidDeliveryReceipt:                ClassProtocol,
	InvalidSignatureEndpointPermission:    ClassTrust,
	InvalidDomainAdministratorCredentials: ClassTrust,
	InvalidSignatureDestinationSession:    ClassTrust,
	InvalidUserCredentials:                ClassTrust,
	NonTrustedDomainRoot:                  ClassTrust,
	InvalidSignatureMessage:               ClassTrust,
	ChannelOriginUserDomainMismatch:       ClassTrust,
	ChannelDestinationUserDomainMismatch:  ClassTrust,

	ReceiveFlowControlClosed: ClassAdmission,
	ReceiveChannelClosed:     ClassAdmission,
	SubmitMessageTooLarge:    ClassAdmission,
	SubmitQuotaNotSufficient: ClassAdmission,

	InvalidChunkOrder:      ClassOrdering,
	InvalidChunkMac:        ClassIntegrity,
	InvalidMessageMacOfMac: ClassIntegrity,
}

// RelayError is the structured rejection returned to a relaying peer.
type RelayError struct {
	Code    ErrorCode  `json:"code"`
	Class   ErrorClass `json:"class"`
	Message string     `json:"message,omitempty"`
}

func NewRelayError(code ErrorCode, format string, args ...any) *RelayError {
	return &RelayError{
		Code:    code,
		Class:   classOf(code),
		Message: fmt.Sprintf(format, args...),
	}
}

func classOf(code ErrorCode) ErrorClass {
	if c, ok := classes[code]; ok {
		return c
	}
	return ClassProtocol
}

func (e *RelayError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable tells a peer whether sending again, possibly after backing off,
// can succeed.
func (e *RelayError) Retryable() bool {
	switch e.Class {
	case ClassAdmission, ClassOrdering, ClassIntegrity:
		return true
	}
	return false
}

// AsRelayError extracts a *RelayError from an error chain.
func AsRelayError(err error) (*RelayError, bool) {
	var re *RelayError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// HasCode reports whether err carries a RelayError with the given code.
func HasCode(err error, code ErrorCode) bool {
	re, ok := AsRelayError(err)
	return ok && re.Code == code
}
