// Package protocol defines the Switchboard wire envelope: event types,
// error codes, encoding, and connection negotiation. It holds no
// conversation state.
package protocol

import (
	"errors"
	"fmt"
)

// Version is the wire protocol version this build speaks. Clients must
// present it at connect time.
const Version = "1"

// Outbound event types.
const (
	EventSessionState = "session.state"
	EventText         = "message.text"
	EventReasoning    = "message.reasoning"
	EventToolCall     = "tool.call"
	EventToolResult   = "tool.result"
	EventRequestInput = "assistant.request_input"
	EventReplay       = "message.replay"
	EventSystemNote   = "system.note"
	EventError        = "error"
)

// Inbound operations.
const (
	OpMessage   = "message"
	OpInterrupt = "interrupt"
	OpAnswer    = "answer"
)

// Error codes surfaced at the protocol boundary.
const (
	CodeInvalidQuestionID          = "INVALID_QUESTION_ID"
	CodeDuplicateInputResponse     = "DUPLICATE_INPUT_RESPONSE"
	CodeInputTimeout               = "INPUT_TIMEOUT"
	CodeConversationInterrupted    = "CONVERSATION_INTERRUPTED"
	CodeTurnQueueFull              = "TURN_QUEUE_FULL"
	CodeProtocolVersionUnsupported = "PROTOCOL_VERSION_UNSUPPORTED"
	CodeChatProtocolDisabled       = "CHAT_PROTOCOL_DISABLED"
	CodeMalformedCursor            = "MALFORMED_CURSOR"
	CodeMalformedInbound           = "MALFORMED_INBOUND"
)

// Error is a protocol-boundary error carrying a machine-readable code.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Errorf builds a protocol Error with the given code.
func Errorf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the protocol error code from err, or "" if err is not
// a protocol Error.
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
