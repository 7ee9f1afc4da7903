package models

import "time"

// Message kind constants.
const (
	KindText         = "text"
	KindReasoning    = "reasoning"
	KindToolCall     = "tool_call"
	KindToolResult   = "tool_result"
	KindInputRequest = "input_request"
	KindSystemNote   = "system_note"
)

// Message is a durable, persistently-sequenced unit of conversation
// content. Seq is unique within a conversation, strictly increasing and
// gapless; it is assigned exactly once, when the journal accepts the
// message, and never reused.
type Message struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"size:64;not null;uniqueIndex:idx_conv_seq"`
	Seq            int64  `gorm:"not null;uniqueIndex:idx_conv_seq"`
	TurnID         *uint
	Kind           string `gorm:"size:16;not null"`
	Payload        string `gorm:"type:mediumtext"`
	Truncated      bool   `gorm:"default:false"`
	CreatedAt      time.Time
}
