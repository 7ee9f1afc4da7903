package models

import "time"

// Conversation runtime states. The session state machine is the only
// component that mutates Conversation.State.
const (
	StateActive       = "active"
	StateStreaming    = "streaming"
	StateWaitingInput = "waiting_input"
	StateInterrupted  = "interrupted"
	StateError        = "error"
)

// Conversation is one long-lived channel between a human and an agent.
type Conversation struct {
	ID        string `gorm:"primaryKey;size:64"`
	AgentID   string `gorm:"size:64;not null;index"`
	State     string `gorm:"size:16;default:active;index"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Turns    []Turn    `gorm:"foreignKey:ConversationID"`
	Messages []Message `gorm:"foreignKey:ConversationID"`
}

// Turn outcome constants.
const (
	OutcomeCompleted   = "completed"
	OutcomeInterrupted = "interrupted"
	OutcomeErrored     = "errored"
)

// Turn is one human-initiated execution cycle within a conversation.
// Outcome is empty while the turn is active and immutable once recorded.
type Turn struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"size:64;not null;index"`
	Ordinal        int    `gorm:"not null"`
	Input          string `gorm:"type:text"`
	Outcome        string `gorm:"size:16;index"`
	StartedAt      time.Time
	EndedAt        *time.Time

	Conversation Conversation `gorm:"foreignKey:ConversationID"`
}
