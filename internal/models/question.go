package models

import "time"

// PendingQuestion status constants.
const (
	QuestionAwaiting  = "awaiting"
	QuestionAnswered  = "answered"
	QuestionDelivered = "delivered-to-runtime"
	QuestionAbandoned = "abandoned"
)

// PendingQuestion correlates one outstanding agent question to its answer
// path. ID equals the runtime's native tool-invocation handle, so an
// incoming answer routes straight back to the suspended invocation
// without a secondary lookup table.
type PendingQuestion struct {
	ID             string `gorm:"primaryKey;size:64"`
	ConversationID string `gorm:"size:64;not null;index"`
	TurnID         *uint
	Prompt         string `gorm:"type:text;not null"`
	Options        string `gorm:"type:json"`
	Required       bool   `gorm:"default:false"`
	InboxItemID    uint   `gorm:"index"`
	Deadline       time.Time
	Status         string `gorm:"size:24;default:awaiting;index"`
	Answer         string `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
