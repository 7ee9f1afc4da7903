package models

import "time"

// InboxItem status constants.
const (
	InboxOpen    = "open"
	InboxClosed  = "closed"
	InboxExpired = "expired"
)

// InboxItem is the asynchronous face of a PendingQuestion: a human who is
// not watching the live stream answers the question by closing the item.
type InboxItem struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"size:64;not null;index"`
	QuestionID     string `gorm:"size:64;not null;index"`
	Title          string `gorm:"size:256;not null"`
	Body           string `gorm:"type:text"`
	Options        string `gorm:"type:json"`
	Required       bool   `gorm:"default:false"`
	Status         string `gorm:"size:16;default:open;index"`
	Answer         string `gorm:"type:text"`
	AnsweredBy     string `gorm:"size:64"`
	CreatedAt      time.Time
	ClosedAt       *time.Time
}
