package models

import "time"

// InboxThread links a chat-platform notification thread to its inbox
// item, so a human reply in that thread resolves back to the question
// it answers.
type InboxThread struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	InboxItemID uint   `gorm:"not null;index"`
	Platform    string `gorm:"size:16;not null;uniqueIndex:idx_inbox_thread_ref"`
	ThreadRef   string `gorm:"size:64;not null;uniqueIndex:idx_inbox_thread_ref"`
	CreatedAt   time.Time
}
