package models

import "time"

// RawLog retains full runtime I/O lines for debugging, including payloads
// the journal truncated. Optional telemetry: replay never reads it.
type RawLog struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"size:64;index:idx_conv_turn"`
	TurnID         uint   `gorm:"index:idx_conv_turn"`
	Direction      string `gorm:"size:4"`
	Content        string `gorm:"type:mediumtext"`
	CreatedAt      time.Time
}
