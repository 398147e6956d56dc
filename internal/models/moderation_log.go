package models

import "time"

// Moderation actions recorded in ModerationLog.
const (
	ModBan        = "ban"
	ModKick       = "kick"
	ModTimeout    = "timeout"
	ModDelete     = "delete"
	ModBulkDelete = "bulk_delete"
)

// ModerationLog records a moderation action the bot performed on behalf of a
// task thread.
type ModerationLog struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	GuildID      string `gorm:"size:32;not null;index"`
	Action       string `gorm:"size:16;not null"`
	TargetUserID string `gorm:"size:32;index"`
	ModeratorID  string `gorm:"size:32"`
	RequestedBy  string `gorm:"size:32"`
	Reason       string `gorm:"type:text"`
	ThreadID     string `gorm:"size:36"`
	Details      string `gorm:"type:text"` // JSON, e.g. deleted message count or timeout length
	CreatedAt    time.Time
}
