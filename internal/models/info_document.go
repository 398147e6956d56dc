package models

import "time"

// InfoDocument is a named, guild-scoped text document the agent can read
// through its information tools.
type InfoDocument struct {
	ID          string `gorm:"primaryKey;size:36"`
	GuildID     string `gorm:"size:32;not null;uniqueIndex:idx_guild_doc_name"`
	Name        string `gorm:"size:64;not null;uniqueIndex:idx_guild_doc_name"`
	Description string `gorm:"size:256"`
	Content     string `gorm:"type:text;not null"`
	CreatedBy   string `gorm:"size:64"`
	UpdatedBy   string `gorm:"size:64"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
