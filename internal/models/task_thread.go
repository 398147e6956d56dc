package models

import "time"

// Task thread statuses. Both completed and failed are terminal.
const (
	ThreadActive    = "active"
	ThreadCompleted = "completed"
	ThreadFailed    = "failed"
)

// TaskThread is the durable record of one sealed batch's trip through the
// agent loop. The row is kept after completion for audit.
type TaskThread struct {
	ID          string     `gorm:"primaryKey;size:36"`
	BatchID     string     `gorm:"size:36;not null"`
	ChannelID   string     `gorm:"size:32;not null;index"`
	GuildID     string     `gorm:"size:32;index"`
	Status      string     `gorm:"size:16;not null;default:active;index"`
	Context     string     `gorm:"type:text;not null"` // JSON-encoded message batch
	Result      *string    `gorm:"type:text"`          // JSON-encoded agent result
	Error       *string    `gorm:"type:text"`
	CreatedAt   time.Time  `gorm:"index"`
	CompletedAt *time.Time
}

// IsTerminal reports whether the thread has left the active state.
func (t *TaskThread) IsTerminal() bool {
	return t.Status == ThreadCompleted || t.Status == ThreadFailed
}
