package models

import "time"

// Agent log types.
const (
	LogAgentStart    = "agent_start"
	LogToolExecution = "tool_execution"
	LogAIResponse    = "ai_response"
	LogAgentComplete = "agent_complete"
	LogError         = "error"
)

// AgentLog is an append-only audit row for one agent or tool event within a
// task thread.
type AgentLog struct {
	ID               uint      `gorm:"primaryKey;autoIncrement"`
	ThreadID         string    `gorm:"size:36;not null;index"`
	LogType          string    `gorm:"size:32;not null;index"`
	Timestamp        time.Time `gorm:"not null;index"`
	ChannelID        string    `gorm:"size:32"`
	GuildID          string    `gorm:"size:32;index"`
	UserID           string    `gorm:"size:32"`
	ToolName         string    `gorm:"size:64"`
	ToolParameters   string    `gorm:"type:text"` // JSON
	ToolResult       string    `gorm:"type:text"` // JSON
	AIModel          string    `gorm:"size:128"`
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	DurationMs       int64
	Success          *bool
	Error            string    `gorm:"type:text"`
	Metadata         string    `gorm:"type:text"` // JSON object
}
