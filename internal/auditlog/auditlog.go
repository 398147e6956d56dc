// Package auditlog appends agent and tool events to the agent_logs table.
// Rows are never updated or deleted.
package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/zulandar/ery/internal/models"
	"gorm.io/gorm"
)

// Entry is one audit event. Zero-valued optional fields are stored empty.
type Entry struct {
	ThreadID         string
	LogType          string
	ChannelID        string
	GuildID          string
	UserID           string
	ToolName         string
	ToolParameters   any
	ToolResult       any
	AIModel          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Duration         time.Duration
	Success          *bool
	Error            string
	Metadata         map[string]any
}

// Logger writes audit rows.
type Logger struct {
	db  *gorm.DB
	log *slog.Logger
	now func() time.Time
}

// New creates an audit Logger. A nil slog logger uses slog.Default.
func New(db *gorm.DB, log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{db: db, log: log.With("component", "auditlog"), now: time.Now}
}

// Record inserts one row. Failures are logged and swallowed so auditing can
// never fail the caller's operation.
func (l *Logger) Record(ctx context.Context, e Entry) {
	if l == nil || l.db == nil {
		return
	}
	row := models.AgentLog{
		ThreadID:         e.ThreadID,
		LogType:          e.LogType,
		Timestamp:        l.now(),
		ChannelID:        e.ChannelID,
		GuildID:          e.GuildID,
		UserID:           e.UserID,
		ToolName:         e.ToolName,
		ToolParameters:   marshalJSON(e.ToolParameters),
		ToolResult:       marshalJSON(e.ToolResult),
		AIModel:          e.AIModel,
		PromptTokens:     e.PromptTokens,
		CompletionTokens: e.CompletionTokens,
		TotalTokens:      e.TotalTokens,
		DurationMs:       e.Duration.Milliseconds(),
		Success:          e.Success,
		Error:            e.Error,
		Metadata:         marshalJSON(e.Metadata),
	}
	if err := l.db.WithContext(context.WithoutCancel(ctx)).Create(&row).Error; err != nil {
		l.log.Error("write audit row", "thread", e.ThreadID, "type", e.LogType, "error", err)
	}
}

// Filter narrows List results.
type Filter struct {
	ThreadID string
	LogType  string
	GuildID  string
	Limit    int
}

// List returns audit rows matching f in chronological order.
func (l *Logger) List(ctx context.Context, f Filter) ([]models.AgentLog, error) {
	q := l.db.WithContext(ctx).Model(&models.AgentLog{})
	if f.ThreadID != "" {
		q = q.Where("thread_id = ?", f.ThreadID)
	}
	if f.LogType != "" {
		q = q.Where("log_type = ?", f.LogType)
	}
	if f.GuildID != "" {
		q = q.Where("guild_id = ?", f.GuildID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []models.AgentLog
	if err := q.Order("timestamp ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("auditlog: list: %w", err)
	}
	return rows, nil
}

// Bool returns a pointer to v, for Entry.Success.
func Bool(v bool) *bool { return &v }

// marshalJSON encodes v, returning "" for nil and for values that cannot be
// encoded.
func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	if m, ok := v.(map[string]any); ok && m == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// RecordModeration inserts one moderation_logs row. Like Record, failures
// are logged and swallowed.
func (l *Logger) RecordModeration(ctx context.Context, row models.ModerationLog) {
	if l == nil || l.db == nil {
		return
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = l.now()
	}
	if err := l.db.WithContext(context.WithoutCancel(ctx)).Create(&row).Error; err != nil {
		l.log.Error("write moderation row", "guild", row.GuildID, "action", row.Action, "error", err)
	}
}

// ListModeration returns a guild's moderation actions, newest first.
func (l *Logger) ListModeration(ctx context.Context, guildID string, limit int) ([]models.ModerationLog, error) {
	q := l.db.WithContext(ctx).Where("guild_id = ?", guildID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.ModerationLog
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("auditlog: list moderation: %w", err)
	}
	return rows, nil
}
