package dashboard

import (
	"encoding/json"
	"time"

	"github.com/zulandar/ery/internal/models"
)

// ThreadRow is the API view of a task thread.
type ThreadRow struct {
	ID          string     `json:"id"`
	BatchID     string     `json:"batch_id"`
	ChannelID   string     `json:"channel_id"`
	GuildID     string     `json:"guild_id,omitempty"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ThreadDetail adds the decoded batch, result and audit trail.
type ThreadDetail struct {
	ThreadRow
	Context json.RawMessage `json:"context,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Logs    []LogRow        `json:"logs"`
}

// LogRow is the API view of an audit row.
type LogRow struct {
	ID         uint            `json:"id"`
	Type       string          `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	ToolName   string          `json:"tool_name,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Model      string          `json:"model,omitempty"`
	Tokens     int             `json:"total_tokens,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Error      string          `json:"error,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// ModerationRow is the API view of a moderation action.
type ModerationRow struct {
	ID           uint            `json:"id"`
	GuildID      string          `json:"guild_id"`
	Action       string          `json:"action"`
	TargetUserID string          `json:"target_user_id,omitempty"`
	ModeratorID  string          `json:"moderator_id,omitempty"`
	RequestedBy  string          `json:"requested_by,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	ThreadID     string          `json:"thread_id,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// DocumentRow lists a document without its content.
type DocumentRow struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Size        int       `json:"size"`
	UpdatedBy   string    `json:"updated_by,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func threadRow(t models.TaskThread) ThreadRow {
	row := ThreadRow{
		ID:          t.ID,
		BatchID:     t.BatchID,
		ChannelID:   t.ChannelID,
		GuildID:     t.GuildID,
		Status:      t.Status,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
	if t.Error != nil {
		row.Error = *t.Error
	}
	return row
}

func threadRows(ts []models.TaskThread) []ThreadRow {
	out := make([]ThreadRow, len(ts))
	for i, t := range ts {
		out[i] = threadRow(t)
	}
	return out
}

func threadDetail(t *models.TaskThread, logs []models.AgentLog) ThreadDetail {
	d := ThreadDetail{
		ThreadRow: threadRow(*t),
		Context:   rawJSON(t.Context),
		Logs:      make([]LogRow, len(logs)),
	}
	if t.Result != nil {
		d.Result = rawJSON(*t.Result)
	}
	for i, l := range logs {
		d.Logs[i] = LogRow{
			ID:         l.ID,
			Type:       l.LogType,
			Timestamp:  l.Timestamp,
			ToolName:   l.ToolName,
			Parameters: rawJSON(l.ToolParameters),
			Result:     rawJSON(l.ToolResult),
			Model:      l.AIModel,
			Tokens:     l.TotalTokens,
			DurationMs: l.DurationMs,
			Success:    l.Success,
			Error:      l.Error,
			Metadata:   rawJSON(l.Metadata),
		}
	}
	return d
}

func moderationRows(rows []models.ModerationLog) []ModerationRow {
	out := make([]ModerationRow, len(rows))
	for i, r := range rows {
		out[i] = ModerationRow{
			ID:           r.ID,
			GuildID:      r.GuildID,
			Action:       r.Action,
			TargetUserID: r.TargetUserID,
			ModeratorID:  r.ModeratorID,
			RequestedBy:  r.RequestedBy,
			Reason:       r.Reason,
			ThreadID:     r.ThreadID,
			Details:      rawJSON(r.Details),
			CreatedAt:    r.CreatedAt,
		}
	}
	return out
}

func documentRows(docs []models.InfoDocument) []DocumentRow {
	out := make([]DocumentRow, len(docs))
	for i, d := range docs {
		out[i] = DocumentRow{
			Name:        d.Name,
			Description: d.Description,
			Size:        len(d.Content),
			UpdatedBy:   d.UpdatedBy,
			UpdatedAt:   d.UpdatedAt,
		}
	}
	return out
}

// rawJSON passes stored JSON through, dropping empty or invalid values.
func rawJSON(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return nil
	}
	return json.RawMessage(s)
}
