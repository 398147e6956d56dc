// Package batcher coalesces per-channel chat messages into sealed batches.
//
// Each channel has at most one queue. A queue is sealed when the bot is
// replied to, when it is mentioned, when the queue reaches a message count,
// or when a per-channel time window elapses with no further activity. Every
// seal produces exactly one immutable MessageBatch.
package batcher

import (
	"context"
	"time"
)

// Trigger names the rule that sealed a batch.
type Trigger string

const (
	TriggerMessageCount Trigger = "message_count"
	TriggerTimeWindow   Trigger = "time_window"
	TriggerBotMention   Trigger = "bot_mention"
	TriggerReplyToBot   Trigger = "reply_to_bot"
)

// Attachment is a file attached to a message.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// Message is a platform-neutral inbound chat message.
type Message struct {
	ID                 string       `json:"id"`
	ChannelID          string       `json:"channel_id"`
	GuildID            string       `json:"guild_id,omitempty"` // empty for direct messages
	AuthorID           string       `json:"author_id"`
	AuthorName         string       `json:"author_name"`
	AuthorBot          bool         `json:"author_bot,omitempty"`
	Content            string       `json:"content"`
	Timestamp          time.Time    `json:"timestamp"`
	Attachments        []Attachment `json:"attachments,omitempty"`
	MentionUserIDs     []string     `json:"mention_user_ids,omitempty"`
	MentionRoleIDs     []string     `json:"mention_role_ids,omitempty"`
	MentionEveryone    bool         `json:"mention_everyone,omitempty"`
	ReferenceID        string       `json:"reference_id,omitempty"`
	ReferenceChannelID string       `json:"reference_channel_id,omitempty"`
}

// IsDM reports whether the message was sent outside a guild.
func (m *Message) IsDM() bool { return m.GuildID == "" }

// MessageBatch is an immutable, chronologically ordered group of messages
// sealed under one trigger.
type MessageBatch struct {
	ID               string    `json:"id"`
	ChannelID        string    `json:"channel_id"`
	GuildID          string    `json:"guild_id,omitempty"`
	Messages         []Message `json:"messages"`
	CreatedAt        time.Time `json:"created_at"`
	Trigger          Trigger   `json:"trigger_type"`
	TriggerMessageID string    `json:"trigger_message_id"`
}

// TriggerMessage returns the message that caused the seal, falling back to
// the newest message in the batch.
func (b *MessageBatch) TriggerMessage() *Message {
	for i := range b.Messages {
		if b.Messages[i].ID == b.TriggerMessageID {
			return &b.Messages[i]
		}
	}
	if len(b.Messages) == 0 {
		return nil
	}
	return &b.Messages[len(b.Messages)-1]
}

// History fetches single messages from the platform, used to walk reply
// chains.
type History interface {
	FetchMessage(ctx context.Context, channelID, messageID string) (*Message, error)
}

// BotIdentity describes the bot account the batcher listens for.
type BotIdentity interface {
	BotUserID() string
	BotRoleIDs(ctx context.Context, guildID string) []string
}
