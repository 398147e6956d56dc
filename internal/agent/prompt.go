package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/ery/internal/batcher"
)

// DefaultSystemPrompt is used when no prompt is configured.
const DefaultSystemPrompt = `You are Ery, a helpful Discord bot assistant. You help users by calling the available tools.

## How you respond
- Your text replies are never shown to anyone. The only way to say something in Discord is the send_message tool.
- Call send_message once you know what to say. Reply to the relevant message with replyToMessageId when it helps.
- If nobody is asking you anything, do nothing and end without calling tools.

## Reading the conversation
- Each message is prefixed with [ref:<id>]. Use these ids for replyToMessageId and for moderation tools.
- When a message replies to something that is not included, use fetch_messages to read it. Never guess what it said.
- Server-specific information lives in info documents. Use list_info_documents and read_info_document before answering questions about the server.

## Moderation
- Only ban, kick, timeout or delete when an authorized user explicitly asks, and always give a clear reason.
- Tool failures are reported back to you. Explain them to the user with send_message instead of retrying blindly.

## Style
- Be friendly, concise and appropriate for the channel.
- Do not send more than one or two messages per request.`

// contextBuilder turns a batch into the opening conversation.
type contextBuilder struct {
	botUserID     string
	excerptLength int
	excerptSuffix string
}

// build returns the system turn followed by one turn per qualifying
// message. The bot's own messages become assistant turns.
func (cb contextBuilder) build(systemPrompt string, batch *batcher.MessageBatch) []Message {
	conv := []Message{{Role: RoleSystem, Content: systemPrompt}}

	byID := make(map[string]*batcher.Message, len(batch.Messages))
	for i := range batch.Messages {
		byID[batch.Messages[i].ID] = &batch.Messages[i]
	}

	for i := range batch.Messages {
		m := &batch.Messages[i]
		if strings.TrimSpace(m.Content) == "" && len(m.Attachments) == 0 {
			continue
		}
		role := RoleUser
		if cb.botUserID != "" && m.AuthorID == cb.botUserID {
			role = RoleAssistant
		}
		conv = append(conv, Message{Role: role, Content: cb.formatMessage(m, byID)})
	}
	return conv
}

func (cb contextBuilder) formatMessage(m *batcher.Message, byID map[string]*batcher.Message) string {
	var sb strings.Builder
	author := m.AuthorName
	if m.AuthorBot && m.AuthorID != cb.botUserID {
		author = "[BOT] " + author
	}
	fmt.Fprintf(&sb, "[ref:%s] %s (%s): %s", m.ID, author, m.Timestamp.UTC().Format(time.RFC3339), m.Content)

	if len(m.Attachments) > 0 {
		names := make([]string, 0, len(m.Attachments))
		for _, a := range m.Attachments {
			names = append(names, a.Filename)
		}
		fmt.Fprintf(&sb, " [Attachments: %s]", strings.Join(names, ", "))
	}

	if m.ReferenceID != "" {
		if parent, ok := byID[m.ReferenceID]; ok {
			fmt.Fprintf(&sb, " (replying to [ref:%s] %s: %q)", parent.ID, parent.AuthorName, cb.excerpt(parent.Content))
		} else {
			fmt.Fprintf(&sb, " (replying to message %s, not included here; use fetch_messages to read it, do not guess its content)", m.ReferenceID)
		}
	}
	return sb.String()
}

// excerpt truncates s to excerptLength runes, appending the suffix when
// anything was cut.
func (cb contextBuilder) excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if cb.excerptLength <= 0 || len(r) <= cb.excerptLength {
		return s
	}
	return string(r[:cb.excerptLength]) + cb.excerptSuffix
}
