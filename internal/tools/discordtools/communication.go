package discordtools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/ery/internal/tools"
)

var sendMessageDef = tools.Definition{
	Name:        "send_message",
	Description: "Send a message to a Discord channel, optionally as a reply",
	Parameters: []tools.Parameter{
		{Name: "content", Kind: tools.KindString, Description: "The message content (max 2000 characters)", Required: true},
		{Name: "channelId", Kind: tools.KindChannel, Description: "Channel to send to (defaults to the current channel)"},
		{Name: "replyToMessageId", Kind: tools.KindString, Description: "ID of a message in the target channel to reply to"},
	},
	BotPermissions: []tools.Permission{permSendMessages},
	AllowDM:        true,
}

func (ts *toolset) sendMessage(ctx context.Context, call tools.Call) (any, error) {
	content := call.String("content")
	if trimmed(content) == "" {
		return nil, errors.New("Message content cannot be empty")
	}
	if len([]rune(content)) > maxMessageLength {
		return nil, fmt.Errorf("Message content cannot exceed %d characters", maxMessageLength)
	}

	ch, err := ts.targetChannel(ctx, call.Context, call.String("channelId"), permSendMessages)
	if err != nil {
		return nil, err
	}

	replyTo := call.String("replyToMessageId")
	if replyTo != "" {
		if _, err := ts.Platform.ChannelMessage(ctx, ch.ID, replyTo); err != nil {
			return nil, fmt.Errorf("Failed to fetch message with ID %s: %v", replyTo, err)
		}
	}

	msg, err := ts.Platform.SendMessage(ctx, ch.ID, content, replyTo)
	if err != nil {
		return nil, platformError(err, "send message", "I do not have permission to send messages in this channel")
	}
	return map[string]any{
		"messageId": msg.ID,
		"channelId": ch.ID,
		"content":   msg.Content,
		"replyTo":   replyTo,
		"sentAt":    formatTime(msg.Timestamp),
	}, nil
}

func trimmed(s string) string { return strings.TrimSpace(s) }

func encodeDetails(details map[string]any) string {
	if len(details) == 0 {
		return ""
	}
	data, err := json.Marshal(details)
	if err != nil {
		return ""
	}
	return string(data)
}
