package discordtools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/ery/internal/models"
	"github.com/zulandar/ery/internal/tools"
)

var banMemberDef = tools.Definition{
	Name:        "ban_member",
	Description: "Ban a member from the server",
	Parameters: []tools.Parameter{
		{Name: "userId", Kind: tools.KindUser, Description: "The Discord user ID of the member to ban", Required: true},
		{Name: "reason", Kind: tools.KindString, Description: "The reason for the ban", Required: true},
		{Name: "deleteMessageDays", Kind: tools.KindNumber, Description: "Number of days of messages to delete (0-7)", Min: tools.Float(0), Max: tools.Float(7)},
	},
	BotPermissions:  []tools.Permission{permBanMembers},
	UserPermissions: []tools.Permission{permBanMembers},
}

func (ts *toolset) banMember(ctx context.Context, call tools.Call) (any, error) {
	tc := call.Context
	userID := call.String("userId")
	reason := call.String("reason")
	days := call.Int("deleteMessageDays", 0)

	if err := validateReason(reason, "Ban"); err != nil {
		return nil, err
	}
	if userID == ts.Platform.BotUserID() {
		return nil, errors.New("Agent cannot ban itself")
	}

	guild, err := ts.Platform.Guild(ctx, tc.GuildID)
	if err != nil {
		return nil, platformError(err, "ban member", "I do not have permission to ban members")
	}
	// The user may have left already; a ban by ID still applies.
	target, err := ts.Platform.Member(ctx, tc.GuildID, userID)
	if err != nil {
		target = nil
	} else if err := ts.checkHierarchy(ctx, guild, target, "ban"); err != nil {
		return nil, err
	}

	if err := ts.Platform.Ban(ctx, tc.GuildID, userID, reason+reasonSuffix, days); err != nil {
		return nil, platformError(err, "ban member", "I do not have permission to ban members")
	}

	username := userTag(nil, userID)
	if target != nil {
		username = userTag(target.User, userID)
	}
	ts.recordModeration(ctx, tc, models.ModBan, userID, reason, map[string]any{"deleteMessageDays": days})
	return map[string]any{
		"userId":            userID,
		"username":          username,
		"reason":            reason,
		"deleteMessageDays": days,
		"bannedAt":          formatTime(ts.Now()),
		"threadId":          tc.ThreadID,
	}, nil
}

var kickMemberDef = tools.Definition{
	Name:        "kick_member",
	Description: "Kick a member from the server",
	Parameters: []tools.Parameter{
		{Name: "userId", Kind: tools.KindUser, Description: "The Discord user ID of the member to kick", Required: true},
		{Name: "reason", Kind: tools.KindString, Description: "The reason for the kick", Required: true},
	},
	BotPermissions:  []tools.Permission{permKickMembers},
	UserPermissions: []tools.Permission{permKickMembers},
}

func (ts *toolset) kickMember(ctx context.Context, call tools.Call) (any, error) {
	tc := call.Context
	userID := call.String("userId")
	reason := call.String("reason")

	if err := validateReason(reason, "Kick"); err != nil {
		return nil, err
	}
	if userID == ts.Platform.BotUserID() {
		return nil, errors.New("Agent cannot kick itself")
	}

	guild, err := ts.Platform.Guild(ctx, tc.GuildID)
	if err != nil {
		return nil, platformError(err, "kick member", "Bot lacks permission to kick members")
	}
	target, err := ts.Platform.Member(ctx, tc.GuildID, userID)
	if err != nil {
		return nil, errors.New("Member not found in this server")
	}
	if err := ts.checkHierarchy(ctx, guild, target, "kick"); err != nil {
		return nil, err
	}

	if err := ts.Platform.Kick(ctx, tc.GuildID, userID, reason+reasonSuffix); err != nil {
		return nil, platformError(err, "kick member", "Bot lacks permission to kick members")
	}

	ts.recordModeration(ctx, tc, models.ModKick, userID, reason, nil)
	return map[string]any{
		"userId":   userID,
		"username": userTag(target.User, userID),
		"reason":   reason,
		"kickedAt": formatTime(ts.Now()),
		"threadId": tc.ThreadID,
	}, nil
}

var timeoutMemberDef = tools.Definition{
	Name:        "timeout_member",
	Description: "Timeout (temporarily mute) a member for a specified duration",
	Parameters: []tools.Parameter{
		{Name: "userId", Kind: tools.KindUser, Description: "The Discord user ID of the member to timeout", Required: true},
		{Name: "duration", Kind: tools.KindNumber, Description: "Duration in minutes (1-40320, max 28 days)", Required: true, Min: tools.Float(1), Max: tools.Float(40320)},
		{Name: "reason", Kind: tools.KindString, Description: "The reason for the timeout", Required: true},
	},
	BotPermissions:  []tools.Permission{permModerateMembers},
	UserPermissions: []tools.Permission{permModerateMembers},
}

func (ts *toolset) timeoutMember(ctx context.Context, call tools.Call) (any, error) {
	tc := call.Context
	userID := call.String("userId")
	reason := call.String("reason")
	minutes := call.Int("duration", 0)

	if minutes < 1 || minutes > 40320 {
		return nil, errors.New("Duration must be between 1 minute and 40320 minutes (28 days)")
	}
	if err := validateReason(reason, "Timeout"); err != nil {
		return nil, err
	}
	if userID == ts.Platform.BotUserID() {
		return nil, errors.New("Agent cannot timeout itself")
	}

	guild, err := ts.Platform.Guild(ctx, tc.GuildID)
	if err != nil {
		return nil, platformError(err, "timeout member", "I do not have permission to timeout members")
	}
	target, err := ts.Platform.Member(ctx, tc.GuildID, userID)
	if err != nil {
		return nil, errors.New("Member not found in this server")
	}
	if err := ts.checkHierarchy(ctx, guild, target, "timeout"); err != nil {
		return nil, err
	}
	now := ts.Now()
	if target.CommunicationDisabledUntil != nil && target.CommunicationDisabledUntil.After(now) {
		return nil, errors.New("Member is already timed out")
	}

	until := now.Add(time.Duration(minutes) * time.Minute)
	if err := ts.Platform.Timeout(ctx, tc.GuildID, userID, &until, reason+reasonSuffix); err != nil {
		return nil, platformError(err, "timeout member", "I do not have permission to timeout members")
	}

	ts.recordModeration(ctx, tc, models.ModTimeout, userID, reason, map[string]any{"durationMinutes": minutes})
	return map[string]any{
		"userId":          userID,
		"username":        userTag(target.User, userID),
		"reason":          reason,
		"durationMinutes": minutes,
		"durationText":    formatMinutes(minutes),
		"timeoutUntil":    formatTime(until),
		"threadId":        tc.ThreadID,
	}, nil
}

// formatMinutes renders a duration as "2 days, 3 hours, 5 minutes".
func formatMinutes(minutes int) string {
	days, hours, mins := minutes/1440, (minutes%1440)/60, minutes%60
	var parts []string
	add := func(n int, unit string) {
		if n == 0 {
			return
		}
		if n == 1 {
			parts = append(parts, fmt.Sprintf("1 %s", unit))
			return
		}
		parts = append(parts, fmt.Sprintf("%d %ss", n, unit))
	}
	add(days, "day")
	add(hours, "hour")
	add(mins, "minute")
	if len(parts) == 0 {
		return "0 minutes"
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

var deleteMessageDef = tools.Definition{
	Name:        "delete_message",
	Description: "Delete a single message",
	Parameters: []tools.Parameter{
		{Name: "messageId", Kind: tools.KindString, Description: "The ID of the message to delete", Required: true},
		{Name: "channelId", Kind: tools.KindChannel, Description: "Channel containing the message (defaults to the current channel)"},
		{Name: "reason", Kind: tools.KindString, Description: "The reason for deleting the message"},
	},
	BotPermissions:  []tools.Permission{permManageMessages},
	UserPermissions: []tools.Permission{permManageMessages},
}

func (ts *toolset) deleteMessage(ctx context.Context, call tools.Call) (any, error) {
	tc := call.Context
	messageID := call.String("messageId")
	reason := call.String("reason")
	if !snowflakeRE.MatchString(messageID) {
		return nil, errors.New("Invalid message ID format")
	}

	ch, err := ts.targetChannel(ctx, tc, call.String("channelId"), permManageMessages)
	if err != nil {
		return nil, err
	}
	msg, err := ts.Platform.ChannelMessage(ctx, ch.ID, messageID)
	if err != nil {
		return nil, errors.New("Message not found or has already been deleted")
	}
	if err := ts.Platform.DeleteMessage(ctx, ch.ID, messageID, reason); err != nil {
		return nil, platformError(err, "delete message", "I do not have permission to delete messages")
	}

	authorID := ""
	if msg.Author != nil {
		authorID = msg.Author.ID
	}
	ts.recordModeration(ctx, tc, models.ModDelete, authorID, reason, map[string]any{
		"messageId": messageID,
		"channelId": ch.ID,
	})
	return map[string]any{
		"messageId": messageID,
		"channelId": ch.ID,
		"authorId":  authorID,
		"content":   msg.Content,
		"createdAt": formatTime(msg.Timestamp),
		"reason":    reason,
	}, nil
}

var bulkDeleteDef = tools.Definition{
	Name:        "bulk_delete_messages",
	Description: "Delete multiple messages at once (up to 100, max 14 days old)",
	Parameters: []tools.Parameter{
		{Name: "count", Kind: tools.KindNumber, Description: "Number of recent messages to delete (1-100)", Required: true, Min: tools.Float(1), Max: tools.Float(100)},
		{Name: "channelId", Kind: tools.KindChannel, Description: "Channel to clean (defaults to the current channel)"},
		{Name: "userId", Kind: tools.KindUser, Description: "Only delete messages from this user"},
		{Name: "reason", Kind: tools.KindString, Description: "The reason for deleting the messages"},
	},
	BotPermissions:  []tools.Permission{permManageMessages},
	UserPermissions: []tools.Permission{permManageMessages},
}

func (ts *toolset) bulkDeleteMessages(ctx context.Context, call tools.Call) (any, error) {
	tc := call.Context
	count := call.Int("count", 0)
	if count < 1 || count > 100 {
		return nil, errors.New("Count must be between 1 and 100 messages")
	}
	onlyUser := call.String("userId")
	reason := call.String("reason")

	ch, err := ts.targetChannel(ctx, tc, call.String("channelId"), permManageMessages)
	if err != nil {
		return nil, err
	}

	fetch := count
	if onlyUser != "" {
		fetch = 100
	}
	msgs, err := ts.Platform.ChannelMessages(ctx, ch.ID, fetch, "", "")
	if err != nil {
		return nil, errors.New("Failed to fetch messages for deletion")
	}

	cutoff := ts.Now().Add(-bulkDeleteMaxAge)
	var ids []string
	skipped := 0
	for _, m := range msgs {
		if len(ids) == count {
			break
		}
		if onlyUser != "" && (m.Author == nil || m.Author.ID != onlyUser) {
			continue
		}
		if m.Timestamp.Before(cutoff) {
			skipped++
			continue
		}
		ids = append(ids, m.ID)
	}
	if len(ids) == 0 {
		if skipped > 0 {
			return nil, errors.New("No messages within 14 days found to delete (Discord limitation)")
		}
		return nil, errors.New("No messages found to delete")
	}

	if len(ids) == 1 {
		err = ts.Platform.DeleteMessage(ctx, ch.ID, ids[0], reason)
	} else {
		err = ts.Platform.BulkDeleteMessages(ctx, ch.ID, ids, reason)
	}
	if err != nil {
		return nil, platformError(err, "bulk delete messages", "I do not have permission to delete messages")
	}

	ts.recordModeration(ctx, tc, models.ModBulkDelete, onlyUser, reason, map[string]any{
		"channelId":    ch.ID,
		"deletedCount": len(ids),
		"skippedOld":   skipped,
	})
	return map[string]any{
		"channelId":    ch.ID,
		"deletedCount": len(ids),
		"skippedOld":   skipped,
		"userId":       onlyUser,
		"reason":       reason,
	}, nil
}
