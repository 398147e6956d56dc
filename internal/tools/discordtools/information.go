package discordtools

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/zulandar/ery/internal/tools"
)

var fetchMessagesDef = tools.Definition{
	Name:        "fetch_messages",
	Description: "Fetch recent messages from a channel, oldest first",
	Parameters: []tools.Parameter{
		{Name: "limit", Kind: tools.KindNumber, Description: "Number of messages to fetch (1-100, default 10)", Min: tools.Float(1), Max: tools.Float(100)},
		{Name: "channelId", Kind: tools.KindChannel, Description: "Channel to read (defaults to the current channel)"},
		{Name: "beforeMessageId", Kind: tools.KindString, Description: "Only fetch messages before this message ID"},
		{Name: "afterMessageId", Kind: tools.KindString, Description: "Only fetch messages after this message ID"},
	},
	BotPermissions: []tools.Permission{permReadMessageHistory, permViewChannel},
	AllowDM:        true,
}

func (ts *toolset) fetchMessages(ctx context.Context, call tools.Call) (any, error) {
	limit := call.Int("limit", 10)
	ch, err := ts.targetChannel(ctx, call.Context, call.String("channelId"), permReadMessageHistory, permViewChannel)
	if err != nil {
		return nil, err
	}

	msgs, err := ts.Platform.ChannelMessages(ctx, ch.ID, limit, call.String("beforeMessageId"), call.String("afterMessageId"))
	if err != nil {
		return nil, platformError(err, "fetch messages", "I do not have permission to read messages in this channel")
	}
	sortOldestFirst(msgs)

	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageSummary(m))
	}
	return map[string]any{
		"messages":     out,
		"channelId":    ch.ID,
		"fetchedAt":    formatTime(ts.Now()),
		"totalFetched": len(out),
	}, nil
}

func messageSummary(m *discordgo.Message) map[string]any {
	author := map[string]any{}
	if m.Author != nil {
		author = map[string]any{
			"id":          m.Author.ID,
			"username":    m.Author.Username,
			"displayName": m.Author.GlobalName,
			"bot":         m.Author.Bot,
		}
	}
	attachments := make([]map[string]any, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, map[string]any{
			"id":          a.ID,
			"name":        a.Filename,
			"url":         a.URL,
			"size":        a.Size,
			"contentType": a.ContentType,
		})
	}
	mentions := make([]map[string]any, 0, len(m.Mentions))
	for _, u := range m.Mentions {
		mentions = append(mentions, map[string]any{"id": u.ID, "username": u.Username})
	}
	out := map[string]any{
		"id":          m.ID,
		"content":     m.Content,
		"author":      author,
		"createdAt":   formatTime(m.Timestamp),
		"attachments": attachments,
		"embeds":      len(m.Embeds),
		"mentions": map[string]any{
			"users":    mentions,
			"roles":    m.MentionRoles,
			"everyone": m.MentionEveryone,
		},
		"pinned": m.Pinned,
	}
	if m.EditedTimestamp != nil {
		out["editedAt"] = formatTime(*m.EditedTimestamp)
	}
	if m.MessageReference != nil {
		out["replyTo"] = m.MessageReference.MessageID
	}
	return out
}

var getChannelInfoDef = tools.Definition{
	Name:        "get_channel_info",
	Description: "Get details about a channel in this server",
	Parameters: []tools.Parameter{
		{Name: "channelId", Kind: tools.KindChannel, Description: "Channel to describe (defaults to the current channel)"},
	},
	BotPermissions: []tools.Permission{permViewChannel},
}

func (ts *toolset) getChannelInfo(ctx context.Context, call tools.Call) (any, error) {
	ch, err := ts.targetChannel(ctx, call.Context, call.String("channelId"), permViewChannel)
	if err != nil {
		return nil, err
	}
	created, _ := discordgo.SnowflakeTimestamp(ch.ID)
	info := map[string]any{
		"id":               ch.ID,
		"name":             ch.Name,
		"type":             channelTypeName(ch.Type),
		"topic":            ch.Topic,
		"nsfw":             ch.NSFW,
		"position":         ch.Position,
		"parentId":         ch.ParentID,
		"rateLimitPerUser": ch.RateLimitPerUser,
		"createdAt":        formatTime(created),
	}
	if p := call.Context.Permissions; p != nil {
		if set, err := p.BotChannelPermissions(ctx, ch.ID); err == nil {
			info["permissions"] = map[string]any{
				"bot":          permissionNames(set),
				"botCanView":   set&discordgo.PermissionViewChannel != 0,
				"botCanSend":   set&discordgo.PermissionSendMessages != 0,
				"botCanManage": set&discordgo.PermissionManageChannels != 0,
			}
		}
	}
	return info, nil
}

func channelTypeName(t discordgo.ChannelType) string {
	switch t {
	case discordgo.ChannelTypeGuildText:
		return "text"
	case discordgo.ChannelTypeDM:
		return "dm"
	case discordgo.ChannelTypeGuildVoice:
		return "voice"
	case discordgo.ChannelTypeGuildCategory:
		return "category"
	case discordgo.ChannelTypeGuildNews:
		return "announcement"
	case discordgo.ChannelTypeGuildPublicThread, discordgo.ChannelTypeGuildPrivateThread, discordgo.ChannelTypeGuildNewsThread:
		return "thread"
	case discordgo.ChannelTypeGuildStageVoice:
		return "stage"
	case discordgo.ChannelTypeGuildForum:
		return "forum"
	}
	return fmt.Sprintf("unknown(%d)", t)
}

var getMemberInfoDef = tools.Definition{
	Name:        "get_member_info",
	Description: "Get details about a server member, or about a user who is not in the server",
	Parameters: []tools.Parameter{
		{Name: "userId", Kind: tools.KindUser, Description: "The Discord user ID to look up", Required: true},
	},
	BotPermissions: []tools.Permission{permViewChannel},
}

func (ts *toolset) getMemberInfo(ctx context.Context, call tools.Call) (any, error) {
	tc := call.Context
	userID := call.String("userId")

	guild, err := ts.Platform.Guild(ctx, tc.GuildID)
	if err != nil {
		return nil, platformError(err, "get member info", "I do not have permission to view member information")
	}

	member, err := ts.Platform.Member(ctx, tc.GuildID, userID)
	if err != nil {
		user, uerr := ts.Platform.User(ctx, userID)
		if uerr != nil {
			return nil, errors.New("User not found")
		}
		return map[string]any{
			"user":         userSummary(user),
			"memberStatus": "Not in server",
			"guild":        map[string]any{"id": guild.ID, "name": guild.Name},
		}, nil
	}

	roles := []map[string]any{}
	for _, r := range guild.Roles {
		for _, id := range member.Roles {
			if r.ID == id {
				roles = append(roles, map[string]any{"id": r.ID, "name": r.Name, "position": r.Position})
			}
		}
	}
	info := map[string]any{
		"user":         userSummary(member.User),
		"nickname":     member.Nick,
		"joinedAt":     formatTime(member.JoinedAt),
		"roles":        roles,
		"highestRole":  highestRole(guild, member.Roles),
		"isOwner":      member.User != nil && member.User.ID == guild.OwnerID,
		"permissions":  permissionNames(guildPermissions(guild, member)),
		"memberStatus": "Member",
	}
	if member.PremiumSince != nil {
		info["premiumSince"] = formatTime(*member.PremiumSince)
	}
	if until := member.CommunicationDisabledUntil; until != nil && until.After(ts.Now()) {
		info["timedOutUntil"] = formatTime(*until)
	}
	return info, nil
}

func userSummary(u *discordgo.User) map[string]any {
	if u == nil {
		return map[string]any{}
	}
	created, _ := discordgo.SnowflakeTimestamp(u.ID)
	return map[string]any{
		"id":         u.ID,
		"username":   u.Username,
		"globalName": u.GlobalName,
		"tag":        userTag(u, u.ID),
		"bot":        u.Bot,
		"createdAt":  formatTime(created),
	}
}

var getServerInfoDef = tools.Definition{
	Name:           "get_server_info",
	Description:    "Get details about the current server",
	BotPermissions: []tools.Permission{permViewChannel},
}

func (ts *toolset) getServerInfo(ctx context.Context, call tools.Call) (any, error) {
	tc := call.Context
	guild, err := ts.Platform.Guild(ctx, tc.GuildID)
	if err != nil {
		return nil, platformError(err, "get server info", "I do not have permission to view server information")
	}

	channels := map[string]int{}
	for _, ch := range guild.Channels {
		channels[channelTypeName(ch.Type)]++
	}
	memberCount := guild.MemberCount
	if memberCount == 0 {
		memberCount = guild.ApproximateMemberCount
	}
	created, _ := discordgo.SnowflakeTimestamp(guild.ID)

	info := map[string]any{
		"id":                guild.ID,
		"name":              guild.Name,
		"description":       guild.Description,
		"ownerId":           guild.OwnerID,
		"createdAt":         formatTime(created),
		"memberCount":       memberCount,
		"roleCount":         len(guild.Roles),
		"channels":          channels,
		"premiumTier":       int(guild.PremiumTier),
		"boostCount":        guild.PremiumSubscriptionCount,
		"verificationLevel": int(guild.VerificationLevel),
	}
	if bot, err := ts.Platform.Member(ctx, guild.ID, ts.Platform.BotUserID()); err == nil {
		info["bot"] = map[string]any{
			"highestRole": highestRole(guild, bot.Roles),
			"permissions": permissionNames(guildPermissions(guild, bot)),
		}
	}
	return info, nil
}
