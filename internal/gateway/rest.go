package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Guild returns a guild, preferring the gateway state cache.
func (g *Gateway) Guild(ctx context.Context, guildID string) (*discordgo.Guild, error) {
	var guild *discordgo.Guild
	err := g.call(ctx, func(opts ...discordgo.RequestOption) (err error) {
		guild, err = g.sess.Guild(guildID, opts...)
		return err
	})
	return guild, err
}

// Channel returns a channel, preferring the gateway state cache.
func (g *Gateway) Channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	var ch *discordgo.Channel
	err := g.call(ctx, func(opts ...discordgo.RequestOption) (err error) {
		ch, err = g.sess.Channel(channelID, opts...)
		return err
	})
	return ch, err
}

// Member returns a guild member.
func (g *Gateway) Member(ctx context.Context, guildID, userID string) (*discordgo.Member, error) {
	var m *discordgo.Member
	err := g.call(ctx, func(opts ...discordgo.RequestOption) (err error) {
		m, err = g.sess.GuildMember(guildID, userID, opts...)
		return err
	})
	return m, err
}

// User returns a user by id.
func (g *Gateway) User(ctx context.Context, userID string) (*discordgo.User, error) {
	var u *discordgo.User
	err := g.call(ctx, func(opts ...discordgo.RequestOption) (err error) {
		u, err = g.sess.User(userID, opts...)
		return err
	})
	return u, err
}

// ChannelMessage returns one message.
func (g *Gateway) ChannelMessage(ctx context.Context, channelID, messageID string) (*discordgo.Message, error) {
	var m *discordgo.Message
	err := g.call(ctx, func(opts ...discordgo.RequestOption) (err error) {
		m, err = g.sess.ChannelMessage(channelID, messageID, opts...)
		return err
	})
	return m, err
}

// ChannelMessages returns up to limit messages, newest first, as Discord
// orders them.
func (g *Gateway) ChannelMessages(ctx context.Context, channelID string, limit int, beforeID, afterID string) ([]*discordgo.Message, error) {
	var msgs []*discordgo.Message
	err := g.call(ctx, func(opts ...discordgo.RequestOption) (err error) {
		msgs, err = g.sess.ChannelMessages(channelID, limit, beforeID, afterID, "", opts...)
		return err
	})
	return msgs, err
}

// SendMessage posts content, optionally as a reply. Only user mentions
// ping; @everyone and role mentions are rendered inert.
func (g *Gateway) SendMessage(ctx context.Context, channelID, content, replyToID string) (*discordgo.Message, error) {
	data := &discordgo.MessageSend{
		Content: content,
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
		},
	}
	if replyToID != "" {
		data.Reference = &discordgo.MessageReference{MessageID: replyToID, ChannelID: channelID}
		data.AllowedMentions.RepliedUser = true
	}
	var sent *discordgo.Message
	err := g.call(ctx, func(opts ...discordgo.RequestOption) (err error) {
		sent, err = g.sess.ChannelMessageSendComplex(channelID, data, opts...)
		return err
	})
	return sent, err
}

// DeleteMessage deletes one message.
func (g *Gateway) DeleteMessage(ctx context.Context, channelID, messageID, reason string) error {
	return g.call(ctx, func(opts ...discordgo.RequestOption) error {
		return g.sess.ChannelMessageDelete(channelID, messageID, opts...)
	}, auditReason(reason)...)
}

// BulkDeleteMessages deletes 2 to 100 messages younger than 14 days.
func (g *Gateway) BulkDeleteMessages(ctx context.Context, channelID string, messageIDs []string, reason string) error {
	return g.call(ctx, func(opts ...discordgo.RequestOption) error {
		return g.sess.ChannelMessagesBulkDelete(channelID, messageIDs, opts...)
	}, auditReason(reason)...)
}

// Ban bans a user, deleting deleteMessageDays of their history.
func (g *Gateway) Ban(ctx context.Context, guildID, userID, reason string, deleteMessageDays int) error {
	return g.call(ctx, func(opts ...discordgo.RequestOption) error {
		return g.sess.GuildBanCreateWithReason(guildID, userID, reason, deleteMessageDays, opts...)
	})
}

// Kick removes a member from the guild.
func (g *Gateway) Kick(ctx context.Context, guildID, userID, reason string) error {
	return g.call(ctx, func(opts ...discordgo.RequestOption) error {
		return g.sess.GuildMemberDeleteWithReason(guildID, userID, reason, opts...)
	})
}

// Timeout sets or clears (until nil) a member's communication timeout.
func (g *Gateway) Timeout(ctx context.Context, guildID, userID string, until *time.Time, reason string) error {
	return g.call(ctx, func(opts ...discordgo.RequestOption) error {
		return g.sess.GuildMemberTimeout(guildID, userID, until, opts...)
	}, auditReason(reason)...)
}

func auditReason(reason string) []discordgo.RequestOption {
	if reason == "" {
		return nil
	}
	return []discordgo.RequestOption{discordgo.WithAuditLogReason(reason)}
}

// BotGuildPermissions returns the bot's guild-level permission bits.
func (g *Gateway) BotGuildPermissions(ctx context.Context, guildID string) (int64, error) {
	return g.memberGuildPermissions(ctx, guildID, g.BotUserID())
}

// BotChannelPermissions returns the bot's effective permissions in a
// channel, overwrites included.
func (g *Gateway) BotChannelPermissions(ctx context.Context, channelID string) (int64, error) {
	return g.userChannelPermissions(ctx, g.BotUserID(), channelID)
}

// MemberPermissions returns a member's permissions in channelID, or at the
// guild level when channelID is empty.
func (g *Gateway) MemberPermissions(ctx context.Context, guildID, channelID, userID string) (int64, error) {
	if channelID == "" {
		return g.memberGuildPermissions(ctx, guildID, userID)
	}
	return g.userChannelPermissions(ctx, userID, channelID)
}

func (g *Gateway) userChannelPermissions(ctx context.Context, userID, channelID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("gateway: user id is unknown")
	}
	var perms int64
	err := g.call(ctx, func(opts ...discordgo.RequestOption) (err error) {
		perms, err = g.sess.UserChannelPermissions(userID, channelID, opts...)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("gateway: channel permissions for %s in %s: %w", userID, channelID, err)
	}
	return perms, nil
}

func (g *Gateway) memberGuildPermissions(ctx context.Context, guildID, userID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("gateway: user id is unknown")
	}
	guild, err := g.Guild(ctx, guildID)
	if err != nil {
		return 0, fmt.Errorf("gateway: guild %s: %w", guildID, err)
	}
	member, err := g.Member(ctx, guildID, userID)
	if err != nil {
		return 0, fmt.Errorf("gateway: member %s: %w", userID, err)
	}
	if userID == guild.OwnerID {
		return discordgo.PermissionAll, nil
	}
	var perms int64
	for _, r := range guild.Roles {
		if r.ID == guild.ID {
			perms |= r.Permissions
			continue
		}
		for _, id := range member.Roles {
			if r.ID == id {
				perms |= r.Permissions
			}
		}
	}
	if perms&discordgo.PermissionAdministrator != 0 {
		return discordgo.PermissionAll, nil
	}
	return perms, nil
}
