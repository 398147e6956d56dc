// Package discordtools provides the Discord capabilities the agent can call:
// messaging, channel and member lookups, moderation and the per-guild
// information documents.
package discordtools

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/zulandar/ery/internal/auditlog"
	"github.com/zulandar/ery/internal/models"
	"github.com/zulandar/ery/internal/tools"
)

const (
	maxMessageLength = 2000
	maxReasonLength  = 512
	bulkDeleteMaxAge = 14 * 24 * time.Hour
	reasonSuffix     = " | Autonomous moderation action"
)

var snowflakeRE = regexp.MustCompile(`^\d{17,19}$`)

// Platform is the subset of the Discord REST API the tools use.
type Platform interface {
	BotUserID() string
	Guild(ctx context.Context, guildID string) (*discordgo.Guild, error)
	Channel(ctx context.Context, channelID string) (*discordgo.Channel, error)
	Member(ctx context.Context, guildID, userID string) (*discordgo.Member, error)
	User(ctx context.Context, userID string) (*discordgo.User, error)
	ChannelMessage(ctx context.Context, channelID, messageID string) (*discordgo.Message, error)
	ChannelMessages(ctx context.Context, channelID string, limit int, beforeID, afterID string) ([]*discordgo.Message, error)
	SendMessage(ctx context.Context, channelID, content, replyToID string) (*discordgo.Message, error)
	DeleteMessage(ctx context.Context, channelID, messageID, reason string) error
	BulkDeleteMessages(ctx context.Context, channelID string, messageIDs []string, reason string) error
	Ban(ctx context.Context, guildID, userID, reason string, deleteMessageDays int) error
	Kick(ctx context.Context, guildID, userID, reason string) error
	Timeout(ctx context.Context, guildID, userID string, until *time.Time, reason string) error
}

// DocumentSource reads per-guild information documents.
type DocumentSource interface {
	List(ctx context.Context, guildID string) ([]models.InfoDocument, error)
	Get(ctx context.Context, guildID, name string) (*models.InfoDocument, error)
}

// Deps are the collaborators shared by every tool.
type Deps struct {
	Platform  Platform
	Documents DocumentSource   // optional; document tools are skipped without it
	Audit     *auditlog.Logger // optional; moderation rows are skipped without it
	Now       func() time.Time
}

type toolset struct {
	Deps
}

// All returns every Discord tool bound to deps.
func All(deps Deps) ([]tools.Tool, error) {
	if deps.Platform == nil {
		return nil, fmt.Errorf("discordtools: platform is required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	ts := &toolset{Deps: deps}

	out := []tools.Tool{
		&tools.Func{Def: sendMessageDef, Fn: ts.sendMessage},
		&tools.Func{Def: fetchMessagesDef, Fn: ts.fetchMessages},
		&tools.Func{Def: getChannelInfoDef, Fn: ts.getChannelInfo},
		&tools.Func{Def: getMemberInfoDef, Fn: ts.getMemberInfo},
		&tools.Func{Def: getServerInfoDef, Fn: ts.getServerInfo},
		&tools.Func{Def: banMemberDef, Fn: ts.banMember},
		&tools.Func{Def: kickMemberDef, Fn: ts.kickMember},
		&tools.Func{Def: timeoutMemberDef, Fn: ts.timeoutMember},
		&tools.Func{Def: deleteMessageDef, Fn: ts.deleteMessage},
		&tools.Func{Def: bulkDeleteDef, Fn: ts.bulkDeleteMessages},
	}
	if deps.Documents != nil {
		out = append(out,
			&tools.Func{Def: listDocumentsDef, Fn: ts.listDocuments},
			&tools.Func{Def: readDocumentDef, Fn: ts.readDocument},
		)
	}
	return out, nil
}

// Register adds every Discord tool to reg.
func Register(reg *tools.Registry, deps Deps) error {
	all, err := All(deps)
	if err != nil {
		return err
	}
	for _, t := range all {
		reg.Register(t)
	}
	return nil
}

func perm(bit int64, name string) tools.Permission {
	return tools.Permission{Bit: bit, Name: name}
}

var (
	permSendMessages       = perm(discordgo.PermissionSendMessages, "SendMessages")
	permViewChannel        = perm(discordgo.PermissionViewChannel, "ViewChannel")
	permReadMessageHistory = perm(discordgo.PermissionReadMessageHistory, "ReadMessageHistory")
	permManageMessages     = perm(discordgo.PermissionManageMessages, "ManageMessages")
	permBanMembers         = perm(discordgo.PermissionBanMembers, "BanMembers")
	permKickMembers        = perm(discordgo.PermissionKickMembers, "KickMembers")
	permModerateMembers    = perm(discordgo.PermissionModerateMembers, "ModerateMembers")
)

// namedPermissions lists the bits reported by the info tools.
var namedPermissions = []tools.Permission{
	perm(discordgo.PermissionAdministrator, "Administrator"),
	perm(discordgo.PermissionManageGuild, "ManageGuild"),
	perm(discordgo.PermissionManageChannels, "ManageChannels"),
	perm(discordgo.PermissionManageRoles, "ManageRoles"),
	permViewChannel,
	permSendMessages,
	permReadMessageHistory,
	permManageMessages,
	permKickMembers,
	permBanMembers,
	permModerateMembers,
	perm(discordgo.PermissionMentionEveryone, "MentionEveryone"),
}

func permissionNames(set int64) []string {
	names := []string{}
	for _, p := range namedPermissions {
		if set&p.Bit == p.Bit {
			names = append(names, p.Name)
		}
	}
	return names
}

// targetChannel resolves the channel a tool acts on. An empty id means the
// invoking channel. Channels outside the invoking guild are reported as not
// found, and the bot's permissions are rechecked when the target differs.
func (ts *toolset) targetChannel(ctx context.Context, tc tools.Context, channelID string, need ...tools.Permission) (*discordgo.Channel, error) {
	if channelID == "" || channelID == tc.ChannelID {
		ch, err := ts.Platform.Channel(ctx, tc.ChannelID)
		if err != nil {
			return nil, fmt.Errorf("Channel with ID %s not found", tc.ChannelID)
		}
		return ch, nil
	}
	if tc.GuildID == "" {
		return nil, errors.New("Only the current channel can be used in direct messages")
	}
	ch, err := ts.Platform.Channel(ctx, channelID)
	if err != nil || ch.GuildID != tc.GuildID {
		return nil, fmt.Errorf("Channel with ID %s not found", channelID)
	}
	if len(need) > 0 && tc.Permissions != nil {
		set, err := tc.Permissions.BotChannelPermissions(ctx, channelID)
		if err != nil {
			return nil, fmt.Errorf("resolve channel permissions: %v", err)
		}
		for _, p := range need {
			if set&discordgo.PermissionAdministrator == 0 && set&p.Bit != p.Bit {
				return nil, fmt.Errorf("Bot missing channel permission: %s", p.Name)
			}
		}
	}
	return ch, nil
}

// highestRole returns the position of a member's highest role. The
// @everyone role is position 0.
func highestRole(guild *discordgo.Guild, roleIDs []string) int {
	highest := 0
	for _, r := range guild.Roles {
		for _, id := range roleIDs {
			if r.ID == id && r.Position > highest {
				highest = r.Position
			}
		}
	}
	return highest
}

// guildPermissions folds a member's role permissions.
func guildPermissions(guild *discordgo.Guild, member *discordgo.Member) int64 {
	if member.User != nil && member.User.ID == guild.OwnerID {
		return discordgo.PermissionAll
	}
	var set int64
	for _, r := range guild.Roles {
		if r.ID == guild.ID {
			set |= r.Permissions
			continue
		}
		for _, id := range member.Roles {
			if r.ID == id {
				set |= r.Permissions
			}
		}
	}
	return set
}

// checkHierarchy enforces that the bot outranks target and target is not
// the owner. verb is used in the error text.
func (ts *toolset) checkHierarchy(ctx context.Context, guild *discordgo.Guild, target *discordgo.Member, verb string) error {
	if target.User != nil && target.User.ID == guild.OwnerID {
		return fmt.Errorf("Cannot %s the server owner", verb)
	}
	bot, err := ts.Platform.Member(ctx, guild.ID, ts.Platform.BotUserID())
	if err != nil {
		return errors.New("Bot member not found in guild")
	}
	if highestRole(guild, target.Roles) >= highestRole(guild, bot.Roles) {
		return fmt.Errorf("Cannot %s member with equal or higher roles than bot", verb)
	}
	return nil
}

// restCode returns the Discord JSON error code carried by err, or 0.
func restCode(err error) int {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Message != nil {
		return rest.Message.Code
	}
	return 0
}

// platformError maps well-known REST failures onto short messages.
func platformError(err error, action, missingPerm string) error {
	switch restCode(err) {
	case discordgo.ErrCodeMissingPermissions, discordgo.ErrCodeMissingAccess:
		return errors.New(missingPerm)
	case discordgo.ErrCodeUnknownMember:
		return errors.New("Member not found")
	case discordgo.ErrCodeUnknownUser:
		return errors.New("User not found")
	case discordgo.ErrCodeUnknownMessage:
		return errors.New("Message not found or has already been deleted")
	case discordgo.ErrCodeUnknownChannel:
		return errors.New("Channel not found")
	}
	return fmt.Errorf("Failed to %s: %v", action, err)
}

func validateReason(reason, action string) error {
	if len(trimmed(reason)) == 0 {
		return fmt.Errorf("%s reason cannot be empty", action)
	}
	if len([]rune(reason)) > maxReasonLength {
		return fmt.Errorf("%s reason cannot exceed %d characters", action, maxReasonLength)
	}
	return nil
}

func (ts *toolset) recordModeration(ctx context.Context, tc tools.Context, action, target, reason string, details map[string]any) {
	ts.Audit.RecordModeration(ctx, models.ModerationLog{
		GuildID:      tc.GuildID,
		Action:       action,
		TargetUserID: target,
		ModeratorID:  ts.Platform.BotUserID(),
		RequestedBy:  tc.UserID,
		Reason:       reason,
		ThreadID:     tc.ThreadID,
		Details:      encodeDetails(details),
		CreatedAt:    ts.Now(),
	})
}

func userTag(u *discordgo.User, fallbackID string) string {
	if u == nil {
		return "User ID: " + fallbackID
	}
	if u.Discriminator == "" || u.Discriminator == "0" {
		return u.Username
	}
	return u.Username + "#" + u.Discriminator
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func sortOldestFirst(msgs []*discordgo.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
