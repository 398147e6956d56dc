package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// snowflakeRE matches a Discord user, channel or role ID.
var snowflakeRE = regexp.MustCompile(`^\d{17,19}$`)

// Context is where a tool is being invoked from.
type Context struct {
	ThreadID    string
	GuildID     string
	ChannelID   string
	UserID      string // requester
	MessageID   string // trigger message
	IsDM        bool
	Permissions PermissionChecker
}

// PermissionChecker resolves effective permission bitsets on the platform.
type PermissionChecker interface {
	BotGuildPermissions(ctx context.Context, guildID string) (int64, error)
	BotChannelPermissions(ctx context.Context, channelID string) (int64, error)
	MemberPermissions(ctx context.Context, guildID, channelID, userID string) (int64, error)
}

func hasPermission(set int64, p Permission) bool {
	if set&discordgo.PermissionAdministrator != 0 {
		return true
	}
	return set&p.Bit == p.Bit
}

// CheckContext reports why def cannot run in tc, or nil when it can.
func CheckContext(ctx context.Context, def Definition, tc Context) error {
	if tc.IsDM || tc.GuildID == "" {
		if !def.AllowDM {
			return errors.New("This tool cannot be used in direct messages")
		}
		return nil
	}
	if len(def.BotPermissions) == 0 && len(def.UserPermissions) == 0 {
		return nil
	}
	if tc.Permissions == nil {
		return errors.New("Bot member not found in guild")
	}

	if len(def.BotPermissions) > 0 {
		guildPerms, err := tc.Permissions.BotGuildPermissions(ctx, tc.GuildID)
		if err != nil {
			return fmt.Errorf("Bot member not found in guild: %v", err)
		}
		for _, p := range def.BotPermissions {
			if !hasPermission(guildPerms, p) {
				return fmt.Errorf("Bot missing permission: %s", p.Name)
			}
		}
		if tc.ChannelID != "" {
			chanPerms, err := tc.Permissions.BotChannelPermissions(ctx, tc.ChannelID)
			if err != nil {
				return fmt.Errorf("resolve channel permissions: %v", err)
			}
			for _, p := range def.BotPermissions {
				if !hasPermission(chanPerms, p) {
					return fmt.Errorf("Bot missing channel permission: %s", p.Name)
				}
			}
		}
	}

	if len(def.UserPermissions) > 0 {
		if tc.UserID == "" {
			return errors.New("Requesting user is unknown")
		}
		userPerms, err := tc.Permissions.MemberPermissions(ctx, tc.GuildID, tc.ChannelID, tc.UserID)
		if err != nil {
			return fmt.Errorf("resolve user permissions: %v", err)
		}
		for _, p := range def.UserPermissions {
			if !hasPermission(userPerms, p) {
				return fmt.Errorf("User missing permission: %s", p.Name)
			}
		}
	}
	return nil
}

// ValidateParams checks params against def and returns a normalized copy.
// Required parameters are checked first, then every supplied key in name
// order.
func ValidateParams(def Definition, params map[string]any) (map[string]any, error) {
	for _, p := range def.Parameters {
		if _, ok := params[p.Name]; p.Required && !ok {
			return nil, fmt.Errorf("Missing required parameter: %s", p.Name)
		}
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(params))
	for _, key := range keys {
		p, ok := def.Parameter(key)
		if !ok {
			return nil, fmt.Errorf("Unknown parameter: %s", key)
		}
		v, ok := normalize(params[key], p.Kind)
		if !ok {
			return nil, fmt.Errorf("Invalid type for parameter %s: expected %s", key, p.Kind)
		}
		if len(p.Choices) > 0 && !contains(p.Choices, fmt.Sprint(v)) {
			return nil, fmt.Errorf("Invalid value for %s: must be one of %s", key, strings.Join(p.Choices, ", "))
		}
		if n, isNum := v.(float64); isNum {
			if (p.Min != nil && n < *p.Min) || (p.Max != nil && n > *p.Max) {
				return nil, fmt.Errorf("Invalid value for %s: %s", key, boundsText(p))
			}
		}
		out[key] = v
	}
	return out, nil
}

func normalize(v any, k Kind) (any, bool) {
	switch k {
	case KindString:
		s, ok := v.(string)
		return s, ok
	case KindNumber:
		f, ok := toFloat(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		return f, true
	case KindBoolean:
		switch b := v.(type) {
		case bool:
			return b, true
		case string:
			if b == "true" || b == "false" {
				return b == "true", true
			}
		}
		return nil, false
	case KindUser, KindChannel, KindRole:
		s, ok := v.(string)
		if !ok || !snowflakeRE.MatchString(s) {
			return nil, false
		}
		return s, true
	}
	return nil, false
}

func boundsText(p Parameter) string {
	switch {
	case p.Min != nil && p.Max != nil:
		return fmt.Sprintf("must be between %g and %g", *p.Min, *p.Max)
	case p.Min != nil:
		return fmt.Sprintf("must be at least %g", *p.Min)
	default:
		return fmt.Sprintf("must be at most %g", *p.Max)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
