// Package gateway connects Ery to Discord: it turns gateway events into
// batcher messages and serves the REST calls the tools and batcher need.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/zulandar/ery/internal/batcher"
)

const (
	// defaultMaxRetries is the max number of retries for rate-limited API calls.
	defaultMaxRetries = 3
	baseBackoff       = 2 * time.Second
	maxBackoff        = 2 * time.Minute
	inboundBuffer     = 100
)

// Opts holds parameters for creating a Gateway.
type Opts struct {
	BotToken   string
	AllowDMs   bool
	IgnoreBots bool
	MaxRetries int
	Logger     *slog.Logger
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// Gateway is the Discord connection.
type Gateway struct {
	sess        session
	botToken    string
	allowDMs    bool
	ignoreBots  bool
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	log         *slog.Logger

	mu        sync.Mutex
	botUserID string
	connected bool
	closed    bool
	removers  []func()

	inbound chan batcher.Message
	done    chan struct{}
}

// New creates a Gateway. Connect opens it.
func New(opts Opts) (*Gateway, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("gateway: bot token is required")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		sess:        opts.Session,
		botToken:    opts.BotToken,
		allowDMs:    opts.AllowDMs,
		ignoreBots:  opts.IgnoreBots,
		maxRetries:  opts.MaxRetries,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		log:         log.With("component", "gateway"),
		inbound:     make(chan batcher.Message, inboundBuffer),
		done:        make(chan struct{}),
	}, nil
}

// Connect opens the gateway websocket and registers event handlers.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return fmt.Errorf("gateway: already closed")
	}
	if g.connected {
		return nil
	}

	if g.sess == nil {
		dg, err := discordgo.New("Bot " + g.botToken)
		if err != nil {
			return fmt.Errorf("gateway: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuilds |
			discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		g.sess = &realSession{s: dg}
	}

	g.removers = append(g.removers,
		g.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			g.SetBotUserID(r.User.ID)
			g.log.Info("connected", "user", r.User.Username, "id", r.User.ID, "guilds", len(r.Guilds))
		}),
		g.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
			g.log.Warn("gateway disconnected, discordgo will auto-reconnect")
		}),
		g.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
			g.log.Info("gateway session resumed")
		}),
		g.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			g.handleMessage(m)
		}),
	)

	if err := g.sess.Open(); err != nil {
		return fmt.Errorf("gateway: open: %w", err)
	}
	g.connected = true
	return nil
}

// Messages returns inbound messages that passed filtering.
func (g *Gateway) Messages() <-chan batcher.Message { return g.inbound }

// Close shuts the connection down. Messages is not closed; consumers stop on
// their own context.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	g.connected = false
	close(g.done)
	for _, remove := range g.removers {
		remove()
	}
	g.removers = nil
	if g.sess != nil {
		return g.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's user id, known after the Ready event.
func (g *Gateway) BotUserID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.botUserID
}

// SetBotUserID sets the bot user id.
func (g *Gateway) SetBotUserID(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.botUserID = id
}

// BotRoleIDs returns the bot member's role ids in a guild, or nil when the
// member cannot be resolved. The state cache is consulted before REST.
func (g *Gateway) BotRoleIDs(ctx context.Context, guildID string) []string {
	if guildID == "" {
		return nil
	}
	m, err := g.Member(ctx, guildID, g.BotUserID())
	if err != nil {
		g.log.Debug("resolve bot roles", "guild", guildID, "error", err)
		return nil
	}
	return m.Roles
}

// handleMessage filters a gateway event and forwards it as a batcher message.
func (g *Gateway) handleMessage(m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil {
		return
	}
	if m.Author.ID == g.BotUserID() {
		return
	}
	if m.Author.Bot && g.ignoreBots {
		return
	}
	if m.GuildID == "" && !g.allowDMs {
		return
	}
	if m.Type != discordgo.MessageTypeDefault && m.Type != discordgo.MessageTypeReply {
		return
	}

	msg := toMessage(m.Message, m.GuildID)
	select {
	case g.inbound <- msg:
	case <-g.done:
	}
}

// toMessage converts a discordgo message. guildID fills in the guild for
// REST-fetched messages, which do not carry one.
func toMessage(m *discordgo.Message, guildID string) batcher.Message {
	if m.GuildID != "" {
		guildID = m.GuildID
	}
	out := batcher.Message{
		ID:              m.ID,
		ChannelID:       m.ChannelID,
		GuildID:         guildID,
		Content:         m.Content,
		Timestamp:       m.Timestamp,
		MentionRoleIDs:  m.MentionRoles,
		MentionEveryone: m.MentionEveryone,
	}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
		out.AuthorBot = m.Author.Bot
		out.AuthorName = displayName(m.Author, m.Member)
	}
	if out.Timestamp.IsZero() {
		out.Timestamp, _ = discordgo.SnowflakeTimestamp(m.ID)
	}
	for _, u := range m.Mentions {
		out.MentionUserIDs = append(out.MentionUserIDs, u.ID)
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, batcher.Attachment{ID: a.ID, Filename: a.Filename, URL: a.URL})
	}
	if ref := m.MessageReference; ref != nil && ref.MessageID != "" {
		out.ReferenceID = ref.MessageID
		out.ReferenceChannelID = ref.ChannelID
		if out.ReferenceChannelID == "" {
			out.ReferenceChannelID = m.ChannelID
		}
	}
	return out
}

func displayName(u *discordgo.User, member *discordgo.Member) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// FetchMessage loads one message, for reply-chain resolution.
func (g *Gateway) FetchMessage(ctx context.Context, channelID, messageID string) (*batcher.Message, error) {
	m, err := g.ChannelMessage(ctx, channelID, messageID)
	if err != nil {
		return nil, err
	}
	guildID := ""
	if ch, err := g.sess.Channel(channelID, discordgo.WithContext(ctx)); err == nil {
		guildID = ch.GuildID
	}
	msg := toMessage(m, guildID)
	return &msg, nil
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (g *Gateway) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err
		}
		if attempt >= g.maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * g.baseBackoff
		if wait > g.maxBackoff {
			wait = g.maxBackoff
		}
		g.log.Warn("rate limited, retrying", "attempt", attempt+1, "max", g.maxRetries, "wait", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// call runs fn under retryOnRateLimit with request options bound to ctx.
func (g *Gateway) call(ctx context.Context, fn func(opts ...discordgo.RequestOption) error, extra ...discordgo.RequestOption) error {
	opts := append([]discordgo.RequestOption{discordgo.WithContext(ctx)}, extra...)
	return g.retryOnRateLimit(ctx, func() error { return fn(opts...) })
}
