package batcher

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEmptyQueue is returned when a seal is attempted on a queue with no
	// messages.
	ErrEmptyQueue = errors.New("batcher: queue is empty")
	// ErrStopped is returned by AddMessage after Stop.
	ErrStopped = errors.New("batcher: stopped")
)

const defaultBuffer = 64

// Opts holds parameters for creating a Batcher.
type Opts struct {
	MessageCount  int           // seal when a queue holds this many messages
	TimeWindow    time.Duration // seal after this much quiet time
	MaxQueueAge   time.Duration // CleanupQueues expires queues idle this long
	MaxReplyDepth int           // reply-chain hops to follow; 0 disables
	MaxReplyAge   time.Duration // ignore ancestors older than this; 0 means no limit
	Identity      BotIdentity
	History       History // optional; nil disables reply-to-bot detection
	Buffer        int     // capacity of the Batches channel
	Logger        *slog.Logger

	// OnBatch, when set, receives every sealed batch in place of the
	// Batches channel. It is called synchronously on the goroutine that
	// sealed the batch and never while the batcher lock is held.
	OnBatch func(*MessageBatch)
	// Clock overrides time.Now for queue timestamps and batch creation.
	Clock func() time.Time
}

// queue is the per-channel accumulation state. A timer is armed only while
// messages is non-empty; gen invalidates timers that lost a race with a seal.
type queue struct {
	channelID     string
	guildID       string
	messages      []Message
	lastMessageAt time.Time
	timer         *time.Timer
	gen           uint64
}

// Batcher turns a stream of per-channel messages into sealed batches.
type Batcher struct {
	opts    Opts
	log     *slog.Logger
	now     func() time.Time
	batches chan *MessageBatch
	done    chan struct{}

	mu      sync.Mutex
	queues  map[string]*queue
	stopped bool
}

// New creates a Batcher. Sealed batches are delivered on Batches().
func New(opts Opts) (*Batcher, error) {
	if opts.MessageCount < 1 {
		return nil, fmt.Errorf("batcher: message count must be at least 1")
	}
	if opts.TimeWindow <= 0 {
		return nil, fmt.Errorf("batcher: time window is required")
	}
	if opts.Identity == nil {
		return nil, fmt.Errorf("batcher: bot identity is required")
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Batcher{
		opts:    opts,
		log:     log.With("component", "batcher"),
		now:     now,
		batches: make(chan *MessageBatch, opts.Buffer),
		done:    make(chan struct{}),
		queues:  make(map[string]*queue),
	}, nil
}

// Batches returns the channel on which every sealed batch is delivered
// exactly once. Nothing is sent on it when Opts.OnBatch is set. Sends block
// while the buffer is full, so the consumer must not be the goroutine that
// calls AddMessage.
func (b *Batcher) Batches() <-chan *MessageBatch {
	return b.batches
}

// AddMessage appends msg to its channel queue and evaluates the seal
// triggers in precedence order: reply to bot, bot mention, message count,
// then time window.
func (b *Batcher) AddMessage(ctx context.Context, msg Message) error {
	// Platform lookups happen before taking the lock so the queue is never
	// held across I/O.
	chain, repliesToBot := b.resolveReplyChain(ctx, msg)
	mentioned := b.isBotMentioned(ctx, msg)

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}
	q, ok := b.queues[msg.ChannelID]
	if !ok {
		q = &queue{channelID: msg.ChannelID, guildID: msg.GuildID}
		b.queues[msg.ChannelID] = q
	}
	q.messages = append(q.messages, msg)
	q.lastMessageAt = b.now()

	var (
		batch *MessageBatch
		err   error
	)
	switch {
	case repliesToBot:
		q.messages = mergeMessages(q.messages, chain)
		batch, err = b.sealLocked(q, TriggerReplyToBot, msg.ID)
	case mentioned:
		batch, err = b.sealLocked(q, TriggerBotMention, msg.ID)
	case len(q.messages) >= b.opts.MessageCount:
		batch, err = b.sealLocked(q, TriggerMessageCount, msg.ID)
	default:
		b.armTimerLocked(q)
		b.log.Debug("message queued", "channel", q.channelID, "queue_size", len(q.messages))
	}
	b.mu.Unlock()

	if err != nil {
		b.log.Warn("seal skipped", "channel", msg.ChannelID, "error", err)
		return nil
	}
	if batch != nil {
		b.emit(batch)
	}
	return nil
}

// armTimerLocked replaces any pending timer on q with a fresh time-window
// timer. Caller must hold b.mu.
func (b *Batcher) armTimerLocked(q *queue) {
	if q.timer != nil {
		q.timer.Stop()
	}
	q.gen++
	gen := q.gen
	channelID := q.channelID
	q.timer = time.AfterFunc(b.opts.TimeWindow, func() {
		b.fireTimer(channelID, gen)
	})
}

func (b *Batcher) fireTimer(channelID string, gen uint64) {
	b.mu.Lock()
	q, ok := b.queues[channelID]
	if !ok || q.gen != gen || q.timer == nil {
		b.mu.Unlock()
		return
	}
	batch, err := b.sealLocked(q, TriggerTimeWindow, "")
	b.mu.Unlock()

	if err != nil {
		b.log.Debug("time window fired on empty queue", "channel", channelID)
		return
	}
	b.emit(batch)
}

// sealLocked snapshots and clears q, cancels its timer, and builds the
// batch. Caller must hold b.mu.
func (b *Batcher) sealLocked(q *queue, trigger Trigger, triggerMessageID string) (*MessageBatch, error) {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.gen++
	if len(q.messages) == 0 {
		return nil, ErrEmptyQueue
	}

	msgs := q.messages
	q.messages = nil
	sortChronological(msgs)

	if triggerMessageID == "" {
		triggerMessageID = msgs[len(msgs)-1].ID
	}
	batch := &MessageBatch{
		ID:               uuid.NewString(),
		ChannelID:        q.channelID,
		GuildID:          q.guildID,
		Messages:         msgs,
		CreatedAt:        b.now(),
		Trigger:          trigger,
		TriggerMessageID: triggerMessageID,
	}
	b.log.Info("batch sealed",
		"batch", batch.ID,
		"channel", batch.ChannelID,
		"guild", batch.GuildID,
		"messages", len(msgs),
		"trigger", trigger,
	)
	return batch, nil
}

// emit hands batch to OnBatch or the Batches channel. After Stop a full
// channel no longer blocks the caller and the batch is dropped.
func (b *Batcher) emit(batch *MessageBatch) {
	if b.opts.OnBatch != nil {
		b.opts.OnBatch(batch)
		return
	}
	select {
	case b.batches <- batch:
	case <-b.done:
		select {
		case b.batches <- batch:
		default:
			b.log.Warn("batch dropped at shutdown", "batch", batch.ID, "channel", batch.ChannelID)
		}
	}
}

// Flush seals the queue for channelID immediately with the time-window
// trigger. Returns ErrEmptyQueue if there is nothing to seal.
func (b *Batcher) Flush(channelID string) error {
	b.mu.Lock()
	q, ok := b.queues[channelID]
	if !ok {
		b.mu.Unlock()
		return ErrEmptyQueue
	}
	batch, err := b.sealLocked(q, TriggerTimeWindow, "")
	b.mu.Unlock()
	if err != nil {
		return err
	}
	b.emit(batch)
	return nil
}

// CleanupQueues expires queues whose last activity is older than
// MaxQueueAge. Queues still holding messages are force-sealed with the
// time-window trigger; empty ones are dropped. Returns the number of queues
// expired.
func (b *Batcher) CleanupQueues() int {
	if b.opts.MaxQueueAge <= 0 {
		return 0
	}
	cutoff := b.now().Add(-b.opts.MaxQueueAge)

	var sealed []*MessageBatch
	expired := 0

	b.mu.Lock()
	for channelID, q := range b.queues {
		if !q.lastMessageAt.Before(cutoff) {
			continue
		}
		expired++
		if len(q.messages) == 0 {
			if q.timer != nil {
				q.timer.Stop()
			}
			delete(b.queues, channelID)
			continue
		}
		batch, err := b.sealLocked(q, TriggerTimeWindow, "")
		if err == nil {
			sealed = append(sealed, batch)
		}
	}
	b.mu.Unlock()

	for _, batch := range sealed {
		b.emit(batch)
	}
	if expired > 0 {
		b.log.Debug("expired message queues", "count", expired, "sealed", len(sealed))
	}
	return expired
}

// QueueStats summarizes pending queue state.
type QueueStats struct {
	TotalQueues     int            `json:"total_queues"`
	TotalMessages   int            `json:"total_messages"`
	QueuesByChannel map[string]int `json:"queues_by_channel"`
}

// Stats returns a snapshot of queue sizes.
func (b *Batcher) Stats() QueueStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := QueueStats{
		TotalQueues:     len(b.queues),
		QueuesByChannel: make(map[string]int, len(b.queues)),
	}
	for channelID, q := range b.queues {
		stats.QueuesByChannel[channelID] = len(q.messages)
		stats.TotalMessages += len(q.messages)
	}
	return stats
}

// QueueSnapshot is a copy of one channel's queue state.
type QueueSnapshot struct {
	ChannelID     string
	GuildID       string
	Messages      []Message
	LastMessageAt time.Time
	TimerArmed    bool
}

// Queue returns a copy of the queue for channelID.
func (b *Batcher) Queue(channelID string) (QueueSnapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[channelID]
	if !ok {
		return QueueSnapshot{}, false
	}
	return QueueSnapshot{
		ChannelID:     q.channelID,
		GuildID:       q.guildID,
		Messages:      slices.Clone(q.messages),
		LastMessageAt: q.lastMessageAt,
		TimerArmed:    q.timer != nil,
	}, true
}

// Stop cancels every pending timer and releases any emit blocked on a full
// Batches channel. Messages still queued are discarded and later AddMessage
// calls return ErrStopped.
func (b *Batcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.stopped {
		close(b.done)
	}
	b.stopped = true
	for _, q := range b.queues {
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		q.gen++
	}
}

// isBotMentioned reports a direct user mention, a mention of any role the
// bot holds, or an everyone/here mention.
func (b *Batcher) isBotMentioned(ctx context.Context, msg Message) bool {
	if msg.MentionEveryone {
		return true
	}
	botID := b.opts.Identity.BotUserID()
	if botID != "" && slices.Contains(msg.MentionUserIDs, botID) {
		return true
	}
	if msg.GuildID == "" || len(msg.MentionRoleIDs) == 0 {
		return false
	}
	for _, role := range b.opts.Identity.BotRoleIDs(ctx, msg.GuildID) {
		if slices.Contains(msg.MentionRoleIDs, role) {
			return true
		}
	}
	return false
}

// resolveReplyChain follows msg's reply references within the same channel
// up to MaxReplyDepth hops, stopping at ancestors older than MaxReplyAge or
// at the first fetch failure. It reports whether any ancestor was written by
// the bot.
func (b *Batcher) resolveReplyChain(ctx context.Context, msg Message) ([]Message, bool) {
	if msg.ReferenceID == "" || b.opts.History == nil || b.opts.MaxReplyDepth <= 0 {
		return nil, false
	}
	botID := b.opts.Identity.BotUserID()
	var cutoff time.Time
	if b.opts.MaxReplyAge > 0 {
		cutoff = b.now().Add(-b.opts.MaxReplyAge)
	}

	var (
		chain        []Message
		repliesToBot bool
		seen         = map[string]bool{msg.ID: true}
	)
	ref, refChannel := msg.ReferenceID, msg.ReferenceChannelID
	for depth := 0; depth < b.opts.MaxReplyDepth && ref != "" && !seen[ref]; depth++ {
		if refChannel != "" && refChannel != msg.ChannelID {
			break
		}
		parent, err := b.opts.History.FetchMessage(ctx, msg.ChannelID, ref)
		if err != nil {
			b.log.Warn("reply chain fetch failed",
				"channel", msg.ChannelID, "message", ref, "depth", depth, "error", err)
			break
		}
		if !cutoff.IsZero() && parent.Timestamp.Before(cutoff) {
			break
		}
		seen[ref] = true
		chain = append(chain, *parent)
		if botID != "" && parent.AuthorID == botID {
			repliesToBot = true
		}
		ref, refChannel = parent.ReferenceID, parent.ReferenceChannelID
	}
	return chain, repliesToBot
}

// mergeMessages adds extra to msgs, dropping duplicate ids, and returns the
// result in chronological order.
func mergeMessages(msgs, extra []Message) []Message {
	seen := make(map[string]bool, len(msgs)+len(extra))
	out := make([]Message, 0, len(msgs)+len(extra))
	for _, m := range append(slices.Clone(msgs), extra...) {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	sortChronological(out)
	return out
}

// sortChronological orders messages by timestamp, then by id so that equal
// timestamps sort the same way regardless of arrival order.
func sortChronological(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return compareIDs(a.ID, b.ID)
	})
}

// compareIDs orders snowflake ids numerically: a shorter id is a smaller
// number, and equal lengths compare lexically.
func compareIDs(a, b string) int {
	if c := cmp.Compare(len(a), len(b)); c != 0 {
		return c
	}
	return cmp.Compare(a, b)
}
