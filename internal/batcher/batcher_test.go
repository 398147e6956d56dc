package batcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

const botID = "100000000000000001"

type fakeIdentity struct {
	roles map[string][]string
}

func (f *fakeIdentity) BotUserID() string { return botID }

func (f *fakeIdentity) BotRoleIDs(_ context.Context, guildID string) []string {
	if f.roles == nil {
		return nil
	}
	return f.roles[guildID]
}

type fakeHistory struct {
	mu       sync.Mutex
	messages map[string]Message
	err      error
	calls    int
}

func (f *fakeHistory) FetchMessage(_ context.Context, _, messageID string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	m, ok := f.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("unknown message %s", messageID)
	}
	return &m, nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestBatcher(t *testing.T, opts Opts) *Batcher {
	t.Helper()
	if opts.MessageCount == 0 {
		opts.MessageCount = 5
	}
	if opts.TimeWindow == 0 {
		opts.TimeWindow = time.Hour
	}
	if opts.Identity == nil {
		opts.Identity = &fakeIdentity{}
	}
	opts.Logger = quietLogger
	b, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, offset time.Duration) Message {
	return Message{
		ID:         id,
		ChannelID:  "c1",
		GuildID:    "g1",
		AuthorID:   "200000000000000002",
		AuthorName: "alice",
		Content:    "hello " + id,
		Timestamp:  base.Add(offset),
	}
}

func recvBatch(t *testing.T, b *Batcher) *MessageBatch {
	t.Helper()
	select {
	case batch := <-b.Batches():
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
		return nil
	}
}

func assertNoBatch(t *testing.T, b *Batcher, wait time.Duration) {
	t.Helper()
	select {
	case batch := <-b.Batches():
		t.Fatalf("unexpected batch %s (trigger %s, %d messages)", batch.ID, batch.Trigger, len(batch.Messages))
	case <-time.After(wait):
	}
}

func ids(msgs []Message) string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return strings.Join(out, ",")
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		opts    Opts
		wantErr string
	}{
		{"zero count", Opts{TimeWindow: time.Second, Identity: &fakeIdentity{}}, "message count"},
		{"zero window", Opts{MessageCount: 1, Identity: &fakeIdentity{}}, "time window is required"},
		{"no identity", Opts{MessageCount: 1, TimeWindow: time.Second}, "bot identity is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Triggers
// ---------------------------------------------------------------------------

func TestAddMessage_CountTrigger(t *testing.T) {
	b := newTestBatcher(t, Opts{MessageCount: 5, TimeWindow: 30 * time.Second})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := b.AddMessage(ctx, msg(fmt.Sprintf("m%d", i), time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}

	batch := recvBatch(t, b)
	if batch.Trigger != TriggerMessageCount {
		t.Errorf("Trigger = %s, want %s", batch.Trigger, TriggerMessageCount)
	}
	if len(batch.Messages) != 5 {
		t.Errorf("len(Messages) = %d, want 5", len(batch.Messages))
	}
	if batch.TriggerMessageID != "m4" {
		t.Errorf("TriggerMessageID = %q, want m4", batch.TriggerMessageID)
	}
	if batch.ChannelID != "c1" || batch.GuildID != "g1" {
		t.Errorf("batch channel/guild = %s/%s", batch.ChannelID, batch.GuildID)
	}

	q, ok := b.Queue("c1")
	if !ok {
		t.Fatal("queue should still exist after seal")
	}
	if len(q.Messages) != 0 {
		t.Errorf("queue holds %d messages after seal, want 0", len(q.Messages))
	}
	if q.TimerArmed {
		t.Error("timer still armed after seal")
	}
	assertNoBatch(t, b, 20*time.Millisecond)
}

func TestAddMessage_MentionOverridesWindow(t *testing.T) {
	b := newTestBatcher(t, Opts{MessageCount: 5, TimeWindow: 30 * time.Second})

	m := msg("m1", 0)
	m.MentionUserIDs = []string{botID}
	if err := b.AddMessage(context.Background(), m); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	batch := recvBatch(t, b)
	if batch.Trigger != TriggerBotMention {
		t.Errorf("Trigger = %s, want %s", batch.Trigger, TriggerBotMention)
	}
	if len(batch.Messages) != 1 {
		t.Errorf("len(Messages) = %d, want 1", len(batch.Messages))
	}
}

func TestAddMessage_MentionVariants(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Message)
		want   bool
	}{
		{"user mention", func(m *Message) { m.MentionUserIDs = []string{"other", botID} }, true},
		{"bot role mention", func(m *Message) { m.MentionRoleIDs = []string{"role-bot"} }, true},
		{"everyone", func(m *Message) { m.MentionEveryone = true }, true},
		{"other role", func(m *Message) { m.MentionRoleIDs = []string{"role-mods"} }, false},
		{"other user", func(m *Message) { m.MentionUserIDs = []string{"300000000000000003"} }, false},
		{"role in dm", func(m *Message) { m.GuildID = ""; m.MentionRoleIDs = []string{"role-bot"} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBatcher(t, Opts{
				Identity: &fakeIdentity{roles: map[string][]string{"g1": {"role-bot"}}},
			})
			m := msg("m1", 0)
			tt.mutate(&m)
			if err := b.AddMessage(context.Background(), m); err != nil {
				t.Fatalf("AddMessage: %v", err)
			}
			if tt.want {
				if batch := recvBatch(t, b); batch.Trigger != TriggerBotMention {
					t.Errorf("Trigger = %s, want bot_mention", batch.Trigger)
				}
			} else {
				assertNoBatch(t, b, 20*time.Millisecond)
			}
		})
	}
}

func TestAddMessage_TimeWindowTrigger(t *testing.T) {
	b := newTestBatcher(t, Opts{MessageCount: 10, TimeWindow: 100 * time.Millisecond})
	ctx := context.Background()

	b.AddMessage(ctx, msg("m1", 0))
	b.AddMessage(ctx, msg("m2", time.Second))

	q, _ := b.Queue("c1")
	if !q.TimerArmed {
		t.Fatal("expected an armed timer while messages are queued")
	}

	batch := recvBatch(t, b)
	if batch.Trigger != TriggerTimeWindow {
		t.Errorf("Trigger = %s, want %s", batch.Trigger, TriggerTimeWindow)
	}
	if got := ids(batch.Messages); got != "m1,m2" {
		t.Errorf("messages = %s, want m1,m2", got)
	}
	if batch.TriggerMessageID != "m2" {
		t.Errorf("TriggerMessageID = %q, want newest message m2", batch.TriggerMessageID)
	}
	assertNoBatch(t, b, 150*time.Millisecond)
}

func TestAddMessage_TimerRearmedOnEachMessage(t *testing.T) {
	b := newTestBatcher(t, Opts{MessageCount: 10, TimeWindow: 200 * time.Millisecond})
	ctx := context.Background()

	b.AddMessage(ctx, msg("m1", 0))
	time.Sleep(50 * time.Millisecond)
	b.AddMessage(ctx, msg("m2", time.Second))

	batch := recvBatch(t, b)
	if got := ids(batch.Messages); got != "m1,m2" {
		t.Errorf("messages = %s, want both messages in one batch", got)
	}
}

func TestAddMessage_QueuesAreIndependentPerChannel(t *testing.T) {
	b := newTestBatcher(t, Opts{MessageCount: 2})
	ctx := context.Background()

	m1 := msg("a1", 0)
	m2 := msg("b1", 0)
	m2.ChannelID = "c2"
	b.AddMessage(ctx, m1)
	b.AddMessage(ctx, m2)
	assertNoBatch(t, b, 20*time.Millisecond)

	m3 := msg("a2", time.Second)
	b.AddMessage(ctx, m3)
	batch := recvBatch(t, b)
	if batch.ChannelID != "c1" || ids(batch.Messages) != "a1,a2" {
		t.Errorf("batch = %s %s, want c1 a1,a2", batch.ChannelID, ids(batch.Messages))
	}

	stats := b.Stats()
	if stats.TotalQueues != 2 || stats.TotalMessages != 1 || stats.QueuesByChannel["c2"] != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

// ---------------------------------------------------------------------------
// Reply-to-bot
// ---------------------------------------------------------------------------

func TestAddMessage_ReplyToBot(t *testing.T) {
	botMsg := msg("b0", -2*time.Minute)
	botMsg.AuthorID = botID
	botMsg.AuthorBot = true

	user1 := msg("u1", -time.Minute)
	user1.ReferenceID = "b0"

	// The bot message is not fetchable yet when u1 arrives, so u1 is queued
	// without sealing.
	hist := &fakeHistory{messages: map[string]Message{}}
	b := newTestBatcher(t, Opts{
		MessageCount: 10, MaxReplyDepth: 5, MaxReplyAge: time.Hour, History: hist,
		Clock: func() time.Time { return base },
	})
	ctx := context.Background()

	b.AddMessage(ctx, user1)
	assertNoBatch(t, b, 10*time.Millisecond)

	hist.mu.Lock()
	hist.messages["b0"] = botMsg
	hist.messages["u1"] = user1
	hist.mu.Unlock()

	// u2 replies to u1, which replies to the bot.

	user2 := msg("u2", 0)
	user2.ReferenceID = "u1"
	b.AddMessage(ctx, user2)

	batch := recvBatch(t, b)
	if batch.Trigger != TriggerReplyToBot {
		t.Fatalf("Trigger = %s, want %s", batch.Trigger, TriggerReplyToBot)
	}
	if got := ids(batch.Messages); got != "b0,u1,u2" {
		t.Errorf("messages = %s, want deduplicated chronological b0,u1,u2", got)
	}
	if batch.TriggerMessageID != "u2" {
		t.Errorf("TriggerMessageID = %q, want u2", batch.TriggerMessageID)
	}
}

func TestAddMessage_ReplyChainLimits(t *testing.T) {
	botMsg := msg("b0", -2*time.Hour)
	botMsg.AuthorID = botID
	user1 := msg("u1", -time.Minute)
	user1.ReferenceID = "b0"

	tests := []struct {
		name   string
		opts   Opts
		hist   *fakeHistory
		wantRe bool
	}{
		{
			name: "ancestor too old",
			opts: Opts{MaxReplyDepth: 5, MaxReplyAge: time.Hour},
			hist: &fakeHistory{messages: map[string]Message{"b0": botMsg, "u1": user1}},
		},
		{
			name: "bot beyond max depth",
			opts: Opts{MaxReplyDepth: 1, MaxReplyAge: 24 * time.Hour},
			hist: &fakeHistory{messages: map[string]Message{"b0": botMsg, "u1": user1}},
		},
		{
			name: "fetch failure is absorbed",
			opts: Opts{MaxReplyDepth: 5},
			hist: &fakeHistory{err: errors.New("missing access")},
		},
		{
			name:   "within limits",
			opts:   Opts{MaxReplyDepth: 2, MaxReplyAge: 24 * time.Hour},
			hist:   &fakeHistory{messages: map[string]Message{"b0": botMsg, "u1": user1}},
			wantRe: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.History = tt.hist
			tt.opts.MessageCount = 10
			b := newTestBatcher(t, tt.opts)
			b.now = func() time.Time { return base }

			reply := msg("u2", 0)
			reply.ReferenceID = "u1"
			if err := b.AddMessage(context.Background(), reply); err != nil {
				t.Fatalf("AddMessage returned %v; reply-chain problems must not fail the add", err)
			}

			if tt.wantRe {
				if batch := recvBatch(t, b); batch.Trigger != TriggerReplyToBot {
					t.Errorf("Trigger = %s, want reply_to_bot", batch.Trigger)
				}
				return
			}
			assertNoBatch(t, b, 20*time.Millisecond)
			q, _ := b.Queue("c1")
			if len(q.Messages) != 1 || !q.TimerArmed {
				t.Errorf("queue = %d messages armed=%v, want the reply queued with a timer", len(q.Messages), q.TimerArmed)
			}
		})
	}
}

func TestAddMessage_ReplyToOtherChannelIgnored(t *testing.T) {
	hist := &fakeHistory{messages: map[string]Message{}}
	b := newTestBatcher(t, Opts{MaxReplyDepth: 3, History: hist})

	reply := msg("u2", 0)
	reply.ReferenceID = "x1"
	reply.ReferenceChannelID = "elsewhere"
	b.AddMessage(context.Background(), reply)

	if hist.calls != 0 {
		t.Errorf("history fetched %d times for a cross-channel reference", hist.calls)
	}
}

// ---------------------------------------------------------------------------
// Seal invariants
// ---------------------------------------------------------------------------

func TestSeal_ChronologicalOrder(t *testing.T) {
	b := newTestBatcher(t, Opts{MessageCount: 4})
	ctx := context.Background()

	// Arrival order differs from timestamp order.
	b.AddMessage(ctx, msg("m3", 3*time.Second))
	b.AddMessage(ctx, msg("m1", 1*time.Second))
	b.AddMessage(ctx, msg("m4", 4*time.Second))
	b.AddMessage(ctx, msg("m2", 2*time.Second))

	batch := recvBatch(t, b)
	for i := 1; i < len(batch.Messages); i++ {
		if batch.Messages[i-1].Timestamp.After(batch.Messages[i].Timestamp) {
			t.Fatalf("messages out of order: %s", ids(batch.Messages))
		}
	}
}

func TestSeal_EqualTimestampsOrderedByID(t *testing.T) {
	// Snowflakes compare numerically, so the shorter id sorts first.
	const (
		short = "99999999999999999"
		low   = "100000000000000002"
		high  = "100000000000000009"
	)
	arrivals := [][]string{
		{high, low, short},
		{low, short, high},
		{short, high, low},
	}
	for _, order := range arrivals {
		b := newTestBatcher(t, Opts{MessageCount: len(order)})
		for _, id := range order {
			b.AddMessage(context.Background(), msg(id, 0))
		}
		batch := recvBatch(t, b)
		if got, want := ids(batch.Messages), ids([]Message{msg(short, 0), msg(low, 0), msg(high, 0)}); got != want {
			t.Errorf("arrival %v: order = %s, want %s", order, got, want)
		}
	}
}

func TestFlush_EmptyQueueIsNoop(t *testing.T) {
	b := newTestBatcher(t, Opts{})

	if err := b.Flush("nope"); !errors.Is(err, ErrEmptyQueue) {
		t.Errorf("Flush(unknown) = %v, want ErrEmptyQueue", err)
	}

	b.AddMessage(context.Background(), msg("m1", 0))
	if err := b.Flush("c1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	recvBatch(t, b)

	if err := b.Flush("c1"); !errors.Is(err, ErrEmptyQueue) {
		t.Errorf("second Flush = %v, want ErrEmptyQueue", err)
	}
	assertNoBatch(t, b, 20*time.Millisecond)
}

func TestSeal_NoDoubleSealUnderRace(t *testing.T) {
	b := newTestBatcher(t, Opts{MessageCount: 3, TimeWindow: time.Millisecond, Buffer: 1024})
	ctx := context.Background()

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				b.AddMessage(ctx, msg(id, time.Duration(i)*time.Millisecond))
				if i%7 == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[string]int)
	deadline := time.After(2 * time.Second)
	for len(seen) < writers*perWriter {
		select {
		case batch := <-b.Batches():
			if len(batch.Messages) == 0 {
				t.Fatal("empty batch emitted")
			}
			for _, m := range batch.Messages {
				seen[m.ID]++
			}
		case <-deadline:
			t.Fatalf("received %d of %d messages", len(seen), writers*perWriter)
		}
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("message %s delivered %d times", id, n)
		}
	}
	assertNoBatch(t, b, 20*time.Millisecond)
}

// ---------------------------------------------------------------------------
// Cleanup / Stop
// ---------------------------------------------------------------------------

func TestCleanupQueues(t *testing.T) {
	clock := &fakeClock{t: base}
	b := newTestBatcher(t, Opts{MessageCount: 10, MaxQueueAge: 5 * time.Minute, Clock: clock.Now})
	ctx := context.Background()

	b.AddMessage(ctx, msg("m1", 0))
	fresh := msg("f1", 0)
	fresh.ChannelID = "c2"

	clock.Advance(4 * time.Minute)
	b.AddMessage(ctx, fresh)
	if n := b.CleanupQueues(); n != 0 {
		t.Fatalf("CleanupQueues() = %d before expiry, want 0", n)
	}

	clock.Advance(2 * time.Minute)
	if n := b.CleanupQueues(); n != 1 {
		t.Fatalf("CleanupQueues() = %d, want 1", n)
	}
	batch := recvBatch(t, b)
	if batch.Trigger != TriggerTimeWindow || batch.ChannelID != "c1" {
		t.Errorf("batch = %s/%s, want time_window on c1", batch.Trigger, batch.ChannelID)
	}
	if q, ok := b.Queue("c1"); !ok || len(q.Messages) != 0 || q.TimerArmed {
		t.Errorf("expired queue after force seal = %+v, %v", q, ok)
	}

	// Still idle and now empty: dropped on the next sweep.
	if n := b.CleanupQueues(); n != 1 {
		t.Fatalf("second CleanupQueues() = %d, want 1", n)
	}
	if _, ok := b.Queue("c1"); ok {
		t.Error("empty expired queue should be removed")
	}
	if _, ok := b.Queue("c2"); !ok {
		t.Error("active queue c2 should remain")
	}
	assertNoBatch(t, b, 20*time.Millisecond)
}

func TestStop(t *testing.T) {
	b := newTestBatcher(t, Opts{MessageCount: 10, TimeWindow: 20 * time.Millisecond})
	ctx := context.Background()

	b.AddMessage(ctx, msg("m1", 0))
	b.Stop()

	if err := b.AddMessage(ctx, msg("m2", 0)); !errors.Is(err, ErrStopped) {
		t.Errorf("AddMessage after Stop = %v, want ErrStopped", err)
	}
	assertNoBatch(t, b, 60*time.Millisecond)
}

func TestStop_ReleasesBlockedEmit(t *testing.T) {
	b := newTestBatcher(t, Opts{MessageCount: 1, Buffer: 1})
	ctx := context.Background()

	b.AddMessage(ctx, msg("m1", 0)) // fills the buffer

	done := make(chan struct{})
	go func() {
		b.AddMessage(ctx, msg("m2", time.Second))
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	b.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AddMessage still blocked after Stop")
	}
	if batch := recvBatch(t, b); ids(batch.Messages) != "m1" {
		t.Errorf("buffered batch = %s, want m1", ids(batch.Messages))
	}
}

// ---------------------------------------------------------------------------
// OnBatch / Clock
// ---------------------------------------------------------------------------

func TestOnBatch_ReplacesChannel(t *testing.T) {
	var (
		mu  sync.Mutex
		got []*MessageBatch
	)
	b := newTestBatcher(t, Opts{
		MessageCount: 2,
		TimeWindow:   10 * time.Millisecond,
		OnBatch: func(batch *MessageBatch) {
			mu.Lock()
			got = append(got, batch)
			mu.Unlock()
		},
	})
	ctx := context.Background()

	b.AddMessage(ctx, msg("m1", 0))
	b.AddMessage(ctx, msg("m2", time.Second))
	b.AddMessage(ctx, msg("m3", 2*time.Second)) // sealed by the timer

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("OnBatch calls = %d, want 2", len(got))
	}
	if got[0].Trigger != TriggerMessageCount || ids(got[0].Messages) != "m1,m2" {
		t.Errorf("first batch = %s %s", got[0].Trigger, ids(got[0].Messages))
	}
	if got[1].Trigger != TriggerTimeWindow || ids(got[1].Messages) != "m3" {
		t.Errorf("second batch = %s %s", got[1].Trigger, ids(got[1].Messages))
	}
	assertNoBatch(t, b, 20*time.Millisecond)
}

func TestClock_StampsQueueAndBatch(t *testing.T) {
	clock := &fakeClock{t: base}
	b := newTestBatcher(t, Opts{MessageCount: 2, Clock: clock.Now})
	ctx := context.Background()

	b.AddMessage(ctx, msg("m1", 0))
	if q, _ := b.Queue("c1"); !q.LastMessageAt.Equal(base) {
		t.Errorf("LastMessageAt = %v, want %v", q.LastMessageAt, base)
	}
	clock.Advance(time.Minute)
	b.AddMessage(ctx, msg("m2", time.Second))

	batch := recvBatch(t, b)
	if !batch.CreatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("CreatedAt = %v, want %v", batch.CreatedAt, base.Add(time.Minute))
	}
}

func TestMessageBatch_TriggerMessage(t *testing.T) {
	batch := &MessageBatch{Messages: []Message{msg("a", 0), msg("b", time.Second)}, TriggerMessageID: "a"}
	if got := batch.TriggerMessage(); got == nil || got.ID != "a" {
		t.Errorf("TriggerMessage() = %v, want a", got)
	}
	batch.TriggerMessageID = "missing"
	if got := batch.TriggerMessage(); got == nil || got.ID != "b" {
		t.Errorf("TriggerMessage() fallback = %v, want newest b", got)
	}
	if (&MessageBatch{}).TriggerMessage() != nil {
		t.Error("TriggerMessage() on empty batch should be nil")
	}
}
