package threads

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/ery/internal/agent"
	"github.com/zulandar/ery/internal/batcher"
	"github.com/zulandar/ery/internal/db"
	"github.com/zulandar/ery/internal/models"
	"github.com/zulandar/ery/internal/tools"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "threads.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close(gdb) })
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return gdb
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(testDB(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func thread(id, channel, guild string, created time.Time) *models.TaskThread {
	return &models.TaskThread{ID: id, BatchID: "b-" + id, ChannelID: channel, GuildID: guild, Context: "{}", CreatedAt: created}
}

func testBatch(channel, guild string) *batcher.MessageBatch {
	return &batcher.MessageBatch{
		ID:        "batch-" + channel,
		ChannelID: channel,
		GuildID:   guild,
		Trigger:   batcher.TriggerBotMention,
		Messages:  []batcher.Message{{ID: "m1", ChannelID: channel, GuildID: guild, AuthorID: "u1", Content: "hi"}},
	}
}

// --- fakes ---

type runFunc func(ctx context.Context, threadID string, batch *batcher.MessageBatch) (*agent.Result, error)

func (f runFunc) Run(ctx context.Context, threadID string, batch *batcher.MessageBatch) (*agent.Result, error) {
	return f(ctx, threadID, batch)
}

func succeed(context.Context, string, *batcher.MessageBatch) (*agent.Result, error) {
	return &agent.Result{Success: true, LoopIterations: 1, StopReason: agent.StopDone}, nil
}

func newManager(t *testing.T, r Runner, max int) *Manager {
	t.Helper()
	m, err := NewManager(ManagerOpts{Store: testStore(t), Runner: r, MaxActivePerGuild: max, Timeout: time.Minute})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

// --- store ---

func TestStore_CreateGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, thread("t1", "c1", "g1", time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.ThreadActive || got.ChannelID != "c1" {
		t.Errorf("thread = %+v", got)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing err = %v, want ErrNotFound", err)
	}
	if err := s.Create(ctx, &models.TaskThread{}); err == nil {
		t.Error("Create without id succeeded")
	}
}

func TestStore_TerminalTransitionsAreCompareAndSet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()
	s.Create(ctx, thread("t1", "c1", "g1", now))

	if err := s.MarkCompleted(ctx, "t1", `{"success":true}`, now); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if err := s.MarkFailed(ctx, "t1", "late", now); !errors.Is(err, ErrNotActive) {
		t.Errorf("MarkFailed after complete err = %v, want ErrNotActive", err)
	}
	if err := s.MarkCompleted(ctx, "t1", "{}", now); !errors.Is(err, ErrNotActive) {
		t.Errorf("second MarkCompleted err = %v, want ErrNotActive", err)
	}
	if err := s.MarkFailed(ctx, "nope", "x", now); !errors.Is(err, ErrNotActive) {
		t.Errorf("MarkFailed unknown err = %v, want ErrNotActive", err)
	}

	got, _ := s.Get(ctx, "t1")
	if got.Status != models.ThreadCompleted || got.Result == nil || *got.Result != `{"success":true}` {
		t.Errorf("thread = %+v", got)
	}
	if got.Error != nil || got.CompletedAt == nil {
		t.Errorf("Error = %v CompletedAt = %v", got.Error, got.CompletedAt)
	}
}

func TestStore_ActiveQueries(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	s.Create(ctx, thread("a", "c1", "g1", base))
	s.Create(ctx, thread("b", "c1", "g1", base.Add(time.Minute)))
	s.Create(ctx, thread("c", "c2", "g1", base.Add(50*time.Minute)))
	s.Create(ctx, thread("d", "c3", "g2", base))
	s.MarkFailed(ctx, "b", "x", time.Now())

	active, err := s.ListActiveByChannel(ctx, "c1")
	if err != nil || len(active) != 1 || active[0].ID != "a" {
		t.Errorf("ListActiveByChannel = %v, %v", active, err)
	}
	if n, _ := s.CountActiveByGuild(ctx, "g1"); n != 2 {
		t.Errorf("CountActiveByGuild(g1) = %d, want 2", n)
	}
	stale, err := s.ListStaleActive(ctx, base.Add(30*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 2 {
		t.Errorf("ListStaleActive = %d rows, want 2", len(stale))
	}

	all, _ := s.List(ctx, ListFilter{GuildID: "g1"})
	if len(all) != 3 || all[0].ID != "c" {
		t.Errorf("List(g1) = %d rows first %q, want 3 newest first", len(all), all[0].ID)
	}
	failed, _ := s.List(ctx, ListFilter{Status: models.ThreadFailed})
	if len(failed) != 1 || failed[0].ID != "b" {
		t.Errorf("List(failed) = %v", failed)
	}
	limited, _ := s.List(ctx, ListFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("List(limit 2) = %d rows", len(limited))
	}

	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[models.ThreadActive] != 3 || counts[models.ThreadFailed] != 1 || counts[models.ThreadCompleted] != 0 {
		t.Errorf("Counts = %v", counts)
	}
}

// --- manager ---

func TestNewManager_Validation(t *testing.T) {
	if _, err := NewManager(ManagerOpts{Runner: runFunc(succeed)}); err == nil || !strings.Contains(err.Error(), "store is required") {
		t.Errorf("err = %v", err)
	}
}

func TestManager_WithoutRunner(t *testing.T) {
	m, err := NewManager(ManagerOpts{Store: testStore(t)})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	_, err = m.SpawnThread(context.Background(), &batcher.MessageBatch{ID: "b", ChannelID: "c"})
	if err == nil || !strings.Contains(err.Error(), "no runner") {
		t.Errorf("SpawnThread err = %v, want no runner error", err)
	}
	if n, err := m.CleanupInactiveThreads(context.Background()); err != nil || n != 0 {
		t.Errorf("CleanupInactiveThreads = %d, %v", n, err)
	}
}

func TestSpawnThread_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		run        runFunc
		wantStatus string
		wantError  string
	}{
		{"success", succeed, models.ThreadCompleted, ""},
		{"runner error", func(context.Context, string, *batcher.MessageBatch) (*agent.Result, error) {
			return &agent.Result{Error: "boom"}, errors.New("agent: both primary and fallback models failed")
		}, models.ThreadFailed, "agent: both primary and fallback models failed"},
		{"unsuccessful result", func(context.Context, string, *batcher.MessageBatch) (*agent.Result, error) {
			return &agent.Result{Error: "AI provider not configured"}, nil
		}, models.ThreadFailed, "AI provider not configured"},
		{"panic", func(context.Context, string, *batcher.MessageBatch) (*agent.Result, error) {
			panic("kaboom")
		}, models.ThreadFailed, "thread panicked: kaboom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t, tt.run, 5)
			th, err := m.SpawnThread(context.Background(), testBatch("c1", "g1"))
			if err != nil {
				t.Fatalf("SpawnThread: %v", err)
			}
			if th.Status != models.ThreadActive || th.BatchID != "batch-c1" {
				t.Errorf("spawned = %+v", th)
			}
			waitIdle(t, m)

			got, err := m.Store().Get(context.Background(), th.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", got.Status, tt.wantStatus)
			}
			if tt.wantError != "" && (got.Error == nil || *got.Error != tt.wantError) {
				t.Errorf("Error = %v, want %q", got.Error, tt.wantError)
			}
			if tt.wantStatus == models.ThreadCompleted {
				var res agent.Result
				if got.Result == nil || json.Unmarshal([]byte(*got.Result), &res) != nil || !res.Success {
					t.Errorf("Result = %v", got.Result)
				}
			}
		})
	}
}

func TestSpawnThread_PersistsBatchContextAndDetachesContext(t *testing.T) {
	gotCtxErr := make(chan error, 1)
	m := newManager(t, runFunc(func(ctx context.Context, id string, b *batcher.MessageBatch) (*agent.Result, error) {
		gotCtxErr <- ctx.Err()
		return succeed(ctx, id, b)
	}), 5)

	ctx, cancel := context.WithCancel(context.Background())
	th, err := m.SpawnThread(ctx, testBatch("c1", "g1"))
	cancel()
	if err != nil {
		t.Fatalf("SpawnThread: %v", err)
	}
	waitIdle(t, m)

	if err := <-gotCtxErr; err != nil {
		t.Errorf("worker context err = %v, want detached from caller", err)
	}
	var b batcher.MessageBatch
	if err := json.Unmarshal([]byte(th.Context), &b); err != nil || b.ID != "batch-c1" || len(b.Messages) != 1 {
		t.Errorf("Context = %s (%v)", th.Context, err)
	}
}

func TestGetActiveThreads_CacheEvictedOnFinish(t *testing.T) {
	release := make(chan struct{})
	m := newManager(t, runFunc(func(ctx context.Context, id string, b *batcher.MessageBatch) (*agent.Result, error) {
		<-release
		return succeed(ctx, id, b)
	}), 5)
	ctx := context.Background()

	th, err := m.SpawnThread(ctx, testBatch("c1", "g1"))
	if err != nil {
		t.Fatal(err)
	}
	active, err := m.GetActiveThreads(ctx, "c1")
	if err != nil || len(active) != 1 || active[0].ID != th.ID {
		t.Fatalf("GetActiveThreads = %v, %v", active, err)
	}
	// Cached channel picks up further spawns without a store read.
	th2, _ := m.SpawnThread(ctx, testBatch("c1", "g1"))
	active, _ = m.GetActiveThreads(ctx, "c1")
	if len(active) != 2 || active[1].ID != th2.ID {
		t.Errorf("after second spawn = %v", active)
	}

	close(release)
	waitIdle(t, m)
	active, _ = m.GetActiveThreads(ctx, "c1")
	if len(active) != 0 {
		t.Errorf("after finish = %v, want none", active)
	}
}

func TestGetActiveThreads_FillRacingFinishIsNotCached(t *testing.T) {
	release := make(chan struct{})
	m := newManager(t, runFunc(func(ctx context.Context, id string, b *batcher.MessageBatch) (*agent.Result, error) {
		<-release
		return succeed(ctx, id, b)
	}), 5)
	defer waitIdle(t, m)
	defer close(release)
	ctx := context.Background()

	th, err := m.SpawnThread(ctx, testBatch("c1", "g1"))
	if err != nil {
		t.Fatal(err)
	}
	// The thread fails after the store read but before the fill lands.
	m.fillHook = func(string) {
		m.fillHook = nil
		if err := m.FailThread(ctx, th.ID, "cancelled"); err != nil {
			t.Errorf("FailThread: %v", err)
		}
	}
	active, err := m.GetActiveThreads(ctx, "c1")
	if err != nil || len(active) != 1 {
		t.Fatalf("racing fill = %v, %v", active, err)
	}

	active, _ = m.GetActiveThreads(ctx, "c1")
	if len(active) != 0 {
		t.Errorf("after fail = %v, want none", active)
	}
}

func TestGetActiveThreads_FillRacingSpawnIsNotCached(t *testing.T) {
	release := make(chan struct{})
	m := newManager(t, runFunc(func(ctx context.Context, id string, b *batcher.MessageBatch) (*agent.Result, error) {
		<-release
		return succeed(ctx, id, b)
	}), 5)
	defer waitIdle(t, m)
	defer close(release)
	ctx := context.Background()

	var spawned *models.TaskThread
	m.fillHook = func(string) {
		m.fillHook = nil
		th, err := m.SpawnThread(ctx, testBatch("c1", "g1"))
		if err != nil {
			t.Errorf("SpawnThread: %v", err)
		}
		spawned = th
	}
	active, err := m.GetActiveThreads(ctx, "c1")
	if err != nil || len(active) != 0 {
		t.Fatalf("racing fill = %v, %v", active, err)
	}

	active, _ = m.GetActiveThreads(ctx, "c1")
	if len(active) != 1 || spawned == nil || active[0].ID != spawned.ID {
		t.Errorf("after spawn = %v, want the new thread", active)
	}
}

func TestCompleteThread_UnencodableResult(t *testing.T) {
	var logs bytes.Buffer
	m, err := NewManager(ManagerOpts{
		Store:  testStore(t),
		Logger: slog.New(slog.NewTextHandler(&logs, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := m.Store().Create(ctx, thread("t1", "c1", "g1", time.Now())); err != nil {
		t.Fatal(err)
	}

	res := &agent.Result{Success: true, ToolExecutions: []tools.Result{{ToolName: "x", Success: true, Data: func() {}}}}
	if err := m.CompleteThread(ctx, "t1", res); err != nil {
		t.Fatalf("CompleteThread: %v", err)
	}
	got, err := m.Store().Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ThreadCompleted || got.Result == nil || *got.Result != "{}" {
		t.Errorf("thread = %s %v", got.Status, got.Result)
	}
	if !strings.Contains(logs.String(), "encode thread result") || !strings.Contains(logs.String(), "thread=t1") {
		t.Errorf("log = %q, want the encode failure", logs.String())
	}
}

func TestReserve_EnforcesLimit(t *testing.T) {
	release := make(chan struct{})
	m := newManager(t, runFunc(func(ctx context.Context, id string, b *batcher.MessageBatch) (*agent.Result, error) {
		<-release
		return succeed(ctx, id, b)
	}), 2)
	ctx := context.Background()
	defer func() {
		close(release)
		waitIdle(t, m)
	}()

	if _, err := m.SpawnThread(ctx, testBatch("c1", "g1")); err != nil {
		t.Fatal(err)
	}

	rel1, ok, err := m.Reserve(ctx, "g1")
	if err != nil || !ok {
		t.Fatalf("first Reserve = %v, %v", ok, err)
	}
	// One active plus one reservation fills a limit of two.
	if _, ok, _ := m.Reserve(ctx, "g1"); ok {
		t.Error("second Reserve succeeded past the limit")
	}
	if _, ok, _ := m.Reserve(ctx, "g2"); !ok {
		t.Error("other guild should not be affected")
	}

	rel1()
	rel1() // idempotent
	rel2, ok, _ := m.Reserve(ctx, "g1")
	if !ok {
		t.Fatal("Reserve after release failed")
	}
	if _, err := m.SpawnThread(ctx, testBatch("c2", "g1")); err != nil {
		t.Fatal(err)
	}
	rel2()

	if reached, _ := m.HasReachedThreadLimit(ctx, "g1"); !reached {
		t.Error("HasReachedThreadLimit = false with 2 active")
	}
	if n, _ := m.GetActiveThreadCount(ctx, "g1"); n != 2 {
		t.Errorf("GetActiveThreadCount = %d, want 2", n)
	}
	if _, ok, _ := m.Reserve(ctx, "g1"); ok {
		t.Error("Reserve succeeded with guild full")
	}
}

func TestCleanupInactiveThreads(t *testing.T) {
	m := newManager(t, runFunc(succeed), 5)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.Store().Create(ctx, thread("old", "c1", "g1", now.Add(-2*time.Minute)))
	m.Store().Create(ctx, thread("fresh", "c1", "g1", now.Add(-30*time.Second)))
	m.Store().Create(ctx, thread("done", "c1", "g1", now.Add(-time.Hour)))
	m.Store().MarkCompleted(ctx, "done", "{}", now)

	n, err := m.CleanupInactiveThreads(ctx)
	if err != nil {
		t.Fatalf("CleanupInactiveThreads: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}
	old, _ := m.Store().Get(ctx, "old")
	if old.Status != models.ThreadFailed || old.Error == nil || *old.Error != TimeoutReason {
		t.Errorf("old = %+v", old)
	}
	fresh, _ := m.Store().Get(ctx, "fresh")
	if fresh.Status != models.ThreadActive {
		t.Errorf("fresh status = %s", fresh.Status)
	}

	// A worker finishing after the reap loses the race.
	if err := m.CompleteThread(ctx, "old", &agent.Result{Success: true}); !errors.Is(err, ErrNotActive) {
		t.Errorf("late CompleteThread err = %v, want ErrNotActive", err)
	}
	old, _ = m.Store().Get(ctx, "old")
	if old.Status != models.ThreadFailed {
		t.Errorf("late completion overwrote status: %s", old.Status)
	}
}

func TestShutdown(t *testing.T) {
	release := make(chan struct{})
	m := newManager(t, runFunc(func(ctx context.Context, id string, b *batcher.MessageBatch) (*agent.Result, error) {
		<-release
		return succeed(ctx, id, b)
	}), 5)
	if _, err := m.SpawnThread(context.Background(), testBatch("c1", "g1")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown with busy worker err = %v, want deadline", err)
	}
	if _, err := m.SpawnThread(context.Background(), testBatch("c1", "g1")); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("SpawnThread after shutdown err = %v", err)
	}
	close(release)
	waitIdle(t, m)
}
