package threads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zulandar/ery/internal/agent"
	"github.com/zulandar/ery/internal/batcher"
	"github.com/zulandar/ery/internal/models"
	"github.com/zulandar/ery/internal/telemetry"
)

// TimeoutReason is the failure recorded for threads reaped by
// CleanupInactiveThreads.
const TimeoutReason = "Thread timed out due to inactivity"

// ErrShuttingDown is returned by SpawnThread after Shutdown has begun.
var ErrShuttingDown = errors.New("threads: manager is shutting down")

// Runner processes one batch for one thread.
type Runner interface {
	Run(ctx context.Context, threadID string, batch *batcher.MessageBatch) (*agent.Result, error)
}

// ManagerOpts configures a Manager.
type ManagerOpts struct {
	Store             *Store
	Runner            Runner // nil builds a maintenance-only manager that cannot spawn
	MaxActivePerGuild int
	Timeout           time.Duration
	Logger            *slog.Logger
	Telemetry         *telemetry.Provider
}

// Manager spawns one worker goroutine per task thread and owns the thread
// state transitions.
type Manager struct {
	store     *Store
	runner    Runner
	maxActive int
	timeout   time.Duration
	log       *slog.Logger
	tel       *telemetry.Provider
	now       func() time.Time

	mu       sync.Mutex
	cache    map[string]map[string]models.TaskThread // channel -> id -> thread
	epoch    uint64                                  // bumped on every spawn and eviction
	reserved map[string]int                          // guild -> pending spawns
	closing  bool
	wg       sync.WaitGroup

	// fillHook runs between the store read and the cache install of a
	// channel fill.
	fillHook func(channelID string)

	// reserveMu serializes limit checks so two reservations cannot both
	// observe the last free slot.
	reserveMu sync.Mutex
}

// NewManager creates a Manager.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("threads: store is required")
	}
	if opts.MaxActivePerGuild <= 0 {
		opts.MaxActivePerGuild = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:     opts.Store,
		runner:    opts.Runner,
		maxActive: opts.MaxActivePerGuild,
		timeout:   opts.Timeout,
		log:       log.With("component", "threads"),
		tel:       telemetry.OrNoop(opts.Telemetry),
		now:       time.Now,
		cache:     make(map[string]map[string]models.TaskThread),
		reserved:  make(map[string]int),
	}, nil
}

// Store returns the underlying store.
func (m *Manager) Store() *Store { return m.store }

// MaxActivePerGuild returns the configured per-guild limit.
func (m *Manager) MaxActivePerGuild() int { return m.maxActive }

// SpawnThread persists an active thread for batch and starts its worker.
// It returns once the row is written; the worker outlives ctx.
func (m *Manager) SpawnThread(ctx context.Context, batch *batcher.MessageBatch) (*models.TaskThread, error) {
	if batch == nil {
		return nil, fmt.Errorf("threads: spawn: batch is required")
	}
	if m.runner == nil {
		return nil, fmt.Errorf("threads: spawn: manager has no runner")
	}
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	m.wg.Add(1)
	m.mu.Unlock()

	data, err := json.Marshal(batch)
	if err != nil {
		m.wg.Done()
		return nil, fmt.Errorf("threads: spawn: encode batch: %w", err)
	}
	t := models.TaskThread{
		ID:        uuid.NewString(),
		BatchID:   batch.ID,
		ChannelID: batch.ChannelID,
		GuildID:   batch.GuildID,
		Status:    models.ThreadActive,
		Context:   string(data),
		CreatedAt: m.now(),
	}
	if err := m.store.Create(ctx, &t); err != nil {
		m.wg.Done()
		return nil, err
	}

	m.mu.Lock()
	m.epoch++
	if ch, ok := m.cache[t.ChannelID]; ok {
		ch[t.ID] = t
	}
	m.mu.Unlock()

	m.tel.Metrics.ThreadsSpawned.Add(ctx, 1)
	m.log.Info("thread spawned", "thread", t.ID, "batch", batch.ID, "channel", batch.ChannelID,
		"guild", batch.GuildID, "messages", len(batch.Messages), "trigger", batch.Trigger)

	go m.work(context.WithoutCancel(ctx), t.ID, batch)
	return &t, nil
}

func (m *Manager) work(ctx context.Context, id string, batch *batcher.MessageBatch) {
	defer m.wg.Done()
	m.tel.Metrics.ActiveThreads.Add(ctx, 1)
	defer m.tel.Metrics.ActiveThreads.Add(ctx, -1)

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			m.log.Error("thread worker panicked", "thread", id, "panic", r)
			m.FailThread(ctx, id, fmt.Sprintf("thread panicked: %v", r))
		}
	}()

	res, err := m.runner.Run(ctx, id, batch)
	switch {
	case err != nil:
		m.FailThread(ctx, id, err.Error())
	case res == nil:
		m.FailThread(ctx, id, "agent returned no result")
	case !res.Success:
		m.FailThread(ctx, id, res.Error)
	default:
		m.log.Info("thread processed", "thread", id, "summary", res.Summary(len(batch.Messages)))
		m.CompleteThread(ctx, id, res)
	}
}

// CompleteThread marks id completed with result. A thread that already
// left the active state yields ErrNotActive; the cache is evicted either
// way.
func (m *Manager) CompleteThread(ctx context.Context, id string, result *agent.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		m.log.Error("encode thread result", "thread", id, "error", err)
		data = []byte("{}")
	}
	return m.finish(ctx, id, models.ThreadCompleted, func(ctx context.Context, at time.Time) error {
		return m.store.MarkCompleted(ctx, id, string(data), at)
	})
}

// FailThread marks id failed with errText.
func (m *Manager) FailThread(ctx context.Context, id, errText string) error {
	return m.finish(ctx, id, models.ThreadFailed, func(ctx context.Context, at time.Time) error {
		return m.store.MarkFailed(ctx, id, errText, at)
	}, "error", errText)
}

func (m *Manager) finish(ctx context.Context, id, status string, mark func(context.Context, time.Time) error, logAttrs ...any) error {
	// Store writes outlive a worker that hit its own deadline.
	ctx = context.WithoutCancel(ctx)
	err := mark(ctx, m.now())
	m.evict(id)

	if errors.Is(err, ErrNotActive) {
		m.log.Warn("thread already finished", "thread", id, "status", status)
		return err
	}
	if err != nil {
		m.log.Error("thread state update failed", "thread", id, "status", status, "error", err)
		return err
	}
	m.tel.Metrics.ThreadFinished(ctx, status)
	if status == models.ThreadFailed {
		m.log.Warn("thread failed", append([]any{"thread", id}, logAttrs...)...)
	} else {
		m.log.Info("thread completed", "thread", id)
	}
	return nil
}

func (m *Manager) evict(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
	for _, ch := range m.cache {
		delete(ch, id)
	}
}

// GetActiveThreads returns the channel's active threads, oldest first,
// loading the channel from the store on a cache miss. A fill that overlaps
// a spawn or a finish is returned but not cached.
func (m *Manager) GetActiveThreads(ctx context.Context, channelID string) ([]models.TaskThread, error) {
	m.mu.Lock()
	if ch, ok := m.cache[channelID]; ok {
		out := sortedThreads(ch)
		m.mu.Unlock()
		return out, nil
	}
	epoch := m.epoch
	m.mu.Unlock()

	rows, err := m.store.ListActiveByChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if m.fillHook != nil {
		m.fillHook(channelID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.cache[channelID]; ok {
		return sortedThreads(ch), nil
	}
	if m.epoch != epoch {
		m.log.Debug("active thread fill raced a state change, not cached", "channel", channelID)
		return rows, nil
	}
	ch := make(map[string]models.TaskThread, len(rows))
	for _, t := range rows {
		ch[t.ID] = t
	}
	m.cache[channelID] = ch
	return rows, nil
}

func sortedThreads(ch map[string]models.TaskThread) []models.TaskThread {
	out := make([]models.TaskThread, 0, len(ch))
	for _, t := range ch {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b models.TaskThread) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// GetActiveThreadCount returns the guild's active thread count.
func (m *Manager) GetActiveThreadCount(ctx context.Context, guildID string) (int, error) {
	return m.store.CountActiveByGuild(ctx, guildID)
}

// HasReachedThreadLimit reports whether the guild is at its limit.
func (m *Manager) HasReachedThreadLimit(ctx context.Context, guildID string) (bool, error) {
	n, err := m.store.CountActiveByGuild(ctx, guildID)
	if err != nil {
		return false, err
	}
	return n >= m.maxActive, nil
}

// Reserve claims one slot of the guild's limit for a spawn about to happen.
// ok is false when the guild is full. Callers must call release once the
// spawn has persisted its row or been abandoned.
func (m *Manager) Reserve(ctx context.Context, guildID string) (release func(), ok bool, err error) {
	m.reserveMu.Lock()
	defer m.reserveMu.Unlock()

	n, err := m.store.CountActiveByGuild(ctx, guildID)
	if err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n+m.reserved[guildID] >= m.maxActive {
		return func() {}, false, nil
	}
	m.reserved[guildID]++

	var once sync.Once
	return func() {
		once.Do(func() {
			m.reserveMu.Lock()
			defer m.reserveMu.Unlock()
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.reserved[guildID]--; m.reserved[guildID] <= 0 {
				delete(m.reserved, guildID)
			}
		})
	}, true, nil
}

// CleanupInactiveThreads fails every active thread older than the
// configured timeout and returns how many were reaped.
func (m *Manager) CleanupInactiveThreads(ctx context.Context) (int, error) {
	stale, err := m.store.ListStaleActive(ctx, m.now().Add(-m.timeout))
	if err != nil {
		return 0, err
	}
	var (
		reaped int
		errs   []error
	)
	for _, t := range stale {
		err := m.FailThread(ctx, t.ID, TimeoutReason)
		switch {
		case err == nil:
			reaped++
		case errors.Is(err, ErrNotActive):
		default:
			errs = append(errs, err)
		}
	}
	if reaped > 0 {
		m.log.Info("reaped inactive threads", "count", reaped, "timeout", m.timeout)
	}
	return reaped, errors.Join(errs...)
}

// Shutdown stops new spawns and waits for running workers or ctx expiry.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("threads: shutdown: %w", ctx.Err())
	}
}
