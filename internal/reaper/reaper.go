// Package reaper schedules the periodic sweeps that drop idle message
// queues and fail task threads that outlived their timeout.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// QueueSweeper drops expired per-channel queues.
type QueueSweeper interface {
	CleanupQueues() int
}

// ThreadSweeper fails expired task threads.
type ThreadSweeper interface {
	CleanupInactiveThreads(ctx context.Context) (int, error)
}

// Opts configures a Reaper.
type Opts struct {
	Batcher        QueueSweeper // optional
	Threads        ThreadSweeper
	QueueInterval  time.Duration
	ThreadInterval time.Duration
	Logger         *slog.Logger
}

// Reaper runs both sweeps on cron schedules.
type Reaper struct {
	batcher QueueSweeper
	threads ThreadSweeper
	log     *slog.Logger
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
}

// SweepResult reports one synchronous sweep.
type SweepResult struct {
	QueuesDropped int
	ThreadsReaped int
}

// New creates a Reaper. Jobs are registered immediately but only fire
// after Start.
func New(opts Opts) (*Reaper, error) {
	if opts.Threads == nil {
		return nil, fmt.Errorf("reaper: threads is required")
	}
	if opts.QueueInterval <= 0 {
		opts.QueueInterval = time.Minute
	}
	if opts.ThreadInterval <= 0 {
		opts.ThreadInterval = time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "reaper")

	ctx, cancel := context.WithCancel(context.Background())
	r := &Reaper{
		batcher: opts.Batcher,
		threads: opts.Threads,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
	cl := cronLogger{log: log}
	r.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	if r.batcher != nil {
		r.cron.Schedule(cron.Every(opts.QueueInterval), cron.FuncJob(func() { r.sweepQueues() }))
	}
	r.cron.Schedule(cron.Every(opts.ThreadInterval), cron.FuncJob(func() { r.sweepThreads(r.ctx) }))
	return r, nil
}

// Start begins firing the scheduled sweeps.
func (r *Reaper) Start() {
	r.cron.Start()
	r.log.Info("reaper started", "jobs", len(r.cron.Entries()))
}

// Stop halts scheduling. The returned context is done once running sweeps
// have finished.
func (r *Reaper) Stop() context.Context {
	r.cancel()
	done := r.cron.Stop()
	r.log.Info("reaper stopped")
	return done
}

// SweepNow runs both sweeps synchronously.
func (r *Reaper) SweepNow(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if r.batcher != nil {
		res.QueuesDropped = r.sweepQueues()
	}
	n, err := r.threads.CleanupInactiveThreads(ctx)
	res.ThreadsReaped = n
	if err != nil {
		return res, fmt.Errorf("reaper: sweep threads: %w", err)
	}
	return res, nil
}

func (r *Reaper) sweepQueues() int {
	n := r.batcher.CleanupQueues()
	if n > 0 {
		r.log.Debug("dropped idle queues", "count", n)
	}
	return n
}

func (r *Reaper) sweepThreads(ctx context.Context) {
	if _, err := r.threads.CleanupInactiveThreads(ctx); err != nil {
		r.log.Error("thread sweep failed", "error", err)
	}
}

// cronLogger routes cron's scheduler messages to slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
