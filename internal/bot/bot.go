// Package bot wires the gateway, batcher and thread manager into the
// long-running message loop.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zulandar/ery/internal/batcher"
	"github.com/zulandar/ery/internal/models"
	"github.com/zulandar/ery/internal/telemetry"
)

// ErrThreadLimit is returned by HandleBatch when the batch was dropped
// because its guild is at the active thread limit.
var ErrThreadLimit = errors.New("bot: guild thread limit reached")

// Gateway delivers inbound platform messages.
type Gateway interface {
	Connect(ctx context.Context) error
	Messages() <-chan batcher.Message
	Close() error
}

// Batcher groups messages into batches.
type Batcher interface {
	AddMessage(ctx context.Context, msg batcher.Message) error
	Batches() <-chan *batcher.MessageBatch
	Stop()
}

// Threads reserves capacity and spawns task threads.
type Threads interface {
	Reserve(ctx context.Context, guildID string) (release func(), ok bool, err error)
	SpawnThread(ctx context.Context, batch *batcher.MessageBatch) (*models.TaskThread, error)
	Shutdown(ctx context.Context) error
}

// Scheduler runs background sweeps.
type Scheduler interface {
	Start()
	Stop() context.Context
}

const defaultReplyLookups = 8

// Opts configures a Bot.
type Opts struct {
	Gateway         Gateway
	Batcher         Batcher
	Threads         Threads
	Reaper          Scheduler // optional
	ShutdownTimeout time.Duration
	ReplyLookups    int // concurrent intakes of reply messages; default 8
	Logger          *slog.Logger
	Telemetry       *telemetry.Provider
}

// Bot is the message manager: gateway messages go to the batcher, sealed
// batches become task threads.
type Bot struct {
	gateway         Gateway
	batcher         Batcher
	threads         Threads
	reaper          Scheduler
	shutdownTimeout time.Duration
	replyLookups    int
	log             *slog.Logger
	tel             *telemetry.Provider
}

// New creates a Bot.
func New(opts Opts) (*Bot, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("bot: gateway is required")
	}
	if opts.Batcher == nil {
		return nil, fmt.Errorf("bot: batcher is required")
	}
	if opts.Threads == nil {
		return nil, fmt.Errorf("bot: threads is required")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if opts.ReplyLookups <= 0 {
		opts.ReplyLookups = defaultReplyLookups
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Bot{
		gateway:         opts.Gateway,
		batcher:         opts.Batcher,
		threads:         opts.Threads,
		reaper:          opts.Reaper,
		shutdownTimeout: opts.ShutdownTimeout,
		replyLookups:    opts.ReplyLookups,
		log:             log.With("component", "bot"),
		tel:             telemetry.OrNoop(opts.Telemetry),
	}, nil
}

// Run connects and pumps messages and batches until ctx is cancelled, then
// shuts every component down in dependency order.
//
// Sealed batches are consumed on their own goroutine so the batcher never
// blocks on a channel that only the message loop drains. Replies are queued
// off the loop too, since resolving a reply chain costs platform round trips.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.gateway.Connect(ctx); err != nil {
		return fmt.Errorf("bot: connect: %w", err)
	}
	if b.reaper != nil {
		b.reaper.Start()
	}
	b.log.Info("bot online")

	stopPump := make(chan struct{})
	pumpExited := make(chan struct{})
	go func() {
		defer close(pumpExited)
		b.pumpBatches(context.WithoutCancel(ctx), stopPump)
	}()

	var intake sync.WaitGroup
	lookups := make(chan struct{}, b.replyLookups)
	messages := b.gateway.Messages()
	for {
		select {
		case <-ctx.Done():
			return b.shutdown(&intake, stopPump, pumpExited)
		case <-pumpExited:
			b.log.Warn("batch channel closed")
			return b.shutdown(&intake, stopPump, pumpExited)
		case msg := <-messages:
			if msg.ReferenceID == "" {
				b.queue(ctx, msg)
				continue
			}
			select {
			case lookups <- struct{}{}:
			case <-ctx.Done():
				continue
			}
			intake.Add(1)
			go func() {
				defer intake.Done()
				defer func() { <-lookups }()
				b.queue(ctx, msg)
			}()
		}
	}
}

func (b *Bot) queue(ctx context.Context, msg batcher.Message) {
	if err := b.HandleMessage(ctx, msg); err != nil {
		b.log.Error("queue message", "message", msg.ID, "channel", msg.ChannelID, "error", err)
	}
}

// pumpBatches spawns a thread per sealed batch. Once stop is closed it
// drains whatever is already buffered and returns.
func (b *Bot) pumpBatches(ctx context.Context, stop <-chan struct{}) {
	batches := b.batcher.Batches()
	for {
		select {
		case batch, ok := <-batches:
			if !ok {
				return
			}
			b.spawn(ctx, batch)
		case <-stop:
			for {
				select {
				case batch, ok := <-batches:
					if !ok {
						return
					}
					b.spawn(ctx, batch)
				default:
					return
				}
			}
		}
	}
}

func (b *Bot) spawn(ctx context.Context, batch *batcher.MessageBatch) {
	if _, err := b.HandleBatch(ctx, batch); err != nil && !errors.Is(err, ErrThreadLimit) {
		b.log.Error("spawn thread", "batch", batch.ID, "channel", batch.ChannelID, "error", err)
	}
}

// HandleMessage queues one inbound message.
func (b *Bot) HandleMessage(ctx context.Context, msg batcher.Message) error {
	return b.batcher.AddMessage(ctx, msg)
}

// HandleBatch spawns a task thread for batch unless its guild is at the
// limit, in which case the batch is dropped and ErrThreadLimit returned.
func (b *Bot) HandleBatch(ctx context.Context, batch *batcher.MessageBatch) (*models.TaskThread, error) {
	release, ok, err := b.threads.Reserve(ctx, batch.GuildID)
	if err != nil {
		return nil, fmt.Errorf("bot: check thread limit: %w", err)
	}
	defer release()
	if !ok {
		b.tel.Metrics.ThreadsDropped.Add(ctx, 1)
		b.log.Warn("thread limit reached, dropping batch",
			"guild", batch.GuildID, "channel", batch.ChannelID, "batch", batch.ID, "messages", len(batch.Messages))
		return nil, ErrThreadLimit
	}
	return b.threads.SpawnThread(ctx, batch)
}

func (b *Bot) shutdown(intake *sync.WaitGroup, stopPump chan struct{}, pumpExited <-chan struct{}) error {
	b.log.Info("bot shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), b.shutdownTimeout)
	defer cancel()

	var errs []error
	if b.reaper != nil {
		select {
		case <-b.reaper.Stop().Done():
		case <-ctx.Done():
		}
	}

	intakeDone := make(chan struct{})
	go func() {
		intake.Wait()
		close(intakeDone)
	}()
	select {
	case <-intakeDone:
	case <-ctx.Done():
		b.log.Warn("reply intake still running at shutdown timeout")
	}

	b.batcher.Stop()
	close(stopPump)
	select {
	case <-pumpExited:
	case <-ctx.Done():
		b.log.Warn("batch pump still running at shutdown timeout")
	}

	if err := b.gateway.Close(); err != nil {
		errs = append(errs, fmt.Errorf("bot: close gateway: %w", err))
	}
	if err := b.threads.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	b.log.Info("bot stopped")
	return errors.Join(errs...)
}
