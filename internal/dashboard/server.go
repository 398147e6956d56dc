// Package dashboard serves a read-only JSON status API over the thread
// store, audit log and live batcher queues.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/zulandar/ery/internal/auditlog"
	"github.com/zulandar/ery/internal/batcher"
	"github.com/zulandar/ery/internal/documents"
	"github.com/zulandar/ery/internal/models"
	"github.com/zulandar/ery/internal/threads"
)

// QueueSource reports live batcher queues.
type QueueSource interface {
	Stats() batcher.QueueStats
}

// ActiveThreadSource reports a channel's active threads, oldest first.
// *threads.Manager implements it over its in-memory cache.
type ActiveThreadSource interface {
	GetActiveThreads(ctx context.Context, channelID string) ([]models.TaskThread, error)
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	DB      *gorm.DB
	Port    int
	Queues  QueueSource        // optional; /api/queues reports 503 without it
	Threads ActiveThreadSource // optional; serves active per-channel listings
	Out     io.Writer
	Logger  *slog.Logger
	Version string
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine without starting a listener.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("dashboard: db is required")
	}
	store, err := threads.NewStore(opts.DB)
	if err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	registerRoutes(router, &handlers{
		db:      opts.DB,
		threads: store,
		audit:   auditlog.New(opts.DB, log),
		docs:    documents.NewStore(opts.DB),
		queues:  opts.Queues,
		active:  opts.Threads,
		version: opts.Version,
		log:     log.With("component", "dashboard"),
	})
	return router, nil
}
