package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/zulandar/ery/internal/auditlog"
	"github.com/zulandar/ery/internal/documents"
	"github.com/zulandar/ery/internal/models"
	"github.com/zulandar/ery/internal/threads"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

type handlers struct {
	db      *gorm.DB
	threads *threads.Store
	audit   *auditlog.Logger
	docs    *documents.Store
	queues  QueueSource
	active  ActiveThreadSource
	version string
	log     *slog.Logger
}

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/healthz", h.health)

	api := router.Group("/api")
	api.GET("/threads", h.listThreads)
	api.GET("/threads/:id", h.threadDetail)
	api.GET("/queues", h.queueStats)
	api.GET("/moderation", h.moderation)
	api.GET("/documents", h.listDocuments)
}

func (h *handlers) health(c *gin.Context) {
	status, code := "ok", http.StatusOK
	if sqlDB, err := h.db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		status, code = "database unavailable", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "version": h.version})
}

func (h *handlers) listThreads(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	status := c.Query("status")
	switch status {
	case "", models.ThreadActive, models.ThreadCompleted, models.ThreadFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be active, completed or failed"})
		return
	}

	filter := threads.ListFilter{
		GuildID:   c.Query("guild"),
		ChannelID: c.Query("channel"),
		Status:    status,
		Limit:     limit,
	}
	var (
		rows []models.TaskThread
		err  error
	)
	if h.active != nil && filter.Status == models.ThreadActive && filter.ChannelID != "" {
		rows, err = h.activeThreads(c.Request.Context(), filter)
	} else {
		rows, err = h.threads.List(c.Request.Context(), filter)
	}
	if err != nil {
		h.internalError(c, "list threads", err)
		return
	}
	counts, err := h.threads.Counts(c.Request.Context())
	if err != nil {
		h.internalError(c, "count threads", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": threadRows(rows), "counts": counts})
}

// activeThreads serves a channel's active threads from the live manager,
// newest first like the store listing.
func (h *handlers) activeThreads(ctx context.Context, f threads.ListFilter) ([]models.TaskThread, error) {
	active, err := h.active.GetActiveThreads(ctx, f.ChannelID)
	if err != nil {
		return nil, err
	}
	out := make([]models.TaskThread, 0, len(active))
	for i := len(active) - 1; i >= 0 && len(out) < f.Limit; i-- {
		if f.GuildID != "" && active[i].GuildID != f.GuildID {
			continue
		}
		out = append(out, active[i])
	}
	return out, nil
}

func (h *handlers) threadDetail(c *gin.Context) {
	t, err := h.threads.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, threads.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		return
	}
	if err != nil {
		h.internalError(c, "get thread", err)
		return
	}
	logs, err := h.audit.List(c.Request.Context(), auditlog.Filter{ThreadID: t.ID})
	if err != nil {
		h.internalError(c, "list audit rows", err)
		return
	}
	c.JSON(http.StatusOK, threadDetail(t, logs))
}

func (h *handlers) queueStats(c *gin.Context) {
	if h.queues == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "batcher is not running in this process"})
		return
	}
	c.JSON(http.StatusOK, h.queues.Stats())
}

func (h *handlers) moderation(c *gin.Context) {
	guild := c.Query("guild")
	if guild == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "guild is required"})
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	rows, err := h.audit.ListModeration(c.Request.Context(), guild, limit)
	if err != nil {
		h.internalError(c, "list moderation", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": moderationRows(rows)})
}

func (h *handlers) listDocuments(c *gin.Context) {
	guild := c.Query("guild")
	if guild == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "guild is required"})
		return
	}
	docs, err := h.docs.List(c.Request.Context(), guild)
	if err != nil {
		h.internalError(c, "list documents", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": documentRows(docs)})
}

func (h *handlers) internalError(c *gin.Context, op string, err error) {
	h.log.Error(op, "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
}

// parseLimit reads ?limit=, writing a 400 response when it is invalid.
func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return min(n, maxLimit), true
}
