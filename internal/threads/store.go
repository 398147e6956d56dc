// Package threads persists task threads and runs one agent worker per
// thread.
package threads

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/ery/internal/models"
)

var (
	// ErrNotFound is returned when no thread has the requested id.
	ErrNotFound = errors.New("threads: thread not found")
	// ErrNotActive is returned when a terminal transition finds the thread
	// already completed or failed.
	ErrNotActive = errors.New("threads: thread is not active")
)

// Store is the gorm-backed task_threads table.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("threads: db is required")
	}
	return &Store{db: db}, nil
}

// Create inserts t. Status defaults to active and CreatedAt to now.
func (s *Store) Create(ctx context.Context, t *models.TaskThread) error {
	if t.ID == "" {
		return fmt.Errorf("threads: create: id is required")
	}
	if t.Status == "" {
		t.Status = models.ThreadActive
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("threads: create %s: %w", t.ID, err)
	}
	return nil
}

// Get returns the thread with id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*models.TaskThread, error) {
	var t models.TaskThread
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("threads: get %s: %w", id, err)
	}
	return &t, nil
}

// ListActiveByChannel returns the channel's active threads, oldest first.
func (s *Store) ListActiveByChannel(ctx context.Context, channelID string) ([]models.TaskThread, error) {
	var out []models.TaskThread
	err := s.db.WithContext(ctx).
		Where("channel_id = ? AND status = ?", channelID, models.ThreadActive).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("threads: list active for channel %s: %w", channelID, err)
	}
	return out, nil
}

// CountActiveByGuild counts active threads in a guild. DM threads share the
// empty guild id.
func (s *Store) CountActiveByGuild(ctx context.Context, guildID string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.TaskThread{}).
		Where("guild_id = ? AND status = ?", guildID, models.ThreadActive).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("threads: count active for guild %s: %w", guildID, err)
	}
	return int(n), nil
}

// ListStaleActive returns active threads created before olderThan.
func (s *Store) ListStaleActive(ctx context.Context, olderThan time.Time) ([]models.TaskThread, error) {
	var out []models.TaskThread
	err := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.ThreadActive, olderThan).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("threads: list stale: %w", err)
	}
	return out, nil
}

// MarkCompleted moves an active thread to completed, storing result.
func (s *Store) MarkCompleted(ctx context.Context, id, result string, at time.Time) error {
	return s.finish(ctx, id, map[string]any{
		"status":       models.ThreadCompleted,
		"result":       result,
		"completed_at": at,
	})
}

// MarkFailed moves an active thread to failed, storing errText.
func (s *Store) MarkFailed(ctx context.Context, id, errText string, at time.Time) error {
	return s.finish(ctx, id, map[string]any{
		"status":       models.ThreadFailed,
		"error":        errText,
		"completed_at": at,
	})
}

// finish applies a terminal transition only while the row is still active,
// so a late worker and the reaper cannot both win.
func (s *Store) finish(ctx context.Context, id string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&models.TaskThread{}).
		Where("id = ? AND status = ?", id, models.ThreadActive).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("threads: mark %s %s: %w", id, updates["status"], res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("threads: mark %s %s: %w", id, updates["status"], ErrNotActive)
	}
	return nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	GuildID   string
	ChannelID string
	Status    string
	Limit     int
}

// List returns threads newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]models.TaskThread, error) {
	q := s.db.WithContext(ctx).Model(&models.TaskThread{})
	if f.GuildID != "" {
		q = q.Where("guild_id = ?", f.GuildID)
	}
	if f.ChannelID != "" {
		q = q.Where("channel_id = ?", f.ChannelID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []models.TaskThread
	if err := q.Order("created_at DESC, id DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("threads: list: %w", err)
	}
	return out, nil
}

// Counts returns the number of threads per status.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Status string
		N      int
	}
	err := s.db.WithContext(ctx).Model(&models.TaskThread{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("threads: counts: %w", err)
	}
	out := map[string]int{
		models.ThreadActive:    0,
		models.ThreadCompleted: 0,
		models.ThreadFailed:    0,
	}
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
