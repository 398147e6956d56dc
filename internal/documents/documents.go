// Package documents stores guild-scoped information documents that the
// agent reads through its info tools and operators manage from the CLI.
package documents

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/zulandar/ery/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no document has the requested name.
	ErrNotFound = errors.New("documents: not found")
	// ErrExists is returned when creating a document whose name is taken.
	ErrExists = errors.New("documents: already exists")
)

var nameRe = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// NormalizeName lower-cases and trims a document name and checks that it
// is 1-64 characters of [a-z0-9_-].
func NormalizeName(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if !nameRe.MatchString(n) {
		return "", fmt.Errorf("documents: invalid name %q: use 1-64 characters of a-z, 0-9, _ or -", name)
	}
	return n, nil
}

// Store is a gorm-backed document store.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create adds a new document.
func (s *Store) Create(ctx context.Context, guildID, name, description, content, author string) (*models.InfoDocument, error) {
	if guildID == "" {
		return nil, fmt.Errorf("documents: guild id is required")
	}
	n, err := NormalizeName(name)
	if err != nil {
		return nil, err
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.InfoDocument{}).
		Where("guild_id = ? AND name = ?", guildID, n).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("documents: create %s: %w", n, err)
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: %s", ErrExists, n)
	}

	doc := &models.InfoDocument{
		ID:          uuid.NewString(),
		GuildID:     guildID,
		Name:        n,
		Description: description,
		Content:     content,
		CreatedBy:   author,
		UpdatedBy:   author,
	}
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		return nil, fmt.Errorf("documents: create %s: %w", n, err)
	}
	return doc, nil
}

// Get returns the named document in a guild.
func (s *Store) Get(ctx context.Context, guildID, name string) (*models.InfoDocument, error) {
	n, err := NormalizeName(name)
	if err != nil {
		return nil, err
	}
	var doc models.InfoDocument
	err = s.db.WithContext(ctx).Where("guild_id = ? AND name = ?", guildID, n).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, n)
	}
	if err != nil {
		return nil, fmt.Errorf("documents: get %s: %w", n, err)
	}
	return &doc, nil
}

// Update replaces a document's content, and its description when non-empty.
func (s *Store) Update(ctx context.Context, guildID, name, description, content, author string) (*models.InfoDocument, error) {
	doc, err := s.Get(ctx, guildID, name)
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{
		"content":    content,
		"updated_by": author,
	}
	if description != "" {
		updates["description"] = description
	}
	if err := s.db.WithContext(ctx).Model(doc).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("documents: update %s: %w", doc.Name, err)
	}
	return s.Get(ctx, guildID, doc.Name)
}

// Upsert creates the document or updates it if it already exists.
func (s *Store) Upsert(ctx context.Context, guildID, name, description, content, author string) (*models.InfoDocument, error) {
	doc, err := s.Update(ctx, guildID, name, description, content, author)
	if errors.Is(err, ErrNotFound) {
		return s.Create(ctx, guildID, name, description, content, author)
	}
	return doc, err
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, guildID, name string) error {
	n, err := NormalizeName(name)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Where("guild_id = ? AND name = ?", guildID, n).Delete(&models.InfoDocument{})
	if result.Error != nil {
		return fmt.Errorf("documents: delete %s: %w", n, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, n)
	}
	return nil
}

// List returns a guild's documents ordered by name.
func (s *Store) List(ctx context.Context, guildID string) ([]models.InfoDocument, error) {
	var docs []models.InfoDocument
	if err := s.db.WithContext(ctx).Where("guild_id = ?", guildID).Order("name ASC").Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("documents: list: %w", err)
	}
	return docs, nil
}
