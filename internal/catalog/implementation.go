// internal/catalog/implementation.go
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const searchLimit = 10

// service implements the Service interface.
type service struct {
	db  *sqlx.DB
	log *zap.Logger
	now func() time.Time
}

// NewService creates a new catalog service instance on a migrated database.
func NewService(db *sqlx.DB, log *zap.Logger) Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &service{db: db, log: log, now: time.Now}
}

// AddItem registers a new item in the catalog.
func (s *service) AddItem(ctx context.Context, isbn, title, author string) (*Item, error) {
	isbn, title, author = strings.TrimSpace(isbn), strings.TrimSpace(title), strings.TrimSpace(author)
	if isbn == "" || title == "" {
		return nil, fmt.Errorf("%w: isbn and title are required", ErrInvalidItem)
	}

	item := &Item{
		ID:        uuid.New(),
		ISBN:      isbn,
		Title:     title,
		Author:    author,
		CreatedAt: s.now().UTC(),
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO items (item_id, isbn, title, author, created_at)
		VALUES (:item_id, :isbn, :title, :author, :created_at)
	`, item)
	if err != nil {
		return nil, fmt.Errorf("failed to insert item: %w", err)
	}

	s.log.Info("item added", zap.Stringer("item_id", item.ID), zap.String("isbn", isbn))
	return item, nil
}

// GetItem retrieves an item from the catalog by its ID.
func (s *service) GetItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	item := &Item{}
	err := s.db.GetContext(ctx, item, s.db.Rebind(`
		SELECT item_id, isbn, title, author, created_at
		FROM items
		WHERE item_id = ?
	`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("item with ID %s: %w", id, ErrItemNotFound)
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	item.CreatedAt = item.CreatedAt.UTC()
	return item, nil
}

// Search finds items whose title or author contains query.
func (s *service) Search(ctx context.Context, query string) ([]*Item, error) {
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(query))) + "%"

	items := []*Item{}
	err := s.db.SelectContext(ctx, &items, s.db.Rebind(`
		SELECT item_id, isbn, title, author, created_at
		FROM items
		WHERE LOWER(title) LIKE ? ESCAPE '!' OR LOWER(author) LIKE ? ESCAPE '!'
		ORDER BY title ASC
		LIMIT ?
	`), pattern, pattern, searchLimit)
	if err != nil {
		return nil, fmt.Errorf("database search failed: %w", err)
	}
	return items, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}
