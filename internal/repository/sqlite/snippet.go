package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/Almenon/AREPL-backend/internal/apperror"
	"github.com/Almenon/AREPL-backend/internal/model"
	"github.com/Almenon/AREPL-backend/internal/repository"
)

// SnippetStore implements repository.SnippetRepository.
type SnippetStore struct {
	conn *sql.DB
}

var _ repository.SnippetRepository = (*SnippetStore)(nil)

// Create assigns the snippet an ID and timestamps, then inserts it.
func (s *SnippetStore) Create(ctx context.Context, snippet *model.Snippet) error {
	// xids are URL safe and sort by creation time
	snippet.ID = xid.New().String()
	now := time.Now()
	snippet.CreatedAt = now
	snippet.UpdatedAt = now

	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO snippets (id, name, code, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		snippet.ID,
		snippet.Name,
		snippet.Code,
		snippet.Description,
		snippet.CreatedAt,
		snippet.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating snippet: %w", err)
	}
	return nil
}

func (s *SnippetStore) GetByID(ctx context.Context, id string) (*model.Snippet, error) {
	var snippet model.Snippet
	err := s.conn.QueryRowContext(ctx,
		`SELECT id, name, code, description, created_at, updated_at
		 FROM snippets
		 WHERE id = ?`,
		id,
	).Scan(
		&snippet.ID,
		&snippet.Name,
		&snippet.Code,
		&snippet.Description,
		&snippet.CreatedAt,
		&snippet.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("snippet", id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: getting snippet %s: %w", id, err)
	}
	return &snippet, nil
}

// List returns snippets newest first.
func (s *SnippetStore) List(ctx context.Context, opts repository.ListOptions) ([]model.Snippet, error) {
	limit, offset := pageBounds(opts.Limit, opts.Offset)

	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, name, code, description, created_at, updated_at
		 FROM snippets
		 ORDER BY created_at DESC
		 LIMIT ? OFFSET ?`,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing snippets: %w", err)
	}
	defer rows.Close()

	snippets := make([]model.Snippet, 0, limit)
	for rows.Next() {
		var sn model.Snippet
		if err := rows.Scan(
			&sn.ID, &sn.Name, &sn.Code, &sn.Description,
			&sn.CreatedAt, &sn.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scanning snippet row: %w", err)
		}
		snippets = append(snippets, sn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating snippets: %w", err)
	}
	return snippets, nil
}

// Update rewrites the mutable fields. ID and CreatedAt never change.
func (s *SnippetStore) Update(ctx context.Context, snippet *model.Snippet) error {
	snippet.UpdatedAt = time.Now()

	result, err := s.conn.ExecContext(ctx,
		`UPDATE snippets
		 SET name = ?, code = ?, description = ?, updated_at = ?
		 WHERE id = ?`,
		snippet.Name,
		snippet.Code,
		snippet.Description,
		snippet.UpdatedAt,
		snippet.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating snippet %s: %w", snippet.ID, err)
	}
	return requireAffected(result, "snippet", snippet.ID)
}

func (s *SnippetStore) Delete(ctx context.Context, id string) error {
	result, err := s.conn.ExecContext(ctx, `DELETE FROM snippets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: deleting snippet %s: %w", id, err)
	}
	return requireAffected(result, "snippet", id)
}

// requireAffected turns a statement that matched nothing into NotFound.
func requireAffected(result sql.Result, resource, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound(resource, id)
	}
	return nil
}
