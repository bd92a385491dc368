package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/Almenon/AREPL-backend/internal/model"
	"github.com/Almenon/AREPL-backend/internal/repository"
)

// RunStore implements repository.RunRepository.
type RunStore struct {
	conn *sql.DB
}

var _ repository.RunRepository = (*RunStore)(nil)

func (s *RunStore) Create(ctx context.Context, run *model.Run) error {
	run.ID = xid.New().String()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	vars := string(run.Variables)
	if vars == "" {
		vars = "{}"
	}

	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO runs (id, session_id, generation, code, user_error_msg, variables, exec_time, total_time, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.SessionID,
		int64(run.Generation),
		run.Code,
		run.UserErrorMsg,
		vars,
		run.ExecTime,
		run.TotalTime,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: recording run: %w", err)
	}
	return nil
}

// ListBySession returns a session's runs, latest generation first.
func (s *RunStore) ListBySession(ctx context.Context, sessionID string, opts repository.ListOptions) ([]model.Run, error) {
	limit, offset := pageBounds(opts.Limit, opts.Offset)

	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, session_id, generation, code, user_error_msg, variables, exec_time, total_time, created_at
		 FROM runs
		 WHERE session_id = ?
		 ORDER BY generation DESC
		 LIMIT ? OFFSET ?`,
		sessionID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing runs: %w", err)
	}
	defer rows.Close()

	runs := make([]model.Run, 0, limit)
	for rows.Next() {
		var (
			r    model.Run
			gen  int64
			vars string
		)
		if err := rows.Scan(
			&r.ID, &r.SessionID, &gen, &r.Code, &r.UserErrorMsg, &vars,
			&r.ExecTime, &r.TotalTime, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scanning run row: %w", err)
		}
		r.Generation = uint64(gen)
		r.Variables = []byte(vars)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating runs: %w", err)
	}
	return runs, nil
}

// DeleteBySession drops a session's history. Deleting nothing is not an error.
func (s *RunStore) DeleteBySession(ctx context.Context, sessionID string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM runs WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("sqlite: deleting runs of %s: %w", sessionID, err)
	}
	return nil
}
