// Package repository declares the storage interfaces the services depend on.
package repository

import (
	"context"

	"github.com/Almenon/AREPL-backend/internal/model"
)

type ListOptions struct {
	Limit  int
	Offset int
}

type SnippetRepository interface {
	Create(ctx context.Context, snippet *model.Snippet) error
	GetByID(ctx context.Context, id string) (*model.Snippet, error)
	List(ctx context.Context, opts ListOptions) ([]model.Snippet, error)
	Update(ctx context.Context, snippet *model.Snippet) error
	Delete(ctx context.Context, id string) error
}

// RunRepository stores finished runs. Runs are never updated.
type RunRepository interface {
	Create(ctx context.Context, run *model.Run) error
	ListBySession(ctx context.Context, sessionID string, opts ListOptions) ([]model.Run, error)
	DeleteBySession(ctx context.Context, sessionID string) error
}
