// Package service holds the application logic between the HTTP handlers and
// storage. Services take primitives and return apperror values, so the same
// logic serves the HTTP API and the CLI.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Almenon/AREPL-backend/internal/apperror"
	"github.com/Almenon/AREPL-backend/internal/model"
	"github.com/Almenon/AREPL-backend/internal/repository"
)

// Limits on saved code. List requests outside them are clamped rather than
// rejected.
const (
	MaxSnippetNameLength = 100
	MaxCodeLength        = 100000
	DefaultListLimit     = 20
	MaxListLimit         = 100
)

// SnippetService manages saved code.
type SnippetService struct {
	repo   repository.SnippetRepository
	logger *slog.Logger
}

// NewSnippetService creates a SnippetService backed by repo.
func NewSnippetService(repo repository.SnippetRepository, logger *slog.Logger) *SnippetService {
	return &SnippetService{
		repo:   repo,
		logger: logger,
	}
}

// Create validates and stores a new snippet. Name and description are
// trimmed; the repository assigns the ID and timestamps.
func (s *SnippetService) Create(ctx context.Context, name, code, description string) (*model.Snippet, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperror.ValidationFailed("name", "snippet name is required")
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := validateCode("code", code); err != nil {
		return nil, err
	}

	snippet := &model.Snippet{
		Name:        name,
		Code:        code,
		Description: strings.TrimSpace(description),
	}
	if err := s.repo.Create(ctx, snippet); err != nil {
		s.logger.Error("failed to create snippet",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("creating snippet: %w", err)
	}

	s.logger.Info("snippet created",
		slog.String("id", snippet.ID),
		slog.String("name", snippet.Name),
	)
	return snippet, nil
}

// GetByID returns the snippet with the given ID, or a not-found error from
// the repository.
func (s *SnippetService) GetByID(ctx context.Context, id string) (*model.Snippet, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "snippet ID is required")
	}
	return s.repo.GetByID(ctx, id)
}

// List returns one page of snippets. A non-positive limit means
// DefaultListLimit and anything above MaxListLimit is capped.
func (s *SnippetService) List(ctx context.Context, limit, offset int) ([]model.Snippet, error) {
	snippets, err := s.repo.List(ctx, clampPage(limit, offset))
	if err != nil {
		s.logger.Error("failed to list snippets", slog.String("error", err.Error()))
		return nil, fmt.Errorf("listing snippets: %w", err)
	}
	return snippets, nil
}

// Update replaces code and description. An empty name keeps the old one.
func (s *SnippetService) Update(ctx context.Context, id, name, code, description string) (*model.Snippet, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "snippet ID is required")
	}

	snippet, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if name = strings.TrimSpace(name); name != "" {
		if err := validateName(name); err != nil {
			return nil, err
		}
		snippet.Name = name
	}
	if err := validateCode("code", code); err != nil {
		return nil, err
	}
	snippet.Code = code
	snippet.Description = strings.TrimSpace(description)

	if err := s.repo.Update(ctx, snippet); err != nil {
		s.logger.Error("failed to update snippet",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("updating snippet: %w", err)
	}

	s.logger.Info("snippet updated", slog.String("id", snippet.ID))
	return snippet, nil
}

// Delete removes the snippet with the given ID.
func (s *SnippetService) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return apperror.ValidationFailed("id", "snippet ID is required")
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("snippet deleted", slog.String("id", id))
	return nil
}

func validateName(name string) error {
	if len(name) > MaxSnippetNameLength {
		return apperror.ValidationFailed("name",
			fmt.Sprintf("snippet name must be %d characters or less", MaxSnippetNameLength))
	}
	return nil
}

func validateCode(field, code string) error {
	if len(code) > MaxCodeLength {
		return apperror.ValidationFailed(field,
			fmt.Sprintf("%s must be %d characters or less", field, MaxCodeLength))
	}
	return nil
}

// clampPage turns raw query values into repository paging options.
func clampPage(limit, offset int) repository.ListOptions {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return repository.ListOptions{Limit: limit, Offset: offset}
}
