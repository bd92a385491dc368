package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Almenon/AREPL-backend/internal/model"
)

// SnippetManager is the snippet logic the handler needs. It returns apperror
// values, which writeError maps to status codes.
type SnippetManager interface {
	Create(ctx context.Context, name, code, description string) (*model.Snippet, error)
	GetByID(ctx context.Context, id string) (*model.Snippet, error)
	List(ctx context.Context, limit, offset int) ([]model.Snippet, error)
	Update(ctx context.Context, id, name, code, description string) (*model.Snippet, error)
	Delete(ctx context.Context, id string) error
}

// SnippetHandler serves saved code. A session runs a snippet by passing its
// ID as snippetId.
type SnippetHandler struct {
	snippets SnippetManager
	logger   *slog.Logger
}

// NewSnippetHandler creates a SnippetHandler.
func NewSnippetHandler(snippets SnippetManager, logger *slog.Logger) *SnippetHandler {
	return &SnippetHandler{snippets: snippets, logger: logger}
}

// snippetRequest is the body of create and update requests.
type snippetRequest struct {
	Name        string `json:"name"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

// HandleList returns a page of snippets, paged by the limit and offset query
// parameters.
func (h *SnippetHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	snippets, err := h.snippets.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	// an empty list encodes as [] rather than null
	if snippets == nil {
		snippets = []model.Snippet{}
	}
	writeJSON(w, http.StatusOK, snippets)
}

// HandleGetByID returns the snippet named by the id URL parameter.
func (h *SnippetHandler) HandleGetByID(w http.ResponseWriter, r *http.Request) {
	snippet, err := h.snippets.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snippet)
}

// HandleCreate stores a new snippet and answers 201 with it.
func (h *SnippetHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req snippetRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	snippet, err := h.snippets.Create(r.Context(), req.Name, req.Code, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("snippet created", slog.String("id", snippet.ID))
	writeJSON(w, http.StatusCreated, snippet)
}

// HandleUpdate replaces a snippet's code and description. An empty name keeps
// the stored one.
func (h *SnippetHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req snippetRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	snippet, err := h.snippets.Update(r.Context(), chi.URLParam(r, "id"), req.Name, req.Code, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snippet)
}

// HandleDelete removes a snippet and answers 204.
func (h *SnippetHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.snippets.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
