package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Almenon/AREPL-backend/internal/auth"
	"github.com/Almenon/AREPL-backend/internal/model"
	"github.com/Almenon/AREPL-backend/internal/service"
)

// SessionManager is the part of service.SessionService the handlers use.
type SessionManager interface {
	Create(ctx context.Context) (*service.Session, error)
	Get(id string) (*service.Session, error)
	Execute(ctx context.Context, id string, in service.ExecuteInput) (uint64, error)
	SendStdin(ctx context.Context, id, text string) error
	Restart(ctx context.Context, id string) error
	Close(ctx context.Context, id string) error
	ListRuns(ctx context.Context, id string, limit, offset int) ([]model.Run, error)
}

type SessionHandler struct {
	sessions SessionManager
	tokens   *auth.TokenService
	logger   *slog.Logger
}

func NewSessionHandler(sessions SessionManager, tokens *auth.TokenService, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		tokens:   tokens,
		logger:   logger,
	}
}

type createSessionResponse struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// HandleCreate starts a session and returns the token that unlocks it.
func (h *SessionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Create(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	token, err := h.tokens.Generate(sess.ID)
	if err != nil {
		h.logger.Error("failed to sign session token", slog.String("error", err.Error()))
		// a session nobody can reach is just a leak
		h.sessions.Close(context.WithoutCancel(r.Context()), sess.ID)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{ID: sess.ID, Token: token})
}

func (h *SessionHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Close(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type executeRequest struct {
	Code                 string   `json:"code"`
	SavedCode            string   `json:"savedCode"`
	SnippetID            string   `json:"snippetId"`
	FilePath             string   `json:"filePath"`
	UsePreviousVariables bool     `json:"usePreviousVariables"`
	ShowGlobalVars       *bool    `json:"showGlobalVars"`
	FilterVars           []string `json:"filterVars"`
	FilterTypes          []string `json:"filterTypes"`
	// Current runs on the interpreter that produced the last result
	// instead of a fresh one.
	Current bool `json:"current"`
}

type executeResponse struct {
	Generation uint64 `json:"generation"`
}

// HandleExecute queues a run. Output and results arrive on the stream; the
// response only carries the generation to match them against.
func (h *SessionHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	gen, err := h.sessions.Execute(r.Context(), chi.URLParam(r, "id"), service.ExecuteInput{
		Code:                 req.Code,
		SavedCode:            req.SavedCode,
		SnippetID:            req.SnippetID,
		FilePath:             req.FilePath,
		UsePreviousVariables: req.UsePreviousVariables,
		ShowGlobalVars:       req.ShowGlobalVars,
		FilterVars:           req.FilterVars,
		FilterTypes:          req.FilterTypes,
		Current:              req.Current,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, executeResponse{Generation: gen})
}

type stdinRequest struct {
	Text string `json:"text"`
}

func (h *SessionHandler) HandleStdin(w http.ResponseWriter, r *http.Request) {
	var req stdinRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.sessions.SendStdin(r.Context(), chi.URLParam(r, "id"), req.Text); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) HandleRestart(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Restart(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleRuns lists finished runs, newest first. ?limit= and ?offset= page
// through them.
func (h *SessionHandler) HandleRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	runs, err := h.sessions.ListRuns(r.Context(), chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// pageParams reads ?limit= and ?offset=. Bad values become zero, which the
// services replace with their defaults.
func pageParams(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit, _ = strconv.Atoi(q.Get("limit"))
	offset, _ = strconv.Atoi(q.Get("offset"))
	return limit, offset
}
