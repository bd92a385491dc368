package handler

import (
	"context"
	"log/slog"
	"net/http"
)

type SyntaxChecker interface {
	CheckSyntax(ctx context.Context, code string) (ok bool, diagnostic string, err error)
}

type SyntaxHandler struct {
	checker SyntaxChecker
	logger  *slog.Logger
}

func NewSyntaxHandler(checker SyntaxChecker, logger *slog.Logger) *SyntaxHandler {
	return &SyntaxHandler{checker: checker, logger: logger}
}

type syntaxRequest struct {
	Code string `json:"code"`
}

type syntaxResponse struct {
	OK         bool   `json:"ok"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

// HandleCheck compiles code without running it. Code that does not compile
// is still a 200; ok tells the two apart.
func (h *SyntaxHandler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	var req syntaxRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ok, diagnostic, err := h.checker.CheckSyntax(r.Context(), req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, syntaxResponse{OK: ok, Diagnostic: diagnostic})
}
