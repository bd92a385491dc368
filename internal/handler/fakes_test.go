package handler_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Almenon/AREPL-backend/internal/apperror"
	"github.com/Almenon/AREPL-backend/internal/auth"
	"github.com/Almenon/AREPL-backend/internal/model"
	"github.com/Almenon/AREPL-backend/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTokens(t *testing.T) *auth.TokenService {
	t.Helper()
	ts, err := auth.NewTokenService("handler-test-secret-0123456789", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return ts
}

// fakeSessions records calls and knows the sessions in ids.
type fakeSessions struct {
	mu        sync.Mutex
	ids       map[string]bool
	next      string
	createErr error
	execErr   error
	gen       uint64

	executed []service.ExecuteInput
	stdin    []string
	restarts int
	closed   []string
	runs     []model.Run
}

func newFakeSessions(ids ...string) *fakeSessions {
	f := &fakeSessions{ids: map[string]bool{}, next: "new-session"}
	for _, id := range ids {
		f.ids[id] = true
	}
	return f
}

func (f *fakeSessions) lookup(id string) error {
	if !f.ids[id] {
		return apperror.NotFound("session", id)
	}
	return nil
}

func (f *fakeSessions) Create(context.Context) (*service.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.ids[f.next] = true
	return &service.Session{ID: f.next, CreatedAt: time.Now()}, nil
}

func (f *fakeSessions) Get(id string) (*service.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lookup(id); err != nil {
		return nil, err
	}
	return &service.Session{ID: id}, nil
}

func (f *fakeSessions) Execute(_ context.Context, id string, in service.ExecuteInput) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lookup(id); err != nil {
		return 0, err
	}
	if f.execErr != nil {
		return 0, f.execErr
	}
	f.executed = append(f.executed, in)
	f.gen++
	return f.gen, nil
}

func (f *fakeSessions) SendStdin(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lookup(id); err != nil {
		return err
	}
	f.stdin = append(f.stdin, text)
	return nil
}

func (f *fakeSessions) Restart(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lookup(id); err != nil {
		return err
	}
	f.restarts++
	return nil
}

func (f *fakeSessions) Close(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lookup(id); err != nil {
		return err
	}
	delete(f.ids, id)
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakeSessions) ListRuns(_ context.Context, id string, _, _ int) ([]model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lookup(id); err != nil {
		return nil, err
	}
	return f.runs, nil
}

type fakeChecker struct {
	ok         bool
	diagnostic string
	err        error
	code       string
}

func (f *fakeChecker) CheckSyntax(_ context.Context, code string) (bool, string, error) {
	f.code = code
	return f.ok, f.diagnostic, f.err
}

type fakeSnippets struct {
	items map[string]*model.Snippet
	seq   int
}

func newFakeSnippets() *fakeSnippets {
	return &fakeSnippets{items: map[string]*model.Snippet{}}
}

func (f *fakeSnippets) Create(_ context.Context, name, code, description string) (*model.Snippet, error) {
	if name == "" {
		return nil, apperror.ValidationFailed("name", "name is required")
	}
	f.seq++
	s := &model.Snippet{ID: string(rune('a' + f.seq - 1)), Name: name, Code: code, Description: description}
	f.items[s.ID] = s
	return s, nil
}

func (f *fakeSnippets) GetByID(_ context.Context, id string) (*model.Snippet, error) {
	s, ok := f.items[id]
	if !ok {
		return nil, apperror.NotFound("snippet", id)
	}
	return s, nil
}

func (f *fakeSnippets) List(context.Context, int, int) ([]model.Snippet, error) {
	var out []model.Snippet
	for _, s := range f.items {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeSnippets) Update(_ context.Context, id, name, code, description string) (*model.Snippet, error) {
	s, ok := f.items[id]
	if !ok {
		return nil, apperror.NotFound("snippet", id)
	}
	s.Name, s.Code, s.Description = name, code, description
	return s, nil
}

func (f *fakeSnippets) Delete(_ context.Context, id string) error {
	if _, ok := f.items[id]; !ok {
		return apperror.NotFound("snippet", id)
	}
	delete(f.items, id)
	return nil
}
