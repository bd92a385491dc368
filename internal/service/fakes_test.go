package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/Almenon/AREPL-backend/internal/apperror"
	"github.com/Almenon/AREPL-backend/internal/executor"
	"github.com/Almenon/AREPL-backend/internal/model"
	"github.com/Almenon/AREPL-backend/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSnippetRepo keeps snippets in memory.
type fakeSnippetRepo struct {
	mu       sync.Mutex
	snippets map[string]*model.Snippet
	nextID   int
}

func newFakeSnippetRepo() *fakeSnippetRepo {
	return &fakeSnippetRepo{snippets: make(map[string]*model.Snippet)}
}

func (m *fakeSnippetRepo) Create(_ context.Context, snippet *model.Snippet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	snippet.ID = fmt.Sprintf("snip-%d", m.nextID)
	stored := *snippet
	m.snippets[snippet.ID] = &stored
	return nil
}

func (m *fakeSnippetRepo) GetByID(_ context.Context, id string) (*model.Snippet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snippet, ok := m.snippets[id]
	if !ok {
		return nil, apperror.NotFound("snippet", id)
	}
	out := *snippet
	return &out, nil
}

func (m *fakeSnippetRepo) List(_ context.Context, opts repository.ListOptions) ([]model.Snippet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Snippet, 0, len(m.snippets))
	for _, s := range m.snippets {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if opts.Offset >= len(out) {
		return []model.Snippet{}, nil
	}
	out = out[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *fakeSnippetRepo) Update(_ context.Context, snippet *model.Snippet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snippets[snippet.ID]; !ok {
		return apperror.NotFound("snippet", snippet.ID)
	}
	stored := *snippet
	m.snippets[snippet.ID] = &stored
	return nil
}

func (m *fakeSnippetRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snippets[id]; !ok {
		return apperror.NotFound("snippet", id)
	}
	delete(m.snippets, id)
	return nil
}

// fakeRunRepo records runs in memory.
type fakeRunRepo struct {
	mu   sync.Mutex
	runs []model.Run
}

func (m *fakeRunRepo) Create(_ context.Context, run *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.ID = fmt.Sprintf("run-%d", len(m.runs)+1)
	m.runs = append(m.runs, *run)
	return nil
}

func (m *fakeRunRepo) ListBySession(_ context.Context, sessionID string, _ repository.ListOptions) ([]model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Run
	for i := len(m.runs) - 1; i >= 0; i-- {
		if m.runs[i].SessionID == sessionID {
			out = append(out, m.runs[i])
		}
	}
	return out, nil
}

func (m *fakeRunRepo) DeleteBySession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.runs[:0]
	for _, r := range m.runs {
		if r.SessionID != sessionID {
			kept = append(kept, r)
		}
	}
	m.runs = kept
	return nil
}

func (m *fakeRunRepo) all() []model.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Run(nil), m.runs...)
}

// fakeEngine records requests and lets the test play the interpreter through
// the handlers it was built with.
type fakeEngine struct {
	handlers executor.Handlers

	mu       sync.Mutex
	started  bool
	stopped  bool
	gen      uint64
	requests []executor.ExecRequest
	current  []executor.ExecRequest
	stdin    []string
	restarts int
	startErr error
}

func (f *fakeEngine) Start(onReady func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	if onReady != nil {
		onReady()
	}
	return nil
}

func (f *fakeEngine) Execute(req executor.ExecRequest) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return 0, executor.ErrPoolStopped
	}
	f.gen++
	f.requests = append(f.requests, req)
	return f.gen, nil
}

func (f *fakeEngine) ExecuteCurrent(req executor.ExecRequest) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gen == 0 {
		return 0, executor.ErrNotRunning
	}
	f.gen++
	f.current = append(f.current, req)
	return f.gen, nil
}

func (f *fakeEngine) SendStdin(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gen == 0 {
		return executor.ErrNotRunning
	}
	f.stdin = append(f.stdin, text)
	return nil
}

func (f *fakeEngine) Restart(onRestarted func()) error {
	f.mu.Lock()
	f.restarts++
	f.gen++
	f.mu.Unlock()
	if onRestarted != nil {
		onRestarted()
	}
	return nil
}

func (f *fakeEngine) CheckSyntax(context.Context, string) error {
	return nil
}

func (f *fakeEngine) Stop(bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeEngine) lastRequest() executor.ExecRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeEngine) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// fakeFactory hands out fakeEngines and remembers them.
type fakeFactory struct {
	mu      sync.Mutex
	engines []*fakeEngine
	err     error
}

func (f *fakeFactory) build(h executor.Handlers) (executor.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	e := &fakeEngine{handlers: h}
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *fakeFactory) last() *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engines[len(f.engines)-1]
}

type fakeChecker struct {
	err error
}

func (c fakeChecker) Check(context.Context, string) error     { return c.err }
func (c fakeChecker) CheckFile(context.Context, string) error { return c.err }
