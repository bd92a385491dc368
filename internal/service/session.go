package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/Almenon/AREPL-backend/internal/apperror"
	"github.com/Almenon/AREPL-backend/internal/events"
	"github.com/Almenon/AREPL-backend/internal/executor"
	"github.com/Almenon/AREPL-backend/internal/model"
	"github.com/Almenon/AREPL-backend/internal/repository"
	"github.com/Almenon/AREPL-backend/internal/syntax"
)

// EngineFactory builds the interpreter pool of a new session. Everything the
// pool reports goes to handlers.
type EngineFactory func(handlers executor.Handlers) (executor.Engine, error)

// SessionConfig bounds how many sessions exist and how long idle ones live.
type SessionConfig struct {
	// TTL closes sessions that have not been used for this long. Zero keeps
	// sessions until they are closed.
	TTL time.Duration
	// MaxSessions caps concurrently open sessions. Zero means no cap.
	MaxSessions int
	// ReapInterval is how often idle sessions are looked for.
	ReapInterval time.Duration
}

// Session is one playground: a private interpreter pool plus the bookkeeping
// that turns its results into events and run history.
type Session struct {
	ID        string
	CreatedAt time.Time

	engine executor.Engine

	mu       sync.Mutex
	lastUsed time.Time
	// code per generation that has not produced its terminal result yet
	pending map[uint64]string
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// ExecuteInput is a run request as the API receives it.
type ExecuteInput struct {
	Code                 string
	SavedCode            string
	SnippetID            string
	FilePath             string
	UsePreviousVariables bool
	// nil shows global variables
	ShowGlobalVars *bool
	FilterVars     []string
	FilterTypes    []string
	// Current reuses the authoritative interpreter instead of a fresh one.
	Current bool
}

// SessionService owns every open session.
type SessionService struct {
	factory  EngineFactory
	snippets repository.SnippetRepository
	runs     repository.RunRepository
	bus      events.Bus
	checker  syntax.Checker
	cfg      SessionConfig
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSessionService creates a SessionService. factory builds the pool of each
// new session. When cfg.TTL is set an idle-session reaper runs until Shutdown,
// which also closes every open session.
func NewSessionService(
	factory EngineFactory,
	snippets repository.SnippetRepository,
	runs repository.RunRepository,
	bus events.Bus,
	checker syntax.Checker,
	cfg SessionConfig,
	logger *slog.Logger,
) *SessionService {
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}
	s := &SessionService{
		factory:  factory,
		snippets: snippets,
		runs:     runs,
		bus:      bus,
		checker:  checker,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	if cfg.TTL > 0 {
		s.wg.Add(1)
		go s.reap()
	}
	return s
}

// Create opens a session and starts its interpreters. It returns once the
// processes are spawned, not once they are ready; requests sent earlier wait
// in the pool.
func (s *SessionService) Create(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, apperror.Unavailable("server is shutting down")
	}
	if s.cfg.MaxSessions > 0 && len(s.sessions) >= s.cfg.MaxSessions {
		s.mu.Unlock()
		return nil, apperror.Unavailable("session limit reached, try again later")
	}
	// reserve the slot while the pool starts
	sess := &Session{
		ID:        xid.New().String(),
		CreatedAt: time.Now(),
		lastUsed:  time.Now(),
		pending:   make(map[uint64]string),
	}
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	engine, err := s.factory(s.handlersFor(sess))
	if err == nil {
		err = engine.Start(func() {
			s.logger.Debug("session ready", slog.String("sessionID", sess.ID))
		})
	}
	if err != nil {
		s.mu.Lock()
		delete(s.sessions, sess.ID)
		s.mu.Unlock()
		s.logger.Error("failed to start session", slog.String("error", err.Error()))
		return nil, fmt.Errorf("starting session: %w", err)
	}

	sess.mu.Lock()
	sess.engine = engine
	sess.mu.Unlock()

	s.mu.Lock()
	_, open := s.sessions[sess.ID]
	s.mu.Unlock()
	if !open {
		// closed or shut down while starting
		engine.Stop(true)
		return nil, apperror.Unavailable("session was closed while starting")
	}

	s.logger.Info("session created", slog.String("sessionID", sess.ID))
	return sess, nil
}

// Get returns an open session and marks it as used.
func (s *SessionService) Get(id string) (*Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil, apperror.NotFound("session", id)
	}

	sess.mu.Lock()
	ready := sess.engine != nil
	sess.lastUsed = time.Now()
	sess.mu.Unlock()
	if !ready {
		return nil, apperror.Unavailable("session is still starting")
	}
	return sess, nil
}

// Execute submits a run and returns its generation. Output and results are
// published on the event bus as they arrive.
func (s *SessionService) Execute(ctx context.Context, id string, in ExecuteInput) (uint64, error) {
	sess, err := s.Get(id)
	if err != nil {
		return 0, err
	}

	req, err := s.buildRequest(ctx, in)
	if err != nil {
		return 0, err
	}

	// hold the session lock so a fast result cannot beat the pending entry
	sess.mu.Lock()
	defer sess.mu.Unlock()

	var gen uint64
	if in.Current {
		gen, err = sess.engine.ExecuteCurrent(req)
	} else {
		gen, err = sess.engine.Execute(req)
	}
	if err != nil {
		return 0, engineError(err)
	}

	if !in.Current {
		// older runs are preempted and will never report
		clear(sess.pending)
	}
	sess.pending[gen] = in.Code

	s.logger.Debug("run submitted",
		slog.String("sessionID", id),
		slog.Uint64("generation", gen),
		slog.Bool("current", in.Current),
	)
	return gen, nil
}

func (s *SessionService) buildRequest(ctx context.Context, in ExecuteInput) (executor.ExecRequest, error) {
	if err := validateCode("code", in.Code); err != nil {
		return executor.ExecRequest{}, err
	}
	if err := validateCode("savedCode", in.SavedCode); err != nil {
		return executor.ExecRequest{}, err
	}

	saved := in.SavedCode
	if id := strings.TrimSpace(in.SnippetID); id != "" {
		if saved != "" {
			return executor.ExecRequest{}, apperror.ValidationFailed("snippetId", "snippetId and savedCode cannot both be set")
		}
		snippet, err := s.snippets.GetByID(ctx, id)
		if errors.Is(err, apperror.ErrNotFound) {
			return executor.ExecRequest{}, apperror.ValidationFailed("snippetId", fmt.Sprintf("snippet %s does not exist", id))
		}
		if err != nil {
			return executor.ExecRequest{}, fmt.Errorf("resolving snippet: %w", err)
		}
		saved = snippet.Code
	}

	req := executor.NewRequest(in.Code)
	req.SavedCode = saved
	req.FilePath = in.FilePath
	req.UsePreviousVariables = in.UsePreviousVariables
	if in.ShowGlobalVars != nil {
		req.ShowGlobalVars = *in.ShowGlobalVars
	}
	if in.FilterVars != nil {
		req.FilterVars = in.FilterVars
	}
	if in.FilterTypes != nil {
		req.FilterTypes = in.FilterTypes
	}
	return req, nil
}

// SendStdin answers input() in the running code.
func (s *SessionService) SendStdin(_ context.Context, id, text string) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	return engineError(sess.engine.SendStdin(text))
}

// Restart replaces every interpreter of the session. It does not wait for
// the new ones to come up.
func (s *SessionService) Restart(_ context.Context, id string) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	clear(sess.pending)
	sess.mu.Unlock()

	return engineError(sess.engine.Restart(func() {
		s.logger.Debug("session restarted", slog.String("sessionID", id))
	}))
}

// Close stops the session's interpreters and forgets its history.
func (s *SessionService) Close(ctx context.Context, id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return apperror.NotFound("session", id)
	}

	s.shutdown(ctx, sess, "closed")
	return nil
}

func (s *SessionService) shutdown(ctx context.Context, sess *Session, reason string) {
	sess.mu.Lock()
	engine := sess.engine
	sess.mu.Unlock()
	if engine != nil {
		engine.Stop(false)
	}

	s.publish(events.Event{SessionID: sess.ID, Type: events.TypeClosed, Text: reason})
	if err := s.runs.DeleteBySession(ctx, sess.ID); err != nil {
		s.logger.Warn("failed to delete run history",
			slog.String("sessionID", sess.ID),
			slog.String("error", err.Error()),
		)
	}
	s.logger.Info("session closed",
		slog.String("sessionID", sess.ID),
		slog.String("reason", reason),
	)
}

// ListRuns returns the session's finished runs, newest first.
func (s *SessionService) ListRuns(ctx context.Context, id string, limit, offset int) ([]model.Run, error) {
	if _, err := s.Get(id); err != nil {
		return nil, err
	}
	runs, err := s.runs.ListBySession(ctx, id, clampPage(limit, offset))
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// CheckSyntax compiles code without running it. ok is false with the
// interpreter's diagnostic when the code does not compile.
func (s *SessionService) CheckSyntax(ctx context.Context, code string) (ok bool, diagnostic string, err error) {
	if err := validateCode("code", code); err != nil {
		return false, "", err
	}
	err = s.checker.Check(ctx, code)
	var synErr *syntax.Error
	if errors.As(err, &synErr) {
		return false, synErr.Diagnostic, nil
	}
	if err != nil {
		s.logger.Error("syntax check failed to run", slog.String("error", err.Error()))
		return false, "", apperror.Unavailable("syntax check is unavailable")
	}
	return true, "", nil
}

// Count returns the number of open sessions.
func (s *SessionService) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown closes every session and stops the reaper. New sessions are
// refused afterwards.
func (s *SessionService) Shutdown(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()

	s.mu.Lock()
	s.closed = true
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	for _, sess := range sessions {
		s.shutdown(ctx, sess, "shutdown")
	}
}

func (s *SessionService) reap() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.reapIdle(now)
		}
	}
}

func (s *SessionService) reapIdle(now time.Time) {
	var expired []*Session
	s.mu.Lock()
	for id, sess := range s.sessions {
		if now.Sub(sess.idleSince()) > s.cfg.TTL {
			expired = append(expired, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		s.shutdown(context.Background(), sess, "expired")
	}
}

func (s *SessionService) handlersFor(sess *Session) executor.Handlers {
	return executor.Handlers{
		OnPrint: func(text string) {
			s.publish(events.Event{SessionID: sess.ID, Type: events.TypePrint, Text: text})
		},
		OnStderr: func(text string) {
			s.publish(events.Event{SessionID: sess.ID, Type: events.TypeStderr, Text: text})
		},
		OnResult: func(res executor.Result) {
			s.publish(events.Event{SessionID: sess.ID, Type: events.TypeResult, Result: &res})
			if res.Done {
				s.record(sess, res)
			}
		},
		OnAbnormalExit: func(code int) {
			s.publish(events.Event{SessionID: sess.ID, Type: events.TypeExit, ExitCode: code})
		},
		OnError: func(err error) {
			s.publish(events.Event{SessionID: sess.ID, Type: events.TypeError, Text: err.Error()})
		},
	}
}

// record stores the terminal result of a run in the session's history.
func (s *SessionService) record(sess *Session, res executor.Result) {
	sess.mu.Lock()
	code, ok := sess.pending[res.Generation]
	delete(sess.pending, res.Generation)
	sess.mu.Unlock()
	if !ok {
		return
	}

	vars, err := json.Marshal(res.UserVariables)
	if err != nil || res.UserVariables == nil {
		vars = []byte("{}")
	}
	msg := res.UserErrorMsg
	if msg == "" {
		msg = res.InternalError
	}

	run := &model.Run{
		SessionID:    sess.ID,
		Generation:   res.Generation,
		Code:         code,
		UserErrorMsg: msg,
		Variables:    vars,
		ExecTime:     res.ExecTime,
		TotalTime:    res.TotalTime,
	}
	if err := s.runs.Create(context.Background(), run); err != nil {
		s.logger.Error("failed to record run",
			slog.String("sessionID", sess.ID),
			slog.Uint64("generation", res.Generation),
			slog.String("error", err.Error()),
		)
	}
}

func (s *SessionService) publish(ev events.Event) {
	ev.Time = time.Now()
	if err := s.bus.Publish(context.Background(), ev); err != nil && !errors.Is(err, events.ErrClosed) {
		s.logger.Warn("failed to publish event",
			slog.String("sessionID", ev.SessionID),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// engineError maps pool errors onto API errors.
func engineError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, executor.ErrNotRunning):
		return apperror.Unavailable("no run is active in this session")
	case errors.Is(err, executor.ErrPoolStopped):
		return apperror.Unavailable("session is closed")
	default:
		return err
	}
}
