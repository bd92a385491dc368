// Package server wires storage, services and handlers into the HTTP API and
// runs it until a shutdown signal arrives.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/Almenon/AREPL-backend/internal/auth"
	"github.com/Almenon/AREPL-backend/internal/events"
	"github.com/Almenon/AREPL-backend/internal/executor"
	"github.com/Almenon/AREPL-backend/internal/executor/python"
	"github.com/Almenon/AREPL-backend/internal/handler"
	"github.com/Almenon/AREPL-backend/internal/middleware"
	sqliteRepo "github.com/Almenon/AREPL-backend/internal/repository/sqlite"
	"github.com/Almenon/AREPL-backend/internal/service"
	"github.com/Almenon/AREPL-backend/internal/syntax"
	"github.com/Almenon/AREPL-backend/internal/syntax/docker"
)

// Syntax check backends.
const (
	SyntaxLocal  = "local"
	SyntaxDocker = "docker"
)

type Config struct {
	Port   int
	DBPath string

	// JWTSecret signs session tokens. TokenTTL of zero uses the auth default.
	JWTSecret string
	TokenTTL  time.Duration

	// Python configures the interpreter pool of every session.
	Python python.Config
	// Session limits and idle expiry.
	Session service.SessionConfig

	// RedisAddr selects the Redis event bus; empty keeps events in memory.
	RedisAddr string
	// SyntaxBackend is SyntaxLocal (default) or SyntaxDocker.
	SyntaxBackend string
	Docker        docker.Config
}

// Server owns every long-lived resource and releases them on shutdown.
type Server struct {
	router *chi.Mux
	config Config
	logger *slog.Logger

	db       *sqliteRepo.DB
	bus      events.Bus
	checker  syntax.Checker
	sessions *service.SessionService
}

// New opens the database and the event bus and builds the router. A failure
// releases whatever was already opened.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (_ *Server, err error) {
	tokens, err := auth.NewTokenService(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
	}
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	if s.db, err = sqliteRepo.New(cfg.DBPath); err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if s.checker, err = newChecker(cfg, logger); err != nil {
		return nil, err
	}
	if s.bus, err = newBus(ctx, cfg.RedisAddr, logger); err != nil {
		return nil, err
	}

	checker := s.checker
	factory := func(h executor.Handlers) (executor.Engine, error) {
		return python.NewPool(cfg.Python, h, logger, python.WithChecker(checker)), nil
	}
	s.sessions = service.NewSessionService(
		factory,
		s.db.Snippets(),
		s.db.Runs(),
		s.bus,
		s.checker,
		cfg.Session,
		logger,
	)

	s.setupRoutes(tokens)
	return s, nil
}

func newChecker(cfg Config, logger *slog.Logger) (syntax.Checker, error) {
	switch cfg.SyntaxBackend {
	case "", SyntaxLocal:
		pythonPath := cfg.Python.PythonPath
		if pythonPath == "" {
			pythonPath = python.DefaultConfig().PythonPath
		}
		return syntax.NewLocalChecker(pythonPath), nil
	case SyntaxDocker:
		c, err := docker.New(cfg.Docker, logger)
		if err != nil {
			return nil, fmt.Errorf("starting docker syntax checker: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown syntax backend %q", cfg.SyntaxBackend)
	}
}

func newBus(ctx context.Context, redisAddr string, logger *slog.Logger) (events.Bus, error) {
	if redisAddr == "" {
		return events.NewMemoryBus(logger), nil
	}
	bus, err := events.NewRedisBus(ctx, redisAddr, logger)
	if err != nil {
		return nil, err
	}
	return bus, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes registers:
//
//	GET    /healthz
//	POST   /api/syntax
//	GET    /api/snippets               POST /api/snippets
//	GET    /api/snippets/{id}          PUT, DELETE /api/snippets/{id}
//	POST   /api/sessions
//	DELETE /api/sessions/{id}                     (token)
//	POST   /api/sessions/{id}/execute|stdin|restart (token)
//	GET    /api/sessions/{id}/runs|stream         (token)
func (s *Server) setupRoutes(tokens *auth.TokenService) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))

	snippetHandler := handler.NewSnippetHandler(service.NewSnippetService(s.db.Snippets(), s.logger), s.logger)
	sessionHandler := handler.NewSessionHandler(s.sessions, tokens, s.logger)
	syntaxHandler := handler.NewSyntaxHandler(s.sessions, s.logger)
	streamHandler := handler.NewStreamHandler(s.sessions, s.bus, s.logger)

	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/syntax", syntaxHandler.HandleCheck)

		r.Get("/snippets", snippetHandler.HandleList)
		r.Post("/snippets", snippetHandler.HandleCreate)
		r.Get("/snippets/{id}", snippetHandler.HandleGetByID)
		r.Put("/snippets/{id}", snippetHandler.HandleUpdate)
		r.Delete("/snippets/{id}", snippetHandler.HandleDelete)

		r.Post("/sessions", sessionHandler.HandleCreate)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Use(auth.RequireSession(tokens))
			r.Delete("/", sessionHandler.HandleDelete)
			r.Post("/execute", sessionHandler.HandleExecute)
			r.Post("/stdin", sessionHandler.HandleStdin)
			r.Post("/restart", sessionHandler.HandleRestart)
			r.Get("/runs", sessionHandler.HandleRuns)
			r.Get("/stream", streamHandler.HandleStream)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`+"\n", s.sessions.Count())
}

// Start serves until SIGINT or SIGTERM, then drains requests and closes
// sessions, the event bus, the syntax checker and the database, in that
// order.
func (s *Server) Start() error {
	defer s.release()

	// no WriteTimeout: it would cut websocket streams
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("database", s.config.DBPath),
			slog.Int("poolSize", s.config.Python.PoolSize),
			slog.Bool("redis", s.config.RedisAddr != ""),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// stop sessions first so open streams see "closed" and end
		s.sessions.Shutdown(ctx)
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}

// release closes every resource New opened. Safe on a partly built Server.
func (s *Server) release() {
	if s.sessions != nil {
		s.sessions.Shutdown(context.Background())
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.logger.Warn("closing event bus", slog.String("error", err.Error()))
		}
	}
	if c, ok := s.checker.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.logger.Warn("closing syntax checker", slog.String("error", err.Error()))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("closing database", slog.String("error", err.Error()))
		}
	}
}
