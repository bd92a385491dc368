package python

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Almenon/AREPL-backend/internal/executor"
	"github.com/Almenon/AREPL-backend/internal/syntax"
)

// dispatchSlack is added to the grace period before dispatching after a run
// was preempted, so the preempted process is dead before the next one starts.
const dispatchSlack = 5 * time.Millisecond

// Pool presents several Executors as one. Every request goes to a process that
// has never run user code; used processes are restarted in the background, so
// interpreter startup time is hidden from the caller.
//
// Each request gets a generation number. Output and results are forwarded
// only while they belong to the latest generation, which is how a newer
// request preempts an older one.
type Pool struct {
	cfg      Config
	logger   *slog.Logger
	handlers executor.Handlers
	checker  syntax.Checker

	mu        sync.Mutex
	executors []*Executor
	started   bool
	stopped   bool

	latest atomic.Uint64
	active atomic.Int64

	submit   chan submission
	ready    chan struct{}
	quit     chan struct{}
	loopDone chan struct{}
	quitOnce sync.Once
}

type submission struct {
	req        executor.ExecRequest
	generation uint64
}

var _ executor.Engine = (*Pool)(nil)

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithChecker sets the syntax checker used by CheckSyntax. The default runs
// the configured interpreter locally.
func WithChecker(c syntax.Checker) PoolOption {
	return func(p *Pool) {
		p.checker = c
	}
}

// NewPool creates a pool. Nothing is spawned until Start.
func NewPool(cfg Config, handlers executor.Handlers, logger *slog.Logger, opts ...PoolOption) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:      cfg,
		logger:   logger,
		handlers: handlers,
		submit:   make(chan submission),
		ready:    make(chan struct{}, 1),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	p.active.Store(-1)
	for _, opt := range opts {
		opt(p)
	}
	if p.checker == nil {
		p.checker = syntax.NewLocalChecker(cfg.PythonPath)
	}
	return p
}

// Start spawns the executors. onReady runs once, as soon as the first of
// them can take work.
func (p *Pool) Start(onReady func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return executor.ErrPoolStopped
	}
	if p.started {
		return executor.ErrAlreadyStarted
	}

	var once sync.Once
	ready := func() {
		p.signalReady()
		if onReady != nil {
			once.Do(onReady)
		}
	}

	executors := make([]*Executor, 0, p.cfg.PoolSize)
	for i := 0; i < p.cfg.PoolSize; i++ {
		ex, err := NewExecutor(strconv.Itoa(i), p.cfg, executor.Handlers{}, p.logger)
		if err != nil {
			return err
		}
		ex.handlers = p.forward(ex)
		ex.exitHook = p.respawnHook(ex)
		executors = append(executors, ex)
	}

	p.logger.Info("starting executor pool", slog.Int("poolSize", p.cfg.PoolSize))
	for i, ex := range executors {
		if err := ex.Start(ready); err != nil {
			for _, started := range executors[:i] {
				started.Stop(true)
			}
			return err
		}
	}

	p.executors = executors
	p.started = true
	go p.loop()
	return nil
}

// Execute submits req and returns its generation. It never waits for the
// interpreter: any in-flight run is preempted and the request is dispatched
// once a fresh process is available.
func (p *Pool) Execute(req executor.ExecRequest) (uint64, error) {
	if err := p.checkRunning(); err != nil {
		return 0, err
	}

	gen := p.latest.Add(1)
	select {
	case p.submit <- submission{req: req, generation: gen}:
		return gen, nil
	case <-p.quit:
		return 0, executor.ErrPoolStopped
	}
}

// ExecuteCurrent sends req straight to the authoritative executor, reusing
// whatever state its last run left behind.
func (p *Pool) ExecuteCurrent(req executor.ExecRequest) (uint64, error) {
	ex, err := p.current()
	if err != nil {
		return 0, err
	}
	gen := p.latest.Add(1)
	if err := ex.Execute(req, gen); err != nil {
		return 0, err
	}
	return gen, nil
}

// SendStdin forwards text to the authoritative executor.
func (p *Pool) SendStdin(text string) error {
	ex, err := p.current()
	if err != nil {
		return err
	}
	return ex.SendStdin(text)
}

// Restart restarts every executor. Results of anything still running are
// dropped. onRestarted runs once all executors are ready again; an executor
// that cannot be restarted counts as settled, so it does not hold the callback
// back, and the first such error is returned.
func (p *Pool) Restart(onRestarted func()) error {
	if err := p.checkRunning(); err != nil {
		return err
	}
	p.latest.Add(1)

	p.mu.Lock()
	executors := p.executors
	p.mu.Unlock()

	var remaining atomic.Int32
	remaining.Store(int32(len(executors)))
	settled := func() {
		if remaining.Add(-1) == 0 && onRestarted != nil {
			onRestarted()
		}
	}
	done := func() {
		p.signalReady()
		settled()
	}

	var firstErr error
	for _, ex := range executors {
		if err := ex.Restart(done); err != nil {
			p.logger.Error("restarting executor",
				slog.String("executor", ex.Name()),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
			settled()
		}
	}
	return firstErr
}

// CheckSyntax compiles code without running it.
func (p *Pool) CheckSyntax(ctx context.Context, code string) error {
	return p.checker.Check(ctx, code)
}

// CheckSyntaxFile compiles the file at path without running it.
func (p *Pool) CheckSyntaxFile(ctx context.Context, path string) error {
	return p.checker.CheckFile(ctx, path)
}

// Stop stops every executor. Safe to call more than once.
func (p *Pool) Stop(force bool) {
	p.quitOnce.Do(func() { close(p.quit) })

	p.mu.Lock()
	started := p.started
	p.stopped = true
	p.mu.Unlock()

	if !started {
		return
	}
	<-p.loopDone

	p.mu.Lock()
	executors := p.executors
	p.executors = nil
	p.mu.Unlock()

	if len(executors) > 0 {
		p.logger.Info("stopping executor pool", slog.Bool("force", force))
	}
	for _, ex := range executors {
		ex.Stop(force)
	}
}

// Active returns the index of the authoritative executor, or -1 before the
// first dispatch.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// States returns the state of every executor, in order.
func (p *Pool) States() []executor.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	states := make([]executor.State, len(p.executors))
	for i, ex := range p.executors {
		states[i] = ex.State()
	}
	return states
}

func (p *Pool) loop() {
	defer close(p.loopDone)

	var (
		pending *submission
		grace   *time.Timer
		graceC  <-chan time.Time
		poll    *time.Ticker
		pollC   <-chan time.Time
	)
	stopGrace := func() {
		if grace != nil {
			grace.Stop()
			grace, graceC = nil, nil
		}
	}
	stopPoll := func() {
		if poll != nil {
			poll.Stop()
			poll, pollC = nil, nil
		}
	}
	tryDispatch := func() {
		if pending == nil || graceC != nil {
			return
		}
		if p.dispatch(*pending) {
			pending = nil
			stopPoll()
			return
		}
		if poll == nil {
			poll = time.NewTicker(p.cfg.PollInterval)
			pollC = poll.C
		}
	}

	for {
		select {
		case <-p.quit:
			stopGrace()
			stopPoll()
			return

		case s := <-p.submit:
			if s.generation < p.latest.Load() {
				// a newer submission is already on its way
				continue
			}
			stopPoll()
			pending = &s
			if p.recycle() {
				stopGrace()
				grace = time.NewTimer(p.cfg.GracePeriod + dispatchSlack)
				graceC = grace.C
				continue
			}
			tryDispatch()

		case <-graceC:
			grace, graceC = nil, nil
			tryDispatch()

		case <-pollC:
			tryDispatch()

		case <-p.ready:
			tryDispatch()
		}
	}
}

// recycle restarts every executor that is running or has run user code and
// reports whether one of them was still running.
func (p *Pool) recycle() bool {
	inFlight := false
	for _, ex := range p.executors {
		switch ex.State() {
		case executor.Executing:
			inFlight = true
		case executor.DirtyFree:
		default:
			continue
		}
		if err := ex.Restart(p.signalReady); err != nil {
			p.logger.Error("restarting executor",
				slog.String("executor", ex.Name()),
				slog.String("error", err.Error()),
			)
			p.handlers.NotifyError(err)
		}
	}
	return inFlight
}

// dispatch sends s to the first fresh executor. It reports false when none
// is free yet. Superseded submissions are dropped and count as handled.
func (p *Pool) dispatch(s submission) bool {
	if s.generation != p.latest.Load() {
		return true
	}
	for i, ex := range p.executors {
		if ex.State() != executor.FreshFree {
			continue
		}
		if err := ex.Execute(s.req, s.generation); err != nil {
			p.logger.Warn("dispatch failed",
				slog.String("executor", ex.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		p.active.Store(int64(i))
		p.logger.Debug("dispatched request",
			slog.String("executor", ex.Name()),
			slog.Uint64("generation", s.generation),
		)
		return true
	}
	return false
}

// forward wraps the pool's handlers for one executor, dropping anything that
// does not belong to the latest generation.
func (p *Pool) forward(ex *Executor) executor.Handlers {
	authoritative := func(gen uint64) bool {
		return gen != 0 && gen == p.latest.Load()
	}
	return executor.Handlers{
		OnResult: func(r executor.Result) {
			if !authoritative(r.Generation) {
				p.logger.Debug("dropping stale result",
					slog.String("executor", ex.Name()),
					slog.Uint64("generation", r.Generation),
				)
				return
			}
			p.handlers.NotifyResult(r)
		},
		OnPrint: func(text string) {
			if authoritative(ex.Generation()) {
				p.handlers.NotifyPrint(text)
			}
		},
		OnStderr: func(text string) {
			if authoritative(ex.Generation()) {
				p.handlers.NotifyStderr(text)
			}
		},
		OnAbnormalExit: p.handlers.NotifyAbnormalExit,
		OnError:        p.handlers.NotifyError,
	}
}

func (p *Pool) respawnHook(ex *Executor) func(code int) {
	return func(code int) {
		if !p.cfg.RespawnOnAbnormalExit || p.isStopped() {
			return
		}
		p.logger.Info("respawning executor",
			slog.String("executor", ex.Name()),
			slog.Int("code", code),
		)
		if err := ex.Restart(p.signalReady); err != nil {
			p.handlers.NotifyError(err)
		}
	}
}

func (p *Pool) current() (*Executor, error) {
	if err := p.checkRunning(); err != nil {
		return nil, err
	}
	idx := p.active.Load()

	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || int(idx) >= len(p.executors) {
		return nil, executor.ErrNotRunning
	}
	return p.executors[idx], nil
}

func (p *Pool) checkRunning() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return executor.ErrPoolStopped
	}
	if !p.started {
		return executor.ErrNotRunning
	}
	return nil
}

func (p *Pool) signalReady() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

func (p *Pool) isStopped() bool {
	select {
	case <-p.quit:
		return true
	default:
		return false
	}
}
