package python

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Almenon/AREPL-backend/internal/executor"
)

// Executor owns one interpreter process at a time and drives it through the
// Starting -> FreshFree -> Executing -> DirtyFree -> Ending lifecycle.
//
// The process gets three channels besides stdin: stdout and stderr are
// forwarded verbatim through OnPrint and OnStderr, and file descriptor 3 carries
// newline-framed JSON results, so user output can never be mistaken for
// protocol data.
type Executor struct {
	name     string
	cfg      Config
	script   string
	logger   *slog.Logger
	handlers executor.Handlers

	// exitHook is told about processes that exited without being asked to.
	exitHook func(code int)

	mu         sync.Mutex
	state      executor.State
	proc       *process
	generation uint64
	execStart  time.Time
	onReady    func()
}

// process is one incarnation of the interpreter. Restart replaces it.
type process struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *outputStream
	stderr    *outputStream
	results   *os.File
	startedAt time.Time
	exited    chan struct{}

	writeMu sync.Mutex

	// guarded by Executor.mu
	done     bool
	stopping bool
	// restart asks wait to start the next process; onRestarted collects the
	// callbacks of every Restart that arrived while this one was going down.
	restart     bool
	onRestarted []func()
}

// NewExecutor creates an executor. It does not spawn anything until Start.
func NewExecutor(name string, cfg Config, handlers executor.Handlers, logger *slog.Logger) (*Executor, error) {
	cfg = cfg.withDefaults()

	script := cfg.ScriptPath
	if script == "" && len(cfg.Args) == 0 {
		path, err := embeddedHarness()
		if err != nil {
			return nil, err
		}
		script = path
	}

	return &Executor{
		name:     name,
		cfg:      cfg,
		script:   script,
		logger:   logger.With(slog.String("executor", name)),
		handlers: handlers,
		state:    executor.Ending,
	}, nil
}

// Name identifies the executor in logs and results.
func (e *Executor) Name() string {
	return e.name
}

// State returns the current lifecycle state.
func (e *Executor) State() executor.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Generation returns the generation of the request the executor is running
// or last ran. Zero after a (re)start.
func (e *Executor) Generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// Exited is closed when the current process has exited.
func (e *Executor) Exited() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return e.proc.exited
}

// Start spawns the interpreter. onReady runs once, when the process reports
// that it can accept work.
func (e *Executor) Start(onReady func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startLocked(onReady)
}

func (e *Executor) startLocked(onReady func()) error {
	name, args := e.cfg.command(e.script)
	cmd := exec.Command(name, args...)
	cmd.Dir = e.cfg.Dir
	cmd.Env = append(os.Environ(), "PYTHONIOENCODING=utf8", "PYTHONUNBUFFERED=1")
	cmd.Env = append(cmd.Env, e.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("python: stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("python: stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdin, stdoutR, stdoutW)
		return fmt.Errorf("python: stderr pipe: %w", err)
	}
	resultR, resultW, err := os.Pipe()
	if err != nil {
		closeAll(stdin, stdoutR, stdoutW, stderrR, stderrW)
		return fmt.Errorf("python: result pipe: %w", err)
	}

	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	// first extra file becomes fd 3 in the child
	cmd.ExtraFiles = []*os.File{resultW}

	e.state = executor.Starting
	if err := cmd.Start(); err != nil {
		closeAll(stdin, stdoutR, stdoutW, stderrR, stderrW, resultR, resultW)
		e.state = executor.Ending
		return fmt.Errorf("python: starting %s: %w", name, err)
	}
	// the child holds its own copies now
	closeAll(stdoutW, stderrW, resultW)

	p := &process{
		cmd:       cmd,
		stdin:     stdin,
		results:   resultR,
		startedAt: time.Now(),
		exited:    make(chan struct{}),
	}
	p.stdout = newOutputStream(stdoutR, e.handlers.NotifyPrint)
	p.stderr = newOutputStream(stderrR, e.handlers.NotifyStderr)

	e.proc = p
	e.onReady = onReady
	e.generation = 0

	e.logger.Debug("starting interpreter", slog.Int("pid", cmd.Process.Pid))

	go p.stdout.run()
	go p.stderr.run()
	go e.readResults(p)
	go e.wait(p)

	return nil
}

// Execute sends req to the process. generation tags the results it produces.
// Calling Execute while a request is still running is a caller bug; it is
// logged and the request is sent anyway.
func (e *Executor) Execute(req executor.ExecRequest, generation uint64) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("python: encoding request: %w", err)
	}
	payload = append(payload, '\n')

	e.mu.Lock()
	p := e.proc
	if p == nil || p.done || e.state == executor.Ending {
		e.mu.Unlock()
		return executor.ErrNotRunning
	}
	if e.state == executor.Executing {
		e.logger.Error("execute called while a request is still running",
			slog.Uint64("running", e.generation),
			slog.Uint64("new", generation),
		)
	}
	e.state = executor.Executing
	e.generation = generation
	e.execStart = time.Now()
	e.mu.Unlock()

	return p.write(payload)
}

// SendStdin writes text to the process's stdin, answering input() calls in
// user code. A trailing newline is added if missing.
func (e *Executor) SendStdin(text string) error {
	e.mu.Lock()
	p := e.proc
	running := p != nil && !p.done && e.state != executor.Ending
	e.mu.Unlock()
	if !running {
		return executor.ErrNotRunning
	}

	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return p.write([]byte(text))
}

// Restart terminates the process and starts a new one once it has exited.
// onRestarted is called when the new process is ready. Calls that arrive while
// a restart is already under way join it: one new process is started and every
// callback runs when it is ready.
func (e *Executor) Restart(onRestarted func()) error {
	e.mu.Lock()
	p := e.proc
	if p == nil || p.done {
		err := e.startLocked(onRestarted)
		e.mu.Unlock()
		return err
	}

	if onRestarted != nil {
		p.onRestarted = append(p.onRestarted, onRestarted)
	}
	if p.restart {
		e.mu.Unlock()
		return nil
	}
	// a process still starting up may owe a previous restart its callback
	if e.onReady != nil {
		p.onRestarted = append(p.onRestarted, e.onReady)
	}
	e.state = executor.Ending
	e.onReady = nil
	p.stopping = true
	p.restart = true
	e.mu.Unlock()

	e.terminate(p, false)
	return nil
}

// Stop terminates the process: SIGTERM, then SIGKILL if it is still alive
// after the grace period. force skips straight to SIGKILL. A pending restart
// is cancelled.
func (e *Executor) Stop(force bool) {
	e.mu.Lock()
	p := e.proc
	e.state = executor.Ending
	e.onReady = nil
	if p == nil || p.done {
		e.mu.Unlock()
		return
	}
	p.stopping = true
	p.restart = false
	p.onRestarted = nil
	e.mu.Unlock()

	e.terminate(p, force)
}

func (e *Executor) terminate(p *process, force bool) {
	sig := os.Signal(syscall.SIGTERM)
	if force {
		sig = os.Kill
	}
	if err := p.cmd.Process.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return
		}
		// no SIGTERM on this platform
		e.logger.Debug("signal failed, killing", slog.String("error", err.Error()))
		e.kill(p)
		return
	}
	if force {
		return
	}

	time.AfterFunc(e.cfg.GracePeriod, func() {
		select {
		case <-p.exited:
			return
		default:
		}
		e.logger.Warn("interpreter ignored SIGTERM, killing",
			slog.Duration("grace", e.cfg.GracePeriod),
		)
		e.kill(p)
	})
}

func (e *Executor) kill(p *process) {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		e.logger.Error("failed to kill interpreter", slog.String("error", err.Error()))
	}
}

func (e *Executor) readResults(p *process) {
	defer p.results.Close()

	r := bufio.NewReader(p.results)
	for {
		line, err := r.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			e.handleFrame(p, line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				e.logger.Warn("result channel read failed", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (e *Executor) handleFrame(p *process, line []byte) {
	frame, err := executor.DecodeFrame(line)
	if err != nil {
		e.logger.Error("undecodable result frame", slog.String("error", err.Error()))
		e.handlers.NotifyError(err)
		return
	}

	e.mu.Lock()
	if p != e.proc {
		e.mu.Unlock()
		e.logger.Debug("dropping frame from replaced process")
		return
	}

	if frame.StartResult {
		if e.state != executor.Starting {
			e.mu.Unlock()
			return
		}
		e.state = executor.FreshFree
		ready := e.onReady
		e.onReady = nil
		e.mu.Unlock()

		e.logger.Debug("interpreter ready", slog.Duration("startup", time.Since(p.startedAt)))
		if ready != nil {
			ready()
		}
		return
	}

	res := frame.Result
	if res.Done && e.state == executor.Executing {
		e.state = executor.DirtyFree
	}
	res.TotalTime = float64(time.Since(e.execStart).Microseconds()) / 1000
	res.EvaluatorName = e.name
	res.Generation = e.generation
	e.mu.Unlock()

	p.stdout.drain()
	p.stderr.drain()

	if res.UserErrorMsg != "" {
		res.UserErrorMsg = executor.SanitizeTraceback(res.UserErrorMsg, e.harnessFiles()...)
	}
	e.handlers.NotifyResult(res)
}

func (e *Executor) harnessFiles() []string {
	if e.script == "" {
		return []string{HarnessFile}
	}
	return []string{filepath.Base(e.script)}
}

func (e *Executor) wait(p *process) {
	err := p.cmd.Wait()
	code := exitCode(p.cmd, err)

	e.mu.Lock()
	p.done = true
	close(p.exited)
	expected := p.stopping
	current := p == e.proc
	var restartErr error
	switch {
	case current && p.restart:
		restartErr = e.startLocked(chain(p.onRestarted))
	case current && !expected:
		e.state = executor.Ending
	}
	p.restart = false
	p.onRestarted = nil
	e.mu.Unlock()

	e.logger.Debug("interpreter exited",
		slog.Int("code", code),
		slog.Bool("expected", expected),
		slog.Duration("uptime", time.Since(p.startedAt)),
	)

	if restartErr != nil {
		e.logger.Error("restart failed", slog.String("error", restartErr.Error()))
		e.handlers.NotifyError(restartErr)
	}
	if !current || expected {
		return
	}
	if code != 0 {
		e.logger.Warn("interpreter exited abnormally", slog.Int("code", code))
		e.handlers.NotifyAbnormalExit(code)
	}
	if e.exitHook != nil {
		e.exitHook(code)
	}
}

func chain(fns []func()) func() {
	if len(fns) == 0 {
		return nil
	}
	return func() {
		for _, fn := range fns {
			fn()
		}
	}
}

func (p *process) write(b []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(b); err != nil {
		return fmt.Errorf("python: writing to interpreter: %w", err)
	}
	return nil
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func closeAll(closers ...io.Closer) {
	for _, c := range closers {
		c.Close()
	}
}
