package python

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Almenon/AREPL-backend/internal/executor"
	"github.com/Almenon/AREPL-backend/internal/syntax"
)

type stubChecker struct {
	code string
	path string
	err  error
}

func (s *stubChecker) Check(_ context.Context, code string) error {
	s.code = code
	return s.err
}

func (s *stubChecker) CheckFile(_ context.Context, path string) error {
	s.path = path
	return s.err
}

func newTestPool(t *testing.T, cfg Config, rec *recorder, opts ...PoolOption) *Pool {
	t.Helper()
	p := NewPool(cfg, rec.handlers(), testLogger(), opts...)
	t.Cleanup(func() { p.Stop(true) })
	return p
}

// startPool starts p and waits until every executor is fresh.
func startPool(t *testing.T, p *Pool) {
	t.Helper()
	ready := make(chan struct{})
	require.NoError(t, p.Start(func() { close(ready) }))

	select {
	case <-ready:
	case <-time.After(waitTimeout):
		t.Fatal("pool never became ready")
	}
	waitAllFresh(t, p)
}

func waitAllFresh(t *testing.T, p *Pool) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range p.States() {
			if s != executor.FreshFree {
				return false
			}
		}
		return true
	}, waitTimeout, 10*time.Millisecond)
}

func TestPool_Execute(t *testing.T) {
	rec := newRecorder()
	p := newTestPool(t, helperConfig(""), rec)
	startPool(t, p)

	gen, err := p.Execute(request("print hello\nset x 1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)

	res := rec.nextDone(t)
	assert.Equal(t, gen, res.Generation)
	assert.Equal(t, map[string]any{"x": float64(1)}, res.UserVariables)

	events := rec.snapshot()
	assert.Equal(t, []string{"print:hello\n", "result"}, events)
	assert.GreaterOrEqual(t, p.Active(), 0)
}

func TestPool_EveryRunStartsFresh(t *testing.T) {
	rec := newRecorder()
	p := newTestPool(t, helperConfig(""), rec)
	startPool(t, p)

	_, err := p.Execute(request("set a 1"))
	require.NoError(t, err)
	rec.nextDone(t)

	req := request("set b 2")
	req.UsePreviousVariables = true
	_, err = p.Execute(req)
	require.NoError(t, err)

	res := rec.nextDone(t)
	assert.Equal(t, map[string]any{"b": float64(2)}, res.UserVariables)
}

func TestPool_NewRequestPreemptsRunningOne(t *testing.T) {
	rec := newRecorder()
	p := newTestPool(t, helperConfig(""), rec)
	startPool(t, p)

	first, err := p.Execute(request("print first\nsleep 5000\nset a 1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, e := range rec.snapshot() {
			if e == "print:first\n" {
				return true
			}
		}
		return false
	}, waitTimeout, 10*time.Millisecond)

	second, err := p.Execute(request("print second\nset b 2"))
	require.NoError(t, err)
	assert.Greater(t, second, first)

	res := rec.nextDone(t)
	assert.Equal(t, second, res.Generation)
	assert.Equal(t, map[string]any{"b": float64(2)}, res.UserVariables)

	// the preempted run never reports
	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, rec.resultCh)
	assert.Equal(t, []string{"print:first\n", "print:second\n", "result"}, rec.snapshot())
}

func TestPool_BurstOnlyRunsLatest(t *testing.T) {
	rec := newRecorder()
	p := newTestPool(t, helperConfig(""), rec)
	startPool(t, p)

	var last uint64
	for i := 0; i < 10; i++ {
		gen, err := p.Execute(request("set n 1\nsleep 20"))
		require.NoError(t, err)
		last = gen
	}

	res := rec.nextDone(t)
	assert.Equal(t, last, res.Generation)

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, rec.resultCh)
}

func TestPool_SingleExecutorWaitsForRestart(t *testing.T) {
	cfg := helperConfig("")
	cfg.PoolSize = 1

	rec := newRecorder()
	p := newTestPool(t, cfg, rec)
	startPool(t, p)

	_, err := p.Execute(request("set a 1"))
	require.NoError(t, err)
	rec.nextDone(t)

	_, err = p.Execute(request("set b 2"))
	require.NoError(t, err)

	res := rec.nextDone(t)
	assert.Equal(t, map[string]any{"b": float64(2)}, res.UserVariables)
	assert.Equal(t, 0, p.Active())
}

func TestPool_ExecuteCurrentKeepsState(t *testing.T) {
	rec := newRecorder()
	p := newTestPool(t, helperConfig(""), rec)
	startPool(t, p)

	_, err := p.ExecuteCurrent(request("set a 1"))
	assert.ErrorIs(t, err, executor.ErrNotRunning)

	_, err = p.Execute(request("set a 1"))
	require.NoError(t, err)
	rec.nextDone(t)

	req := request("set b 2")
	req.UsePreviousVariables = true
	gen, err := p.ExecuteCurrent(req)
	require.NoError(t, err)

	res := rec.nextDone(t)
	assert.Equal(t, gen, res.Generation)
	assert.Equal(t, map[string]any{"a": float64(1), "b": float64(2)}, res.UserVariables)
}

func TestPool_SendStdin(t *testing.T) {
	rec := newRecorder()
	p := newTestPool(t, helperConfig(""), rec)
	startPool(t, p)

	assert.ErrorIs(t, p.SendStdin("too early"), executor.ErrNotRunning)

	_, err := p.Execute(request("input"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Active() >= 0 }, waitTimeout, 5*time.Millisecond)

	require.NoError(t, p.SendStdin("42"))
	rec.nextDone(t)
	assert.Contains(t, rec.snapshot(), "print:42\n")
}

func TestPool_Restart(t *testing.T) {
	rec := newRecorder()
	p := newTestPool(t, helperConfig(""), rec)
	startPool(t, p)

	_, err := p.Execute(request("set a 1"))
	require.NoError(t, err)
	rec.nextDone(t)

	restarted := make(chan struct{})
	require.NoError(t, p.Restart(func() { close(restarted) }))

	select {
	case <-restarted:
	case <-time.After(waitTimeout):
		t.Fatal("pool restart never completed")
	}
	for _, s := range p.States() {
		assert.Equal(t, executor.FreshFree, s)
	}
}

func TestPool_RestartBackToBack(t *testing.T) {
	rec := newRecorder()
	p := newTestPool(t, helperConfig(""), rec)
	startPool(t, p)

	first := make(chan struct{})
	second := make(chan struct{})
	require.NoError(t, p.Restart(func() { close(first) }))
	require.NoError(t, p.Restart(func() { close(second) }))

	for _, ch := range []chan struct{}{first, second} {
		select {
		case <-ch:
		case <-time.After(waitTimeout):
			t.Fatal("pool restart never completed")
		}
	}
	waitAllFresh(t, p)

	_, err := p.Execute(request("set a 1"))
	require.NoError(t, err)
	res := rec.nextDone(t)
	assert.Equal(t, map[string]any{"a": float64(1)}, res.UserVariables)
}

func TestPool_RestartReportsExecutorThatCannotStart(t *testing.T) {
	cfg := helperConfig("")
	cfg.PoolSize = 2

	rec := newRecorder()
	p := newTestPool(t, cfg, rec)
	startPool(t, p)

	broken := p.executors[1]
	exited := broken.Exited()
	broken.Stop(true)
	select {
	case <-exited:
	case <-time.After(waitTimeout):
		t.Fatal("interpreter never exited")
	}
	broken.mu.Lock()
	broken.cfg.PythonPath = "/nonexistent/interpreter"
	broken.mu.Unlock()

	restarted := make(chan struct{})
	err := p.Restart(func() { close(restarted) })
	require.Error(t, err)

	select {
	case <-restarted:
	case <-time.After(waitTimeout):
		t.Fatal("restart callback held back by the broken executor")
	}
	assert.Equal(t, []executor.State{executor.FreshFree, executor.Ending}, p.States())
}

func TestPool_RespawnOnAbnormalExit(t *testing.T) {
	cfg := helperConfig("")
	cfg.PoolSize = 1
	cfg.RespawnOnAbnormalExit = true

	rec := newRecorder()
	p := newTestPool(t, cfg, rec)
	startPool(t, p)

	_, err := p.Execute(request("exit 3"))
	require.NoError(t, err)

	select {
	case code := <-rec.exitCh:
		assert.Equal(t, 3, code)
	case <-time.After(waitTimeout):
		t.Fatal("abnormal exit not reported")
	}

	_, err = p.Execute(request("set c 1"))
	require.NoError(t, err)
	res := rec.nextDone(t)
	assert.Equal(t, map[string]any{"c": float64(1)}, res.UserVariables)
}

func TestPool_NoRespawnByDefault(t *testing.T) {
	cfg := helperConfig("")
	cfg.PoolSize = 1

	rec := newRecorder()
	p := newTestPool(t, cfg, rec)
	startPool(t, p)

	_, err := p.Execute(request("exit 3"))
	require.NoError(t, err)
	<-rec.exitCh

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, []executor.State{executor.Ending}, p.States())
}

func TestPool_Lifecycle(t *testing.T) {
	rec := newRecorder()
	p := newTestPool(t, helperConfig(""), rec)

	_, err := p.Execute(request("set a 1"))
	assert.ErrorIs(t, err, executor.ErrNotRunning)

	startPool(t, p)
	assert.ErrorIs(t, p.Start(nil), executor.ErrAlreadyStarted)

	p.Stop(false)
	p.Stop(false)

	_, err = p.Execute(request("set a 1"))
	assert.ErrorIs(t, err, executor.ErrPoolStopped)
	assert.ErrorIs(t, p.SendStdin("x"), executor.ErrPoolStopped)
	assert.ErrorIs(t, p.Restart(nil), executor.ErrPoolStopped)
	assert.ErrorIs(t, p.Start(nil), executor.ErrPoolStopped)
	assert.Empty(t, p.States())
}

func TestPool_StopBeforeStart(t *testing.T) {
	p := newTestPool(t, helperConfig(""), newRecorder())
	p.Stop(true)
	assert.ErrorIs(t, p.Start(nil), executor.ErrPoolStopped)
}

func TestPool_CheckSyntax(t *testing.T) {
	checker := &stubChecker{err: &syntax.Error{Diagnostic: "SyntaxError: invalid syntax"}}
	p := newTestPool(t, helperConfig(""), newRecorder(), WithChecker(checker))

	err := p.CheckSyntax(context.Background(), "x =")
	var synErr *syntax.Error
	require.True(t, errors.As(err, &synErr))
	assert.Equal(t, "x =", checker.code)

	checker.err = nil
	assert.NoError(t, p.CheckSyntaxFile(context.Background(), "/tmp/script.py"))
	assert.Equal(t, "/tmp/script.py", checker.path)
}
