package python

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Almenon/AREPL-backend/internal/executor"
)

const waitTimeout = 10 * time.Second

// recorder collects everything an executor or pool reports, in arrival order.
type recorder struct {
	mu       sync.Mutex
	events   []string
	results  []executor.Result
	errs     []error
	exits    []int
	resultCh chan executor.Result
	errCh    chan error
	exitCh   chan int
}

func newRecorder() *recorder {
	return &recorder{
		resultCh: make(chan executor.Result, 100),
		errCh:    make(chan error, 100),
		exitCh:   make(chan int, 100),
	}
}

func (r *recorder) handlers() executor.Handlers {
	return executor.Handlers{
		OnResult: func(res executor.Result) {
			r.mu.Lock()
			r.results = append(r.results, res)
			r.events = append(r.events, "result")
			r.mu.Unlock()
			r.resultCh <- res
		},
		OnPrint: func(text string) {
			r.mu.Lock()
			r.events = append(r.events, "print:"+text)
			r.mu.Unlock()
		},
		OnStderr: func(text string) {
			r.mu.Lock()
			r.events = append(r.events, "stderr:"+text)
			r.mu.Unlock()
		},
		OnAbnormalExit: func(code int) {
			r.mu.Lock()
			r.exits = append(r.exits, code)
			r.mu.Unlock()
			r.exitCh <- code
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
			r.errCh <- err
		},
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// printed joins everything forwarded through OnPrint so far. The pipe may
// split one write into several chunks or merge several writes into one.
func (r *recorder) printed() string {
	var b strings.Builder
	for _, e := range r.snapshot() {
		if text, ok := strings.CutPrefix(e, "print:"); ok {
			b.WriteString(text)
		}
	}
	return b.String()
}

func (r *recorder) nextResult(t *testing.T) executor.Result {
	t.Helper()
	select {
	case res := <-r.resultCh:
		return res
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for a result")
		return executor.Result{}
	}
}

func (r *recorder) nextDone(t *testing.T) executor.Result {
	t.Helper()
	for {
		if res := r.nextResult(t); res.Done {
			return res
		}
	}
}

func startExecutor(t *testing.T, mode string, rec *recorder) *Executor {
	t.Helper()
	ex, err := NewExecutor("test", helperConfig(mode), rec.handlers(), testLogger())
	require.NoError(t, err)

	ready := make(chan struct{})
	require.NoError(t, ex.Start(func() { close(ready) }))
	t.Cleanup(func() { ex.Stop(true) })

	select {
	case <-ready:
	case <-time.After(waitTimeout):
		t.Fatalf("executor never became ready")
	}
	return ex
}

func request(code string) executor.ExecRequest {
	return executor.NewRequest(code)
}

func TestExecutor_StartBecomesFresh(t *testing.T) {
	ex := startExecutor(t, "", newRecorder())
	assert.Equal(t, executor.FreshFree, ex.State())
	assert.Equal(t, uint64(0), ex.Generation())
}

func TestExecutor_StartFailure(t *testing.T) {
	cfg := helperConfig("")
	cfg.PythonPath = "/nonexistent/interpreter"

	ex, err := NewExecutor("broken", cfg, executor.Handlers{}, testLogger())
	require.NoError(t, err)

	err = ex.Start(nil)
	assert.Error(t, err)
	assert.Equal(t, executor.Ending, ex.State())
	assert.ErrorIs(t, ex.Execute(request("print hi"), 1), executor.ErrNotRunning)
}

func TestExecutor_NotReadyStaysStarting(t *testing.T) {
	rec := newRecorder()
	ex, err := NewExecutor("slow", helperConfig("never-ready"), rec.handlers(), testLogger())
	require.NoError(t, err)
	require.NoError(t, ex.Start(func() { t.Error("onReady must not fire without the marker") }))
	defer ex.Stop(true)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, executor.Starting, ex.State())
}

func TestExecutor_Execute(t *testing.T) {
	rec := newRecorder()
	ex := startExecutor(t, "", rec)

	require.NoError(t, ex.Execute(request("print 1\nprint 2\nset x 5\nsleep 10"), 7))
	assert.Equal(t, executor.Executing, ex.State())

	res := rec.nextDone(t)

	assert.True(t, res.Done)
	assert.Equal(t, uint64(7), res.Generation)
	assert.Equal(t, "test", res.EvaluatorName)
	assert.Equal(t, float64(5), res.UserVariables["x"])
	assert.Nil(t, res.UserError)
	// seconds on the wire, milliseconds here
	assert.GreaterOrEqual(t, res.ExecTime, 10.0)
	assert.GreaterOrEqual(t, res.TotalTime, res.ExecTime)
	assert.Equal(t, executor.DirtyFree, ex.State())
}

func TestExecutor_OutputPrecedesResult(t *testing.T) {
	rec := newRecorder()
	ex := startExecutor(t, "", rec)

	for i := 0; i < 5; i++ {
		rec.mu.Lock()
		rec.events = nil
		rec.mu.Unlock()

		require.NoError(t, ex.Execute(request("print 1\nstderr oops\nprint 2"), uint64(i+1)))
		rec.nextDone(t)

		events := rec.snapshot()
		require.NotEmpty(t, events)
		assert.Equal(t, "result", events[len(events)-1])

		assert.Equal(t, "1\n2\n", rec.printed())
		assert.Contains(t, events, "stderr:oops\n")
	}
}

func TestExecutor_OutputPrecedesResultWithSlowConsumer(t *testing.T) {
	rec := newRecorder()
	handlers := rec.handlers()
	record := handlers.OnPrint
	handlers.OnPrint = func(text string) {
		time.Sleep(8 * time.Millisecond)
		record(text)
	}

	ex, err := NewExecutor("slow-consumer", helperConfig(""), handlers, testLogger())
	require.NoError(t, err)
	ready := make(chan struct{})
	require.NoError(t, ex.Start(func() { close(ready) }))
	t.Cleanup(func() { ex.Stop(true) })
	select {
	case <-ready:
	case <-time.After(waitTimeout):
		t.Fatal("executor never became ready")
	}

	// well past what the pipe buffers, so the tail is still unread when the
	// result arrives
	line := strings.Repeat("x", 999)
	code := strings.Repeat("print "+line+"\n", 300)
	require.NoError(t, ex.Execute(request(code), 1))
	rec.nextDone(t)

	events := rec.snapshot()
	assert.Equal(t, "result", events[len(events)-1])
	assert.Equal(t, strings.Repeat(line+"\n", 300), rec.printed())
}

func TestExecutor_DumpIsPartial(t *testing.T) {
	rec := newRecorder()
	ex := startExecutor(t, "", rec)

	require.NoError(t, ex.Execute(request("set a 1\ndump\nset b 2\ndump"), 1))

	first := rec.nextResult(t)
	assert.False(t, first.Done)
	assert.Equal(t, 0, first.Count)
	assert.Equal(t, map[string]any{"a": float64(1)}, first.UserVariables)

	second := rec.nextResult(t)
	assert.False(t, second.Done)
	assert.Equal(t, 1, second.Count)

	final := rec.nextResult(t)
	assert.True(t, final.Done)
	assert.Equal(t, map[string]any{"a": float64(1), "b": float64(2)}, final.UserVariables)
	assert.Equal(t, executor.DirtyFree, ex.State())
}

func TestExecutor_UserErrorIsSanitized(t *testing.T) {
	rec := newRecorder()
	ex := startExecutor(t, "", rec)

	require.NoError(t, ex.Execute(request("raise name 'x' is not defined"), 1))
	res := rec.nextDone(t)

	require.NotNil(t, res.UserError)
	assert.Equal(t, "NameError", res.UserError.ExcType)
	assert.Equal(t, "Traceback (most recent call last):\n  line 1, in <module>\nNameError: name 'x' is not defined\n", res.UserErrorMsg)
	assert.NotContains(t, res.UserErrorMsg, "fake_harness.py")
}

func TestExecutor_MalformedFrameIsReported(t *testing.T) {
	rec := newRecorder()
	ex := startExecutor(t, "", rec)

	require.NoError(t, ex.Execute(request("garbage"), 1))

	select {
	case err := <-rec.errCh:
		var perr *executor.ProtocolError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "this is not json", perr.Frame)
		assert.Contains(t, err.Error(), "\nresults: this is not json")
	case <-time.After(waitTimeout):
		t.Fatal("no protocol error reported")
	}

	// the run itself still completes
	assert.True(t, rec.nextDone(t).Done)
}

func TestExecutor_ExecuteWhileExecutingIsAccepted(t *testing.T) {
	rec := newRecorder()
	ex := startExecutor(t, "", rec)

	require.NoError(t, ex.Execute(request("sleep 100"), 1))
	require.NoError(t, ex.Execute(request("set y 1"), 2))

	rec.nextDone(t)
	second := rec.nextDone(t)
	assert.Equal(t, uint64(2), second.Generation)
}

func TestExecutor_Restart(t *testing.T) {
	rec := newRecorder()
	ex := startExecutor(t, "", rec)

	require.NoError(t, ex.Execute(request("set x 1"), 1))
	rec.nextDone(t)
	require.Equal(t, executor.DirtyFree, ex.State())

	restarted := make(chan struct{})
	require.NoError(t, ex.Restart(func() { close(restarted) }))

	select {
	case <-restarted:
	case <-time.After(waitTimeout):
		t.Fatal("restart never completed")
	}
	assert.Equal(t, executor.FreshFree, ex.State())

	// nothing survives the restart, even when asking for previous variables
	req := request("set z 3")
	req.UsePreviousVariables = true
	require.NoError(t, ex.Execute(req, 2))
	res := rec.nextDone(t)
	assert.Equal(t, map[string]any{"z": float64(3)}, res.UserVariables)

	// a restart is not an abnormal exit
	assert.Empty(t, rec.exitCh)
}

func TestExecutor_RestartBackToBack(t *testing.T) {
	pids := t.TempDir()
	cfg := helperConfig("")
	cfg.Env = append(cfg.Env, "AREPL_HELPER_PIDDIR="+pids)

	rec := newRecorder()
	ex, err := NewExecutor("restarts", cfg, rec.handlers(), testLogger())
	require.NoError(t, err)
	ready := make(chan struct{})
	require.NoError(t, ex.Start(func() { close(ready) }))
	t.Cleanup(func() { ex.Stop(true) })
	select {
	case <-ready:
	case <-time.After(waitTimeout):
		t.Fatal("executor never became ready")
	}

	const restarts = 5
	var fired atomic.Int32
	for i := 0; i < restarts; i++ {
		require.NoError(t, ex.Restart(func() { fired.Add(1) }))
	}

	require.Eventually(t, func() bool { return fired.Load() == restarts },
		waitTimeout, 5*time.Millisecond)
	assert.Equal(t, executor.FreshFree, ex.State())

	// still usable
	require.NoError(t, ex.Execute(request("set a 1"), 1))
	rec.nextDone(t)

	ex.Stop(true)
	select {
	case <-ex.Exited():
	case <-time.After(waitTimeout):
		t.Fatal("interpreter never exited")
	}

	// every interpreter that was started is gone
	entries, err := os.ReadDir(pids)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		require.NoError(t, err)
		assert.Eventually(t, func() bool {
			return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
		}, waitTimeout, 10*time.Millisecond, "interpreter %d still running", pid)
	}
	assert.Empty(t, rec.exitCh)
}

func TestExecutor_StopCancelsPendingRestart(t *testing.T) {
	ex := startExecutor(t, "ignore-term", newRecorder())
	exited := ex.Exited()

	var fired atomic.Bool
	require.NoError(t, ex.Restart(func() { fired.Store(true) }))
	ex.Stop(true)

	select {
	case <-exited:
	case <-time.After(waitTimeout):
		t.Fatal("interpreter never exited")
	}
	time.Sleep(100 * time.Millisecond)
	assert.False(t, fired.Load())
	assert.Equal(t, executor.Ending, ex.State())
	assert.Equal(t, exited, ex.Exited())
}

func TestExecutor_StopKillsAfterGracePeriod(t *testing.T) {
	ex := startExecutor(t, "ignore-term", newRecorder())
	exited := ex.Exited()

	start := time.Now()
	ex.Stop(false)
	assert.Equal(t, executor.Ending, ex.State())

	select {
	case <-exited:
	case <-time.After(waitTimeout):
		t.Fatal("process survived stop")
	}
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, ex.cfg.GracePeriod)
	assert.Less(t, elapsed, ex.cfg.GracePeriod+2*time.Second)
}

func TestExecutor_StopForce(t *testing.T) {
	ex := startExecutor(t, "ignore-term", newRecorder())
	exited := ex.Exited()

	ex.Stop(true)

	select {
	case <-exited:
	case <-time.After(waitTimeout):
		t.Fatal("process survived forced stop")
	}
	assert.ErrorIs(t, ex.Execute(request("print hi"), 1), executor.ErrNotRunning)
}

func TestExecutor_AbnormalExit(t *testing.T) {
	rec := newRecorder()
	ex := startExecutor(t, "", rec)

	require.NoError(t, ex.Execute(request("exit 3"), 1))

	select {
	case code := <-rec.exitCh:
		assert.Equal(t, 3, code)
	case <-time.After(waitTimeout):
		t.Fatal("abnormal exit not reported")
	}
	<-ex.Exited()
	assert.Equal(t, executor.Ending, ex.State())

	// a dead executor can be restarted
	restarted := make(chan struct{})
	require.NoError(t, ex.Restart(func() { close(restarted) }))
	select {
	case <-restarted:
	case <-time.After(waitTimeout):
		t.Fatal("restart of dead process never completed")
	}
	assert.Equal(t, executor.FreshFree, ex.State())
}

func TestExecutor_CleanExitIsNotAbnormal(t *testing.T) {
	rec := newRecorder()
	ex := startExecutor(t, "", rec)

	require.NoError(t, ex.Execute(request("exit 0"), 1))
	<-ex.Exited()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.exitCh)
}

func TestExecutor_SendStdin(t *testing.T) {
	rec := newRecorder()
	ex := startExecutor(t, "", rec)

	require.NoError(t, ex.Execute(request("input"), 1))
	require.NoError(t, ex.SendStdin("hello there"))
	rec.nextDone(t)

	assert.Contains(t, rec.snapshot(), "print:hello there\n")
}
