// Package executor holds the types shared by everything that runs user code
// against a live interpreter: requests, results, executor states and the
// callbacks results are delivered through.
package executor

import (
	"context"
	"errors"
)

var (
	ErrNotRunning     = errors.New("executor: interpreter process is not running")
	ErrPoolStopped    = errors.New("executor: pool is stopped")
	ErrAlreadyStarted = errors.New("executor: already started")
)

// ExecRequest is one unit of work sent to an interpreter process.
// The JSON field names are the interpreter's wire format.
type ExecRequest struct {
	EvalCode             string   `json:"evalCode"`
	SavedCode            string   `json:"savedCode"`
	FilePath             string   `json:"filePath"`
	UsePreviousVariables bool     `json:"usePreviousVariables"`
	ShowGlobalVars       bool     `json:"show_global_vars"`
	FilterVars           []string `json:"default_filter_vars"`
	FilterTypes          []string `json:"default_filter_types"`
}

// NewRequest returns a request for code with global variables shown.
func NewRequest(code string) ExecRequest {
	return ExecRequest{
		EvalCode:       code,
		ShowGlobalVars: true,
		FilterVars:     []string{},
		FilterTypes:    []string{},
	}
}

// Result is a decoded result frame. Times are in milliseconds.
//
// A run produces zero or more partial results (Done == false, one per dump
// call in user code) followed by exactly one terminal result.
type Result struct {
	UserError     *UserError     `json:"userError"`
	UserErrorMsg  string         `json:"userErrorMsg"`
	UserVariables map[string]any `json:"userVariables"`
	ExecTime      float64        `json:"execTime"`
	TotalPyTime   float64        `json:"totalPyTime"`
	TotalTime     float64        `json:"totalTime"`
	InternalError string         `json:"internalError,omitempty"`
	Caller        string         `json:"caller"`
	Lineno        int            `json:"lineno"`
	Done          bool           `json:"done"`
	Count         int            `json:"count"`
	EvaluatorName string         `json:"evaluatorName"`
	Generation    uint64         `json:"generation"`
}

// UserError is the structured form of an exception raised by user code.
type UserError struct {
	ExcType string         `json:"excType"`
	Message string         `json:"message"`
	Stack   []FrameSummary `json:"stack"`
	Cause   *UserError     `json:"cause,omitempty"`
	Context *UserError     `json:"context,omitempty"`

	// Set for syntax errors only.
	Filename string `json:"filename,omitempty"`
	Lineno   int    `json:"lineno,omitempty"`
	Msg      string `json:"msg,omitempty"`
	Offset   int    `json:"offset,omitempty"`
	Text     string `json:"text,omitempty"`
}

// IsSyntaxError reports whether the code failed to parse.
func (u *UserError) IsSyntaxError() bool {
	return u != nil && u.Msg != ""
}

// FrameSummary is one stack frame of a user exception.
type FrameSummary struct {
	Filename string         `json:"filename"`
	Lineno   int            `json:"lineno"`
	Name     string         `json:"name"`
	Line     string         `json:"line"`
	Locals   map[string]any `json:"locals,omitempty"`
}

// State is the lifecycle state of one interpreter process.
type State int

const (
	// Starting: spawned, not yet confirmed ready.
	Starting State = iota
	// FreshFree: ready and has never run user code. The only state that
	// accepts new work.
	FreshFree
	// Executing: a request was sent and its terminal result has not arrived.
	Executing
	// DirtyFree: a request completed; must be restarted before reuse.
	DirtyFree
	// Ending: a termination signal was sent, or the process is gone.
	Ending
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case FreshFree:
		return "fresh"
	case Executing:
		return "executing"
	case DirtyFree:
		return "dirty"
	case Ending:
		return "ending"
	default:
		return "unknown"
	}
}

// Handlers are the callbacks an executor reports through. Nil fields are
// skipped. Callbacks run on the executor's own goroutines and must not block
// for long.
type Handlers struct {
	OnResult       func(Result)
	OnPrint        func(string)
	OnStderr       func(string)
	OnAbnormalExit func(code int)
	OnError        func(error)
}

func (h Handlers) NotifyResult(r Result) {
	if h.OnResult != nil {
		h.OnResult(r)
	}
}

func (h Handlers) NotifyPrint(text string) {
	if h.OnPrint != nil {
		h.OnPrint(text)
	}
}

func (h Handlers) NotifyStderr(text string) {
	if h.OnStderr != nil {
		h.OnStderr(text)
	}
}

func (h Handlers) NotifyAbnormalExit(code int) {
	if h.OnAbnormalExit != nil {
		h.OnAbnormalExit(code)
	}
}

func (h Handlers) NotifyError(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// Engine is a single logical executor as seen by callers. Execute never
// blocks on the interpreter; outcomes arrive through Handlers.
type Engine interface {
	Start(onReady func()) error
	Execute(req ExecRequest) (uint64, error)
	ExecuteCurrent(req ExecRequest) (uint64, error)
	SendStdin(text string) error
	Restart(onRestarted func()) error
	CheckSyntax(ctx context.Context, code string) error
	Stop(force bool)
}
