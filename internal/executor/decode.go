package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ProtocolError is an undecodable frame on the result channel. It means the
// interpreter harness is broken, not the user's code.
type ProtocolError struct {
	Frame string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("executor: decoding result frame: %v\nresults: %s", e.Err, e.Frame)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Frame is one decoded message of the result channel: either the readiness
// marker sent once at startup or a run result.
type Frame struct {
	StartResult bool
	Result      Result
}

type wireResult struct {
	UserError     json.RawMessage `json:"userError"`
	UserErrorMsg  string          `json:"userErrorMsg"`
	UserVariables json.RawMessage `json:"userVariables"`
	ExecTime      float64         `json:"execTime"`
	TotalPyTime   float64         `json:"totalPyTime"`
	InternalError *string         `json:"internalError"`
	Caller        string          `json:"caller"`
	Lineno        flexInt         `json:"lineno"`
	Done          *bool           `json:"done"`
	Count         flexInt         `json:"count"`
	StartResult   bool            `json:"startResult"`
	EvaluatorName string          `json:"evaluatorName"`
}

type wireUserError struct {
	Cause    *wireUserError  `json:"__cause__"`
	Context  *wireUserError  `json:"__context__"`
	Str      string          `json:"_str"`
	ExcType  json.RawMessage `json:"exc_type"`
	Stack    json.RawMessage `json:"stack"`
	Filename string          `json:"filename"`
	Lineno   flexInt         `json:"lineno"`
	Msg      string          `json:"msg"`
	Offset   flexInt         `json:"offset"`
	Text     string          `json:"text"`
}

type wireFrameSummary struct {
	Filename string         `json:"filename"`
	Lineno   flexInt        `json:"lineno"`
	Name     string         `json:"name"`
	Line     string         `json:"line"`
	RawLine  string         `json:"_line"`
	Locals   map[string]any `json:"locals"`
}

// flexInt accepts a JSON number, a numeric string or null.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("integer field: %w", err)
		}
		*f = flexInt(n)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

// DecodeFrame parses one line of the result channel. Times are rescaled from
// seconds to milliseconds and the variables and error fields, which travel as
// JSON text inside the frame, are decoded into structured values. TotalTime,
// EvaluatorName and Generation are left for the executor to fill in.
func DecodeFrame(line []byte) (Frame, error) {
	var w wireResult
	if err := json.Unmarshal(line, &w); err != nil {
		return Frame{}, &ProtocolError{Frame: string(line), Err: err}
	}
	if w.StartResult {
		return Frame{StartResult: true}, nil
	}

	res := Result{
		UserErrorMsg:  w.UserErrorMsg,
		ExecTime:      w.ExecTime * 1000,
		TotalPyTime:   w.TotalPyTime * 1000,
		Caller:        w.Caller,
		Lineno:        int(w.Lineno),
		Done:          true,
		Count:         int(w.Count),
		EvaluatorName: w.EvaluatorName,
	}
	if w.Done != nil {
		res.Done = *w.Done
	}
	if w.InternalError != nil {
		res.InternalError = *w.InternalError
	}

	vars, err := decodeVariables(w.UserVariables)
	if err != nil {
		return Frame{}, &ProtocolError{Frame: string(line), Err: fmt.Errorf("userVariables: %w", err)}
	}
	res.UserVariables = vars

	userErr, err := decodeUserError(w.UserError)
	if err != nil {
		return Frame{}, &ProtocolError{Frame: string(line), Err: fmt.Errorf("userError: %w", err)}
	}
	res.UserError = userErr

	return Frame{Result: res}, nil
}

// unwrapEmbedded returns the JSON document carried by raw, which is either
// the document itself or a JSON string containing it. nil means absent.
func unwrapEmbedded(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	return []byte(s), nil
}

func decodeVariables(raw json.RawMessage) (map[string]any, error) {
	doc, err := unwrapEmbedded(raw)
	if err != nil {
		return nil, err
	}
	vars := map[string]any{}
	if doc == nil {
		return vars, nil
	}
	if err := json.Unmarshal(doc, &vars); err != nil {
		return nil, err
	}
	if vars == nil {
		vars = map[string]any{}
	}
	return vars, nil
}

func decodeUserError(raw json.RawMessage) (*UserError, error) {
	doc, err := unwrapEmbedded(raw)
	if err != nil || doc == nil {
		return nil, err
	}
	var w wireUserError
	if err := json.Unmarshal(doc, &w); err != nil {
		return nil, err
	}
	return w.convert()
}

func (w *wireUserError) convert() (*UserError, error) {
	if w == nil {
		return nil, nil
	}
	excType, err := decodeExcType(w.ExcType)
	if err != nil {
		return nil, fmt.Errorf("exc_type: %w", err)
	}
	stack, err := decodeStack(w.Stack)
	if err != nil {
		return nil, fmt.Errorf("stack: %w", err)
	}
	// {} is how an absent error is spelled on the wire.
	if excType == "" && w.Str == "" && len(stack) == 0 && w.Msg == "" {
		return nil, nil
	}

	u := &UserError{
		ExcType:  excType,
		Message:  w.Str,
		Stack:    stack,
		Filename: w.Filename,
		Lineno:   int(w.Lineno),
		Msg:      w.Msg,
		Offset:   int(w.Offset),
		Text:     w.Text,
	}
	if u.Cause, err = w.Cause.convert(); err != nil {
		return nil, fmt.Errorf("__cause__: %w", err)
	}
	if u.Context, err = w.Context.convert(); err != nil {
		return nil, fmt.Errorf("__context__: %w", err)
	}
	return u, nil
}

// decodeExcType accepts "NameError" or {"py/type": "builtins.NameError"}.
func decodeExcType(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	var tagged struct {
		Type string `json:"py/type"`
	}
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return "", err
	}
	name := tagged.Type
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return name, nil
}

// decodeStack accepts a plain list of frames or {"py/seq": [...]}.
func decodeStack(raw json.RawMessage) ([]FrameSummary, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var frames []wireFrameSummary
	if raw[0] == '{' {
		var seq struct {
			Seq []wireFrameSummary `json:"py/seq"`
		}
		if err := json.Unmarshal(raw, &seq); err != nil {
			return nil, err
		}
		frames = seq.Seq
	} else if err := json.Unmarshal(raw, &frames); err != nil {
		return nil, err
	}

	out := make([]FrameSummary, 0, len(frames))
	for _, f := range frames {
		line := f.Line
		if line == "" {
			line = f.RawLine
		}
		out = append(out, FrameSummary{
			Filename: f.Filename,
			Lineno:   int(f.Lineno),
			Name:     f.Name,
			Line:     line,
			Locals:   f.Locals,
		})
	}
	return out, nil
}
