// Package syntax checks that code compiles without running it.
package syntax

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Error is a failed check. Diagnostic is the interpreter's error output.
type Error struct {
	Diagnostic string
}

func (e *Error) Error() string {
	return "syntax error: " + strings.TrimSpace(e.Diagnostic)
}

// Checker compiles code without executing it. A nil error means the code
// compiles; *Error means it does not; anything else means the check itself
// could not run.
type Checker interface {
	Check(ctx context.Context, code string) error
	CheckFile(ctx context.Context, path string) error
}

// CompileScript reads source from stdin and compiles it. argv[1] names the
// source in diagnostics.
const CompileScript = "import sys\n" +
	"name = sys.argv[1] if len(sys.argv) > 1 else '<string>'\n" +
	"compile(sys.stdin.read(), name, 'exec')\n"

// LocalChecker runs the interpreter on this machine.
type LocalChecker struct {
	pythonPath string
}

var _ Checker = (*LocalChecker)(nil)

func NewLocalChecker(pythonPath string) *LocalChecker {
	return &LocalChecker{pythonPath: pythonPath}
}

func (c *LocalChecker) Check(ctx context.Context, code string) error {
	return c.run(ctx, strings.NewReader(code), "<string>")
}

func (c *LocalChecker) CheckFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("syntax: opening %s: %w", path, err)
	}
	defer f.Close()
	return c.run(ctx, f, path)
}

func (c *LocalChecker) run(ctx context.Context, src io.Reader, name string) error {
	cmd := exec.CommandContext(ctx, c.pythonPath, "-c", CompileScript, name)
	cmd.Stdin = src
	cmd.Env = append(os.Environ(), "PYTHONIOENCODING=utf8")

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return &Error{Diagnostic: stderr.String()}
	}
	return fmt.Errorf("syntax: running %s: %w", c.pythonPath, err)
}
