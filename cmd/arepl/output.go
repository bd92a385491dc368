package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/Almenon/AREPL-backend/internal/executor"
)

var (
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	stderrStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("208"))

	nameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("81")).
			Bold(true)

	bannerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255")).
			Background(lipgloss.Color("25")).
			Padding(0, 1)

	varsBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("25")).
			Padding(0, 1)

	dumpBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// console serializes writes from the interpreter callbacks, which run on
// different goroutines.
type console struct {
	mu  sync.Mutex
	out io.Writer
	err io.Writer
}

func newConsole(out, errOut io.Writer) *console {
	return &console{out: out, err: errOut}
}

func (c *console) print(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	io.WriteString(c.out, text)
}

func (c *console) stderr(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	io.WriteString(c.err, stderrStyle.Render(text))
}

func (c *console) banner(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, bannerStyle.Render(text))
}

func (c *console) failure(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.err, errorStyle.Render(text))
}

func (c *console) result(r executor.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	io.WriteString(c.out, renderResult(r))
}

// renderResult formats a result as an optional error block, a box of
// variables and a line of timings. Partial results from arepl_dump get a
// plainer box labeled with where they were taken.
func renderResult(r executor.Result) string {
	var b strings.Builder

	if r.InternalError != "" {
		b.WriteString(errorStyle.Render(strings.TrimRight(r.InternalError, "\n")))
		b.WriteString("\n")
	}
	if r.UserErrorMsg != "" {
		b.WriteString(errorStyle.Render(strings.TrimRight(r.UserErrorMsg, "\n")))
		b.WriteString("\n")
	}

	if vars := renderVariables(r.UserVariables); vars != "" {
		if r.Done {
			b.WriteString(varsBoxStyle.Render(vars))
		} else {
			label := dimStyle.Render(fmt.Sprintf("dump at %s line %d", r.Caller, r.Lineno))
			b.WriteString(dumpBoxStyle.Render(label + "\n" + vars))
		}
		b.WriteString("\n")
	}

	if r.Done {
		status := successStyle.Render("ok")
		if r.UserErrorMsg != "" || r.InternalError != "" {
			status = errorStyle.Render("failed")
		}
		fmt.Fprintf(&b, "%s %s\n", status, dimStyle.Render(fmt.Sprintf(
			"exec %.1fms  total %.1fms  on %s", r.ExecTime, r.TotalTime, r.EvaluatorName)))
	}
	return b.String()
}

func renderVariables(vars map[string]any) string {
	if len(vars) == 0 {
		return ""
	}
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, nameStyle.Render(name)+" = "+formatValue(vars[name]))
	}
	return strings.Join(lines, "\n")
}

func formatValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
