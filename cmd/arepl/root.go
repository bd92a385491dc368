package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Almenon/AREPL-backend/internal/executor/python"
)

var (
	pythonPath string
	poolSize   int
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "arepl",
	Short: "Evaluate Python as you type",
	Long: `arepl runs Python code on a pool of warm interpreters and reports the
resulting variables, output and errors. Every run starts from a fresh
interpreter, and a newer run always supersedes one still in progress.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	defaultPython := python.DefaultConfig().PythonPath
	if env := os.Getenv("AREPL_PYTHON"); env != "" {
		defaultPython = env
	}
	rootCmd.PersistentFlags().StringVar(&pythonPath, "python", defaultPython, "Python interpreter to run code with")
	rootCmd.PersistentFlags().IntVar(&poolSize, "pool-size", python.DefaultConfig().PoolSize, "Number of warm interpreters")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log interpreter lifecycle to stderr")
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func poolConfig() python.Config {
	cfg := python.DefaultConfig()
	cfg.PythonPath = pythonPath
	cfg.PoolSize = poolSize
	return cfg
}

// readSource returns the code to run and, for files, their absolute path.
// No argument or "-" reads stdin.
func readSource(stdin io.Reader, args []string) (code, path string, err error) {
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(b), "", nil
	}

	path, err = filepath.Abs(args[0])
	if err != nil {
		return "", "", err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	return string(b), path, nil
}
