package python

import (
	"time"
)

// Config holds the settings for the interpreter processes.
type Config struct {
	// PythonPath is the interpreter binary.
	PythonPath string

	// ScriptPath is the harness script. Empty means the embedded harness,
	// written once to the temp directory.
	ScriptPath string

	// Args replaces the default "-u <script>" arguments. Mostly for tests
	// that substitute another program for the interpreter.
	Args []string

	// Env is appended to the inherited environment.
	Env []string

	// Dir is the working directory of the processes.
	Dir string

	// PoolSize is the number of processes a Pool keeps.
	PoolSize int

	// GracePeriod is how long a process gets to exit after SIGTERM before it
	// is killed.
	GracePeriod time.Duration

	// PollInterval is how often a pending request looks for a fresh process.
	PollInterval time.Duration

	// RespawnOnAbnormalExit makes the pool restart a process that died on its
	// own. Off by default: the exit is reported and recovery is left to the
	// caller.
	RespawnOnAbnormalExit bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PythonPath:   "python3",
		PoolSize:     3,
		GracePeriod:  50 * time.Millisecond,
		PollInterval: 60 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PythonPath == "" {
		c.PythonPath = d.PythonPath
	}
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

func (c Config) command(script string) (string, []string) {
	if len(c.Args) > 0 {
		return c.PythonPath, c.Args
	}
	return c.PythonPath, []string{"-u", script}
}
