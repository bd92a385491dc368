package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	pollInterval time.Duration
	debounce     time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch file",
	Short: "Re-run a file every time it changes",
	Long: `Run a file, then run it again after every save. Saves in quick succession
are debounced into one run, and a new run preempts one that is still going,
so a long loop never holds up the next edit.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		con := newConsole(cmd.OutOrStdout(), cmd.ErrOrStderr())
		d := newDriver(con, newLogger(cmd.ErrOrStderr()))
		if err := d.pool.Start(nil); err != nil {
			return fmt.Errorf("starting python: %w", err)
		}
		defer d.pool.Stop(true)

		run := func() {
			code, err := os.ReadFile(path)
			if err != nil {
				con.failure(err.Error())
				return
			}
			gen, err := d.pool.Execute(buildRequest(string(code), path))
			if err != nil {
				con.failure(err.Error())
				return
			}
			con.banner(fmt.Sprintf("run %d  %s  %s", gen, filepath.Base(path), time.Now().Format(time.TimeOnly)))
		}

		run()
		err = watchFile(ctx, path, pollInterval, debounce, run)
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	watchCmd.Flags().DurationVar(&pollInterval, "interval", 100*time.Millisecond, "How often the file is checked for changes")
	watchCmd.Flags().DurationVar(&debounce, "debounce", 300*time.Millisecond, "Quiet time after a change before the file is run")
	rootCmd.AddCommand(watchCmd)
}

// watchFile calls onChange once path has changed and then stayed unchanged
// for the debounce period. It polls until ctx is done.
func watchFile(ctx context.Context, path string, interval, debounce time.Duration, onChange func()) error {
	last, err := stamp(path)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			cur, err := stamp(path)
			if err != nil {
				// editors that save by rename briefly remove the file
				continue
			}
			if cur != last {
				last = cur
				settle = time.After(debounce)
			}

		case <-settle:
			settle = nil
			onChange()
		}
	}
}

type fileStamp struct {
	modTime time.Time
	size    int64
}

func stamp(path string) (fileStamp, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, err
	}
	return fileStamp{modTime: fi.ModTime(), size: fi.Size()}, nil
}
