package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Almenon/AREPL-backend/internal/executor"
	"github.com/Almenon/AREPL-backend/internal/executor/python"
)

var hideGlobals bool

var runCmd = &cobra.Command{
	Use:   "run [file|-]",
	Short: "Run code once and show its variables",
	Long: `Run a file, or stdin when no file is given, on a fresh interpreter. Output
is streamed as it is printed; the variables left behind are shown at the end.
The exit status is 1 if the code raised.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, path, err := readSource(cmd.InOrStdin(), args)
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

		if _, err := d.pool.Execute(buildRequest(code, path)); err != nil {
			return err
		}
		return d.wait(ctx)
	},
}

func init() {
	runCmd.Flags().BoolVar(&hideGlobals, "no-globals", false, "Hide global variables")
	rootCmd.AddCommand(runCmd)
}

func buildRequest(code, path string) executor.ExecRequest {
	req := executor.NewRequest(code)
	req.FilePath = path
	req.ShowGlobalVars = !hideGlobals
	return req
}

// driver owns a pool whose output goes to a console.
type driver struct {
	pool *python.Pool
	con  *console

	done   chan executor.Result
	exited chan int
}

func newDriver(con *console, logger *slog.Logger) *driver {
	d := &driver{
		con:    con,
		done:   make(chan executor.Result, 1),
		exited: make(chan int, 1),
	}
	d.pool = python.NewPool(poolConfig(), executor.Handlers{
		OnPrint:        con.print,
		OnStderr:       con.stderr,
		OnResult:       d.onResult,
		OnAbnormalExit: d.onExit,
		OnError: func(err error) {
			con.failure(err.Error())
		},
	}, logger)
	return d
}

func (d *driver) onResult(r executor.Result) {
	d.con.result(r)
	if !r.Done {
		return
	}
	// nobody waits in watch mode; keep only the newest
	select {
	case <-d.done:
	default:
	}
	select {
	case d.done <- r:
	default:
	}
}

func (d *driver) onExit(code int) {
	d.con.failure(fmt.Sprintf("python exited with status %d", code))
	select {
	case d.exited <- code:
	default:
	}
}

// wait blocks until the run ends and turns its outcome into an exit status.
func (d *driver) wait(ctx context.Context) error {
	select {
	case r := <-d.done:
		if r.UserErrorMsg != "" || r.InternalError != "" {
			return exitError{code: 1}
		}
		return nil
	case code := <-d.exited:
		return exitError{code: code}
	case <-ctx.Done():
		return ctx.Err()
	}
}
