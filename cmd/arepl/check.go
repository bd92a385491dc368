package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Almenon/AREPL-backend/internal/syntax"
)

var checkCmd = &cobra.Command{
	Use:   "check [file|-]",
	Short: "Check that code compiles without running it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		checker := syntax.NewLocalChecker(pythonPath)

		var err error
		if len(args) == 1 && args[0] != "-" {
			err = checker.CheckFile(cmd.Context(), args[0])
		} else {
			code, _, readErr := readSource(cmd.InOrStdin(), args)
			if readErr != nil {
				return readErr
			}
			err = checker.Check(cmd.Context(), code)
		}

		var synErr *syntax.Error
		if errors.As(err, &synErr) {
			fmt.Fprint(cmd.ErrOrStderr(), errorStyle.Render(synErr.Diagnostic))
			return exitError{code: 1}
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("ok"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
