package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/lookout/internal/testplan"
)

func newPlanCmd() *cobra.Command {
	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Work with test plan files",
	}

	planCmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check a test plan file and print the instructions it renders to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := testplan.Load(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d steps\n", p.Source, len(p.Steps))
			fmt.Fprintln(out, p.Instructions())
			return nil
		},
	})
	return planCmd
}
