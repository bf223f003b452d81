package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Napageneral/iatimport/internal/documents"
)

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [activity-id]",
		Short: "List recorded import runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			conn, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()

			activityID := ""
			if len(args) == 1 {
				activityID = strings.TrimSpace(args[0])
			}
			runs, err := documents.History(cmd.Context(), conn, activityID, limit)
			if err != nil {
				return withCode(exitDB, err)
			}

			if opts.jsonOutput {
				if runs == nil {
					runs = []documents.Run{}
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"runs": runs})
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}
			for _, run := range runs {
				fmt.Fprintf(out, "%s  %s  %s  %d/%d imported, %d failed  %s\n",
					run.CreatedAt.Format("2006-01-02 15:04:05"),
					run.ID, run.ActivityID, run.Imported, run.Total, run.Failed,
					shortHash(run.ContentHash))
				for _, e := range run.ErrorLog {
					fmt.Fprintf(out, "    %s\n", e)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list (0 for all)")
	return cmd
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
