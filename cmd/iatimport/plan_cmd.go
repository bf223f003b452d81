package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Napageneral/iatimport/internal/identify"
	"github.com/Napageneral/iatimport/internal/reconcile"
	"github.com/Napageneral/iatimport/internal/report"
)

func newPlanCmd(opts *globalOptions) *cobra.Command {
	var include, exclude []string
	cmd := &cobra.Command{
		Use:   "plan <file>",
		Short: "Reconcile a document and show what apply would do",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			loaded, err := loadDocument(cmd, args[0])
			if err != nil {
				return err
			}
			conn, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()

			imp, err := a.importer(conn)
			if err != nil {
				return err
			}
			plan, err := imp.Resolve(cmd.Context(), loaded.Document)
			if err != nil {
				return withCode(exitValidation, err)
			}
			if err := applySelection(plan, include, exclude); err != nil {
				return err
			}
			rep := report.FromPlan(plan)

			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"plan":   plan,
					"report": rep,
				})
			}
			printPlan(cmd.OutOrStdout(), plan)
			fmt.Fprintln(cmd.OutOrStdout())
			for _, line := range rep.Summary() {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&include, "select", nil, "Include a record (kind:index or kind:*)")
	cmd.Flags().StringArrayVar(&exclude, "skip", nil, "Exclude a record (kind:index or kind:*)")
	return cmd
}

func printPlan(w io.Writer, plan *reconcile.Plan) {
	fmt.Fprintf(w, "Activity %s\n", plan.ActivityID)
	for _, kind := range plan.Kinds() {
		fmt.Fprintf(w, "\n%s:\n", kind.Plural())
		for _, d := range plan.Group(kind) {
			mark := " "
			if d.Selected {
				mark = "*"
			}
			pos := fmt.Sprintf("[%d]", d.Index)
			if d.AutoCreated {
				pos = "[auto]"
			}
			line := fmt.Sprintf("  %s %-7s %-9s %s", mark, pos, d.Action, d.EntityID)
			if d.Rule != "" && d.Rule != identify.RuleNone {
				line += fmt.Sprintf(" (by %s)", d.Rule)
			}
			fmt.Fprintln(w, line)
			for _, c := range d.Diff {
				fmt.Fprintf(w, "             %s: %q -> %q\n", c.Field, c.From, c.To)
			}
			for _, c := range d.Conflicts {
				fmt.Fprintf(w, "             conflict %s: %q vs stored %q\n", c.Field, c.Incoming, c.Stored)
			}
			if len(d.Messages) > 0 {
				msgs := make([]string, 0, len(d.Messages))
				for _, m := range d.Messages {
					msgs = append(msgs, m.String())
				}
				fmt.Fprintf(w, "             invalid: %s\n", strings.Join(msgs, "; "))
			}
			for _, warn := range d.Warnings {
				fmt.Fprintf(w, "             warning: %s\n", warn)
			}
		}
	}
}
