package main

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"github.com/Napageneral/iatimport/internal/reconcile"
)

func newValidateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate every record of a document",
		Long: `Validate checks each record of the document against the field,
format and cross-record rules. It never opens the database. The exit code
is 2 when any record fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			loaded, err := loadDocument(cmd, args[0])
			if err != nil {
				return err
			}

			engine := reconcile.New(reconcile.WithWorkers(a.cfg.Workers), reconcile.WithMetrics(a.metrics))
			results, err := engine.Validate(cmd.Context(), loaded.Document)
			if err != nil {
				return withCode(exitValidation, err)
			}

			failed := 0
			for _, r := range results {
				if !r.OK {
					failed++
				}
			}

			if opts.jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), map[string]any{
					"activity_id": strings.TrimSpace(loaded.Document.ActivityID),
					"source":      loaded.Source,
					"ok":          failed == 0,
					"results":     results,
				}); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				for _, r := range results {
					if r.OK {
						fmt.Fprintf(out, "✓ %s[%d]\n", r.Kind, r.Index)
						continue
					}
					fmt.Fprintf(out, "✗ %s[%d]: %s\n", r.Kind, r.Index, strings.Join(r.Strings(), "; "))
				}
				fmt.Fprintf(out, "\n%d of %d records valid\n", len(results)-failed, len(results))
			}

			if failed > 0 {
				return withCode(exitValidation, errors.Errorf("%d of %d records failed validation", failed, len(results)))
			}
			return nil
		},
	}
}
