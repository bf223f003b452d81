package main

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Napageneral/iatimport/internal/documents"
	"github.com/Napageneral/iatimport/internal/importer"
	"github.com/Napageneral/iatimport/internal/reconcile"
	"github.com/Napageneral/iatimport/internal/report"
)

func newApplyCmd(opts *globalOptions) *cobra.Command {
	var (
		include []string
		exclude []string
		force   bool
		strict  bool
	)
	cmd := &cobra.Command{
		Use:   "apply <file>",
		Short: "Reconcile a document and write the result",
		Long: `Apply reconciles the document against the stored activity and writes
the selected creates and updates, one kind group per transaction. Every run
is recorded in the import ledger. A document whose content matches the last
successful run is skipped unless --force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			loaded, err := loadDocument(cmd, args[0])
			if err != nil {
				return err
			}
			activityID := strings.TrimSpace(loaded.Document.ActivityID)
			if activityID == "" {
				return withCode(exitValidation, importer.ErrMissingActivity)
			}

			conn, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			hash := documents.HashContent(loaded.Raw)
			if !force {
				check, err := documents.CheckHead(ctx, conn, activityID, loaded.Source, hash)
				if err != nil {
					return withCode(exitDB, err)
				}
				if check.Skipped {
					a.log.WithFields(logrus.Fields{
						"activity_id": activityID,
						"run_id":      check.RunID,
					}).Info("document skipped")
					if opts.jsonOutput {
						return printJSON(cmd.OutOrStdout(), map[string]any{"skipped": check})
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Skipped: %s (run %s)\n", check.Reason, check.RunID)
					return nil
				}
			}

			imp, err := a.importer(conn)
			if err != nil {
				return err
			}
			plan, err := imp.Resolve(ctx, loaded.Document)
			if err != nil {
				return withCode(exitValidation, err)
			}
			if err := applySelection(plan, include, exclude); err != nil {
				return err
			}
			if strict {
				if n := nonCompliant(plan); n > 0 {
					return withCode(exitValidation, errors.Errorf("%d non-compliant records; nothing written (--strict)", n))
				}
			}

			rep, err := imp.Apply(ctx, plan)
			if err != nil {
				return withCode(exitOther, err)
			}

			total, imported, _ := rep.Counts()
			run, err := documents.RecordRun(ctx, conn, documents.RunInput{
				ActivityID:  activityID,
				Source:      loaded.Source,
				ContentHash: hash,
				Total:       total,
				Imported:    imported,
				Failed:      failedItems(rep),
				ErrorLog:    rep.ErrorLog(documents.MaxErrorLog),
				Report:      rep,
				Successful:  !rep.Failed(),
				Timestamp:   rep.FinishedAt,
			})
			if err != nil {
				return withCode(exitDBWrite, err)
			}
			a.writeMetrics()

			if opts.jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), map[string]any{
					"run":     run,
					"report":  rep,
					"metrics": a.metrics.Snapshot(),
				}); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				for _, line := range rep.Summary() {
					fmt.Fprintln(out, line)
				}
				fmt.Fprintf(out, "\n✓ Run %s recorded\n", run.RunID)
			}

			if rep.Failed() {
				return withCode(exitDBWrite, errors.New("one or more groups failed to write"))
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&include, "select", nil, "Include a record (kind:index or kind:*), e.g. a non-compliant one")
	cmd.Flags().StringArrayVar(&exclude, "skip", nil, "Exclude a record (kind:index or kind:*)")
	cmd.Flags().BoolVar(&force, "force", false, "Apply even if the content matches the last successful run")
	cmd.Flags().BoolVar(&strict, "strict", false, "Refuse to write when any record is non-compliant")
	return cmd
}

func nonCompliant(plan *reconcile.Plan) int {
	n := 0
	for _, r := range plan.Validation {
		if !r.OK {
			n++
		}
	}
	return n
}

func failedItems(rep *report.Report) int {
	n := 0
	for _, kr := range rep.PerKind {
		for _, e := range kr.Errors {
			if e.Status == report.OutcomeFailed {
				n++
			}
		}
	}
	return n
}
