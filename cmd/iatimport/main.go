package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"github.com/Napageneral/iatimport/internal/config"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "iatimport",
		Short: "IATI activity import and reconciliation",
		Long: `iatimport validates IATI activity documents, reconciles every record
against what is already stored for the activity, and applies the result
one kind group at a time.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return withCode(exitUsage, err)
	})

	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.jsonOutput, "json", "j", false, "Output as JSON")
	flags.StringVar(&opts.configPath, "config", "", "Config file (default: <config dir>/config.yaml)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error, silent")
	flags.IntVar(&opts.workers, "workers", 0, "Bounded parallelism for validation and reconciliation")
	flags.StringVar(&opts.metricsTextfile, "metrics-textfile", "", "Write Prometheus metrics to this file after the run")
	flags.BoolVar(&opts.noPrune, "no-prune", false, "Keep stored entities the document no longer lists")

	cmd.AddCommand(newVersionCmd(opts))
	cmd.AddCommand(newInitCmd(opts))
	cmd.AddCommand(newValidateCmd(opts))
	cmd.AddCommand(newPlanCmd(opts))
	cmd.AddCommand(newApplyCmd(opts))
	cmd.AddCommand(newHistoryCmd(opts))
	return cmd
}

func newVersionCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "iatimport %s (%s, %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

func newInitCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize iatimport config and database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			type Result struct {
				OK         bool   `json:"ok"`
				Message    string `json:"message,omitempty"`
				ConfigDir  string `json:"config_dir,omitempty"`
				ConfigFile string `json:"config_file,omitempty"`
				DataDir    string `json:"data_dir,omitempty"`
				DSN        string `json:"dsn,omitempty"`
			}

			configDir, err := config.GetConfigDir()
			if err != nil {
				return withCode(exitOther, err)
			}
			dataDir, err := config.GetDataDir()
			if err != nil {
				return withCode(exitOther, err)
			}
			for _, dir := range []string{configDir, dataDir} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return withCode(exitOther, errors.Wrapf(err, "create %s", dir))
				}
			}

			configFile := opts.configPath
			if configFile == "" {
				configFile = filepath.Join(configDir, "config.yaml")
			}
			if _, err := os.Stat(configFile); os.IsNotExist(err) {
				if err := config.Default().Write(configFile); err != nil {
					return withCode(exitOther, err)
				}
			}

			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			conn, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()

			result := Result{
				OK:         true,
				Message:    "iatimport initialized successfully",
				ConfigDir:  configDir,
				ConfigFile: configFile,
				DataDir:    dataDir,
				DSN:        a.cfg.Database.DSN,
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), result)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Config: %s\n", result.ConfigFile)
			fmt.Fprintf(out, "✓ Data directory: %s\n", result.DataDir)
			fmt.Fprintf(out, "✓ Database: %s (%s)\n", result.DSN, a.cfg.Database.Driver)
			fmt.Fprintln(out, "\niatimport initialized successfully!")
			return nil
		},
	}
}
