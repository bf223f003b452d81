package main

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Napageneral/iatimport/internal/adapters"
	"github.com/Napageneral/iatimport/internal/config"
	"github.com/Napageneral/iatimport/internal/db"
	"github.com/Napageneral/iatimport/internal/importer"
	"github.com/Napageneral/iatimport/internal/logging"
	"github.com/Napageneral/iatimport/internal/metrics"
	"github.com/Napageneral/iatimport/internal/store/sqlstore"
)

type globalOptions struct {
	jsonOutput      bool
	configPath      string
	logLevel        string
	workers         int
	metricsTextfile string
	noPrune         bool
}

// app holds what every command needs after configuration is resolved.
type app struct {
	cfg     *config.Config
	log     *logrus.Entry
	metrics *metrics.Recorder
}

// load resolves configuration, applies flag overrides and installs the
// logger on the command context.
func (o *globalOptions) load(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, withCode(exitUsage, err)
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("workers") {
		cfg.Workers = o.workers
	}
	if flags.Changed("metrics-textfile") {
		cfg.Metrics.Textfile = o.metricsTextfile
	}
	if flags.Changed("no-prune") {
		cfg.Prune = !o.noPrune
	}
	if err := cfg.Validate(); err != nil {
		return nil, withCode(exitUsage, err)
	}

	logger := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	entry := logrus.NewEntry(logger).WithField("component", "iatimport")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(logging.WithLogger(ctx, entry))

	return &app{cfg: cfg, log: entry, metrics: metrics.NewRecorder()}, nil
}

// openDB opens the configured database and makes sure the schema exists.
func (a *app) openDB(ctx context.Context) (*sqlx.DB, error) {
	conn, err := db.Open(a.cfg.Database)
	if err != nil {
		return nil, withCode(exitDB, err)
	}
	if err := db.Init(ctx, conn); err != nil {
		conn.Close()
		return nil, withCode(exitDB, err)
	}
	a.log.WithFields(logrus.Fields{
		"driver": a.cfg.Database.Driver,
	}).Debug("database ready")
	return conn, nil
}

func (a *app) importer(conn *sqlx.DB) (*importer.Importer, error) {
	opts, err := importer.OptionsFromConfig(a.cfg, a.metrics)
	if err != nil {
		return nil, withCode(exitUsage, err)
	}
	if n := opts.Rates.Len(); n > 0 {
		a.log.WithField("rates", n).Debug("usd conversion enabled")
	}
	return importer.New(sqlstore.New(conn), opts), nil
}

// loadDocument reads and decodes the document at path; "-" reads stdin.
func loadDocument(cmd *cobra.Command, path string) (*adapters.Loaded, error) {
	adapter, err := adapters.NewFileAdapter(path)
	if err != nil {
		return nil, withCode(exitUsage, err)
	}
	adapter.SetStdin(cmd.InOrStdin())
	loaded, err := adapter.Load(cmd.Context())
	if err != nil {
		return nil, withCode(exitValidation, errors.Wrapf(err, "load %s", adapter.Name()))
	}
	return loaded, nil
}

func (a *app) writeMetrics() {
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		a.log.WithError(err).Warn("metrics textfile not written")
	}
}
