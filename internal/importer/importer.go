// Package importer exposes the engine's three operations over one
// persistence boundary: Validate and Resolve are read-only, Apply writes.
package importer

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/Napageneral/iatimport/internal/apply"
	"github.com/Napageneral/iatimport/internal/config"
	"github.com/Napageneral/iatimport/internal/currency"
	"github.com/Napageneral/iatimport/internal/identify"
	"github.com/Napageneral/iatimport/internal/logging"
	"github.com/Napageneral/iatimport/internal/metrics"
	"github.com/Napageneral/iatimport/internal/reconcile"
	"github.com/Napageneral/iatimport/internal/records"
	"github.com/Napageneral/iatimport/internal/report"
	"github.com/Napageneral/iatimport/internal/store"
	"github.com/Napageneral/iatimport/internal/validate"
)

var (
	ErrNilDocument     = reconcile.ErrNilDocument
	ErrMissingActivity = reconcile.ErrMissingActivity
	ErrNilPlan         = apply.ErrNilPlan
)

// Options tunes an Importer. Zero values take the defaults; a
// CoordinatePrecision of 0 means identify.DefaultPrecision.
type Options struct {
	Workers             int
	CoordinatePrecision int
	// NoPrune keeps persisted entities the document no longer lists.
	NoPrune bool
	Metrics *metrics.Recorder
	// Rates converts transaction values to USD. Nil converts only USD.
	Rates *currency.Table
}

// OptionsFromConfig maps loaded configuration onto importer options.
func OptionsFromConfig(cfg *config.Config, rec *metrics.Recorder) (Options, error) {
	rates, err := cfg.Rates()
	if err != nil {
		return Options{}, errors.Wrap(err, "exchange rates")
	}
	return Options{
		Workers:             cfg.Workers,
		CoordinatePrecision: cfg.CoordinatePrecision,
		NoPrune:             !cfg.Prune,
		Metrics:             rec,
		Rates:               rates,
	}, nil
}

type Importer struct {
	store   store.Store
	engine  *reconcile.Engine
	applier *apply.Applier
	workers int
}

func New(s store.Store, opts Options) *Importer {
	workers := opts.Workers
	if workers < 1 {
		workers = 4
	}
	precision := opts.CoordinatePrecision
	if precision <= 0 {
		precision = identify.DefaultPrecision
	}
	resolver := identify.NewResolver(precision)
	return &Importer{
		store: s,
		engine: reconcile.New(
			reconcile.WithWorkers(workers),
			reconcile.WithResolver(resolver),
			reconcile.WithMetrics(opts.Metrics),
			reconcile.WithRates(opts.Rates),
		),
		applier: apply.New(s,
			apply.WithResolver(resolver),
			apply.WithMetrics(opts.Metrics),
			apply.WithPrune(!opts.NoPrune),
		),
		workers: workers,
	}
}

// Validate checks every record of doc. It never touches storage.
func (i *Importer) Validate(ctx context.Context, doc *records.ImportDocument) ([]validate.Result, error) {
	return i.engine.Validate(ctx, doc)
}

// Resolve fetches the activity's persisted snapshot and reconciles doc
// against it. The returned plan is pure data; nothing is written.
func (i *Importer) Resolve(ctx context.Context, doc *records.ImportDocument) (*reconcile.Plan, error) {
	if doc == nil {
		return nil, ErrNilDocument
	}
	activityID := strings.TrimSpace(doc.ActivityID)
	if activityID == "" {
		return nil, ErrMissingActivity
	}
	start := time.Now()
	snap, err := reconcile.LoadSnapshot(ctx, i.store, activityID, i.workers)
	if err != nil {
		return nil, errors.Wrap(err, "load snapshot")
	}
	logging.FromContext(ctx).WithFields(logrus.Fields{
		"activity_id": activityID,
		"persisted":   snap.Len(),
		"elapsed_ms":  time.Since(start).Milliseconds(),
	}).Debug("snapshot loaded")
	return i.engine.Reconcile(ctx, doc, snap)
}

// Apply writes plan. Item and group failures are reported, not returned.
func (i *Importer) Apply(ctx context.Context, plan *reconcile.Plan) (*report.Report, error) {
	return i.applier.Apply(ctx, plan)
}

// Import resolves and applies doc with the default selection.
func (i *Importer) Import(ctx context.Context, doc *records.ImportDocument) (*reconcile.Plan, *report.Report, error) {
	plan, err := i.Resolve(ctx, doc)
	if err != nil {
		return nil, nil, err
	}
	rep, err := i.Apply(ctx, plan)
	if err != nil {
		return plan, nil, err
	}
	return plan, rep, nil
}
