package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ceapsi/staffcast/internal/audit"
	"github.com/ceapsi/staffcast/internal/config"
	"github.com/ceapsi/staffcast/internal/export"
	"github.com/ceapsi/staffcast/internal/freshness"
	"github.com/ceapsi/staffcast/internal/logging"
	"github.com/ceapsi/staffcast/internal/metrics"
	"github.com/ceapsi/staffcast/internal/notify"
	"github.com/ceapsi/staffcast/internal/registry"
	"github.com/ceapsi/staffcast/internal/store"
)

// Engine is a Runner together with the resources it owns.
type Engine struct {
	Runner    *Runner
	Registry  *registry.Registry
	Store     store.Store
	Freshness *freshness.Machine
	Audit     audit.Sink
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
}

// Build wires every collaborator from cfg. m may be nil.
func Build(ctx context.Context, cfg config.Config, logger *logging.Logger, m *metrics.Metrics, formats ...export.Format) (*Engine, error) {
	logger = logging.OrDiscard(logger)

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	reg, err := registry.Open(cfg.Paths.RegistryDir, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open registry: %w", err)
	}

	var sink audit.Sink = audit.Discard{}
	if cfg.Paths.AuditDir != "" {
		wl, err := audit.NewWORMLog(cfg.Paths.AuditDir, 0)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		sink = wl
	}

	var notifier notify.Notifier = notify.LogNotifier{Logger: logger}
	if cfg.Notify.SlackToken != "" && cfg.Notify.SlackChannel != "" {
		notifier = notify.Multi{notifier, notify.NewSlackNotifier(cfg.Notify.SlackToken, cfg.Notify.SlackChannel)}
		logger.Info("critical alerts will be posted to slack channel %s", cfg.Notify.SlackChannel)
	}

	fresh := freshness.New(freshness.Options{
		StaleAfterDays:  cfg.Retrain.StaleAfterDays,
		RetrainOnMonday: cfg.Retrain.RetrainOnMonday,
	}, st, logger, m)

	runner := NewRunner(Deps{
		Config:    cfg,
		Registry:  reg,
		Store:     st,
		Freshness: fresh,
		Exporter:  export.NewExporter(cfg.Paths.OutputDir, logger, m),
		Audit:     sink,
		Notifier:  notifier,
		Logger:    logger,
		Metrics:   m,
		Formats:   formats,
	})
	return &Engine{
		Runner:    runner,
		Registry:  reg,
		Store:     st,
		Freshness: fresh,
		Audit:     sink,
		Logger:    logger,
		Metrics:   m,
	}, nil
}

// Close releases the audit log and the store.
func (e *Engine) Close() error {
	return errors.Join(e.Audit.Close(), e.Store.Close())
}
