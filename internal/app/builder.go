package app

import (
	"context"
	"fmt"
	"strings"

	"tradegate/internal/config"
	"tradegate/internal/executor"
	"tradegate/internal/gateway/broker"
	"tradegate/internal/gateway/notifier"
	"tradegate/internal/instrument"
	"tradegate/internal/logger"
	"tradegate/internal/reconcile"
	"tradegate/internal/risk"
	"tradegate/internal/sizing"
	"tradegate/internal/stops"
	"tradegate/internal/store"
	"tradegate/internal/store/gormstore"
	"tradegate/internal/transport/httpapi"
	"tradegate/internal/validator"
)

// AppBuilder assembles an App from config. The *Fn hooks exist so tests can
// swap the outer collaborators.
type AppBuilder struct {
	cfg *config.Config

	catalogFn  func(config.InstrumentsConfig) (*instrument.Catalog, error)
	brokerFn   func(*config.Config, *instrument.Catalog) (broker.Gateway, error)
	ledgerFn   func(config.LedgerConfig) (store.Ledger, error)
	notifierFn func(config.NotifyConfig) notifier.TextNotifier
	httpFn     func(config.AppConfig, httpapi.Service, httpapi.Reader) (*httpapi.Server, error)
}

type AppBuilderOption func(*AppBuilder)

// WithBroker replaces the broker gateway, e.g. with a pre-seeded paper broker.
func WithBroker(gw broker.Gateway) AppBuilderOption {
	return func(b *AppBuilder) {
		b.brokerFn = func(*config.Config, *instrument.Catalog) (broker.Gateway, error) { return gw, nil }
	}
}

// WithLedger replaces the ledger.
func WithLedger(l store.Ledger) AppBuilderOption {
	return func(b *AppBuilder) {
		b.ledgerFn = func(config.LedgerConfig) (store.Ledger, error) { return l, nil }
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		catalogFn:  loadCatalog,
		brokerFn:   buildBroker,
		ledgerFn:   openLedger,
		notifierFn: buildNotifier,
		httpFn:     buildHTTPServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	catalog, err := b.catalogFn(cfg.Instruments)
	if err != nil {
		return nil, err
	}
	gw, err := b.brokerFn(cfg, catalog)
	if err != nil {
		return nil, err
	}
	if err := gw.EnsureConnected(ctx); err != nil {
		logger.Warnf("App: broker not reachable at startup, will retry per request: %v", err)
	}
	ledger, err := b.ledgerFn(cfg.Ledger)
	if err != nil {
		return nil, err
	}
	text := b.notifierFn(cfg.Notify)

	riskMgr := risk.NewManager(cfg.Risk, ledger, gw)
	var stopResolver executor.StopResolver
	if cfg.Stops.Enabled {
		stopResolver = stops.NewCalculator(cfg.Stops, gw)
	}
	exec := executor.New(cfg, executor.Deps{
		Catalog:   catalog,
		Broker:    gw,
		Ledger:    ledger,
		Risk:      riskMgr,
		Stops:     stopResolver,
		Sizer:     sizing.New(cfg.Risk),
		Validator: validator.New(cfg.Execution),
		Notifier:  text,
	})
	monitor := reconcile.New(cfg.Reconcile, catalog, gw, ledger, text)

	server, err := b.httpFn(cfg.App, exec, httpapi.NewReader(gw, ledger))
	if err != nil {
		_ = ledger.Close()
		return nil, err
	}

	return &App{
		cfg:      cfg,
		catalog:  catalog,
		broker:   gw,
		ledger:   ledger,
		notifier: text,
		exec:     exec,
		monitor:  monitor,
		http:     server,
		Summary:  newStartupSummary(cfg, catalog),
	}, nil
}

func loadCatalog(cfg config.InstrumentsConfig) (*instrument.Catalog, error) {
	catalog, err := instrument.Load(cfg.Path, cfg.Default)
	if err != nil {
		return nil, fmt.Errorf("load instruments: %w", err)
	}
	return catalog, nil
}

func buildBroker(cfg *config.Config, catalog *instrument.Catalog) (broker.Gateway, error) {
	if cfg.App.Paper() {
		logger.Infof("App: using paper broker")
		return broker.NewPaper(cfg.Broker), nil
	}
	client, err := broker.NewClient(cfg.Broker, catalog)
	if err != nil {
		return nil, fmt.Errorf("init broker client: %w", err)
	}
	return client, nil
}

func openLedger(cfg config.LedgerConfig) (store.Ledger, error) {
	ledger, err := gormstore.NewGormStore(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", cfg.Path, err)
	}
	return ledger, nil
}

// buildNotifier returns nil when no channel is configured.
func buildNotifier(cfg config.NotifyConfig) notifier.TextNotifier {
	if !cfg.Telegram.Enabled {
		return nil
	}
	return notifier.NewAsync(notifier.NewTelegram(cfg.Telegram), cfg.QueueSize)
}

func buildHTTPServer(cfg config.AppConfig, svc httpapi.Service, reader httpapi.Reader) (*httpapi.Server, error) {
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return nil, nil
	}
	return httpapi.NewServer(httpapi.ServerConfig{
		Addr:    cfg.HTTPAddr,
		APIKey:  cfg.APIKey,
		Service: svc,
		Reader:  reader,
	})
}
