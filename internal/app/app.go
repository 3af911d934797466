package app

import (
	"context"
	"fmt"
	"time"

	"tradegate/internal/config"
	"tradegate/internal/executor"
	"tradegate/internal/gateway/broker"
	"tradegate/internal/gateway/notifier"
	"tradegate/internal/instrument"
	"tradegate/internal/logger"
	"tradegate/internal/reconcile"
	"tradegate/internal/store"
	"tradegate/internal/transport/httpapi"

	"golang.org/x/sync/errgroup"
)

// App runs the HTTP surface and the reconciliation monitor over one shared
// executor, broker and ledger.
type App struct {
	cfg      *config.Config
	catalog  *instrument.Catalog
	broker   broker.Gateway
	ledger   store.Ledger
	notifier notifier.TextNotifier
	exec     *executor.Executor
	monitor  *reconcile.Monitor
	http     *httpapi.Server
	Summary  *StartupSummary
}

// NewApp builds the application without starting it.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run serves until ctx is cancelled or a component fails, then releases the
// ledger and drains pending notifications.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()
	if a.Summary != nil {
		a.Summary.Print()
	}

	group, ctx := errgroup.WithContext(ctx)
	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		return a.monitor.Run(ctx)
	})
	return group.Wait()
}

// Close releases the ledger and flushes the notifier. Safe to call twice.
func (a *App) Close() {
	if a == nil {
		return
	}
	if closer, ok := a.notifier.(interface{ Close(context.Context) error }); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := closer.Close(ctx); err != nil {
			logger.Warnf("App: notifier drain: %v", err)
		}
		cancel()
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			logger.Warnf("App: ledger close: %v", err)
		}
		a.ledger = nil
	}
}

func (a *App) Executor() *executor.Executor { return a.exec }

func (a *App) Monitor() *reconcile.Monitor { return a.monitor }

func (a *App) Catalog() *instrument.Catalog { return a.catalog }

func (a *App) Broker() broker.Gateway { return a.broker }

func (a *App) Ledger() store.Ledger { return a.ledger }
