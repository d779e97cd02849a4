package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"rulebox/api"
	"rulebox/config"
	"rulebox/util/goroutine"
	"rulebox/yara/libyara"

	"go.uber.org/zap"
)

// App represents the rulebox service with all its components.
type App struct {
	// Configuration
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	// Store, engines and services
	Components *Components

	APIServer *api.API

	// Lifecycle
	serviceWg *sync.WaitGroup
	serveErr  chan error
}

// NewApp creates a new application instance and initializes all components.
// configPath may be empty to use the default search path.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	app := &App{
		serviceWg: &sync.WaitGroup{},
		serveErr:  make(chan error, 1),
	}

	// The level is not known before the config is read
	logger, sugar, err := InitLogger("info")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	sugar.Info("rulebox starting...")

	cfg, err := InitConfig(configPath, sugar)
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	if cfg.Logging.Level != "info" {
		_ = logger.Sync()
		logger, sugar, err = InitLogger(cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
	}
	app.Logger = logger
	app.Sugar = sugar

	components, err := NewComponents(ctx, cfg, libyara.New(), sugar)
	if err != nil {
		return nil, err
	}
	app.Components = components

	return app, nil
}

// Start starts the API server.
func (a *App) Start(ctx context.Context) error {
	if a.Components == nil {
		return fmt.Errorf("application is not initialized")
	}

	a.APIServer = api.NewAPI(
		a.Components.Pipeline,
		a.Components.Artifacts,
		a.Components.Scans,
		a.Components.DB,
		a.Config,
		a.Sugar,
	)

	a.serviceWg.Add(1)
	goroutine.Go("api-server", a.Sugar, func() {
		defer a.serviceWg.Done()
		if err := a.APIServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorw("API server error", "error", err)
			a.serveErr <- err
		}
	})

	return nil
}

// WaitForShutdown blocks until a shutdown signal is received or the API
// server stops on its own.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		a.Sugar.Infow("Shutdown signal received", "signal", sig.String())
	case err := <-a.serveErr:
		a.Sugar.Errorw("API server stopped unexpectedly", "error", err)
	}
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown() {
	if a.Sugar == nil {
		return
	}
	a.Sugar.Info("Shutting down...")

	// Phase 1 - Stop API server; in-flight scans finish or hit their own timeouts
	a.Sugar.Info("Phase 1: Stopping API server...")
	if a.APIServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
	}

	// Phase 2 - Wait for service goroutines
	a.Sugar.Info("Phase 2: Waiting for service goroutines to complete...")
	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.Sugar.Info("All service goroutines stopped successfully")
	case <-time.After(35 * time.Second):
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}

	// Phase 3 - Close the rule store
	a.Sugar.Info("Phase 3: Closing rule store...")
	if err := a.Components.Close(); err != nil {
		a.Sugar.Errorw("Failed to close rule store", "error", err)
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
