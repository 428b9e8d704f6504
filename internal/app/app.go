package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkovalev/wirehub/internal/auth"
	"github.com/mkovalev/wirehub/internal/config"
	"github.com/mkovalev/wirehub/internal/core"
	transporthttp "github.com/mkovalev/wirehub/internal/transport/http"
)

// App wires together the channel registry and the transport layer.
type App struct {
	server          *stdhttp.Server
	registry        *core.Registry
	shutdownTimeout time.Duration
	log             *zerolog.Logger
}

// New constructs the broker with the provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	validator, err := auth.AppIDValidator(cfg.AppIDPattern)
	if err != nil {
		return nil, fmt.Errorf("app id validator: %w", err)
	}

	registry := core.NewRegistry(validator, nil, logger)
	server := transporthttp.NewServer(registry, cfg, logger)

	return &App{
		server:          server,
		registry:        registry,
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             logger,
	}, nil
}

// Registry exposes the channel registry, mainly for tests.
func (a *App) Registry() *core.Registry {
	return a.registry
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// error. On shutdown every live channel is closed, evicting all members,
// before Run returns.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.registry.ShutdownAll()
		return err
	case <-ctx.Done():
		a.log.Info().Msg("shutting down broker")
		a.registry.ShutdownAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-serverErr
	}
}
