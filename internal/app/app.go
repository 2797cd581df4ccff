package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/lobbyrelay/internal/config"
	"github.com/vovakirdan/lobbyrelay/internal/core"
	"github.com/vovakirdan/lobbyrelay/internal/matchmaking"
	"github.com/vovakirdan/lobbyrelay/internal/metrics"
	"github.com/vovakirdan/lobbyrelay/internal/presence"
	"github.com/vovakirdan/lobbyrelay/internal/reaper"
	"github.com/vovakirdan/lobbyrelay/internal/store"
	"github.com/vovakirdan/lobbyrelay/internal/store/postgres"
	"github.com/vovakirdan/lobbyrelay/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/lobbyrelay/internal/transport/http"
)

// App wires together store, core, reapers and transport.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	hub             *core.Hub
	store           store.Store
	reapers         []*reaper.Reaper
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("driver", cfg.DatabaseDriver).Msg("database initialized")

	// Connection ids do not survive a restart; clearing them hands leftovers to the client reaper.
	cleared, err := st.ClearConnections(ctx)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("reset connections: %w", err)
	}
	if cleared > 0 {
		logger.Info().Int64("clients", cleared).Msg("stale connections cleared")
	}

	m := metrics.New()
	engine := matchmaking.NewEngine(st, cfg.JoinRetries, logger, m)
	tracker := presence.NewTracker(st, logger)
	hub := core.NewHub(engine, tracker, core.Options{
		StunServer:      cfg.StunServer,
		TurnServer:      cfg.TurnServer,
		DefaultRoomSize: cfg.DefaultRoomSize,
		MaxRoomSize:     cfg.MaxRoomSize,
	}, logger, m)

	return &App{
		server:          transporthttp.NewServer(hub, st, tracker, cfg, logger, m),
		shutdownTimeout: cfg.ShutdownTimeout,
		hub:             hub,
		store:           st,
		reapers: []*reaper.Reaper{
			reaper.NewRoomReaper(st, cfg.RoomReaperInterval, logger, m),
			reaper.NewClientReaper(st, cfg.ClientReaperInterval, logger, m),
		},
		log: logger,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		st, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.DriverSQLite, "":
		st, err := sqlite.New(cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}
}

// Run starts the HTTP server, hub and reapers and blocks until context
// cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	defer a.cleanup()

	g, gctx := errgroup.WithContext(ctx)

	hubDone := make(chan struct{})
	g.Go(func() error {
		defer close(hubDone)
		a.hub.Run(gctx)
		return nil
	})

	for _, r := range a.reapers {
		g.Go(func() error {
			return r.Run(gctx)
		})
	}

	g.Go(func() error {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		err := a.server.Shutdown(shutdownCtx)

		// Sessions run their disconnect cleanup before the store closes.
		select {
		case <-hubDone:
		case <-shutdownCtx.Done():
			a.log.Warn().Msg("hub did not stop before shutdown timeout")
		}
		return err
	})

	return g.Wait()
}

// cleanup closes database and other resources.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
