package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/lobbyrelay/internal/app"
	"github.com/vovakirdan/lobbyrelay/internal/config"
	"github.com/vovakirdan/lobbyrelay/internal/log"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		overrides  config.Config
	)

	cmd := &cobra.Command{
		Use:           "lobbyrelay",
		Short:         "Matchmaking and signaling relay for peer-to-peer sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, overrides)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to config file (default ./config.yaml)")
	flags.StringVar(&overrides.Addr, "addr", "", "HTTP listen address")
	flags.StringVar(&overrides.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&overrides.DatabaseDriver, "database-driver", "", "storage driver: sqlite or postgres")
	flags.StringVar(&overrides.DatabasePath, "database-path", "", "sqlite database file")
	flags.StringVar(&overrides.DatabaseURL, "database-url", "", "postgres connection url")
	flags.StringVar(&overrides.StunServer, "stun-server", "", "STUN server handed to clients")
	flags.StringVar(&overrides.TurnServer, "turn-server", "", "TURN server handed to clients after a failed peer link")

	return cmd
}

func run(ctx context.Context, configPath string, overrides config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootLogger := log.New("info", "console")
	cfg, path, err := config.Load(bootLogger, configPath)
	if err != nil {
		return err
	}
	cfg.UpdateFrom(overrides)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}

	logger := log.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Str("config", path).Str("addr", cfg.Addr).Msg("starting lobbyrelay")

	application, err := app.New(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	if err := application.Run(ctx); err != nil {
		return fmt.Errorf("server exited with error: %w", err)
	}

	logger.Info().Msg("server stopped")
	return nil
}
