// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/crowdcue/crowdcue/internal/admission"
	"github.com/crowdcue/crowdcue/internal/api"
	"github.com/crowdcue/crowdcue/internal/config"
	"github.com/crowdcue/crowdcue/internal/eventlock"
	"github.com/crowdcue/crowdcue/internal/hub"
	"github.com/crowdcue/crowdcue/internal/lifecycle"
	cclog "github.com/crowdcue/crowdcue/internal/log"
	"github.com/crowdcue/crowdcue/internal/persistence/sqlite"
	"github.com/crowdcue/crowdcue/internal/playback"
	"github.com/crowdcue/crowdcue/internal/provider/spotify"
	"github.com/crowdcue/crowdcue/internal/queue"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("crowdcue %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Safe defaults until the configuration is loaded.
	cclog.Configure(cclog.Config{
		Level:   "info",
		Service: "crowdcue",
		Version: version,
	})
	logger := cclog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}

	cclog.Configure(cclog.Config{
		Level:   cfg.LogLevel,
		Service: "crowdcue",
		Version: version,
	})

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
	logger.Info().Msg("daemon stopped")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	store, err := sqlite.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening database %s: %w", cfg.DBPath, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("closing database failed")
		}
	}()

	ledger := admission.NewLedger(nil)
	rooms := hub.New()
	locks := eventlock.NewMap()
	queues := queue.NewManager(store, ledger, rooms, locks, nil)

	provider := spotify.NewClient(spotify.Config{
		ClientID:        cfg.SpotifyClientID,
		ClientSecret:    cfg.SpotifyClientSecret,
		TokenExpirySkew: cfg.TokenExpirySkew,
	})
	registerBootVenue(provider, logger)

	coord := playback.NewCoordinator(store, queues, provider, rooms, nil, cfg.ProviderTimeout)
	events := lifecycle.NewService(store, ledger, rooms, coord, locks, nil)
	server := api.NewServer(events, queues, coord, rooms, cfg)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("listen", cfg.Listen).
			Str("version", version).
			Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		ledger.Run(gctx, cfg.VoteSweepInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown failed")
		}

		coord.StopAll(shutdownCtx)
		rooms.Close()
		return nil
	})

	return g.Wait()
}

// registerBootVenue seeds provider credentials for a single venue from the
// environment. Multi-venue deployments register venues at runtime instead.
func registerBootVenue(provider *spotify.Client, logger zerolog.Logger) {
	venueID := config.ParseString("CROWDCUE_SPOTIFY_VENUE_ID", "")
	refresh := config.ParseString("CROWDCUE_SPOTIFY_REFRESH_TOKEN", "")
	if venueID == "" || refresh == "" {
		return
	}

	provider.RegisterVenue(venueID, spotify.Credentials{RefreshToken: refresh})
	logger.Info().
		Str(cclog.FieldVenueID, venueID).
		Msg("registered provider credentials for venue")
}
