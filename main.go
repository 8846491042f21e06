// Calfeed is the calendar feed synchronization service.
//
// It mirrors external calendars (CalDAV, WebCal, and OAuth-backed
// providers) into local storage, expanding recurring events into
// concrete occurrences, and pushes local edits back to servers that
// accept them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/calfeed/calfeed/internal/api"
	"github.com/calfeed/calfeed/internal/migrations"
	"github.com/calfeed/calfeed/internal/scheduler"
	"github.com/calfeed/calfeed/internal/sqlite"
	feedsync "github.com/calfeed/calfeed/internal/sync"
	"github.com/calfeed/calfeed/logger"
)

type config struct {
	Port     int    `env:"PORT, default=4444"`
	Database string `env:"DATABASE, required"`

	// Cron spec for the background sync of every enabled feed.
	SyncSchedule string `env:"SYNC_SCHEDULE, default=@every 15m"`

	CorsHeader string `env:"CORS_HEADER, default=*"`

	// Which format to use for logging: either text or json
	LoggerFormat string `env:"LOGGER_FORMAT, default=text"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Parse the config
	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		log.Fatalf("error parsing config: %s", err)
	}

	// Determine which logger format to use
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	if cfg.LoggerFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	l := slog.New(logger.NewContextHandler(handler))
	slog.SetDefault(l)

	// Start the application
	if err := run(ctx, cfg); err != nil {
		slog.Error("error running", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config) error {
	slog.Info("running", "port", cfg.Port, "database", cfg.Database, "schedule", cfg.SyncSchedule)

	// Connect to the db
	dbx, err := sqlx.Open("sqlite", sqlite.DSN(cfg.Database))
	if err != nil {
		return fmt.Errorf("error opening database: %s", err)
	}

	// Migrate, always
	if err := migrations.Run(dbx); err != nil {
		return fmt.Errorf("error migrating: %s", err)
	}

	repo := sqlite.New(dbx)
	syncer := feedsync.New(repo)
	sched := scheduler.New(syncer)
	s := api.NewServer(api.ServerConfig{Port: cfg.Port, CorsHeader: cfg.CorsHeader}, repo, syncer)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Start the server
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error listening: %s", err)
		}

		return nil
	})
	g.Go(func() error {
		// Block from shutting down until the group is canceled
		<-gCtx.Done()

		downCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(downCtx); err != nil {
			slog.Error("error shutting down server", "error", err)
		}

		return nil
	})

	g.Go(func() error {
		// Run the background sync on its schedule
		if err := sched.Run(gCtx, cfg.SyncSchedule); err != nil {
			return fmt.Errorf("error running scheduler: %s", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("error running: %s", err)
	}

	return nil
}
