package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ymgch/tether/internal/config"
	"github.com/ymgch/tether/internal/daemon"
	"github.com/ymgch/tether/internal/db"
	"github.com/ymgch/tether/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatal(err)
	}
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for tetherd")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path for the log mirror")
	flag.DurationVar(&cfg.SyncInterval, "sync-interval", cfg.SyncInterval, "interval between background log sync passes")
	flag.Parse()

	log := logger.New(os.Stderr, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	srv := daemon.NewServer(cfg, store, log)
	go srv.RunSyncLoop(ctx)

	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		fatal(err)
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "tetherd: %v\n", err)
	os.Exit(1)
}
