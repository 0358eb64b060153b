package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/concordsqlite/concord/cfg"
	"github.com/concordsqlite/concord/db"
	"github.com/concordsqlite/concord/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid configuration: %v", err))
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).With().Timestamp().Logger()
	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("concord - transactional SQLite wrapper")

	db.ApplyTunables(db.Tunables{
		PassiveCheckpointPageMin: cfg.Config.Checkpoint.PassiveCheckpointPageMin,
		FullCheckpointPageMin:    cfg.Config.Checkpoint.FullCheckpointPageMin,
		EnableTrace:              cfg.Config.Checkpoint.EnableTrace,
	})

	log.Debug().Msg("initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	httpServer := startHTTPServer()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)
	}()

	collector := telemetry.NewMetricsCollector(db.Registry, 5*time.Second)
	collector.Start()
	defer collector.Stop()

	dbPath := filepath.Join(cfg.Config.DataDir, "concord.db")
	conn, err := db.Open(dbPath, func(o *db.Options) {
		o.CacheSizeKB = cfg.Config.Database.CacheSizeKB
		o.MaxJournalSize = uint64(cfg.Config.Database.MaxJournalSize)
		o.MinJournalTables = cfg.Config.Database.MinJournalTables
		o.Synchronous = cfg.Config.Database.Synchronous
		o.MmapSizeGB = cfg.Config.Database.MmapSizeGB
		o.QueryCacheEntries = cfg.Config.Database.QueryCacheEntries
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
		return
	}
	defer conn.Close()

	if err := demoTransaction(conn); err != nil {
		log.Error().Err(err).Msg("demo transaction failed")
	}

	log.Info().Str("data_dir", cfg.Config.DataDir).Msg("concord is operational")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")
}

// demoTransaction exercises the full Begin/Write/Prepare/Commit path
// once at startup against a scratch table, so a fresh data directory
// always has a verifiable journal entry to inspect.
func demoTransaction(conn *db.Connection) error {
	ctx := context.Background()

	if err := conn.BeginTransaction(db.Exclusive); err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	if _, err := conn.VerifyTable(ctx, "concord_startup",
		"CREATE TABLE concord_startup (id INTEGER PRIMARY KEY, started_at TEXT NOT NULL)"); err != nil {
		conn.Rollback()
		return fmt.Errorf("verifying startup table: %w", err)
	}

	if err := conn.Write(ctx, fmt.Sprintf(
		"INSERT INTO concord_startup (started_at) VALUES ('%s');", time.Now().UTC().Format(time.RFC3339))); err != nil {
		conn.Rollback()
		return fmt.Errorf("write: %w", err)
	}

	if err := conn.Prepare(ctx); err != nil {
		return fmt.Errorf("prepare: %w", err)
	}

	result, err := conn.Commit(ctx)
	if err != nil {
		conn.Rollback()
		return fmt.Errorf("commit: %w", err)
	}

	log.Info().Uint64("commit_count", result.CommitCount).Str("hash", result.Hash).Msg("startup transaction committed")
	return nil
}

// startHTTPServer serves /metrics and /healthz on the configured
// Prometheus address, in its own goroutine.
func startHTTPServer() *http.Server {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if handler := telemetry.GetMetricsHandler(); handler != nil {
		r.Handle("/metrics", handler)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Config.Prometheus.Address, cfg.Config.Prometheus.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		log.Info().Str("address", addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()

	return srv
}
