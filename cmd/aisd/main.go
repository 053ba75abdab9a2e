// Package main runs the AIS store daemon.
//
// aisd ingests AIS payloads over HTTP and NATS, stores them in PostgreSQL
// (or SQLite), sweeps messages older than the retention window and serves
// the position, vessel and port queries.
//
// Usage:
//
//	aisd [-config config.yaml]
//
// Configuration is layered: built-in defaults, then the YAML file (-config,
// AIS_CONFIG or ./config.yaml), then AIS_* environment variables such as
// AIS_POSTGRES_HOST, AIS_SQLITE_PATH, AIS_NATS_ENABLED or AIS_SERVER_PORT.
//
// API Endpoints:
//
//	POST   /api/v1/messages                   ingest a message object or array
//	DELETE /api/v1/messages/expired           sweep expired messages now
//	GET    /api/v1/positions                  latest position of every vessel
//	GET    /api/v1/vessels/{mmsi}/position    latest position of one vessel
//	GET    /api/v1/vessels/{mmsi}/track       five newest positions
//	GET    /api/v1/vessels/{mmsi}/{imo}       registry info with latest position
//	GET    /api/v1/tiles/{tile}               tile bounds
//	GET    /api/v1/tiles/{tile}/positions     latest positions inside a tile
//	GET    /api/v1/ports?name=&country=       port lookup
//	GET    /api/v1/ports/positions?name=&country=
//	GET    /api/v1/stats                      row counts
//	GET    /api/v1/health
//	GET    /metrics
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"ais_store/internal/api"
	"ais_store/internal/config"
	"ais_store/internal/dao"
	"ais_store/internal/feed"
	"ais_store/internal/logging"
	"ais_store/internal/retention"
	"ais_store/internal/storage"
	"ais_store/internal/supervisor"
	"ais_store/internal/tiles"
)

func main() {
	configPath := flag.String("config", "", "Config file (default: $AIS_CONFIG or ./config.yaml)")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	logging.Init(cfg.Logging())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal().Err(err).Msg("aisd stopped")
	}
	logging.Info().Msg("aisd stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := storage.Open(ctx, cfg.Storage())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.CreateSchema(ctx); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	opts := []dao.Option{dao.WithWindow(cfg.Retention.Window)}

	if cfg.Tiles.Enabled {
		resolver, err := tiles.NewMapTileResolver(cfg.TileZooms())
		if err != nil {
			return fmt.Errorf("tile resolver: %w", err)
		}
		opts = append(opts, dao.WithTiles(resolver))
	}

	if cfg.ClickHouse.Enabled {
		ch, err := storage.OpenClickHouse(ctx, cfg.Storage().ClickHouse)
		if err != nil {
			return fmt.Errorf("open clickhouse: %w", err)
		}
		defer func() { _ = ch.Close() }()
		if err := ch.CreateSchema(ctx); err != nil {
			return fmt.Errorf("create clickhouse schema: %w", err)
		}
		opts = append(opts, dao.WithArchive(ch))
		logging.Info().Str("host", cfg.ClickHouse.Host).Msg("history archive enabled")
	}

	d := dao.New(store, opts...)
	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           api.NewServer(d.With(dao.WithSource("http")), api.Config{Timeout: cfg.Server.Timeout, AuthEnabled: cfg.Server.AuthEnabled, APIKeys: cfg.Server.APIKeys}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	tree.AddAPIService(supervisor.NewHTTPServerService(srv, 10*time.Second))

	if cfg.Retention.Enabled {
		tree.AddIngestionService(retention.NewService(d, cfg.Retention.Interval))
	}

	if cfg.NATS.Enabled {
		tree.AddIngestionService(feed.NewSubscriber(feed.Config{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
			Queue:   cfg.NATS.Queue,
		}, d.With(dao.WithSource("nats"))))
	}

	logging.Info().
		Str("addr", srv.Addr).
		Bool("auth", cfg.Server.AuthEnabled).
		Bool("sqlite", cfg.SQLite.Path != "").
		Bool("nats", cfg.NATS.Enabled).
		Dur("window", cfg.Retention.Window).
		Msg("aisd starting")

	return tree.Serve(ctx)
}
