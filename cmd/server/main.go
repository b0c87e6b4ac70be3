// Command server runs one market's matching engine behind the HTTP and
// websocket APIs of §6. It takes flags only, in the style of the teacher's
// cmd/client/client.go — there is no project-wide config struct, per the
// ambient stack's explicit Non-goal on file-based configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	tomb "gopkg.in/tomb.v2"

	"clob/internal/api"
	"clob/internal/book"
	"clob/internal/clob"
	"clob/internal/engine"
	"clob/internal/fanout"
	"clob/internal/metrics"
	"clob/internal/server"
	"clob/internal/storage"
)

func main() {
	market := flag.String("market", "SOL/USDC", "market symbol served by this process")
	addr := flag.String("addr", "0.0.0.0:8080", "HTTP/websocket listen address")
	tickSize := flag.Uint64("tick-size", 1, "minimum price increment")
	minOrderSize := flag.Uint64("min-order-size", 1, "minimum order quantity")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres DSN for the durable journal (required)")
	redisAddr := flag.String("redis-addr", "127.0.0.1:6379", "Redis address for the snapshot cache")
	logLevel := flag.String("log-level", "info", "zerolog level: debug, info, warn, error")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}
	zerolog.SetGlobalLevel(level)

	if *postgresDSN == "" {
		log.Fatal().Msg("-postgres-dsn is required")
	}

	journal, err := storage.NewPostgresStorage(*postgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: *redisAddr})
	store := storage.NewRedisSnapshotCache(journal, redisClient)

	cfg := clob.MarketConfig{
		TickSize:     *tickSize,
		MinOrderSize: *minOrderSize,
	}
	b := book.New(cfg)

	hub := fanout.NewHub()
	registry := prometheus.NewRegistry()
	metricsRecorder := metrics.New(registry)

	sink := &server.Sink{Market: *market, Store: store, Hub: hub, Metrics: metricsRecorder}
	eng := engine.New(*market, b, sink)

	// The book is rebuilt from the journal only here, at process start
	// (§4.6) — live orders replay into the book with their original ids,
	// and the sequence counter is advanced past them so a newly placed
	// order can't collide with one assigned before the restart.
	var snapshotSeq uint64
	if snap, err := store.LatestSnapshot(); err != nil {
		log.Error().Err(err).Msg("failed to load latest snapshot")
	} else if snap != nil {
		snapshotSeq = snap.SequenceNumber
	}
	if liveOrders, err := store.GetLiveOrders(); err != nil {
		log.Error().Err(err).Msg("failed to load live orders, starting from an empty book")
	} else if err := eng.Restore(liveOrders, snapshotSeq); err != nil {
		log.Error().Err(err).Msg("failed to restore book from journal, starting from an empty book")
	} else {
		log.Info().Int("orders", len(liveOrders)).Uint64("sequence_number", b.SequenceNumber()).Msg("restored book from journal")
	}

	httpServer := api.NewServer(*market, eng, store, registry)
	wsHandler := api.NewWSHandler(hub)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	httpServer.Routes(router)
	wsHandler.Register(router)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// tomb supervises the two background jobs; errgroup coordinates the
	// top-level startup/shutdown of the HTTP listener alongside the tomb
	// and the OS signal wait, so a failure in any one tears down the rest.
	var t tomb.Tomb
	jobs := &server.Jobs{Market: *market, Engine: eng, Store: store, Hub: hub, Metrics: metricsRecorder}
	jobs.Run(&t)

	srv := &http.Server{Addr: *addr, Handler: router}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", *addr).Str("market", *market).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return t.Wait()
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		t.Kill(nil)
		return srv.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("shutdown with error")
	}
}
