// treekv serves metrics for an embedded storage engine and exercises it
// against the flag-selected database path, per spec.md §6's tunables.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nainya/treekv/internal/logger"
	"github.com/nainya/treekv/internal/metrics"
	"github.com/nainya/treekv/pkg/engine"
)

var (
	dbPath           = flag.String("db", "treekv.db", "database file path")
	walDir           = flag.String("wal", "", "WAL directory path (defaults to <db>.wal alongside the database file)")
	bufferPoolFrames = flag.Int("buffer-pool-frames", 1000, "number of buffer pool frames")
	walSegmentSize   = flag.Int64("wal-segment-size", 16<<20, "WAL segment rotation size in bytes")
	treeOrder        = flag.Int("tree-order", 128, "B+ tree fanout: max children per internal node / entries per leaf (>= 3)")
	metricsAddr      = flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	logLevel         = flag.String("log-level", "info", "log level: debug, info, warn, error")
)

func main() {
	flag.Parse()

	log := logger.NewLogger(logger.Config{Level: *logLevel, Pretty: true})
	met := metrics.NewDefaultMetrics()

	dir := *walDir
	if dir == "" {
		dir = *dbPath + ".wal"
	}

	log.Info("starting treekv").
		Str("db", *dbPath).
		Str("wal", dir).
		Int("buffer_pool_frames", *bufferPoolFrames).
		Send()

	db, err := engine.Open(*dbPath, dir, engine.Options{
		BufferPoolFrames: *bufferPoolFrames,
		WalSegmentSize:   *walSegmentSize,
		TreeOrder:        *treeOrder,
		Logger:           log,
		Metrics:          met,
	})
	if err != nil {
		log.Error("failed to open database").Err(err).Send()
		os.Exit(1)
	}
	defer db.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"healthy"}`)
	})

	srv := &http.Server{
		Addr:         *metricsAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutting down").Send()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	log.Info("metrics listening").Str("addr", *metricsAddr).Send()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics server failed").Err(err).Send()
		os.Exit(1)
	}
}
