// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// ecstore is a benchmark daemon for the block storage layer of an erasure
// coded file system. It writes blocks to all stripe positions, reads them back
// and reports the throughput of every run. The backend is pluggable, hence the
// same runs can measure an in-memory store, the layer alone on top of a null
// store, or a real S3 bucket.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/ecstore contains the block store and all packages related only to
// it, including the backend implementations. See the package descriptions in
// the source code for more details.
//
// - internal/config contains configuration package.
//
// - internal/metrics contains prometheus metrics of the block store.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/ecstore/internal/config"
	"github.com/asch/ecstore/internal/ecstore"
	"github.com/asch/ecstore/internal/ecstore/storeproxy"
	"github.com/asch/ecstore/internal/metrics"
)

// Parse configuration from file and environment variables, creates the store
// and runs the benchmark until it finishes or it is signaled by SIGINT or
// SIGTERM to gracefully finish.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	var m *metrics.Metrics
	if config.Cfg.Metrics {
		m = metrics.New()
		http.Handle("/metrics", m.Handler())
	}

	if config.Cfg.Profiler || config.Cfg.Metrics {
		runProfiler(config.Cfg.ProfilerPort)
	}

	store, err := ecstore.NewWithDefaults(m)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	err = store.Initialize(config.Cfg.Store.TotalSize)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	log.Info().Str("backend", config.Cfg.Backend.Kind).Int("bufferSize", store.BufferSize()).Msgf("%v ready!", store)

	ctx := registerSigHandlers(context.Background())
	proxy := storeproxy.New(store)

	b := bench{
		store:     proxy,
		metadata:  store,
		totalSize: store.TotalSize(),
		blocks:    config.Cfg.Bench.Blocks,
		writers:   config.Cfg.Bench.Writers,
		verify:    config.Cfg.Backend.Kind != "null",
	}

	for run := 0; run < config.Cfg.Bench.Runs && ctx.Err() == nil; run++ {
		if err := b.run(ctx, run); err != nil {
			log.Error().Err(err).Int("run", run).Msg("Benchmark run failed.")
			break
		}
	}

	if err := proxy.FlushAll(); err != nil {
		log.Error().Err(err).Msg("Final flush failed.")
	}

	proxy.Close()

	log.Info().Msg("Disconnecting from the backend.")
	if err := store.Disconnect(); err != nil {
		log.Error().Err(err).Send()
	}
}

// Register handler for graceful stop when SIGINT or SIGTERM came in. The
// returned context is cancelled by the signal.
func registerSigHandlers(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msg("Received interrupt, stopping the benchmark!")
		cancel()
	}()

	return ctx
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support and metrics endpoint. Useful for
// perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
