// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package metrics exposes counters of the block store in prometheus format.
// All recording methods are safe to call on a nil *Metrics, which disables
// collection.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ecstore"

// Label values.
const (
	Hit  = "hit"
	Miss = "miss"

	Positive = "positive"
	Negative = "negative"

	OpFetch  = "fetch"
	OpStore  = "store"
	OpExists = "exists"
)

type Metrics struct {
	registry *prometheus.Registry

	readCache          *prometheus.CounterVec
	readCacheEvictions prometheus.Counter
	existenceCache     *prometheus.CounterVec
	flushes            prometheus.Counter
	flushedBlocks      prometheus.Counter
	backendErrors      *prometheus.CounterVec
}

// Returns metrics registered in their own registry.
func New() *Metrics {
	m := Metrics{
		registry: prometheus.NewRegistry(),

		readCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_cache_total",
			Help:      "Read cache lookups by result.",
		}, []string{"result"}),

		readCacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_cache_evictions_total",
			Help:      "Aggregated records dropped from the read cache.",
		}),

		existenceCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "existence_cache_total",
			Help:      "Existence cache lookups by result: positive, negative or miss.",
		}, []string{"result"}),

		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Write buffers stored to the backend.",
		}),

		flushedBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_blocks_total",
			Help:      "Blocks stored to the backend.",
		}),

		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Failed backend requests by operation.",
		}, []string{"op"}),
	}

	m.registry.MustRegister(
		m.readCache,
		m.readCacheEvictions,
		m.existenceCache,
		m.flushes,
		m.flushedBlocks,
		m.backendErrors,
	)

	return &m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func (m *Metrics) ReadCache(result string) {
	if m == nil {
		return
	}
	m.readCache.WithLabelValues(result).Inc()
}

func (m *Metrics) ReadCacheEviction() {
	if m == nil {
		return
	}
	m.readCacheEvictions.Inc()
}

func (m *Metrics) ExistenceCache(result string) {
	if m == nil {
		return
	}
	m.existenceCache.WithLabelValues(result).Inc()
}

func (m *Metrics) Flush(blocks int) {
	if m == nil {
		return
	}
	m.flushes.Inc()
	m.flushedBlocks.Add(float64(blocks))
}

func (m *Metrics) BackendError(op string) {
	if m == nil {
		return
	}
	m.backendErrors.WithLabelValues(op).Inc()
}
