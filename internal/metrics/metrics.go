// Package metrics exposes Prometheus metrics for the feeds, the finder and
// the simulated ledger.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on its own registry so tests can build
// independent instances.
type Metrics struct {
	Registry *prometheus.Registry

	Events          *prometheus.CounterVec
	StaleUpdates    *prometheus.CounterVec
	ProtocolErrors  *prometheus.CounterVec
	TransportErrors *prometheus.CounterVec
	Opportunities   *prometheus.CounterVec
	LastSpread      *prometheus.GaugeVec
	Balance         prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_events_total",
			Help: "Canonical market events applied, by exchange and kind.",
		}, []string{"exchange", "kind"}),
		StaleUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_stale_updates_total",
			Help: "Updates skipped because the book had no snapshot yet.",
		}, []string{"exchange"}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_protocol_errors_total",
			Help: "Frames that did not match the exchange protocol.",
		}, []string{"exchange"}),
		TransportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_transport_errors_total",
			Help: "Lost connections and failed sends.",
		}, []string{"exchange"}),
		Opportunities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_opportunities_total",
			Help: "Arbitrage opportunities applied to the ledger, by exchange pair.",
		}, []string{"sell", "buy"}),
		LastSpread: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arbiter_last_spread",
			Help: "Spread of the most recent opportunity, by exchange pair.",
		}, []string{"sell", "buy"}),
		Balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbiter_ledger_balance",
			Help: "Simulated ledger balance.",
		}),
	}
	m.Registry.MustRegister(
		m.Events,
		m.StaleUpdates,
		m.ProtocolErrors,
		m.TransportErrors,
		m.Opportunities,
		m.LastSpread,
		m.Balance,
	)
	return m
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
