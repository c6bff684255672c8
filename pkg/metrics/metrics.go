// Package metrics registers the exchange's Prometheus instruments and
// exposes them over an HTTP endpoint, parameterized by
// internal/config.MetricsConfig (grounded on the teacher's
// github.com/prometheus/client_golang dependency, unused by the
// consensus/networking code it ships but present for exactly this kind
// of observability surface).
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every gauge/histogram the block-production pipeline
// reports into, plus the HTTP server exposing them.
type Registry struct {
	registry *prometheus.Registry
	server   *http.Server

	TrieHashDuration      prometheus.Histogram
	TatonnementRounds     prometheus.Histogram
	LPSolveDuration       prometheus.Histogram
	BlockClearingDuration prometheus.Histogram
	PersistedRound        *prometheus.GaugeVec
	OpenOffers            prometheus.Gauge
	BlocksProduced        prometheus.Counter
	BlocksRolledBack      prometheus.Counter
}

// New registers every instrument against a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		registry: reg,
		TrieHashDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "speedex",
			Name:      "trie_hash_duration_seconds",
			Help:      "Time spent recomputing a Merkle trie's root hash.",
			Buckets:   prometheus.DefBuckets,
		}),
		TatonnementRounds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "speedex",
			Name:      "tatonnement_rounds",
			Help:      "Rounds a tâtonnement grid-search worker ran before clearing or giving up.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 20),
		}),
		LPSolveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "speedex",
			Name:      "lp_solve_duration_seconds",
			Help:      "Time spent in a single LP solver invocation.",
			Buckets:   prometheus.DefBuckets,
		}),
		BlockClearingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "speedex",
			Name:      "block_clearing_duration_seconds",
			Help:      "Time spent clearing offers across every orderbook for one block.",
			Buckets:   prometheus.DefBuckets,
		}),
		PersistedRound: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "speedex",
			Name:      "persisted_round",
			Help:      "Last round number committed, per KV environment.",
		}, []string{"environment"}),
		OpenOffers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "speedex",
			Name:      "open_offers",
			Help:      "Total live offers across every orderbook.",
		}),
		BlocksProduced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "speedex",
			Name:      "blocks_produced_total",
			Help:      "Blocks successfully committed.",
		}),
		BlocksRolledBack: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "speedex",
			Name:      "blocks_rolled_back_total",
			Help:      "Blocks whose tentative state was discarded by autorollback.",
		}),
	}
	return r
}

// Serve runs the /metrics HTTP endpoint on addr and blocks until ctx is
// canceled (then shuts the server down) or the listener fails.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	r.server = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return r.server.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
