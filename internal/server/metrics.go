package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsRegistry also serves as the controller's minter.Recorder.
type metricsRegistry struct {
	registry          *prometheus.Registry
	mintAttemptsTotal *prometheus.CounterVec
	mintEventsTotal   prometheus.Counter
	mintedCount       prometheus.Gauge
	networkMismatch   prometheus.Counter
	apiRequestsTotal  *prometheus.CounterVec
}

func newMetricsRegistry() *metricsRegistry {
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "epicnft_mint_attempts_total",
		Help: "Mint transactions by outcome",
	}, []string{"status"})

	events := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "epicnft_mint_events_total",
		Help: "NewEpicNFTMinted events observed",
	})

	minted := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "epicnft_minted",
		Help: "NFTs minted so far as last seen by the controller",
	})

	mismatch := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "epicnft_network_mismatch_total",
		Help: "Connections made on an unexpected chain",
	})

	api := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "epicnft_api_requests_total",
		Help: "JSON API requests by endpoint and result",
	}, []string{"endpoint", "result"})

	r := prometheus.NewRegistry()
	r.MustRegister(attempts, events, minted, mismatch, api)

	return &metricsRegistry{
		registry:          r,
		mintAttemptsTotal: attempts,
		mintEventsTotal:   events,
		mintedCount:       minted,
		networkMismatch:   mismatch,
		apiRequestsTotal:  api,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) MintAttempt(status string) {
	m.mintAttemptsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) MintEvent() {
	m.mintEventsTotal.Inc()
}

func (m *metricsRegistry) MintedCount(n uint64) {
	m.mintedCount.Set(float64(n))
}

func (m *metricsRegistry) NetworkMismatch() {
	m.networkMismatch.Inc()
}

func (m *metricsRegistry) incAPI(endpoint, result string) {
	m.apiRequestsTotal.WithLabelValues(endpoint, result).Inc()
}
