// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registry all collectors of this process are registered with.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// Resolutions counts identity resolutions by outcome
	// (anonymous, authenticated, refreshed, unregistered, rejected, unavailable).
	Resolutions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webauth",
		Name:      "identity_resolutions_total",
		Help:      "Identity resolutions by outcome.",
	}, []string{"outcome"})

	// Flows counts lifecycle flow completions by flow and result.
	Flows = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webauth",
		Name:      "session_flows_total",
		Help:      "Login, callback, registration and logout flows by result.",
	}, []string{"flow", "result"})

	// StoreErrors counts session store I/O failures by operation.
	StoreErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webauth",
		Name:      "session_store_errors_total",
		Help:      "Session store failures by operation.",
	}, []string{"op"})

	// IdPRequests counts calls to the identity provider by operation and result.
	IdPRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webauth",
		Name:      "idp_requests_total",
		Help:      "Identity provider calls by operation and result.",
	}, []string{"op", "result"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
