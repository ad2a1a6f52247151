// Package metrics exposes Prometheus collectors for the authority and node
// processes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ibekd"

var (
	// HTTPRequests counts served HTTP requests by method, route and status
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests served, by method, route and status code.",
	}, []string{"method", "route", "status"})

	// HTTPDuration observes request latency by route
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// KeyCacheLookups counts private key cache lookups by result (hit or miss)
	KeyCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "key_cache_lookups_total",
		Help:      "Derived private key cache lookups.",
	}, []string{"result"})

	// KeyDerivations counts private keys extracted from a System master secret
	KeyDerivations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "key_derivations_total",
		Help:      "Private keys extracted from System master secrets.",
	})

	// SystemsCreated counts IBE Systems created by this process
	SystemsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "systems_created_total",
		Help:      "IBE Systems created.",
	})

	// RequestsSubmitted counts accepted identity requests
	RequestsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "requests",
		Name:      "submitted_total",
		Help:      "Identity requests accepted.",
	})

	// RequestStatusChanges counts identity request rows moved to a new status
	RequestStatusChanges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "requests",
		Name:      "status_changes_total",
		Help:      "Identity request status changes.",
	})

	// IdentitiesIssued counts identity descriptions sealed by the authority
	IdentitiesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "issuance",
		Name:      "identities_issued_total",
		Help:      "Identity descriptions issued, by channel (csr or request).",
	}, []string{"channel"})

	// BootstrapAttempts counts node provisioning attempts by outcome
	BootstrapAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "node",
		Name:      "bootstrap_attempts_total",
		Help:      "Server bootstrap attempts, by outcome.",
	}, []string{"outcome"})

	// Provisioned is 1 once the node holds a usable identity description
	Provisioned = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "node",
		Name:      "provisioned",
		Help:      "Whether the node holds a usable identity description.",
	})
)
