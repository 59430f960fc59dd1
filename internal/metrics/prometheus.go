// Package metrics holds the Prometheus collectors of the Hoomi client.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.pilab.hu/hoomi/log"
)

// Metrics groups the client's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	ProvisioningTotal     *prometheus.CounterVec
	AuthorizationsTotal   *prometheus.CounterVec
	PendingAuthorizations prometheus.Gauge
	AppDataConflicts      prometheus.Counter
}

// New creates the collectors and registers them on reg. Registration failures
// are logged and otherwise ignored, so two clients may share a registry.
func New(reg prometheus.Registerer, logger log.Logger) *Metrics {
	if logger == nil {
		logger = log.Nop()
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hoomi_http_requests_total",
			Help: "Total number of Hoomi API requests by method, path and status code.",
		}, []string{"method", "path", "code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hoomi_http_request_duration_seconds",
			Help:    "Hoomi API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		ProvisioningTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hoomi_client_provisioning_total",
			Help: "Client credential provisioning attempts by mode and result.",
		}, []string{"mode", "result"}),
		AuthorizationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hoomi_authorizations_total",
			Help: "Completed authorization requests by outcome.",
		}, []string{"outcome"}),
		PendingAuthorizations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hoomi_pending_authorizations",
			Help: "Authorization requests waiting for their redirect.",
		}),
		AppDataConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hoomi_appdata_conflicts_total",
			Help: "App data writes rejected because the ETag was stale.",
		}),
	}

	if reg == nil {
		return m
	}

	ctx := context.Background()
	for name, c := range map[string]prometheus.Collector{
		"HTTPRequestsTotal":     m.HTTPRequestsTotal,
		"HTTPRequestDuration":   m.HTTPRequestDuration,
		"ProvisioningTotal":     m.ProvisioningTotal,
		"AuthorizationsTotal":   m.AuthorizationsTotal,
		"PendingAuthorizations": m.PendingAuthorizations,
		"AppDataConflicts":      m.AppDataConflicts,
	} {
		if err := reg.Register(c); err != nil {
			logger.Warn(ctx, "failed to register metric", log.Fields{"metric": name, "error": err.Error()})
		}
	}

	return m
}

// ObserveRequest records one API round trip. code is 0 for transport failures.
func (m *Metrics) ObserveRequest(method, path string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// Provisioned records a provisioning attempt.
func (m *Metrics) Provisioned(mode string, err error) {
	if m == nil {
		return
	}
	m.ProvisioningTotal.WithLabelValues(mode, result(err)).Inc()
}

// AuthorizationFinished records how a pending authorization ended.
func (m *Metrics) AuthorizationFinished(outcome string) {
	if m == nil {
		return
	}
	m.AuthorizationsTotal.WithLabelValues(outcome).Inc()
}

// PendingChanged adjusts the pending authorization gauge by delta.
func (m *Metrics) PendingChanged(delta int) {
	if m == nil {
		return
	}
	m.PendingAuthorizations.Add(float64(delta))
}

// AppDataConflict records a 412 on an app data write.
func (m *Metrics) AppDataConflict() {
	if m == nil {
		return
	}
	m.AppDataConflicts.Inc()
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
