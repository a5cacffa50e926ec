package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the presence gateway.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ActiveConnections prometheus.Gauge
	OnlineUsers       prometheus.Gauge
	PresenceEvents    *prometheus.CounterVec
	BroadcastsTotal   prometheus.Counter
	DeliveriesTotal   *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
}

// New creates all metrics on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates all metrics and registers them with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "presencegw_connections_total",
			Help: "Total socket connections accepted",
		}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "presencegw_active_connections",
			Help: "Current open socket connections",
		}),
		OnlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "presencegw_online_users",
			Help: "Identities currently in the presence registry",
		}),
		PresenceEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presencegw_presence_events_total",
			Help: "Presence registry changes by kind (online, replaced, offline, stale)",
		}, []string{"kind"}),
		BroadcastsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "presencegw_broadcasts_total",
			Help: "Snapshots fanned out to connected sockets",
		}),
		DeliveriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presencegw_deliveries_total",
			Help: "Per-socket snapshot deliveries by result (ok, superseded, failed)",
		}, []string{"result"}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presencegw_errors_total",
			Help: "Total errors",
		}, []string{"type"}),
	}
}
