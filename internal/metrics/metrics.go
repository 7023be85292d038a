// Package metrics exposes extraction counters on a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process counters.
type Metrics struct {
	registry *prometheus.Registry

	CampaignsStarted prometheus.Counter
	TasksCompleted   prometheus.Counter
	TasksFailed      prometheus.Counter
	PlacesExtracted  prometheus.Counter
	BotsReplaced     prometheus.Counter
}

// New builds and registers all counters.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		CampaignsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mapharvest_campaigns_started_total",
			Help: "Campaign runs started.",
		}),
		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mapharvest_tasks_completed_total",
			Help: "Extraction tasks finished successfully.",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mapharvest_tasks_failed_total",
			Help: "Extraction tasks that exhausted their retries.",
		}),
		PlacesExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mapharvest_places_extracted_total",
			Help: "Unique places persisted.",
		}),
		BotsReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mapharvest_bots_replaced_total",
			Help: "Crashed browser sessions replaced mid-run.",
		}),
	}
	m.registry.MustRegister(m.CampaignsStarted, m.TasksCompleted,
		m.TasksFailed, m.PlacesExtracted, m.BotsReplaced)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
