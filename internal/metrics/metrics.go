// Package metrics exposes the daemon's Prometheus collectors: syscall
// traffic, message flow through mailboxes, and the live/blocked state
// of the client table.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps every Prometheus collector the daemon updates.
type Registry struct {
	SyscallsReceived *prometheus.CounterVec
	BadRequests      prometheus.Counter

	MessagesQueued        prometheus.Counter
	MessagesFastPath      prometheus.Counter
	MessagesFromQueue     prometheus.Counter
	MessagesDroppedAtExit prometheus.Counter

	LiveClients        prometheus.Gauge
	BlockedClients     prometheus.Gauge
	RegisteredMailboxes prometheus.Gauge

	ProcessRSSBytes prometheus.Gauge
	ProcessCPURatio prometheus.Gauge
}

// NewRegistry creates and registers the daemon's metrics collectors.
func NewRegistry() *Registry {
	return &Registry{
		SyscallsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "yamsd_syscalls_received_total",
			Help: "Total number of syscall requests received, labeled by syscall name.",
		}, []string{"syscall"}),

		BadRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "yamsd_bad_requests_total",
			Help: "Total number of non-CONNECT requests received while waiting for a first client.",
		}),

		MessagesQueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "yamsd_messages_queued_total",
			Help: "Total number of SEND messages appended to a mailbox's queue.",
		}),
		MessagesFastPath: promauto.NewCounter(prometheus.CounterOpts{
			Name: "yamsd_messages_fast_path_total",
			Help: "Total number of messages delivered directly to a blocked RECV without touching the queue.",
		}),
		MessagesFromQueue: promauto.NewCounter(prometheus.CounterOpts{
			Name: "yamsd_messages_from_queue_total",
			Help: "Total number of messages fetched from a mailbox's queue by RECV.",
		}),
		MessagesDroppedAtExit: promauto.NewCounter(prometheus.CounterOpts{
			Name: "yamsd_messages_dropped_at_shutdown_total",
			Help: "Total number of queued messages discarded when the daemon shut down.",
		}),

		LiveClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "yamsd_live_clients",
			Help: "Current number of reserved client table slots.",
		}),
		BlockedClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "yamsd_blocked_clients",
			Help: "Current number of clients parked on JOIN, WAIT, or an unmatched RECV.",
		}),
		RegisteredMailboxes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "yamsd_registered_mailboxes",
			Help: "Current number of mailboxes registered since the daemon started.",
		}),

		ProcessRSSBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "yamsd_process_rss_bytes",
			Help: "Resident set size of the daemon process, sampled periodically.",
		}),
		ProcessCPURatio: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "yamsd_process_cpu_ratio",
			Help: "Fraction of a CPU core the daemon process is consuming, sampled periodically.",
		}),
	}
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
