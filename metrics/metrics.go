package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "switchboard_sessions_active",
			Help: "Number of open event socket sessions by mode",
		},
		[]string{"mode"},
	)

	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_sessions_total",
			Help: "Total number of event socket sessions opened by mode",
		},
		[]string{"mode"},
	)

	DisconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_disconnects_total",
			Help: "Total number of sessions ended by reason",
		},
		[]string{"reason"},
	)

	// Command metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_commands_total",
			Help: "Total number of commands sent by verb",
		},
		[]string{"verb"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "switchboard_command_duration_seconds",
			Help:    "Time between sending a command and receiving its reply",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"verb"},
	)

	// Event metrics
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_events_total",
			Help: "Total number of events dispatched by event name",
		},
		[]string{"event"},
	)

	HandlerPanicsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "switchboard_handler_panics_total",
			Help: "Total number of event handlers that panicked",
		},
	)

	// Outbound server metrics
	OutboundRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "switchboard_outbound_rejected_total",
			Help: "Total number of outbound connections rejected because the session limit was reached",
		},
	)
)

func init() {
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(DisconnectsTotal)
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(CommandDuration)
	prometheus.MustRegister(EventsTotal)
	prometheus.MustRegister(HandlerPanicsTotal)
	prometheus.MustRegister(OutboundRejectedTotal)
}

// Handler returns the HTTP handler serving every registered metric.
func Handler() http.Handler {
	return promhttp.Handler()
}
