package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Controller client metrics
	ControllerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsbridge_controller_requests_total",
			Help: "Total number of controller HTTP requests by method and result",
		},
		[]string{"method", "result"},
	)

	ControllerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dsbridge_controller_request_duration_seconds",
			Help:    "Controller HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	Logins = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dsbridge_controller_logins_total",
			Help: "Total number of session logins against the legacy API",
		},
	)

	// Event channel metrics
	ChannelState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dsbridge_channel_state",
			Help: "Current event channel state (1 for the active state)",
		},
		[]string{"state"},
	)

	ChannelReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dsbridge_channel_reconnect_attempts_total",
			Help: "Total number of scheduled event channel reconnects",
		},
	)

	ChannelMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsbridge_channel_messages_total",
			Help: "Total number of inbound event channel messages by command",
		},
		[]string{"command"},
	)

	// Synchronizer metrics
	SyncCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsbridge_sync_cycles_total",
			Help: "Total number of status synchronization cycles by result",
		},
		[]string{"result"},
	)

	SyncSkippedDevices = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dsbridge_sync_skipped_devices_total",
			Help: "Devices left untouched because the snapshot lacked their outputs",
		},
	)

	SyncHandlerErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dsbridge_sync_handler_errors_total",
			Help: "Device handler failures while applying a snapshot",
		},
	)

	// Event bus metrics
	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsbridge_events_dropped_total",
			Help: "Events dropped because the bus queue was full",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(ControllerRequests)
	prometheus.MustRegister(ControllerRequestDuration)
	prometheus.MustRegister(Logins)
	prometheus.MustRegister(ChannelState)
	prometheus.MustRegister(ChannelReconnects)
	prometheus.MustRegister(ChannelMessages)
	prometheus.MustRegister(SyncCycles)
	prometheus.MustRegister(SyncSkippedDevices)
	prometheus.MustRegister(SyncHandlerErrors)
	prometheus.MustRegister(EventsDropped)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one controller request outcome.
func ObserveRequest(method string, err error, took time.Duration) {
	ControllerRequests.WithLabelValues(method, resultLabel(err)).Inc()
	ControllerRequestDuration.WithLabelValues(method).Observe(took.Seconds())
}

// SetChannelState marks state as the only active channel state.
func SetChannelState(active string, all ...string) {
	for _, s := range all {
		value := 0.0
		if s == active {
			value = 1
		}
		ChannelState.WithLabelValues(s).Set(value)
	}
}

type timeoutError interface {
	Timeout() bool
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var te timeoutError
	if errors.As(err, &te) && te.Timeout() {
		return "timeout"
	}
	return "error"
}
