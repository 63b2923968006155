package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys for sqlite-cdc metrics.
const (
	Fail = "fail"
	Ok   = "ok"
)

// Collectors for the pre-update hook registry and change capture.
var (
	HookDispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlite_cdc_hook_dispatch_total",
		Help: "Cumulative number of row changes dispatched to a registered observer.",
	}, []string{"op"})
	HookObserverFailureTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sqlite_cdc_hook_observer_failure_total",
		Help: "Cumulative number of observer errors and panics contained by the hook.",
	})
	CaptureDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sqlite_cdc_capture_dropped_total",
		Help: "Cumulative number of captured changes dropped because the buffer was full.",
	})
)

// Collectors for change event processing and the NATS surfaces.
var (
	EventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlite_cdc_events_published_total",
		Help: "Cumulative number of change events published.",
	}, []string{"status"})
	EventsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sqlite_cdc_events_rejected_total",
		Help: "Cumulative number of change events rejected by filters or transforms.",
	})
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlite_cdc_commands_total",
		Help: "Cumulative number of SQL commands executed on behalf of NATS requests.",
	}, []string{"status"})
)

// HookCollectors returns the collectors of the hook and capture packages.
func HookCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		HookDispatchTotal,
		HookObserverFailureTotal,
		CaptureDroppedTotal,
	}
}

// ProcessorCollectors returns the collectors of event processing.
func ProcessorCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		EventsPublishedTotal,
		EventsRejectedTotal,
		CommandsTotal,
	}
}
