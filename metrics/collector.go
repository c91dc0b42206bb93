package metrics

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjasion/balena-home/agrosmart/bridge"
	"github.com/mjasion/balena-home/agrosmart/viewmodel"
)

const namespace = "agrosmart"

// Collector exposes the daemon's own metrics on a private registry
type Collector struct {
	registry *prometheus.Registry

	polls        *prometheus.CounterVec
	pollDuration *prometheus.HistogramVec
	commands     *prometheus.CounterVec
	connected    prometheus.Gauge
	synthetic    prometheus.Gauge
	version      prometheus.Gauge

	mu       sync.RWMutex
	lastPoll map[string]time.Time
}

// NewCollector creates a collector with Go runtime and process metrics registered
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Completed bridge polls by cadence and outcome.",
		}, []string{"cadence", "outcome"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Bridge poll latency by cadence.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"cadence"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pump_commands_total",
			Help:      "Pump commands by command and outcome.",
		}, []string{"command", "outcome"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridge_connected",
			Help:      "1 when the latest sensor poll reached the bridge.",
		}),
		synthetic: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_reading_synthetic",
			Help:      "1 when the displayed sensor reading was generated locally.",
		}),
		version: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_version",
			Help:      "Version of the latest view model snapshot.",
		}),
		lastPoll: make(map[string]time.Time),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.polls, c.pollDuration, c.commands, c.connected, c.synthetic, c.version,
	)
	return c
}

// ObservePoll records a completed poll
func (c *Collector) ObservePoll(cadence string, duration time.Duration, err error) {
	c.polls.WithLabelValues(cadence, Outcome(err)).Inc()
	c.pollDuration.WithLabelValues(cadence).Observe(duration.Seconds())

	c.mu.Lock()
	c.lastPoll[cadence] = time.Now()
	c.mu.Unlock()
}

// LastPoll returns when a poll of cadence last completed, or the zero time
func (c *Collector) LastPoll(cadence string) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPoll[cadence]
}

// ObserveCommand records the outcome of a pump command
func (c *Collector) ObserveCommand(command string, err error) {
	c.commands.WithLabelValues(command, Outcome(err)).Inc()
}

// ObserveSnapshot updates the gauges derived from the view model
func (c *Collector) ObserveSnapshot(snap viewmodel.Snapshot) {
	c.connected.Set(boolGauge(snap.Connection == viewmodel.Connected))
	c.synthetic.Set(boolGauge(snap.Sensor.Synthetic()))
	c.version.Set(float64(snap.Version))
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Outcome maps an error to a low-cardinality label value
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, bridge.ErrCommandRejected) {
		return "rejected"
	}
	var fetchErr *bridge.FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Kind.String()
	}
	return "error"
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
