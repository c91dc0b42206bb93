package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status          string    `json:"status"`
	LastPollTime    time.Time `json:"lastPollTime"`
	LastPushTime    time.Time `json:"lastPushTime,omitempty"`
	BufferedSamples int       `json:"bufferedSamples"`
}

// PollClock reports when a cadence last completed a poll
type PollClock interface {
	LastPoll(cadence string) time.Time
}

// HealthChecker reports unhealthy when the fast cadence has stalled
type HealthChecker struct {
	polls        PollClock
	cadence      string
	pusher       *Pusher
	pollInterval time.Duration
	startedAt    time.Time
	now          func() time.Time
	logger       *zap.Logger
}

// NewHealthChecker creates a checker watching cadence on polls. pusher may be nil.
func NewHealthChecker(polls PollClock, cadence string, pusher *Pusher, pollInterval time.Duration, logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		polls:        polls,
		cadence:      cadence,
		pusher:       pusher,
		pollInterval: pollInterval,
		startedAt:    time.Now(),
		now:          time.Now,
		logger:       logger,
	}
}

// Check returns the current health status. A process that has not polled yet is
// healthy until 3x the poll interval has passed since start.
func (hc *HealthChecker) Check() HealthStatus {
	lastPoll := hc.polls.LastPoll(hc.cadence)
	status := HealthStatus{Status: "healthy", LastPollTime: lastPoll}
	if hc.pusher != nil {
		status.LastPushTime = hc.pusher.LastPushTime()
		status.BufferedSamples = hc.pusher.Buffered()
	}

	reference := lastPoll
	if reference.IsZero() {
		reference = hc.startedAt
	}
	if hc.now().Sub(reference) > 3*hc.pollInterval {
		status.Status = "unhealthy"
	}
	return status
}

// ServeHTTP responds to health check requests
func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := hc.Check()

	w.Header().Set("Content-Type", "application/json")
	if status.Status != "healthy" {
		hc.logger.Warn("health check failed", zap.Time("last_poll", status.LastPollTime))
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(status)
}
