package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/agrosmart/bridge"
	"github.com/mjasion/balena-home/agrosmart/pump"
	"github.com/mjasion/balena-home/agrosmart/reconcile"
	"github.com/mjasion/balena-home/agrosmart/viewmodel"
)

func liveSnapshot(ts string, at time.Time) viewmodel.Snapshot {
	return viewmodel.Snapshot{
		Version: 1,
		Sensor: reconcile.SensorReading{
			Temperature:  22.5,
			Humidity:     65,
			SoilMoisture: 45,
			N:            90,
			P:            42,
			K:            43,
			Rainfall:     202.9,
			Timestamp:    &ts,
		},
		Recommendation: reconcile.Recommendation{
			Status:     reconcile.StatusReady,
			Crop:       "Rice",
			Confidence: 0.87,
		},
		Pump:       pump.State{Active: true, Mode: pump.ModeManual},
		Connection: viewmodel.Connected,
		UpdatedAt:  at,
	}
}

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatalf("Failed to read metric: %v", err)
	}
	if out.Counter != nil {
		return out.Counter.GetValue()
	}
	return out.Gauge.GetValue()
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil", nil, "ok"},
		{"rejected", &bridge.CommandRejectedError{Command: "ON", Message: "busy"}, "rejected"},
		{"network", &bridge.FetchError{Kind: bridge.KindNetwork, Endpoint: "/all", Err: errors.New("refused")}, "network"},
		{"status", &bridge.FetchError{Kind: bridge.KindHTTPStatus, Endpoint: "/all", StatusCode: 500}, "http_status"},
		{"other", errors.New("boom"), "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Outcome(tt.err); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestCollector_ObservePoll(t *testing.T) {
	c := NewCollector()

	if !c.LastPoll("sensor").IsZero() {
		t.Error("Expected zero last poll before any poll")
	}

	c.ObservePoll("sensor", 10*time.Millisecond, nil)
	c.ObservePoll("sensor", 10*time.Millisecond, &bridge.FetchError{Kind: bridge.KindNetwork})

	if got := metricValue(t, c.polls.WithLabelValues("sensor", "ok")); got != 1 {
		t.Errorf("Expected 1 ok poll, got %v", got)
	}
	if got := metricValue(t, c.polls.WithLabelValues("sensor", "network")); got != 1 {
		t.Errorf("Expected 1 network poll, got %v", got)
	}
	if c.LastPoll("sensor").IsZero() {
		t.Error("Expected last poll to be recorded")
	}
	if !c.LastPoll("weather").IsZero() {
		t.Error("Expected weather cadence untouched")
	}
}

func TestCollector_ObserveSnapshot(t *testing.T) {
	c := NewCollector()

	c.ObserveSnapshot(liveSnapshot("2025-01-01T00:00:00Z", time.Now()))
	if got := metricValue(t, c.connected); got != 1 {
		t.Errorf("Expected connected 1, got %v", got)
	}
	if got := metricValue(t, c.synthetic); got != 0 {
		t.Errorf("Expected synthetic 0, got %v", got)
	}

	c.ObserveSnapshot(viewmodel.Snapshot{Version: 7, Connection: viewmodel.Disconnected})
	if got := metricValue(t, c.synthetic); got != 1 {
		t.Errorf("Expected synthetic 1, got %v", got)
	}
	if got := metricValue(t, c.version); got != 7 {
		t.Errorf("Expected version 7, got %v", got)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.ObserveCommand("toggle", nil)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `agrosmart_pump_commands_total{command="toggle",outcome="ok"} 1`) {
		t.Errorf("Expected pump command counter in output, got:\n%s", body)
	}
}

func TestBuildSampleTimeSeries(t *testing.T) {
	base := time.Unix(1700000000, 0)
	samples := []Sample{
		{At: base, Sensor: reconcile.SensorReading{Temperature: 20}, Crop: "Rice", Confidence: 0.8},
		{At: base.Add(5 * time.Second), Sensor: reconcile.SensorReading{Temperature: 21}},
		{At: base.Add(10 * time.Second), Sensor: reconcile.SensorReading{Temperature: 22}, Crop: "Maize", Confidence: 0.6},
	}

	series, err := BuildSampleTimeSeries(context.Background(), samples)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(series) != len(sampleMetrics)+2 {
		t.Fatalf("Expected %d series, got %d", len(sampleMetrics)+2, len(series))
	}

	temp := series[0]
	if temp.Labels[0].Value != "agrosmart_temperature_celsius" {
		t.Errorf("Expected temperature series first, got %s", temp.Labels[0].Value)
	}
	if len(temp.Samples) != 3 || temp.Samples[2].Value != 22 {
		t.Errorf("Expected 3 temperature points ending at 22, got %v", temp.Samples)
	}
	if temp.Samples[1].Timestamp != base.Add(5*time.Second).UnixMilli() {
		t.Errorf("Expected millisecond timestamps, got %d", temp.Samples[1].Timestamp)
	}

	rice := series[len(sampleMetrics)]
	if rice.Labels[1].Value != "Rice" || len(rice.Samples) != 1 || rice.Samples[0].Value != 0.8 {
		t.Errorf("Expected one Rice confidence point, got %+v", rice)
	}
	maize := series[len(sampleMetrics)+1]
	if maize.Labels[1].Value != "Maize" {
		t.Errorf("Expected Maize series last, got %s", maize.Labels[1].Value)
	}
}

func TestBuildSampleTimeSeries_Empty(t *testing.T) {
	series, err := BuildSampleTimeSeries(context.Background(), nil)
	if err != nil || series != nil {
		t.Errorf("Expected nil series and no error, got %v, %v", series, err)
	}
}

func TestPusher_RecordSkipsSyntheticAndDuplicates(t *testing.T) {
	p := NewPusher(PusherConfig{BufferSize: 10}, zap.NewNop())

	if p.Record(viewmodel.Snapshot{Version: 1}) {
		t.Error("Expected synthetic reading to be skipped")
	}

	snap := liveSnapshot("2025-01-01T00:00:00Z", time.Now())
	if !p.Record(snap) {
		t.Error("Expected live reading to be recorded")
	}
	if p.Record(snap) {
		t.Error("Expected repeated timestamp to be skipped")
	}
	if !p.Record(liveSnapshot("2025-01-01T00:00:05Z", time.Now())) {
		t.Error("Expected new timestamp to be recorded")
	}

	if p.Buffered() != 2 {
		t.Errorf("Expected 2 buffered samples, got %d", p.Buffered())
	}
}

func TestPusher_RecordOmitsPlaceholderRecommendation(t *testing.T) {
	p := NewPusher(PusherConfig{BufferSize: 10}, zap.NewNop())

	snap := liveSnapshot("2025-01-01T00:00:00Z", time.Now())
	snap.Recommendation = reconcile.PendingRecommendation()
	p.Record(snap)

	samples := p.buffer.Drain()
	if len(samples) != 1 || samples[0].Crop != "" {
		t.Errorf("Expected one sample without crop, got %+v", samples)
	}
}

func TestPusher_Push(t *testing.T) {
	var received prompb.WriteRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "snappy" {
			t.Errorf("Expected snappy encoding, got %q", r.Header.Get("Content-Encoding"))
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != "secret" {
			t.Errorf("Expected basic auth user/secret, got %q/%q", user, pass)
		}

		compressed, _ := io.ReadAll(r.Body)
		data, err := snappy.Decode(nil, compressed)
		if err != nil {
			t.Errorf("Failed to decode snappy body: %v", err)
			return
		}
		if err := proto.Unmarshal(data, &received); err != nil {
			t.Errorf("Failed to unmarshal write request: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	p := NewPusher(PusherConfig{URL: server.URL, Username: "user", Password: "secret", BufferSize: 10}, zap.NewNop())
	p.Record(liveSnapshot("2025-01-01T00:00:00Z", time.Unix(1700000000, 0)))

	if err := p.Push(context.Background(), p.buffer.Drain()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(received.Timeseries) != len(sampleMetrics)+1 {
		t.Errorf("Expected %d series, got %d", len(sampleMetrics)+1, len(received.Timeseries))
	}
	if p.LastPushTime().IsZero() {
		t.Error("Expected last push time to be set")
	}
}

func TestPusher_FlushRequeuesOnFailure(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p := NewPusher(PusherConfig{URL: server.URL, BufferSize: 10}, zap.NewNop())
	p.backoff = func(int) time.Duration { return 0 }
	p.Record(liveSnapshot("2025-01-01T00:00:00Z", time.Now()))

	p.flush(context.Background())

	if attempts.Load() != pushAttempts {
		t.Errorf("Expected %d attempts, got %d", pushAttempts, attempts.Load())
	}
	if p.Buffered() != 1 {
		t.Errorf("Expected sample to be requeued, got %d buffered", p.Buffered())
	}
	if !p.LastPushTime().IsZero() {
		t.Error("Expected no successful push")
	}
}

func TestPusher_FollowStopsWhenChannelCloses(t *testing.T) {
	p := NewPusher(PusherConfig{BufferSize: 10}, zap.NewNop())
	updates := make(chan viewmodel.Snapshot, 2)
	updates <- liveSnapshot("2025-01-01T00:00:00Z", time.Now())
	updates <- viewmodel.Snapshot{Version: 2}
	close(updates)

	p.Follow(context.Background(), updates)

	if p.Buffered() != 1 {
		t.Errorf("Expected 1 buffered sample, got %d", p.Buffered())
	}
}

type fixedClock map[string]time.Time

func (c fixedClock) LastPoll(cadence string) time.Time {
	return c[cadence]
}

func TestHealthChecker(t *testing.T) {
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name     string
		lastPoll time.Time
		started  time.Time
		expected int
	}{
		{"recent poll", now.Add(-2 * time.Second), now.Add(-time.Hour), http.StatusOK},
		{"stale poll", now.Add(-20 * time.Second), now.Add(-time.Hour), http.StatusServiceUnavailable},
		{"no poll within grace", time.Time{}, now.Add(-5 * time.Second), http.StatusOK},
		{"no poll after grace", time.Time{}, now.Add(-time.Minute), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker(fixedClock{"sensor": tt.lastPoll}, "sensor", nil, 5*time.Second, zap.NewNop())
			hc.startedAt = tt.started
			hc.now = func() time.Time { return now }

			rec := httptest.NewRecorder()
			hc.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rec.Code != tt.expected {
				t.Errorf("Expected status %d, got %d", tt.expected, rec.Code)
			}

			var status HealthStatus
			if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
				t.Fatalf("Failed to decode body: %v", err)
			}
			if !status.LastPollTime.Equal(tt.lastPoll) {
				t.Errorf("Expected last poll %v, got %v", tt.lastPoll, status.LastPollTime)
			}
		})
	}
}
