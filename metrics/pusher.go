package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/agrosmart/buffer"
	"github.com/mjasion/balena-home/agrosmart/reconcile"
	"github.com/mjasion/balena-home/agrosmart/viewmodel"
)

const pushAttempts = 3

// PusherConfig contains configuration for the remote-write pusher
type PusherConfig struct {
	URL          string
	Username     string
	Password     string
	PushInterval time.Duration
	BufferSize   int
	Timeout      time.Duration
}

// Pusher buffers live readings and ships them to a Prometheus remote_write endpoint.
// Synthetic readings are never recorded.
type Pusher struct {
	cfg     PusherConfig
	client  *http.Client
	buffer  *buffer.RingBuffer[Sample]
	logger  *zap.Logger
	backoff func(attempt int) time.Duration

	mu            sync.Mutex
	lastPush      time.Time
	lastTimestamp string
}

// NewPusher creates a remote-write pusher with an instrumented HTTP client
func NewPusher(cfg PusherConfig, logger *zap.Logger) *Pusher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = 15 * time.Second
	}

	return &Pusher{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: otelhttp.NewTransport(
				http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(string, *http.Request) string {
					return "prometheus.remote_write"
				}),
			),
		},
		buffer: buffer.New[Sample](cfg.BufferSize, logger),
		logger: logger,
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<(attempt-1)) * time.Second
		},
	}
}

// Record buffers a sample for snap when it carries a live reading not seen before.
// It reports whether a sample was added.
func (p *Pusher) Record(snap viewmodel.Snapshot) bool {
	if snap.Sensor.Synthetic() {
		return false
	}

	p.mu.Lock()
	if *snap.Sensor.Timestamp == p.lastTimestamp {
		p.mu.Unlock()
		return false
	}
	p.lastTimestamp = *snap.Sensor.Timestamp
	p.mu.Unlock()

	sample := Sample{
		At:     snap.UpdatedAt,
		Sensor: snap.Sensor,
		Pump:   snap.Pump,
	}
	if snap.Recommendation.Status == reconcile.StatusReady {
		sample.Crop = snap.Recommendation.Crop
		sample.Confidence = snap.Recommendation.Confidence
	}
	p.buffer.Add(sample)
	return true
}

// Follow records every snapshot from updates until ctx is done or updates is closed
func (p *Pusher) Follow(ctx context.Context, updates <-chan viewmodel.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			p.Record(snap)
		}
	}
}

// Start pushes buffered samples every push interval until ctx is done
func (p *Pusher) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PushInterval)
	defer ticker.Stop()

	p.logger.Info("prometheus pusher started",
		zap.Duration("push_interval", p.cfg.PushInterval),
		zap.Int("buffer_size", p.buffer.Capacity()),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("prometheus pusher stopping")
			return
		case <-ticker.C:
			p.flush(ctx)
		}
	}
}

// flush pushes everything buffered; on failure the samples go back to the buffer
func (p *Pusher) flush(ctx context.Context) {
	samples := p.buffer.Drain()
	if len(samples) == 0 {
		p.logger.Debug("no samples to push")
		return
	}

	if err := p.Push(ctx, samples); err != nil {
		p.logger.Error("failed to push samples, requeueing",
			zap.Int("samples", len(samples)),
			zap.Error(err))
		p.buffer.Requeue(samples)
	}
}

// Push sends samples to the remote-write endpoint, retrying with exponential backoff
func (p *Pusher) Push(ctx context.Context, samples []Sample) error {
	ctx, span := otel.Tracer("metrics").Start(ctx, "metrics.Push",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("metrics.sample_count", len(samples))),
	)
	defer span.End()

	if len(samples) == 0 {
		span.SetStatus(codes.Ok, "no samples to push")
		return nil
	}

	timeSeries, err := BuildSampleTimeSeries(ctx, samples)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build time series")
		return fmt.Errorf("failed to build time series: %w", err)
	}
	writeReq := &prompb.WriteRequest{Timeseries: timeSeries}

	var lastErr error
	for attempt := 1; attempt <= pushAttempts; attempt++ {
		if lastErr = p.pushOnce(ctx, writeReq); lastErr == nil {
			p.mu.Lock()
			p.lastPush = time.Now()
			p.mu.Unlock()

			p.logger.Info("successfully pushed samples",
				zap.Int("samples", len(samples)),
				zap.Int("attempt", attempt))
			span.SetAttributes(attribute.Int("metrics.successful_attempt", attempt))
			span.SetStatus(codes.Ok, "samples pushed")
			return nil
		}

		p.logger.Warn("failed to push samples, will retry",
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		span.AddEvent("push attempt failed", trace.WithAttributes(
			attribute.Int("metrics.attempt", attempt),
			attribute.String("error", lastErr.Error()),
		))

		if attempt < pushAttempts {
			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "context cancelled")
				return ctx.Err()
			case <-time.After(p.backoff(attempt)):
			}
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "push failed")
	return fmt.Errorf("failed to push samples after %d attempts: %w", pushAttempts, lastErr)
}

func (p *Pusher) pushOnce(ctx context.Context, writeReq *prompb.WriteRequest) error {
	data, err := proto.Marshal(writeReq)
	if err != nil {
		return fmt.Errorf("failed to marshal protobuf: %w", err)
	}
	compressed := snappy.Encode(nil, data)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.cfg.Username != "" && p.cfg.Password != "" {
		req.SetBasicAuth(p.cfg.Username, p.cfg.Password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("received non-2xx status code: %d, body: %s", resp.StatusCode, string(body))
	}
	return nil
}

// LastPushTime returns the time of the last successful push
func (p *Pusher) LastPushTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPush
}

// Buffered returns the number of samples waiting to be pushed
func (p *Pusher) Buffered() int {
	return p.buffer.Size()
}
