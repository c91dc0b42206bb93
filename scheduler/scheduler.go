package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mjasion/balena-home/agrosmart/bridge"
	"github.com/mjasion/balena-home/agrosmart/reconcile"
	"github.com/mjasion/balena-home/agrosmart/telemetry"
	"github.com/mjasion/balena-home/agrosmart/viewmodel"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Cadence names used in logs, spans and metrics
const (
	CadenceSensor  = "sensor"
	CadencePump    = "pump"
	CadenceHistory = "history"
	CadenceWeather = "weather"
)

// Bridge is the subset of the bridge client the scheduler polls
type Bridge interface {
	GetAll(ctx context.Context) (*bridge.AllResponse, error)
	GetStatus(ctx context.Context) (*bridge.Status, error)
	GetPrediction(ctx context.Context) (*bridge.Prediction, error)
	GetHistory(ctx context.Context, limit int) ([]bridge.SensorData, error)
	GetWeather(ctx context.Context) (*bridge.Weather, error)
}

// DeviceStatusSink receives the pump ON/OFF state reported by the device
type DeviceStatusSink interface {
	ApplyDeviceStatus(active bool, at time.Time)
}

// Observer is notified after every completed poll, committed or not
type Observer interface {
	ObservePoll(cadence string, duration time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObservePoll(string, time.Duration, error) {}

// Config holds the polling cadences
type Config struct {
	Interval        time.Duration
	WeatherInterval time.Duration
	HistoryLimit    int
	Observer        Observer
}

// Scheduler drives the poll cadences and commits reconciled results into the store
type Scheduler struct {
	cfg     Config
	client  Bridge
	sensors *reconcile.SensorReconciler
	pumps   DeviceStatusSink
	store   *viewmodel.Store
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time

	refresh chan struct{}

	mu         sync.Mutex
	running    bool
	generation uint64
	stop       chan struct{}
	cron       *cron.Cron
	issued     map[string]uint64
	committed  map[string]uint64
}

// New creates a stopped scheduler
func New(cfg Config, client Bridge, sensors *reconcile.SensorReconciler, pumps DeviceStatusSink, store *viewmodel.Store, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.WeatherInterval <= 0 {
		cfg.WeatherInterval = time.Hour
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 24
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &Scheduler{
		cfg:       cfg,
		client:    client,
		sensors:   sensors,
		pumps:     pumps,
		store:     store,
		logger:    logger,
		tracer:    otel.Tracer("scheduler"),
		now:       time.Now,
		refresh:   make(chan struct{}, 1),
		issued:    make(map[string]uint64),
		committed: make(map[string]uint64),
	}
}

// Start fires every cadence immediately and then periodically until Stop or ctx is done.
// Calling Start on a running scheduler stops the previous run first.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Info("restarting poll scheduler")
		s.stopLocked()
	}

	s.generation++
	gen := s.generation
	stop := make(chan struct{})

	c := cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.WeatherInterval)
	if _, err := c.AddFunc(spec, func() { s.dispatch(ctx, gen, CadenceWeather, s.pollWeather) }); err != nil {
		return fmt.Errorf("failed to schedule weather polling: %w", err)
	}

	s.running = true
	s.stop = stop
	s.cron = c
	c.Start()
	go s.loop(ctx, gen, stop)

	s.logger.Info("poll scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("weather_interval", s.cfg.WeatherInterval),
		zap.Int("history_limit", s.cfg.HistoryLimit),
		zap.Uint64("generation", gen))
	return nil
}

// Stop halts all cadences. Polls already in flight complete but their results are discarded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.stopLocked()
		s.logger.Info("poll scheduler stopped")
	}
}

// Running reports whether the scheduler has an active run
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// TriggerRefresh requests an immediate fast-cadence poll. It never blocks; a request
// made while another is pending is merged into it.
func (s *Scheduler) TriggerRefresh() {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

// stopLocked ends the current run; s.mu must be held
func (s *Scheduler) stopLocked() {
	s.running = false
	s.generation++
	close(s.stop)
	s.cron.Stop()
}

func (s *Scheduler) loop(ctx context.Context, gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.dispatchFast(ctx, gen)
	s.dispatch(ctx, gen, CadenceWeather, s.pollWeather)

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			s.mu.Lock()
			if s.running && s.generation == gen {
				s.stopLocked()
				s.logger.Info("poll scheduler stopped", zap.Error(ctx.Err()))
			}
			s.mu.Unlock()
			return
		case <-ticker.C:
			s.dispatchFast(ctx, gen)
		case <-s.refresh:
			s.logger.Debug("manual refresh requested")
			s.dispatchFast(ctx, gen)
		}
	}
}

func (s *Scheduler) dispatchFast(ctx context.Context, gen uint64) {
	s.dispatch(ctx, gen, CadenceSensor, s.pollSensor)
	s.dispatch(ctx, gen, CadencePump, s.pollPump)
	s.dispatch(ctx, gen, CadenceHistory, s.pollHistory)
}

// pollFunc fetches and reconciles one cadence. The returned apply func, if any, is run
// under the scheduler lock only when the result is still current.
type pollFunc func(ctx context.Context) (apply func(), err error)

// dispatch runs poll on its own goroutine so a slow call never delays another cadence
func (s *Scheduler) dispatch(ctx context.Context, gen uint64, cadence string, poll pollFunc) {
	seq, ok := s.begin(gen, cadence)
	if !ok {
		return
	}
	go s.run(ctx, gen, seq, cadence, poll)
}

func (s *Scheduler) run(ctx context.Context, gen, seq uint64, cadence string, poll pollFunc) {
	ctx, span := s.tracer.Start(ctx, "poll."+cadence,
		trace.WithAttributes(
			attribute.String("cadence", cadence),
			attribute.Int64("generation", int64(gen)),
		))
	defer span.End()

	start := time.Now()
	apply, err := poll(ctx)
	duration := time.Since(start)
	span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		telemetry.WarnWithTrace(ctx, s.logger, "poll failed",
			zap.String("cadence", cadence),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		span.SetStatus(codes.Ok, "poll successful")
		telemetry.DebugWithTrace(ctx, s.logger, "poll successful",
			zap.String("cadence", cadence),
			zap.Duration("duration", duration))
	}

	if apply != nil && !s.commit(gen, seq, cadence, apply) {
		span.SetAttributes(attribute.Bool("discarded", true))
		telemetry.DebugWithTrace(ctx, s.logger, "discarded poll result",
			zap.String("cadence", cadence),
			zap.Uint64("sequence", seq))
	}

	s.cfg.Observer.ObservePoll(cadence, duration, err)
}

// begin issues the next sequence number for cadence if gen is still the live run
func (s *Scheduler) begin(gen uint64, cadence string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.generation != gen {
		return 0, false
	}
	s.issued[cadence]++
	return s.issued[cadence], true
}

// commit applies a poll result if its run is still live and nothing newer was committed
func (s *Scheduler) commit(gen, seq uint64, cadence string, apply func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.generation != gen {
		return false
	}
	if seq <= s.committed[cadence] {
		return false
	}
	s.committed[cadence] = seq
	apply()
	return true
}

// pollSensor reads /all into sensor, recommendation and connection, and feeds its pump
// status to the pump state. The prediction endpoint is the recommendation fallback when
// /all fails or carries no prediction.
func (s *Scheduler) pollSensor(ctx context.Context) (func(), error) {
	all, err := s.client.GetAll(ctx)

	var data *bridge.SensorData
	var prediction *bridge.Prediction
	var status *bridge.Status
	if err == nil && all != nil {
		data = all.SensorData
		prediction = all.Prediction
		status = all.Status
	}

	reading := s.sensors.Reconcile(s.store.Snapshot().Sensor, data, err)
	conditions := reconcile.ConditionsOf(reading)

	var recommendation reconcile.Recommendation
	if prediction != nil {
		recommendation = reconcile.ReconcileRecommendation(rawRecommendation(prediction, conditions), nil)
	} else {
		fallback, predErr := s.client.GetPrediction(ctx)
		var raw *reconcile.RawRecommendation
		if predErr == nil && fallback != nil {
			raw = rawRecommendation(fallback, conditions)
		}
		recommendation = reconcile.ReconcileRecommendation(raw, predErr)
	}

	connection := viewmodel.Connected
	if err != nil {
		connection = viewmodel.Disconnected
	}

	at := s.now()
	apply := func() {
		s.store.Update(func(snap *viewmodel.Snapshot) {
			snap.Sensor = reading
			snap.Recommendation = recommendation
			snap.Connection = connection
		})
		if status != nil {
			s.pumps.ApplyDeviceStatus(status.PumpOn(), at)
		}
	}
	return apply, err
}

func (s *Scheduler) pollPump(ctx context.Context) (func(), error) {
	status, err := s.client.GetStatus(ctx)
	if err != nil || status == nil {
		return nil, err
	}
	at := s.now()
	return func() { s.pumps.ApplyDeviceStatus(status.PumpOn(), at) }, nil
}

func (s *Scheduler) pollHistory(ctx context.Context) (func(), error) {
	records, err := s.client.GetHistory(ctx, s.cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}
	return func() {
		s.store.Update(func(snap *viewmodel.Snapshot) {
			snap.History = reconcile.ReconcileHistory(snap.History, records, nil)
		})
	}, nil
}

func (s *Scheduler) pollWeather(ctx context.Context) (func(), error) {
	weather, err := s.client.GetWeather(ctx)
	if err != nil || weather == nil {
		return nil, err
	}
	return func() {
		s.store.Update(func(snap *viewmodel.Snapshot) {
			snap.Weather = reconcile.ReconcileWeather(snap.Weather, weather, nil)
		})
	}, nil
}

func rawRecommendation(p *bridge.Prediction, conditions *reconcile.Conditions) *reconcile.RawRecommendation {
	return &reconcile.RawRecommendation{
		Crop:       p.Crop,
		Confidence: p.Confidence,
		Conditions: conditions,
		Timestamp:  p.Timestamp,
	}
}
