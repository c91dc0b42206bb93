package metrics

import (
	"context"
	"time"

	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mjasion/balena-home/agrosmart/pump"
	"github.com/mjasion/balena-home/agrosmart/reconcile"
)

// Sample is one live reading captured for remote write
type Sample struct {
	At         time.Time
	Sensor     reconcile.SensorReading
	Pump       pump.State
	Crop       string
	Confidence float64
}

type sampleMetric struct {
	name  string
	value func(Sample) float64
}

var sampleMetrics = []sampleMetric{
	{"agrosmart_temperature_celsius", func(s Sample) float64 { return s.Sensor.Temperature }},
	{"agrosmart_humidity_percent", func(s Sample) float64 { return s.Sensor.Humidity }},
	{"agrosmart_soil_moisture_percent", func(s Sample) float64 { return s.Sensor.SoilMoisture }},
	{"agrosmart_nitrogen", func(s Sample) float64 { return float64(s.Sensor.N) }},
	{"agrosmart_phosphorus", func(s Sample) float64 { return float64(s.Sensor.P) }},
	{"agrosmart_potassium", func(s Sample) float64 { return float64(s.Sensor.K) }},
	{"agrosmart_rainfall_mm", func(s Sample) float64 { return s.Sensor.Rainfall }},
	{"agrosmart_pump_active", func(s Sample) float64 { return boolGauge(s.Pump.Active) }},
}

// BuildSampleTimeSeries converts samples into one series per metric, plus a confidence
// series per recommended crop. Samples must be in chronological order.
func BuildSampleTimeSeries(ctx context.Context, samples []Sample) ([]prompb.TimeSeries, error) {
	_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildSampleTimeSeries")
	defer span.End()

	if len(samples) == 0 {
		span.SetStatus(codes.Ok, "no samples")
		return nil, nil
	}

	timeSeries := make([]prompb.TimeSeries, 0, len(sampleMetrics)+1)
	for _, m := range sampleMetrics {
		points := make([]prompb.Sample, 0, len(samples))
		for _, s := range samples {
			points = append(points, prompb.Sample{
				Value:     m.value(s),
				Timestamp: s.At.UnixMilli(),
			})
		}
		timeSeries = append(timeSeries, prompb.TimeSeries{
			Labels:  []prompb.Label{{Name: "__name__", Value: m.name}},
			Samples: points,
		})
	}

	// Confidence is split by crop so a changing recommendation shows up as separate series
	var crops []string
	byCrop := make(map[string][]prompb.Sample)
	for _, s := range samples {
		if s.Crop == "" {
			continue
		}
		if _, ok := byCrop[s.Crop]; !ok {
			crops = append(crops, s.Crop)
		}
		byCrop[s.Crop] = append(byCrop[s.Crop], prompb.Sample{
			Value:     s.Confidence,
			Timestamp: s.At.UnixMilli(),
		})
	}
	for _, crop := range crops {
		timeSeries = append(timeSeries, prompb.TimeSeries{
			Labels: []prompb.Label{
				{Name: "__name__", Value: "agrosmart_recommendation_confidence"},
				{Name: "crop", Value: crop},
			},
			Samples: byCrop[crop],
		})
	}

	span.SetAttributes(
		attribute.Int("metrics.sample_count", len(samples)),
		attribute.Int("metrics.time_series_count", len(timeSeries)),
	)
	span.SetStatus(codes.Ok, "time series built")
	return timeSeries, nil
}
