package reconcile

import (
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/mjasion/balena-home/agrosmart/bridge"
)

// Synthetic reading bands and fixed nutrient/rainfall defaults
const (
	SyntheticTemperatureMin  = 20.0
	SyntheticTemperatureMax  = 30.0
	SyntheticHumidityMin     = 60.0
	SyntheticHumidityMax     = 80.0
	SyntheticSoilMoistureMin = 40.0
	SyntheticSoilMoistureMax = 70.0

	SyntheticNitrogen   = 90
	SyntheticPhosphorus = 42
	SyntheticPotassium  = 43
	SyntheticRainfall   = 202.9
)

// SensorReading is the reconciled sensor state shown to observers.
// A nil Timestamp marks a synthetic reading that never came from the device.
type SensorReading struct {
	Temperature  float64 `json:"temperature"`
	Humidity     float64 `json:"humidity"`
	SoilMoisture float64 `json:"soil_moisture"`
	N            int     `json:"N"`
	P            int     `json:"P"`
	K            int     `json:"K"`
	Rainfall     float64 `json:"rainfall"`
	Timestamp    *string `json:"timestamp"`
}

// Synthetic reports whether the reading was generated locally
func (r SensorReading) Synthetic() bool {
	return r.Timestamp == nil
}

// FromSensorData converts a bridge payload without altering any field
func FromSensorData(data bridge.SensorData) SensorReading {
	return SensorReading{
		Temperature:  data.Temperature,
		Humidity:     data.Humidity,
		SoilMoisture: data.SoilMoisture,
		N:            int(math.Round(data.N)),
		P:            int(math.Round(data.P)),
		K:            int(math.Round(data.K)),
		Rainfall:     data.Rainfall,
		Timestamp:    data.Timestamp,
	}
}

// SensorReconciler merges fetched sensor payloads with synthetic fallback readings
type SensorReconciler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSensorReconciler creates a reconciler drawing from src, or from a time-seeded source when src is nil
func NewSensorReconciler(src rand.Source) *SensorReconciler {
	if src == nil {
		seed := uint64(time.Now().UnixNano())
		src = rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	}
	return &SensorReconciler{rng: rand.New(src)}
}

// Reconcile returns the fetched reading when it is live, otherwise a fresh synthetic one.
// Readings are replaced wholesale, so previous never contributes fields to the result.
func (r *SensorReconciler) Reconcile(previous SensorReading, fetched *bridge.SensorData, err error) SensorReading {
	if err == nil && fetched != nil && hasTimestamp(fetched.Timestamp) {
		return FromSensorData(*fetched)
	}
	return r.Synthesize()
}

// Synthesize samples a plausible reading inside the synthetic bands
func (r *SensorReconciler) Synthesize() SensorReading {
	r.mu.Lock()
	defer r.mu.Unlock()

	return SensorReading{
		Temperature:  r.uniform(SyntheticTemperatureMin, SyntheticTemperatureMax),
		Humidity:     r.uniform(SyntheticHumidityMin, SyntheticHumidityMax),
		SoilMoisture: r.uniform(SyntheticSoilMoistureMin, SyntheticSoilMoistureMax),
		N:            SyntheticNitrogen,
		P:            SyntheticPhosphorus,
		K:            SyntheticPotassium,
		Rainfall:     SyntheticRainfall,
	}
}

// uniform returns a value in [min, max)
func (r *SensorReconciler) uniform(min, max float64) float64 {
	v := min + r.rng.Float64()*(max-min)
	if v >= max {
		v = math.Nextafter(max, min)
	}
	return v
}

func hasTimestamp(ts *string) bool {
	return ts != nil && strings.TrimSpace(*ts) != ""
}
