package reconcile

import "github.com/mjasion/balena-home/agrosmart/bridge"

// ReconcileWeather keeps the last good weather when a fetch fails
func ReconcileWeather(previous *bridge.Weather, fetched *bridge.Weather, err error) *bridge.Weather {
	if err != nil || fetched == nil {
		return previous
	}
	w := *fetched
	return &w
}

// ReconcileHistory replaces the history page when records arrive and keeps the previous
// one on failure or an empty page. Records are converted verbatim and keep the bridge's order.
func ReconcileHistory(previous []SensorReading, fetched []bridge.SensorData, err error) []SensorReading {
	if err != nil || len(fetched) == 0 {
		return previous
	}
	history := make([]SensorReading, 0, len(fetched))
	for _, record := range fetched {
		history = append(history, FromSensorData(record))
	}
	return history
}
