package bridge

import "strings"

// SensorData is the sensor payload reported by the bridge.
// Timestamp is nil (or empty) until the rig has delivered a real reading.
type SensorData struct {
	Temperature  float64 `json:"temperature"`
	Humidity     float64 `json:"humidity"`
	SoilMoisture float64 `json:"soil_moisture"`
	N            float64 `json:"N"`
	P            float64 `json:"P"`
	K            float64 `json:"K"`
	Rainfall     float64 `json:"rainfall"`
	Timestamp    *string `json:"timestamp"`
}

// Prediction is the crop predictor output
type Prediction struct {
	Crop       string  `json:"crop"`
	Confidence float64 `json:"confidence"`
	Timestamp  *string `json:"timestamp,omitempty"`
}

// Status is the device status reported by /status and embedded in /all
type Status struct {
	Connection string  `json:"connection,omitempty"`
	Pump       string  `json:"pump"`
	Timestamp  *string `json:"timestamp,omitempty"`
}

// PumpOn reports whether the device says the pump is running
func (s Status) PumpOn() bool {
	return strings.EqualFold(strings.TrimSpace(s.Pump), "ON")
}

// AllResponse is the combined /all payload
type AllResponse struct {
	SensorData *SensorData `json:"sensor_data"`
	Prediction *Prediction `json:"prediction"`
	Status     *Status     `json:"status"`
}

// CommandResponse is returned by pump commands
type CommandResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// Weather is the weather endpoint payload
type Weather struct {
	Condition   string  `json:"condition"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	WindSpeed   float64 `json:"windSpeed"`
	Forecast    string  `json:"forecast"`
	LastUpdated string  `json:"lastUpdated"`
}

// ChatRequest is forwarded verbatim to the bridge chat endpoint
type ChatRequest struct {
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// ChatResponse is the chat endpoint reply
type ChatResponse struct {
	Response string `json:"response"`
}
