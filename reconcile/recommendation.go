package reconcile

// UnknownCrop is the predictor's sentinel for "no recommendation yet"
const UnknownCrop = "Unknown"

// RecommendationStatus distinguishes an adopted recommendation from the two placeholders
type RecommendationStatus string

const (
	// StatusReady carries an adopted recommendation
	StatusReady RecommendationStatus = "ready"
	// StatusPending means the backend answered but has no opinion yet
	StatusPending RecommendationStatus = "pending"
	// StatusUnavailable means the prediction could not be fetched
	StatusUnavailable RecommendationStatus = "unavailable"
)

// WaterRequirement is the coarse watering tier derived from soil moisture
type WaterRequirement string

const (
	WaterHigh   WaterRequirement = "high"
	WaterMedium WaterRequirement = "medium"
	WaterLow    WaterRequirement = "low"
)

// Conditions is the subset of sensor fields a recommendation was made under
type Conditions struct {
	Temperature  float64 `json:"temperature"`
	Humidity     float64 `json:"humidity"`
	SoilMoisture float64 `json:"soil_moisture"`
}

// ConditionsOf extracts the recommendation conditions from a reading. A synthetic
// reading was never measured and yields nil.
func ConditionsOf(r SensorReading) *Conditions {
	if r.Synthetic() {
		return nil
	}
	return &Conditions{
		Temperature:  r.Temperature,
		Humidity:     r.Humidity,
		SoilMoisture: r.SoilMoisture,
	}
}

// RawRecommendation is a predictor answer paired with the conditions it applies to.
// Conditions is nil when no measured reading backs the answer.
type RawRecommendation struct {
	Crop       string
	Confidence float64
	Conditions *Conditions
	Timestamp  *string
}

// Recommendation is the display-ready recommendation or a placeholder
type Recommendation struct {
	Status           RecommendationStatus `json:"status"`
	Crop             string               `json:"crop,omitempty"`
	Confidence       float64              `json:"confidence"`
	Conditions       *Conditions          `json:"current_conditions"`
	WaterRequirement WaterRequirement     `json:"water_requirement,omitempty"`
	Timestamp        *string              `json:"timestamp"`
}

// IsPlaceholder reports whether the recommendation carries no actionable data
func (r Recommendation) IsPlaceholder() bool {
	return r.Status != StatusReady
}

// Label is the text a renderer shows for the recommendation
func (r Recommendation) Label() string {
	switch r.Status {
	case StatusReady:
		return r.Crop
	case StatusPending:
		return "Waiting for sensor data..."
	default:
		return "Recommendation unavailable"
	}
}

// PendingRecommendation is the placeholder for a backend without an opinion
func PendingRecommendation() Recommendation {
	return Recommendation{Status: StatusPending}
}

// UnavailableRecommendation is the placeholder for a failed poll
func UnavailableRecommendation() Recommendation {
	return Recommendation{Status: StatusUnavailable}
}

// ReconcileRecommendation maps a predictor result to a recommendation
func ReconcileRecommendation(fetched *RawRecommendation, err error) Recommendation {
	if err != nil || fetched == nil {
		return UnavailableRecommendation()
	}
	if fetched.Crop == UnknownCrop {
		return PendingRecommendation()
	}

	rec := Recommendation{
		Status:     StatusReady,
		Crop:       fetched.Crop,
		Confidence: fetched.Confidence,
		Timestamp:  fetched.Timestamp,
	}
	if fetched.Conditions != nil {
		conditions := *fetched.Conditions
		rec.Conditions = &conditions
		rec.WaterRequirement = WaterRequirementFor(conditions.SoilMoisture)
	}
	return rec
}

// WaterRequirementFor maps soil moisture to a watering tier
func WaterRequirementFor(soilMoisture float64) WaterRequirement {
	switch {
	case soilMoisture < 40:
		return WaterHigh
	case soilMoisture > 60:
		return WaterLow
	default:
		return WaterMedium
	}
}
