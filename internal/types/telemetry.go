package types

import (
	"fmt"
	"time"
)

// Telemetry is one reading as mirrored to the broker.
type Telemetry struct {
	StationID   string    `json:"station_id"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature *float64  `json:"temperature_c,omitempty"`
	Humidity    *float64  `json:"humidity_pct,omitempty"`
	Pressure    *float64  `json:"pressure_hpa,omitempty"`
	AirQuality  *int      `json:"air_quality,omitempty"`
	Battery     *int      `json:"battery_pct,omitempty"`
	Sequence    *int      `json:"sequence,omitempty"`
}

// Validate applies the same checks the ingesting side does.
func (t Telemetry) Validate() error {
	if t.StationID == "" {
		return fmt.Errorf("station_id is required")
	}
	if t.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if t.Humidity != nil && (*t.Humidity < 0 || *t.Humidity > 100) {
		return fmt.Errorf("humidity_pct out of range: %f (must be 0-100)", *t.Humidity)
	}
	if t.Pressure != nil && *t.Pressure <= 0 {
		return fmt.Errorf("pressure_hpa must be positive: %f", *t.Pressure)
	}
	if t.AirQuality != nil && (*t.AirQuality < 10 || *t.AirQuality > 50) {
		return fmt.Errorf("air_quality out of range: %d (must be 10-50)", *t.AirQuality)
	}
	if t.Temperature == nil && t.Humidity == nil && t.Pressure == nil {
		return fmt.Errorf("at least one sensor reading (temperature, humidity, or pressure) is required")
	}
	return nil
}

// StationHealth is the retained link status of the node.
type StationHealth struct {
	StationID string    `json:"station_id"`
	LastSeen  time.Time `json:"last_seen"`
	Healthy   bool      `json:"healthy"`
	// Link is the BLE protocol state: advertising or connected.
	Link  string `json:"link"`
	Peer  string `json:"peer,omitempty"`
	Epoch uint64 `json:"epoch"`
}
