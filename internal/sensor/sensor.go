// Package sensor defines the calling contract of the environmental sensors
// and provides backends for the BME280 (primary) and ENS160 (secondary).
package sensor

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrFault is a transient bus or device fault. Callers retry.
var ErrFault = errors.New("sensor fault")

// ErrInvalidBand is returned for an air-quality band outside the 5-level scale.
var ErrInvalidBand = errors.New("invalid air quality band")

// Fault wraps err so that errors.Is(err, ErrFault) holds.
func Fault(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrFault, err)
}

// Measurement is one primary sensor sample in physical units.
type Measurement struct {
	TemperatureC float64
	HumidityPct  float64
	PressurePa   float64
}

// Primary is the temperature/humidity/pressure sensor.
type Primary interface {
	Initialize(ctx context.Context) error
	Measure(ctx context.Context) (Measurement, error)
}

// Secondary is the air-quality sensor.
type Secondary interface {
	Reset(ctx context.Context) error
	SetOperational(ctx context.Context) error
	Status(ctx context.Context) (bool, error)
	AirQuality(ctx context.Context) (Band, error)
}

// Gauge reports the remaining battery charge in percent.
type Gauge interface {
	Level(ctx context.Context) (uint8, error)
}

// Indicator shows sampling activity, typically an LED.
type Indicator interface {
	Activity(on bool)
}

// Band is the qualitative air-quality level reported by the secondary
// sensor, 1 (best) to 5 (worst).
type Band uint8

const (
	Excellent Band = iota + 1
	Good
	Moderate
	Poor
	Unhealthy
)

func (b Band) String() string {
	switch b {
	case Excellent:
		return "excellent"
	case Good:
		return "good"
	case Moderate:
		return "moderate"
	case Poor:
		return "poor"
	case Unhealthy:
		return "unhealthy"
	default:
		return fmt.Sprintf("Band(%d)", uint8(b))
	}
}

// Score maps a band onto the score published to peers. Higher is better and
// the values are part of the wire contract.
func (b Band) Score() (uint8, error) {
	switch b {
	case Excellent:
		return 50, nil
	case Good:
		return 40, nil
	case Moderate:
		return 30, nil
	case Poor:
		return 20, nil
	case Unhealthy:
		return 10, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidBand, uint8(b))
	}
}

// Reading is one sampling cycle in channel units.
type Reading struct {
	// Temperature in hundredths of a degree Celsius.
	Temperature int16
	// Humidity in hundredths of a percent.
	Humidity uint16
	// Pressure in tenths of a pascal.
	Pressure uint32
	// AirQuality is the banded score; valid only when HasAirQuality.
	AirQuality    uint8
	HasAirQuality bool
	// Battery in percent; valid only when HasBattery.
	Battery    uint8
	HasBattery bool
}

// NewReading scales m into channel units, rounding to nearest and saturating
// at the channel width.
func NewReading(m Measurement) Reading {
	return Reading{
		Temperature: int16(clamp(math.Round(m.TemperatureC*100), math.MinInt16, math.MaxInt16)),
		Humidity:    uint16(clamp(math.Round(m.HumidityPct*100), 0, math.MaxUint16)),
		Pressure:    uint32(clamp(math.Round(m.PressurePa*10), 0, math.MaxUint32)),
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}
