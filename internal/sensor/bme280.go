package sensor

import (
	"context"
	"errors"

	"tinygo.org/x/drivers"
	"tinygo.org/x/drivers/bme280"
)

// BME280 reads a BME280 through the TinyGo driver. It works on any bus that
// implements drivers.I2C, including machine.I2C and a periph.io bus.
type BME280 struct {
	device bme280.Device
	ready  bool
}

func NewBME280(bus drivers.I2C, addr uint16) *BME280 {
	dev := bme280.New(bus)
	dev.Address = addr
	return &BME280{device: dev}
}

func (s *BME280) Initialize(_ context.Context) error {
	s.device.Configure()
	if !s.device.Connected() {
		return Fault("bme280 init", errors.New("chip id mismatch"))
	}
	s.ready = true
	return nil
}

func (s *BME280) Measure(_ context.Context) (Measurement, error) {
	if !s.ready {
		return Measurement{}, Fault("bme280 measure", errNotInitialized)
	}

	t, errT := s.device.ReadTemperature()
	if errT != nil {
		return Measurement{}, Fault("bme280 temperature", errT)
	}
	p, errP := s.device.ReadPressure()
	if errP != nil {
		return Measurement{}, Fault("bme280 pressure", errP)
	}
	h, errH := s.device.ReadHumidity()
	if errH != nil {
		return Measurement{}, Fault("bme280 humidity", errH)
	}

	// Driver units: milli-degrees Celsius, millipascal, hundredths of a percent.
	return Measurement{
		TemperatureC: float64(t) / 1000.0,
		PressurePa:   float64(p) / 1000.0,
		HumidityPct:  float64(h) / 100.0,
	}, nil
}
