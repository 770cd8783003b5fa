package sensor

import (
	"context"
	"errors"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/bmxx80"
)

var errNotInitialized = errors.New("not initialized")

// BMXX80 reads a BME280 on a Linux host through periph.io.
type BMXX80 struct {
	bus  i2c.Bus
	addr uint16
	dev  *bmxx80.Dev
}

func NewBMXX80(bus i2c.Bus, addr uint16) *BMXX80 {
	return &BMXX80{bus: bus, addr: addr}
}

func (s *BMXX80) Initialize(_ context.Context) error {
	if s.dev != nil {
		return nil
	}
	dev, err := bmxx80.NewI2C(s.bus, s.addr, &bmxx80.DefaultOpts)
	if err != nil {
		return Fault("bmxx80 init", err)
	}
	s.dev = dev
	return nil
}

func (s *BMXX80) Measure(_ context.Context) (Measurement, error) {
	if s.dev == nil {
		return Measurement{}, Fault("bmxx80 measure", errNotInitialized)
	}
	var env physic.Env
	if err := s.dev.Sense(&env); err != nil {
		return Measurement{}, Fault("bmxx80 sense", err)
	}

	// env.Humidity is fixed point at 0.00001 %rH and env.Pressure is in
	// nanopascal; the physic unit constants do the conversion.
	return Measurement{
		TemperatureC: env.Temperature.Celsius(),
		HumidityPct:  float64(env.Humidity) / float64(physic.PercentRH),
		PressurePa:   float64(env.Pressure) / float64(physic.Pascal),
	}, nil
}

// Halt stops the device. The bus stays open.
func (s *BMXX80) Halt() error {
	if s.dev == nil {
		return nil
	}
	return s.dev.Halt()
}
