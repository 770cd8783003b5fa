package app

import (
	"errors"
	"fmt"
	"log/slog"

	"cloudpico-node/internal/config"
	"cloudpico-node/internal/sensor"
)

// sensors is the hardware the sampler polls.
type sensors struct {
	primary   sensor.Primary
	secondary sensor.Secondary
	gauge     sensor.Gauge
	indicator sensor.Indicator

	closers []func() error
}

func openSensors(cfg config.Config) (*sensors, error) {
	bus, err := sensor.OpenBus(cfg.I2CBus)
	if err != nil {
		return nil, err
	}
	s := &sensors{closers: []func() error{bus.Close}}

	switch cfg.SensorDriver {
	case config.SensorDriverTinyGo:
		s.primary = sensor.NewBME280(bus, cfg.BME280Address)
	case config.SensorDriverPeriph:
		dev := sensor.NewBMXX80(bus, cfg.BME280Address)
		s.primary = dev
		s.closers = append([]func() error{dev.Halt}, s.closers...)
	default:
		_ = bus.Close()
		return nil, fmt.Errorf("unknown sensor driver %q", cfg.SensorDriver)
	}

	if cfg.ENS160Address != 0 {
		s.secondary = sensor.NewENS160(bus, cfg.ENS160Address)
	}
	if cfg.BatterySupply != "" {
		s.gauge = sensor.NewSysfsGauge(cfg.BatterySupply)
	}
	if cfg.ActivityLEDPin != "" {
		led, err := sensor.NewPinIndicator(cfg.ActivityLEDPin, false)
		if err != nil {
			slog.Warn("activity led unavailable; continuing without it", "pin", cfg.ActivityLEDPin, "error", err)
		} else {
			s.indicator = led
		}
	}

	slog.Info("sensors configured",
		"driver", cfg.SensorDriver,
		"i2c_bus", cfg.I2CBus,
		"bme280_address", fmt.Sprintf("0x%02X", cfg.BME280Address),
		"air_quality", s.secondary != nil,
		"battery", s.gauge != nil,
		"activity_led", s.indicator != nil,
	)
	return s, nil
}

func (s *sensors) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
