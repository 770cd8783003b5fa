package sensor

import (
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// OpenBus initializes the host drivers and opens an I2C bus by name; the
// empty name selects the default bus, usually /dev/i2c-1.
func OpenBus(name string) (i2c.BusCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("i2c open %q: %w", name, err)
	}
	return bus, nil
}

// PinIndicator drives an activity LED on a GPIO pin.
type PinIndicator struct {
	pin       gpio.PinIO
	activeLow bool
}

// NewPinIndicator looks up pin by name, e.g. "GPIO17". The host must already
// be initialized (see OpenBus).
func NewPinIndicator(name string, activeLow bool) (*PinIndicator, error) {
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("gpio %q not found", name)
	}
	p := &PinIndicator{pin: pin, activeLow: activeLow}
	p.Activity(false)
	return p, nil
}

func (p *PinIndicator) Activity(on bool) {
	if err := p.pin.Out(gpio.Level(on != p.activeLow)); err != nil {
		slog.Debug("sensor: activity pin", "pin", p.pin.Name(), "error", err)
	}
}
