package sensor

import (
	"context"
	"fmt"

	"tinygo.org/x/drivers"
)

// ENS160 register map.
const (
	ens160RegOpMode = 0x10
	ens160RegStatus = 0x20
	ens160RegAQI    = 0x21

	ens160OpModeStandard = 0x02
	ens160OpModeReset    = 0xF0

	ens160StatusNewData = 1 << 1
	ens160AQIMask       = 0x07
)

// ENS160DefaultAddress is the address with ADDR pulled high.
const ENS160DefaultAddress = 0x53

// ENS160 is the air-quality sensor on a drivers.I2C bus.
type ENS160 struct {
	bus  drivers.I2C
	addr uint16
}

func NewENS160(bus drivers.I2C, addr uint16) *ENS160 {
	if addr == 0 {
		addr = ENS160DefaultAddress
	}
	return &ENS160{bus: bus, addr: addr}
}

func (s *ENS160) Reset(_ context.Context) error {
	return s.write("ens160 reset", ens160RegOpMode, ens160OpModeReset)
}

func (s *ENS160) SetOperational(_ context.Context) error {
	return s.write("ens160 operational", ens160RegOpMode, ens160OpModeStandard)
}

// Status reports whether a new air-quality sample is available.
func (s *ENS160) Status(_ context.Context) (bool, error) {
	b, err := s.read("ens160 status", ens160RegStatus)
	if err != nil {
		return false, err
	}
	return b&ens160StatusNewData != 0, nil
}

func (s *ENS160) AirQuality(_ context.Context) (Band, error) {
	b, err := s.read("ens160 aqi", ens160RegAQI)
	if err != nil {
		return 0, err
	}
	band := Band(b & ens160AQIMask)
	if band < Excellent || band > Unhealthy {
		return 0, Fault("ens160 aqi", fmt.Errorf("%w: %d", ErrInvalidBand, uint8(band)))
	}
	return band, nil
}

func (s *ENS160) write(op string, reg, value byte) error {
	if err := s.bus.Tx(s.addr, []byte{reg, value}, nil); err != nil {
		return Fault(op, err)
	}
	return nil
}

func (s *ENS160) read(op string, reg byte) (byte, error) {
	var buf [1]byte
	if err := s.bus.Tx(s.addr, []byte{reg}, buf[:]); err != nil {
		return 0, Fault(op, err)
	}
	return buf[0], nil
}
