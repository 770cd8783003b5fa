// Package gatt describes the telemetry channels the node exposes and keeps the
// last value written to each of them.
package gatt

import (
	"fmt"

	"github.com/google/uuid"
)

// ChannelID identifies a channel within the registry. IDs are stable and
// double as the index used by the subscription control characteristic.
type ChannelID uint8

const (
	Temperature ChannelID = iota
	Humidity
	Pressure
	AirQuality
	BatteryLevel

	channelCount
)

func (id ChannelID) String() string {
	if int(id) < len(descriptors) {
		return descriptors[id].Name
	}
	return fmt.Sprintf("channel(%d)", uint8(id))
}

// Access is the set of rights a peer has on a channel.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessNotify
)

func (a Access) CanRead() bool   { return a&AccessRead != 0 }
func (a Access) CanNotify() bool { return a&AccessNotify != 0 }

// Service groups channels under one advertised service identity.
type Service struct {
	Name  string
	Short uint16
}

// UUID returns the 128-bit form of the service's 16-bit identity.
func (s Service) UUID() uuid.UUID { return FromShort(s.Short) }

var (
	// TelemetryService is the Environmental Sensing service.
	TelemetryService = Service{Name: "telemetry", Short: 0x181A}
	// PowerService is the Battery service.
	PowerService = Service{Name: "power", Short: 0x180F}
)

// Services returns the advertised services in advertising order.
func Services() []Service {
	return []Service{TelemetryService, PowerService}
}

// Descriptor is the static description of one channel.
type Descriptor struct {
	ID      ChannelID
	Name    string
	Service Service
	// Short is the 16-bit assigned number, zero for vendor channels.
	Short  uint16
	UUID   uuid.UUID
	Type   ValueType
	Access Access
}

// IsShort reports whether the channel uses a 16-bit assigned number.
func (d Descriptor) IsShort() bool { return d.Short != 0 }

// bluetoothBase is the Bluetooth Base UUID, 0000xxxx-0000-1000-8000-00805F9B34FB.
var bluetoothBase = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// FromShort expands a 16-bit assigned number into the Bluetooth Base UUID.
func FromShort(short uint16) uuid.UUID {
	u := bluetoothBase
	u[2] = byte(short >> 8)
	u[3] = byte(short)
	return u
}

// AirQualityUUID is the vendor characteristic carrying the air-quality score.
var AirQualityUUID = uuid.MustParse("efd658ae-c402-ef33-76e7-91b00019103b")

var descriptors = func() []Descriptor {
	readNotify := AccessRead | AccessNotify
	short := func(id ChannelID, name string, svc Service, n uint16, t ValueType) Descriptor {
		return Descriptor{ID: id, Name: name, Service: svc, Short: n, UUID: FromShort(n), Type: t, Access: readNotify}
	}
	return []Descriptor{
		short(Temperature, "temperature", TelemetryService, 0x2A6E, TypeInt16),
		short(Humidity, "humidity", TelemetryService, 0x2A6F, TypeUint16),
		short(Pressure, "pressure", TelemetryService, 0x2A6D, TypeUint32),
		{ID: AirQuality, Name: "air_quality", Service: TelemetryService, UUID: AirQualityUUID, Type: TypeUint8, Access: readNotify},
		short(BatteryLevel, "battery_level", PowerService, 0x2A19, TypeUint8),
	}
}()

// Describe returns the channel descriptors in registry order. The returned
// slice is a copy.
func Describe() []Descriptor {
	out := make([]Descriptor, len(descriptors))
	copy(out, descriptors)
	return out
}

// Lookup returns the descriptor for id.
func Lookup(id ChannelID) (Descriptor, error) {
	if id >= channelCount {
		return Descriptor{}, fmt.Errorf("%w: %d", ErrUnknownChannel, uint8(id))
	}
	return descriptors[id], nil
}
