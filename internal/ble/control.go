package ble

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"cloudpico-node/internal/gatt"
	"cloudpico-node/internal/session"
)

// ControlUUID is the writable characteristic through which a peer toggles
// notifications. The stack does not report descriptor writes, so the peer
// mirrors each client configuration write here as
// [channel, cccd lo, cccd hi].
var ControlUUID = uuid.MustParse("c0de0001-5e55-4c0d-8e1a-0c7ad0a1c0de")

const (
	cccdNotify   = 0x0001
	cccdIndicate = 0x0002
	controlLen   = 3
)

// ParseControl decodes a control characteristic write.
func ParseControl(b []byte) (session.SubscriptionChanged, error) {
	if len(b) != controlLen {
		return session.SubscriptionChanged{}, fmt.Errorf("control write: want %d bytes, got %d", controlLen, len(b))
	}
	id := gatt.ChannelID(b[0])
	if _, err := gatt.Lookup(id); err != nil {
		return session.SubscriptionChanged{}, fmt.Errorf("control write: %w", err)
	}
	cccd := binary.LittleEndian.Uint16(b[1:])
	return session.SubscriptionChanged{
		Channel: id,
		Enabled: cccd&(cccdNotify|cccdIndicate) != 0,
	}, nil
}

// EncodeControl is the inverse of ParseControl, used by peers and tests.
func EncodeControl(id gatt.ChannelID, enabled bool) []byte {
	var cccd uint16
	if enabled {
		cccd = cccdNotify
	}
	b := []byte{byte(id), 0, 0}
	binary.LittleEndian.PutUint16(b[1:], cccd)
	return b
}
