package ble

import (
	"encoding/binary"
	"errors"
	"fmt"

	"cloudpico-node/internal/session"
)

// AD structure types used by the node.
const (
	adFlags        = 0x01
	adComplete16   = 0x03
	adShortName    = 0x08
	adCompleteName = 0x09

	flagGeneralDiscoverable = 0x02
	flagLEOnly              = 0x04

	maxPayload = 31
)

var ErrPayloadTooLong = errors.New("advertising payload too long")

// CheckAdvertisement validates adv against the 31-byte limits and returns the
// AD layout it stands for: flags, the 16-bit service list and the short name
// in the advertising data, the full name in the scan response. The stack
// builds the transmitted structures itself from LocalName and the service
// list, so the layout is only logged.
func CheckAdvertisement(adv session.Advertisement) (payload, scanResponse []byte, err error) {
	payload = appendAD(payload, adFlags, []byte{flagGeneralDiscoverable | flagLEOnly})

	if len(adv.Services) > 0 {
		list := make([]byte, 0, 2*len(adv.Services))
		for _, svc := range adv.Services {
			list = binary.LittleEndian.AppendUint16(list, svc.Short)
		}
		payload = appendAD(payload, adComplete16, list)
	}
	if adv.ShortName != "" {
		payload = appendAD(payload, adShortName, []byte(adv.ShortName))
	}
	if adv.FullName != "" {
		scanResponse = appendAD(scanResponse, adCompleteName, []byte(adv.FullName))
	}

	if len(payload) > maxPayload {
		return nil, nil, fmt.Errorf("%w: advertising data is %d bytes", ErrPayloadTooLong, len(payload))
	}
	if len(scanResponse) > maxPayload {
		return nil, nil, fmt.Errorf("%w: scan response is %d bytes", ErrPayloadTooLong, len(scanResponse))
	}
	return payload, scanResponse, nil
}

func appendAD(dst []byte, typ byte, data []byte) []byte {
	dst = append(dst, byte(len(data)+1), typ)
	return append(dst, data...)
}

// LocalName is the name handed to the stack: the full name when it fits in
// the advertising data next to the flags and service list, the short name
// otherwise.
func LocalName(adv session.Advertisement) string {
	used := 3 // flags
	if len(adv.Services) > 0 {
		used += 2 + 2*len(adv.Services)
	}
	if adv.ShortName == "" || used+2+len(adv.FullName) <= maxPayload {
		return adv.FullName
	}
	return adv.ShortName
}
