package session

import (
	"context"
	"errors"
	"fmt"

	"cloudpico-node/internal/gatt"
)

// ErrLinkTerminated reports that the peer went away or the transport ended
// the session. It ends the current epoch and nothing more.
var ErrLinkTerminated = errors.New("link terminated")

// Advertisement is the fixed advertising configuration of the node.
type Advertisement struct {
	ShortName string
	FullName  string
	Services  []gatt.Service
}

// Stack is the platform BLE/GATT stack.
type Stack interface {
	// Run services the radio runtime. It returns only when ctx is done;
	// any other return is a runtime fault.
	Run(ctx context.Context) error
	// Advertise broadcasts adv until a peer connects or ctx is done.
	Advertise(ctx context.Context, adv Advertisement) (Link, error)
	// SetValue mirrors a cached channel value into the attribute table so
	// peer reads observe it.
	SetValue(id gatt.ChannelID, payload []byte) error
}

// Link is one connected peer.
type Link interface {
	// Peer returns an opaque identifier of the connected peer.
	Peer() string
	// Events delivers protocol events. It is closed when the link is gone.
	Events() <-chan Event
	// Notify pushes payload to the peer. It returns ErrLinkBusy when the
	// outgoing buffer is saturated and ErrLinkTerminated once the peer is gone.
	Notify(id gatt.ChannelID, payload []byte) error
	// Close tears the link down. Safe to call more than once.
	Close() error
}

// Event is the closed set of protocol events: SubscriptionChanged,
// Disconnected and TransportError.
type Event interface {
	isEvent()
}

// SubscriptionChanged reports a peer write to a channel's control descriptor.
type SubscriptionChanged struct {
	Channel gatt.ChannelID
	Enabled bool
}

// Disconnected reports that the peer left.
type Disconnected struct {
	Reason string
}

// TransportError reports a terminal error from the stack for this link.
type TransportError struct {
	Err error
}

func (SubscriptionChanged) isEvent() {}
func (Disconnected) isEvent()        {}
func (TransportError) isEvent()      {}

func (e SubscriptionChanged) String() string {
	return fmt.Sprintf("%s notifications=%t", e.Channel, e.Enabled)
}
