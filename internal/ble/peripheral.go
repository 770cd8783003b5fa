// Package ble runs the node's GATT server on top of tinygo.org/x/bluetooth.
package ble

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"cloudpico-node/internal/gatt"
	"cloudpico-node/internal/session"
	"cloudpico-node/internal/utils"
)

const DefaultInterval = 100 * time.Millisecond

// Options configures a Peripheral.
type Options struct {
	Adapter string // "hci0" by default
	// Interval is the advertising interval.
	Interval time.Duration
	Logger   *slog.Logger
}

// controlPeer names a link established by a control write before the stack
// reported the central's address.
const controlPeer = "central"

// advertiser is the part of *bluetooth.Advertisement the peripheral drives.
type advertiser interface {
	Configure(options bluetooth.AdvertisementOptions) error
	Start() error
	Stop() error
}

// valueWriter is the part of *bluetooth.Characteristic used to publish values.
type valueWriter interface {
	Write(p []byte) (int, error)
}

// Peripheral implements session.Stack.
//
// BlueZ reports central disconnects only while the advertisement is
// registered, so advertising stays up for the whole connection and stops when
// the link is released.
type Peripheral struct {
	adapter *bluetooth.Adapter
	opts    Options
	logger  *slog.Logger

	ready    chan struct{}
	accepted chan *link

	advMu       sync.Mutex
	adv         advertiser
	configured  bool
	advertising bool

	mu         sync.Mutex
	registered bool
	handles    []bluetooth.Characteristic
	writers    []valueWriter
	control    bluetooth.Characteristic
	// last holds the most recent payload per channel; before registration it
	// seeds the initial characteristic values.
	last map[gatt.ChannelID][]byte
	link *link
}

var _ session.Stack = (*Peripheral)(nil)

func NewPeripheral(opts Options) *Peripheral {
	if opts.Adapter == "" {
		opts.Adapter = "hci0"
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Peripheral{
		adapter:  newAdapter(opts.Adapter),
		opts:     opts,
		logger:   logger,
		ready:    make(chan struct{}),
		accepted: make(chan *link, 1),
		handles:  make([]bluetooth.Characteristic, len(gatt.Describe())),
		writers:  make([]valueWriter, len(gatt.Describe())),
		last:     make(map[gatt.ChannelID][]byte),
	}
}

// Run enables the adapter, registers the services and then services the
// radio until ctx is done.
func (p *Peripheral) Run(ctx context.Context) error {
	p.logger.Info("ble: enabling adapter", "adapter", p.opts.Adapter)
	if err := p.adapter.Enable(); err != nil {
		return fmt.Errorf("ble enable (%s): %w", p.opts.Adapter, err)
	}
	p.logger.Info("ble: adapter enabled", "adapter", p.opts.Adapter)

	p.advMu.Lock()
	if p.adv == nil {
		p.adv = p.adapter.DefaultAdvertisement()
	}
	p.advMu.Unlock()

	p.adapter.SetConnectHandler(p.onConnect)
	if err := p.register(); err != nil {
		return err
	}
	close(p.ready)

	<-ctx.Done()
	p.stopAdvertising()
	return nil
}

func (p *Peripheral) register() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, svc := range gatt.Services() {
		var chars []bluetooth.CharacteristicConfig
		for _, d := range gatt.Describe() {
			if d.Service != svc {
				continue
			}
			id, err := characteristicUUID(d)
			if err != nil {
				return err
			}
			value, ok := p.last[d.ID]
			if !ok {
				value = gatt.Zero(d.Type).Encode()
			}
			chars = append(chars, bluetooth.CharacteristicConfig{
				Handle: &p.handles[d.ID],
				UUID:   id,
				Value:  value,
				Flags:  permissions(d.Access),
			})
		}
		if svc == gatt.TelemetryService {
			ctl, err := bluetooth.ParseUUID(ControlUUID.String())
			if err != nil {
				return fmt.Errorf("control uuid: %w", err)
			}
			chars = append(chars, bluetooth.CharacteristicConfig{
				Handle:     &p.control,
				UUID:       ctl,
				Flags:      bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: p.onControl,
			})
		}
		if err := p.adapter.AddService(&bluetooth.Service{
			UUID:            bluetooth.New16BitUUID(svc.Short),
			Characteristics: chars,
		}); err != nil {
			return fmt.Errorf("ble add service %s (0x%s): %w", svc.Name, utils.Hex4(svc.Short), err)
		}
		p.logger.Info("ble: service registered", "service", svc.Name, "uuid", "0x"+utils.Hex4(svc.Short), "characteristics", len(chars))
	}
	for i := range p.handles {
		p.writers[i] = &p.handles[i]
	}
	p.registered = true
	return nil
}

func characteristicUUID(d gatt.Descriptor) (bluetooth.UUID, error) {
	if d.IsShort() {
		return bluetooth.New16BitUUID(d.Short), nil
	}
	id, err := bluetooth.ParseUUID(d.UUID.String())
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("characteristic %s uuid: %w", d.Name, err)
	}
	return id, nil
}

func permissions(a gatt.Access) bluetooth.CharacteristicPermissions {
	var flags bluetooth.CharacteristicPermissions
	if a.CanRead() {
		flags |= bluetooth.CharacteristicReadPermission
	}
	if a.CanNotify() {
		flags |= bluetooth.CharacteristicNotifyPermission
	}
	return flags
}

// Advertise starts connectable advertising and waits for a central. The
// advertisement keeps running until the returned link is closed.
func (p *Peripheral) Advertise(ctx context.Context, adv session.Advertisement) (session.Link, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ready:
	}

	payload, scan, err := CheckAdvertisement(adv)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("ble: advertising data",
		"payload", utils.BytesToHex(payload),
		"scan_response", utils.BytesToHex(scan),
		"local_name", LocalName(adv),
	)

	// A central that connected between two epochs is served right away.
	select {
	case l := <-p.accepted:
		return l, nil
	default:
	}

	if err := p.startAdvertising(adv); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		p.stopAdvertising()
		return nil, ctx.Err()
	case l := <-p.accepted:
		return l, nil
	}
}

// startAdvertising configures the advertisement once and starts it unless it
// is still running from the previous connection.
func (p *Peripheral) startAdvertising(adv session.Advertisement) error {
	p.advMu.Lock()
	defer p.advMu.Unlock()
	if p.advertising {
		return nil
	}
	if !p.configured {
		services := make([]bluetooth.UUID, 0, len(adv.Services))
		for _, svc := range adv.Services {
			services = append(services, bluetooth.New16BitUUID(svc.Short))
		}
		if err := p.adv.Configure(bluetooth.AdvertisementOptions{
			AdvertisementType: bluetooth.AdvertisingTypeInd,
			LocalName:         LocalName(adv),
			ServiceUUIDs:      services,
			Interval:          bluetooth.NewDuration(p.opts.Interval),
		}); err != nil {
			return fmt.Errorf("ble configure advertisement: %w", err)
		}
		p.configured = true
	}
	if err := p.adv.Start(); err != nil {
		return fmt.Errorf("ble start advertisement: %w", err)
	}
	p.advertising = true
	return nil
}

func (p *Peripheral) stopAdvertising() {
	p.advMu.Lock()
	defer p.advMu.Unlock()
	if !p.advertising {
		return
	}
	p.advertising = false
	if err := p.adv.Stop(); err != nil {
		p.logger.Debug("ble: stop advertising", "error", err)
	}
}

// SetValue updates the characteristic so reads observe payload. BlueZ
// notifies every central that enabled notifications through its own CCCD on
// each characteristic write, so SetValue skips the write when the link has
// already pushed the same payload.
func (p *Peripheral) SetValue(id gatt.ChannelID, payload []byte) error {
	return p.write(id, payload, false)
}

// notify is the link's push path. It always writes the characteristic.
func (p *Peripheral) notify(id gatt.ChannelID, payload []byte) error {
	return p.write(id, payload, true)
}

func (p *Peripheral) write(id gatt.ChannelID, payload []byte, force bool) error {
	if _, err := gatt.Lookup(id); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !force && bytes.Equal(p.last[id], payload) {
		return nil
	}
	p.last[id] = append([]byte(nil), payload...)
	if !p.registered {
		return nil
	}
	if _, err := p.writers[id].Write(payload); err != nil {
		return fmt.Errorf("ble write %s: %w", id, err)
	}
	return nil
}

func (p *Peripheral) onConnect(device bluetooth.Device, connected bool) {
	p.connectionChanged(device.Address.String(), connected)
}

func (p *Peripheral) connectionChanged(addr string, connected bool) {
	if connected {
		p.logger.Debug("ble: central connected", "addr", addr)
		p.accept(addr)
		return
	}

	p.mu.Lock()
	l := p.link
	p.mu.Unlock()
	if l == nil || (l.peer != addr && l.peer != controlPeer) {
		p.logger.Debug("ble: unrelated central disconnected", "addr", addr)
		return
	}
	p.logger.Debug("ble: central disconnected", "addr", addr)
	go l.terminate(session.Disconnected{Reason: "central " + addr + " disconnected"})
}

func (p *Peripheral) onControl(_ bluetooth.Connection, _ int, value []byte) {
	ev, err := ParseControl(value)
	if err != nil {
		p.logger.Warn("ble: bad control write", "data", utils.BytesToHex(value), "error", err)
		return
	}
	// Not every platform reports incoming connections, so a control write
	// is enough to establish the link.
	l := p.accept(controlPeer)
	if !l.deliver(ev) {
		p.logger.Debug("ble: control write after link closed", "event", ev.String())
	}
}

// accept returns the current link, creating and queueing one for Advertise
// if there is none.
func (p *Peripheral) accept(peer string) *link {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link != nil && !p.link.isTerminated() {
		return p.link
	}
	l := newLink(peer, p.notify, p.release)
	p.link = l
	// Drop a terminated link nobody picked up.
	select {
	case stale := <-p.accepted:
		go stale.Close()
	default:
	}
	p.accepted <- l
	return l
}

// release forgets l and, if it was the current link, ends the advertising
// that served it.
func (p *Peripheral) release(l *link) {
	p.mu.Lock()
	current := p.link == l
	if current {
		p.link = nil
	}
	p.mu.Unlock()
	if current {
		p.stopAdvertising()
	}
}
