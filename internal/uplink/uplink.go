// Package uplink mirrors completed readings and the BLE link status to an
// MQTT broker without ever blocking the sampler.
package uplink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"cloudpico-node/internal/sampler"
	"cloudpico-node/internal/sensor"
	"cloudpico-node/internal/session"
	"cloudpico-node/internal/types"
)

const (
	DefaultCapacity   = 64
	DefaultRetryDelay = 2 * time.Second
)

// Sink is the broker connection. *mqtt.Client implements it.
type Sink interface {
	Connect(ctx context.Context) error
	PublishTelemetry(t types.Telemetry) error
	PublishStationHealth(h types.StationHealth) error
	Disconnect()
}

// Publisher queues telemetry (dropping the oldest entry when full) and keeps
// only the latest link status.
type Publisher struct {
	sink       Sink
	logger     *slog.Logger
	capacity   int
	retryDelay time.Duration
	now        func() time.Time

	mu      sync.Mutex
	queue   []types.Telemetry
	health  *types.StationHealth
	seq     int
	dropped uint64
	sent    uint64

	wake chan struct{}
}

var (
	_ session.EpochObserver = (*Publisher)(nil)
	_ sampler.Observer      = (*Publisher)(nil)
)

func NewPublisher(sink Sink, capacity int, logger *slog.Logger) *Publisher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		sink:       sink,
		logger:     logger,
		capacity:   capacity,
		retryDelay: DefaultRetryDelay,
		now:        time.Now,
		health:     &types.StationHealth{Healthy: true, Link: session.Advertising.String()},
		wake:       make(chan struct{}, 1),
	}
}

// Observe queues r for publishing.
func (p *Publisher) Observe(r sensor.Reading) {
	t := FromReading(r, p.now())

	p.mu.Lock()
	p.seq++
	seq := p.seq
	t.Sequence = &seq
	if len(p.queue) >= p.capacity {
		p.queue = p.queue[1:]
		p.dropped++
	}
	p.queue = append(p.queue, t)
	p.mu.Unlock()

	p.signal()
}

func (p *Publisher) EpochStarted(conn *session.Connection) {
	p.setHealth(types.StationHealth{
		Healthy: true,
		Link:    session.Connected.String(),
		Peer:    conn.Peer(),
		Epoch:   conn.Epoch,
	})
}

func (p *Publisher) EpochEnded(conn *session.Connection, _ error) {
	p.setHealth(types.StationHealth{
		Healthy: true,
		Link:    session.Advertising.String(),
		Epoch:   conn.Epoch,
	})
}

func (p *Publisher) setHealth(h types.StationHealth) {
	h.LastSeen = p.now()
	p.mu.Lock()
	p.health = &h
	p.mu.Unlock()
	p.signal()
}

func (p *Publisher) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stats returns the number of queued, dropped and sent telemetry messages.
func (p *Publisher) Stats() (pending int, dropped, sent uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue), p.dropped, p.sent
}

// Run connects the sink and drains the queue until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	if err := p.sink.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer p.sink.Disconnect()

	for {
		var retry <-chan time.Time
		if err := p.flush(); err != nil {
			p.logger.Warn("uplink: publish failed", "error", err, "retry_in", p.retryDelay)
			retry = time.After(p.retryDelay)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		case <-retry:
		}
	}
}

// flush publishes the pending status and then the queued telemetry in order.
// On failure the unsent messages stay queued.
func (p *Publisher) flush() error {
	p.mu.Lock()
	health := p.health
	p.health = nil
	p.mu.Unlock()

	if health != nil {
		if err := p.sink.PublishStationHealth(*health); err != nil {
			p.mu.Lock()
			if p.health == nil {
				p.health = health
			}
			p.mu.Unlock()
			return err
		}
	}

	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return nil
		}
		next := p.queue[0]
		p.mu.Unlock()

		if err := p.sink.PublishTelemetry(next); err != nil {
			return err
		}

		p.mu.Lock()
		// Observe may have dropped the head meanwhile.
		if len(p.queue) > 0 && sameSeq(p.queue[0], next) {
			p.queue = p.queue[1:]
		}
		p.sent++
		p.mu.Unlock()
	}
}

func sameSeq(a, b types.Telemetry) bool {
	return a.Sequence != nil && b.Sequence != nil && *a.Sequence == *b.Sequence
}

// FromReading converts channel units back to the broker's physical units.
func FromReading(r sensor.Reading, at time.Time) types.Telemetry {
	temp := float64(r.Temperature) / 100
	hum := float64(r.Humidity) / 100
	press := float64(r.Pressure) / 1000 // tenths of Pa to hPa
	t := types.Telemetry{
		Timestamp:   at,
		Temperature: &temp,
		Humidity:    &hum,
		Pressure:    &press,
	}
	if r.HasAirQuality {
		aqi := int(r.AirQuality)
		t.AirQuality = &aqi
	}
	if r.HasBattery {
		b := int(r.Battery)
		t.Battery = &b
	}
	return t
}
