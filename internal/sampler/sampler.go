// Package sampler polls the environmental sensors on a fixed interval and
// hands each completed reading to the peer session.
package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"cloudpico-node/internal/gatt"
	"cloudpico-node/internal/sensor"
)

const (
	DefaultInterval  = time.Second
	DefaultBootDelay = 100 * time.Millisecond
)

// Publisher commits one cycle's channel updates. *session.Session
// implements it.
type Publisher interface {
	Publish(ctx context.Context, updates []gatt.Update) error
}

// Observer receives every reading after it has been published.
type Observer interface {
	Observe(r sensor.Reading)
}

// Options configures a Sampler. Every collaborator except the primary
// sensor is optional.
type Options struct {
	Interval time.Duration
	// BootDelay separates the secondary sensor reset from its switch to
	// operational mode.
	BootDelay time.Duration
	Secondary sensor.Secondary
	Gauge     sensor.Gauge
	Indicator sensor.Indicator
	Observer  Observer
	Logger    *slog.Logger
}

// Sampler runs the sample→publish cycle. A Sampler is driven by a single
// goroutine at a time.
type Sampler struct {
	primary sensor.Primary
	out     Publisher
	opts    Options
	logger  *slog.Logger

	primaryReady   bool
	secondaryReady bool

	cycles atomic.Uint64
	faults atomic.Uint64
}

func New(primary sensor.Primary, out Publisher, opts Options) *Sampler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.BootDelay < 0 {
		opts.BootDelay = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{primary: primary, out: out, opts: opts, logger: logger}
}

// Run samples until ctx is done and then returns ctx.Err(). Sensor faults
// are logged and retried after the interval.
func (s *Sampler) Run(ctx context.Context) error {
	for {
		if _, err := s.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.faults.Add(1)
			s.logger.Warn("sampler: cycle failed", "error", err, "retry_in", s.opts.Interval)
		}
		if err := sleep(ctx, s.opts.Interval); err != nil {
			return err
		}
	}
}

// Cycle performs one acquisition and publishes the result. A primary sensor
// fault aborts the cycle before anything is published.
func (s *Sampler) Cycle(ctx context.Context) (sensor.Reading, error) {
	s.indicate(true)
	defer s.indicate(false)

	m, err := s.measure(ctx)
	if err != nil {
		return sensor.Reading{}, err
	}
	r := sensor.NewReading(m)
	s.airQuality(ctx, &r)
	s.battery(ctx, &r)

	if err := ctx.Err(); err != nil {
		return sensor.Reading{}, err
	}
	if err := s.out.Publish(ctx, Updates(r)); err != nil {
		if ctx.Err() != nil {
			return sensor.Reading{}, ctx.Err()
		}
		// Structural cache failures are logged by the session; the reading
		// itself is still good.
		s.logger.Error("sampler: publish incomplete", "error", err)
	}
	s.cycles.Add(1)
	s.logger.Debug("sampler: reading",
		"temperature", r.Temperature,
		"humidity", r.Humidity,
		"pressure", r.Pressure,
		"air_quality", r.AirQuality,
		"has_air_quality", r.HasAirQuality,
	)
	if s.opts.Observer != nil {
		s.opts.Observer.Observe(r)
	}
	return r, nil
}

// Stats returns the number of completed and failed cycles.
func (s *Sampler) Stats() (cycles, faults uint64) {
	return s.cycles.Load(), s.faults.Load()
}

func (s *Sampler) measure(ctx context.Context) (sensor.Measurement, error) {
	if !s.primaryReady {
		if err := s.primary.Initialize(ctx); err != nil {
			return sensor.Measurement{}, fmt.Errorf("primary init: %w", err)
		}
		s.primaryReady = true
		s.logger.Info("sampler: primary sensor ready")
	}
	m, err := s.primary.Measure(ctx)
	if err != nil {
		return sensor.Measurement{}, fmt.Errorf("primary measure: %w", err)
	}
	return m, nil
}

// airQuality fills in the banded score when the secondary sensor has a fresh
// sample. Anything else leaves the cached value alone.
func (s *Sampler) airQuality(ctx context.Context, r *sensor.Reading) {
	sec := s.opts.Secondary
	if sec == nil {
		return
	}
	if !s.secondaryReady {
		if err := s.prepareSecondary(ctx); err != nil {
			s.logger.Warn("sampler: air quality sensor not prepared", "error", err)
			return
		}
	}

	ready, err := sec.Status(ctx)
	if err != nil {
		s.logger.Warn("sampler: air quality status", "error", err)
		return
	}
	if !ready {
		s.logger.Debug("sampler: air quality not ready")
		return
	}
	band, err := sec.AirQuality(ctx)
	if err != nil {
		s.logger.Warn("sampler: air quality read", "error", err)
		return
	}
	score, err := band.Score()
	if err != nil {
		s.logger.Warn("sampler: air quality band", "error", err)
		return
	}
	r.AirQuality = score
	r.HasAirQuality = true
}

func (s *Sampler) prepareSecondary(ctx context.Context) error {
	sec := s.opts.Secondary
	if err := sec.Reset(ctx); err != nil {
		return err
	}
	if err := sleep(ctx, s.opts.BootDelay); err != nil {
		return err
	}
	if err := sec.SetOperational(ctx); err != nil {
		return err
	}
	s.secondaryReady = true
	s.logger.Info("sampler: air quality sensor ready")
	return nil
}

func (s *Sampler) battery(ctx context.Context, r *sensor.Reading) {
	if s.opts.Gauge == nil {
		return
	}
	level, err := s.opts.Gauge.Level(ctx)
	if err != nil {
		s.logger.Warn("sampler: battery level", "error", err)
		return
	}
	r.Battery = level
	r.HasBattery = true
}

func (s *Sampler) indicate(on bool) {
	if s.opts.Indicator != nil {
		s.opts.Indicator.Activity(on)
	}
}

// Updates converts a reading into channel updates in registry order.
// Optional channels are left out when absent.
func Updates(r sensor.Reading) []gatt.Update {
	updates := []gatt.Update{
		{Channel: gatt.Temperature, Value: gatt.Int16(r.Temperature)},
		{Channel: gatt.Humidity, Value: gatt.Uint16(r.Humidity)},
		{Channel: gatt.Pressure, Value: gatt.Uint32(r.Pressure)},
	}
	if r.HasAirQuality {
		updates = append(updates, gatt.Update{Channel: gatt.AirQuality, Value: gatt.Uint8(r.AirQuality)})
	}
	if r.HasBattery {
		updates = append(updates, gatt.Update{Channel: gatt.BatteryLevel, Value: gatt.Uint8(r.Battery)})
	}
	return updates
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
