package app

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloudpico-node/internal/config"
	"cloudpico-node/internal/gatt"
	"cloudpico-node/internal/sensor"
	"cloudpico-node/internal/session"
)

type roomSensor struct{}

func (roomSensor) Initialize(context.Context) error { return nil }

func (roomSensor) Measure(context.Context) (sensor.Measurement, error) {
	return sensor.Measurement{TemperatureC: 23.45, HumidityPct: 50.12, PressurePa: 101320}, nil
}

type testLink struct {
	events chan session.Event

	mu       sync.Mutex
	notified map[gatt.ChannelID][]byte
}

func newTestLink() *testLink {
	return &testLink{events: make(chan session.Event, 8), notified: make(map[gatt.ChannelID][]byte)}
}

func (l *testLink) Peer() string                 { return "11:22:33:44:55:66" }
func (l *testLink) Events() <-chan session.Event { return l.events }
func (l *testLink) Close() error                 { return nil }

func (l *testLink) Notify(id gatt.ChannelID, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notified[id] = append([]byte(nil), payload...)
	return nil
}

func (l *testLink) last(id gatt.ChannelID) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notified[id]
}

type testStack struct {
	runErr error
	links  chan session.Link

	mu     sync.Mutex
	values map[gatt.ChannelID][]byte
}

func newTestStack() *testStack {
	return &testStack{links: make(chan session.Link, 1), values: make(map[gatt.ChannelID][]byte)}
}

func (s *testStack) Run(ctx context.Context) error {
	if s.runErr != nil {
		return s.runErr
	}
	<-ctx.Done()
	return nil
}

func (s *testStack) Advertise(ctx context.Context, _ session.Advertisement) (session.Link, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case l := <-s.links:
		return l, nil
	}
}

func (s *testStack) SetValue(id gatt.ChannelID, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[id] = append([]byte(nil), payload...)
	return nil
}

func (s *testStack) value(id gatt.ChannelID) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[id]
}

func testConfig() config.Config {
	return config.Config{
		DeviceName:      "cloudpico-enviro",
		DeviceShortName: "enviro",
		SampleInterval:  5 * time.Millisecond,
	}
}

func TestRun_RuntimeFaultIsFatal(t *testing.T) {
	stack := newTestStack()
	stack.runErr = errors.New("hci0: no such device")

	done := make(chan error, 1)
	go func() { done <- run(context.Background(), testConfig(), stack, &sensors{primary: roomSensor{}}, nil) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrRuntimeFault) {
			t.Fatalf("run() error = %v, want ErrRuntimeFault", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after runtime fault")
	}
}

func TestRun_ServesPeerUntilCancelled(t *testing.T) {
	stack := newTestStack()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, testConfig(), stack, &sensors{primary: roomSensor{}}, nil) }()

	link := newTestLink()
	stack.links <- link
	link.events <- session.SubscriptionChanged{Channel: gatt.Temperature, Enabled: true}

	want := gatt.Int16(2345).Encode()
	deadline := time.Now().Add(2 * time.Second)
	for !bytes.Equal(link.last(gatt.Temperature), want) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := link.last(gatt.Temperature); !bytes.Equal(got, want) {
		t.Fatalf("temperature notification = % X, want % X", got, want)
	}
	if got := link.last(gatt.Humidity); got != nil {
		t.Errorf("humidity pushed without subscription: % X", got)
	}
	if got := stack.value(gatt.Pressure); !bytes.Equal(got, gatt.Uint32(1013200).Encode()) {
		t.Errorf("pressure attribute = % X, want cached 1013200", got)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
