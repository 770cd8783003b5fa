package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"cloudpico-node/internal/gatt"
)

func newTestSession(t *testing.T) (*Session, *fakeTable) {
	t.Helper()
	table := &fakeTable{}
	return NewSession(gatt.NewRegistry(), table, slog.New(&captureHandler{})), table
}

func loadInt(t *testing.T, s *Session, id gatt.ChannelID) int64 {
	t.Helper()
	v, err := s.Registry().Load(id)
	if err != nil {
		t.Fatalf("Load(%s) error = %v", id, err)
	}
	return v.Int()
}

func TestNotify_NoConnectionStillCaches(t *testing.T) {
	s, table := newTestSession(t)

	err := s.Notify(gatt.Temperature, gatt.Int16(2345))
	if !errors.Is(err, ErrNoConnection) {
		t.Fatalf("Notify() error = %v, want ErrNoConnection", err)
	}
	var nerr *NotifyError
	if !errors.As(err, &nerr) || nerr.Kind != NoConnection || nerr.Channel != gatt.Temperature {
		t.Fatalf("Notify() error = %#v, want *NotifyError{NoConnection, temperature}", err)
	}
	if got := loadInt(t, s, gatt.Temperature); got != 2345 {
		t.Errorf("cached temperature = %d, want 2345", got)
	}
	if got := table.get(gatt.Temperature); !bytes.Equal(got, gatt.Int16(2345).Encode()) {
		t.Errorf("attribute table = % X, want % X", got, gatt.Int16(2345).Encode())
	}
}

func TestNotify_Outcomes(t *testing.T) {
	tests := []struct {
		name      string
		subscribe bool
		linkErr   error
		want      error
		wantPush  bool
	}{
		{name: "not subscribed", subscribe: false, want: ErrNotSubscribed},
		{name: "subscribed", subscribe: true, want: nil, wantPush: true},
		{name: "link busy", subscribe: true, linkErr: ErrLinkBusy, want: ErrLinkBusy},
		{name: "link gone", subscribe: true, linkErr: ErrLinkTerminated, want: ErrNoConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestSession(t)
			link := newFakeLink("peer")
			link.notifyErr = tt.linkErr
			s.Attach(link)
			if tt.subscribe {
				if err := s.SetSubscribed(gatt.Humidity, true); err != nil {
					t.Fatalf("SetSubscribed() error = %v", err)
				}
			}

			err := s.Notify(gatt.Humidity, gatt.Uint16(5012))
			if tt.want == nil && err != nil {
				t.Fatalf("Notify() error = %v, want nil", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("Notify() error = %v, want %v", err, tt.want)
			}
			if got := loadInt(t, s, gatt.Humidity); got != 5012 {
				t.Errorf("cached humidity = %d, want 5012", got)
			}
			if pushed := len(link.notifications()) == 1; pushed != tt.wantPush {
				t.Errorf("pushed = %v, want %v", pushed, tt.wantPush)
			}
		})
	}
}

func TestCache_MirrorFailure(t *testing.T) {
	s, table := newTestSession(t)
	table.err = errors.New("attribute table full")

	err := s.Cache(gatt.Pressure, gatt.Uint32(1013200))
	if err == nil {
		t.Fatal("Cache() error = nil, want mirror error")
	}
	if got := loadInt(t, s, gatt.Pressure); got != 1013200 {
		t.Errorf("registry pressure = %d, want 1013200 despite mirror failure", got)
	}
}

func TestCache_TypeMismatch(t *testing.T) {
	s, _ := newTestSession(t)
	err := s.Cache(gatt.Pressure, gatt.Uint8(1))
	if !errors.Is(err, gatt.ErrTypeMismatch) {
		t.Fatalf("Cache() error = %v, want ErrTypeMismatch", err)
	}
}

func TestAttach_ResetsSubscriptionsAndBumpsEpoch(t *testing.T) {
	s, _ := newTestSession(t)

	first := s.Attach(newFakeLink("a"))
	for _, d := range gatt.Describe() {
		if err := s.SetSubscribed(d.ID, true); err != nil {
			t.Fatalf("SetSubscribed(%s) error = %v", d.Name, err)
		}
	}
	s.Detach(first)
	if s.Current() != nil {
		t.Fatal("Current() != nil after Detach")
	}

	second := s.Attach(newFakeLink("b"))
	if second.Epoch != first.Epoch+1 {
		t.Errorf("epoch = %d, want %d", second.Epoch, first.Epoch+1)
	}
	for _, d := range gatt.Describe() {
		if s.Subscribed(d.ID) {
			t.Errorf("%s subscribed on fresh connection", d.Name)
		}
	}
}

func TestDetach_IgnoresStaleConnection(t *testing.T) {
	s, _ := newTestSession(t)
	old := s.Attach(newFakeLink("a"))
	current := s.Attach(newFakeLink("b"))

	s.Detach(old)
	if s.Current() != current {
		t.Fatal("Detach(stale) dropped the active connection")
	}
}

func TestSetSubscribed_NoConnection(t *testing.T) {
	s, _ := newTestSession(t)
	if err := s.SetSubscribed(gatt.Temperature, true); !errors.Is(err, ErrNoConnection) {
		t.Fatalf("SetSubscribed() error = %v, want ErrNoConnection", err)
	}
	if err := s.SetSubscribed(gatt.ChannelID(99), true); !errors.Is(err, gatt.ErrUnknownChannel) {
		t.Fatalf("SetSubscribed(unknown) error = %v, want ErrUnknownChannel", err)
	}
}

func batch() []gatt.Update {
	return []gatt.Update{
		{Channel: gatt.Temperature, Value: gatt.Int16(2345)},
		{Channel: gatt.Humidity, Value: gatt.Uint16(5012)},
		{Channel: gatt.Pressure, Value: gatt.Uint32(1013200)},
		{Channel: gatt.AirQuality, Value: gatt.Uint8(40)},
	}
}

func TestPublish_TemperatureOnlySubscriber(t *testing.T) {
	s, _ := newTestSession(t)
	link := newFakeLink("peer")
	s.Attach(link)
	if err := s.SetSubscribed(gatt.Temperature, true); err != nil {
		t.Fatalf("SetSubscribed() error = %v", err)
	}

	for cycle := 0; cycle < 3; cycle++ {
		if err := s.Publish(context.Background(), batch()); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	pushed := link.notifications()
	if len(pushed) != 3 {
		t.Fatalf("pushed %d updates, want 3", len(pushed))
	}
	for _, u := range pushed {
		if u.Channel != gatt.Temperature {
			t.Errorf("pushed %s, only temperature is subscribed", u.Channel)
		}
	}
	for _, u := range batch() {
		if got := loadInt(t, s, u.Channel); got != u.Value.Int() {
			t.Errorf("cached %s = %d, want %d", u.Channel, got, u.Value.Int())
		}
	}
}

func TestPublish_CancelledDropsWholeBatch(t *testing.T) {
	s, table := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Publish(ctx, batch()); !errors.Is(err, context.Canceled) {
		t.Fatalf("Publish() error = %v, want context.Canceled", err)
	}
	for _, e := range s.Registry().Snapshot() {
		if e.Written {
			t.Errorf("%s written by cancelled batch", e.Name)
		}
		if table.get(e.ID) != nil {
			t.Errorf("%s mirrored by cancelled batch", e.Name)
		}
	}
}

func TestPublish_StructuralFailureKeepsOtherChannels(t *testing.T) {
	s, _ := newTestSession(t)
	updates := batch()
	updates[1].Value = gatt.Uint8(1) // humidity has the wrong type

	err := s.Publish(context.Background(), updates)
	if !errors.Is(err, gatt.ErrTypeMismatch) {
		t.Fatalf("Publish() error = %v, want ErrTypeMismatch", err)
	}
	if got := loadInt(t, s, gatt.Temperature); got != 2345 {
		t.Errorf("temperature = %d, want 2345", got)
	}
	if got := loadInt(t, s, gatt.Humidity); got != 0 {
		t.Errorf("humidity = %d, want untouched 0", got)
	}
	if got := loadInt(t, s, gatt.AirQuality); got != 40 {
		t.Errorf("air quality = %d, want 40", got)
	}
}

// callLog records push and mirror calls in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, s)
}

type loggingTable struct{ log *callLog }

func (t loggingTable) SetValue(id gatt.ChannelID, _ []byte) error {
	t.log.add("mirror " + id.String())
	return nil
}

type loggingLink struct {
	*fakeLink
	log *callLog
}

func (l loggingLink) Notify(id gatt.ChannelID, payload []byte) error {
	l.log.add("push " + id.String())
	return l.fakeLink.Notify(id, payload)
}

func TestPublish_PushesBeforeMirroring(t *testing.T) {
	calls := &callLog{}
	s := NewSession(gatt.NewRegistry(), loggingTable{log: calls}, slog.New(&captureHandler{}))
	s.Attach(loggingLink{fakeLink: newFakeLink("peer"), log: calls})
	if err := s.SetSubscribed(gatt.Temperature, true); err != nil {
		t.Fatalf("SetSubscribed() error = %v", err)
	}

	if err := s.Publish(context.Background(), batch()[:2]); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := s.Notify(gatt.Temperature, gatt.Int16(2400)); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	want := []string{
		"push temperature", "mirror temperature",
		"mirror humidity",
		"push temperature", "mirror temperature",
	}
	calls.mu.Lock()
	defer calls.mu.Unlock()
	if len(calls.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls.calls, want)
	}
	for i := range want {
		if calls.calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, calls.calls[i], want[i])
		}
	}
}
