package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"cloudpico-node/internal/gatt"
)

// captureHandler records log records for assertion in tests.
type captureHandler struct {
	mu    sync.Mutex
	attrs []map[string]slog.Value
}

func (h *captureHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := make(map[string]slog.Value)
	m["msg"] = slog.StringValue(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value
		return true
	})
	h.attrs = append(h.attrs, m)
	return nil
}

func (h *captureHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }

func (h *captureHandler) WithGroup(_ string) slog.Handler { return h }

func (h *captureHandler) recordsFor(msg string) []map[string]slog.Value {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []map[string]slog.Value
	for _, m := range h.attrs {
		if m["msg"].String() == msg {
			out = append(out, m)
		}
	}
	return out
}

// fakeTable records attribute table writes.
type fakeTable struct {
	mu     sync.Mutex
	values map[gatt.ChannelID][]byte
	err    error
}

func (t *fakeTable) SetValue(id gatt.ChannelID, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	if t.values == nil {
		t.values = make(map[gatt.ChannelID][]byte)
	}
	t.values[id] = append([]byte(nil), payload...)
	return nil
}

func (t *fakeTable) get(id gatt.ChannelID) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.values[id]
}

// fakeLink is a connected peer driven by the test.
type fakeLink struct {
	peer   string
	events chan Event

	mu        sync.Mutex
	notified  []gatt.Update
	notifyErr error
	closed    bool
	closeOnce sync.Once
	closedCh  chan struct{}
}

func newFakeLink(peer string) *fakeLink {
	return &fakeLink{
		peer:     peer,
		events:   make(chan Event, 8),
		closedCh: make(chan struct{}),
	}
}

func (l *fakeLink) Peer() string         { return l.peer }
func (l *fakeLink) Events() <-chan Event { return l.events }

func (l *fakeLink) Notify(id gatt.ChannelID, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.notifyErr != nil {
		return l.notifyErr
	}
	d, _ := gatt.Lookup(id)
	v, err := gatt.Decode(d.Type, payload)
	if err != nil {
		return err
	}
	l.notified = append(l.notified, gatt.Update{Channel: id, Value: v})
	return nil
}

func (l *fakeLink) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.closedCh)
	})
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) notifications() []gatt.Update {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]gatt.Update(nil), l.notified...)
}

// fakeStack hands out links queued by the test, one per Advertise call.
type fakeStack struct {
	fakeTable

	links      chan *fakeLink
	advertised chan Advertisement
	advErrs    chan error
}

func newFakeStack() *fakeStack {
	return &fakeStack{
		links:      make(chan *fakeLink, 4),
		advertised: make(chan Advertisement, 16),
		advErrs:    make(chan error, 4),
	}
}

func (s *fakeStack) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *fakeStack) Advertise(ctx context.Context, adv Advertisement) (Link, error) {
	s.advertised <- adv
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-s.advErrs:
		return nil, err
	case l := <-s.links:
		return l, nil
	}
}

// blockingActivity runs until cancelled and reports its lifecycle.
type blockingActivity struct {
	started chan uint64
	stopped chan error
	session *Session
}

func newBlockingActivity(s *Session) *blockingActivity {
	return &blockingActivity{
		started: make(chan uint64, 4),
		stopped: make(chan error, 4),
		session: s,
	}
}

func (a *blockingActivity) Run(ctx context.Context) error {
	a.started <- a.session.Epoch()
	<-ctx.Done()
	a.stopped <- ctx.Err()
	return ctx.Err()
}

type activityFunc func(ctx context.Context) error

func (f activityFunc) Run(ctx context.Context) error { return f(ctx) }

var errBoom = errors.New("boom")

func waitFor[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", what)
}
