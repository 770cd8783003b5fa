package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"cloudpico-node/internal/gatt"
	"cloudpico-node/internal/session"
)

type fixedState session.State

func (s fixedState) State() session.State { return session.State(s) }

type fixedStats struct{ cycles, faults uint64 }

func (s fixedStats) Stats() (uint64, uint64) { return s.cycles, s.faults }

type stubLink struct{}

func (stubLink) Peer() string                        { return "AA:BB:CC:DD:EE:FF" }
func (stubLink) Events() <-chan session.Event        { return nil }
func (stubLink) Notify(gatt.ChannelID, []byte) error { return nil }
func (stubLink) Close() error                        { return nil }

func newTestServer(t *testing.T, deps Deps) *httptest.Server {
	t.Helper()

	srv := NewServer(":0", NewMux(deps))
	ts := httptest.NewServer(srv.Handler)

	t.Cleanup(ts.Close)
	return ts
}

func newSession() *session.Session {
	return session.NewSession(gatt.NewRegistry(), nil, slog.New(slog.DiscardHandler))
}

func mustGetJSON[T any](t *testing.T, client *http.Client, url string, out *T) *http.Response {
	t.Helper()

	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, Deps{
		Server:  fixedState(session.Advertising),
		Session: newSession(),
		Stats:   fixedStats{cycles: 12, faults: 1},
	})

	var body map[string]any
	resp := mustGetJSON(t, ts.Client(), ts.URL+"/healthz", &body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want=%d", resp.StatusCode, http.StatusOK)
	}
	if body["status"] != "ok" {
		t.Fatalf("body.status=%v want=ok", body["status"])
	}
	if body["state"] != "advertising" {
		t.Errorf("body.state=%v want=advertising", body["state"])
	}
	if body["cycles"] != float64(12) || body["faults"] != float64(1) {
		t.Errorf("cycles/faults = %v/%v want 12/1", body["cycles"], body["faults"])
	}
}

func TestChannels(t *testing.T) {
	sess := newSession()
	sess.Attach(stubLink{})
	if err := sess.SetSubscribed(gatt.Temperature, true); err != nil {
		t.Fatal(err)
	}
	if err := sess.Cache(gatt.Temperature, gatt.Int16(2345)); err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, Deps{Server: fixedState(session.Connected), Session: sess})

	var body channelList
	resp := mustGetJSON(t, ts.Client(), ts.URL+"/channels", &body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want=%d", resp.StatusCode, http.StatusOK)
	}
	if !body.Connected || body.Epoch != 1 || body.Peer != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("connection = %+v", body)
	}
	if len(body.Channels) != len(gatt.Describe()) {
		t.Fatalf("got %d channels, want %d", len(body.Channels), len(gatt.Describe()))
	}
	temp := body.Channels[0]
	want := channel{
		Name:       "temperature",
		UUID:       "00002a6e-0000-1000-8000-00805f9b34fb",
		Service:    "0x181A",
		Type:       "int16",
		Value:      2345,
		Raw:        "2909",
		Written:    true,
		Subscribed: true,
	}
	if temp != want {
		t.Errorf("temperature = %+v\nwant %+v", temp, want)
	}
	if hum := body.Channels[1]; hum.Written || hum.Subscribed || hum.Value != 0 {
		t.Errorf("humidity = %+v, want untouched", hum)
	}
}

func TestChannelByName(t *testing.T) {
	ts := newTestServer(t, Deps{Server: fixedState(session.Idle), Session: newSession()})

	var ch channel
	resp := mustGetJSON(t, ts.Client(), ts.URL+"/channels/air_quality", &ch)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want=%d", resp.StatusCode, http.StatusOK)
	}
	if ch.UUID != gatt.AirQualityUUID.String() || ch.Type != "uint8" {
		t.Errorf("air quality = %+v", ch)
	}

	var errBody map[string]any
	resp = mustGetJSON(t, ts.Client(), ts.URL+"/channels/co2", &errBody)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d want=%d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, Deps{Server: fixedState(session.Idle), Session: newSession()})

	resp, err := ts.Client().Post(ts.URL+"/healthz", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status=%d want=%d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
}

type recordHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *recordHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordHandler) WithGroup(string) slog.Handler      { return h }

func TestRequestLogger_IncludesLinkState(t *testing.T) {
	sess := newSession()
	sess.Attach(stubLink{})
	logs := &recordHandler{}
	h := NewMux(Deps{Server: fixedState(session.Connected), Session: sess, Logger: slog.New(logs)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	logs.mu.Lock()
	defer logs.mu.Unlock()
	if len(logs.records) != 1 {
		t.Fatalf("got %d log records, want 1", len(logs.records))
	}
	r := logs.records[0]
	if r.Message != "diag: request" || r.Level != slog.LevelDebug {
		t.Errorf("record = %q at %s", r.Message, r.Level)
	}
	got := map[string]string{}
	r.Attrs(func(a slog.Attr) bool {
		got[a.Key] = a.Value.String()
		return true
	})
	want := map[string]string{"path": "/healthz", "status": "200", "state": "connected", "epoch": "1"}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}
