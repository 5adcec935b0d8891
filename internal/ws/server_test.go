package ws

import (
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"telemetry-bridge/internal/auth"
	"telemetry-bridge/internal/dispatch"
	"telemetry-bridge/internal/envelope"
	"telemetry-bridge/internal/ingest"
	"telemetry-bridge/internal/metrics"
	"telemetry-bridge/internal/sequence"
	"telemetry-bridge/internal/stats"
)

type fixture struct {
	url     string
	hub     *Hub
	agg     *stats.Aggregator
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, sendBuffer int) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gate, err := auth.NewGate("s3cret", 3)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	m := metrics.New()
	agg := stats.NewAggregator()
	router := dispatch.NewRouter()
	proc := ingest.NewProcessor(gate, sequence.NewTracker(sequence.PolicyReject), agg, router, m, logger)

	hub := NewHub(m, logger)
	if _, err := router.Subscribe("#", hub.Relay); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	srv := httptest.NewServer(NewServer(proc, hub, Options{WriteTimeout: time.Second, SendBuffer: sendBuffer}, logger))
	t.Cleanup(srv.Close)

	return &fixture{
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		hub:     hub,
		agg:     agg,
		metrics: m,
	}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func receive(t *testing.T, conn *websocket.Conn) envelope.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := envelope.Decode(raw)
	if err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return msg
}

func expectAuthResponse(t *testing.T, conn *websocket.Conn, status envelope.Status, message string) {
	t.Helper()
	msg := receive(t, conn)
	r, ok := msg.(envelope.AuthResponse)
	if !ok {
		t.Fatalf("got %#v, want auth_response", msg)
	}
	if r.Status != status || r.Message != message {
		t.Fatalf("auth_response = %+v, want %s %q", r, status, message)
	}
}

const telemetryFrame = `{"type":"mqtt","topic":"classroom/esp32-01/telemetry","payload":{"deviceId":"esp32-01","ts":1717000000,"seq":1,"tempC":22.5,"humPct":41,"batteryPct":97}}`

func TestServer_AuthenticateThenRelay(t *testing.T) {
	f := newFixture(t, 8)
	publisher := f.dial(t)
	watcher := f.dial(t)
	stranger := f.dial(t)

	send(t, publisher, `{"type":"auth","key":"s3cret"}`)
	expectAuthResponse(t, publisher, envelope.StatusSuccess, "Authenticated successfully")
	send(t, watcher, `{"type":"auth","key":"s3cret"}`)
	expectAuthResponse(t, watcher, envelope.StatusSuccess, "Authenticated successfully")

	send(t, publisher, telemetryFrame)

	for name, conn := range map[string]*websocket.Conn{"publisher": publisher, "watcher": watcher} {
		msg := receive(t, conn)
		m, ok := msg.(envelope.MQTT)
		if !ok {
			t.Fatalf("%s got %#v, want mqtt envelope", name, msg)
		}
		if m.Topic != "classroom/esp32-01/telemetry" || m.Payload.DeviceID != "esp32-01" || m.Payload.TempC != 22.5 {
			t.Errorf("%s relay = %+v", name, m)
		}
	}

	// The unauthenticated connection saw no relay; its own telemetry is refused.
	send(t, stranger, telemetryFrame)
	expectAuthResponse(t, stranger, envelope.StatusFailure, "Authentication required")

	if got := f.agg.Snapshot().Count; got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}
}

func TestServer_ClosesAfterExhaustedAttempts(t *testing.T) {
	f := newFixture(t, 8)
	conn := f.dial(t)

	for i := 0; i < 2; i++ {
		send(t, conn, `{"type":"auth","key":"wrong"}`)
		expectAuthResponse(t, conn, envelope.StatusFailure, "Invalid authentication key")
	}
	send(t, conn, `{"type":"auth","key":"wrong"}`)
	expectAuthResponse(t, conn, envelope.StatusFailure, "Too many failed authentication attempts")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("read after exhaustion = %v, want close %d", err, websocket.ClosePolicyViolation)
	}
	if got := testutil.ToFloat64(f.metrics.AuthExhaustedTotal); got != 1 {
		t.Errorf("auth exhausted = %v, want 1", got)
	}
}

func TestServer_IgnoresBadEnvelopes(t *testing.T) {
	f := newFixture(t, 8)
	conn := f.dial(t)

	send(t, conn, `not json`)
	send(t, conn, `{"type":"subscribe"}`)
	send(t, conn, `{"type":"auth","key":"s3cret"}`)
	expectAuthResponse(t, conn, envelope.StatusSuccess, "Authenticated successfully")
}

func TestServer_DisconnectUnregisters(t *testing.T) {
	f := newFixture(t, 8)
	conn := f.dial(t)
	send(t, conn, `{"type":"auth","key":"s3cret"}`)
	expectAuthResponse(t, conn, envelope.StatusSuccess, "Authenticated successfully")

	if f.hub.Len() != 1 {
		t.Fatalf("Len = %d, want 1", f.hub.Len())
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Len = %d after disconnect, want 0", f.hub.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := testutil.ToFloat64(f.metrics.ActiveConnections); got != 0 {
		t.Errorf("active connections = %v, want 0", got)
	}
}

func TestHub_RelayDropsWhenBufferFull(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	hub := NewHub(m, logger)

	c := &client{session: auth.NewSession(), send: make(chan []byte, 1), done: make(chan struct{})}
	gate, err := auth.NewGate("k", 3)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if _, err := gate.Authenticate(c.session, "k"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	hub.add(c)
	pending := &client{session: auth.NewSession(), send: make(chan []byte, 1), done: make(chan struct{})}
	hub.add(pending)

	rec := envelope.Telemetry{DeviceID: "d", Seq: 1, Topic: "a/d"}
	for i := 0; i < 3; i++ {
		if err := hub.Relay(t.Context(), rec); err != nil {
			t.Fatalf("Relay: %v", err)
		}
	}

	if len(c.send) != 1 {
		t.Errorf("queued = %d, want 1", len(c.send))
	}
	if len(pending.send) != 0 {
		t.Errorf("unauthenticated client received %d frames", len(pending.send))
	}
	if got := testutil.ToFloat64(m.RelayDroppedTotal); got != 2 {
		t.Errorf("dropped = %v, want 2", got)
	}
}
