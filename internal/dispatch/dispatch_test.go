package dispatch

import (
	"context"
	"errors"
	"testing"

	"telemetry-bridge/internal/envelope"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"sensors/esp32-01/temp", "sensors/esp32-01/temp", true},
		{"sensors/+/temp", "sensors/esp32-01/temp", true},
		{"sensors/+/hum", "sensors/esp32-01/temp", false},
		{"sensors/+", "sensors/esp32-01/temp", false},
		{"sensors/+/temp/x", "sensors/esp32-01/temp", false},
		{"sensors/#", "sensors/esp32-01/temp", true},
		{"sensors/#", "sensors", true},
		{"#", "anything/at/all", true},
		{"+/+/+", "a/b/c", true},
		{"+", "", true},
		{"sensors/+/temp", "sensors//temp", true},
	}
	for _, tt := range tests {
		if got := Match(tt.pattern, tt.topic); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
		}
	}
}

func TestValidatePattern(t *testing.T) {
	for _, p := range []string{"a/b", "+", "#", "a/+/c", "a/#"} {
		if err := ValidatePattern(p); err != nil {
			t.Errorf("ValidatePattern(%q) = %v", p, err)
		}
	}
	for _, p := range []string{"", "a/#/c", "a+/b", "a/b#"} {
		if err := ValidatePattern(p); !errors.Is(err, ErrInvalidPattern) {
			t.Errorf("ValidatePattern(%q) = %v, want ErrInvalidPattern", p, err)
		}
	}
}

func TestPublish_DeliversToMatchingHandlersInOrder(t *testing.T) {
	r := NewRouter()
	var got []string
	record := func(name string) Handler {
		return func(context.Context, envelope.Telemetry) error {
			got = append(got, name)
			return nil
		}
	}
	mustSubscribe(t, r, "sensors/+/temp", record("wildcard"))
	mustSubscribe(t, r, "sensors/+/hum", record("hum"))
	mustSubscribe(t, r, "sensors/esp32-01/temp", record("exact"))

	failures := r.Publish(context.Background(), envelope.Telemetry{DeviceID: "esp32-01", Topic: "sensors/esp32-01/temp"})
	if len(failures) != 0 {
		t.Fatalf("failures = %v", failures)
	}
	if len(got) != 2 || got[0] != "wildcard" || got[1] != "exact" {
		t.Errorf("delivered to %v, want [wildcard exact]", got)
	}
}

func TestPublish_IsolatesHandlerFailures(t *testing.T) {
	r := NewRouter()
	boom := errors.New("boom")
	var reached bool

	mustSubscribe(t, r, "#", func(context.Context, envelope.Telemetry) error { return boom })
	mustSubscribe(t, r, "#", func(context.Context, envelope.Telemetry) error { panic("handler exploded") })
	mustSubscribe(t, r, "#", func(context.Context, envelope.Telemetry) error {
		reached = true
		return nil
	})

	failures := r.Publish(context.Background(), envelope.Telemetry{Topic: "a/b"})
	if !reached {
		t.Fatal("handler after failing ones was not called")
	}
	if len(failures) != 2 {
		t.Fatalf("failures = %v, want 2", failures)
	}
	for _, f := range failures {
		if !errors.Is(f, ErrHandlerFailure) {
			t.Errorf("failure %v does not match ErrHandlerFailure", f)
		}
	}
	if !errors.Is(failures[0], boom) {
		t.Errorf("first failure %v does not wrap the handler error", failures[0])
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	r := NewRouter()
	calls := 0
	unsubscribe := mustSubscribe(t, r, "a/+", func(context.Context, envelope.Telemetry) error {
		calls++
		return nil
	})

	r.Publish(context.Background(), envelope.Telemetry{Topic: "a/b"})
	unsubscribe()
	unsubscribe()
	r.Publish(context.Background(), envelope.Telemetry{Topic: "a/b"})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestSubscribe_Rejects(t *testing.T) {
	r := NewRouter()
	if _, err := r.Subscribe("a/#/b", func(context.Context, envelope.Telemetry) error { return nil }); err == nil {
		t.Error("Subscribe with invalid pattern: error = nil")
	}
	if _, err := r.Subscribe("a", nil); err == nil {
		t.Error("Subscribe with nil handler: error = nil")
	}
}

func TestPublish_HandlerMaySubscribe(t *testing.T) {
	r := NewRouter()
	mustSubscribe(t, r, "#", func(context.Context, envelope.Telemetry) error {
		_, err := r.Subscribe("late", func(context.Context, envelope.Telemetry) error { return nil })
		return err
	})
	if failures := r.Publish(context.Background(), envelope.Telemetry{Topic: "x"}); len(failures) != 0 {
		t.Fatalf("failures = %v", failures)
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func mustSubscribe(t *testing.T, r *Router, pattern string, h Handler) func() {
	t.Helper()
	unsubscribe, err := r.Subscribe(pattern, h)
	if err != nil {
		t.Fatalf("Subscribe(%q): %v", pattern, err)
	}
	return unsubscribe
}
