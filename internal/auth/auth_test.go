package auth

import (
	"errors"
	"testing"
)

func TestNewGate_Validation(t *testing.T) {
	if _, err := NewGate("", 3); err == nil {
		t.Error("NewGate with empty secret: error = nil, want non-nil")
	}
	if _, err := NewGate("key", 0); err == nil {
		t.Error("NewGate with zero threshold: error = nil, want non-nil")
	}
	g, err := NewGate("key", 2)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if g.MaxFailures() != 2 {
		t.Errorf("MaxFailures = %d, want 2", g.MaxFailures())
	}
}

func TestAuthenticate_Success(t *testing.T) {
	g, _ := NewGate("s3cret", 3)
	s := NewSession()

	if err := s.Authorize(); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("Authorize before auth = %v, want ErrNotAuthenticated", err)
	}

	res, err := g.Authenticate(s, "s3cret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if res != Success {
		t.Errorf("Result = %v, want success", res)
	}
	if s.State() != Authenticated {
		t.Errorf("State = %v, want authenticated", s.State())
	}
	if err := s.Authorize(); err != nil {
		t.Errorf("Authorize after auth = %v, want nil", err)
	}
}

func TestAuthenticate_ThresholdClosesSession(t *testing.T) {
	const threshold = 3
	g, _ := NewGate("s3cret", threshold)
	s := NewSession()

	for i := 1; i < threshold; i++ {
		res, err := g.Authenticate(s, "wrong")
		if err != nil {
			t.Fatalf("attempt %d: err = %v, want nil", i, err)
		}
		if res != Failure {
			t.Fatalf("attempt %d: Result = %v, want failure", i, res)
		}
		if s.State() != Unauthenticated {
			t.Fatalf("attempt %d: State = %v, want unauthenticated", i, s.State())
		}
		if s.Failures() != i {
			t.Fatalf("attempt %d: Failures = %d", i, s.Failures())
		}
	}

	_, err := g.Authenticate(s, "wrong")
	if !errors.Is(err, ErrAuthExhausted) {
		t.Fatalf("attempt %d: err = %v, want ErrAuthExhausted", threshold, err)
	}
	if s.State() != Closed {
		t.Errorf("State = %v, want closed", s.State())
	}

	// A closed session can no longer be authenticated.
	if _, err := g.Authenticate(s, "s3cret"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Authenticate on closed session = %v, want ErrSessionClosed", err)
	}
	if err := s.Authorize(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Authorize on closed session = %v, want ErrSessionClosed", err)
	}
}

func TestAuthenticate_SuccessResetsConsecutiveFailures(t *testing.T) {
	g, _ := NewGate("s3cret", 2)
	s := NewSession()

	if _, err := g.Authenticate(s, "wrong"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, err := g.Authenticate(s, "s3cret"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if s.Failures() != 0 {
		t.Fatalf("Failures = %d, want 0", s.Failures())
	}
	if _, err := g.Authenticate(s, "wrong"); err != nil {
		t.Fatalf("first failure after success closed the session: %v", err)
	}
	if s.State() != Unauthenticated {
		t.Errorf("State = %v, want unauthenticated", s.State())
	}
}

func TestAuthenticate_KeyOfDifferentLength(t *testing.T) {
	g, _ := NewGate("s3cret", 5)
	for _, key := range []string{"", "s", "s3cre", "s3cret ", "s3cret-but-much-longer"} {
		res, err := g.Authenticate(NewSession(), key)
		if err != nil || res != Failure {
			t.Errorf("Authenticate(%q) = %v, %v; want failure, nil", key, res, err)
		}
	}
}

func TestSession_Close(t *testing.T) {
	s := NewSession()
	if !s.Close() {
		t.Error("first Close = false, want true")
	}
	if s.Close() {
		t.Error("second Close = true, want false")
	}
	if NewSession().ID() == s.ID() {
		t.Error("sessions share an id")
	}
}
