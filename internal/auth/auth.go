// Package auth gates telemetry ingestion on a shared key, one session per
// client connection.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrAuthExhausted    = errors.New("authentication attempts exhausted")
	ErrSessionClosed    = errors.New("session closed")
)

// State is the authentication state of a session.
type State int

const (
	Unauthenticated State = iota
	Authenticated
	Closed
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Result is the outcome of one Authenticate call.
type Result int

const (
	Failure Result = iota
	Success
)

func (r Result) String() string {
	if r == Success {
		return "success"
	}
	return "failure"
}

// Gate compares presented keys against the configured secret.
type Gate struct {
	digest      [32]byte
	maxFailures int
}

// NewGate returns a Gate for secret. A session is closed after maxFailures
// consecutive failed attempts.
func NewGate(secret string, maxFailures int) (*Gate, error) {
	if secret == "" {
		return nil, errors.New("auth secret must not be empty")
	}
	if maxFailures < 1 {
		return nil, fmt.Errorf("max failures must be >= 1, got %d", maxFailures)
	}
	return &Gate{digest: blake3.Sum256([]byte(secret)), maxFailures: maxFailures}, nil
}

// MaxFailures returns the configured consecutive-failure threshold.
func (g *Gate) MaxFailures() int { return g.maxFailures }

// Authenticate checks key for s. Both sides are digested first so the
// comparison is constant-time regardless of key length.
//
// A wrong key leaves the session unauthenticated (an authenticated session
// presenting a wrong key loses its authentication). When the consecutive
// failure count reaches the threshold the session is closed and
// ErrAuthExhausted is returned.
func (g *Gate) Authenticate(s *Session, key string) (Result, error) {
	presented := blake3.Sum256([]byte(key))
	ok := subtle.ConstantTimeCompare(presented[:], g.digest[:]) == 1

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closed {
		return Failure, ErrSessionClosed
	}
	if ok {
		s.state = Authenticated
		s.failures = 0
		return Success, nil
	}

	s.state = Unauthenticated
	s.failures++
	if s.failures >= g.maxFailures {
		s.state = Closed
		return Failure, ErrAuthExhausted
	}
	return Failure, nil
}

// Session is the authentication state of one connection.
type Session struct {
	id uuid.UUID

	mu       sync.Mutex
	state    State
	failures int
}

// NewSession returns an unauthenticated session with a fresh id.
func NewSession() *Session {
	return &Session{id: uuid.New()}
}

func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failures returns the current consecutive failure count.
func (s *Session) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Authorize reports whether telemetry may be ingested on s.
func (s *Session) Authorize() error {
	switch s.State() {
	case Authenticated:
		return nil
	case Closed:
		return ErrSessionClosed
	default:
		return ErrNotAuthenticated
	}
}

// Close moves s to Closed. It reports whether this call closed it.
func (s *Session) Close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return false
	}
	s.state = Closed
	return true
}
