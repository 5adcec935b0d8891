// Package dispatch fans telemetry out to subscribers by topic pattern.
//
// Patterns use MQTT topic filter syntax: "+" matches exactly one level and
// a trailing "#" matches any number of remaining levels.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"telemetry-bridge/internal/envelope"
)

var (
	ErrHandlerFailure = errors.New("handler failure")
	ErrInvalidPattern = errors.New("invalid topic pattern")
)

// Handler consumes one record. A returned error is reported, it does not
// stop delivery to other handlers.
type Handler func(ctx context.Context, t envelope.Telemetry) error

// HandlerFailure describes one failed delivery.
type HandlerFailure struct {
	Pattern string
	Err     error
}

func (f HandlerFailure) Error() string {
	return fmt.Sprintf("handler for %q: %v", f.Pattern, f.Err)
}

func (f HandlerFailure) Unwrap() []error {
	return []error{ErrHandlerFailure, f.Err}
}

type subscription struct {
	id       uint64
	pattern  string
	segments []string
	handler  Handler
}

// Router holds subscriptions in registration order.
type Router struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64
}

func NewRouter() *Router {
	return &Router{}
}

// Subscribe registers h for pattern. The returned func removes it.
func (r *Router) Subscribe(pattern string, h Handler) (func(), error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, errors.New("nil handler")
	}

	r.mu.Lock()
	r.nextID++
	sub := &subscription{id: r.nextID, pattern: pattern, segments: strings.Split(pattern, "/"), handler: h}
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(sub.id) })
	}, nil
}

func (r *Router) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.id == id {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of subscriptions.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Publish delivers t to every matching handler in registration order and
// returns the failures. Handlers run without the router lock held.
func (r *Router) Publish(ctx context.Context, t envelope.Telemetry) []HandlerFailure {
	topic := strings.Split(t.Topic, "/")

	r.mu.RLock()
	matched := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		if matchSegments(s.segments, topic) {
			matched = append(matched, s)
		}
	}
	r.mu.RUnlock()

	var failures []HandlerFailure
	for _, s := range matched {
		if err := deliver(ctx, s.handler, t); err != nil {
			failures = append(failures, HandlerFailure{Pattern: s.pattern, Err: err})
		}
	}
	return failures
}

func deliver(ctx context.Context, h Handler, t envelope.Telemetry) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return h(ctx, t)
}

// ValidatePattern checks MQTT filter syntax.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	segs := strings.Split(pattern, "/")
	for i, s := range segs {
		switch {
		case s == "#":
			if i != len(segs)-1 {
				return fmt.Errorf("%w: %q: '#' must be the last level", ErrInvalidPattern, pattern)
			}
		case s == "+":
		case strings.ContainsAny(s, "+#"):
			return fmt.Errorf("%w: %q: wildcards must occupy a whole level", ErrInvalidPattern, pattern)
		}
	}
	return nil
}

// Match reports whether topic matches pattern.
func Match(pattern, topic string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(topic, "/"))
}

func matchSegments(pattern, topic []string) bool {
	for i, p := range pattern {
		if p == "#" {
			return true
		}
		if i >= len(topic) {
			return false
		}
		if p != "+" && p != topic[i] {
			return false
		}
	}
	return len(pattern) == len(topic)
}
