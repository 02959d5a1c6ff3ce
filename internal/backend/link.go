// Package backend connects a session to the transcription backend. A Link
// carries PCM toward the backend and text fragments back.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/lexiqai/transcript-relay/internal/observability"
	"github.com/lexiqai/transcript-relay/internal/resilience"
)

var (
	// ErrBackendUnavailable aborts session setup: the backend refused or
	// could not be reached.
	ErrBackendUnavailable = errors.New("backend: transcription backend unavailable")
	// ErrWrite means PCM could not be delivered to the backend.
	ErrWrite = errors.New("backend: write failed")
)

// Link is one session's connection to the transcription backend.
type Link interface {
	// Send writes PCM toward the backend, blocking under backpressure.
	Send(pcm []byte) error
	// Receive returns the next non-empty text chunk, or io.EOF once the
	// backend has nothing more to say.
	Receive() (string, error)
	// CloseWrite signals that no more PCM will be sent.
	CloseWrite() error
	// Close releases the connection. It is idempotent.
	Close() error
}

// Dialer opens Links to a fixed backend.
type Dialer interface {
	Dial(ctx context.Context) (Link, error)
}

// Prober is implemented by dialers that can check reachability without
// opening a session.
type Prober interface {
	Probe(ctx context.Context) error
}

// GuardedDialer routes dials through a circuit breaker so that a dead
// backend fails new sessions fast instead of each waiting for a timeout.
type GuardedDialer struct {
	next    Dialer
	breaker *resilience.CircuitBreaker
}

// NewGuardedDialer wraps next with breaker and mirrors the breaker's state
// into the circuit breaker metrics.
func NewGuardedDialer(next Dialer, breaker *resilience.CircuitBreaker) *GuardedDialer {
	breaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	})
	observability.UpdateCircuitBreakerState(breaker.Name(), int(breaker.State()))
	return &GuardedDialer{next: next, breaker: breaker}
}

// Dial opens a link unless the breaker is open
func (g *GuardedDialer) Dial(ctx context.Context) (Link, error) {
	var link Link
	err := g.breaker.Call(func() error {
		var err error
		link, err = g.next.Dial(ctx)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err != nil {
		observability.IncrementCircuitBreakerFailures(g.breaker.Name())
		return nil, err
	}
	return link, nil
}

// Probe reports an open breaker as unready, otherwise defers to the wrapped
// dialer's probe when it has one.
func (g *GuardedDialer) Probe(ctx context.Context) error {
	if g.breaker.State() == resilience.StateOpen {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, resilience.ErrCircuitOpen)
	}
	if p, ok := g.next.(Prober); ok {
		return p.Probe(ctx)
	}
	return nil
}
