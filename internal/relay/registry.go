// Package relay accepts audio clients over WebSocket, runs one transcoding
// and transcription session per client, and fans every transcript chunk out
// to all connected clients.
package relay

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/transcript-relay/internal/observability"
)

// Recipient is anything a transcript can be delivered to. Broadcast sends to
// recipients one after another, so Send must not block on a slow peer.
type Recipient interface {
	ID() string
	Send(text string) error
}

// Registry is the set of sessions that receive broadcasts
type Registry struct {
	mu      sync.RWMutex
	members map[string]Recipient
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		members: make(map[string]Recipient),
		logger:  logger,
	}
}

// Register adds r. Registering the same recipient twice is a no-op and
// returns false.
func (r *Registry) Register(rec Recipient) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[rec.ID()]; ok {
		return false
	}
	r.members[rec.ID()] = rec
	return true
}

// Unregister removes r. It returns false if r was not registered.
func (r *Registry) Unregister(rec Recipient) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[rec.ID()]; !ok {
		return false
	}
	delete(r.members, rec.ID())
	return true
}

// Len returns the number of registered recipients
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast delivers text to every recipient registered at the time of the
// call and returns how many deliveries succeeded. Sends happen outside the
// lock; a failing recipient is logged and skipped.
func (r *Registry) Broadcast(text string) int {
	r.mu.RLock()
	snapshot := make([]Recipient, 0, len(r.members))
	for _, rec := range r.members {
		snapshot = append(snapshot, rec)
	}
	r.mu.RUnlock()

	delivered := 0
	failed := 0
	for _, rec := range snapshot {
		if err := rec.Send(text); err != nil {
			failed++
			r.logger.Warn().
				Err(err).
				Str("session_id", rec.ID()).
				Msg("Transcript delivery failed")
			continue
		}
		delivered++
	}

	observability.RecordBroadcast(delivered, failed)
	return delivered
}
