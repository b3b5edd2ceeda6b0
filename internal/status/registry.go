// Package status pushes pipeline progress events to real-time channels keyed
// by message id. Delivery is best effort.
package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// NoInfo is the data value sent when a milestone carries no payload.
const NoInfo = "NoInfo"

// sendTimeout bounds a single event write so a stalled client cannot hold
// up the pipeline.
const sendTimeout = 2 * time.Second

// Event is the wire payload of a status message.
type Event struct {
	Type       string `json:"type"`
	MessageID  string `json:"messageId"`
	StatusText string `json:"statusText"`
	ElapsedMs  *int64 `json:"elapsedMs,omitempty"`
	Data       any    `json:"data"`
}

// Channel is an open real-time connection.
type Channel interface {
	Send(ctx context.Context, payload []byte) error
}

// Sender emits status milestones.
type Sender interface {
	Send(ctx context.Context, messageID, statusText string, elapsed time.Duration, data any)
}

// Registry maps message ids to live channels. One entry per registered
// message id; entries are removed eagerly when their channel closes.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register binds messageID to ch, replacing any previous binding.
func (r *Registry) Register(messageID string, ch Channel) {
	if messageID == "" || ch == nil {
		return
	}
	r.mu.Lock()
	r.channels[messageID] = ch
	r.mu.Unlock()
	slog.Debug("Status channel registered", "message_id", messageID)
}

// Unregister removes the binding for messageID.
func (r *Registry) Unregister(messageID string) {
	r.mu.Lock()
	delete(r.channels, messageID)
	r.mu.Unlock()
}

// UnregisterConn removes every binding to ch and returns how many there were.
func (r *Registry) UnregisterConn(ch Channel) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, c := range r.channels {
		if c == ch {
			delete(r.channels, id)
			n++
		}
	}
	return n
}

// Len returns the number of bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Send writes a status event to the channel bound to messageID. It is a
// no-op when nothing is registered. A zero elapsed is omitted; a nil data
// is sent as NoInfo. A failed write drops the binding.
func (r *Registry) Send(ctx context.Context, messageID, statusText string, elapsed time.Duration, data any) {
	if messageID == "" {
		return
	}
	r.mu.RLock()
	ch, ok := r.channels[messageID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	ev := Event{Type: "status", MessageID: messageID, StatusText: statusText, Data: data}
	if ev.Data == nil {
		ev.Data = NoInfo
	}
	if elapsed > 0 {
		ms := elapsed.Milliseconds()
		ev.ElapsedMs = &ms
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("Failed to encode status event", "message_id", messageID, "error", err)
		return
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	if err := ch.Send(sendCtx, payload); err != nil {
		slog.Debug("Status send failed, dropping channel", "message_id", messageID, "error", err)
		r.UnregisterConn(ch)
	}
}

// Discard is a Sender that drops every event.
type Discard struct{}

// Send does nothing.
func (Discard) Send(context.Context, string, string, time.Duration, any) {}
