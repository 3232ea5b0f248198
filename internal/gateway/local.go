package gateway

import (
	"context"
	"sync"
)

// Recorder is an in-memory Publisher that keeps every published envelope.
// It backs tests and local development without a broker.
type Recorder struct {
	mu        sync.Mutex
	envelopes []Envelope
}

// NewRecorder constructs an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish records the event.
func (r *Recorder) Publish(ctx context.Context, topic string, payload any, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env, err := NewEnvelope(topic, payload, metadata)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.envelopes = append(r.envelopes, env)
	r.mu.Unlock()
	return nil
}

// Envelopes returns a copy of everything published so far, in order.
func (r *Recorder) Envelopes() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.envelopes))
	copy(out, r.envelopes)
	return out
}

// Reset discards recorded envelopes.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.envelopes = nil
	r.mu.Unlock()
}
