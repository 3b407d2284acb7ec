package events

import "sync"

// Recorder is a Sink that keeps every event in memory. The gateway uses it
// for per-connection replay, tests use it to assert on emitted events.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish stores evt.
func (r *Recorder) Publish(evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Filter returns the recorded events matching pred.
func (r *Recorder) Filter(pred func(Event) bool) []Event {
	var out []Event
	for _, evt := range r.Events() {
		if pred(evt) {
			out = append(out, evt)
		}
	}
	return out
}

// Since returns events with a sequence number greater than seq.
func (r *Recorder) Since(seq int64) []Event {
	return r.Filter(func(evt Event) bool { return evt.Seq > seq })
}
