package stream

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/pkg/errdefs"
	"github.com/harun/conduit/pkg/events"
	"github.com/rs/zerolog"
)

// DefaultFlushThreshold is the buffered character count that triggers a flush.
const DefaultFlushThreshold = 5

// State of a stream session.
type State string

const (
	StateOpen     State = "open"
	StateDraining State = "draining"
	StateClosed   State = "closed"
	StateAborted  State = "aborted"
)

// Terminal event statuses.
const (
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
	StatusError     = "error"
)

// BeginOptions describe a new session.
type BeginOptions struct {
	// Owner is the id of the execution that owns the session.
	Owner string
	// ProviderKind is recorded for metrics and inspection.
	ProviderKind string
}

// Info is a read-only snapshot of a session.
type Info struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner,omitempty"`
	ProviderKind string    `json:"provider"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	Buffered     int       `json:"buffered"`
	Delivered    int       `json:"delivered"`
}

// Config configures a Registry.
type Config struct {
	FlushThreshold int
	Sink           events.Sink
	Logger         zerolog.Logger
}

type session struct {
	mu sync.Mutex

	id           string
	owner        string
	providerKind string
	createdAt    time.Time
	state        State
	token        context.Context
	cancel       context.CancelFunc

	buf       strings.Builder
	bufRunes  int
	delivered int
}

// Registry owns every in-flight stream session.
type Registry struct {
	threshold int
	sink      events.Sink
	logger    zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewRegistry creates a registry.
func NewRegistry(cfg Config) *Registry {
	observability.EnsureRegistered()

	threshold := cfg.FlushThreshold
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	sink := cfg.Sink
	if sink == nil {
		sink = events.Discard
	}
	return &Registry{
		threshold: threshold,
		sink:      sink,
		logger:    cfg.Logger,
		sessions:  make(map[string]*session),
	}
}

// Begin opens a session and returns its cancellation token. The token is
// derived from ctx, so cancelling ctx also cancels the session's producer;
// the session itself still needs Cancel, End or Fail to terminate. Begin
// fails with an aborted error when ctx is already done.
func (r *Registry) Begin(ctx context.Context, streamID string, opts BeginOptions) (context.Context, error) {
	if streamID == "" {
		return nil, fmt.Errorf("%w: stream id is required", errdefs.ErrInvalidArgument)
	}
	if ctx.Err() != nil {
		return nil, errdefs.Aborted("stream " + streamID + " begun after cancellation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[streamID]; exists {
		return nil, &errdefs.DuplicateStreamError{StreamID: streamID}
	}

	token, cancel := context.WithCancel(ctx)
	r.sessions[streamID] = &session{
		id:           streamID,
		owner:        opts.Owner,
		providerKind: opts.ProviderKind,
		createdAt:    time.Now(),
		state:        StateOpen,
		token:        token,
		cancel:       cancel,
	}

	observability.RecordStreamOpened(opts.ProviderKind)
	r.logger.Debug().Str("stream_id", streamID).Str("execution_id", opts.Owner).Str("provider", opts.ProviderKind).Msg("Stream session opened")
	return token, nil
}

func (r *Registry) lookup(streamID string) (*session, error) {
	r.mu.Lock()
	s, ok := r.sessions[streamID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("stream %s: %w", streamID, errdefs.ErrNotFound)
	}
	return s, nil
}

func (r *Registry) remove(s *session) {
	r.mu.Lock()
	if current, ok := r.sessions[s.id]; ok && current == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
}

// Chunk appends data to the session buffer and flushes when the buffer holds
// more than the threshold. Once the session's token is done Chunk fails with
// an aborted error and publishes nothing.
func (r *Registry) Chunk(streamID, data string) error {
	_, err := r.chunk(streamID, data)
	return err
}

// chunk is Chunk that also reports how many characters were delivered so far.
func (r *Registry) chunk(streamID, data string) (int, error) {
	s, err := r.lookup(streamID)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen {
		return s.delivered, fmt.Errorf("stream %s: %w", streamID, errdefs.ErrNotFound)
	}
	if s.token.Err() != nil {
		return s.delivered, errdefs.Aborted("stream " + streamID + " cancelled")
	}
	if data != "" {
		s.buf.WriteString(data)
		s.bufRunes += utf8.RuneCountInString(data)
		if s.bufRunes > r.threshold {
			r.flushLocked(s)
		}
	}
	return s.delivered, nil
}

func (r *Registry) flushLocked(s *session) {
	if s.bufRunes == 0 {
		return
	}
	text := s.buf.String()
	chars := s.bufRunes
	s.buf.Reset()
	s.bufRunes = 0
	s.delivered += chars

	observability.RecordStreamFlush(chars)
	r.sink.Publish(events.Event{
		Kind:        events.KindStreamChunk,
		StreamID:    s.id,
		ExecutionID: s.owner,
		Chunk:       text,
	})
}

// terminateLocked publishes the terminal event and releases the session.
func (r *Registry) terminateLocked(s *session, state State, status string, cause error) {
	s.state = state
	s.cancel()

	evt := events.Event{
		Kind:        events.KindStreamStatus,
		StreamID:    s.id,
		ExecutionID: s.owner,
		Status:      status,
	}
	if cause != nil {
		evt.Error = cause.Error()
		evt.ErrorKind = errdefs.Kind(cause)
	}
	r.sink.Publish(evt)
	observability.RecordStreamTerminated(s.providerKind, status, time.Since(s.createdAt))
}

// End flushes the remaining buffer and closes the session.
func (r *Registry) End(streamID string) error {
	s, err := r.lookup(streamID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return fmt.Errorf("stream %s: %w", streamID, errdefs.ErrNotFound)
	}
	s.state = StateDraining
	r.flushLocked(s)
	r.terminateLocked(s, StateClosed, StatusCompleted, nil)
	delivered := s.delivered
	s.mu.Unlock()

	r.remove(s)
	r.logger.Debug().Str("stream_id", streamID).Int("delivered", delivered).Msg("Stream session completed")
	return nil
}

// Fail terminates the session because of cause. Aborts behave like Cancel;
// any other error flushes what is buffered and emits an error terminal event.
func (r *Registry) Fail(streamID string, cause error) error {
	if errdefs.IsAborted(cause) {
		r.Cancel(streamID)
		return nil
	}

	s, err := r.lookup(streamID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return fmt.Errorf("stream %s: %w", streamID, errdefs.ErrNotFound)
	}
	s.state = StateDraining
	r.flushLocked(s)
	r.terminateLocked(s, StateClosed, StatusError, cause)
	s.mu.Unlock()

	r.remove(s)
	r.logger.Warn().Err(cause).Str("stream_id", streamID).Msg("Stream session failed")
	return nil
}

// Cancel signals the session's token, discards unflushed content and emits
// the aborted terminal event. It reports whether a live session was
// cancelled; repeated calls are no-ops.
func (r *Registry) Cancel(streamID string) bool {
	s, err := r.lookup(streamID)
	if err != nil {
		return false
	}

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return false
	}
	discarded := s.bufRunes
	s.buf.Reset()
	s.bufRunes = 0
	r.terminateLocked(s, StateAborted, StatusAborted, nil)
	s.mu.Unlock()

	r.remove(s)
	r.logger.Debug().Str("stream_id", streamID).Int("discarded", discarded).Msg("Stream session cancelled")
	return true
}

// CancelOwner cancels every session owned by executionID and returns how
// many were cancelled.
func (r *Registry) CancelOwner(executionID string) int {
	r.mu.Lock()
	var ids []string
	for id, s := range r.sessions {
		if s.owner == executionID {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(ids)
	cancelled := 0
	for _, id := range ids {
		if r.Cancel(id) {
			cancelled++
		}
	}
	return cancelled
}

// State returns a snapshot of the session, or ErrNotFound once it ended.
func (r *Registry) State(streamID string) (Info, error) {
	s, err := r.lookup(streamID)
	if err != nil {
		return Info{}, err
	}
	return s.info(), nil
}

// Open lists live sessions sorted by creation time.
func (r *Registry) Open() []Info {
	r.mu.Lock()
	list := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (s *session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.id,
		Owner:        s.owner,
		ProviderKind: s.providerKind,
		State:        s.state,
		CreatedAt:    s.createdAt,
		Buffered:     s.bufRunes,
		Delivered:    s.delivered,
	}
}
