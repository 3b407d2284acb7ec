package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/harun/conduit/pkg/errdefs"
	"github.com/harun/conduit/pkg/events"
	"github.com/harun/conduit/pkg/provider"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestRegistry(threshold int) (*Registry, *events.Recorder) {
	rec := &events.Recorder{}
	return NewRegistry(Config{FlushThreshold: threshold, Sink: rec, Logger: zerolog.Nop()}), rec
}

func chunksOf(rec *events.Recorder, streamID string) []string {
	var out []string
	for _, evt := range rec.Filter(func(e events.Event) bool { return e.Kind == events.KindStreamChunk && e.StreamID == streamID }) {
		out = append(out, evt.Chunk)
	}
	return out
}

func terminalsOf(rec *events.Recorder, streamID string) []events.Event {
	return rec.Filter(func(e events.Event) bool { return e.Kind == events.KindStreamStatus && e.StreamID == streamID })
}

func TestBeginTwiceIsDuplicate(t *testing.T) {
	r, _ := newTestRegistry(5)

	_, err := r.Begin(context.Background(), "s1", BeginOptions{})
	require.NoError(t, err)

	_, err = r.Begin(context.Background(), "s1", BeginOptions{})
	var dup *errdefs.DuplicateStreamError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "s1", dup.StreamID)

	require.NoError(t, r.End("s1"))
	_, err = r.Begin(context.Background(), "s1", BeginOptions{})
	assert.NoError(t, err, "a terminated id may be begun again as a new session")
}

func TestBeginRequiresID(t *testing.T) {
	r, _ := newTestRegistry(5)
	_, err := r.Begin(context.Background(), "", BeginOptions{})
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestBeginRejectsCancelledContext(t *testing.T) {
	r, rec := newTestRegistry(5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Begin(ctx, "s1", BeginOptions{Owner: "exec-1"})
	assert.True(t, errdefs.IsAborted(err))
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, rec.Events())
	assert.Equal(t, 0, r.CancelOwner("exec-1"))
}

func TestChunkAfterParentCancelPublishesNothing(t *testing.T) {
	r, rec := newTestRegistry(1)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := r.Begin(ctx, "s1", BeginOptions{Owner: "exec-1"})
	require.NoError(t, err)

	cancel()
	assert.True(t, errdefs.IsAborted(r.Chunk("s1", "hello")))
	assert.Empty(t, chunksOf(rec, "s1"))

	assert.Equal(t, 1, r.CancelOwner("exec-1"))
	terms := terminalsOf(rec, "s1")
	require.Len(t, terms, 1)
	assert.Equal(t, StatusAborted, terms[0].Status)
}

func TestBufferingFlushesOnceForHelloWorld(t *testing.T) {
	r, rec := newTestRegistry(5)
	_, err := r.Begin(context.Background(), "s1", BeginOptions{})
	require.NoError(t, err)

	for _, c := range []string{"Hel", "lo", " world"} {
		require.NoError(t, r.Chunk("s1", c))
	}
	require.NoError(t, r.End("s1"))

	assert.Equal(t, []string{"Hello world"}, chunksOf(rec, "s1"))
	terms := terminalsOf(rec, "s1")
	require.Len(t, terms, 1)
	assert.Equal(t, StatusCompleted, terms[0].Status)
}

func TestEndFlushesRemainder(t *testing.T) {
	r, rec := newTestRegistry(5)
	_, err := r.Begin(context.Background(), "s1", BeginOptions{})
	require.NoError(t, err)

	require.NoError(t, r.Chunk("s1", "Hi"))
	assert.Empty(t, chunksOf(rec, "s1"))
	require.NoError(t, r.End("s1"))
	assert.Equal(t, []string{"Hi"}, chunksOf(rec, "s1"))
}

func TestBufferingLawNoLossNoDuplication(t *testing.T) {
	tests := []struct {
		name      string
		threshold int
		chunks    []string
	}{
		{"single chars", 5, strings.Split("the quick brown fox", "")},
		{"large chunks", 3, []string{"lorem ipsum", "dolor", "sit amet"}},
		{"multibyte", 2, []string{"héllo", "wörld", "✓"}},
		{"empty chunks", 5, []string{"", "abc", "", "defgh"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, rec := newTestRegistry(tt.threshold)
			_, err := r.Begin(context.Background(), "s", BeginOptions{})
			require.NoError(t, err)
			for _, c := range tt.chunks {
				require.NoError(t, r.Chunk("s", c))
			}
			require.NoError(t, r.End("s"))

			assert.Equal(t, strings.Join(tt.chunks, ""), strings.Join(chunksOf(rec, "s"), ""))
		})
	}
}

func TestCancelDiscardsBufferAndIsIdempotent(t *testing.T) {
	r, rec := newTestRegistry(5)
	token, err := r.Begin(context.Background(), "s1", BeginOptions{})
	require.NoError(t, err)

	require.NoError(t, r.Chunk("s1", "abc"))
	assert.True(t, r.Cancel("s1"))
	assert.False(t, r.Cancel("s1"))

	assert.ErrorIs(t, token.Err(), context.Canceled)
	assert.Empty(t, chunksOf(rec, "s1"))
	terms := terminalsOf(rec, "s1")
	require.Len(t, terms, 1)
	assert.Equal(t, StatusAborted, terms[0].Status)

	assert.ErrorIs(t, r.Chunk("s1", "late"), errdefs.ErrNotFound)
	assert.ErrorIs(t, r.End("s1"), errdefs.ErrNotFound)
	assert.Len(t, rec.Events(), 1, "nothing is published after termination")
}

func TestCancelUnknownIsNoop(t *testing.T) {
	r, rec := newTestRegistry(5)
	assert.False(t, r.Cancel("never-begun"))
	assert.Empty(t, rec.Events())
}

func TestFailFlushesThenEmitsError(t *testing.T) {
	r, rec := newTestRegistry(10)
	_, err := r.Begin(context.Background(), "s1", BeginOptions{Owner: "exec-1"})
	require.NoError(t, err)

	require.NoError(t, r.Chunk("s1", "partial"))
	cause := &errdefs.ProviderError{Provider: "openai", StatusCode: 500, Retryable: true, Err: errors.New("boom")}
	require.NoError(t, r.Fail("s1", cause))

	assert.Equal(t, []string{"partial"}, chunksOf(rec, "s1"))
	terms := terminalsOf(rec, "s1")
	require.Len(t, terms, 1)
	assert.Equal(t, StatusError, terms[0].Status)
	assert.Equal(t, "provider_error", terms[0].ErrorKind)
	assert.Equal(t, "exec-1", terms[0].ExecutionID)
}

func TestFailWithAbortBehavesLikeCancel(t *testing.T) {
	r, rec := newTestRegistry(10)
	_, err := r.Begin(context.Background(), "s1", BeginOptions{})
	require.NoError(t, err)
	require.NoError(t, r.Chunk("s1", "buffered"))

	require.NoError(t, r.Fail("s1", errdefs.Aborted("user")))
	assert.Empty(t, chunksOf(rec, "s1"))
	assert.Equal(t, StatusAborted, terminalsOf(rec, "s1")[0].Status)
}

func TestCancelOwner(t *testing.T) {
	r, rec := newTestRegistry(5)
	for _, id := range []string{"a", "b"} {
		_, err := r.Begin(context.Background(), id, BeginOptions{Owner: "exec-1"})
		require.NoError(t, err)
	}
	_, err := r.Begin(context.Background(), "c", BeginOptions{Owner: "exec-2"})
	require.NoError(t, err)

	assert.Equal(t, 2, r.CancelOwner("exec-1"))
	assert.Equal(t, 0, r.CancelOwner("exec-1"))
	assert.Equal(t, 1, r.Len())

	open := r.Open()
	require.Len(t, open, 1)
	assert.Equal(t, "c", open[0].ID)
	assert.Equal(t, StateOpen, open[0].State)
	assert.Len(t, rec.Filter(func(e events.Event) bool { return e.Status == StatusAborted }), 2)
}

func TestExactlyOneTerminalUnderRace(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	for i := 0; i < 50; i++ {
		r, rec := newTestRegistry(5)
		id := fmt.Sprintf("s%d", i)
		_, err := r.Begin(context.Background(), id, BeginOptions{})
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); r.Cancel(id) }()
		go func() { defer wg.Done(); _ = r.End(id) }()
		go func() { defer wg.Done(); _ = r.Fail(id, errors.New("x")) }()
		wg.Wait()

		assert.Len(t, terminalsOf(rec, id), 1)
	}
}

func TestStateSnapshot(t *testing.T) {
	r, _ := newTestRegistry(5)
	_, err := r.Begin(context.Background(), "s1", BeginOptions{Owner: "e", ProviderKind: "ollama"})
	require.NoError(t, err)
	require.NoError(t, r.Chunk("s1", "abc"))

	info, err := r.State("s1")
	require.NoError(t, err)
	assert.Equal(t, "ollama", info.ProviderKind)
	assert.Equal(t, 3, info.Buffered)

	require.NoError(t, r.End("s1"))
	_, err = r.State("s1")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

// scriptedStream replays chunks and then an optional error.
type scriptedStream struct {
	ctx    context.Context
	chunks []provider.Chunk
	err    error
	pos    int
	closed bool
}

func (s *scriptedStream) Recv() (provider.Chunk, error) {
	if s.ctx != nil && s.ctx.Err() != nil {
		return provider.Chunk{}, errdefs.Aborted("stream cancelled")
	}
	if s.pos < len(s.chunks) {
		c := s.chunks[s.pos]
		s.pos++
		return c, nil
	}
	if s.err != nil {
		return provider.Chunk{}, s.err
	}
	return provider.Chunk{}, io.EOF
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

func TestPumpCompletes(t *testing.T) {
	r, rec := newTestRegistry(5)
	_, err := r.Begin(context.Background(), "s1", BeginOptions{})
	require.NoError(t, err)

	src := &scriptedStream{chunks: []provider.Chunk{
		{Delta: "Hel"}, {Delta: "lo"}, {Delta: " world"},
		{Final: true, ToolCalls: []provider.ProposedCall{{ID: "t1", Name: "clock__now"}}},
	}}
	res, err := r.Pump("s1", src)
	require.NoError(t, err)

	assert.True(t, src.closed)
	assert.Equal(t, "Hello world", res.Text)
	assert.Equal(t, "Hello world", res.Delivered)
	require.Len(t, res.Final.ToolCalls, 1)
	assert.Equal(t, []string{"Hello world"}, chunksOf(rec, "s1"))
	assert.Equal(t, 0, r.Len())
}

func TestPumpProviderError(t *testing.T) {
	r, rec := newTestRegistry(50)
	_, err := r.Begin(context.Background(), "s1", BeginOptions{})
	require.NoError(t, err)

	src := &scriptedStream{
		chunks: []provider.Chunk{{Delta: "partial "}},
		err:    &errdefs.ProviderError{Provider: "anthropic", StatusCode: 401, Err: errors.New("bad key")},
	}
	res, err := r.Pump("s1", src)
	var pe *errdefs.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "partial ", res.Delivered)
	assert.Equal(t, StatusError, terminalsOf(rec, "s1")[0].Status)
}

func TestPumpCancelledMidStream(t *testing.T) {
	r, rec := newTestRegistry(4)
	token, err := r.Begin(context.Background(), "s1", BeginOptions{})
	require.NoError(t, err)

	src := &scriptedStream{ctx: token, chunks: []provider.Chunk{{Delta: "hello"}, {Delta: "ab"}, {Delta: "never"}}}
	// Cancel after the second chunk is fed.
	var fed int
	wrapped := &hookStream{Stream: src, after: func() {
		fed++
		if fed == 2 {
			r.Cancel("s1")
		}
	}}

	res, err := r.Pump("s1", wrapped)
	require.Error(t, err)
	assert.True(t, errdefs.IsAborted(err))
	assert.Equal(t, "hello", res.Delivered)
	assert.Equal(t, []string{"hello"}, chunksOf(rec, "s1"))
	assert.Len(t, terminalsOf(rec, "s1"), 1)
}

type hookStream struct {
	provider.Stream
	after func()
}

func (h *hookStream) Recv() (provider.Chunk, error) {
	c, err := h.Stream.Recv()
	if err == nil {
		defer h.after()
	}
	return c, err
}
