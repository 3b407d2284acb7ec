package provider

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/harun/conduit/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func collect(t *testing.T, s Stream) (string, Chunk, error) {
	t.Helper()
	var text string
	for {
		c, err := s.Recv()
		if err != nil {
			return text, Chunk{}, err
		}
		text += c.Delta
		if c.Final {
			_, eof := s.Recv()
			require.ErrorIs(t, eof, io.EOF)
			return text, c, nil
		}
	}
}

func TestStreamDeliversInOrderThenEOF(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	s := startStream(context.Background(), "test", nil, func(ctx context.Context, emit emitFunc) (Chunk, error) {
		for _, d := range []string{"Hel", "lo", " world"} {
			if err := emit(Chunk{Delta: d}); err != nil {
				return Chunk{}, err
			}
		}
		return Chunk{ToolCalls: []ProposedCall{{ID: "c1", Name: "fs__read"}}}, nil
	})
	defer s.Close()

	text, final, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)
	assert.True(t, final.Final)
	require.Len(t, final.ToolCalls, 1)
	assert.Equal(t, "fs__read", final.ToolCalls[0].Name)
}

func TestStreamCancelObservedOnNextRecv(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	ctx, cancel := context.WithCancel(context.Background())
	s := startStream(ctx, "test", nil, func(ctx context.Context, emit emitFunc) (Chunk, error) {
		for {
			if err := emit(Chunk{Delta: "x"}); err != nil {
				return Chunk{}, err
			}
		}
	})
	defer s.Close()

	c, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "x", c.Delta)

	cancel()
	_, err = s.Recv()
	require.Error(t, err)
	assert.True(t, errdefs.IsAborted(err))

	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamDeadlineIsAbort(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	s := startStream(ctx, "test", nil, func(ctx context.Context, emit emitFunc) (Chunk, error) {
		<-ctx.Done()
		return Chunk{}, ctx.Err()
	})
	defer s.Close()

	_, err := s.Recv()
	require.Error(t, err)
	assert.True(t, errdefs.IsAborted(err))
	assert.Contains(t, err.Error(), "deadline exceeded")
}

func TestStreamUpstreamErrorIsProviderError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	upstream := errors.New("connection reset by peer")
	s := startStream(context.Background(), "test", nil, func(ctx context.Context, emit emitFunc) (Chunk, error) {
		if err := emit(Chunk{Delta: "partial"}); err != nil {
			return Chunk{}, err
		}
		return Chunk{}, upstream
	})
	defer s.Close()

	c, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "partial", c.Delta)

	_, err = s.Recv()
	var pe *errdefs.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "test", pe.Provider)
	assert.True(t, pe.Retryable)
	assert.ErrorIs(t, err, upstream)
}

func TestStreamCloseStopsProducer(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	s := startStream(context.Background(), "test", nil, func(ctx context.Context, emit emitFunc) (Chunk, error) {
		for {
			if err := emit(Chunk{Delta: "x"}); err != nil {
				return Chunk{}, err
			}
		}
	})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Recv()
	assert.True(t, errdefs.IsAborted(err))
}

func TestRetryableStatus(t *testing.T) {
	for code, want := range map[int]bool{400: false, 401: false, 404: false, 408: true, 429: true, 500: true, 503: true, 529: true} {
		assert.Equal(t, want, retryableStatus(code), "status %d", code)
	}
	assert.True(t, providerError("p", 429, errors.New("x")).Retryable)
	assert.False(t, providerError("p", 401, errors.New("x")).Retryable)
}
