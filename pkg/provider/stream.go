package provider

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/harun/conduit/pkg/errdefs"
)

// emitFunc hands one delta chunk to the consumer. It returns an error once
// the stream context is done; producers must stop on error.
type emitFunc func(Chunk) error

// produceFunc streams deltas through emit and returns the final chunk.
type produceFunc func(ctx context.Context, emit emitFunc) (Chunk, error)

type item struct {
	chunk Chunk
	err   error
}

// chanStream bridges a producer goroutine to the pull-based Stream API.
type chanStream struct {
	provider string
	classify func(error) error

	ctx    context.Context
	cancel context.CancelFunc
	items  chan item
	done   chan struct{}

	mu       sync.Mutex
	finished bool
	closed   atomic.Bool
}

func startStream(ctx context.Context, provider string, classify func(error) error, produce produceFunc) *chanStream {
	sctx, cancel := context.WithCancel(ctx)
	s := &chanStream{
		provider: provider,
		classify: classify,
		ctx:      sctx,
		cancel:   cancel,
		items:    make(chan item),
		done:     make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		final, err := produce(sctx, s.emit)
		if err != nil {
			s.send(item{err: err})
			return
		}
		final.Final = true
		s.send(item{chunk: final})
	}()

	return s
}

func (s *chanStream) emit(c Chunk) error {
	if c.Delta == "" {
		return s.ctx.Err()
	}
	c.Final = false
	return s.send(item{chunk: c})
}

func (s *chanStream) send(it item) error {
	select {
	case s.items <- it:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Recv implements Stream.
func (s *chanStream) Recv() (Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return Chunk{}, io.EOF
	}
	if s.ctx.Err() != nil {
		return s.abort()
	}

	select {
	case <-s.ctx.Done():
		return s.abort()
	case it := <-s.items:
		if it.err != nil {
			s.finished = true
			return Chunk{}, s.classifyErr(it.err)
		}
		if it.chunk.Final {
			s.finished = true
		}
		return it.chunk, nil
	}
}

func (s *chanStream) abort() (Chunk, error) {
	s.finished = true
	reason := "stream cancelled"
	switch {
	case s.closed.Load():
		reason = "stream closed"
	case errors.Is(s.ctx.Err(), context.DeadlineExceeded):
		reason = "deadline exceeded"
	}
	return Chunk{}, errdefs.Aborted(reason)
}

func (s *chanStream) classifyErr(err error) error {
	if errdefs.IsAborted(err) || errors.Is(err, context.DeadlineExceeded) {
		return errdefs.Aborted(err.Error())
	}
	var pe *errdefs.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	if s.classify != nil {
		return s.classify(err)
	}
	return &errdefs.ProviderError{Provider: s.provider, Retryable: isTransient(err), Err: err}
}

// Close implements Stream.
func (s *chanStream) Close() error {
	s.closed.Store(true)
	s.cancel()
	<-s.done
	return nil
}
