package stream

import (
	"errors"
	"io"

	"github.com/harun/conduit/pkg/errdefs"
	"github.com/harun/conduit/pkg/provider"
)

// Result is what Pump collected from a provider stream.
type Result struct {
	// Text is every delta received from the provider.
	Text string
	// Delivered is the prefix of Text that reached subscribers. It differs
	// from Text only when the session was cancelled with content buffered.
	Delivered string
	// Final is the provider's final chunk (tool calls, usage).
	Final provider.Chunk
}

// Pump drains src into the session streamID until the provider finishes,
// fails or the session is cancelled, and terminates the session accordingly.
// It closes src before returning.
func (r *Registry) Pump(streamID string, src provider.Stream) (Result, error) {
	defer src.Close()

	var (
		res       Result
		text      []rune
		delivered int
	)
	partial := func() string {
		if delivered > len(text) {
			return string(text)
		}
		return string(text[:delivered])
	}

	for {
		c, err := src.Recv()
		if errors.Is(err, io.EOF) {
			c, err = provider.Chunk{Final: true}, nil
		}
		if err != nil {
			res.Text = string(text)
			if errdefs.IsAborted(err) {
				r.Cancel(streamID)
				res.Delivered = partial()
				return res, err
			}
			if ferr := r.Fail(streamID, err); ferr != nil {
				// Cancelled concurrently; the session already reported aborted.
				res.Delivered = partial()
				return res, errdefs.Aborted("stream cancelled")
			}
			res.Delivered = res.Text
			return res, err
		}

		if c.Delta != "" {
			text = append(text, []rune(c.Delta)...)
			n, cerr := r.chunk(streamID, c.Delta)
			if cerr != nil {
				r.Cancel(streamID)
				res.Text = string(text)
				res.Delivered = partial()
				return res, errdefs.Aborted("stream cancelled")
			}
			delivered = n
		}

		if c.Final {
			res.Text = string(text)
			res.Final = c
			if err := r.End(streamID); err != nil {
				res.Delivered = partial()
				return res, errdefs.Aborted("stream cancelled")
			}
			res.Delivered = res.Text
			return res, nil
		}
	}
}
