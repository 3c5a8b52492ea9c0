package generate

import (
	"context"

	"tessera/runtime/model"
)

// GenerateStream runs a generation turn in streaming mode. It returns a
// channel of cumulative Response snapshots: text deltas extend Content
// monotonically, and every tool-execution status change (running, completed,
// failed) is emitted as its own snapshot so UIs can render progress
// incrementally. The channel closes after the final snapshot; Err reports
// the terminal error, if any, once the channel is closed.
func (g *Generator) GenerateStream(ctx context.Context, provider model.Provider, req *Request) (*Stream, error) {
	s := &Stream{snapshots: make(chan *Response, 16)}
	l, err := g.newLoop(ctx, provider, req, s.push)
	if err != nil {
		return nil, err
	}
	go func() {
		defer close(s.snapshots)
		final, err := l.run(ctx)
		if err != nil {
			s.err = err
			return
		}
		s.final = final
	}()
	return s, nil
}

// Stream is a lazy sequence of cumulative generation snapshots.
type Stream struct {
	snapshots chan *Response
	final     *Response
	err       error
}

// Snapshots returns the snapshot channel. It is closed when generation
// finishes or fails.
func (s *Stream) Snapshots() <-chan *Response { return s.snapshots }

// Final returns the terminal response after the channel closed, or nil when
// generation failed.
func (s *Stream) Final() *Response { return s.final }

// Err returns the terminal error after the channel closed, if any.
func (s *Stream) Err() error { return s.err }

func (s *Stream) push(r *Response) {
	// Snapshots are best-effort: a slow consumer drops intermediate frames
	// rather than stalling generation.
	select {
	case s.snapshots <- r:
	default:
	}
}
