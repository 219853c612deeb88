package llm

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"

	"github.com/loomlock/companion/internal/metrics"
)

// ExhaustedMessage is the single fragment emitted when every backend fails.
const ExhaustedMessage = "I'm sorry, I'm having trouble responding right now. Please try again in a moment."

// Failure records one backend that did not produce a completion.
type Failure struct {
	Backend string
	Err     error
}

// Outcome describes how a gateway invocation ended. It is complete once the
// fragment sequence has been fully consumed.
type Outcome struct {
	Backend   string
	Exhausted bool
	Canceled  bool
	Failures  []Failure
	Metrics   *metrics.Streaming
}

// Gateway tries backends in order until one succeeds. Output from a backend
// that fails is discarded and never reaches the caller.
type Gateway struct {
	backends []Backend
	logger   *slog.Logger
}

// NewGateway returns a gateway over backends, tried in the given order.
func NewGateway(logger *slog.Logger, backends ...Backend) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{backends: backends, logger: logger}
}

// Backends returns the configured backend names in fallback order.
func (g *Gateway) Backends() []string {
	names := make([]string, 0, len(g.backends))
	for _, b := range g.backends {
		names = append(names, b.Name())
	}
	return names
}

// Stream is one streaming invocation. Fragments may be ranged over once.
type Stream struct {
	gw      *Gateway
	ctx     context.Context
	req     Request
	started bool
	outcome Outcome
}

// Stream prepares a streaming completion. No backend is contacted until the
// fragments are ranged over.
func (g *Gateway) Stream(ctx context.Context, req Request) *Stream {
	return &Stream{gw: g, ctx: ctx, req: req}
}

// Fragments yields the text of the first backend that completes. A backend's
// fragments are held until its stream ends cleanly, so a mid-stream failure
// falls through to the next backend without leaking partial text. When every
// backend fails exactly one ExhaustedMessage fragment is yielded.
//
// The buffering has a latency cost: nothing is yielded until the winning
// backend has finished, so time to first fragment equals that backend's full
// completion time (plus the time spent on any backends that failed first).
// Content events and per-sentence speech start only after that point.
func (s *Stream) Fragments() iter.Seq[string] {
	return func(yield func(string) bool) {
		if s.started {
			return
		}
		s.started = true

		for _, b := range s.gw.backends {
			if s.ctx.Err() != nil {
				s.outcome.Canceled = true
				return
			}

			fragments, m, err := s.gw.attempt(s.ctx, b, s.req)
			if err != nil {
				if s.ctx.Err() != nil {
					s.outcome.Canceled = true
					return
				}
				s.outcome.Failures = append(s.outcome.Failures, Failure{Backend: b.Name(), Err: err})
				s.gw.logger.Warn("Completion backend failed, trying next", "backend", b.Name(), "error", err)
				continue
			}

			s.outcome.Backend = b.Name()
			s.outcome.Metrics = m
			for _, f := range fragments {
				if !yield(f) {
					return
				}
			}
			return
		}

		if s.ctx.Err() != nil {
			s.outcome.Canceled = true
			return
		}
		s.outcome.Exhausted = true
		s.gw.logger.Error("All completion backends failed", "attempts", len(s.outcome.Failures))
		yield(ExhaustedMessage)
	}
}

// Outcome reports how the invocation ended.
func (s *Stream) Outcome() Outcome {
	return s.outcome
}

func (g *Gateway) attempt(ctx context.Context, b Backend, req Request) ([]string, *metrics.Streaming, error) {
	m := metrics.NewStreaming(b.Name())
	defer m.Finish()

	var fragments []string
	for fragment, err := range b.Stream(ctx, req) {
		if err != nil {
			return nil, m, err
		}
		if fragment == "" {
			continue
		}
		m.Record(len(fragment))
		fragments = append(fragments, fragment)
	}
	if len(fragments) == 0 {
		return nil, m, errEmptyCompletion
	}

	g.logger.Debug("Completion stream finished", "metrics", m)
	return fragments, m, nil
}

// Complete is the non-streaming variant. It applies the same fallback order
// and returns ExhaustedMessage with Outcome.Exhausted set when every backend fails.
func (g *Gateway) Complete(ctx context.Context, req Request) (string, Outcome) {
	var outcome Outcome
	for _, b := range g.backends {
		if ctx.Err() != nil {
			outcome.Canceled = true
			return "", outcome
		}

		text, err := b.Complete(ctx, req)
		if err == nil && strings.TrimSpace(text) == "" {
			err = errEmptyCompletion
		}
		if err != nil {
			if ctx.Err() != nil {
				outcome.Canceled = true
				return "", outcome
			}
			outcome.Failures = append(outcome.Failures, Failure{Backend: b.Name(), Err: err})
			g.logger.Warn("Completion backend failed, trying next", "backend", b.Name(), "error", err)
			continue
		}

		outcome.Backend = b.Name()
		return text, outcome
	}

	if ctx.Err() != nil {
		outcome.Canceled = true
		return "", outcome
	}
	outcome.Exhausted = true
	g.logger.Error("All completion backends failed", "attempts", len(outcome.Failures))
	return ExhaustedMessage, outcome
}

// Err folds the recorded failures into one error, or nil.
func (o Outcome) Err() error {
	errs := make([]error, 0, len(o.Failures))
	for _, f := range o.Failures {
		errs = append(errs, f.Err)
	}
	return errors.Join(errs...)
}
