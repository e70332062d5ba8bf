package selection

import (
	"context"
	"sync"

	"github.com/pysugar/codex-nexus/internal/logging"
)

// ProbeFunc runs one attempt against a candidate. It must honor ctx
// cancellation promptly.
type ProbeFunc[T any] func(ctx context.Context, c Candidate) (T, error)

// ProbeResult carries the winning candidate and its value.
type ProbeResult[T any] struct {
	Candidate Candidate
	Value     T
}

type probeOutcome[T any] struct {
	slot  int
	value T
	err   error
}

// Race probes candidates in parallel and returns the first success,
// cancelling the remaining attempts. Every loser is cancelled exactly once.
// When all candidates fail (or the parent context ends first) it returns
// ok=false; per-candidate errors are logged at debug and not surfaced.
func Race[T any](ctx context.Context, candidates []Candidate, probe ProbeFunc[T], log *logging.Logger) (ProbeResult[T], bool) {
	var zero ProbeResult[T]
	if log == nil {
		log = logging.New("selection")
	}
	if len(candidates) == 0 {
		return zero, false
	}
	if len(candidates) == 1 {
		v, err := probe(ctx, candidates[0])
		if err != nil {
			log.Debug("probe failed", map[string]any{"index": candidates[0].Index, "error": err.Error()})
			return zero, false
		}
		return ProbeResult[T]{Candidate: candidates[0], Value: v}, true
	}

	results := make(chan probeOutcome[T], len(candidates))
	cancels := make([]context.CancelFunc, len(candidates))
	var once sync.Once
	cancelLosers := func(winner int) {
		once.Do(func() {
			for i, cancel := range cancels {
				if i != winner {
					cancel()
				}
			}
		})
	}

	for i, c := range candidates {
		probeCtx, cancel := context.WithCancel(ctx)
		cancels[i] = cancel
		go func(slot int, c Candidate, probeCtx context.Context) {
			v, err := probe(probeCtx, c)
			results <- probeOutcome[T]{slot: slot, value: v, err: err}
		}(i, c, probeCtx)
	}
	defer cancelLosers(-1)

	for remaining := len(candidates); remaining > 0; remaining-- {
		select {
		case out := <-results:
			if out.err != nil {
				log.Debug("probe failed", map[string]any{"index": candidates[out.slot].Index, "error": out.err.Error()})
				continue
			}
			cancelLosers(out.slot)
			cancels[out.slot]()
			return ProbeResult[T]{Candidate: candidates[out.slot], Value: out.value}, true
		case <-ctx.Done():
			return zero, false
		}
	}
	return zero, false
}
