package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fedflow/fedflow/graph"
	"github.com/fedflow/fedflow/internal/metrics"
	"github.com/fedflow/fedflow/types"
)

// Session drives a compiled graph. It owns the process's global step
// counter and the hook registry; both are explicit fields here rather than
// package state.
//
// Hooks and step nodes are registered during the single-threaded compile
// phase. Run evaluates one step at a time against the frozen graph.
type Session struct {
	logger    *zap.Logger
	collector *metrics.Collector

	globalStep atomic.Int64
	epoch      atomic.Uint64

	mu          sync.RWMutex
	globalHooks []Hook
	scopedHooks map[types.TaskScope][]Hook
}

// New creates a session. logger and collector may be nil.
func New(logger *zap.Logger, collector *metrics.Collector) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		logger:      logger.With(zap.String("component", "session")),
		collector:   collector,
		scopedHooks: make(map[types.TaskScope][]Hook),
	}
}

// GlobalStep returns the current global step value.
func (s *Session) GlobalStep() int64 {
	return s.globalStep.Load()
}

// AddHook registers a hook that runs for every step regardless of scope.
func (s *Session) AddHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalHooks = append(s.globalHooks, h)
}

// AddScopedHooks registers hooks that run only for steps of one scope.
func (s *Session) AddScopedHooks(scope types.TaskScope, hooks ...Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopedHooks[scope] = append(s.scopedHooks[scope], hooks...)
}

// StepIncrementOp builds the effect node that increments the global step
// once, sequenced strictly after every node in after. The compiler creates
// one per task so independent tasks count their own steps.
func (s *Session) StepIncrementOp(name string, after ...*graph.Node) *graph.Node {
	inc := graph.NewEffect(name, nil,
		func(ctx context.Context, in []graph.Tensor) (graph.Tensor, error) {
			s.globalStep.Add(1)
			return graph.Tensor{}, nil
		})
	return graph.Sequence(after, inc)
}

// Run executes one step for the given scope: before-hooks, the ops, then
// after-hooks. Dataflow ordering within the step comes from the graph
// itself; per-step memoization makes shared sub-ops run once.
func (s *Session) Run(ctx context.Context, scope types.TaskScope, ops ...*graph.Node) error {
	epoch := s.epoch.Add(1)
	start := time.Now()

	s.mu.RLock()
	hooks := append(append([]Hook{}, s.globalHooks...), s.scopedHooks[scope]...)
	s.mu.RUnlock()

	for _, h := range hooks {
		if err := h.BeforeStep(ctx); err != nil {
			return err
		}
	}
	for _, op := range ops {
		if op == nil {
			continue
		}
		if _, err := op.Eval(ctx, epoch); err != nil {
			return err
		}
	}
	for _, h := range hooks {
		if err := h.AfterStep(ctx); err != nil {
			return err
		}
	}

	s.collector.ObserveStep(string(scope.Mode), scope.Task, time.Since(start))
	return nil
}
