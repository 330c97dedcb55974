package graph

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fedflow/fedflow/types"
)

// SyncReplicas wraps an optimizer so that gradient contributions from
// several replicas are aggregated before a single averaged apply. Until
// the configured number of contributions has arrived, apply steps only
// accumulate.
type SyncReplicas struct {
	inner    Optimizer
	applier  denseApplier
	replicas int
	logger   *zap.Logger

	mu      sync.Mutex
	vars    []*Variable
	acc     []Tensor
	pending int
	applies int
}

// NewSyncReplicas wraps inner so replicas gradient contributions are
// averaged into one apply. inner must support dense application (the
// bundled optimizers do).
func NewSyncReplicas(inner Optimizer, replicas int, logger *zap.Logger) (*SyncReplicas, error) {
	applier, ok := inner.(denseApplier)
	if !ok {
		return nil, types.Errorf(types.ErrGradientStructure,
			"optimizer %q cannot be wrapped for synchronous replicas", inner.Name())
	}
	if replicas < 1 {
		replicas = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncReplicas{
		inner:    inner,
		applier:  applier,
		replicas: replicas,
		logger:   logger.With(zap.String("component", "sync_replicas")),
	}, nil
}

var _ Optimizer = (*SyncReplicas)(nil)

// Name implements Optimizer.
func (s *SyncReplicas) Name() string { return s.inner.Name() + "_sync" }

// ComputeGradients implements Optimizer by delegation.
func (s *SyncReplicas) ComputeGradients(loss *Node, targets []*Node, upstream *Node) ([]*Node, error) {
	return s.inner.ComputeGradients(loss, targets, upstream)
}

// ComputeGradientsNoised delegates when the inner optimizer has the noise
// capability.
func (s *SyncReplicas) ComputeGradientsNoised(loss *Node, targets []*Node, upstream *Node, cfg NoiseConfig) ([]*Node, error) {
	if nc, ok := s.inner.(NoiseCapable); ok {
		return nc.ComputeGradientsNoised(loss, targets, upstream, cfg)
	}
	return s.inner.ComputeGradients(loss, targets, upstream)
}

// ApplyGradients implements Optimizer. The returned op accumulates this
// contribution and performs the averaged inner apply once every
// replicas-th contribution.
func (s *SyncReplicas) ApplyGradients(grads []*Node, vars []*Variable) (*Node, error) {
	if err := checkGradients(grads, vars); err != nil {
		return nil, err
	}
	return NewEffect("sync_apply", grads,
		func(ctx context.Context, in []Tensor) (Tensor, error) {
			return Tensor{}, s.contribute(vars, in)
		}), nil
}

func (s *SyncReplicas) contribute(vars []*Variable, grads []Tensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.acc == nil {
		s.vars = vars
		s.acc = make([]Tensor, len(grads))
		for i, g := range grads {
			s.acc[i] = g.Clone()
		}
	} else {
		if len(grads) != len(s.acc) {
			return types.Errorf(types.ErrGradientStructure,
				"replica contributed %d gradients, aggregation holds %d", len(grads), len(s.acc))
		}
		for i, g := range grads {
			sum, err := AddTensors(s.acc[i], g)
			if err != nil {
				return err
			}
			s.acc[i] = sum
		}
	}
	s.pending++

	if s.pending < s.replicas {
		return nil
	}

	avg := make([]Tensor, len(s.acc))
	for i, t := range s.acc {
		avg[i] = ScaleTensor(t, 1/float32(s.pending))
	}
	s.acc, s.pending = nil, 0
	s.applies++
	return s.applier.applyDense(s.vars, avg)
}

// Applies returns how many aggregated applies have happened.
func (s *SyncReplicas) Applies() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applies
}

// SessionHook returns the per-step lifecycle hook the compiler registers
// for the wrapper. It watches for stalled aggregations: contributions that
// never reach the replica quorum.
func (s *SyncReplicas) SessionHook() *syncReplicasHook {
	return &syncReplicasHook{s: s}
}

type syncReplicasHook struct {
	s      *SyncReplicas
	stalls int
}

func (h *syncReplicasHook) BeforeStep(ctx context.Context) error { return nil }

func (h *syncReplicasHook) AfterStep(ctx context.Context) error {
	h.s.mu.Lock()
	pending := h.s.pending
	h.s.mu.Unlock()
	if pending > 0 {
		h.stalls++
	} else {
		h.stalls = 0
	}
	if h.stalls > 2*h.s.replicas {
		h.s.logger.Warn("gradient aggregation stalled",
			zap.Int("pending", pending),
			zap.Int("replicas", h.s.replicas),
			zap.Int("steps_waited", h.stalls))
	}
	return nil
}
