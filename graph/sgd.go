package graph

import (
	"context"
	"math/rand"
	"time"

	"github.com/fedflow/fedflow/types"
)

// SGD is plain stochastic gradient descent: v -= lr * g. It is the
// reference optimizer and implements the noise capability.
type SGD struct {
	engine Engine
	lr     float32
}

// NewSGD creates an SGD optimizer backed by the given engine.
func NewSGD(engine Engine, lr float32) *SGD {
	return &SGD{engine: engine, lr: lr}
}

var (
	_ Optimizer    = (*SGD)(nil)
	_ NoiseCapable = (*SGD)(nil)
)

// Name implements Optimizer.
func (s *SGD) Name() string { return "sgd" }

// LearningRate returns the configured learning rate.
func (s *SGD) LearningRate() float32 { return s.lr }

// ComputeGradients implements Optimizer.
func (s *SGD) ComputeGradients(loss *Node, targets []*Node, upstream *Node) ([]*Node, error) {
	return s.engine.Gradients([]*Node{loss}, targets, []*Node{upstream})
}

// ComputeGradientsNoised implements NoiseCapable: each defined gradient is
// perturbed with independent Gaussian noise before it is combined with
// other sources.
func (s *SGD) ComputeGradientsNoised(loss *Node, targets []*Node, upstream *Node, cfg NoiseConfig) ([]*Node, error) {
	grads, err := s.ComputeGradients(loss, targets, upstream)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return grads, nil
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	for i, g := range grads {
		if g == nil {
			continue
		}
		stddev := cfg.Stddev
		grads[i] = NewOp(g.Name()+"_noised", []*Node{g},
			func(ctx context.Context, in []Tensor) (Tensor, error) {
				out := in[0].Clone()
				for j := range out.Data {
					out.Data[j] += float32(rng.NormFloat64() * stddev)
				}
				return out, nil
			})
	}
	return grads, nil
}

// ApplyGradients implements Optimizer.
func (s *SGD) ApplyGradients(grads []*Node, vars []*Variable) (*Node, error) {
	if err := checkGradients(grads, vars); err != nil {
		return nil, err
	}
	lr := s.lr
	return NewEffect("sgd_apply", grads,
		func(ctx context.Context, in []Tensor) (Tensor, error) {
			for i, g := range in {
				if err := vars[i].applyDelta(ScaleTensor(g, lr)); err != nil {
					return Tensor{}, err
				}
			}
			return Tensor{}, nil
		}), nil
}

func (s *SGD) applyDense(vars []*Variable, grads []Tensor) error {
	for i, g := range grads {
		if err := vars[i].applyDelta(ScaleTensor(g, s.lr)); err != nil {
			return err
		}
	}
	return nil
}

// checkGradients rejects the structural failures apply must not silently
// accept: a misaligned list, or a variable with no gradient from any
// source.
func checkGradients(grads []*Node, vars []*Variable) error {
	if len(grads) != len(vars) {
		return types.Errorf(types.ErrGradientStructure,
			"%d gradients for %d variables", len(grads), len(vars))
	}
	if len(vars) == 0 {
		return types.Errorf(types.ErrGradientStructure, "no variables to apply gradients to")
	}
	for i, g := range grads {
		if g == nil {
			return types.Errorf(types.ErrGradientStructure,
				"no gradient computed for variable %q", vars[i].Name())
		}
	}
	return nil
}
