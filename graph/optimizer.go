package graph

// Optimizer turns loss sources into gradients and gradients into variable
// updates. One optimizer may serve several bindings; each binding covers a
// disjoint variable subset.
type Optimizer interface {
	// Name identifies the optimizer in logs and metrics.
	Name() string

	// ComputeGradients returns one gradient node per target for the given
	// loss source. A non-nil upstream substitutes an externally supplied
	// upstream gradient for the default ones seed. A nil result element
	// means the target does not influence the loss.
	ComputeGradients(loss *Node, targets []*Node, upstream *Node) ([]*Node, error)

	// ApplyGradients builds the effect node that applies one optimizer
	// step over vars. grads must align with vars and contain no nils.
	ApplyGradients(grads []*Node, vars []*Variable) (*Node, error)
}

// NoiseConfig configures per-source gradient obfuscation for optimizers
// that support it.
type NoiseConfig struct {
	// Stddev of the Gaussian noise added to each gradient element.
	Stddev float64
	// Seed for the noise source; 0 picks a nondeterministic seed.
	Seed int64
}

// Enabled reports whether the configuration asks for any noise at all.
func (c NoiseConfig) Enabled() bool {
	return c.Stddev > 0
}

// NoiseCapable is the capability interface for optimizers that can add
// per-source noise during gradient computation. The exchange engine checks
// for it with a type assertion; optimizers without the capability get the
// plain ComputeGradients path.
type NoiseCapable interface {
	Optimizer
	ComputeGradientsNoised(loss *Node, targets []*Node, upstream *Node, cfg NoiseConfig) ([]*Node, error)
}

// denseApplier is implemented by optimizers that can apply fully
// materialized gradients outside graph execution. The synchronous-replica
// wrapper needs it to defer its inner apply until enough contributions
// have been aggregated.
type denseApplier interface {
	applyDense(vars []*Variable, grads []Tensor) error
}
