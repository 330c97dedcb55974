package graph

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fedflow/fedflow/types"
)

// Kind discriminates what a node computes. The tape engine dispatches its
// backward rules on it.
type Kind string

const (
	// KindConst holds a fixed tensor.
	KindConst Kind = "const"
	// KindVar reads a variable's current value.
	KindVar Kind = "var"
	// KindAdd is elementwise addition.
	KindAdd Kind = "add"
	// KindSub is elementwise subtraction.
	KindSub Kind = "sub"
	// KindMul is elementwise multiplication.
	KindMul Kind = "mul"
	// KindScale multiplies by a compile-time constant.
	KindScale Kind = "scale"
	// KindSquare is elementwise square.
	KindSquare Kind = "square"
	// KindSum reduces to a scalar sum.
	KindSum Kind = "sum"
	// KindMean reduces to a scalar mean.
	KindMean Kind = "mean"
	// KindSpread fills a scalar over a reference node's shape.
	KindSpread Kind = "spread"
	// KindIdent forwards its input, optionally behind control deps.
	KindIdent Kind = "ident"
	// KindSource produces a value from outside the graph (e.g. a receive).
	KindSource Kind = "source"
	// KindEffect performs a side effect (send, apply, step increment).
	KindEffect Kind = "effect"
	// KindOpaque computes via an arbitrary function; no gradient flows
	// through it.
	KindOpaque Kind = "opaque"
)

// RunFunc is the execution body of source, effect, and opaque nodes.
type RunFunc func(ctx context.Context, in []Tensor) (Tensor, error)

var nodeSeq atomic.Uint64

// Node is one symbolic value in the computation. Nodes are created during
// the single-threaded compile phase; creation order gives a topological
// order (a node's inputs always have smaller ids).
type Node struct {
	id   uint64
	name string
	kind Kind

	inputs []*Node
	ctrl   []*Node

	alpha    float32   // scale factor for KindScale
	divide   bool      // KindSpread: divide the scalar by the target size
	constant Tensor    // KindConst
	variable *Variable // KindVar
	run      RunFunc   // KindSource / KindEffect / KindOpaque

	mu    sync.Mutex
	epoch uint64
	val   Tensor
	err   error
	done  bool
}

func newNode(kind Kind, name string, inputs ...*Node) *Node {
	n := &Node{id: nodeSeq.Add(1), kind: kind, inputs: inputs}
	if name == "" {
		name = fmt.Sprintf("%s_%d", kind, n.id)
	}
	n.name = name
	return n
}

// ID returns the node's creation-order id.
func (n *Node) ID() uint64 { return n.id }

// Name returns the node's diagnostic name.
func (n *Node) Name() string { return n.name }

// Kind returns the node's kind.
func (n *Node) Kind() Kind { return n.kind }

// Inputs returns the node's data dependencies.
func (n *Node) Inputs() []*Node { return n.inputs }

// Const wraps a fixed tensor.
func Const(t Tensor) *Node {
	n := newNode(KindConst, "")
	n.constant = t
	return n
}

// Add returns a + b elementwise.
func Add(a, b *Node) *Node { return newNode(KindAdd, "", a, b) }

// Sub returns a - b elementwise.
func Sub(a, b *Node) *Node { return newNode(KindSub, "", a, b) }

// Mul returns a * b elementwise.
func Mul(a, b *Node) *Node { return newNode(KindMul, "", a, b) }

// Scale returns alpha * a.
func Scale(a *Node, alpha float32) *Node {
	n := newNode(KindScale, "", a)
	n.alpha = alpha
	return n
}

// Square returns a * a elementwise.
func Square(a *Node) *Node { return newNode(KindSquare, "", a) }

// Sum reduces a to a scalar sum.
func Sum(a *Node) *Node { return newNode(KindSum, "", a) }

// Mean reduces a to its scalar mean.
func Mean(a *Node) *Node { return newNode(KindMean, "", a) }

// Broadcast fills scalar a over ref's runtime shape.
func Broadcast(a, ref *Node) *Node { return newNode(KindSpread, "", a, ref) }

func spread(a, ref *Node, divide bool) *Node {
	n := newNode(KindSpread, "", a, ref)
	n.divide = divide
	return n
}

// OnesLike produces a one-filled tensor with ref's runtime shape.
func OnesLike(ref *Node) *Node {
	return spread(Const(Scalar(1)), ref, false)
}

// ZerosLikeNode produces a zero-filled tensor with ref's runtime shape.
func ZerosLikeNode(ref *Node) *Node {
	return spread(Const(Scalar(0)), ref, false)
}

// Sequence returns a node carrying n's value whose evaluation is ordered
// strictly after every node in pre. It is how a sample's pre-step
// operations are sequenced ahead of the loss that reads from it.
func Sequence(pre []*Node, n *Node) *Node {
	if len(pre) == 0 {
		return n
	}
	out := newNode(KindIdent, n.name+"_seq", n)
	out.ctrl = append([]*Node{}, pre...)
	return out
}

// Group returns an effect node that evaluates every dep once and yields no
// value. It is the combined op for a set of sub-ops.
func Group(name string, deps ...*Node) *Node {
	out := newNode(KindEffect, name)
	out.ctrl = append([]*Node{}, deps...)
	out.run = func(ctx context.Context, in []Tensor) (Tensor, error) {
		return Tensor{}, nil
	}
	return out
}

// NewSource creates a node whose value comes from outside the graph, such
// as a tensor received from the peer. No gradient flows into a source; its
// adjoint, if any, is what gets shipped back.
func NewSource(name string, fn func(ctx context.Context) (Tensor, error)) *Node {
	n := newNode(KindSource, name)
	n.run = func(ctx context.Context, in []Tensor) (Tensor, error) {
		return fn(ctx)
	}
	return n
}

// NewEffect creates a side-effecting node evaluated for its effect, not its
// value. Inputs are materialized and handed to fn.
func NewEffect(name string, inputs []*Node, fn RunFunc) *Node {
	n := newNode(KindEffect, name, inputs...)
	n.run = fn
	return n
}

// NewOp creates an opaque compute node. The tape engine treats it as a
// gradient boundary.
func NewOp(name string, inputs []*Node, fn RunFunc) *Node {
	n := newNode(KindOpaque, name, inputs...)
	n.run = fn
	return n
}

// Eval evaluates the node for the given step epoch, running each node in
// its transitive closure at most once per epoch.
func (n *Node) Eval(ctx context.Context, epoch uint64) (Tensor, error) {
	if err := ctx.Err(); err != nil {
		return Tensor{}, err
	}

	n.mu.Lock()
	if n.done && n.epoch == epoch {
		val, err := n.val, n.err
		n.mu.Unlock()
		return val, err
	}
	n.mu.Unlock()

	for _, c := range n.ctrl {
		if _, err := c.Eval(ctx, epoch); err != nil {
			return Tensor{}, err
		}
	}

	in := make([]Tensor, len(n.inputs))
	for i, dep := range n.inputs {
		v, err := dep.Eval(ctx, epoch)
		if err != nil {
			return Tensor{}, err
		}
		in[i] = v
	}

	val, err := n.compute(ctx, in)

	n.mu.Lock()
	n.epoch, n.val, n.err, n.done = epoch, val, err, true
	n.mu.Unlock()
	return val, err
}

func (n *Node) compute(ctx context.Context, in []Tensor) (Tensor, error) {
	switch n.kind {
	case KindConst:
		return n.constant, nil
	case KindVar:
		return n.variable.Value(), nil
	case KindAdd:
		return AddTensors(in[0], in[1])
	case KindSub:
		return SubTensors(in[0], in[1])
	case KindMul:
		return MulTensors(in[0], in[1])
	case KindScale:
		return ScaleTensor(in[0], n.alpha), nil
	case KindSquare:
		return MulTensors(in[0], in[0])
	case KindSum:
		return SumTensor(in[0]), nil
	case KindMean:
		return MeanTensor(in[0]), nil
	case KindSpread:
		if !in[0].IsScalar() {
			return Tensor{}, types.Errorf(types.ErrShapeMismatch,
				"spread needs a scalar input, got shape %v", in[0].Shape)
		}
		v := in[0].Data[0]
		if n.divide && in[1].Size() > 0 {
			v /= float32(in[1].Size())
		}
		return Fill(v, in[1].Shape...), nil
	case KindIdent:
		return in[0], nil
	case KindSource, KindEffect, KindOpaque:
		return n.run(ctx, in)
	default:
		return Tensor{}, fmt.Errorf("unknown node kind %q", n.kind)
	}
}
